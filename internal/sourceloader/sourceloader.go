// Package sourceloader locates raw class bytes on a configured classpath
// (C2 in the design). It is grounded on the teacher's JmodClassLoader
// (archive handling via archive/zip) and UserClassLoader (directory lookup
// with parent delegation) in pkg/vm/classloader.go, generalized to run over
// spf13/afero.Fs so the classpath is testable with an in-memory filesystem
// and so directory and archive sources share one interface.
package sourceloader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Source yields raw class bytes for a binary internal name ("java/lang/Object"),
// without interpreting them. Implementations release any file handle they
// open before returning, per spec.md's "archive readers are opened on
// demand and released after each read" resource policy.
type Source interface {
	// ReadClass returns the raw bytes of name+".class", or an error if not
	// found on this source. Callers try sources in classpath order.
	ReadClass(name string) ([]byte, error)
	io.Closer
}

// DirectorySource reads loose .class files from a directory tree via an
// afero.Fs, mirroring the teacher's UserClassLoader but without its
// in-loader parent delegation (Classpath composes delegation itself).
type DirectorySource struct {
	fs   afero.Fs
	root string
}

// NewDirectorySource creates a DirectorySource rooted at root on fs.
func NewDirectorySource(fs afero.Fs, root string) *DirectorySource {
	return &DirectorySource{fs: fs, root: root}
}

func (d *DirectorySource) ReadClass(name string) ([]byte, error) {
	path := filepath.Join(d.root, name+".class")
	data, err := afero.ReadFile(d.fs, path)
	if err != nil {
		return nil, fmt.Errorf("sourceloader: directory %s: class %s not found: %w", d.root, name, err)
	}
	return data, nil
}

func (d *DirectorySource) Close() error { return nil }

// ArchiveSource reads classes out of a jar/jmod-shaped zip archive, grounded
// on the teacher's JmodClassLoader. jmod archives additionally nest classes
// under a "classes/" prefix inside the zip; jar archives do not, so both
// prefixes are tried.
type ArchiveSource struct {
	path   string
	reader *zip.Reader
	closer io.Closer
}

// NewArchiveSource opens path (a .jar or .jmod file) for reading through fs.
// Most afero backends don't implement io.ReaderAt directly; the archive is
// read fully into memory once, matching the teacher's own approach of
// slurping the whole jmod before handing it to archive/zip.
func NewArchiveSource(fs afero.Fs, path string) (*ArchiveSource, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sourceloader: opening archive %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sourceloader: reading archive %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".jmod") && len(data) > 4 {
		data = data[4:] // skip the "JM\x01\x00" jmod header
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("sourceloader: opening zip in %s: %w", path, err)
	}

	return &ArchiveSource{path: path, reader: zr}, nil
}

func (a *ArchiveSource) ReadClass(name string) ([]byte, error) {
	for _, candidate := range []string{name + ".class", "classes/" + name + ".class"} {
		for _, file := range a.reader.File {
			if file.Name != candidate {
				continue
			}
			rc, err := file.Open()
			if err != nil {
				return nil, fmt.Errorf("sourceloader: opening %s in %s: %w", candidate, a.path, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return nil, fmt.Errorf("sourceloader: reading %s in %s: %w", candidate, a.path, err)
			}
			return data, nil
		}
	}
	return nil, fmt.Errorf("sourceloader: class %s not found in %s", name, a.path)
}

func (a *ArchiveSource) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Classpath is an ordered list of Sources consulted in order, the
// parent-delegation shape of the teacher's UserClassLoader generalized to
// any number of entries instead of exactly one parent and one directory.
type Classpath struct {
	sources []Source
}

// New builds a Classpath from entries, each either a directory or a
// .jar/.jmod archive path. "~/"-prefixed entries are expanded against the
// current user's home directory, per spec.md §6's environment contract.
func New(fs afero.Fs, entries []string) (*Classpath, error) {
	cp := &Classpath{}
	for _, entry := range entries {
		expanded, err := expandHome(entry)
		if err != nil {
			return nil, fmt.Errorf("sourceloader: expanding classpath entry %q: %w", entry, err)
		}

		if strings.HasSuffix(expanded, ".jar") || strings.HasSuffix(expanded, ".jmod") {
			src, err := NewArchiveSource(fs, expanded)
			if err != nil {
				return nil, err
			}
			cp.sources = append(cp.sources, src)
			continue
		}
		cp.sources = append(cp.sources, NewDirectorySource(fs, expanded))
	}
	return cp, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user home: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// ReadClass tries each source in classpath order and returns the first hit.
func (cp *Classpath) ReadClass(name string) ([]byte, error) {
	var lastErr error
	for _, src := range cp.sources {
		data, err := src.ReadClass(name)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, fmt.Errorf("sourceloader: class %s not found (empty classpath)", name)
	}
	return nil, fmt.Errorf("sourceloader: class %s not found on any classpath entry: %w", name, lastErr)
}

// Close releases every source's resources. Errors are collected but do not
// stop remaining sources from closing, since classpath teardown happens at
// session end and partial cleanup is still better than none.
func (cp *Classpath) Close() error {
	var firstErr error
	for _, src := range cp.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
