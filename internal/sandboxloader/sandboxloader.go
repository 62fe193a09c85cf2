// Package sandboxloader implements the sandbox class loader (C9 in the
// design): the state machine of spec.md §4.9
// (UNKNOWN -> PARSED -> ANALYZED -> {PINNED|REJECTED|REWRITTEN->LOADED}),
// cached by original class name. Grounded on the teacher's ClassLoader
// interface (pkg/vm/classloader.go) and UserClassLoader's parent-delegation
// shape, generalized from "find and parse bytes" to "find, parse, analyze,
// and conditionally rewrite".
package sandboxloader

import (
	"bytes"
	"fmt"

	"github.com/detsandbox/sandbox/internal/classvisitor"
	"github.com/detsandbox/sandbox/internal/diagnostics"
	"github.com/detsandbox/sandbox/internal/rewriter"
	"github.com/detsandbox/sandbox/internal/rules"
	"github.com/detsandbox/sandbox/internal/session"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

// State is one node of the C9 state machine.
type State int

const (
	Unknown State = iota
	Parsed
	Analyzed
	Pinned
	Rejected
	Rewritten
	Loaded
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Parsed:
		return "PARSED"
	case Analyzed:
		return "ANALYZED"
	case Pinned:
		return "PINNED"
	case Rejected:
		return "REJECTED"
	case Rewritten:
		return "REWRITTEN"
	case Loaded:
		return "LOADED"
	default:
		return "UNKNOWN"
	}
}

// LoadedClass is the artifact spec.md §3 names: a materialized class, its
// bytes, and whether the rewriter changed anything.
type LoadedClass struct {
	OriginalName      string
	MaterializedClass string
	Bytes             []byte
	IsModified        bool
	State             State
}

// SandboxClassLoadingException is raised when analysis of a class records
// one or more ERROR-severity diagnostics, carrying the originating class
// name and the full message list for the caller to report.
type SandboxClassLoadingException struct {
	ClassName string
	Messages  []diagnostics.Message
}

func (e *SandboxClassLoadingException) Error() string {
	return fmt.Sprintf("sandboxloader: %s rejected with %d error(s)", e.ClassName, diagnostics.ErrorCount(e.Messages))
}

// Loader is a session-scoped, cache-backed driver of the C9 state machine.
// Not safe for concurrent use, matching internal/session.Session.
type Loader struct {
	sess  *session.Session
	cache map[string]*LoadedClass
}

// New builds a Loader bound to sess. One Loader belongs to exactly one
// Session for its entire lifetime.
func New(sess *session.Session) *Loader {
	return &Loader{sess: sess, cache: make(map[string]*LoadedClass)}
}

// Load runs the full state machine for originalName, short-circuiting on a
// cache hit. The cache is keyed by the original (pre-resolve) name, per
// spec.md §4.9's cache discipline.
func (l *Loader) Load(originalName string) (*LoadedClass, error) {
	if cached, ok := l.cache[originalName]; ok {
		return cached, nil
	}

	if l.sess.Policy.IsPinned(originalName) {
		lc, err := l.loadPinned(originalName)
		if err != nil {
			return nil, err
		}
		l.cache[originalName] = lc
		return lc, nil
	}

	raw, err := l.sess.Loader.ReadClass(originalName)
	if err != nil {
		return nil, fmt.Errorf("sandboxloader: %s: %w", originalName, err)
	}
	cf, err := classfile.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("sandboxloader: %s: parsing: %w", originalName, err)
	}
	// State: PARSED.

	errorCountBefore := diagnostics.ErrorCount(l.sess.Context.Messages)
	if err := l.analyze(originalName, cf); err != nil {
		return nil, err
	}
	errorCountAfter := diagnostics.ErrorCount(l.sess.Context.Messages)
	// State: ANALYZED.

	if errorCountAfter > errorCountBefore {
		lc := &LoadedClass{OriginalName: originalName, State: Rejected}
		l.cache[originalName] = lc
		return nil, &SandboxClassLoadingException{ClassName: originalName, Messages: l.sess.Context.Messages}
	}

	if l.sess.Resolver.IsWhitelisted(originalName) {
		lc := &LoadedClass{
			OriginalName:      originalName,
			MaterializedClass: originalName,
			Bytes:             raw,
			IsModified:        false,
			State:             Loaded,
		}
		l.cache[originalName] = lc
		return lc, nil
	}

	result, err := rewriter.Rewrite(l.sess.Resolver, l.sess.Policy.CostProfile, originalName, cf)
	if err != nil {
		return nil, fmt.Errorf("sandboxloader: %s: rewriting: %w", originalName, err)
	}
	// State: REWRITTEN -> LOADED ("define" is the caller's defineClass-equivalent).
	lc := &LoadedClass{
		OriginalName:      originalName,
		MaterializedClass: l.sess.Resolver.Resolve(originalName),
		Bytes:             result.Bytes,
		IsModified:        result.IsModified,
		State:             Loaded,
	}
	l.cache[originalName] = lc
	return lc, nil
}

// loadPinned fetches a pinned class through the configured loader and
// records it with empty bytes, per spec.md §4.9: pinned classes are "fetched
// through the host loader with empty bytes recorded; their references are
// not remapped." This module treats its own classpath loader as the host
// loader stand-in since the real host defineClass is an external
// collaborator outside this repo's scope.
func (l *Loader) loadPinned(originalName string) (*LoadedClass, error) {
	if _, err := l.sess.Loader.ReadClass(originalName); err != nil {
		return nil, fmt.Errorf("sandboxloader: pinned class %s: %w", originalName, err)
	}
	return &LoadedClass{
		OriginalName:      originalName,
		MaterializedClass: originalName,
		Bytes:             nil,
		IsModified:        false,
		State:             Pinned,
	}, nil
}

// analyze streams cf through the rule engine (C4) via the class/member
// visitor (C3), recording diagnostics and references into the session's
// analysis context.
func (l *Loader) analyze(originalName string, cf *classfile.ClassFile) error {
	engine := rules.NewEngine()
	recorder := &referenceRecorder{ctx: l.sess.Context, origin: originalName}
	visitors := classvisitor.VisitorFunc(func(ev classvisitor.Event) error {
		if err := engine.Visit(ev); err != nil {
			return err
		}
		return recorder.Visit(ev)
	})
	if err := classvisitor.Walk(cf, classvisitor.Options{RecordReferences: true}, visitors); err != nil {
		return fmt.Errorf("sandboxloader: %s: analyzing: %w", originalName, err)
	}
	l.sess.Context.Messages = append(l.sess.Context.Messages, engine.Messages...)
	diagnostics.Sort(l.sess.Context.Messages)
	l.sess.Context.RecordClass(originalName, cf)
	return nil
}

// referenceRecorder adapts classvisitor.Reference events into
// session.EntityReference entries in the analysis context.
type referenceRecorder struct {
	ctx    *session.AnalysisContext
	origin string
}

func (r *referenceRecorder) Visit(ev classvisitor.Event) error {
	if ev.Kind != classvisitor.EventReference {
		return nil
	}
	ref := ev.Reference
	kind := session.ReferenceClass
	if ref.Kind == classvisitor.ReferenceMember {
		kind = session.ReferenceMember
	}
	r.ctx.RecordReference(session.EntityReference{
		Kind:      kind,
		ClassName: ref.ClassName,
		Member:    ref.MemberName,
		Signature: ref.Signature,
		Location:  diagnostics.Location{ClassName: r.origin, MemberName: ref.FromMember, Offset: ref.Offset},
	}, r.origin)
	return nil
}
