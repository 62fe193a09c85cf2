// Package remap implements the remapper (C7 in the design): applies the
// class resolver (C1) to everything C6's instruction-level emitters don't
// reach — the class header (name, superclass, interfaces) and every field
// and method descriptor — so a rewritten class's own signature matches the
// sandboxed names its rewritten body now calls through.
//
// Grounded on internal/resolver's ResolveDescriptor, which this package
// composes over a whole class image instead of one descriptor at a time.
package remap

import (
	"fmt"

	"github.com/detsandbox/sandbox/internal/resolver"
)

// ClassHeader is the subset of a class's header that names other classes.
type ClassHeader struct {
	Name       string
	Super      string
	Interfaces []string
}

// Class applies r to a class header, returning the sandboxed name, the
// sandboxed superclass (java/lang/Object keeps its own name, as every
// JVM-internal name does under the resolver), and the sandboxed interface
// list in the same order.
func Class(r *resolver.Resolver, h ClassHeader) ClassHeader {
	out := ClassHeader{Name: r.Resolve(h.Name)}
	if h.Super != "" { // "" is java/lang/Object's own encoding (ClassFile.SuperClassName)
		out.Super = r.Resolve(h.Super)
	}
	if len(h.Interfaces) > 0 {
		out.Interfaces = make([]string, len(h.Interfaces))
		for i, iface := range h.Interfaces {
			out.Interfaces[i] = r.Resolve(iface)
		}
	}
	return out
}

// Descriptor rewrites a field or method descriptor's class-typed components
// through r. It is a thin, named entry point over
// resolver.ResolveDescriptor so call sites in internal/rewriter read as "C7
// remaps this descriptor" rather than reaching into C1 directly.
func Descriptor(r *resolver.Resolver, descriptor string) (string, error) {
	out, err := r.ResolveDescriptor(descriptor)
	if err != nil {
		return "", fmt.Errorf("remap: %w", err)
	}
	return out, nil
}
