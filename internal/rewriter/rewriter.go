// Package rewriter implements the rewriter (C8 in the design):
// rewrite(image, context) -> {bytes, isModified}, per spec.md §4.8's
// four-step algorithm. It drives classvisitor's typed traversal (C3) into
// the definition providers (C5), the instruction emitters (C6), and the
// remapper (C7), then serializes the result through a brand-new
// classfile.Writer so the output class's constant pool contains exactly
// what the rewritten bytecode references, nothing left over from the
// original.
package rewriter

import (
	"fmt"

	"github.com/detsandbox/sandbox/internal/bytecode"
	"github.com/detsandbox/sandbox/internal/defprovider"
	"github.com/detsandbox/sandbox/internal/emitter"
	"github.com/detsandbox/sandbox/internal/remap"
	"github.com/detsandbox/sandbox/internal/resolver"
	"github.com/detsandbox/sandbox/internal/runtimecost"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

// Result is the {bytes, isModified} pair spec.md §4.8 names.
type Result struct {
	Bytes      []byte
	IsModified bool
}

// Rewrite runs the full C5->C6->C7 pipeline over cf and serializes the
// output through a fresh constant pool. originalName is cf's pre-resolve
// internal name, used to scope definition providers and emitters that key
// off the class being rewritten (native stub, finalizer stub, JVM-internal
// exemptions).
func Rewrite(r *resolver.Resolver, costs runtimecost.CostProfile, originalName string, cf *classfile.ClassFile) (Result, error) {
	providers := defprovider.DefaultProviders()
	emitters := emitter.DefaultEmitters()
	emitCtx := &emitter.Context{ClassName: originalName, Resolver: r, Costs: costs}

	header := remap.Class(r, remap.ClassHeader{Name: originalName, Super: cf.SuperClassName()})
	ifaces, err := cf.InterfaceNames()
	if err != nil {
		return Result{}, fmt.Errorf("rewriter: %s: reading interfaces: %w", originalName, err)
	}
	header.Interfaces = make([]string, len(ifaces))
	for i, iface := range ifaces {
		header.Interfaces[i] = r.Resolve(iface)
	}

	isModified := header.Name != originalName

	wc := &classfile.WriteClass{
		MinorVersion: cf.MinorVersion,
		MajorVersion: cf.MajorVersion,
		AccessFlags:  cf.AccessFlags,
		ThisClass:    header.Name,
		SuperClass:   header.Super,
		Interfaces:   header.Interfaces,
	}

	for i := range cf.Fields {
		f := &cf.Fields[i]
		descriptor, err := remap.Descriptor(r, f.Descriptor)
		if err != nil {
			return Result{}, fmt.Errorf("rewriter: %s: field %s: %w", originalName, f.Name, err)
		}
		if descriptor != f.Descriptor {
			isModified = true
		}
		wc.Fields = append(wc.Fields, classfile.WriteField{
			AccessFlags: f.AccessFlags,
			Name:        f.Name,
			Descriptor:  descriptor,
		})
	}

	cpw := classfile.NewWriter()
	for i := range cf.Methods {
		m := &cf.Methods[i]
		def, err := defprovider.FromMethodInfo(cf.ConstantPool, m)
		if err != nil {
			return Result{}, fmt.Errorf("rewriter: %s: method %s%s: %w", originalName, m.Name, m.Descriptor, err)
		}
		def = defprovider.Chain(originalName, def, providers)
		def = emitter.Run(emitCtx, def, emitters)

		descriptor, err := remap.Descriptor(r, def.Descriptor)
		if err != nil {
			return Result{}, fmt.Errorf("rewriter: %s: method %s%s: %w", originalName, m.Name, m.Descriptor, err)
		}
		if descriptor != def.Descriptor || def.Modified {
			isModified = true
		}

		wm := classfile.WriteMethod{
			AccessFlags: def.AccessFlags,
			Name:        def.Name,
			Descriptor:  descriptor,
			MaxStack:    def.MaxStack,
			MaxLocals:   def.MaxLocals,
		}
		if def.Instructions != nil {
			code, handlers, err := bytecode.Encode(def.Instructions, def.ExceptionHandlers, cpw)
			if err != nil {
				return Result{}, fmt.Errorf("rewriter: %s: method %s%s: %w", originalName, m.Name, m.Descriptor, err)
			}
			wm.Code = code
			wm.ExceptionHandlers = handlers
		}
		wc.Methods = append(wc.Methods, wm)
	}

	out, err := wc.Serialize(cpw)
	if err != nil {
		return Result{}, fmt.Errorf("rewriter: %s: serializing: %w", originalName, err)
	}
	return Result{Bytes: out, IsModified: isModified}, nil
}
