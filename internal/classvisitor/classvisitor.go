// Package classvisitor streams a parsed class file as a sequence of typed
// events (C3 in the design). It generalizes the teacher's single-pass
// vm.executeInstruction switch — which interprets one opcode at a time
// against a live operand stack — into a non-executing decode pass shared by
// the rule engine (analysis) and the rewriter (mutation): both register as a
// Visitor and see the same event stream in the same class-file order.
package classvisitor

import (
	"fmt"

	"github.com/detsandbox/sandbox/internal/bytecode"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

// EventKind tags which field of Event is populated. A closed set, per
// spec.md §9's preference for tagged sum types over polymorphic dispatch.
type EventKind int

const (
	EventClassEntry EventKind = iota
	EventMemberEntry
	EventInstruction
	EventTryCatchBlock
	EventReference
)

// ClassEntry carries the class header, delivered once per Walk.
type ClassEntry struct {
	Name       string
	Super      string
	Interfaces []string
	AccessFlags uint16
	Major, Minor uint16
}

// MemberKind distinguishes a field member from a method member.
type MemberKind int

const (
	MemberField MemberKind = iota
	MemberMethod
)

// MemberEntry carries one field or method header, delivered before any of
// its instructions (for methods) or alone (for fields, which have none).
type MemberEntry struct {
	Kind        MemberKind
	Name        string
	Descriptor  string
	AccessFlags uint16
	IsNative    bool
	IsAbstract  bool
}

// InstructionEvent wraps one decoded instruction plus the enclosing
// member's identity, so rules and emitters can build a diagnostics.Location
// without threading extra state.
type InstructionEvent struct {
	Decoded    bytecode.Instruction
	MemberName string
	Index      int // position within the member's instruction slice
}

// TryCatchBlock carries one exception table entry of the current method,
// with CatchType resolved to a class name ("" for catch-all/finally).
type TryCatchBlock struct {
	MemberName string
	StartPC, EndPC, HandlerPC int
	CatchType string
}

// ReferenceKind distinguishes the two EntityReference variants from spec.md §3.
type ReferenceKind int

const (
	ReferenceClass ReferenceKind = iota
	ReferenceMember
)

// Reference is the sum type ClassReference | MemberReference from spec.md §3,
// observed while streaming a member's instructions.
type Reference struct {
	Kind       ReferenceKind
	ClassName  string
	MemberName string // zero for ReferenceClass
	Signature  string // zero for ReferenceClass
	Offset     int
	FromMember string // the member whose body produced this reference
}

// Event is the single closed sum type the visitor emits; exactly one of the
// embedded pointers is non-nil depending on Kind.
type Event struct {
	Kind        EventKind
	Class       *ClassEntry
	Member      *MemberEntry
	Instruction *InstructionEvent
	TryCatch    *TryCatchBlock
	Reference   *Reference
}

// Visitor receives the event stream. Returning a non-nil error aborts the
// walk; Walk wraps it with the class/member context it was raised from.
type Visitor interface {
	Visit(Event) error
}

// VisitorFunc adapts a plain function to Visitor.
type VisitorFunc func(Event) error

func (f VisitorFunc) Visit(e Event) error { return f(e) }

// Options controls what Walk emits, per spec.md §4.3 ("options include
// frame expansion and whether to record references").
type Options struct {
	// RecordReferences enables EventReference emission for every field
	// access, method call, and type operation.
	RecordReferences bool
}

// Walk streams cf's class header, then each field, then each method's body
// as a sequence of InstructionEvent/TryCatchBlock/Reference events, in
// class-file order. The same Walk call serves both the analysis pass (rules
// attached as Visitor) and the rewriting pass (the mutator chain attached as
// Visitor); neither pass mutates cf, since decoding never touches the input.
func Walk(cf *classfile.ClassFile, opts Options, v Visitor) error {
	name, err := cf.ClassName()
	if err != nil {
		return fmt.Errorf("classvisitor: resolving class name: %w", err)
	}
	interfaces, err := cf.InterfaceNames()
	if err != nil {
		return fmt.Errorf("classvisitor: resolving interfaces of %s: %w", name, err)
	}

	if err := v.Visit(Event{Kind: EventClassEntry, Class: &ClassEntry{
		Name:        name,
		Super:       cf.SuperClassName(),
		Interfaces:  interfaces,
		AccessFlags: cf.AccessFlags,
		Major:       cf.MajorVersion,
		Minor:       cf.MinorVersion,
	}}); err != nil {
		return err
	}

	for i := range cf.Fields {
		f := &cf.Fields[i]
		if err := v.Visit(Event{Kind: EventMemberEntry, Member: &MemberEntry{
			Kind:        MemberField,
			Name:        f.Name,
			Descriptor:  f.Descriptor,
			AccessFlags: f.AccessFlags,
		}}); err != nil {
			return fmt.Errorf("classvisitor: %s.%s: %w", name, f.Name, err)
		}
		if opts.RecordReferences {
			if err := emitDescriptorReference(v, name, f.Name, f.Descriptor, 0); err != nil {
				return err
			}
		}
	}

	for i := range cf.Methods {
		m := &cf.Methods[i]
		if err := walkMethod(name, cf.ConstantPool, m, opts, v); err != nil {
			return fmt.Errorf("classvisitor: %s.%s%s: %w", name, m.Name, m.Descriptor, err)
		}
	}

	return nil
}

func walkMethod(className string, pool []classfile.ConstantPoolEntry, m *classfile.MethodInfo, opts Options, v Visitor) error {
	isNative := m.AccessFlags&classfile.AccNative != 0
	isAbstract := m.AccessFlags&classfile.AccAbstract != 0

	if err := v.Visit(Event{Kind: EventMemberEntry, Member: &MemberEntry{
		Kind:        MemberMethod,
		Name:        m.Name,
		Descriptor:  m.Descriptor,
		AccessFlags: m.AccessFlags,
		IsNative:    isNative,
		IsAbstract:  isAbstract,
	}}); err != nil {
		return err
	}

	if opts.RecordReferences {
		if err := emitDescriptorReference(v, className, m.Name, m.Descriptor, 0); err != nil {
			return err
		}
	}

	if m.Code == nil {
		return nil // native or abstract: no body to stream
	}

	instrs, _, err := bytecode.Decode(m.Code.Code, pool, m.Code.ExceptionHandlers)
	if err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}

	for idx, ins := range instrs {
		if err := v.Visit(Event{Kind: EventInstruction, Instruction: &InstructionEvent{
			Decoded:    ins,
			MemberName: m.Name,
			Index:      idx,
		}}); err != nil {
			return err
		}
		if opts.RecordReferences {
			if err := emitInstructionReference(v, className, m.Name, ins); err != nil {
				return err
			}
		}
	}

	for _, h := range m.Code.ExceptionHandlers {
		catchType := "" // 0 means catch-all/finally, per JVMS 4.7.3
		if h.CatchType != 0 {
			name, err := classfile.GetClassName(pool, h.CatchType)
			if err != nil {
				return fmt.Errorf("resolving catch type: %w", err)
			}
			catchType = name
		}
		if err := v.Visit(Event{Kind: EventTryCatchBlock, TryCatch: &TryCatchBlock{
			MemberName: m.Name,
			StartPC:    int(h.StartPC),
			EndPC:      int(h.EndPC),
			HandlerPC:  int(h.HandlerPC),
			CatchType:  catchType,
		}}); err != nil {
			return err
		}
	}

	return nil
}

func emitInstructionReference(v Visitor, className, memberName string, ins bytecode.Instruction) error {
	switch ins.Kind {
	case bytecode.KindClassRef:
		return v.Visit(Event{Kind: EventReference, Reference: &Reference{
			Kind: ReferenceClass, ClassName: resolveReferenceClass(ins.ClassRef),
			Offset: ins.Offset, FromMember: memberName,
		}})
	case bytecode.KindFieldRef:
		return v.Visit(Event{Kind: EventReference, Reference: &Reference{
			Kind: ReferenceMember, ClassName: ins.FieldRef.Owner, MemberName: ins.FieldRef.Name,
			Signature: ins.FieldRef.Descriptor, Offset: ins.Offset, FromMember: memberName,
		}})
	case bytecode.KindMethodRef, bytecode.KindInterfaceMethodRef:
		return v.Visit(Event{Kind: EventReference, Reference: &Reference{
			Kind: ReferenceMember, ClassName: ins.MethodRef.Owner, MemberName: ins.MethodRef.Name,
			Signature: ins.MethodRef.Descriptor, Offset: ins.Offset, FromMember: memberName,
		}})
	default:
		return nil
	}
}

func emitDescriptorReference(v Visitor, className, memberName, descriptor string, offset int) error {
	for _, cls := range classTypesIn(descriptor) {
		if err := v.Visit(Event{Kind: EventReference, Reference: &Reference{
			Kind: ReferenceClass, ClassName: resolveReferenceClass(cls), Offset: offset, FromMember: memberName,
		}}); err != nil {
			return err
		}
	}
	return nil
}

// classTypesIn extracts every "Lname;" class type embedded in a field or
// method descriptor, resolving array element types per spec.md §3 (arrays
// resolve to their element type; this function itself only extracts names,
// resolveReferenceClass applies the array-collapse rule).
func classTypesIn(descriptor string) []string {
	var out []string
	i := 0
	for i < len(descriptor) {
		switch descriptor[i] {
		case 'L':
			end := i + 1
			for end < len(descriptor) && descriptor[end] != ';' {
				end++
			}
			if end < len(descriptor) {
				out = append(out, descriptor[i+1:end])
			}
			i = end + 1
		default:
			i++
		}
	}
	return out
}

// resolveReferenceClass applies spec.md §3's array-reference rule: array
// descriptors, if one somehow reaches here as a bare class name, collapse to
// java/lang/Object; this package only calls it with already-unwrapped class
// names, so it is a defensive identity in the common case.
func resolveReferenceClass(name string) string {
	if len(name) > 0 && name[0] == '[' {
		return "java/lang/Object"
	}
	return name
}
