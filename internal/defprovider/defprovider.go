// Package defprovider implements the definition providers (C5 in the
// design): pure functions that rewrite a member's header and, where the
// policy requires it, replace its body outright. Providers run in
// registration order ahead of the instruction emitters (C6), since a
// stubbed member's synthetic body is itself instructions C6 never needs to
// touch.
package defprovider

import (
	"strings"

	"github.com/detsandbox/sandbox/internal/bytecode"
	"github.com/detsandbox/sandbox/internal/jvmnames"
	"github.com/detsandbox/sandbox/internal/runtimecost"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

// MemberDef is the C5/C6 intermediate representation of a method: enough to
// rebuild a classfile.WriteMethod once the emitter chain (C6) and remapper
// (C7) have run, without re-deriving it from the original classfile.MethodInfo.
type MemberDef struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	IsNative    bool
	IsAbstract  bool

	MaxStack  uint16
	MaxLocals uint16

	// Instructions is nil for abstract members; for native members it starts
	// nil and a provider may populate it with a synthetic stub body.
	Instructions      []bytecode.Instruction
	ExceptionHandlers []bytecode.ExceptionHandler

	// Modified records whether any provider in the chain changed this
	// member, feeding C8's isModified flag (spec.md §4.8).
	Modified bool
}

// FromMethodInfo builds the starting MemberDef for a method, decoding its
// body if it has one.
func FromMethodInfo(pool []classfile.ConstantPoolEntry, m *classfile.MethodInfo) (MemberDef, error) {
	def := MemberDef{
		AccessFlags: m.AccessFlags,
		Name:        m.Name,
		Descriptor:  m.Descriptor,
		IsNative:    m.AccessFlags&classfile.AccNative != 0,
		IsAbstract:  m.AccessFlags&classfile.AccAbstract != 0,
	}
	if m.Code == nil {
		return def, nil
	}
	def.MaxStack = m.Code.MaxStack
	def.MaxLocals = m.Code.MaxLocals
	instrs, handlers, err := bytecode.Decode(m.Code.Code, pool, m.Code.ExceptionHandlers)
	if err != nil {
		return def, err
	}
	def.Instructions = instrs
	def.ExceptionHandlers = handlers
	return def, nil
}

// Provider is a pure (className, member) -> member' transform, matching
// spec.md §4.5's definition provider contract exactly.
type Provider func(className string, def MemberDef) MemberDef

// Chain applies providers in order, the registration order being part of
// the deterministic-output contract (spec.md §5).
func Chain(className string, def MemberDef, providers []Provider) MemberDef {
	for _, p := range providers {
		def = p(className, def)
	}
	return def
}

// DefaultProviders returns the two mandatory providers from spec.md §4.5, in
// the order the spec lists them (native stub, then finalizer stub — a
// member cannot be both, so order between them is immaterial but fixed for
// determinism).
func DefaultProviders() []Provider {
	return []Provider{NativeStub, FinalizerStub}
}

// NativeStub implements spec.md §4.5's "Native stub": clears ACC_NATIVE and
// replaces the body with one that throws RuleViolationException, for every
// native member outside the JVM-internal namespace (java/, javax/, jdk/,
// sun/), mirroring internal/rules.FlagNativeMethod's scope exactly.
func NativeStub(className string, def MemberDef) MemberDef {
	if !def.IsNative || jvmnames.IsInternal(className) {
		return def
	}

	def.AccessFlags &^= classfile.AccNative
	def.IsNative = false
	def.Instructions = throwStub(runtimecost.RuleViolationException, "Native method has been deleted")
	def.ExceptionHandlers = nil
	def.MaxStack = 3 // new, dup, ldc leave 3 on the stack before <init>/athrow
	def.MaxLocals = maxLocalsFor(def.Descriptor, def.AccessFlags)
	def.Modified = true
	return def
}

// FinalizerStub implements spec.md §4.5's "Finalizer stub": replaces the
// body of finalize()V with a single return, for every class outside
// java/lang/.
func FinalizerStub(className string, def MemberDef) MemberDef {
	if def.Name != "finalize" || def.Descriptor != "()V" {
		return def
	}
	if strings.HasPrefix(className, "java/lang/") {
		return def
	}

	def.Instructions = []bytecode.Instruction{{Opcode: bytecode.OpReturn, Kind: bytecode.KindNone}}
	def.ExceptionHandlers = nil
	def.MaxStack = 0
	def.MaxLocals = maxLocalsFor(def.Descriptor, def.AccessFlags)
	def.Modified = true
	return def
}

// throwStub builds the instruction sequence `throw new <excClass>(message)`:
// new, dup, ldc message, invokespecial <excClass>.<init>(Ljava/lang/String;)V, athrow.
func throwStub(excClass, message string) []bytecode.Instruction {
	return []bytecode.Instruction{
		{Opcode: bytecode.OpNew, Kind: bytecode.KindClassRef, ClassRef: excClass},
		{Opcode: bytecode.OpDup, Kind: bytecode.KindNone},
		{Opcode: bytecode.OpLdc, Kind: bytecode.KindLdc, LdcValue: bytecode.NewLdcString(message)},
		{Opcode: bytecode.OpInvokespecial, Kind: bytecode.KindMethodRef, MethodRef: &bytecode.MethodRef{
			Owner: excClass, Name: "<init>", Descriptor: "(Ljava/lang/String;)V",
		}},
		{Opcode: bytecode.OpAthrow, Kind: bytecode.KindNone},
	}
}

// maxLocalsFor computes the local-variable slot count a stub body needs: at
// minimum the receiver (for instance methods) plus one slot per parameter,
// since a stub body itself never reads locals but MaxLocals must still
// cover the parameters the verifier expects to be live on entry.
func maxLocalsFor(descriptor string, access uint16) uint16 {
	slots := uint16(0)
	if access&classfile.AccStatic == 0 {
		slots++ // this
	}
	slots += uint16(countParamSlots(descriptor))
	if slots == 0 {
		slots = 1
	}
	return slots
}

func countParamSlots(descriptor string) int {
	if len(descriptor) == 0 || descriptor[0] != '(' {
		return 0
	}
	i := 1
	slots := 0
	for i < len(descriptor) && descriptor[i] != ')' {
		switch descriptor[i] {
		case 'J', 'D':
			slots += 2
			i++
		case 'L':
			for i < len(descriptor) && descriptor[i] != ';' {
				i++
			}
			i++
			slots++
		case '[':
			for i < len(descriptor) && descriptor[i] == '[' {
				i++
			}
			if i < len(descriptor) && descriptor[i] == 'L' {
				for i < len(descriptor) && descriptor[i] != ';' {
					i++
				}
			}
			i++
			slots++
		default:
			i++
			slots++
		}
	}
	return slots
}

