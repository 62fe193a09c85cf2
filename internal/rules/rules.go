// Package rules implements the rule engine (C4 in the design): declarative
// validators over class, member, and instruction scopes that the analysis
// pass runs as a classvisitor.Visitor, recording diagnostics rather than
// failing fast. Registration order is preserved and is part of the
// deterministic-output contract (spec.md §5).
package rules

import (
	"strings"

	"github.com/detsandbox/sandbox/internal/classvisitor"
	"github.com/detsandbox/sandbox/internal/diagnostics"
	"github.com/detsandbox/sandbox/internal/jvmnames"
	"github.com/detsandbox/sandbox/internal/runtimecost"
)

// ClassRule validates a class header. A non-nil diagnostics.Message records
// a finding; rules never abort the walk themselves (spec.md §4.4: "Rules
// never throw; accumulation is the mechanism").
type ClassRule func(className string, class classvisitor.ClassEntry) *diagnostics.Message

// MemberRule validates one field or method header.
type MemberRule func(className string, member classvisitor.MemberEntry) *diagnostics.Message

// InstructionRule validates one decoded instruction.
type InstructionRule func(className string, ie classvisitor.InstructionEvent) *diagnostics.Message

// TryCatchRule validates one exception table entry.
type TryCatchRule func(className string, tc classvisitor.TryCatchBlock) *diagnostics.Message

// Engine holds the ordered rule lists for each scope and adapts them to a
// classvisitor.Visitor so analysis runs them over the same event stream the
// rewriter later reuses.
type Engine struct {
	ClassRules       []ClassRule
	MemberRules      []MemberRule
	InstructionRules []InstructionRule
	TryCatchRules    []TryCatchRule

	className string // set by the EventClassEntry callback, used by later events
	Messages  []diagnostics.Message
}

// NewEngine builds an Engine with the five mandatory rules from spec.md §4.4
// already registered, in the order they are listed there.
func NewEngine() *Engine {
	e := &Engine{}
	e.InstructionRules = append(e.InstructionRules,
		DisallowDynamicInvocation,
		DisallowReflection,
	)
	e.TryCatchRules = append(e.TryCatchRules, DisallowThreadDeathCatch)
	e.MemberRules = append(e.MemberRules,
		FlagNativeMethod,
		FlagFinalizer,
	)
	return e
}

// Visit implements classvisitor.Visitor, dispatching each event to the
// rules registered for its scope.
func (e *Engine) Visit(ev classvisitor.Event) error {
	switch ev.Kind {
	case classvisitor.EventClassEntry:
		e.className = ev.Class.Name
		for _, r := range e.ClassRules {
			if m := r(e.className, *ev.Class); m != nil {
				e.Messages = append(e.Messages, *m)
			}
		}
	case classvisitor.EventMemberEntry:
		for _, r := range e.MemberRules {
			if m := r(e.className, *ev.Member); m != nil {
				e.Messages = append(e.Messages, *m)
			}
		}
	case classvisitor.EventInstruction:
		for _, r := range e.InstructionRules {
			if m := r(e.className, *ev.Instruction); m != nil {
				e.Messages = append(e.Messages, *m)
			}
		}
	case classvisitor.EventTryCatchBlock:
		for _, r := range e.TryCatchRules {
			if m := r(e.className, *ev.TryCatch); m != nil {
				e.Messages = append(e.Messages, *m)
			}
		}
	}
	return nil
}

// reflectionPrefixes and reflectionOwners implement spec.md §4.4's
// "Disallow reflection" rule scope exactly as specified.
var reflectionPrefixes = []string{"java/lang/reflect/", "java/lang/invoke/", "sun/reflect/"}
var reflectionOwners = map[string]bool{"sun/misc/Unsafe": true, "sun/misc/VM": true}

// DisallowDynamicInvocation flags invokedynamic instructions in any class
// outside the JVM-internal namespace.
func DisallowDynamicInvocation(className string, ie classvisitor.InstructionEvent) *diagnostics.Message {
	if jvmnames.IsInternal(className) {
		return nil
	}
	if !isInvokeDynamic(ie.Decoded.Opcode) {
		return nil
	}
	return &diagnostics.Message{
		Text:     "Disallowed dynamic invocation",
		Severity: diagnostics.Error,
		Location: diagnostics.Location{ClassName: className, MemberName: ie.MemberName, Offset: ie.Decoded.Offset},
	}
}

func isInvokeDynamic(op byte) bool {
	const opInvokedynamic = 0xBA
	return op == opInvokedynamic
}

// DisallowReflection flags field or method accesses whose owner falls
// within the reflection/invoke/unsafe surface named in spec.md §4.4.
func DisallowReflection(className string, ie classvisitor.InstructionEvent) *diagnostics.Message {
	owner := ""
	switch {
	case ie.Decoded.FieldRef != nil:
		owner = ie.Decoded.FieldRef.Owner
	case ie.Decoded.MethodRef != nil:
		owner = ie.Decoded.MethodRef.Owner
	default:
		return nil
	}

	disallowed := reflectionOwners[owner]
	for _, p := range reflectionPrefixes {
		if strings.HasPrefix(owner, p) {
			disallowed = true
			break
		}
	}
	if !disallowed {
		return nil
	}

	name := owner
	member := ""
	if ie.Decoded.FieldRef != nil {
		member = ie.Decoded.FieldRef.Name
	} else if ie.Decoded.MethodRef != nil {
		member = ie.Decoded.MethodRef.Name
	}
	dotted := strings.ReplaceAll(name, "/", ".")
	return &diagnostics.Message{
		Text:     "Disallowed reference to reflection API: " + dotted + "." + member,
		Severity: diagnostics.Error,
		Location: diagnostics.Location{ClassName: className, MemberName: ie.MemberName, Offset: ie.Decoded.Offset},
	}
}

// threatenedExceptionTypes names the catch types that must never be caught
// by sandboxed code: catching them would let user code swallow the signals
// the runtime uses to terminate a runaway class (spec.md end-to-end
// scenario 4).
var threatenedExceptionTypes = map[string]bool{
	"java/lang/ThreadDeath":               true,
	runtimecost.ThresholdViolationException: true,
}

// DisallowThreadDeathCatch flags a catch block whose declared type is
// ThreadDeath or ThresholdViolationException. Catch-all, Throwable, Error
// and Exception handlers are not flagged: the catch-block-rewrite emitter
// (C6) makes them survivable by re-throwing those two types first.
func DisallowThreadDeathCatch(className string, tc classvisitor.TryCatchBlock) *diagnostics.Message {
	if !threatenedExceptionTypes[tc.CatchType] {
		return nil
	}
	return &diagnostics.Message{
		Text:     "Disallowed catch of ThreadDeath exception",
		Severity: diagnostics.Error,
		Location: diagnostics.Location{ClassName: className, MemberName: tc.MemberName, Offset: tc.StartPC},
	}
}

// FlagNativeMethod records an INFO diagnostic for a native member outside
// the JVM-internal namespace, so the rewrite stage knows (via the same
// classvisitor event stream) to apply the native-stub definition provider.
// It never blocks analysis: native methods are allowed, just rewritten.
func FlagNativeMethod(className string, member classvisitor.MemberEntry) *diagnostics.Message {
	if !member.IsNative || jvmnames.IsInternal(className) {
		return nil
	}
	return &diagnostics.Message{
		Text:     "Native method will be stubbed: " + member.Name + member.Descriptor,
		Severity: diagnostics.Info,
		Location: diagnostics.Location{ClassName: className, MemberName: member.Name},
	}
}

// FlagFinalizer records an INFO diagnostic for a finalize()V method outside
// java/lang/, flagging it for the finalizer-stub definition provider.
func FlagFinalizer(className string, member classvisitor.MemberEntry) *diagnostics.Message {
	if member.Kind != classvisitor.MemberMethod || member.Name != "finalize" || member.Descriptor != "()V" {
		return nil
	}
	if strings.HasPrefix(className, "java/lang/") {
		return nil
	}
	return &diagnostics.Message{
		Text:     "Finalizer will be stubbed to a single return",
		Severity: diagnostics.Info,
		Location: diagnostics.Location{ClassName: className, MemberName: member.Name},
	}
}
