package rules

import (
	"strings"
	"testing"

	"github.com/detsandbox/sandbox/internal/bytecode"
	"github.com/detsandbox/sandbox/internal/classvisitor"
	"github.com/detsandbox/sandbox/internal/diagnostics"
	"github.com/detsandbox/sandbox/internal/runtimecost"
)

func TestDisallowDynamicInvocationFlagsUserClass(t *testing.T) {
	ie := classvisitor.InstructionEvent{
		Decoded:    bytecode.Instruction{Opcode: bytecode.OpInvokedynamic, Offset: 10},
		MemberName: "run",
	}
	msg := DisallowDynamicInvocation("com/example/Foo", ie)
	if msg == nil {
		t.Fatal("want a diagnostic for invokedynamic in a user class")
	}
	if msg.Severity != diagnostics.Error {
		t.Errorf("severity: got %v, want Error", msg.Severity)
	}
}

func TestDisallowDynamicInvocationAllowsJVMInternal(t *testing.T) {
	ie := classvisitor.InstructionEvent{Decoded: bytecode.Instruction{Opcode: bytecode.OpInvokedynamic}}
	if msg := DisallowDynamicInvocation("java/lang/invoke/LambdaForm", ie); msg != nil {
		t.Errorf("want no diagnostic inside the JVM-internal namespace, got %+v", msg)
	}
}

func TestDisallowReflectionFlagsMethodInvoke(t *testing.T) {
	ie := classvisitor.InstructionEvent{
		Decoded: bytecode.Instruction{
			MethodRef: &bytecode.MethodRef{Owner: "java/lang/reflect/Method", Name: "invoke", Descriptor: "([Ljava/lang/Object;)Ljava/lang/Object;"},
		},
		MemberName: "run",
	}
	msg := DisallowReflection("com/example/Foo", ie)
	if msg == nil {
		t.Fatal("want a diagnostic for java/lang/reflect/Method.invoke")
	}
	if !strings.Contains(msg.Text, "java.lang.reflect.Method.invoke") {
		t.Errorf("message: got %q, want it to name java.lang.reflect.Method.invoke", msg.Text)
	}
}

func TestDisallowReflectionFlagsUnsafe(t *testing.T) {
	ie := classvisitor.InstructionEvent{
		Decoded: bytecode.Instruction{
			MethodRef: &bytecode.MethodRef{Owner: "sun/misc/Unsafe", Name: "getUnsafe", Descriptor: "()Lsun/misc/Unsafe;"},
		},
	}
	if msg := DisallowReflection("com/example/Foo", ie); msg == nil {
		t.Error("want a diagnostic for sun/misc/Unsafe.getUnsafe")
	}
}

func TestDisallowReflectionAllowsOrdinaryCalls(t *testing.T) {
	ie := classvisitor.InstructionEvent{
		Decoded: bytecode.Instruction{
			MethodRef: &bytecode.MethodRef{Owner: "java/lang/String", Name: "length", Descriptor: "()I"},
		},
	}
	if msg := DisallowReflection("com/example/Foo", ie); msg != nil {
		t.Errorf("want no diagnostic for an ordinary call, got %+v", msg)
	}
}

func TestDisallowThreadDeathCatch(t *testing.T) {
	cases := []struct {
		catchType string
		wantFlag  bool
	}{
		{"java/lang/ThreadDeath", true},
		{runtimecost.ThresholdViolationException, true},
		{"java/lang/Exception", false},
		{"", false},
	}
	for _, c := range cases {
		tc := classvisitor.TryCatchBlock{MemberName: "run", CatchType: c.catchType}
		msg := DisallowThreadDeathCatch("com/example/Foo", tc)
		if (msg != nil) != c.wantFlag {
			t.Errorf("catchType %q: got flagged=%v, want %v", c.catchType, msg != nil, c.wantFlag)
		}
	}
}

func TestFlagNativeMethod(t *testing.T) {
	native := classvisitor.MemberEntry{Kind: classvisitor.MemberMethod, Name: "nextInt", Descriptor: "()I", IsNative: true}
	if msg := FlagNativeMethod("com/example/Rng", native); msg == nil {
		t.Error("want a diagnostic for a native method in a user class")
	}
	if msg := FlagNativeMethod("java/lang/Object", native); msg != nil {
		t.Error("want no diagnostic for a native method inside the JVM-internal namespace")
	}
	nonNative := classvisitor.MemberEntry{Kind: classvisitor.MemberMethod, Name: "run"}
	if msg := FlagNativeMethod("com/example/Foo", nonNative); msg != nil {
		t.Error("want no diagnostic for a non-native method")
	}
}

func TestFlagFinalizer(t *testing.T) {
	finalizer := classvisitor.MemberEntry{Kind: classvisitor.MemberMethod, Name: "finalize", Descriptor: "()V"}
	if msg := FlagFinalizer("com/example/Foo", finalizer); msg == nil {
		t.Error("want a diagnostic for finalize()V outside java/lang/")
	}
	if msg := FlagFinalizer("java/lang/Object", finalizer); msg != nil {
		t.Error("want no diagnostic for finalize()V inside java/lang/")
	}
	other := classvisitor.MemberEntry{Kind: classvisitor.MemberMethod, Name: "run", Descriptor: "()V"}
	if msg := FlagFinalizer("com/example/Foo", other); msg != nil {
		t.Error("want no diagnostic for a non-finalizer method")
	}
}

func TestEngineDispatchesInRegistrationOrderAndTracksClassName(t *testing.T) {
	e := NewEngine()
	if err := e.Visit(classvisitor.Event{Kind: classvisitor.EventClassEntry, Class: &classvisitor.ClassEntry{Name: "com/example/Foo"}}); err != nil {
		t.Fatalf("class entry: %v", err)
	}
	native := &classvisitor.MemberEntry{Kind: classvisitor.MemberMethod, Name: "nextInt", Descriptor: "()I", IsNative: true}
	if err := e.Visit(classvisitor.Event{Kind: classvisitor.EventMemberEntry, Member: native}); err != nil {
		t.Fatalf("member entry: %v", err)
	}
	if len(e.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(e.Messages))
	}
	if e.Messages[0].Location.ClassName != "com/example/Foo" {
		t.Errorf("engine did not attach the class entry's name: got %q", e.Messages[0].Location.ClassName)
	}
}
