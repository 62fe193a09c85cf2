package defprovider

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/detsandbox/sandbox/internal/bytecode"
	"github.com/detsandbox/sandbox/internal/runtimecost"
	"github.com/detsandbox/sandbox/pkg/classfile"
)

func TestNativeStubClearsFlagAndInjectsThrow(t *testing.T) {
	def := MemberDef{
		AccessFlags: classfile.AccPublic | classfile.AccNative,
		Name:        "nextInt",
		Descriptor:  "()I",
		IsNative:    true,
	}
	got := NativeStub("com/example/Rng", def)

	if got.IsNative || got.AccessFlags&classfile.AccNative != 0 {
		t.Error("NativeStub: ACC_NATIVE not cleared")
	}
	if !got.Modified {
		t.Error("NativeStub: want Modified=true")
	}
	if len(got.Instructions) == 0 {
		t.Fatal("NativeStub: want a non-empty synthetic body")
	}
	last := got.Instructions[len(got.Instructions)-1]
	if last.Opcode != bytecode.OpAthrow {
		t.Errorf("NativeStub: body does not end in athrow, got opcode %#x", last.Opcode)
	}
	foundRuleViolation := false
	for _, ins := range got.Instructions {
		if ins.Kind == bytecode.KindClassRef && ins.ClassRef == runtimecost.RuleViolationException {
			foundRuleViolation = true
		}
	}
	if !foundRuleViolation {
		t.Error("NativeStub: body does not construct RuleViolationException")
	}
}

func TestNativeStubSkipsJVMInternal(t *testing.T) {
	def := MemberDef{IsNative: true, Name: "nextInt", Descriptor: "()I"}
	got := NativeStub("java/lang/Object", def)
	if !got.IsNative || got.Modified {
		t.Error("NativeStub: must not touch a JVM-internal native method")
	}
}

func TestNativeStubSkipsNonNative(t *testing.T) {
	def := MemberDef{Name: "run", Descriptor: "()V"}
	got := NativeStub("com/example/Foo", def)
	if got.Modified {
		t.Error("NativeStub: must not modify a non-native member")
	}
}

func TestFinalizerStubReplacesBodyWithReturn(t *testing.T) {
	def := MemberDef{Name: "finalize", Descriptor: "()V"}
	got := FinalizerStub("com/example/Foo", def)
	if !got.Modified {
		t.Error("FinalizerStub: want Modified=true")
	}
	if len(got.Instructions) != 1 || got.Instructions[0].Opcode != bytecode.OpReturn {
		t.Fatalf("FinalizerStub: want a single return, got %+v", got.Instructions)
	}
}

func TestFinalizerStubSkipsJavaLang(t *testing.T) {
	def := MemberDef{Name: "finalize", Descriptor: "()V"}
	got := FinalizerStub("java/lang/Object", def)
	if got.Modified {
		t.Error("FinalizerStub: must not touch java/lang/Object's own finalizer")
	}
}

func TestFinalizerStubReplacementBodyIsExactlyOneReturn(t *testing.T) {
	def := MemberDef{Name: "finalize", Descriptor: "()V", MaxStack: 4, MaxLocals: 1}
	got := FinalizerStub("com/example/Foo", def)
	want := []bytecode.Instruction{{Opcode: bytecode.OpReturn, Kind: bytecode.KindNone}}
	if diff := cmp.Diff(want, got.Instructions, cmpopts.IgnoreFields(bytecode.Instruction{}, "Offset")); diff != "" {
		t.Errorf("FinalizerStub instructions mismatch (-want +got):\n%s", diff)
	}
	if got.MaxStack != 0 {
		t.Errorf("MaxStack: got %d, want 0", got.MaxStack)
	}
}

func TestFinalizerStubSkipsOtherMethods(t *testing.T) {
	def := MemberDef{Name: "run", Descriptor: "()V"}
	got := FinalizerStub("com/example/Foo", def)
	if got.Modified {
		t.Error("FinalizerStub: must not touch a non-finalizer method")
	}
}

func TestChainAppliesInOrder(t *testing.T) {
	def := MemberDef{IsNative: true, Name: "nextInt", Descriptor: "()I", AccessFlags: classfile.AccNative}
	got := Chain("com/example/Rng", def, DefaultProviders())
	if got.IsNative {
		t.Error("Chain: native stub did not run")
	}
}

func TestMaxLocalsForInstanceMethodWithParams(t *testing.T) {
	got := maxLocalsFor("(ILjava/lang/String;J)V", 0)
	// this(1) + int(1) + String(1) + long(2) = 5
	if got != 5 {
		t.Errorf("maxLocalsFor: got %d, want 5", got)
	}
}

func TestMaxLocalsForStaticNoArgs(t *testing.T) {
	got := maxLocalsFor("()V", classfile.AccStatic)
	if got != 1 {
		t.Errorf("maxLocalsFor: got %d, want 1 (floor)", got)
	}
}
