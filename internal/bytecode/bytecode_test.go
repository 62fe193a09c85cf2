package bytecode

import (
	"testing"

	"github.com/detsandbox/sandbox/pkg/classfile"
)

// encodeThenDecode runs instrs through Encode against a fresh pool, then
// Decode's the result back, mirroring what internal/rewriter does around a
// single method body.
func encodeThenDecode(t *testing.T, instrs []Instruction, handlers []ExceptionHandler) ([]Instruction, []ExceptionHandler) {
	t.Helper()
	cpw := classfile.NewWriter()
	code, writeHandlers, err := Encode(instrs, handlers, cpw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsedHandlers := make([]classfile.ExceptionHandler, len(writeHandlers))
	for i, h := range writeHandlers {
		catch := uint16(0)
		if h.CatchType != "" {
			catch = cpw.AddClass(h.CatchType)
		}
		parsedHandlers[i] = classfile.ExceptionHandler{
			StartPC: h.StartPC, EndPC: h.EndPC, HandlerPC: h.HandlerPC, CatchType: catch,
		}
	}

	decoded, decodedHandlers, err := Decode(code, cpw.Pool(), parsedHandlers)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return decoded, decodedHandlers
}

func TestRoundTripSimpleReturn(t *testing.T) {
	// iconst_1; ireturn -- spec.md's "pure function" shape, minus the ldc.
	instrs := []Instruction{
		{Opcode: OpIconst1, Kind: KindNone},
		{Opcode: OpIreturn, Kind: KindNone},
	}
	decoded, _ := encodeThenDecode(t, instrs, nil)
	if len(decoded) != 2 {
		t.Fatalf("got %d instructions, want 2", len(decoded))
	}
	if decoded[0].Opcode != OpIconst1 || decoded[1].Opcode != OpIreturn {
		t.Errorf("got opcodes %#x, %#x", decoded[0].Opcode, decoded[1].Opcode)
	}
}

func TestRoundTripLdcString(t *testing.T) {
	instrs := []Instruction{
		{Opcode: OpLdc, Kind: KindLdc, LdcValue: NewLdcString("sandbox")},
		{Opcode: OpAreturn, Kind: KindNone},
	}
	decoded, _ := encodeThenDecode(t, instrs, nil)
	if decoded[0].LdcValue == nil || decoded[0].LdcValue.Kind != LdcString || decoded[0].LdcValue.StringValue != "sandbox" {
		t.Fatalf("ldc round trip: got %+v", decoded[0].LdcValue)
	}
}

func TestRoundTripMethodCall(t *testing.T) {
	instrs := []Instruction{
		{Opcode: OpInvokestatic, Kind: KindMethodRef, MethodRef: &MethodRef{
			Owner: "java/lang/System", Name: "exit", Descriptor: "(I)V",
		}},
		{Opcode: OpReturn, Kind: KindNone},
	}
	decoded, _ := encodeThenDecode(t, instrs, nil)
	mr := decoded[0].MethodRef
	if mr == nil || mr.Owner != "java/lang/System" || mr.Name != "exit" || mr.Descriptor != "(I)V" {
		t.Fatalf("method ref round trip: got %+v", mr)
	}
}

func TestRoundTripBackwardBranch(t *testing.T) {
	// A tiny loop: L0: iconst_0; goto L0 (self branch, always backward).
	loopTop := NewLabel("L0")
	instrs := []Instruction{
		{Opcode: OpIconst0, Kind: KindNone, Labels: []*Label{loopTop}},
		{Opcode: OpGoto, Kind: KindBranch, Target: loopTop},
	}
	decoded, _ := encodeThenDecode(t, instrs, nil)
	if decoded[1].Opcode != OpGoto || decoded[1].Target == nil {
		t.Fatalf("branch round trip: got %+v", decoded[1])
	}
	if !decoded[1].Backward {
		t.Errorf("branch to an earlier offset should decode Backward=true")
	}
}

func TestRoundTripForwardBranchNotBackward(t *testing.T) {
	target := NewLabel("after")
	instrs := []Instruction{
		{Opcode: OpGoto, Kind: KindBranch, Target: target},
		{Opcode: OpReturn, Kind: KindNone, Labels: []*Label{target}},
	}
	decoded, _ := encodeThenDecode(t, instrs, nil)
	if decoded[0].Backward {
		t.Errorf("forward branch decoded as Backward=true")
	}
}

func TestRoundTripExceptionHandler(t *testing.T) {
	start := NewLabel("start")
	end := NewLabel("end")
	handler := NewLabel("handler")
	instrs := []Instruction{
		{Opcode: OpIconst0, Kind: KindNone, Labels: []*Label{start}},
		{Opcode: OpReturn, Kind: KindNone, Labels: []*Label{end}},
		{Opcode: OpAthrow, Kind: KindNone, Labels: []*Label{handler}},
	}
	handlers := []ExceptionHandler{
		{Start: start, End: end, Handler: handler, CatchType: "java/lang/Throwable"},
	}
	_, decodedHandlers := encodeThenDecode(t, instrs, handlers)
	if len(decodedHandlers) != 1 {
		t.Fatalf("got %d handlers, want 1", len(decodedHandlers))
	}
	if decodedHandlers[0].CatchType != "java/lang/Throwable" {
		t.Errorf("catch type: got %q", decodedHandlers[0].CatchType)
	}
}

func TestEncodeLdcNeedsWideIndexErrors(t *testing.T) {
	cpw := classfile.NewWriter()
	// Force enough distinct string constants that some index exceeds 0xFF,
	// then try to ldc (not ldc_w) the last one.
	var last uint16
	for i := 0; i < 300; i++ {
		last = cpw.AddString(string(rune('a' + i%26)) + string(rune(i)))
	}
	_ = last
	instrs := []Instruction{
		{Opcode: OpLdc, Kind: KindLdc, LdcValue: &Ldc{Kind: LdcString, StringValue: "zzz-unique-late-constant"}},
	}
	if _, _, err := Encode(instrs, nil, cpw); err == nil {
		t.Error("Encode: want error for ldc needing a wide index, got nil")
	}
}

func TestIsBackwardBranchCapable(t *testing.T) {
	if !IsBackwardBranchCapable(OpGoto) {
		t.Error("goto should be backward-branch capable")
	}
	if IsBackwardBranchCapable(OpIconst0) {
		t.Error("iconst_0 should not be backward-branch capable")
	}
}

func TestIsAllocation(t *testing.T) {
	for _, op := range []byte{OpNew, OpNewarray, OpAnewarray, OpMultianewarray} {
		if !IsAllocation(op) {
			t.Errorf("opcode %#x should be an allocation opcode", op)
		}
	}
	if IsAllocation(OpIconst0) {
		t.Error("iconst_0 should not be an allocation opcode")
	}
}
