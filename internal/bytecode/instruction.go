package bytecode

import (
	"fmt"

	"github.com/detsandbox/sandbox/pkg/classfile"
)

// Label is a symbolic branch target. Decode creates one per distinct target
// offset found in the original code; Encode resolves each to a final offset
// after all insertions, so emitters never compute relative offsets by hand.
type Label struct {
	name string
}

// FieldRef is an owner/name/descriptor triple for getfield/putfield/
// getstatic/putstatic, already resolved out of the constant pool.
type FieldRef struct {
	Owner      string
	Name       string
	Descriptor string
}

// MethodRef is an owner/name/descriptor triple for invoke* instructions.
type MethodRef struct {
	Owner       string
	Name        string
	Descriptor  string
	IsInterface bool
}

// LdcKind selects which field of Ldc carries the constant's value.
type LdcKind int

const (
	LdcInt LdcKind = iota
	LdcFloat
	LdcLong
	LdcDouble
	LdcString
	LdcClass
)

// Ldc is a constant value loaded by ldc/ldc_w/ldc2_w, resolved to its actual
// value (not a raw pool index) at decode time. This matters because the
// rewriter builds a brand-new constant pool via classfile.Writer: an index
// into the original class's pool would point at the wrong entry once
// re-encoded, so Encode re-interns the value instead of copying the index.
type Ldc struct {
	Kind        LdcKind
	IntValue    int32
	FloatValue  float32
	LongValue   int64
	DoubleValue float64
	StringValue string
	ClassValue  string
}

// Instruction is one decoded bytecode instruction. Exactly one of the typed
// fields is populated, selected by Kind; Raw holds the exact original
// operand bytes for opcodes this package treats as opaque (KindOpaque,
// local-variable and immediate kinds, KindNewarrayType, and KindSwitch minus
// its alignment padding, which Encode recomputes) so re-encoding is lossless
// even when no emitter touches them. KindNone instructions carry no operands.
type Instruction struct {
	Opcode byte
	Offset int // original offset, used for diagnostic locations only

	Kind Kind
	Raw  []byte // verbatim operand bytes for opaque/local-var/imm/switch kinds

	ClassRef  string     // KindClassRef
	FieldRef  *FieldRef  // KindFieldRef
	MethodRef *MethodRef // KindMethodRef/KindInterfaceMethodRef
	LdcValue  *Ldc       // KindLdc
	CPIndex   uint16     // KindInvokeDynamic only: bootstrap lookup stays index-based

	Target   *Label // KindBranch
	Backward bool   // KindBranch: true if the original target offset <= this instruction's offset

	// Labels lists labels that resolve to this instruction's position. An
	// instruction decoded at an offset that some branch targets carries that
	// target's Label here; emitters that splice in new instructions attach a
	// fresh Label (see NewLabel) to whichever instruction should receive
	// branches built with it.
	Labels []*Label
}

// String formats the instruction as its zero-padded original offset followed
// by its mnemonic, e.g. "0004 iadd".
func (ins *Instruction) String() string {
	return fmt.Sprintf("%04d %s", ins.Offset, Name(ins.Opcode))
}

// ExceptionHandler is one exception table entry translated to this
// package's Label set and with its catch type resolved to a name (not a
// pool index), so it survives both instruction insertion (StartPC/EndPC/
// HandlerPC move with the labels) and re-encoding into a brand-new constant
// pool (CatchType is re-interned like Ldc, not copied by index).
type ExceptionHandler struct {
	Start, End, Handler *Label
	CatchType           string // "" means catch-all
}

// Decode turns a raw Code array into a typed instruction stream plus the
// exception handlers translated to the same Label set, so movement of code
// during re-encoding keeps handler ranges correct.
func Decode(code []byte, pool []classfile.ConstantPoolEntry, handlers []classfile.ExceptionHandler) ([]Instruction, []ExceptionHandler, error) {
	labels := map[int]*Label{}
	labelFor := func(offset int) *Label {
		if l, ok := labels[offset]; ok {
			return l
		}
		l := &Label{name: fmt.Sprintf("L%d", offset)}
		labels[offset] = l
		return l
	}

	var out []Instruction
	pc := 0
	for pc < len(code) {
		start := pc
		op := code[pc]
		pc++

		info, known := opTable[op]
		if !known {
			return nil, nil, fmt.Errorf("decode: unknown opcode 0x%02X at offset %d", op, start)
		}

		ins := Instruction{Opcode: op, Offset: start, Kind: info.kind}

		switch info.kind {
		case KindNone:
			// no operand bytes

		case KindLocalVar:
			if op == OpIinc {
				if pc+2 > len(code) {
					return nil, nil, fmt.Errorf("decode: truncated iinc at offset %d", start)
				}
				ins.Raw = append([]byte{}, code[pc:pc+2]...)
				pc += 2
			} else {
				if pc+1 > len(code) {
					return nil, nil, fmt.Errorf("decode: truncated local-var op at offset %d", start)
				}
				ins.Raw = []byte{code[pc]}
				pc++
			}

		case KindImmByte:
			if pc+1 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated immediate at offset %d", start)
			}
			ins.Raw = []byte{code[pc]}
			pc++

		case KindImmShort:
			if pc+2 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated immediate at offset %d", start)
			}
			ins.Raw = append([]byte{}, code[pc:pc+2]...)
			pc += 2

		case KindLdc:
			var idx uint16
			if op == OpLdc {
				if pc+1 > len(code) {
					return nil, nil, fmt.Errorf("decode: truncated ldc at offset %d", start)
				}
				idx = uint16(code[pc])
				pc++
			} else {
				if pc+2 > len(code) {
					return nil, nil, fmt.Errorf("decode: truncated ldc_w/ldc2_w at offset %d", start)
				}
				idx = be16(code[pc], code[pc+1])
				pc += 2
			}
			ldc, err := resolveLdc(pool, idx)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: %s at offset %d: %w", info.name, start, err)
			}
			ins.LdcValue = ldc

		case KindClassRef:
			if pc+2 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated class ref at offset %d", start)
			}
			idx := be16(code[pc], code[pc+1])
			pc += 2
			name, err := classfile.GetClassName(pool, idx)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: %s at offset %d: %w", info.name, start, err)
			}
			ins.ClassRef = name

		case KindFieldRef:
			if pc+2 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated field ref at offset %d", start)
			}
			idx := be16(code[pc], code[pc+1])
			pc += 2
			fr, err := classfile.ResolveFieldref(pool, idx)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: %s at offset %d: %w", info.name, start, err)
			}
			ins.FieldRef = &FieldRef{Owner: fr.ClassName, Name: fr.FieldName, Descriptor: fr.Descriptor}

		case KindMethodRef:
			if pc+2 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated method ref at offset %d", start)
			}
			idx := be16(code[pc], code[pc+1])
			pc += 2
			mr, err := classfile.ResolveMethodref(pool, idx)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: %s at offset %d: %w", info.name, start, err)
			}
			ins.MethodRef = &MethodRef{Owner: mr.ClassName, Name: mr.MethodName, Descriptor: mr.Descriptor}

		case KindInterfaceMethodRef:
			if pc+4 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated interface method ref at offset %d", start)
			}
			idx := be16(code[pc], code[pc+1])
			pc += 4 // index(2) + count(1) + reserved(1)
			mr, err := classfile.ResolveInterfaceMethodref(pool, idx)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: %s at offset %d: %w", info.name, start, err)
			}
			ins.MethodRef = &MethodRef{Owner: mr.ClassName, Name: mr.MethodName, Descriptor: mr.Descriptor, IsInterface: true}

		case KindInvokeDynamic:
			if pc+4 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated invokedynamic at offset %d", start)
			}
			ins.CPIndex = be16(code[pc], code[pc+1])
			pc += 4

		case KindBranch:
			if pc+2 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated branch at offset %d", start)
			}
			rel := int16(be16(code[pc], code[pc+1]))
			pc += 2
			target := start + int(rel)
			ins.Target = labelFor(target)
			ins.Backward = target <= start

		case KindNewarrayType:
			if pc+1 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated newarray at offset %d", start)
			}
			ins.Raw = []byte{code[pc]}
			pc++

		case KindMultiANewArray:
			if pc+3 > len(code) {
				return nil, nil, fmt.Errorf("decode: truncated multianewarray at offset %d", start)
			}
			idx := be16(code[pc], code[pc+1])
			dims := code[pc+2]
			pc += 3
			name, err := classfile.GetClassName(pool, idx)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: multianewarray at offset %d: %w", start, err)
			}
			ins.ClassRef = name
			ins.Raw = []byte{dims}

		case KindSwitch:
			consumed, err := decodeSwitchLength(code, start)
			if err != nil {
				return nil, nil, err
			}
			// Raw excludes the alignment padding: Encode inserts padding for
			// the instruction's new offset in front of Raw.
			pad := (4 - (pc % 4)) % 4
			ins.Raw = append([]byte{}, code[pc+pad:start+consumed]...)
			pc = start + consumed

		default:
			return nil, nil, fmt.Errorf("decode: unsupported opcode kind for 0x%02X at offset %d", op, start)
		}

		out = append(out, ins)
	}

	// register handler boundaries as labels so re-encoding can re-resolve them,
	// and resolve each catch type to a name now, while the original pool is
	// still in scope (a fresh pool at encode time has no index in common
	// with this one).
	outHandlers := make([]ExceptionHandler, len(handlers))
	for i, h := range handlers {
		catchType := ""
		if h.CatchType != 0 {
			name, err := classfile.GetClassName(pool, h.CatchType)
			if err != nil {
				return nil, nil, fmt.Errorf("decode: exception handler %d catch type: %w", i, err)
			}
			catchType = name
		}
		outHandlers[i] = ExceptionHandler{
			Start:     labelFor(int(h.StartPC)),
			End:       labelFor(int(h.EndPC)),
			Handler:   labelFor(int(h.HandlerPC)),
			CatchType: catchType,
		}
	}

	// attach each label to the instruction sitting at its offset; EndPC may
	// point one past the last instruction of a handler's range, which lands
	// on either the next instruction or, for a range ending at the method's
	// end, no instruction at all. Encode resolves such an unattached label
	// to the final code length.
	for i := range out {
		if l, ok := labels[out[i].Offset]; ok {
			out[i].Labels = append(out[i].Labels, l)
		}
	}

	return out, outHandlers, nil
}

func be16(hi, lo byte) uint16 { return uint16(hi)<<8 | uint16(lo) }

// resolveLdc looks up the constant a ldc/ldc_w/ldc2_w instruction references
// and converts it to an Ldc value, so Encode never has to re-read the
// original pool.
func resolveLdc(pool []classfile.ConstantPoolEntry, idx uint16) (*Ldc, error) {
	if int(idx) >= len(pool) || pool[idx] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", idx)
	}
	switch c := pool[idx].(type) {
	case *classfile.ConstantInteger:
		return &Ldc{Kind: LdcInt, IntValue: c.Value}, nil
	case *classfile.ConstantFloat:
		return &Ldc{Kind: LdcFloat, FloatValue: c.Value}, nil
	case *classfile.ConstantLong:
		return &Ldc{Kind: LdcLong, LongValue: c.Value}, nil
	case *classfile.ConstantDouble:
		return &Ldc{Kind: LdcDouble, DoubleValue: c.Value}, nil
	case *classfile.ConstantString:
		s, err := classfile.GetUtf8(pool, c.StringIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving String constant: %w", err)
		}
		return &Ldc{Kind: LdcString, StringValue: s}, nil
	case *classfile.ConstantClass:
		name, err := classfile.GetUtf8(pool, c.NameIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving Class constant: %w", err)
		}
		return &Ldc{Kind: LdcClass, ClassValue: name}, nil
	default:
		return nil, fmt.Errorf("constant pool index %d (tag=%d) is not ldc-loadable", idx, pool[idx].Tag())
	}
}

// NewLdcString builds a synthetic string-constant load, for definition
// providers and emitters that inject code referencing a literal (e.g. the
// message of a stubbed native method's RuleViolationException).
func NewLdcString(s string) *Ldc { return &Ldc{Kind: LdcString, StringValue: s} }

// NewLdcClass builds a synthetic class-constant load.
func NewLdcClass(name string) *Ldc { return &Ldc{Kind: LdcClass, ClassValue: name} }

// decodeSwitchLength computes the total instruction length (including the
// opcode byte) of a tableswitch/lookupswitch starting at start, per JVMS
// 6.5.tableswitch / 6.5.lookupswitch (padding to the next 4-byte boundary
// measured from the start of the method, then a fixed or pair-count table).
// tableswitch/lookupswitch targets are left as raw relative offsets rather
// than Labels: rewriting code around a switch is rare enough in sandboxed
// user code that this package accepts non-relocatable switch tables as a
// documented limitation (see DESIGN.md).
func decodeSwitchLength(code []byte, start int) (int, error) {
	pos := start + 1
	pad := (4 - (pos % 4)) % 4
	pos += pad
	if pos+4 > len(code) {
		return 0, fmt.Errorf("decode: truncated switch at offset %d", start)
	}
	op := code[start]
	if op == OpTableswitch {
		low := int32(be32(code, pos+4))
		high := int32(be32(code, pos+8))
		n := int(high-low) + 1
		end := pos + 12 + n*4
		if end > len(code) || n < 0 {
			return 0, fmt.Errorf("decode: truncated tableswitch at offset %d", start)
		}
		return end - start, nil
	}
	// lookupswitch
	npairs := int(be32(code, pos+4))
	end := pos + 8 + npairs*8
	if end > len(code) || npairs < 0 {
		return 0, fmt.Errorf("decode: truncated lookupswitch at offset %d", start)
	}
	return end - start, nil
}

func be32(b []byte, off int) uint32 {
	return uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
}
