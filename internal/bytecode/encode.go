package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/detsandbox/sandbox/pkg/classfile"
)

// NewLabel allocates a fresh label not tied to any original offset, for
// emitters that insert new branches or new branch targets.
func NewLabel(name string) *Label {
	return &Label{name: name}
}

// internLdc re-interns a decoded or synthetic ldc value into cpw's pool,
// which is always a fresh pool distinct from whatever pool the value was
// originally decoded from.
func internLdc(cpw *classfile.Writer, v *Ldc) (uint16, error) {
	switch v.Kind {
	case LdcInt:
		return cpw.AddInteger(v.IntValue), nil
	case LdcFloat:
		return cpw.AddFloat(v.FloatValue), nil
	case LdcLong:
		return cpw.AddLong(v.LongValue), nil
	case LdcDouble:
		return cpw.AddDouble(v.DoubleValue), nil
	case LdcString:
		return cpw.AddString(v.StringValue), nil
	case LdcClass:
		return cpw.AddClass(v.ClassValue), nil
	default:
		return 0, fmt.Errorf("unknown ldc kind %d", v.Kind)
	}
}

// operandLen returns the operand byte count for simple (non-switch) kinds.
func operandLen(ins *Instruction) int {
	switch ins.Kind {
	case KindNone:
		return 0
	case KindLocalVar:
		if ins.Opcode == OpIinc {
			return 2
		}
		return 1
	case KindImmByte, KindNewarrayType:
		return 1
	case KindImmShort:
		return 2
	case KindLdc:
		if ins.Opcode == OpLdc {
			return 1
		}
		return 2
	case KindClassRef, KindFieldRef, KindMethodRef, KindBranch:
		return 2
	case KindInterfaceMethodRef, KindInvokeDynamic:
		return 4
	case KindMultiANewArray:
		return 3
	case KindSwitch, KindOpaque:
		return len(ins.Raw)
	default:
		return len(ins.Raw)
	}
}

// instrLen returns the total encoded length (opcode byte included) of ins
// if it starts at byte offset pc. tableswitch/lookupswitch padding depends
// on pc, so layout is computed in a single forward pass.
func instrLen(ins *Instruction, pc int) int {
	if ins.Kind == KindSwitch {
		pad := (4 - ((pc + 1) % 4)) % 4
		return 1 + pad + len(ins.Raw)
	}
	return 1 + operandLen(ins)
}

// Encode serializes instrs back to a Code array and resolves handlers'
// Start/End/Handler labels to final offsets, producing the exception table
// the rewritten WriteMethod carries. A handler's End label commonly has no
// instruction left to attach to (EndPC lands one past the method's last
// instruction); it resolves to the final encoded length in that case.
//
// A single layout pass suffices because this package always encodes
// conditional/unconditional branches in their original 3-byte form (goto,
// if*) and never widens to goto_w/jsr_w; inserting or deleting instructions
// changes offsets but never which encoding a branch needs.
func Encode(instrs []Instruction, handlers []ExceptionHandler, cpw *classfile.Writer) ([]byte, []classfile.WriteExceptionHandler, error) {
	offsets := make([]int, len(instrs))
	pc := 0
	for i := range instrs {
		offsets[i] = pc
		pc += instrLen(&instrs[i], pc)
	}

	labelOffset := map[*Label]int{}
	for i := range instrs {
		for _, l := range instrs[i].Labels {
			labelOffset[l] = offsets[i]
		}
	}
	resolve := func(l *Label) int {
		if off, ok := labelOffset[l]; ok {
			return off
		}
		return pc // label fell off the end of the method's code
	}

	buf := make([]byte, pc)
	for i := range instrs {
		ins := &instrs[i]
		off := offsets[i]
		buf[off] = ins.Opcode
		cursor := off + 1

		switch ins.Kind {
		case KindNone:
			// no operand

		case KindLocalVar, KindImmByte, KindImmShort, KindNewarrayType:
			copy(buf[cursor:], ins.Raw)

		case KindLdc:
			idx, err := internLdc(cpw, ins.LdcValue)
			if err != nil {
				return nil, nil, fmt.Errorf("encode: ldc at offset %d: %w", off, err)
			}
			if ins.Opcode == OpLdc {
				if idx > 0xFF {
					return nil, nil, fmt.Errorf("encode: ldc at offset %d needs a wide index (%d); source must use ldc_w", off, idx)
				}
				buf[cursor] = byte(idx)
			} else {
				binary.BigEndian.PutUint16(buf[cursor:], idx)
			}

		case KindClassRef:
			idx := cpw.AddClass(ins.ClassRef)
			binary.BigEndian.PutUint16(buf[cursor:], idx)

		case KindFieldRef:
			idx := cpw.AddFieldref(ins.FieldRef.Owner, ins.FieldRef.Name, ins.FieldRef.Descriptor)
			binary.BigEndian.PutUint16(buf[cursor:], idx)

		case KindMethodRef:
			idx := cpw.AddMethodref(ins.MethodRef.Owner, ins.MethodRef.Name, ins.MethodRef.Descriptor)
			binary.BigEndian.PutUint16(buf[cursor:], idx)

		case KindInterfaceMethodRef:
			idx := cpw.AddInterfaceMethodref(ins.MethodRef.Owner, ins.MethodRef.Name, ins.MethodRef.Descriptor)
			binary.BigEndian.PutUint16(buf[cursor:], idx)
			// count byte and reserved byte stay zero; this sandbox never
			// executes the rewritten code so the count is not load-bearing

		case KindInvokeDynamic:
			binary.BigEndian.PutUint16(buf[cursor:], ins.CPIndex)

		case KindBranch:
			target, ok := labelOffset[ins.Target]
			if !ok {
				return nil, nil, fmt.Errorf("encode: unresolved branch target at offset %d", off)
			}
			rel := target - off
			if rel < -32768 || rel > 32767 {
				return nil, nil, fmt.Errorf("encode: branch at offset %d out of 16-bit range (%d)", off, rel)
			}
			binary.BigEndian.PutUint16(buf[cursor:], uint16(int16(rel)))

		case KindMultiANewArray:
			idx := cpw.AddClass(ins.ClassRef)
			binary.BigEndian.PutUint16(buf[cursor:], idx)
			buf[cursor+2] = ins.Raw[0]

		case KindSwitch:
			pad := (4 - ((off + 1) % 4)) % 4
			copy(buf[cursor+pad:], ins.Raw)

		case KindOpaque:
			copy(buf[cursor:], ins.Raw)

		default:
			return nil, nil, fmt.Errorf("encode: unhandled instruction kind at offset %d", off)
		}
	}

	writeHandlers := make([]classfile.WriteExceptionHandler, len(handlers))
	for i, h := range handlers {
		writeHandlers[i] = classfile.WriteExceptionHandler{
			StartPC:   uint16(resolve(h.Start)),
			EndPC:     uint16(resolve(h.End)),
			HandlerPC: uint16(resolve(h.Handler)),
			CatchType: h.CatchType,
		}
	}

	return buf, writeHandlers, nil
}
