package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Writer builds a constant pool incrementally, deduplicating entries the way
// a real compiler/rewriter's constant pool builder does (two requests for the
// same Utf8/Class/NameAndType/ref return the same index). This is the
// counterpart to parseConstantPool: where parsing turns bytes into a pool,
// Writer turns program values into a pool C8 (the rewriter) can serialize.
type Writer struct {
	pool  []ConstantPoolEntry // index 0 unused, 1-indexed like the class file format
	index map[string]uint16
}

// NewWriter creates an empty constant pool builder.
func NewWriter() *Writer {
	return &Writer{
		pool:  make([]ConstantPoolEntry, 1),
		index: make(map[string]uint16),
	}
}

func (w *Writer) intern(key string, entry ConstantPoolEntry) uint16 {
	if idx, ok := w.index[key]; ok {
		return idx
	}
	idx := uint16(len(w.pool))
	w.pool = append(w.pool, entry)
	w.index[key] = idx
	return idx
}

// AddUtf8 interns a UTF-8 constant and returns its index.
func (w *Writer) AddUtf8(s string) uint16 {
	return w.intern("u:"+s, &ConstantUtf8{Value: s})
}

// AddClass interns a CONSTANT_Class for the given internal name.
func (w *Writer) AddClass(name string) uint16 {
	if idx, ok := w.index["c:"+name]; ok {
		return idx
	}
	nameIdx := w.AddUtf8(name)
	return w.intern("c:"+name, &ConstantClass{NameIndex: nameIdx})
}

// AddString interns a CONSTANT_String for the given Java string literal.
func (w *Writer) AddString(s string) uint16 {
	if idx, ok := w.index["s:"+s]; ok {
		return idx
	}
	strIdx := w.AddUtf8(s)
	return w.intern("s:"+s, &ConstantString{StringIndex: strIdx})
}

// AddInteger interns a CONSTANT_Integer.
func (w *Writer) AddInteger(v int32) uint16 {
	key := fmt.Sprintf("i:%d", v)
	return w.intern(key, &ConstantInteger{Value: v})
}

// AddFloat interns a CONSTANT_Float.
func (w *Writer) AddFloat(v float32) uint16 {
	return w.intern(fmt.Sprintf("fl:%f", v), &ConstantFloat{Value: v})
}

// AddLong interns a CONSTANT_Long. Long and Double entries occupy two pool
// slots (JVMS 4.4.5); the writer appends a nil placeholder for the second.
func (w *Writer) AddLong(v int64) uint16 {
	key := fmt.Sprintf("lo:%d", v)
	if idx, ok := w.index[key]; ok {
		return idx
	}
	idx := uint16(len(w.pool))
	w.pool = append(w.pool, &ConstantLong{Value: v}, nil)
	w.index[key] = idx
	return idx
}

// AddDouble interns a CONSTANT_Double.
func (w *Writer) AddDouble(v float64) uint16 {
	key := fmt.Sprintf("do:%f", v)
	if idx, ok := w.index[key]; ok {
		return idx
	}
	idx := uint16(len(w.pool))
	w.pool = append(w.pool, &ConstantDouble{Value: v}, nil)
	w.index[key] = idx
	return idx
}

// AddNameAndType interns a CONSTANT_NameAndType.
func (w *Writer) AddNameAndType(name, descriptor string) uint16 {
	key := "nt:" + name + ":" + descriptor
	if idx, ok := w.index[key]; ok {
		return idx
	}
	nameIdx := w.AddUtf8(name)
	descIdx := w.AddUtf8(descriptor)
	return w.intern(key, &ConstantNameAndType{NameIndex: nameIdx, DescriptorIndex: descIdx})
}

// AddFieldref interns a CONSTANT_Fieldref for owner.name:descriptor.
func (w *Writer) AddFieldref(owner, name, descriptor string) uint16 {
	key := "f:" + owner + "." + name + ":" + descriptor
	if idx, ok := w.index[key]; ok {
		return idx
	}
	classIdx := w.AddClass(owner)
	natIdx := w.AddNameAndType(name, descriptor)
	return w.intern(key, &ConstantFieldref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
}

// AddMethodref interns a CONSTANT_Methodref for owner.name:descriptor.
func (w *Writer) AddMethodref(owner, name, descriptor string) uint16 {
	key := "m:" + owner + "." + name + ":" + descriptor
	if idx, ok := w.index[key]; ok {
		return idx
	}
	classIdx := w.AddClass(owner)
	natIdx := w.AddNameAndType(name, descriptor)
	return w.intern(key, &ConstantMethodref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
}

// AddInterfaceMethodref interns a CONSTANT_InterfaceMethodref.
func (w *Writer) AddInterfaceMethodref(owner, name, descriptor string) uint16 {
	key := "im:" + owner + "." + name + ":" + descriptor
	if idx, ok := w.index[key]; ok {
		return idx
	}
	classIdx := w.AddClass(owner)
	natIdx := w.AddNameAndType(name, descriptor)
	return w.intern(key, &ConstantInterfaceMethodref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
}

// Pool returns the built constant pool, ready to serialize.
func (w *Writer) Pool() []ConstantPoolEntry { return w.pool }

// WriteField is the write-time (post-rewrite) shape of a field.
type WriteField struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
}

// WriteMethod is the write-time shape of a method: Code is already-encoded
// bytecode whose constant-pool references were resolved against the same
// Writer passed to Serialize (see internal/bytecode.Encode).
type WriteMethod struct {
	AccessFlags       uint16
	Name              string
	Descriptor        string
	MaxStack          uint16
	MaxLocals         uint16
	Code              []byte // nil for abstract/native methods
	ExceptionHandlers []WriteExceptionHandler
}

// WriteExceptionHandler mirrors ExceptionHandler but names its catch type
// (resolved against the Writer at serialize time) instead of indexing an
// already-parsed pool.
type WriteExceptionHandler struct {
	StartPC, EndPC, HandlerPC uint16
	CatchType                 string // "" means catch-all
}

// WriteClass is the fully rewritten, not-yet-serialized class: the output of
// C8 before bytes hit disk/defineClass.
type WriteClass struct {
	MinorVersion, MajorVersion uint16
	AccessFlags                uint16
	ThisClass                  string
	SuperClass                 string
	Interfaces                 []string
	Fields                     []WriteField
	Methods                    []WriteMethod
}

// Serialize writes wc as a standard class file, using w as the (already
// populated, by the bytecode encoder) constant pool builder.
func (wc *WriteClass) Serialize(w *Writer) ([]byte, error) {
	thisIdx := w.AddClass(wc.ThisClass)
	var superIdx uint16
	if wc.SuperClass != "" {
		superIdx = w.AddClass(wc.SuperClass)
	}
	ifaceIdx := make([]uint16, len(wc.Interfaces))
	for i, iface := range wc.Interfaces {
		ifaceIdx[i] = w.AddClass(iface)
	}
	// intern every member-level entry now: the pool is written before the
	// fields and methods, so nothing may be added to it after that point.
	for _, f := range wc.Fields {
		w.AddUtf8(f.Name)
		w.AddUtf8(f.Descriptor)
	}
	for _, m := range wc.Methods {
		w.AddUtf8(m.Name)
		w.AddUtf8(m.Descriptor)
		if m.Code != nil {
			w.AddUtf8("Code")
			for _, h := range m.ExceptionHandlers {
				if h.CatchType != "" {
					w.AddClass(h.CatchType)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(0xCAFEBABE)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, wc.MinorVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, wc.MajorVersion); err != nil {
		return nil, err
	}

	if err := writeConstantPool(&buf, w.pool); err != nil {
		return nil, fmt.Errorf("writing constant pool: %w", err)
	}

	if err := binary.Write(&buf, binary.BigEndian, wc.AccessFlags); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, thisIdx); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, superIdx); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(ifaceIdx))); err != nil {
		return nil, err
	}
	for _, idx := range ifaceIdx {
		if err := binary.Write(&buf, binary.BigEndian, idx); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(wc.Fields))); err != nil {
		return nil, err
	}
	for _, f := range wc.Fields {
		if err := writeFieldOrMethodHeader(&buf, w, f.AccessFlags, f.Name, f.Descriptor); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(0)); err != nil { // attributes_count
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(wc.Methods))); err != nil {
		return nil, err
	}
	for _, m := range wc.Methods {
		if err := writeMethod(&buf, w, m); err != nil {
			return nil, fmt.Errorf("writing method %s:%s: %w", m.Name, m.Descriptor, err)
		}
	}

	// class attributes_count = 0: WriteClass carries no class attributes, so
	// no BootstrapMethods (or any other class attribute) is ever written.
	if err := binary.Write(&buf, binary.BigEndian, uint16(0)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeFieldOrMethodHeader(buf *bytes.Buffer, w *Writer, access uint16, name, descriptor string) error {
	nameIdx := w.AddUtf8(name)
	descIdx := w.AddUtf8(descriptor)
	if err := binary.Write(buf, binary.BigEndian, access); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, nameIdx); err != nil {
		return err
	}
	return binary.Write(buf, binary.BigEndian, descIdx)
}

func writeMethod(buf *bytes.Buffer, w *Writer, m WriteMethod) error {
	if err := writeFieldOrMethodHeader(buf, w, m.AccessFlags, m.Name, m.Descriptor); err != nil {
		return err
	}

	if m.Code == nil {
		return binary.Write(buf, binary.BigEndian, uint16(0)) // attributes_count
	}

	if err := binary.Write(buf, binary.BigEndian, uint16(1)); err != nil { // attributes_count
		return err
	}

	var codeBuf bytes.Buffer
	if err := binary.Write(&codeBuf, binary.BigEndian, m.MaxStack); err != nil {
		return err
	}
	if err := binary.Write(&codeBuf, binary.BigEndian, m.MaxLocals); err != nil {
		return err
	}
	if err := binary.Write(&codeBuf, binary.BigEndian, uint32(len(m.Code))); err != nil {
		return err
	}
	codeBuf.Write(m.Code)

	if err := binary.Write(&codeBuf, binary.BigEndian, uint16(len(m.ExceptionHandlers))); err != nil {
		return err
	}
	for _, h := range m.ExceptionHandlers {
		var catchIdx uint16
		if h.CatchType != "" {
			catchIdx = w.AddClass(h.CatchType)
		}
		for _, v := range []uint16{h.StartPC, h.EndPC, h.HandlerPC, catchIdx} {
			if err := binary.Write(&codeBuf, binary.BigEndian, v); err != nil {
				return err
			}
		}
	}
	if err := binary.Write(&codeBuf, binary.BigEndian, uint16(0)); err != nil { // Code's own attributes_count
		return err
	}

	codeNameIdx := w.AddUtf8("Code")
	if err := binary.Write(buf, binary.BigEndian, codeNameIdx); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(codeBuf.Len())); err != nil {
		return err
	}
	buf.Write(codeBuf.Bytes())
	return nil
}

func writeConstantPool(buf *bytes.Buffer, pool []ConstantPoolEntry) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(len(pool))); err != nil {
		return err
	}
	for i := 1; i < len(pool); i++ {
		entry := pool[i]
		if entry == nil {
			continue // second slot of a Long/Double
		}
		if err := binary.Write(buf, binary.BigEndian, entry.Tag()); err != nil {
			return err
		}
		switch c := entry.(type) {
		case *ConstantUtf8:
			b := []byte(c.Value)
			if err := binary.Write(buf, binary.BigEndian, uint16(len(b))); err != nil {
				return err
			}
			buf.Write(b)
		case *ConstantInteger:
			if err := binary.Write(buf, binary.BigEndian, c.Value); err != nil {
				return err
			}
		case *ConstantFloat:
			if err := binary.Write(buf, binary.BigEndian, c.Value); err != nil {
				return err
			}
		case *ConstantLong:
			if err := binary.Write(buf, binary.BigEndian, c.Value); err != nil {
				return err
			}
		case *ConstantDouble:
			if err := binary.Write(buf, binary.BigEndian, c.Value); err != nil {
				return err
			}
		case *ConstantClass:
			if err := binary.Write(buf, binary.BigEndian, c.NameIndex); err != nil {
				return err
			}
		case *ConstantString:
			if err := binary.Write(buf, binary.BigEndian, c.StringIndex); err != nil {
				return err
			}
		case *ConstantFieldref:
			if err := binary.Write(buf, binary.BigEndian, c.ClassIndex); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.NameAndTypeIndex); err != nil {
				return err
			}
		case *ConstantMethodref:
			if err := binary.Write(buf, binary.BigEndian, c.ClassIndex); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.NameAndTypeIndex); err != nil {
				return err
			}
		case *ConstantInterfaceMethodref:
			if err := binary.Write(buf, binary.BigEndian, c.ClassIndex); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.NameAndTypeIndex); err != nil {
				return err
			}
		case *ConstantNameAndType:
			if err := binary.Write(buf, binary.BigEndian, c.NameIndex); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.DescriptorIndex); err != nil {
				return err
			}
		case *ConstantMethodHandle:
			if err := binary.Write(buf, binary.BigEndian, c.ReferenceKind); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.ReferenceIndex); err != nil {
				return err
			}
		case *ConstantMethodType:
			if err := binary.Write(buf, binary.BigEndian, c.DescriptorIndex); err != nil {
				return err
			}
		case *ConstantInvokeDynamic:
			if err := binary.Write(buf, binary.BigEndian, c.BootstrapMethodAttrIndex); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.NameAndTypeIndex); err != nil {
				return err
			}
		case *ConstantDynamic:
			if err := binary.Write(buf, binary.BigEndian, c.BootstrapMethodAttrIndex); err != nil {
				return err
			}
			if err := binary.Write(buf, binary.BigEndian, c.NameAndTypeIndex); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unwritable constant pool entry at index %d (tag=%d)", i, entry.Tag())
		}
	}
	return nil
}
