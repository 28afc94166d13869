// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import "fmt"

// Constant pool tags, JVMS §4.4. Grounded on the typed-slot layout in
// _examples/artipop-jacobin/src/classloader/CPutils.go (FetchCPentry's
// switch over entry.Type), reshaped into a Go interface-per-tag model
// instead of Jacobin's parallel-slice-of-unsafe.Pointer layout.
type constantTag uint8

const (
	tagUTF8               constantTag = 1
	tagInteger            constantTag = 3
	tagFloat              constantTag = 4
	tagLong               constantTag = 5
	tagDouble             constantTag = 6
	tagClass              constantTag = 7
	tagString             constantTag = 8
	tagFieldref           constantTag = 9
	tagMethodref          constantTag = 10
	tagInterfaceMethodref constantTag = 11
	tagNameAndType        constantTag = 12
	tagMethodHandle       constantTag = 15
	tagMethodType         constantTag = 16
	tagDynamic            constantTag = 17
	tagInvokeDynamic      constantTag = 18
	tagModule             constantTag = 19
	tagPackage            constantTag = 20
)

// MethodHandle reference kinds, JVMS §4.4.8 Table 4.4.8-A.
const (
	RefGetField         uint8 = 1
	RefGetStatic        uint8 = 2
	RefPutField         uint8 = 3
	RefPutStatic        uint8 = 4
	RefInvokeVirtual    uint8 = 5
	RefInvokeStatic     uint8 = 6
	RefInvokeSpecial    uint8 = 7
	RefNewInvokeSpecial uint8 = 8
	RefInvokeInterface  uint8 = 9
)

// cpEntry is implemented by every concrete constant-pool entry type. It
// carries only the tag; parsing and writing switch on the concrete type.
type cpEntry interface {
	tag() constantTag
}

type placeholderEntry struct{} // occupies the second slot after a long/double

func (placeholderEntry) tag() constantTag { return 0 }

type utf8Entry struct {
	raw     []byte
	decoded string
	hasDec  bool
}

func (*utf8Entry) tag() constantTag { return tagUTF8 }

type integerEntry struct{ value int32 }

func (*integerEntry) tag() constantTag { return tagInteger }

type floatEntry struct{ value float32 }

func (*floatEntry) tag() constantTag { return tagFloat }

type longEntry struct{ value int64 }

func (*longEntry) tag() constantTag { return tagLong }

type doubleEntry struct{ value float64 }

func (*doubleEntry) tag() constantTag { return tagDouble }

type classEntry struct{ nameIndex uint16 }

func (*classEntry) tag() constantTag { return tagClass }

type stringEntry struct{ stringIndex uint16 }

func (*stringEntry) tag() constantTag { return tagString }

type nameAndTypeEntry struct{ nameIndex, descIndex uint16 }

func (*nameAndTypeEntry) tag() constantTag { return tagNameAndType }

// memberRefEntry backs Fieldref, Methodref and InterfaceMethodref: all
// three share the same (class_index, name_and_type_index) shape and are
// distinguished only by the tag stored alongside them.
type memberRefEntry struct {
	t              constantTag
	classIndex     uint16
	nameAndTypeIdx uint16
}

func (e *memberRefEntry) tag() constantTag { return e.t }

type methodHandleEntry struct {
	kind        uint8
	refIndex    uint16
}

func (*methodHandleEntry) tag() constantTag { return tagMethodHandle }

type methodTypeEntry struct{ descIndex uint16 }

func (*methodTypeEntry) tag() constantTag { return tagMethodType }

// dynamicEntry backs both Dynamic and InvokeDynamic constants.
type dynamicEntry struct {
	t                   constantTag
	bootstrapMethodAttr uint16
	nameAndTypeIdx      uint16
}

func (e *dynamicEntry) tag() constantTag { return e.t }

type moduleEntry struct{ nameIndex uint16 }

func (*moduleEntry) tag() constantTag { return tagModule }

type packageEntry struct{ nameIndex uint16 }

func (*packageEntry) tag() constantTag { return tagPackage }

// ConstantPool is an ordered, 1-indexed sequence of tagged entries with
// interning keyed by logical value, per spec §3/§4.1. Index 0 is never
// used (JVMS reserves it); long and double entries additionally consume
// the index immediately after them with a placeholderEntry.
type ConstantPool struct {
	entries []cpEntry // entries[0] is always nil/unused

	utf8ByBytes    map[string]uint16
	classByName    map[uint16]uint16 // utf8 index -> class index
	natByKey       map[[2]uint16]uint16
	memberByKey    map[memberKey]uint16
	methodHandleBy map[[2]uint16]uint16 // (kind, refIndex) -> index
	methodTypeBy   map[uint16]uint16
	stringBy       map[uint16]uint16
	integerBy      map[int32]uint16
	longBy         map[int64]uint16
	floatBy        map[uint32]uint16 // bit pattern, so NaN/−0 round-trip exactly
	doubleBy       map[uint64]uint16
	dynamicBy      map[dynamicKey]uint16
	moduleBy       map[uint16]uint16
	packageBy      map[uint16]uint16

	closed bool
}

type memberKey struct {
	t          constantTag
	classIndex uint16
	natIndex   uint16
}

type dynamicKey struct {
	t          constantTag
	bootstrap  uint16
	natIndex   uint16
}

func newConstantPool(capacityHint int) *ConstantPool {
	return &ConstantPool{
		entries:        make([]cpEntry, 1, capacityHint+1),
		utf8ByBytes:    make(map[string]uint16),
		classByName:    make(map[uint16]uint16),
		natByKey:       make(map[[2]uint16]uint16),
		memberByKey:    make(map[memberKey]uint16),
		methodHandleBy: make(map[[2]uint16]uint16),
		methodTypeBy:   make(map[uint16]uint16),
		stringBy:       make(map[uint16]uint16),
		integerBy:      make(map[int32]uint16),
		longBy:         make(map[int64]uint16),
		floatBy:        make(map[uint32]uint16),
		doubleBy:       make(map[uint64]uint16),
		dynamicBy:      make(map[dynamicKey]uint16),
		moduleBy:       make(map[uint16]uint16),
		packageBy:      make(map[uint16]uint16),
	}
}

// Count returns the number of occupied constant-pool indices, including
// index 0 (so it equals the class file's constant_pool_count field).
func (p *ConstantPool) Count() int { return len(p.entries) }

func (p *ConstantPool) at(idx uint16) (cpEntry, error) {
	if idx == 0 || int(idx) >= len(p.entries) || p.entries[idx] == nil {
		return nil, ErrBadConstantIndex
	}
	if _, ok := p.entries[idx].(*placeholderEntry); ok {
		return nil, ErrBadConstantIndex
	}
	return p.entries[idx], nil
}

func (p *ConstantPool) append(e cpEntry) uint16 {
	idx := uint16(len(p.entries))
	p.entries = append(p.entries, e)
	return idx
}

// parseConstantPool reads the constant_pool_count and constant_pool[]
// fields from r, grounded on the per-tag switch shape of Jacobin's
// FetchCPentry (CPutils.go) but written forward (bytes -> entries) rather
// than backward (entries -> runtime value).
func parseConstantPool(r *reader) (*ConstantPool, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	pool := newConstantPool(int(count))
	for i := 1; i < int(count); i++ {
		tagByte, err := r.u1()
		if err != nil {
			return nil, err
		}
		tg := constantTag(tagByte)
		entry, extraSlot, err := parseOneConstant(r, tg)
		if err != nil {
			return nil, err
		}
		idx := pool.append(entry)
		pool.index(tg, idx, entry)
		if extraSlot {
			pool.append(&placeholderEntry{})
			i++
		}
	}
	return pool, nil
}

func parseOneConstant(r *reader, tg constantTag) (entry cpEntry, wideSlot bool, err error) {
	switch tg {
	case tagUTF8:
		n, err := r.u2()
		if err != nil {
			return nil, false, err
		}
		raw, err := r.bytes(uint32(n))
		if err != nil {
			return nil, false, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return &utf8Entry{raw: cp}, false, nil
	case tagInteger:
		v, err := r.u4()
		return &integerEntry{value: int32(v)}, false, err
	case tagFloat:
		v, err := r.u4()
		return &floatEntry{value: float32FromBits(v)}, false, err
	case tagLong:
		v, err := r.u8()
		return &longEntry{value: int64(v)}, true, err
	case tagDouble:
		v, err := r.u8()
		return &doubleEntry{value: float64FromBits(v)}, true, err
	case tagClass:
		v, err := r.u2()
		return &classEntry{nameIndex: v}, false, err
	case tagString:
		v, err := r.u2()
		return &stringEntry{stringIndex: v}, false, err
	case tagFieldref, tagMethodref, tagInterfaceMethodref:
		ci, err := r.u2()
		if err != nil {
			return nil, false, err
		}
		ni, err := r.u2()
		return &memberRefEntry{t: tg, classIndex: ci, nameAndTypeIdx: ni}, false, err
	case tagNameAndType:
		ni, err := r.u2()
		if err != nil {
			return nil, false, err
		}
		di, err := r.u2()
		return &nameAndTypeEntry{nameIndex: ni, descIndex: di}, false, err
	case tagMethodHandle:
		kind, err := r.u1()
		if err != nil {
			return nil, false, err
		}
		ref, err := r.u2()
		return &methodHandleEntry{kind: kind, refIndex: ref}, false, err
	case tagMethodType:
		v, err := r.u2()
		return &methodTypeEntry{descIndex: v}, false, err
	case tagDynamic, tagInvokeDynamic:
		bs, err := r.u2()
		if err != nil {
			return nil, false, err
		}
		nat, err := r.u2()
		return &dynamicEntry{t: tg, bootstrapMethodAttr: bs, nameAndTypeIdx: nat}, false, err
	case tagModule:
		v, err := r.u2()
		return &moduleEntry{nameIndex: v}, false, err
	case tagPackage:
		v, err := r.u2()
		return &packageEntry{nameIndex: v}, false, err
	default:
		return nil, false, ErrBadConstantTag
	}
}

// index populates the intern maps for an entry parsed from the input, so
// that subsequent Add* calls on an already-parsed pool correctly reuse
// existing entries instead of duplicating them.
func (p *ConstantPool) index(tg constantTag, idx uint16, entry cpEntry) {
	switch e := entry.(type) {
	case *utf8Entry:
		p.utf8ByBytes[string(e.raw)] = idx
	case *classEntry:
		p.classByName[e.nameIndex] = idx
	case *nameAndTypeEntry:
		p.natByKey[[2]uint16{e.nameIndex, e.descIndex}] = idx
	case *memberRefEntry:
		p.memberByKey[memberKey{e.t, e.classIndex, e.nameAndTypeIdx}] = idx
	case *methodHandleEntry:
		p.methodHandleBy[[2]uint16{uint16(e.kind), e.refIndex}] = idx
	case *methodTypeEntry:
		p.methodTypeBy[e.descIndex] = idx
	case *stringEntry:
		p.stringBy[e.stringIndex] = idx
	case *integerEntry:
		p.integerBy[e.value] = idx
	case *longEntry:
		p.longBy[e.value] = idx
	case *floatEntry:
		p.floatBy[float32Bits(e.value)] = idx
	case *doubleEntry:
		p.doubleBy[float64Bits(e.value)] = idx
	case *dynamicEntry:
		p.dynamicBy[dynamicKey{e.t, e.bootstrapMethodAttr, e.nameAndTypeIdx}] = idx
	case *moduleEntry:
		p.moduleBy[e.nameIndex] = idx
	case *packageEntry:
		p.packageBy[e.nameIndex] = idx
	}
}

// --- typed accessors (reads) ---

// FindUTF8 returns the raw modified-UTF-8 bytes stored at idx.
func (p *ConstantPool) FindUTF8(idx uint16) ([]byte, error) {
	e, err := p.at(idx)
	if err != nil {
		return nil, err
	}
	u, ok := e.(*utf8Entry)
	if !ok {
		return nil, fmt.Errorf("boxtin: constant %d is not UTF8", idx)
	}
	return u.raw, nil
}

// Utf8String decodes the UTF-8 entry at idx to a Go string, caching the
// decode. Decoding to a full Unicode string happens only on demand, per
// spec §4.1.
func (p *ConstantPool) Utf8String(idx uint16) (string, error) {
	e, err := p.at(idx)
	if err != nil {
		return "", err
	}
	u, ok := e.(*utf8Entry)
	if !ok {
		return "", fmt.Errorf("boxtin: constant %d is not UTF8", idx)
	}
	if !u.hasDec {
		u.decoded = decodeModifiedUTF8(u.raw)
		u.hasDec = true
	}
	return u.decoded, nil
}

// Utf8Equal reports whether the UTF8 constant at idx holds exactly the
// ASCII bytes of literal, comparing raw bytes without decoding.
func (p *ConstantPool) Utf8Equal(idx uint16, literal string) bool {
	raw, err := p.FindUTF8(idx)
	if err != nil {
		return false
	}
	return utf8Equal(raw, literal)
}

// FindClass resolves a Class constant to its internal name (e.g.
// "java/lang/System").
func (p *ConstantPool) FindClass(idx uint16) (string, error) {
	e, err := p.at(idx)
	if err != nil {
		return "", err
	}
	c, ok := e.(*classEntry)
	if !ok {
		return "", fmt.Errorf("boxtin: constant %d is not a Class", idx)
	}
	return p.Utf8String(c.nameIndex)
}

// FindNameAndType resolves a NameAndType constant to (name, descriptor).
func (p *ConstantPool) FindNameAndType(idx uint16) (name, desc string, err error) {
	e, err := p.at(idx)
	if err != nil {
		return "", "", err
	}
	nat, ok := e.(*nameAndTypeEntry)
	if !ok {
		return "", "", fmt.Errorf("boxtin: constant %d is not a NameAndType", idx)
	}
	name, err = p.Utf8String(nat.nameIndex)
	if err != nil {
		return "", "", err
	}
	desc, err = p.Utf8String(nat.descIndex)
	return name, desc, err
}

// FindMemberRef resolves a Fieldref/Methodref/InterfaceMethodref constant
// to (owner internal name, member name, descriptor). Grounded on Jacobin's
// GetMethInfoFromCPmethref (CPutils.go), generalized to all three ref tags.
func (p *ConstantPool) FindMemberRef(idx uint16) (owner, name, desc string, err error) {
	e, err := p.at(idx)
	if err != nil {
		return "", "", "", err
	}
	m, ok := e.(*memberRefEntry)
	if !ok {
		return "", "", "", fmt.Errorf("boxtin: constant %d is not a member ref", idx)
	}
	owner, err = p.FindClass(m.classIndex)
	if err != nil {
		return "", "", "", err
	}
	name, desc, err = p.FindNameAndType(m.nameAndTypeIdx)
	return owner, name, desc, err
}

// MemberRefTag reports which of Fieldref/Methodref/InterfaceMethodref idx
// is.
func (p *ConstantPool) MemberRefTag(idx uint16) (constantTag, error) {
	e, err := p.at(idx)
	if err != nil {
		return 0, err
	}
	m, ok := e.(*memberRefEntry)
	if !ok {
		return 0, fmt.Errorf("boxtin: constant %d is not a member ref", idx)
	}
	return m.t, nil
}

// --- typed accessors (interning writes) ---

func (p *ConstantPool) assertOpen() {
	if p.closed {
		panic(ErrPoolClosed)
	}
}

// AddUTF8 interns a UTF-8 constant, returning its existing index if an
// identical one is already present.
func (p *ConstantPool) AddUTF8(s string) uint16 {
	p.assertOpen()
	raw := encodeModifiedUTF8(s)
	if idx, ok := p.utf8ByBytes[string(raw)]; ok {
		return idx
	}
	idx := p.append(&utf8Entry{raw: raw, decoded: s, hasDec: true})
	p.utf8ByBytes[string(raw)] = idx
	return idx
}

// AddClass interns a Class constant for internalName (e.g.
// "java/lang/System").
func (p *ConstantPool) AddClass(internalName string) uint16 {
	p.assertOpen()
	nameIdx := p.AddUTF8(internalName)
	if idx, ok := p.classByName[nameIdx]; ok {
		return idx
	}
	idx := p.append(&classEntry{nameIndex: nameIdx})
	p.classByName[nameIdx] = idx
	return idx
}

// AddNameAndType interns a NameAndType constant.
func (p *ConstantPool) AddNameAndType(name, desc string) uint16 {
	p.assertOpen()
	ni := p.AddUTF8(name)
	di := p.AddUTF8(desc)
	key := [2]uint16{ni, di}
	if idx, ok := p.natByKey[key]; ok {
		return idx
	}
	idx := p.append(&nameAndTypeEntry{nameIndex: ni, descIndex: di})
	p.natByKey[key] = idx
	return idx
}

func (p *ConstantPool) addMemberRef(t constantTag, class, name, desc string) uint16 {
	p.assertOpen()
	ci := p.AddClass(class)
	ni := p.AddNameAndType(name, desc)
	key := memberKey{t, ci, ni}
	if idx, ok := p.memberByKey[key]; ok {
		return idx
	}
	idx := p.append(&memberRefEntry{t: t, classIndex: ci, nameAndTypeIdx: ni})
	p.memberByKey[key] = idx
	return idx
}

// AddMethodRef interns a Methodref constant.
func (p *ConstantPool) AddMethodRef(class, name, desc string) uint16 {
	return p.addMemberRef(tagMethodref, class, name, desc)
}

// AddFieldRef interns a Fieldref constant.
func (p *ConstantPool) AddFieldRef(class, name, desc string) uint16 {
	return p.addMemberRef(tagFieldref, class, name, desc)
}

// AddInterfaceMethodRef interns an InterfaceMethodref constant.
func (p *ConstantPool) AddInterfaceMethodRef(class, name, desc string) uint16 {
	return p.addMemberRef(tagInterfaceMethodref, class, name, desc)
}

// AddMethodHandle interns a MethodHandle constant of the given reference
// kind (one of the Ref* constants) over an already-added member ref.
func (p *ConstantPool) AddMethodHandle(kind uint8, refIndex uint16) uint16 {
	p.assertOpen()
	key := [2]uint16{uint16(kind), refIndex}
	if idx, ok := p.methodHandleBy[key]; ok {
		return idx
	}
	idx := p.append(&methodHandleEntry{kind: kind, refIndex: refIndex})
	p.methodHandleBy[key] = idx
	return idx
}

// AddMethodType interns a MethodType constant for a bare descriptor.
func (p *ConstantPool) AddMethodType(desc string) uint16 {
	p.assertOpen()
	di := p.AddUTF8(desc)
	if idx, ok := p.methodTypeBy[di]; ok {
		return idx
	}
	idx := p.append(&methodTypeEntry{descIndex: di})
	p.methodTypeBy[di] = idx
	return idx
}

// AddString interns a String constant.
func (p *ConstantPool) AddString(s string) uint16 {
	p.assertOpen()
	si := p.AddUTF8(s)
	if idx, ok := p.stringBy[si]; ok {
		return idx
	}
	idx := p.append(&stringEntry{stringIndex: si})
	p.stringBy[si] = idx
	return idx
}

// AddInteger interns an Integer constant.
func (p *ConstantPool) AddInteger(v int32) uint16 {
	p.assertOpen()
	if idx, ok := p.integerBy[v]; ok {
		return idx
	}
	idx := p.append(&integerEntry{value: v})
	p.integerBy[v] = idx
	return idx
}

// AddLong interns a Long constant, consuming two pool indices.
func (p *ConstantPool) AddLong(v int64) uint16 {
	p.assertOpen()
	if idx, ok := p.longBy[v]; ok {
		return idx
	}
	idx := p.append(&longEntry{value: v})
	p.append(&placeholderEntry{})
	p.longBy[v] = idx
	return idx
}

// AddFloat interns a Float constant.
func (p *ConstantPool) AddFloat(v float32) uint16 {
	p.assertOpen()
	bits := float32Bits(v)
	if idx, ok := p.floatBy[bits]; ok {
		return idx
	}
	idx := p.append(&floatEntry{value: v})
	p.floatBy[bits] = idx
	return idx
}

// AddDouble interns a Double constant, consuming two pool indices.
func (p *ConstantPool) AddDouble(v float64) uint16 {
	p.assertOpen()
	bits := float64Bits(v)
	if idx, ok := p.doubleBy[bits]; ok {
		return idx
	}
	idx := p.append(&doubleEntry{value: v})
	p.append(&placeholderEntry{})
	p.doubleBy[bits] = idx
	return idx
}

func (p *ConstantPool) addDynamic(t constantTag, bootstrapIndex uint16, name, desc string) uint16 {
	p.assertOpen()
	nat := p.AddNameAndType(name, desc)
	key := dynamicKey{t, bootstrapIndex, nat}
	if idx, ok := p.dynamicBy[key]; ok {
		return idx
	}
	idx := p.append(&dynamicEntry{t: t, bootstrapMethodAttr: bootstrapIndex, nameAndTypeIdx: nat})
	p.dynamicBy[key] = idx
	return idx
}

// AddDynamic interns a Dynamic (constant dynamic) constant.
func (p *ConstantPool) AddDynamic(bootstrapIndex uint16, name, desc string) uint16 {
	return p.addDynamic(tagDynamic, bootstrapIndex, name, desc)
}

// AddInvokeDynamic interns an InvokeDynamic constant.
func (p *ConstantPool) AddInvokeDynamic(bootstrapIndex uint16, name, desc string) uint16 {
	return p.addDynamic(tagInvokeDynamic, bootstrapIndex, name, desc)
}

// AddModule interns a Module constant.
func (p *ConstantPool) AddModule(name string) uint16 {
	p.assertOpen()
	ni := p.AddUTF8(name)
	if idx, ok := p.moduleBy[ni]; ok {
		return idx
	}
	idx := p.append(&moduleEntry{nameIndex: ni})
	p.moduleBy[ni] = idx
	return idx
}

// AddPackage interns a Package constant.
func (p *ConstantPool) AddPackage(name string) uint16 {
	p.assertOpen()
	ni := p.AddUTF8(name)
	if idx, ok := p.packageBy[ni]; ok {
		return idx
	}
	idx := p.append(&packageEntry{nameIndex: ni})
	p.packageBy[ni] = idx
	return idx
}

// write serializes the pool in JVMS §4.1 order: constant_pool_count
// followed by each tagged entry, original entries first and any entries
// interned since parsing appended after them, per spec §4.1 ("indices
// allocated since the last write are appended at the end").
func (p *ConstantPool) write(s *sink) {
	p.closed = true
	s.u2(uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		e := p.entries[i]
		switch v := e.(type) {
		case *placeholderEntry:
			continue
		case *utf8Entry:
			s.u1(uint8(tagUTF8))
			s.u2(uint16(len(v.raw)))
			s.write(v.raw)
		case *integerEntry:
			s.u1(uint8(tagInteger))
			s.u4(uint32(v.value))
		case *floatEntry:
			s.u1(uint8(tagFloat))
			s.u4(float32Bits(v.value))
		case *longEntry:
			s.u1(uint8(tagLong))
			s.u8(uint64(v.value))
		case *doubleEntry:
			s.u1(uint8(tagDouble))
			s.u8(float64Bits(v.value))
		case *classEntry:
			s.u1(uint8(tagClass))
			s.u2(v.nameIndex)
		case *stringEntry:
			s.u1(uint8(tagString))
			s.u2(v.stringIndex)
		case *memberRefEntry:
			s.u1(uint8(v.t))
			s.u2(v.classIndex)
			s.u2(v.nameAndTypeIdx)
		case *nameAndTypeEntry:
			s.u1(uint8(tagNameAndType))
			s.u2(v.nameIndex)
			s.u2(v.descIndex)
		case *methodHandleEntry:
			s.u1(uint8(tagMethodHandle))
			s.u1(v.kind)
			s.u2(v.refIndex)
		case *methodTypeEntry:
			s.u1(uint8(tagMethodType))
			s.u2(v.descIndex)
		case *dynamicEntry:
			s.u1(uint8(v.t))
			s.u2(v.bootstrapMethodAttr)
			s.u2(v.nameAndTypeIdx)
		case *moduleEntry:
			s.u1(uint8(tagModule))
			s.u2(v.nameIndex)
		case *packageEntry:
			s.u1(uint8(tagPackage))
			s.u2(v.nameIndex)
		}
	}
}
