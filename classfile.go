// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"os"
	"strings"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"
)

const classMagic = 0xCAFEBABE

// Access flags this package inspects directly, JVMS §4.1/§4.5/§4.6. Flags it
// never needs to branch on (synthetic, bridge, enum, module, ...) are kept
// verbatim in AccessFlags but have no named constant here.
const (
	AccStatic uint16 = 0x0008
	AccSuper  uint16 = 0x0020
)

// File is a parsed JVM class file, spec §4 "Class-file model". Grounded on
// the teacher's File struct (file.go): a memory-mapped or in-memory byte
// source plus a fully decoded, re-serializable field-of-structs model, and
// on jacobin's classloader.go ParsedClass for the field/method/attribute
// shapes themselves.
type File struct {
	MinorVersion uint16
	MajorVersion uint16
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16

	Fields  []*Field
	Methods []*Method

	// Attributes are the top-level (class-level) attributes: SourceFile,
	// InnerClasses, BootstrapMethods, and any this package does not
	// interpret. Held as raw Info bytes and passed through untouched.
	Attributes []*Attribute

	Pool *ConstantPool

	// ClassName and SuperName are resolved once at parse time for
	// convenience; callers needing the internal name of some other class
	// constant use Pool.FindClass directly.
	ClassName string
	SuperName string

	data   mmap.MMap
	f      *os.File
	opts   *Options
	logger *log.Helper
}

// Options mirrors the teacher's Options pattern (file.go): a struct of
// parse-time knobs plus an injectable logger, defaulted in New/NewBytes the
// same way file.go defaults MaxCOFFSymbolsCount etc.
type Options struct {
	// Logger receives warnings about recoverable parse anomalies (an
	// attribute this package does not recognize, a StackMapTable frame type
	// reserved for a future class-file version). A nil Logger defaults to
	// an error-level stdout logger, matching file.go.
	Logger log.Logger
}

func (o *Options) logHelper() *log.Helper {
	var logger log.Logger
	if o.Logger == nil {
		logger = log.NewStdLogger(os.Stdout)
		return log.NewHelper(log.NewFilter(logger, log.FilterLevel(log.LevelError)))
	}
	return log.NewHelper(o.Logger)
}

// New opens and parses a class file given its path, memory-mapping it
// read-only the way file.go maps a PE binary.
func New(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := &File{f: f, data: data}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	file.logger = file.opts.logHelper()

	if err := file.parse(data); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// NewBytes parses a class file already held in memory (the common case for
// an agent: the JVM hands transform a byte slice, not a path).
func NewBytes(data []byte, opts *Options) (*File, error) {
	file := &File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	file.logger = file.opts.logHelper()

	if err := file.parse(data); err != nil {
		return nil, err
	}
	return file, nil
}

// Close unmaps and closes the backing file, a no-op for NewBytes-sourced
// files.
func (f *File) Close() error {
	if f.data != nil {
		_ = f.data.Unmap()
	}
	if f.f != nil {
		return f.f.Close()
	}
	return nil
}

// Field is a field_info structure, JVMS §4.5.
type Field struct {
	AccessFlags uint16
	Name        string
	Desc        string
	Attributes  []*Attribute
}

// Method is a method_info structure, JVMS §4.6. Code is a convenience
// pointer at the "Code" attribute when one is present (absent only for
// abstract/native methods).
type Method struct {
	AccessFlags uint16
	Name        string
	Desc        string
	Attributes  []*Attribute
	Code        *CodeAttribute
}

// IsStatic reports whether this method's ACC_STATIC bit is set, used
// throughout the rewriter and stack-map initial-frame derivation to decide
// whether local 0 holds `this`.
func (m *Method) IsStatic() bool { return m.AccessFlags&AccStatic != 0 }

// Attribute is a generic attribute_info: every attribute this package does
// not specially interpret round-trips through Info byte-for-byte. Code is
// non-nil exactly when Name == "Code"; Info is then still written as-is
// unless Code.Dirty is set, in which case writeAttributes regenerates it
// from Code (emitCodeAttribute).
type Attribute struct {
	Name string
	Info []byte
	Code *CodeAttribute
}

// ExceptionTableEntry is one Code attribute exception_table row, JVMS
// §4.7.3.
type ExceptionTableEntry struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16 // 0 means catch-all (finally)
}

// LineNumberEntry is one LineNumberTable row, JVMS §4.7.12.
type LineNumberEntry struct {
	StartPC    uint16
	LineNumber uint16
}

// CodeAttribute is the decoded form of a method's Code attribute, JVMS
// §4.7.3, with its StackMapTable (if present) and LineNumberTable
// (approximated after rewriting) held as structured data since the rewriter
// must edit all three in lockstep. Other nested attributes (LocalVariable
// Table, LocalVariableTypeTable) are dropped once a method's bytecode is
// rewritten.
type CodeAttribute struct {
	MaxStack       uint16
	MaxLocals      uint16
	Code           []byte
	ExceptionTable []ExceptionTableEntry
	LineNumbers    []LineNumberEntry
	StackMap       *StackMapTable

	// Dirty is set by the rewriter once it has spliced this method's code;
	// Redefine regenerates bytes for dirty Code attributes and passes
	// everything else through verbatim.
	Dirty bool

	rawInfo []byte // the original, unparsed bytes; the writer emits the owning Attribute's Info when !Dirty
}

func (f *File) parse(data []byte) error {
	r := newReader(data)
	magic, err := r.u4()
	if err != nil {
		return err
	}
	if magic != classMagic {
		return ErrInvalidMagic
	}
	if f.MinorVersion, err = r.u2(); err != nil {
		return err
	}
	if f.MajorVersion, err = r.u2(); err != nil {
		return err
	}
	pool, err := parseConstantPool(r)
	if err != nil {
		return err
	}
	f.Pool = pool

	if f.AccessFlags, err = r.u2(); err != nil {
		return err
	}
	if f.ThisClass, err = r.u2(); err != nil {
		return err
	}
	if f.SuperClass, err = r.u2(); err != nil {
		return err
	}
	f.ClassName, err = pool.FindClass(f.ThisClass)
	if err != nil {
		return classFormatError("", false, err)
	}
	if f.SuperClass != 0 {
		f.SuperName, err = pool.FindClass(f.SuperClass)
		if err != nil {
			return classFormatError(f.ClassName, false, err)
		}
	}

	ifaceCount, err := r.u2()
	if err != nil {
		return err
	}
	f.Interfaces = make([]uint16, ifaceCount)
	for i := range f.Interfaces {
		if f.Interfaces[i], err = r.u2(); err != nil {
			return err
		}
	}

	if f.Fields, err = parseFields(r, pool); err != nil {
		return classFormatError(f.ClassName, false, err)
	}
	if f.Methods, err = parseMethods(r, pool, f.logger); err != nil {
		return classFormatError(f.ClassName, false, err)
	}
	if f.Attributes, err = parseAttributes(r, pool, f.logger); err != nil {
		return classFormatError(f.ClassName, false, err)
	}
	return nil
}

func parseFields(r *reader, pool *ConstantPool) ([]*Field, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	fields := make([]*Field, count)
	for i := range fields {
		flags, err := r.u2()
		if err != nil {
			return nil, err
		}
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		descIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8String(nameIdx)
		if err != nil {
			return nil, err
		}
		desc, err := pool.Utf8String(descIdx)
		if err != nil {
			return nil, err
		}
		attrs, err := parseAttributes(r, pool, nil)
		if err != nil {
			return nil, err
		}
		fields[i] = &Field{AccessFlags: flags, Name: name, Desc: desc, Attributes: attrs}
	}
	return fields, nil
}

func parseMethods(r *reader, pool *ConstantPool, logger *log.Helper) ([]*Method, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	methods := make([]*Method, count)
	for i := range methods {
		flags, err := r.u2()
		if err != nil {
			return nil, err
		}
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		descIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8String(nameIdx)
		if err != nil {
			return nil, err
		}
		desc, err := pool.Utf8String(descIdx)
		if err != nil {
			return nil, err
		}
		attrs, err := parseAttributes(r, pool, logger)
		if err != nil {
			return nil, err
		}
		m := &Method{AccessFlags: flags, Name: name, Desc: desc, Attributes: attrs}
		for _, a := range attrs {
			if a.Code != nil {
				m.Code = a.Code
				break
			}
		}
		methods[i] = m
	}
	return methods, nil
}

// parseAttributes reads an attribute_info[] table, specially decoding
// "Code" into a CodeAttribute and passing every other attribute through as
// raw bytes. logger may be nil (field attributes carry no StackMapTable and
// so never warn).
func parseAttributes(r *reader, pool *ConstantPool, logger *log.Helper) ([]*Attribute, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	attrs := make([]*Attribute, count)
	for i := range attrs {
		nameIdx, err := r.u2()
		if err != nil {
			return nil, err
		}
		name, err := pool.Utf8String(nameIdx)
		if err != nil {
			return nil, err
		}
		length, err := r.u4()
		if err != nil {
			return nil, err
		}
		info, err := r.bytes(length)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, len(info))
		copy(raw, info)

		a := &Attribute{Name: name, Info: raw}
		if name == "Code" {
			code, err := parseCodeAttribute(raw, pool, logger)
			if err != nil {
				return nil, err
			}
			a.Code = code
		}
		attrs[i] = a
	}
	return attrs, nil
}

func parseCodeAttribute(info []byte, pool *ConstantPool, logger *log.Helper) (*CodeAttribute, error) {
	r := newReader(info)
	maxStack, err := r.u2()
	if err != nil {
		return nil, err
	}
	maxLocals, err := r.u2()
	if err != nil {
		return nil, err
	}
	codeLen, err := r.u4()
	if err != nil {
		return nil, err
	}
	code, err := r.bytes(codeLen)
	if err != nil {
		return nil, err
	}
	codeCopy := make([]byte, len(code))
	copy(codeCopy, code)

	excCount, err := r.u2()
	if err != nil {
		return nil, err
	}
	exc := make([]ExceptionTableEntry, excCount)
	for i := range exc {
		if exc[i].StartPC, err = r.u2(); err != nil {
			return nil, err
		}
		if exc[i].EndPC, err = r.u2(); err != nil {
			return nil, err
		}
		if exc[i].HandlerPC, err = r.u2(); err != nil {
			return nil, err
		}
		if exc[i].CatchType, err = r.u2(); err != nil {
			return nil, err
		}
	}

	nested, err := parseAttributes(r, pool, logger)
	if err != nil {
		return nil, err
	}

	ca := &CodeAttribute{
		MaxStack:       maxStack,
		MaxLocals:      maxLocals,
		Code:           codeCopy,
		ExceptionTable: exc,
		rawInfo:        info,
	}
	for _, a := range nested {
		switch a.Name {
		case "StackMapTable":
			sm, err := parseStackMapTable(a.Info, pool)
			if err != nil {
				if logger != nil {
					logger.Warnf("StackMapTable parse failed, falling through to raw bytes: %v", err)
				}
				continue
			}
			ca.StackMap = sm
		case "LineNumberTable":
			ca.LineNumbers = parseLineNumberTable(a.Info)
		}
	}
	return ca, nil
}

func parseLineNumberTable(info []byte) []LineNumberEntry {
	r := newReader(info)
	count, err := r.u2()
	if err != nil {
		return nil
	}
	lines := make([]LineNumberEntry, 0, count)
	for i := 0; i < int(count); i++ {
		startPC, err1 := r.u2()
		line, err2 := r.u2()
		if err1 != nil || err2 != nil {
			break
		}
		lines = append(lines, LineNumberEntry{StartPC: startPC, LineNumber: line})
	}
	return lines
}

// splitInternalName splits a JVM internal class name ("java/lang/System")
// into its package ("java/lang") and simple name ("System"); a class in the
// unnamed package returns ("", name).
func splitInternalName(internalName string) (pkg, simple string) {
	i := strings.LastIndexByte(internalName, '/')
	if i < 0 {
		return "", internalName
	}
	return internalName[:i], internalName[i+1:]
}

// Redefine re-serializes the whole class file. Everything the rewriter did
// not touch round-trips byte-for-byte: the constant pool (original entries
// written in their original order, anything interned since parsing
// appended after), every field, and every attribute this package treats as
// opaque Info bytes. Only Code attributes marked Dirty are regenerated from
// their structured form, spec §4 "byte fidelity of untouched ranges".
func (f *File) Redefine() ([]byte, error) {
	// The constant pool must be interned against (AddUTF8 for every
	// field/method/attribute name, plus anything RewriteClass added for a
	// trailer) before it is written out, since ConstantPool.write closes the
	// pool against further mutation. So the body is serialized into its own
	// sink first, while the pool is still open, and the pool itself is only
	// written afterwards, once no more interning can happen.
	body := newSink(f.Pool.Count() * 8)
	body.u2(f.AccessFlags)
	body.u2(f.ThisClass)
	body.u2(f.SuperClass)
	body.u2(uint16(len(f.Interfaces)))
	for _, iface := range f.Interfaces {
		body.u2(iface)
	}

	body.u2(uint16(len(f.Fields)))
	for _, field := range f.Fields {
		body.u2(field.AccessFlags)
		body.u2(f.Pool.AddUTF8(field.Name))
		body.u2(f.Pool.AddUTF8(field.Desc))
		writeAttributes(body, f.Pool, field.Attributes)
	}

	body.u2(uint16(len(f.Methods)))
	for _, m := range f.Methods {
		body.u2(m.AccessFlags)
		body.u2(f.Pool.AddUTF8(m.Name))
		body.u2(f.Pool.AddUTF8(m.Desc))
		writeAttributes(body, f.Pool, m.Attributes)
	}

	writeAttributes(body, f.Pool, f.Attributes)

	s := newSink(f.Pool.Count()*8 + body.len())
	s.u4(classMagic)
	s.u2(f.MinorVersion)
	s.u2(f.MajorVersion)
	f.Pool.write(s)
	s.write(body.bytes())
	return s.bytes(), nil
}

func writeAttributes(s *sink, pool *ConstantPool, attrs []*Attribute) {
	s.u2(uint16(len(attrs)))
	for _, a := range attrs {
		info := a.Info
		if a.Code != nil && a.Code.Dirty {
			info = emitCodeAttribute(pool, a.Code)
		}
		s.u2(pool.AddUTF8(a.Name))
		s.u4(uint32(len(info)))
		s.write(info)
	}
}

func emitCodeAttribute(pool *ConstantPool, ca *CodeAttribute) []byte {
	s := newSink(len(ca.Code) + 32)
	s.u2(ca.MaxStack)
	s.u2(ca.MaxLocals)
	s.u4(uint32(len(ca.Code)))
	s.write(ca.Code)
	s.u2(uint16(len(ca.ExceptionTable)))
	for _, e := range ca.ExceptionTable {
		s.u2(e.StartPC)
		s.u2(e.EndPC)
		s.u2(e.HandlerPC)
		s.u2(e.CatchType)
	}

	var nested []*Attribute
	if ca.StackMap != nil {
		nested = append(nested, &Attribute{Name: "StackMapTable", Info: ca.StackMap.Emit(pool)})
	}
	if len(ca.LineNumbers) > 0 {
		nested = append(nested, &Attribute{Name: "LineNumberTable", Info: emitLineNumberTable(ca.LineNumbers)})
	}
	writeAttributes(s, pool, nested)
	return s.bytes()
}

func emitLineNumberTable(lines []LineNumberEntry) []byte {
	s := newSink(2 + 4*len(lines))
	s.u2(uint16(len(lines)))
	for _, l := range lines {
		s.u2(l.StartPC)
		s.u2(l.LineNumber)
	}
	return s.bytes()
}

// NeedsTransform reports whether any invocation site in f resolves, under
// rules as seen by callerModule, to a Deny rule, or any method of f is
// itself denied at the target side — i.e. whether Redefine
// would produce bytes different from the original. Integrators use this to
// skip Redefine (and its allocation) for classes the active policy leaves
// untouched, spec §8 "allow-idempotence": a file with no denied call sites
// redefines to itself byte-for-byte, so there is no need to call Redefine
// at all in that case.
func (f *File) NeedsTransform(callerModule string, rules Rules) (bool, error) {
	for _, m := range f.Methods {
		if m.Code == nil {
			continue
		}
		denied, err := methodNeedsRewrite(f, m, callerModule, rules)
		if err != nil {
			return false, err
		}
		if denied {
			return true, nil
		}
	}
	return false, nil
}
