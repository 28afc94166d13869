// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import "fmt"

// opcode is a JVM bytecode instruction opcode, JVMS §6.5. Named the way the
// teacher names its PE constant tables (ImageDirectoryEntry, RelocType):
// typed small-int enums with iota-free explicit values matching the spec
// they come from, since bytecode opcode values are a fixed external wire
// format, not a sequence we control.
type opcode uint8

const (
	opNop         opcode = 0x00
	opAconstNull  opcode = 0x01
	opIconstM1    opcode = 0x02
	opIconst0     opcode = 0x03
	opIconst1     opcode = 0x04
	opIconst2     opcode = 0x05
	opIconst3     opcode = 0x06
	opIconst4     opcode = 0x07
	opIconst5     opcode = 0x08
	opLconst0     opcode = 0x09
	opLconst1     opcode = 0x0a
	opFconst0     opcode = 0x0b
	opDconst0     opcode = 0x0e
	opBipush      opcode = 0x10
	opSipush      opcode = 0x11
	opLdc         opcode = 0x12
	opLdcW        opcode = 0x13
	opLdc2W       opcode = 0x14
	opIload       opcode = 0x15
	opLload       opcode = 0x16
	opFload       opcode = 0x17
	opDload       opcode = 0x18
	opAload       opcode = 0x19
	opIstore      opcode = 0x36
	opLstore      opcode = 0x37
	opFstore      opcode = 0x38
	opDstore      opcode = 0x39
	opAstore      opcode = 0x3a
	opPop         opcode = 0x57
	opPop2        opcode = 0x58
	opDup         opcode = 0x59
	opGoto        opcode = 0xa7
	opIreturn     opcode = 0xac
	opLreturn     opcode = 0xad
	opFreturn     opcode = 0xae
	opDreturn     opcode = 0xaf
	opAreturn     opcode = 0xb0
	opReturn      opcode = 0xb1
	opGetstatic   opcode = 0xb2
	opPutstatic   opcode = 0xb3
	opGetfield    opcode = 0xb4
	opPutfield    opcode = 0xb5
	opInvokevirt  opcode = 0xb6
	opInvokespec  opcode = 0xb7
	opInvokestat  opcode = 0xb8
	opInvokeiface opcode = 0xb9
	opInvokedyn   opcode = 0xba
	opNew         opcode = 0xbb
	opAthrow      opcode = 0xbf
	opWide        opcode = 0xc4
	opGotoW       opcode = 0xc8
)

// isInvoke reports whether op is one of the five invocation-family
// instructions the rewriter inspects, spec §4.5 step 2.
func (op opcode) isInvoke() bool {
	switch op {
	case opInvokevirt, opInvokespec, opInvokestat, opInvokeiface, opInvokedyn:
		return true
	default:
		return false
	}
}

// instructionLength returns the total length in bytes (opcode + operands)
// of the instruction at code[offset], needed to walk the bytecode stream
// without fully decoding every operand. wide/tableswitch/lookupswitch are
// the only variable-length forms the JVM defines; this rewriter does not
// need to splice invocations inside a switch's padding so they are measured
// but not otherwise interpreted.
func instructionLength(code []byte, offset int) (int, error) {
	if offset >= len(code) {
		return 0, ErrOutsideBoundary
	}
	op := opcode(code[offset])
	switch op {
	case opTableswitch, opLookupswitch:
		return switchLength(code, offset, op)
	case opWide:
		if offset+1 >= len(code) {
			return 0, ErrTruncatedClassFile
		}
		if opcode(code[offset+1]) == opIinc {
			return 6, nil
		}
		return 4, nil
	default:
		n, ok := fixedOperandLength[op]
		if !ok {
			if op > 0xc9 { // above jsr_w, the highest defined opcode
				return 0, ErrUnknownOpcode
			}
			return 1, nil
		}
		return 1 + n, nil
	}
}

const (
	opTableswitch  opcode = 0xaa
	opLookupswitch opcode = 0xab
	opIinc         opcode = 0x84
)

func switchLength(code []byte, offset int, op opcode) (int, error) {
	pad := (4 - (offset+1)%4) % 4
	base := offset + 1 + pad
	if base+4 > len(code) {
		return 0, ErrTruncatedClassFile
	}
	defaultOff := 1 + pad + 4
	if op == opTableswitch {
		if base+12 > len(code) {
			return 0, ErrTruncatedClassFile
		}
		low := be32(code[base+4:])
		high := be32(code[base+8:])
		n := int(high-low) + 1
		return defaultOff + 8 + n*4, nil
	}
	if base+8 > len(code) {
		return 0, ErrTruncatedClassFile
	}
	npairs := int(be32(code[base+4:]))
	return defaultOff + 4 + npairs*8, nil
}

func be32(b []byte) int32 {
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// fixedOperandLength gives the operand byte count (excluding the opcode
// itself) for every fixed-length instruction this rewriter must be able to
// skip over. Defined opcodes (up to jsr_w, 0xc9) this table omits are
// measured as single-byte, which holds for the rest of the instruction set
// (loads, stores, stack ops, arithmetic, returns); bytes above 0xc9 are
// reported as ErrUnknownOpcode.
var fixedOperandLength = buildFixedOperandLengths()

func buildFixedOperandLengths() map[opcode]int {
	m := make(map[opcode]int, 60)
	// 1-byte operand.
	for _, op := range []opcode{opBipush, opLdc, 0x15, 0x16, 0x17, 0x18, 0x19, 0x36, 0x37, 0x38, 0x39, 0x3a,
		0xa9 /* ret */, 0xbc /* newarray */} {
		m[op] = 1
	}
	// 2-byte operand.
	for _, op := range []opcode{opSipush, opLdcW, opLdc2W, opGoto, 0xa8, /* jsr */
		opGetstatic, opPutstatic, opGetfield, opPutfield,
		opInvokevirt, opInvokespec, opInvokestat,
		opNew, 0xbd /* anewarray */, 0xc0 /* checkcast */, 0xc1, /* instanceof */
		0xc6, 0xc7 /* ifnull/ifnonnull */, 0x99, 0x9a, 0x9b, 0x9c, 0x9d, 0x9e, 0x9f, 0xa0, 0xa1, 0xa2,
		0xa3, 0xa4, 0xa5, 0xa6 /* if_icmp*/, 0x84 /* unused slot; iinc handled via fixed 2 below */} {
		m[op] = 2
	}
	m[opIinc] = 2
	m[opInvokeiface] = 4
	m[opInvokedyn] = 4
	m[0xc5] = 3 // multianewarray
	m[opGotoW] = 4
	m[0xc8] = 4 // goto_w (duplicate literal kept for clarity)
	m[0xc9] = 4 // jsr_w
	// zero-operand instructions fall back to length 0 when looked up
	// explicitly; most callers only ever query opcodes already known to be
	// fixed-length via this map or handled specially above.
	for _, op := range []opcode{opNop, opAconstNull, opIconstM1, opIconst0, opIconst1, opIconst2, opIconst3,
		opIconst4, opIconst5, opLconst0, opLconst1, opFconst0, opDconst0, opPop, opPop2, opDup,
		opIreturn, opLreturn, opFreturn, opDreturn, opAreturn, opReturn, opAthrow} {
		m[op] = 0
	}
	return m
}

// --- descriptor parsing, JVMS §4.3 ---

type fieldTypeKind uint8

const (
	typeByte fieldTypeKind = iota
	typeChar
	typeDouble
	typeFloat
	typeInt
	typeLong
	typeShort
	typeBoolean
	typeObject
	typeArray
	typeVoid
)

type fieldType struct {
	kind      fieldTypeKind
	className string // set for typeObject (internal name) and typeArray (array descriptor, e.g. "[I")
}

// width reports the number of 32-bit operand-stack / local-variable slots
// this type occupies: 2 for long/double, 1 otherwise.
func (t fieldType) width() int {
	if t.kind == typeLong || t.kind == typeDouble {
		return 2
	}
	return 1
}

// parseDescriptorTypes parses a method descriptor "(ArgTypes)ReturnType"
// into its argument field types and return type.
func parseDescriptorTypes(desc string) (args []fieldType, ret fieldType, err error) {
	if len(desc) == 0 || desc[0] != '(' {
		return nil, fieldType{}, fmt.Errorf("boxtin: malformed method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		ft, n, err := parseOneFieldType(desc[i:])
		if err != nil {
			return nil, fieldType{}, err
		}
		args = append(args, ft)
		i += n
	}
	if i >= len(desc) {
		return nil, fieldType{}, fmt.Errorf("boxtin: unterminated method descriptor %q", desc)
	}
	i++ // skip ')'
	rest := desc[i:]
	if rest == "V" {
		return args, fieldType{kind: typeVoid}, nil
	}
	ret, _, err = parseOneFieldType(rest)
	return args, ret, err
}

// parseOneFieldType parses a single field descriptor from the start of s,
// returning the type and the number of bytes it consumed.
func parseOneFieldType(s string) (fieldType, int, error) {
	if len(s) == 0 {
		return fieldType{}, 0, fmt.Errorf("boxtin: empty field descriptor")
	}
	switch s[0] {
	case 'B':
		return fieldType{kind: typeByte}, 1, nil
	case 'C':
		return fieldType{kind: typeChar}, 1, nil
	case 'D':
		return fieldType{kind: typeDouble}, 1, nil
	case 'F':
		return fieldType{kind: typeFloat}, 1, nil
	case 'I':
		return fieldType{kind: typeInt}, 1, nil
	case 'J':
		return fieldType{kind: typeLong}, 1, nil
	case 'S':
		return fieldType{kind: typeShort}, 1, nil
	case 'Z':
		return fieldType{kind: typeBoolean}, 1, nil
	case 'L':
		end := indexByte(s, ';')
		if end < 0 {
			return fieldType{}, 0, fmt.Errorf("boxtin: unterminated object descriptor %q", s)
		}
		return fieldType{kind: typeObject, className: s[1:end]}, end + 1, nil
	case '[':
		elem, n, err := parseOneFieldType(s[1:])
		if err != nil {
			return fieldType{}, 0, err
		}
		_ = elem
		return fieldType{kind: typeArray, className: s[:1+n]}, 1 + n, nil
	default:
		return fieldType{}, 0, fmt.Errorf("boxtin: unrecognized field descriptor byte %q in %q", s[0], s)
	}
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// argWidth returns the total operand-stack slot count consumed by an
// invocation's arguments (not including the receiver), per the descriptor.
func argWidth(args []fieldType) int {
	w := 0
	for _, a := range args {
		w += a.width()
	}
	return w
}

// returnWidth returns the number of slots the call leaves on the stack:
// 0 for void, 2 for long/double, 1 otherwise.
func returnWidth(ret fieldType) int {
	switch ret.kind {
	case typeVoid:
		return 0
	case typeLong, typeDouble:
		return 2
	default:
		return 1
	}
}

// loadOpcodeFor and storeOpcodeFor pick the typed load/store opcode for a
// field type, used when spilling invocation arguments into fresh locals
// (spec §4.5 step 2c) and reloading them.
func loadOpcodeFor(t fieldType) opcode {
	switch t.kind {
	case typeLong:
		return opLload
	case typeFloat:
		return opFload
	case typeDouble:
		return opDload
	case typeObject, typeArray:
		return opAload
	default:
		return opIload
	}
}

func storeOpcodeFor(t fieldType) opcode {
	switch t.kind {
	case typeLong:
		return opLstore
	case typeFloat:
		return opFstore
	case typeDouble:
		return opDstore
	case typeObject, typeArray:
		return opAstore
	default:
		return opIstore
	}
}
