// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstructionLengthFixedOperand(t *testing.T) {
	code := []byte{byte(opInvokestat), 0x00, 0x07}
	n, err := instructionLength(code, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestInstructionLengthZeroOperand(t *testing.T) {
	code := []byte{byte(opReturn)}
	n, err := instructionLength(code, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInstructionLengthWideIinc(t *testing.T) {
	code := []byte{byte(opWide), byte(opIinc), 0x00, 0x01, 0x00, 0x02}
	n, err := instructionLength(code, 0)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestInstructionLengthWideLoad(t *testing.T) {
	code := []byte{byte(opWide), byte(opIload), 0x00, 0x01}
	n, err := instructionLength(code, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestInstructionLengthUnknownOpcode(t *testing.T) {
	code := []byte{0xff}
	_, err := instructionLength(code, 0)
	require.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestInstructionLengthOutsideBoundary(t *testing.T) {
	code := []byte{byte(opReturn)}
	_, err := instructionLength(code, 5)
	require.ErrorIs(t, err, ErrOutsideBoundary)
}

func TestInstructionLengthTableswitch(t *testing.T) {
	// offset 1 -> pad to align default/low/high on a 4-byte boundary after
	// the opcode; two entries (low=0, high=1).
	code := make([]byte, 1+3+4+4+4+2*4)
	code[0] = byte(opTableswitch)
	base := 4 // offset(0) + 1 + pad(3)
	putBE32(code, base, 0)          // default
	putBE32(code, base+4, 0)        // low
	putBE32(code, base+8, 1)        // high
	n, err := instructionLength(code, 0)
	require.NoError(t, err)
	require.Equal(t, len(code), n)
}

func TestInstructionLengthLookupswitch(t *testing.T) {
	code := make([]byte, 1+3+4+4+1*8)
	code[0] = byte(opLookupswitch)
	base := 4
	putBE32(code, base, 0)   // default
	putBE32(code, base+4, 1) // npairs
	n, err := instructionLength(code, 0)
	require.NoError(t, err)
	require.Equal(t, len(code), n)
}

func putBE32(b []byte, off int, v int32) {
	b[off] = byte(uint32(v) >> 24)
	b[off+1] = byte(uint32(v) >> 16)
	b[off+2] = byte(uint32(v) >> 8)
	b[off+3] = byte(uint32(v))
}

func TestParseDescriptorTypesVoidNoArgs(t *testing.T) {
	args, ret, err := parseDescriptorTypes("()V")
	require.NoError(t, err)
	require.Empty(t, args)
	require.Equal(t, typeVoid, ret.kind)
}

func TestParseDescriptorTypesMixedArgs(t *testing.T) {
	args, ret, err := parseDescriptorTypes("(ILjava/lang/String;[IJ)Z")
	require.NoError(t, err)
	require.Len(t, args, 4)
	require.Equal(t, typeInt, args[0].kind)
	require.Equal(t, typeObject, args[1].kind)
	require.Equal(t, "java/lang/String", args[1].className)
	require.Equal(t, typeArray, args[2].kind)
	require.Equal(t, "[I", args[2].className)
	require.Equal(t, typeLong, args[3].kind)
	require.Equal(t, typeBoolean, ret.kind)
}

func TestParseDescriptorTypesMalformed(t *testing.T) {
	_, _, err := parseDescriptorTypes("ILjava;)V")
	require.Error(t, err)
}

func TestParseDescriptorTypesUnterminatedObject(t *testing.T) {
	_, _, err := parseDescriptorTypes("(Ljava/lang/String)V")
	require.Error(t, err)
}

func TestArgWidthCountsWideTypesTwice(t *testing.T) {
	args, _, err := parseDescriptorTypes("(IJD)V")
	require.NoError(t, err)
	require.Equal(t, 5, argWidth(args))
}

func TestReturnWidthByKind(t *testing.T) {
	_, retVoid, _ := parseDescriptorTypes("()V")
	_, retLong, _ := parseDescriptorTypes("()J")
	_, retInt, _ := parseDescriptorTypes("()I")
	require.Equal(t, 0, returnWidth(retVoid))
	require.Equal(t, 2, returnWidth(retLong))
	require.Equal(t, 1, returnWidth(retInt))
}

func TestLoadStoreOpcodeForKinds(t *testing.T) {
	require.Equal(t, opLload, loadOpcodeFor(fieldType{kind: typeLong}))
	require.Equal(t, opAload, loadOpcodeFor(fieldType{kind: typeObject}))
	require.Equal(t, opIload, loadOpcodeFor(fieldType{kind: typeBoolean}))
	require.Equal(t, opLstore, storeOpcodeFor(fieldType{kind: typeLong}))
	require.Equal(t, opAstore, storeOpcodeFor(fieldType{kind: typeArray}))
}

func TestIsInvokeRecognizesInvocationFamily(t *testing.T) {
	for _, op := range []opcode{opInvokevirt, opInvokespec, opInvokestat, opInvokeiface, opInvokedyn} {
		require.True(t, op.isInvoke(), "opcode %#x", op)
	}
	require.False(t, opGoto.isInvoke())
}
