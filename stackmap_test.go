// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStackMapTableFrameAtAndInsert(t *testing.T) {
	table := &StackMapTable{}
	table.InsertFrame(Frame{Offset: 10})
	table.InsertFrame(Frame{Offset: 2})
	table.InsertFrame(Frame{Offset: 6})

	require.Equal(t, []uint16{2, 6, 10}, offsetsOf(table))

	f, ok := table.FrameAt(6)
	require.True(t, ok)
	require.Equal(t, uint16(6), f.Offset)

	_, ok = table.FrameAt(7)
	require.False(t, ok)
}

func TestStackMapTableInsertReplacesExisting(t *testing.T) {
	table := &StackMapTable{}
	table.InsertFrame(Frame{Offset: 5, Stack: []VerificationType{intType()}})
	table.InsertFrame(Frame{Offset: 5, Stack: nil})

	f, ok := table.FrameAt(5)
	require.True(t, ok)
	require.Empty(t, f.Stack)
}

func TestStackMapTableShiftMovesFramesAtOrAfter(t *testing.T) {
	table := &StackMapTable{}
	table.InsertFrame(Frame{Offset: 4})
	table.InsertFrame(Frame{Offset: 10})
	table.Shift(8, 20)

	require.Equal(t, []uint16{4, 30}, offsetsOf(table))
}

func TestStackMapTableShiftAdjustsUninitializedNewOffsets(t *testing.T) {
	table := &StackMapTable{
		Frames: []Frame{{
			Offset: 10,
			Stack:  []VerificationType{{Tag: VerifUninitialized, NewInstrOffs: 6}},
		}},
	}
	table.Shift(5, 3)
	require.Equal(t, uint16(9), table.Frames[0].Stack[0].NewInstrOffs)
}

func TestInitialFrameStaticMethodHasNoThis(t *testing.T) {
	pool := newConstantPool(4)
	frame, err := InitialFrame(pool, "(I)V", true, pool.AddClass("app/Main"))
	require.NoError(t, err)
	require.Len(t, frame.Locals, 1)
	require.Equal(t, VerifInteger, frame.Locals[0].Tag)
}

func TestInitialFrameInstanceMethodHasThisAndWideArgs(t *testing.T) {
	pool := newConstantPool(4)
	thisIdx := pool.AddClass("app/Main")
	frame, err := InitialFrame(pool, "(JLjava/lang/String;)V", false, thisIdx)
	require.NoError(t, err)

	require.Equal(t, VerifObject, frame.Locals[0].Tag)
	require.Equal(t, thisIdx, frame.Locals[0].ClassIndex)
	require.Equal(t, VerifLong, frame.Locals[1].Tag)
	require.Equal(t, VerifTop, frame.Locals[2].Tag)
	require.Equal(t, VerifObject, frame.Locals[3].Tag)
}

func TestStackMapTableEmitParseRoundTrip(t *testing.T) {
	pool := newConstantPool(4)
	classIdx := pool.AddClass("app/Thing")

	table := &StackMapTable{Frames: []Frame{
		{Offset: 3},
		{Offset: 6, Stack: []VerificationType{intType()}},
		{Offset: 50, Locals: []VerificationType{objectType(classIdx), intType()}},
		{Offset: 400, Locals: []VerificationType{objectType(classIdx)}, Stack: []VerificationType{longType(), floatType()}},
	}}

	out := table.Emit(pool)
	parsed, err := parseStackMapTable(out, pool)
	require.NoError(t, err)
	require.Len(t, parsed.Frames, len(table.Frames))
	for i, f := range table.Frames {
		require.Equal(t, f.Offset, parsed.Frames[i].Offset, "frame %d offset", i)
	}
	require.Equal(t, table.Frames[1].Stack, parsed.Frames[1].Stack)
	require.Equal(t, table.Frames[3].Stack, parsed.Frames[3].Stack)
}

func offsetsOf(t *StackMapTable) []uint16 {
	out := make([]uint16, len(t.Frames))
	for i, f := range t.Frames {
		out[i] = f.Offset
	}
	return out
}
