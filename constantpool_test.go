// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSamplePool() *ConstantPool {
	p := newConstantPool(8)
	p.AddClass("java/lang/System")
	p.AddMethodRef("java/lang/System", "exit", "(I)V")
	p.AddString("hello")
	p.AddLong(1)
	p.AddInteger(42)
	return p
}

func roundTripPool(t *testing.T, p *ConstantPool) *ConstantPool {
	t.Helper()
	s := newSink(64)
	p.write(s)
	r := newReader(s.bytes())
	out, err := parseConstantPool(r)
	require.NoError(t, err)
	return out
}

func TestConstantPoolInterning(t *testing.T) {
	p := newConstantPool(4)
	a := p.AddUTF8("java/lang/System")
	b := p.AddUTF8("java/lang/System")
	require.Equal(t, a, b, "AddUTF8 must intern identical values to the same index")

	c1 := p.AddClass("java/lang/System")
	c2 := p.AddClass("java/lang/System")
	require.Equal(t, c1, c2)

	m1 := p.AddMethodRef("java/lang/System", "exit", "(I)V")
	m2 := p.AddMethodRef("java/lang/System", "exit", "(I)V")
	require.Equal(t, m1, m2)
}

func TestConstantPoolLongDoubleConsumeTwoSlots(t *testing.T) {
	p := newConstantPool(4)
	longIdx := p.AddLong(7)
	next := p.AddInteger(99)
	require.Equal(t, longIdx+2, next, "AddInteger after AddLong must skip the placeholder slot")
}

func TestConstantPoolRoundTrip(t *testing.T) {
	p := buildSamplePool()
	out := roundTripPool(t, p)
	require.Equal(t, p.Count(), out.Count())

	name, err := out.FindClass(2)
	require.NoError(t, err)
	require.Equal(t, "java/lang/System", name)

	owner, meth, desc, err := out.FindMemberRef(6)
	require.NoError(t, err)
	require.Equal(t, "java/lang/System", owner)
	require.Equal(t, "exit", meth)
	require.Equal(t, "(I)V", desc)
}

func TestConstantPoolUtf8EqualASCII(t *testing.T) {
	p := newConstantPool(4)
	idx := p.AddUTF8("exit")
	require.True(t, p.Utf8Equal(idx, "exit"))
	require.False(t, p.Utf8Equal(idx, "exitx"))
}

func TestConstantPoolAddAfterWritePanics(t *testing.T) {
	p := newConstantPool(4)
	s := newSink(32)
	p.write(s)
	require.Panics(t, func() { p.AddUTF8("too late") })
}

func TestModifiedUTF8RoundTrip(t *testing.T) {
	cases := []string{"", "plain", "emb\x00edded", "snowman☃", "surrogate\U0001F600"}
	for _, c := range cases {
		raw := encodeModifiedUTF8(c)
		got := decodeModifiedUTF8(raw)
		require.Equal(t, c, got, "round trip for %q", c)
	}
}
