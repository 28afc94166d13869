// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildCallerClass builds a minimal one-method class file: a static void
// method whose body invokes owner.name(desc), followed by return. Used
// throughout to exercise NeedsTransform/RewriteClass/Redefine without a real
// compiled .class fixture on disk.
func buildCallerClass(t *testing.T, owner, name, desc string) ([]byte, *ConstantPool) {
	t.Helper()
	pool := newConstantPool(8)
	thisIdx := pool.AddClass("app/Caller")
	superIdx := pool.AddClass("java/lang/Object")
	methodRef := pool.AddMethodRef(owner, name, desc)

	s := newSink(16)
	s.u1(uint8(opInvokestat))
	s.u2(methodRef)
	s.u1(uint8(opReturn))
	code := s.bytes()

	codeSink := newSink(32)
	codeSink.u2(4) // max_stack
	codeSink.u2(0) // max_locals
	codeSink.u4(uint32(len(code)))
	codeSink.write(code)
	codeSink.u2(0) // exception table count
	codeSink.u2(0) // nested attribute count
	codeAttrName := pool.AddUTF8("Code")
	codeInfo := codeSink.bytes()

	methodsSink := newSink(32)
	methodsSink.u2(1) // method count
	methodsSink.u2(AccStatic)
	methodsSink.u2(pool.AddUTF8("callIt"))
	methodsSink.u2(pool.AddUTF8("()V"))
	methodsSink.u2(1) // attribute count
	methodsSink.u2(codeAttrName)
	methodsSink.u4(uint32(len(codeInfo)))
	methodsSink.write(codeInfo)

	out := newSink(pool.Count()*8 + 64)
	out.u4(classMagic)
	out.u2(0) // minor
	out.u2(52) // major
	pool.write(out)
	out.u2(0) // access flags
	out.u2(thisIdx)
	out.u2(superIdx)
	out.u2(0) // interfaces count
	out.u2(0) // fields count
	out.write(methodsSink.bytes())
	out.u2(0) // class attributes count
	return out.bytes(), pool
}

func TestFileParseRoundTripByteIdentical(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")

	f, err := NewBytes(data, nil)
	require.NoError(t, err)
	require.Equal(t, "app/Caller", f.ClassName)
	require.Equal(t, "java/lang/Object", f.SuperName)
	require.Len(t, f.Methods, 1)
	require.Equal(t, "callIt", f.Methods[0].Name)
	require.NotNil(t, f.Methods[0].Code)

	out, err := f.Redefine()
	require.NoError(t, err)
	require.Equal(t, data, out)

	reparsed, err := NewBytes(out, nil)
	require.NoError(t, err)
	require.Equal(t, f.ClassName, reparsed.ClassName)
	require.Equal(t, f.Methods[0].Code.Code, reparsed.Methods[0].Code.Code)
}

func TestFileParseRejectsBadMagic(t *testing.T) {
	_, err := NewBytes([]byte{0, 0, 0, 0}, nil)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestNeedsTransformFalseWhenAllAllow(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	allowAll, err := NewRulesBuilder().Build()
	require.NoError(t, err)

	needs, err := f.NeedsTransform("app", allowAll)
	require.NoError(t, err)
	require.False(t, needs)
}

func TestNeedsTransformTrueWhenCallSiteDenied(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("System").
		DenyMethod("exit", StandardDeny(), AtCaller)
	rules, err := b.Build()
	require.NoError(t, err)

	needs, err := f.NeedsTransform("app", rules)
	require.NoError(t, err)
	require.True(t, needs)
}

func TestSplitInternalNameUnnamedPackage(t *testing.T) {
	pkg, simple := splitInternalName("Main")
	require.Equal(t, "", pkg)
	require.Equal(t, "Main", simple)
}

func TestSplitInternalNameNested(t *testing.T) {
	pkg, simple := splitInternalName("java/lang/System")
	require.Equal(t, "java/lang", pkg)
	require.Equal(t, "System", simple)
}
