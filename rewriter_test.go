// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func denyExitRules(t *testing.T, where DenyWhere, action *DenyAction) Rules {
	t.Helper()
	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("System").
		DenyMethod("exit", action, where)
	rules, err := b.Build()
	require.NoError(t, err)
	return rules
}

func TestRewriteClassLeavesAllowedCallUnchanged(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	allowAll, err := NewRulesBuilder().Build()
	require.NoError(t, err)

	changed, err := RewriteClass(f, "app", allowAll)
	require.NoError(t, err)
	require.False(t, changed)
	require.False(t, f.Methods[0].Code.Dirty)
}

func TestRewriteClassSplicesExceptionDenyAsGotoToTrailer(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	rules := denyExitRules(t, AtCaller, StandardDeny())

	changed, err := RewriteClass(f, "app", rules)
	require.NoError(t, err)
	require.True(t, changed)

	ca := f.Methods[0].Code
	require.True(t, ca.Dirty)
	// The original invokestatic at offset 0 is replaced with a goto (no nop
	// padding, since both instructions are 3 bytes).
	require.Equal(t, byte(opGoto), ca.Code[0])
	require.Greater(t, len(ca.Code), 4, "trailer must be appended")
	require.Greater(t, ca.MaxStack, uint16(0))

	// The trailer should contain an athrow somewhere (plain Exception never
	// falls through).
	require.Contains(t, ca.Code, byte(opAthrow))

	out, err := f.Redefine()
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestRewriteClassValueDenyFallsThroughWithGotoBack(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	rules := denyExitRules(t, AtCaller, ValueAction(NullConst()))
	changed, err := RewriteClass(f, "app", rules)
	require.NoError(t, err)
	require.True(t, changed)

	ca := f.Methods[0].Code
	// Value falls through, so the trailer goes back to the original flow
	// with a goto rather than an athrow; the original return instruction
	// (at the untouched offset right after the patched call site) survives.
	require.NotContains(t, ca.Code, byte(opAthrow))
	require.Equal(t, byte(opReturn), ca.Code[3])
	require.Contains(t, ca.Code[4:], byte(opGoto))
}

func TestRewriteClassCustomDenySubstitutesDirectCall(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	shim := MethodRef{Owner: shimOwner, Name: "denyExit", Desc: "(I)V", Kind: RefInvokeStatic}
	rules := denyExitRules(t, AtCaller, CustomAction(shim))

	changed, err := RewriteClass(f, "app", rules)
	require.NoError(t, err)
	require.True(t, changed)

	ca := f.Methods[0].Code
	// The original call site is now a goto; the substituted invokestatic
	// lives in the appended trailer, found by scanning past the untouched
	// prefix for the shim's own invokestatic instruction.
	var found bool
	for off := 0; off < len(ca.Code); {
		n, err := instructionLength(ca.Code, off)
		require.NoError(t, err)
		if opcode(ca.Code[off]) == opInvokestat {
			idx := be16(ca.Code[off+1:])
			owner, name, desc, err := f.Pool.FindMemberRef(idx)
			require.NoError(t, err)
			if owner == shimOwner && name == "denyExit" {
				require.Equal(t, "(I)V", desc)
				found = true
			}
		}
		off += n
	}
	require.True(t, found, "expected a substituted invokestatic to shimOwner.denyExit in the rewritten code")
}

func TestRewriteClassCheckedDenyEmitsBranch(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	predicate := MethodRef{Owner: shimOwner, Name: "callerIsTrusted", Desc: "()Z", Kind: RefInvokeStatic}
	action := CheckedAction(predicate, StandardDeny())
	rules := denyExitRules(t, AtCaller, action)

	changed, err := RewriteClass(f, "app", rules)
	require.NoError(t, err)
	require.True(t, changed)

	ca := f.Methods[0].Code
	require.Contains(t, ca.Code, byte(0x9a)) // ifne
	require.Contains(t, ca.Code, byte(opInvokestat))
}

func TestRewriteClassTargetSidePrologueShiftsOffsets(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")
	f, err := NewBytes(data, nil)
	require.NoError(t, err)

	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("app").ForClass("Caller").
		DenyMethod("callIt", StandardDeny(), AtTarget)
	rules, err := b.Build()
	require.NoError(t, err)

	origLen := len(f.Methods[0].Code.Code)
	changed, err := RewriteClass(f, "app", rules)
	require.NoError(t, err)
	require.True(t, changed)

	ca := f.Methods[0].Code
	require.True(t, ca.Dirty)
	require.Greater(t, len(ca.Code), origLen)
	// The prologue always throws for a plain Exception action, so it leads
	// with the allocation sequence rather than falling through.
	require.Equal(t, byte(opNew), ca.Code[0])
}

func TestNeedsTransformMatchesRewriteClassOutcome(t *testing.T) {
	data, _ := buildCallerClass(t, "java/lang/System", "exit", "(I)V")

	allowAll, err := NewRulesBuilder().Build()
	require.NoError(t, err)
	denyRules := denyExitRules(t, AtCaller, StandardDeny())

	for _, rules := range []Rules{allowAll, denyRules} {
		f, err := NewBytes(data, nil)
		require.NoError(t, err)
		needs, err := f.NeedsTransform("app", rules)
		require.NoError(t, err)

		changed, err := RewriteClass(f, "app", rules)
		require.NoError(t, err)
		require.Equal(t, needs, changed)
	}
}
