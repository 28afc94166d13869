// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuleResolutionMostSpecificWins(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).
		ForPackage("java/lang").
		ForClass("System").
		Deny(StandardDeny(), AtCaller).
		AllowMethod("currentTimeMillis")

	rules, err := b.Build()
	require.NoError(t, err)

	cr := rules.ForClass("app", "java/lang", "System")
	require.True(t, cr.RuleFor("currentTimeMillis", "()J").IsAllow())
	require.False(t, cr.RuleFor("exit", "(I)V").IsAllow())
}

func TestRuleResolutionVariantOverride(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).
		ForPackage("java/io").
		ForClass("FileOutputStream").
		DenyMethod("<init>", StandardDeny(), AtTarget).
		AllowVariant("(Ljava/io/FileDescriptor;)V")

	rules, err := b.Build()
	require.NoError(t, err)
	cr := rules.ForClass("app", "java/io", "FileOutputStream")
	require.False(t, cr.RuleFor("<init>", "(Ljava/lang/String;)V").IsAllow())
	require.True(t, cr.RuleFor("<init>", "(Ljava/io/FileDescriptor;)V").IsAllow())
}

func TestConstructorDegradesValueToException(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).
		ForPackage("java/lang").
		ForClass("Integer").
		DenyConstructor("(I)V", ValueAction(IntConst(0)), AtTarget)

	rules, err := b.Build()
	require.NoError(t, err)
	cr := rules.ForClass("app", "java/lang", "Integer")
	r := cr.RuleFor("<init>", "(I)V")
	require.False(t, r.IsAllow())
	require.Equal(t, ActionException, r.Action.Tag)
	require.Equal(t, DefaultSecurityException, r.Action.ExceptionClass)
}

func TestBuildRejectsCheckedWrappingChecked(t *testing.T) {
	b := NewRulesBuilder()
	inner := CheckedAction(MethodRef{Owner: "boxtin/shim", Name: "p1", Desc: "()Z"}, StandardDeny())
	outer := CheckedAction(MethodRef{Owner: "boxtin/shim", Name: "p2", Desc: "()Z"}, inner)
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", outer, AtCaller)

	_, err := b.Build()
	require.Error(t, err)
	var rme *RuleMisconfigurationError
	require.ErrorAs(t, err, &rme)
}

func TestTargetRuleForMergesAcrossModules(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule("app.one").
		ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", StandardDeny(), AtTarget)
	b.ForModule("app.two").
		ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", ExceptionAction("java/lang/IllegalStateException", nil), AtTarget)

	rules, err := b.Build()
	require.NoError(t, err)

	r := rules.TargetRuleFor("java/lang", "Runtime", "exit", "(I)V")
	require.False(t, r.IsAllow())
	require.Equal(t, ActionDynamic, r.Action.Tag)
}

func TestTargetRuleForAgreesWhenSingleSource(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).
		ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", StandardDeny(), AtTarget)
	rules, err := b.Build()
	require.NoError(t, err)

	r := rules.TargetRuleFor("java/lang", "Runtime", "exit", "(I)V")
	require.False(t, r.IsAllow())
	require.Equal(t, ActionException, r.Action.Tag)
}

func TestSubtypingAllowedByDefault(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/io").ForClass("FileInputStream").
		Deny(StandardDeny(), AtTarget)
	rules, err := b.Build()
	require.NoError(t, err)
	require.True(t, rules.SubtypingAllowed("java/io", "FileInputStream"))

	b2 := NewRulesBuilder()
	b2.ForModule(AnyModule).ForPackage("java/io").ForClass("FileInputStream").
		Deny(StandardDeny(), AtTarget).
		DenySubtyping()
	rules2, err := b2.Build()
	require.NoError(t, err)
	require.False(t, rules2.SubtypingAllowed("java/io", "FileInputStream"))
}

func TestMergeRuleSetsIdentityWithAllAllow(t *testing.T) {
	allowAll, err := NewRulesBuilder().Build()
	require.NoError(t, err)

	denyBuilder := NewRulesBuilder()
	denyBuilder.ForModule(AnyModule).ForPackage("java/lang").ForClass("System").
		DenyMethod("exit", StandardDeny(), AtCaller)
	denyRules, err := denyBuilder.Build()
	require.NoError(t, err)

	merged := MergeRuleSets(allowAll, denyRules)
	cr := merged.ForClass("app", "java/lang", "System")
	require.False(t, cr.RuleFor("exit", "(I)V").IsAllow())

	merged2 := MergeRuleSets(denyRules, allowAll)
	cr2 := merged2.ForClass("app", "java/lang", "System")
	require.False(t, cr2.RuleFor("exit", "(I)V").IsAllow())
}
