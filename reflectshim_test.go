// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReflectionOracleCheckSingleMethodDeniedAndAllowed(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", StandardDeny(), AtCaller)
	rules, err := b.Build()
	require.NoError(t, err)

	oracle := NewReflectionOracle(rules)

	err = oracle.CheckSingleMethod("app", MethodDescriptor{Pkg: "java/lang", Class: "Runtime", Name: "exit", Desc: "(I)V"})
	require.ErrorIs(t, err, ErrReflectionDenied)

	err = oracle.CheckSingleMethod("app", MethodDescriptor{Pkg: "java/lang", Class: "Runtime", Name: "gc", Desc: "()V"})
	require.NoError(t, err)
}

func TestReflectionOracleFilterMethodsDropsDeniedOnly(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", StandardDeny(), AtCaller)
	rules, err := b.Build()
	require.NoError(t, err)

	oracle := NewReflectionOracle(rules)
	candidates := []MethodDescriptor{
		{Pkg: "java/lang", Class: "Runtime", Name: "exit", Desc: "(I)V"},
		{Pkg: "java/lang", Class: "Runtime", Name: "gc", Desc: "()V"},
		{Pkg: "java/lang", Class: "Runtime", Name: "halt", Desc: "(I)V"},
	}

	filtered := oracle.FilterMethods("app", candidates)
	require.Len(t, filtered, 2)
	require.Equal(t, "gc", filtered[0].Name)
	require.Equal(t, "halt", filtered[1].Name)
}

func TestReflectionOracleDecisionCacheIsIdempotent(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", StandardDeny(), AtCaller)
	rules, err := b.Build()
	require.NoError(t, err)

	oracle := NewReflectionOracle(rules)
	target := MethodDescriptor{Pkg: "java/lang", Class: "Runtime", Name: "exit", Desc: "(I)V"}

	first := oracle.CheckSingleMethod("app", target)
	second := oracle.CheckSingleMethod("app", target)
	require.Equal(t, first, second)

	oracle.mu.RLock()
	cached, ok := oracle.cache[reflectKey{"app", "java/lang", "Runtime", "exit", "(I)V"}]
	oracle.mu.RUnlock()
	require.True(t, ok)
	require.False(t, cached)
}

func TestReflectionOracleConcurrentDecisionsAreSafe(t *testing.T) {
	b := NewRulesBuilder()
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime").
		DenyMethod("exit", StandardDeny(), AtCaller)
	rules, err := b.Build()
	require.NoError(t, err)

	oracle := NewReflectionOracle(rules)
	target := MethodDescriptor{Pkg: "java/lang", Class: "Runtime", Name: "exit", Desc: "(I)V"}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = oracle.CheckSingleMethod("app", target)
		}()
	}
	wg.Wait()
}

func TestReflectionOracleCheckDefineClassRequiresNoProtectionDomain(t *testing.T) {
	oracle := NewReflectionOracle(mustAllowAll(t))
	require.True(t, oracle.CheckDefineClass(false))
	require.False(t, oracle.CheckDefineClass(true))
}

func TestReflectionOracleCheckForNameSameLoaderOrNoInit(t *testing.T) {
	oracle := NewReflectionOracle(mustAllowAll(t))
	require.True(t, oracle.CheckForName(false, "loaderA", "loaderB"))
	require.True(t, oracle.CheckForName(true, "loaderA", "loaderA"))
	require.False(t, oracle.CheckForName(true, "loaderA", "loaderB"))
}

func TestReflectionOracleCheckSetAccessibleSameModuleOnly(t *testing.T) {
	oracle := NewReflectionOracle(mustAllowAll(t))
	require.True(t, oracle.CheckSetAccessible("app", "app"))
	require.False(t, oracle.CheckSetAccessible("app", "other"))
}

func mustAllowAll(t *testing.T) Rules {
	t.Helper()
	rules, err := NewRulesBuilder().Build()
	require.NoError(t, err)
	return rules
}
