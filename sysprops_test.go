// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func realPropsFixture() map[string]string {
	return map[string]string{
		"java.version":   "21.0.1",
		"os.name":        "Linux",
		"user.home":      "/home/secret",
		"user.name":      "alice",
		"file.separator": "/",
	}
}

func TestFilteredPropertiesOnlyAllowListedVisibleInitially(t *testing.T) {
	p := newFilteredProperties(realPropsFixture())

	v, ok := p.Get("java.version")
	require.True(t, ok)
	require.Equal(t, "21.0.1", v)

	_, ok = p.Get("user.home")
	require.False(t, ok, "non-allow-listed keys must not leak into the filtered view")
}

func TestFilteredPropertiesSetOverridesOwnViewOnly(t *testing.T) {
	p1 := newFilteredProperties(realPropsFixture())
	p2 := newFilteredProperties(realPropsFixture())

	p1.Set("app.secret", "for-module-one")
	_, ok := p1.Get("app.secret")
	require.True(t, ok)

	_, ok = p2.Get("app.secret")
	require.False(t, ok, "a write in one module's view must not be visible in another's")
}

func TestFilteredPropertiesClearRemovesKey(t *testing.T) {
	p := newFilteredProperties(realPropsFixture())
	p.Clear("java.version")
	_, ok := p.Get("java.version")
	require.False(t, ok)
}

func TestFilteredPropertiesSnapshotIsDefensiveCopy(t *testing.T) {
	p := newFilteredProperties(realPropsFixture())
	snap := p.Snapshot()
	snap["java.version"] = "mutated"

	v, ok := p.Get("java.version")
	require.True(t, ok)
	require.Equal(t, "21.0.1", v, "mutating a snapshot must not affect the live view")
}

func TestPropertiesRegistryMaterializesPerModuleOnce(t *testing.T) {
	calls := 0
	registry := NewPropertiesRegistry(func() map[string]string {
		calls++
		return realPropsFixture()
	})

	p1 := registry.ForModule("app.one")
	p2 := registry.ForModule("app.one")
	require.Same(t, p1, p2, "the same module must reuse its materialized view")
	require.Equal(t, 1, calls)

	registry.ForModule("app.two")
	require.Equal(t, 2, calls, "a different module materializes its own view")
}

func TestPropertiesRegistryIsolatesModules(t *testing.T) {
	registry := NewPropertiesRegistry(realPropsFixture)

	appOne := registry.ForModule("app.one")
	appOne.Set("app.flag", "one")

	appTwo := registry.ForModule("app.two")
	_, ok := appTwo.Get("app.flag")
	require.False(t, ok)
}

func TestPropertiesRegistryConcurrentForModuleIsSafe(t *testing.T) {
	registry := NewPropertiesRegistry(realPropsFixture)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.ForModule("app.shared").Set("k", "v")
		}()
	}
	wg.Wait()

	v, ok := registry.ForModule("app.shared").Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}
