// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"fmt"
	"sync"
)

// MethodDescriptor names one candidate member considered by a reflective
// lookup (getMethod, getMethods, getConstructor, ...).
type MethodDescriptor struct {
	Pkg, Class, Name, Desc string
}

// ErrReflectionDenied is returned by the single-result accessor check
// CheckSingleMethod when the rule oracle denies the lookup; a caller-side
// JVM binding translates this into the matching checked exception
// (NoSuchMethodException or NoSuchFieldException), spec §4.7.
// CheckSetAccessible reports a denial as a false result instead.
var ErrReflectionDenied = fmt.Errorf("boxtin: reflective access denied")

// reflectKey is the decision cache key, spec §4.7 "(caller module, target
// class, name, desc) -> bool".
type reflectKey struct {
	callerModule, targetPkg, targetClass, name, desc string
}

// ReflectionOracle backs the reflection shim's decisions: every exported
// method here mirrors one of §4.7's five shim behaviors, each consulting
// the live Rules snapshot and caching the (caller, target, name, desc)
// result.
//
// Spec §4.7 calls for "weak-keyed maps on caller module and target class"
// so cache entries can be collected once a module/class unloads. This
// package keys the cache by plain strings (module/class names), not Go
// object references, so there is nothing for a weak map to key off in the
// first place — a caller module here is an identifier, not a live object
// this process holds a reference to. A plain mutex-guarded map gives the
// same observable behavior (concurrent-safe, idempotent recomputation)
// without pretending to collect entries this process was never going to
// retain objects for; see DESIGN.md.
type ReflectionOracle struct {
	rules Rules

	mu    sync.RWMutex
	cache map[reflectKey]bool
}

// NewReflectionOracle builds an oracle over the given snapshot. A fresh
// oracle should be built whenever the active Rules snapshot changes, since
// cached decisions are only valid for the snapshot they were computed
// against.
func NewReflectionOracle(rules Rules) *ReflectionOracle {
	return &ReflectionOracle{rules: rules, cache: make(map[reflectKey]bool)}
}

func (o *ReflectionOracle) decide(callerModule, targetPkg, targetClass, name, desc string) bool {
	key := reflectKey{callerModule, targetPkg, targetClass, name, desc}

	o.mu.RLock()
	if v, ok := o.cache[key]; ok {
		o.mu.RUnlock()
		return v
	}
	o.mu.RUnlock()

	allowed := o.rules.ForClass(callerModule, targetPkg, targetClass).RuleFor(name, desc).IsAllow()

	// Two racing callers may both miss the cache and both compute this;
	// recomputation is pure and idempotent, so the later write simply
	// overwrites the earlier one with an identical value.
	o.mu.Lock()
	o.cache[key] = allowed
	o.mu.Unlock()
	return allowed
}

// CheckSingleMethod backs getMethod/getConstructor: returns
// ErrReflectionDenied when the caller may not see this member, spec §4.7
// "throws NoSuchMethodException when denied."
func (o *ReflectionOracle) CheckSingleMethod(callerModule string, target MethodDescriptor) error {
	if o.decide(callerModule, target.Pkg, target.Class, target.Name, target.Desc) {
		return nil
	}
	return ErrReflectionDenied
}

// FilterMethods backs getMethods/getDeclaredMethods/getFields/...: denied
// entries are silently dropped rather than raising an error, spec §4.7
// "filters out denied entries without error."
func (o *ReflectionOracle) FilterMethods(callerModule string, candidates []MethodDescriptor) []MethodDescriptor {
	out := candidates[:0:0]
	for _, c := range candidates {
		if o.decide(callerModule, c.Pkg, c.Class, c.Name, c.Desc) {
			out = append(out, c)
		}
	}
	return out
}

// CheckDefineClass backs ClassLoader.defineClass: passes iff no
// ProtectionDomain was supplied, spec §4.7.
func (o *ReflectionOracle) CheckDefineClass(hasProtectionDomain bool) bool {
	return !hasProtectionDomain
}

// CheckForName backs Class.forName(name, initialize, loader): passes iff
// the class would not run static initializers, or the caller's own loader
// is the same loader the lookup targets, spec §4.7.
func (o *ReflectionOracle) CheckForName(initialize bool, callerLoaderID, targetLoaderID string) bool {
	return !initialize || callerLoaderID == targetLoaderID
}

// CheckSetAccessible backs AccessibleObject.setAccessible: passes iff the
// caller and the member's declaring class share a module, spec §4.6
// "setAccessible — Exception with a same-module predicate."
func (o *ReflectionOracle) CheckSetAccessible(callerModule, targetModule string) bool {
	return callerModule == targetModule
}
