// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import "github.com/google/uuid"

func newBuildID() string { return uuid.NewString() }

// RulesBuilder is the fluent scoped cursor spec §4.3/§6 describes:
// for_module(m).for_package(p).for_class(c).deny_method(name)... Setting a
// default at an inner scope overrides outer defaults only within that
// scope, since each ruleNode's def is independent of its ancestors' and
// resolution only reads an ancestor's def when no more specific one
// exists (ruletree.go resolveFrom).
type RulesBuilder struct {
	root *ruleNode
}

// NewRulesBuilder starts an empty builder. Every class, by default,
// resolves to Allow until a preset or explicit scope denies it.
func NewRulesBuilder() *RulesBuilder {
	return &RulesBuilder{root: newRuleNode()}
}

// ForModule scopes subsequent calls to rules that apply when the calling
// module is exactly module. Pass AnyModule for rules that apply
// regardless of caller module (the common case; almost all of the §4.6
// policy catalog lives here).
func (b *RulesBuilder) ForModule(module string) *ModuleCursor {
	return &ModuleCursor{b: b, node: b.root.child(module)}
}

// A RulesApplier is a declarative preset — component E's policy catalog
// entries implement this to apply a batch of rules to a shared builder,
// spec §6 "Apply a preset: applier.apply_rules_to(builder)".
type RulesApplier interface {
	ApplyRulesTo(b *RulesBuilder)
}

// Apply runs preset against b and returns b, so presets compose:
// b.Apply(filesystemPolicy{}).Apply(networkPolicy{}).Build().
func (b *RulesBuilder) Apply(preset RulesApplier) *RulesBuilder {
	preset.ApplyRulesTo(b)
	return b
}

// Build validates every configured deny action (spec §4.3: raised during
// build(), not at transform time) and produces an immutable Rules value.
func (b *RulesBuilder) Build() (Rules, error) {
	if err := validateNode(b.root); err != nil {
		return nil, err
	}
	return &singleRules{tree: &RuleTree{root: b.root}, buildID: newBuildID()}, nil
}

func validateNode(n *ruleNode) error {
	if n.def != nil && n.def.Kind == KindDeny {
		if err := n.def.Action.validate(); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := validateNode(c); err != nil {
			return err
		}
	}
	return nil
}

// ModuleCursor sets the default rule for an entire caller module and
// descends into a package scope.
type ModuleCursor struct {
	b    *RulesBuilder
	node *ruleNode
}

// Allow sets this module's default to Allow.
func (m *ModuleCursor) Allow() *ModuleCursor {
	d := AllowRule
	m.node.def = &d
	return m
}

// Deny sets this module's default to a Deny rule.
func (m *ModuleCursor) Deny(action *DenyAction, where DenyWhere) *ModuleCursor {
	d := DenyRule(action, where)
	m.node.def = &d
	return m
}

// ForPackage descends into a package scope keyed by its internal name
// (e.g. "java/lang"), spec §3 "package name (\"/\" separator)".
func (m *ModuleCursor) ForPackage(internalName string) *PackageCursor {
	return &PackageCursor{b: m.b, module: m, node: m.node.child(internalName)}
}

// Done returns to the shared RulesBuilder to start another scope.
func (m *ModuleCursor) Done() *RulesBuilder { return m.b }

// PackageCursor sets the default rule for an entire package and descends
// into a class scope.
type PackageCursor struct {
	b      *RulesBuilder
	module *ModuleCursor
	node   *ruleNode
}

func (p *PackageCursor) Allow() *PackageCursor {
	d := AllowRule
	p.node.def = &d
	return p
}

func (p *PackageCursor) Deny(action *DenyAction, where DenyWhere) *PackageCursor {
	d := DenyRule(action, where)
	p.node.def = &d
	return p
}

// ForClass descends into a class scope keyed by simple class name.
func (p *PackageCursor) ForClass(simpleName string) *ClassCursor {
	return &ClassCursor{b: p.b, pkg: p, node: p.node.child(simpleName)}
}

func (p *PackageCursor) Done() *RulesBuilder { return p.b }

// ClassCursor sets the default rule for an entire class and its
// constructors/methods/subtyping.
type ClassCursor struct {
	b    *RulesBuilder
	pkg  *PackageCursor
	node *ruleNode
}

func (c *ClassCursor) Allow() *ClassCursor {
	d := AllowRule
	c.node.def = &d
	return c
}

func (c *ClassCursor) Deny(action *DenyAction, where DenyWhere) *ClassCursor {
	d := DenyRule(action, where)
	c.node.def = &d
	return c
}

// DenySubtyping sets the explicit "all-deny override" from spec §9: a
// denied class with all-denied methods still permits subclassing unless
// this is set.
func (c *ClassCursor) DenySubtyping() *ClassCursor {
	c.node.denySubtyping = true
	return c
}

// DenyAllConstructors denies every constructor with the given action,
// spec §6 ".deny_all_constructors()".
func (c *ClassCursor) DenyAllConstructors(action *DenyAction, where DenyWhere) *ClassCursor {
	ctor := c.node.child(ConstructorMethodName)
	d := DenyRule(action, where)
	ctor.def = &d
	return c
}

// DenyConstructor denies one constructor overload, spec §6
// ".deny_constructor(descriptor)".
func (c *ClassCursor) DenyConstructor(desc string, action *DenyAction, where DenyWhere) *ClassCursor {
	variant := c.node.child(ConstructorMethodName).child(desc)
	d := DenyRule(action, where)
	variant.def = &d
	return c
}

// AllowConstructor allows one constructor overload despite a class- or
// all-constructor-level deny default, spec §6 ".allow_constructor(descriptor)".
func (c *ClassCursor) AllowConstructor(desc string) *ClassCursor {
	variant := c.node.child(ConstructorMethodName).child(desc)
	d := AllowRule
	variant.def = &d
	return c
}

// DenyMethod denies a method by name with the given action and descends
// into a method/variant scope, spec §6 ".deny_method(name)[.with_action(a)]".
func (c *ClassCursor) DenyMethod(name string, action *DenyAction, where DenyWhere) *MethodCursor {
	m := &MethodCursor{b: c.b, cls: c, node: c.node.child(name)}
	d := DenyRule(action, where)
	m.node.def = &d
	return m
}

// AllowMethod allows a method by name (overriding a class-level deny
// default) and descends into a method/variant scope.
func (c *ClassCursor) AllowMethod(name string) *MethodCursor {
	m := &MethodCursor{b: c.b, cls: c, node: c.node.child(name)}
	d := AllowRule
	m.node.def = &d
	return m
}

func (c *ClassCursor) Done() *RulesBuilder { return c.b }

// MethodCursor sets the default rule for a method name and its specific
// parameter-descriptor variants.
type MethodCursor struct {
	b    *RulesBuilder
	cls  *ClassCursor
	node *ruleNode
}

// WithAction replaces the action of this method's current deny default
// in place, spec §6 ".deny_method(name).with_action(a)".
func (m *MethodCursor) WithAction(action *DenyAction) *MethodCursor {
	if m.node.def != nil && m.node.def.Kind == KindDeny {
		updated := DenyRule(action, m.node.def.Where)
		m.node.def = &updated
	}
	return m
}

// AllowVariant allows one specific parameter-descriptor prefix, spec §6
// ".allow_variant(descriptor)".
func (m *MethodCursor) AllowVariant(descriptorPrefix string) *MethodCursor {
	v := m.node.child(descriptorPrefix)
	d := AllowRule
	v.def = &d
	return m
}

// DenyVariant denies one specific parameter-descriptor prefix, spec §6
// ".deny_variant(descriptor)".
func (m *MethodCursor) DenyVariant(descriptorPrefix string, action *DenyAction, where DenyWhere) *MethodCursor {
	v := m.node.child(descriptorPrefix)
	d := DenyRule(action, where)
	v.def = &d
	return m
}

func (m *MethodCursor) Done() *RulesBuilder { return m.b }
