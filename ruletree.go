// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// AnyModule is the wildcard caller-module key: rules registered under it
// apply to every caller module that has no more specific module branch of
// its own. Almost all of the §4.6 policy catalog is registered here.
const AnyModule = ""

// ruleNode is one level of the module → package → class → method →
// variant lookup tree, spec §3 "Rule tree". Each node's def is both "this
// node's own explicit setting" and "the default inherited by descendants
// that lack a setting of their own" — the same field serves both roles,
// matching the spec's description of default inheritance.
type ruleNode struct {
	def           *Rule
	children      map[string]*ruleNode
	denySubtyping bool // meaningful only on class-level nodes
}

func newRuleNode() *ruleNode {
	return &ruleNode{children: make(map[string]*ruleNode)}
}

func (n *ruleNode) child(key string) *ruleNode {
	c, ok := n.children[key]
	if !ok {
		c = newRuleNode()
		n.children[key] = c
	}
	return c
}

// findVariant returns the child whose key is the longest registered
// prefix of desc, per spec §3 "parameter descriptor prefix", or nil if no
// registered variant key is a prefix of desc.
func (n *ruleNode) findVariant(desc string) *ruleNode {
	var bestKey string
	var best *ruleNode
	for k, v := range n.children {
		if strings.HasPrefix(desc, k) && len(k) >= len(bestKey) {
			bestKey, best = k, v
		}
	}
	return best
}

// RuleTree is the resolution structure behind a built Rules value.
type RuleTree struct {
	root *ruleNode
}

// resolveFrom walks the tree from the given module's subtree (falling
// back to AnyModule if that specific module has no subtree at all) down
// through package, class, method and variant, returning the most specific
// rule found along the way. Resolution is deterministic: the same inputs
// against the same tree always produce the same Rule (spec §8 "cache
// determinism").
func (t *RuleTree) resolveFrom(module, pkg, cls, name, desc string) (Rule, []string) {
	eff := AllowRule
	path := []string{"root(allow)"}
	node := t.root
	if node.def != nil {
		eff = *node.def
		path = []string{"root"}
	}

	moduleNode, ok := node.children[module]
	if !ok {
		moduleNode, ok = node.children[AnyModule]
	}
	if !ok {
		return eff, path
	}
	node = moduleNode
	if node.def != nil {
		eff = *node.def
		path = append(path, "module")
	}

	if pkgNode, ok := node.children[pkg]; ok {
		node = pkgNode
		if node.def != nil {
			eff = *node.def
			path = append(path, "package")
		}
		if clsNode, ok := node.children[cls]; ok {
			node = clsNode
			if node.def != nil {
				eff = *node.def
				path = append(path, "class")
			}
			if methodNode, ok := node.children[name]; ok {
				node = methodNode
				if node.def != nil {
					eff = *node.def
					path = append(path, "method")
				}
				if variant := node.findVariant(desc); variant != nil && variant.def != nil {
					eff = *variant.def
					path = append(path, "variant")
				}
			}
		}
	}
	return eff, path
}

// subtypingAllowed reports whether a class with an all-denied method set
// may still be subclassed, spec §9 "we require a denied class with all-
// denied methods to still permit subclassing unless an explicit all-deny
// override is set." Returns true (allowed) whenever no class node exists
// or none explicitly denied it.
func (t *RuleTree) subtypingAllowed(module, pkg, cls string) bool {
	node := t.root
	moduleNode, ok := node.children[module]
	if !ok {
		moduleNode, ok = node.children[AnyModule]
	}
	if !ok {
		return true
	}
	pkgNode, ok := moduleNode.children[pkg]
	if !ok {
		return true
	}
	clsNode, ok := pkgNode.children[cls]
	if !ok {
		return true
	}
	return !clsNode.denySubtyping
}

// allModules returns every module key registered anywhere at the root,
// including AnyModule, in a stable (sorted) order.
func (t *RuleTree) allModules() []string {
	mods := maps.Keys(t.root.children)
	sort.Strings(mods)
	return mods
}

// --- Rules / ClassRules: the resolver contract, spec §4.2/§4.3 ---

// Explanation documents which scope contributed the effective rule,
// exposed for the boxtinctl "explain" diagnostic (SPEC_FULL §10).
type Explanation struct {
	Rule Rule
	Path []string
}

// ClassRules is the per-(module,pkg,class) view spec §4.2 calls `forClass`.
type ClassRules interface {
	// RuleFor resolves the rule for invoking the named method/descriptor
	// on this class.
	RuleFor(name, desc string) Rule
	// Explain is RuleFor plus the matched scope path, for diagnostics.
	Explain(name, desc string) Explanation
}

// Rules is the resolver contract: a caller-side projection keyed by an
// explicit caller module, and a target-side projection that must hold
// regardless of which module calls (spec §4.3 "deny wins" merge).
type Rules interface {
	// ForClass returns the caller-side view: rules as seen by code in
	// callerModule invoking members of pkg.cls.
	ForClass(callerModule, pkg, cls string) ClassRules
	// TargetRuleFor returns the target-side view: the rule this class's
	// own method must enforce at its prologue, covering every possible
	// caller module per spec §4.3's merge law.
	TargetRuleFor(pkg, cls, name, desc string) Rule
	// SubtypingAllowed reports whether pkg.cls may still be subclassed.
	SubtypingAllowed(pkg, cls string) bool
	// BuildID identifies this immutable snapshot for logs/diagnostics.
	BuildID() string
}

type singleRules struct {
	tree    *RuleTree
	buildID string
}

func (s *singleRules) ForClass(callerModule, pkg, cls string) ClassRules {
	return &singleClassRules{tree: s.tree, module: callerModule, pkg: pkg, cls: cls}
}

func (s *singleRules) TargetRuleFor(pkg, cls, name, desc string) Rule {
	r, _ := s.targetRuleForExplain(pkg, cls, name, desc)
	return r
}

func (s *singleRules) targetRuleForExplain(pkg, cls, name, desc string) (Rule, bool) {
	merged := AllowRule
	anyChecked := false
	for _, mod := range s.tree.allModules() {
		r, _ := s.tree.resolveFrom(mod, pkg, cls, name, desc)
		if r.Kind == KindDeny && r.Action != nil && r.Action.Tag == ActionChecked {
			anyChecked = true
		}
		merged = mergeTwoRules(merged, r)
	}
	return merged, anyChecked
}

func (s *singleRules) SubtypingAllowed(pkg, cls string) bool {
	for _, mod := range s.tree.allModules() {
		if !s.tree.subtypingAllowed(mod, pkg, cls) {
			return false
		}
	}
	return true
}

func (s *singleRules) BuildID() string { return s.buildID }

type singleClassRules struct {
	tree   *RuleTree
	module string
	pkg    string
	cls    string
}

func (c *singleClassRules) RuleFor(name, desc string) Rule {
	r, _ := c.tree.resolveFrom(c.module, c.pkg, c.cls, name, desc)
	return r.forConstructorIfNeeded(name)
}

func (c *singleClassRules) Explain(name, desc string) Explanation {
	r, path := c.tree.resolveFrom(c.module, c.pkg, c.cls, name, desc)
	return Explanation{Rule: r.forConstructorIfNeeded(name), Path: path}
}

// forConstructorIfNeeded applies the constructor degradation rule, spec §3.
func (r Rule) forConstructorIfNeeded(methodName string) Rule {
	if methodName != ConstructorMethodName || r.Kind == KindAllow {
		return r
	}
	degraded := r
	degraded.Action = r.Action.forConstructor()
	return degraded
}

// mergeTwoRules implements spec §4.3's merge law: Allow iff every source
// Allow; otherwise a target-denial whose action is the single common
// action if all deniers agree, else dynamic(), wrapped as "checked" if
// any source had a checked action. Allow is the identity element (merging
// with the all-allow set is identity, spec §8 "Merge laws").
func mergeTwoRules(a, b Rule) Rule {
	if a.Kind == KindAllow {
		return b
	}
	if b.Kind == KindAllow {
		return a
	}
	if a.Where == b.Where && denyActionsEqual(a.Action, b.Action) {
		return a
	}
	checked := isCheckedAction(a.Action) || isCheckedAction(b.Action)
	return DenyRule(&DenyAction{Tag: ActionDynamic, DynamicChecked: checked}, AtTarget)
}

func isCheckedAction(a *DenyAction) bool {
	return a != nil && a.Tag == ActionChecked
}

// denyActionsEqual compares two deny actions for the "all deniers agree"
// test in the merge law. Version constraints compare by their original
// string form since *semver.Constraints has no usable equality operator.
func denyActionsEqual(a, b *DenyAction) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Tag != b.Tag {
		return false
	}
	switch a.Tag {
	case ActionException:
		if a.ExceptionClass != b.ExceptionClass {
			return false
		}
		switch {
		case a.ExceptionMessage == nil && b.ExceptionMessage == nil:
			return true
		case a.ExceptionMessage == nil || b.ExceptionMessage == nil:
			return false
		default:
			return *a.ExceptionMessage == *b.ExceptionMessage
		}
	case ActionValue:
		return a.Value == b.Value
	case ActionEmpty:
		return true
	case ActionCustom:
		return a.Custom == b.Custom
	case ActionChecked:
		if a.Predicate != b.Predicate {
			return false
		}
		if (a.VersionConstraint == nil) != (b.VersionConstraint == nil) {
			return false
		}
		if a.VersionConstraint != nil && a.VersionConstraint.String() != b.VersionConstraint.String() {
			return false
		}
		return denyActionsEqual(a.Inner, b.Inner)
	case ActionDynamic:
		return a.DynamicChecked == b.DynamicChecked
	case ActionMulti:
		if len(a.ByClass) != len(b.ByClass) {
			return false
		}
		for k, v := range a.ByClass {
			ov, ok := b.ByClass[k]
			if !ok || v.Kind != ov.Kind || v.Where != ov.Where || !denyActionsEqual(v.Action, ov.Action) {
				return false
			}
		}
		return true
	}
	return false
}

// MergeRuleSets folds multiple built Rules snapshots into one, applying
// mergeTwoRules pairwise over every (module, pkg, class, method, variant)
// path either side ever set explicitly. Used to combine the default
// policy catalog with a TOML overlay (SPEC_FULL §3 DOMAIN STACK). Merging
// is commutative and associative up to "deny wins" (spec §8), and merging
// with an all-Allow Rules is identity.
func MergeRuleSets(sets ...Rules) Rules {
	trees := make([]*RuleTree, 0, len(sets))
	for _, s := range sets {
		if sr, ok := s.(*singleRules); ok {
			trees = append(trees, sr.tree)
		}
	}
	merged := newRuleNode()
	for _, t := range trees {
		mergeTreeInto(merged, t.root)
	}
	return &singleRules{tree: &RuleTree{root: merged}, buildID: newBuildID()}
}

func mergeTreeInto(dst, src *ruleNode) {
	if src.def != nil {
		if dst.def == nil {
			d := *src.def
			dst.def = &d
		} else {
			merged := mergeTwoRules(*dst.def, *src.def)
			dst.def = &merged
		}
	}
	if src.denySubtyping {
		dst.denySubtyping = true
	}
	for k, srcChild := range src.children {
		mergeTreeInto(dst.child(k), srcChild)
	}
}
