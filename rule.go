// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// RuleKind distinguishes Allow from Deny, spec §3 "Rule. One of: Allow;
// Deny(action, where)".
type RuleKind uint8

const (
	KindAllow RuleKind = iota
	KindDeny
)

// DenyWhere is where enforcement bytecode for a Deny rule is injected:
// into the calling site (caller) or into the target method's own
// prologue (target).
type DenyWhere uint8

const (
	AtCaller DenyWhere = iota
	AtTarget
)

func (w DenyWhere) String() string {
	if w == AtCaller {
		return "caller"
	}
	return "target"
}

// Rule is pure, immutable data returned by rule resolution; callers never
// mutate a resolved Rule (spec §4.3).
type Rule struct {
	Kind   RuleKind
	Action *DenyAction // nil iff Kind == KindAllow
	Where  DenyWhere
}

// AllowRule is the singleton Allow value.
var AllowRule = Rule{Kind: KindAllow}

// DenyRule builds a Deny rule with the given action and injection point.
func DenyRule(action *DenyAction, where DenyWhere) Rule {
	return Rule{Kind: KindDeny, Action: action, Where: where}
}

// IsAllow reports whether r resolves to Allow.
func (r Rule) IsAllow() bool { return r.Kind == KindAllow }

// ConstKind enumerates the literal kinds a Value deny action may return,
// spec §3 "DenyAction ... Value(const) where const in {null, bool, char,
// byte, short, int, long, float, double, string}".
type ConstKind uint8

const (
	ConstNull ConstKind = iota
	ConstBool
	ConstChar
	ConstByte
	ConstShort
	ConstInt
	ConstLong
	ConstFloat
	ConstDouble
	ConstString
)

// Const is a tagged literal value usable as a Value deny action's
// substitute return value.
type Const struct {
	Kind   ConstKind
	Bool   bool
	Char   uint16
	Int    int64   // holds Byte, Short, Int and Long
	Float  float64 // holds Float and Double
	String string
}

func NullConst() Const               { return Const{Kind: ConstNull} }
func BoolConst(v bool) Const         { return Const{Kind: ConstBool, Bool: v} }
func CharConst(v uint16) Const       { return Const{Kind: ConstChar, Char: v} }
func ByteConst(v int8) Const         { return Const{Kind: ConstByte, Int: int64(v)} }
func ShortConst(v int16) Const       { return Const{Kind: ConstShort, Int: int64(v)} }
func IntConst(v int32) Const         { return Const{Kind: ConstInt, Int: int64(v)} }
func LongConst(v int64) Const        { return Const{Kind: ConstLong, Int: v} }
func FloatConst(v float32) Const     { return Const{Kind: ConstFloat, Float: float64(v)} }
func DoubleConst(v float64) Const    { return Const{Kind: ConstDouble, Float: v} }
func StringConst(v string) Const     { return Const{Kind: ConstString, String: v} }

// MethodRef is the quadruple (owner class, name, descriptor, kind)
// identifying an emitted helper dispatch target, spec §9 "Emitted helper
// dispatch". Kind is one of the Ref* method-handle kinds (constantpool.go);
// the rewriter calls every Custom and predicate target with invokestatic,
// whatever Kind holds.
type MethodRef struct {
	Owner string
	Name  string
	Desc  string
	Kind  uint8
}

// DenyActionTag discriminates the DenyAction sum type, spec §3.
type DenyActionTag uint8

const (
	ActionException DenyActionTag = iota
	ActionValue
	ActionEmpty
	ActionCustom
	ActionChecked
	ActionMulti
	// ActionDynamic is produced only by merging conflicting target-side
	// denials (ruletree.go mergeTwoRules); it is never constructed by a
	// RulesBuilder directly. It means "resolve against the real caller
	// module at the invocation site", spec §4.3.
	ActionDynamic
)

// DenyAction is a closed (sealed-hierarchy) tagged variant, per design note
// §9 "implement as a tagged variant (sum type) with a validate operation
// and an emit-contract recorded per variant. No open extension." Only one
// of the fields named after Tag is meaningful for any given value.
type DenyAction struct {
	Tag DenyActionTag

	// ActionException
	ExceptionClass   string
	ExceptionMessage *string

	// ActionValue
	Value Const

	// ActionCustom
	Custom MethodRef

	// ActionChecked
	Predicate         MethodRef
	Inner             *DenyAction
	VersionConstraint *semver.Constraints

	// ActionMulti
	ByClass map[string]*Rule

	// ActionDynamic
	DynamicChecked bool
}

// ExceptionAction builds a plain Exception(class, message) deny action.
func ExceptionAction(class string, message *string) *DenyAction {
	return &DenyAction{Tag: ActionException, ExceptionClass: class, ExceptionMessage: message}
}

// DefaultSecurityException is the class thrown when no exception class is
// configured, spec §7 "SecurityViolation ... default a generic security
// exception, no message".
const DefaultSecurityException = "java/lang/SecurityException"

// StandardDeny is Exception(SecurityException) with no message, the
// action used throughout the §4.6 policy catalog wherever "Exception" is
// listed without qualification.
func StandardDeny() *DenyAction {
	return ExceptionAction(DefaultSecurityException, nil)
}

// ValueAction builds a Value(const) deny action.
func ValueAction(c Const) *DenyAction {
	return &DenyAction{Tag: ActionValue, Value: c}
}

// EmptyAction builds an Empty deny action (returns an empty container of
// the method's declared return type).
func EmptyAction() *DenyAction {
	return &DenyAction{Tag: ActionEmpty}
}

// CustomAction builds a Custom(methodref) deny action.
func CustomAction(target MethodRef) *DenyAction {
	return &DenyAction{Tag: ActionCustom, Custom: target}
}

// CheckedAction builds a Checked(predicate, inner) deny action. validate()
// (called from RulesBuilder.Build, spec §4.3) rejects inner actions that
// are themselves Checked.
func CheckedAction(predicate MethodRef, inner *DenyAction) *DenyAction {
	return &DenyAction{Tag: ActionChecked, Predicate: predicate, Inner: inner}
}

// CheckedActionWithVersion is CheckedAction plus a semantic-version range
// gate on the caller module's declared version (SPEC_FULL domain-stack
// extension; additive over spec.md's Checked).
func CheckedActionWithVersion(predicate MethodRef, inner *DenyAction, constraint *semver.Constraints) *DenyAction {
	a := CheckedAction(predicate, inner)
	a.VersionConstraint = constraint
	return a
}

// MultiAction builds a Multi(map) deny action for ambiguous dispatch,
// spec §3/§4.3: used when a static receiver type is a supertype of
// multiple classes each carrying its own denial.
func MultiAction(byClass map[string]*Rule) *DenyAction {
	return &DenyAction{Tag: ActionMulti, ByClass: byClass}
}

// validate enforces the DenyAction invariants from spec §3: Checked.inner
// is never itself Checked, a Checked predicate's descriptor returns
// boolean, and Multi's entries may not themselves be
// Multi (ambiguity is resolved once, not recursively).
func (a *DenyAction) validate() error {
	if a == nil {
		return nil
	}
	switch a.Tag {
	case ActionChecked:
		if a.Inner == nil {
			return ruleMisconfiguration("Checked deny action missing inner action")
		}
		if a.Inner.Tag == ActionChecked {
			return ruleMisconfiguration("Checked deny action may not wrap another Checked action")
		}
		if !strings.HasSuffix(a.Predicate.Desc, ")Z") {
			return ruleMisconfiguration("Checked deny action predicate %s.%s%s does not return boolean",
				a.Predicate.Owner, a.Predicate.Name, a.Predicate.Desc)
		}
		return a.Inner.validate()
	case ActionMulti:
		for class, r := range a.ByClass {
			if r.Kind == KindDeny && r.Action != nil && r.Action.Tag == ActionMulti {
				return ruleMisconfiguration("Multi deny action entry for %s may not itself be Multi", class)
			}
		}
	}
	return nil
}

// forConstructor degrades Value/Empty actions to Exception(SecurityException)
// for constructors, spec §3 "Empty and Value have no effect on
// constructors and degrade to Exception(SecurityException) there."
func (a *DenyAction) forConstructor() *DenyAction {
	if a == nil {
		return nil
	}
	switch a.Tag {
	case ActionValue, ActionEmpty:
		return StandardDeny()
	case ActionChecked:
		degraded := *a
		degraded.Inner = a.Inner.forConstructor()
		return &degraded
	default:
		return a
	}
}

// ConstructorMethodName is the synthetic method name constructors are
// keyed under in the rule tree, spec §3 "Constructors are keyed under a
// dedicated synthetic method name."
const ConstructorMethodName = "<init>"
