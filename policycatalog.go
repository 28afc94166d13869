// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"bytes"
	"encoding/pem"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"go.mozilla.org/pkcs7"
	"golang.org/x/exp/slices"
)

// shimOwner is the internal class name of the non-rewriteable reflection/
// properties runtime component I/J install their fixed-descriptor methods
// on, spec §9 "Emitted helper dispatch: the Custom action's target is a
// MethodHandleInfo-like value."
const shimOwner = "boxtin/runtime/Shim"

func shim(name, desc string) MethodRef {
	return MethodRef{Owner: shimOwner, Name: name, Desc: desc, Kind: RefInvokeStatic}
}

// RulesApplier presets below are table-driven in the style of the teacher's
// file.go funcMaps: a declarative list walked once rather than a chain of
// bespoke if-statements, so adding a category means adding a table row.

// filesystemPolicy denies filesystem construction/factory entry points,
// spec §4.6 "Filesystem".
type filesystemPolicy struct{}

var filesystemDenials = []struct {
	pkg, cls, method, desc string
}{
	{"java/io", "FileInputStream", ConstructorMethodName, ""},
	{"java/io", "FileOutputStream", ConstructorMethodName, ""},
	{"java/io", "RandomAccessFile", ConstructorMethodName, ""},
	{"java/nio/file", "Files", "newInputStream", ""},
	{"java/nio/file", "Files", "newOutputStream", ""},
	{"java/nio/file", "Files", "newByteChannel", ""},
	{"java/nio/file", "Paths", "get", ""},
}

func (filesystemPolicy) ApplyRulesTo(b *RulesBuilder) {
	for _, d := range filesystemDenials {
		applyDenial(b, d.pkg, d.cls, d.method, d.desc, StandardDeny(), AtTarget)
	}
}

// networkPolicy denies socket/URL construction and connection, spec §4.6
// "Network".
type networkPolicy struct{}

var networkDenials = []struct {
	pkg, cls, method, desc string
}{
	{"java/net", "Socket", ConstructorMethodName, ""},
	{"java/net", "ServerSocket", ConstructorMethodName, ""},
	{"java/net", "DatagramSocket", ConstructorMethodName, ""},
	{"java/net", "URL", "openConnection", ""},
	{"java/net", "URL", "openStream", ""},
	{"java/net", "URLConnection", "connect", ""},
}

func (networkPolicy) ApplyRulesTo(b *RulesBuilder) {
	for _, d := range networkDenials {
		applyDenial(b, d.pkg, d.cls, d.method, d.desc, StandardDeny(), AtTarget)
	}
}

// processControlPolicy denies process spawning, exit/halt and shutdown-hook
// registration, spec §4.6 "Process control".
type processControlPolicy struct{}

func (processControlPolicy) ApplyRulesTo(b *RulesBuilder) {
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("ProcessBuilder").
		Deny(StandardDeny(), AtTarget)

	runtime := b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime")
	runtime.DenyMethod("exec", StandardDeny(), AtTarget)
	runtime.DenyMethod("exit", StandardDeny(), AtTarget)
	runtime.DenyMethod("halt", StandardDeny(), AtTarget)
	runtime.DenyMethod("addShutdownHook", StandardDeny(), AtTarget)

	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("System").
		DenyMethod("exit", StandardDeny(), AtTarget)
}

// nativeAccessPredicate is the Checked predicate for native loading, spec
// §4.6 "Native access ... permits named modules that have native access
// enabled." It is a shim method rather than a bytecode-inlined check since
// the decision depends on JVM module metadata this rewriter does not model.
var nativeAccessPredicate = shim("hasNativeAccess", "(Ljava/lang/Module;)Z")

// nativeAccessPolicy denies native library loading unless the caller module
// has native access, gated additionally by a minimum-JDK version
// constraint when one is configured (SPEC_FULL domain-stack extension of
// spec §4.6's plain Checked action).
type nativeAccessPolicy struct {
	MinJDK *semver.Constraints
}

func (p nativeAccessPolicy) ApplyRulesTo(b *RulesBuilder) {
	action := checkedNativeAction(p.MinJDK)
	system := b.ForModule(AnyModule).ForPackage("java/lang").ForClass("System")
	system.DenyMethod("load", action, AtTarget)
	system.DenyMethod("loadLibrary", action, AtTarget)

	runtime := b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Runtime")
	runtime.DenyMethod("load", action, AtTarget)
	runtime.DenyMethod("loadLibrary", action, AtTarget)
}

func checkedNativeAction(constraint *semver.Constraints) *DenyAction {
	if constraint == nil {
		return CheckedAction(nativeAccessPredicate, StandardDeny())
	}
	return CheckedActionWithVersion(nativeAccessPredicate, StandardDeny(), constraint)
}

// reflectionPolicy routes reflective lookups through the shim and denies
// accessibility overrides, spec §4.6 "Reflection".
type reflectionPolicy struct{}

var (
	sameModulePredicate = shim("callerSharesModule", "(Ljava/lang/Class;)Z")
)

func (reflectionPolicy) ApplyRulesTo(b *RulesBuilder) {
	for _, m := range []string{"getMethod", "getMethods", "getDeclaredMethod", "getDeclaredMethods"} {
		b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Class").
			DenyMethod(m, CustomAction(shim("filter"+ucFirst(m), reflectiveShimDescriptor(m))), AtCaller)
	}
	lookup := b.ForModule(AnyModule).ForPackage("java/lang/invoke").ForClass("MethodHandles$Lookup")
	lookup.DenyMethod("findStatic", CustomAction(shim("filterFindStatic", "(Ljava/lang/invoke/MethodHandles$Lookup;Ljava/lang/Class;Ljava/lang/String;Ljava/lang/invoke/MethodType;)Ljava/lang/invoke/MethodHandle;")), AtCaller)
	lookup.DenyMethod("findVirtual", CustomAction(shim("filterFindVirtual", "(Ljava/lang/invoke/MethodHandles$Lookup;Ljava/lang/Class;Ljava/lang/String;Ljava/lang/invoke/MethodType;)Ljava/lang/invoke/MethodHandle;")), AtCaller)

	accessible := b.ForModule(AnyModule).ForPackage("java/lang/reflect").ForClass("AccessibleObject")
	accessible.DenyMethod("setAccessible", CheckedAction(sameModulePredicate, StandardDeny()), AtTarget)
	accessible.DenyMethod("trySetAccessible", ValueAction(BoolConst(false)), AtTarget)
}

// reflectiveShimDescriptor picks the fixed descriptor the shim for a given
// Class reflective accessor carries, matching the real JDK signature for
// each of the four filtered methods.
func reflectiveShimDescriptor(method string) string {
	switch method {
	case "getMethod", "getDeclaredMethod":
		return "(Ljava/lang/Class;Ljava/lang/String;[Ljava/lang/Class;)Ljava/lang/reflect/Method;"
	default:
		return "(Ljava/lang/Class;)[Ljava/lang/reflect/Method;"
	}
}

func ucFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// resourcesPolicy checked-gates resource lookups to the same loader or
// module, spec §4.6 "Resources".
type resourcesPolicy struct{}

var sameLoaderOrModulePredicate = shim("callerSharesLoaderOrModule", "(Ljava/lang/Object;)Z")

func (resourcesPolicy) ApplyRulesTo(b *RulesBuilder) {
	for _, owner := range []string{"Class", "ClassLoader", "Module"} {
		cls := b.ForModule(AnyModule).ForPackage("java/lang").ForClass(owner)
		cls.DenyMethod("getResource", CheckedAction(sameLoaderOrModulePredicate, StandardDeny()), AtTarget)
		cls.DenyMethod("getResourceAsStream", CheckedAction(sameLoaderOrModulePredicate, StandardDeny()), AtTarget)
	}
}

// systemPropertiesPolicy routes every properties accessor/mutator through
// the filtered-properties shim, spec §4.6/§4.8.
type systemPropertiesPolicy struct{}

func (systemPropertiesPolicy) ApplyRulesTo(b *RulesBuilder) {
	props := []struct{ name, desc, shimName string }{
		{"getProperty", "(Ljava/lang/String;)Ljava/lang/String;", "getProperty"},
		{"getProperty", "(Ljava/lang/String;Ljava/lang/String;)Ljava/lang/String;", "getPropertyDefault"},
		{"getProperties", "()Ljava/util/Properties;", "getProperties"},
		{"setProperty", "(Ljava/lang/String;Ljava/lang/String;)Ljava/lang/String;", "setProperty"},
		{"setProperties", "(Ljava/util/Properties;)V", "setProperties"},
		{"clearProperty", "(Ljava/lang/String;)Ljava/lang/String;", "clearProperty"},
	}
	system := b.ForModule(AnyModule).ForPackage("java/lang").ForClass("System")
	methods := map[string]*MethodCursor{}
	for _, p := range props {
		action := CustomAction(shim(p.shimName, p.desc))
		m, ok := methods[p.name]
		if !ok {
			m = system.DenyMethod(p.name, action, AtCaller)
			methods[p.name] = m
		}
		m.DenyVariant(p.desc, action, AtCaller)
	}
}

// defaultsPolicy forwards Integer.getInteger/Long.getLong-style defaulted
// accessors to custom shims that apply the filtered view, spec §4.6
// "Defaults".
type defaultsPolicy struct{}

func (defaultsPolicy) ApplyRulesTo(b *RulesBuilder) {
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Integer").
		DenyMethod("getInteger", CustomAction(shim("getIntegerProperty", "(Ljava/lang/String;)Ljava/lang/Integer;")), AtCaller)
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Long").
		DenyMethod("getLong", CustomAction(shim("getLongProperty", "(Ljava/lang/String;)Ljava/lang/Long;")), AtCaller)
}

// modulesAndLoadersPolicy denies defining classes with an explicit
// ProtectionDomain, defining modules, altering provider properties and
// closing fork-join pools, spec §4.6 "Modules and loaders".
type modulesAndLoadersPolicy struct{}

var noProtectionDomainPredicate = shim("hasNoProtectionDomain", "(Ljava/security/ProtectionDomain;)Z")

func (modulesAndLoadersPolicy) ApplyRulesTo(b *RulesBuilder) {
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("ClassLoader").
		DenyMethod("defineClass", CheckedAction(noProtectionDomainPredicate, StandardDeny()), AtTarget)
	b.ForModule(AnyModule).ForPackage("java/lang").ForClass("Module").
		Deny(StandardDeny(), AtTarget)
	pool := b.ForModule(AnyModule).ForPackage("java/util/concurrent").ForClass("ForkJoinPool")
	pool.DenyMethod("close", StandardDeny(), AtTarget)
	pool.DenyMethod("shutdown", StandardDeny(), AtTarget)
	pool.DenyMethod("shutdownNow", StandardDeny(), AtTarget)
}

// applyDenial denies one method on exactly one class. Every overload of
// method is denied; a non-empty desc adds a variant entry with the same
// action and does not narrow the denial. method == ConstructorMethodName
// denies every constructor through DenyAllConstructors, and desc is then
// not used.
func applyDenial(b *RulesBuilder, pkg, cls, method, desc string, action *DenyAction, where DenyWhere) {
	classCursor := b.ForModule(AnyModule).ForPackage(pkg).ForClass(cls)
	if method == ConstructorMethodName {
		classCursor.DenyAllConstructors(action, where)
		return
	}
	methodCursor := classCursor.DenyMethod(method, action, where)
	if desc != "" {
		methodCursor.DenyVariant(desc, action, where)
	}
}

// defaultCatalog lists every §4.6 category in application order. Order does
// not affect the resolved rule set (each preset touches disjoint tree
// paths) but does give a stable, readable Apply chain.
func defaultCatalog(minJDK *semver.Constraints) []RulesApplier {
	return []RulesApplier{
		filesystemPolicy{},
		networkPolicy{},
		processControlPolicy{},
		nativeAccessPolicy{MinJDK: minJDK},
		reflectionPolicy{},
		resourcesPolicy{},
		systemPropertiesPolicy{},
		defaultsPolicy{},
		modulesAndLoadersPolicy{},
	}
}

// Default builds the out-of-the-box §4.6 policy catalog with no minimum
// JDK gate on native access.
func Default() (Rules, error) {
	return DefaultWithMinJDK(nil)
}

// DefaultWithMinJDK is Default plus a semantic-version floor on the
// running JDK under which native access is always denied regardless of
// the module's declared native-access-enabled status (SPEC_FULL §4
// "cmd/boxtinctl version ... --min-jdk").
func DefaultWithMinJDK(minJDK *semver.Constraints) (Rules, error) {
	b := NewRulesBuilder()
	for _, preset := range defaultCatalog(minJDK) {
		b.Apply(preset)
	}
	return b.Build()
}

// policyOverlayDocument is the decode target for an operator-supplied TOML
// policy overlay, SPEC_FULL §3 domain-stack "signed policy overlay".
// Overlay entries are additive denials layered on top of Default() via
// MergeRuleSets; an overlay cannot widen a denial the base catalog already
// narrows (deny wins).
type policyOverlayDocument struct {
	Deny []policyOverlayRule `toml:"deny"`
}

type policyOverlayRule struct {
	Module     string `toml:"module"`
	Package    string `toml:"package"`
	Class      string `toml:"class"`
	Method     string `toml:"method"`
	Descriptor string `toml:"descriptor"`
	Exception  string `toml:"exception"`
	Message    string `toml:"message"`
	Where      string `toml:"where"`
}

// LoadOverlay decodes a TOML policy overlay and builds it as its own Rules
// value, ready to be combined with a base catalog via MergeRuleSets. It does
// not consult Default(); callers choose how to combine the two.
func LoadOverlay(r io.Reader) (Rules, error) {
	var doc policyOverlayDocument
	dec := toml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "boxtin: decoding policy overlay")
	}

	b := NewRulesBuilder()
	for _, rule := range doc.Deny {
		module := rule.Module
		if module == "" {
			module = AnyModule
		}
		where := AtTarget
		if rule.Where == "caller" {
			where = AtCaller
		}
		var msg *string
		if rule.Message != "" {
			msg = &rule.Message
		}
		exClass := rule.Exception
		if exClass == "" {
			exClass = DefaultSecurityException
		}
		action := ExceptionAction(exClass, msg)

		cls := b.ForModule(module).ForPackage(rule.Package).ForClass(rule.Class)
		switch {
		case rule.Method == "":
			cls.Deny(action, where)
		case rule.Descriptor == "":
			cls.DenyMethod(rule.Method, action, where)
		default:
			cls.DenyMethod(rule.Method, action, where).DenyVariant(rule.Descriptor, action, where)
		}
	}
	return b.Build()
}

// LoadSignedOverlay verifies a detached PKCS#7 signature over the overlay
// document before decoding it, so a policy file delivered alongside a
// deployment artifact cannot be tampered with in transit — the JVM-agent
// analogue of the teacher's Authenticode verification in security.go. trust
// is the set of PEM-encoded certificates accepted as signers.
func LoadSignedOverlay(overlayPath, signaturePath string, trust [][]byte) (Rules, error) {
	overlay, err := os.ReadFile(overlayPath)
	if err != nil {
		return nil, errors.Wrap(err, "boxtin: reading policy overlay")
	}
	sig, err := os.ReadFile(signaturePath)
	if err != nil {
		return nil, errors.Wrap(err, "boxtin: reading policy overlay signature")
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, errors.Wrap(err, "boxtin: parsing policy overlay signature")
	}
	p7.Content = overlay

	if len(trust) > 0 && !signerTrusted(p7, trust) {
		return nil, errors.New("boxtin: policy overlay signer not in trust set")
	}
	if err := p7.Verify(); err != nil {
		return nil, errors.Wrap(err, "boxtin: policy overlay signature verification failed")
	}

	return LoadOverlay(bytes.NewReader(overlay))
}

func signerTrusted(p7 *pkcs7.PKCS7, trust [][]byte) bool {
	for _, cert := range p7.Certificates {
		for _, pemBytes := range trust {
			block, _ := pem.Decode(pemBytes)
			if block != nil && slices.Equal(cert.Raw, block.Bytes) {
				return true
			}
		}
	}
	return false
}

