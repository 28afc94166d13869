// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

func TestDefaultDeniesSystemExit(t *testing.T) {
	rules, err := Default()
	require.NoError(t, err)

	cr := rules.ForClass("app", "java/lang", "System")
	r := cr.RuleFor("exit", "(I)V")
	require.False(t, r.IsAllow())
	require.Equal(t, ActionException, r.Action.Tag)
	require.Equal(t, DefaultSecurityException, r.Action.ExceptionClass)
}

func TestDefaultRoutesGetPropertyThroughShim(t *testing.T) {
	rules, err := Default()
	require.NoError(t, err)

	cr := rules.ForClass("app", "java/lang", "System")
	r := cr.RuleFor("getProperty", "(Ljava/lang/String;)Ljava/lang/String;")
	require.False(t, r.IsAllow())
	require.Equal(t, ActionCustom, r.Action.Tag)
	require.Equal(t, "getProperty", r.Action.Custom.Name)

	withDefault := cr.RuleFor("getProperty", "(Ljava/lang/String;Ljava/lang/String;)Ljava/lang/String;")
	require.Equal(t, "getPropertyDefault", withDefault.Action.Custom.Name)
}

func TestDefaultChecksNativeAccessWithVersionGate(t *testing.T) {
	constraint, err := semver.NewConstraint(">= 17.0.0")
	require.NoError(t, err)
	rules, err := DefaultWithMinJDK(constraint)
	require.NoError(t, err)

	cr := rules.ForClass("app", "java/lang", "System")
	r := cr.RuleFor("loadLibrary", "(Ljava/lang/String;)V")
	require.False(t, r.IsAllow())
	require.Equal(t, ActionChecked, r.Action.Tag)
	require.NotNil(t, r.Action.VersionConstraint)
}

func TestDefaultAllowsUndeniedMembers(t *testing.T) {
	rules, err := Default()
	require.NoError(t, err)

	cr := rules.ForClass("app", "java/lang", "System")
	require.True(t, cr.RuleFor("currentTimeMillis", "()J").IsAllow())
	require.True(t, cr.RuleFor("arraycopy", "(Ljava/lang/Object;ILjava/lang/Object;II)V").IsAllow())
}

func TestLoadOverlayDeniesConfiguredMethod(t *testing.T) {
	doc := `
[[deny]]
package = "com/example"
class = "Thing"
method = "doDangerousStuff"
exception = "java/lang/IllegalStateException"
message = "blocked by overlay"
where = "caller"
`
	rules, err := LoadOverlay(strings.NewReader(doc))
	require.NoError(t, err)

	cr := rules.ForClass("app", "com/example", "Thing")
	r := cr.RuleFor("doDangerousStuff", "()V")
	require.False(t, r.IsAllow())
	require.Equal(t, "java/lang/IllegalStateException", r.Action.ExceptionClass)
	require.Equal(t, "blocked by overlay", *r.Action.ExceptionMessage)
}

func TestMergeOverlayWithDefaultKeepsBaseDenials(t *testing.T) {
	base, err := Default()
	require.NoError(t, err)
	overlay, err := LoadOverlay(strings.NewReader(`
[[deny]]
package = "com/example"
class = "Thing"
method = "doDangerousStuff"
`))
	require.NoError(t, err)

	merged := MergeRuleSets(base, overlay)
	require.False(t, merged.ForClass("app", "java/lang", "System").RuleFor("exit", "(I)V").IsAllow())
	require.False(t, merged.ForClass("app", "com/example", "Thing").RuleFor("doDangerousStuff", "()V").IsAllow())
}
