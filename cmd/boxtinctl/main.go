// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command boxtinctl is the operator-facing companion to the boxtin agent:
// it explains what a rule catalog would do to a given call site and can
// rewrite class files on disk the same way the agent rewrites them in a
// running JVM, without needing to attach to one.
package main

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/saferwall/boxtin"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	overlay    string
	sigPath    string
	trustPaths []string
	minJDK     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boxtinctl",
		Short: "Inspect and apply boxtin deny policies",
		Long:  "boxtinctl explains rule resolution and rewrites class files against a boxtin policy catalog, offline.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("boxtinctl version 0.1.0")
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&overlay, "overlay", "", "path to a TOML policy overlay, merged on top of the default catalog")
	rootCmd.PersistentFlags().StringVar(&sigPath, "overlay-sig", "", "detached signature for --overlay, required once --trust is set")
	rootCmd.PersistentFlags().StringArrayVar(&trustPaths, "trust", nil, "PEM certificate(s) trusted to sign --overlay (repeatable)")
	rootCmd.PersistentFlags().StringVar(&minJDK, "min-jdk", "", "deny native access unconditionally below this JDK version (semver constraint)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newExplainCmd())
	rootCmd.AddCommand(newTransformCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadRules builds the effective policy catalog for this invocation: the
// default catalog, optionally gated by --min-jdk, merged with --overlay if
// one was given. A signed overlay is required the moment --trust is set.
func loadRules() (boxtin.Rules, error) {
	var base boxtin.Rules
	var err error

	if minJDK != "" {
		constraint, cerr := semver.NewConstraint(minJDK)
		if cerr != nil {
			return nil, fmt.Errorf("boxtinctl: invalid --min-jdk constraint: %w", cerr)
		}
		base, err = boxtin.DefaultWithMinJDK(constraint)
	} else {
		base, err = boxtin.Default()
	}
	if err != nil {
		return nil, err
	}

	if overlay == "" {
		return base, nil
	}

	overlayRules, err := loadOverlayRules()
	if err != nil {
		return nil, err
	}
	return boxtin.MergeRuleSets(base, overlayRules), nil
}

// loadOverlayRules reads --overlay, verifying it against --overlay-sig and
// --trust when either is set.
func loadOverlayRules() (boxtin.Rules, error) {
	if len(trustPaths) > 0 {
		if sigPath == "" {
			return nil, fmt.Errorf("boxtinctl: --trust requires --overlay-sig")
		}
		trust := make([][]byte, 0, len(trustPaths))
		for _, p := range trustPaths {
			pem, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("boxtinctl: reading --trust %s: %w", p, err)
			}
			trust = append(trust, pem)
		}
		return boxtin.LoadSignedOverlay(overlay, sigPath, trust)
	}

	f, err := os.Open(overlay)
	if err != nil {
		return nil, fmt.Errorf("boxtinctl: opening --overlay: %w", err)
	}
	defer f.Close()
	return boxtin.LoadOverlay(f)
}
