// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newExplainCmd() *cobra.Command {
	var callerModule, pkg, class, method, desc string

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain which rule scope governs a call site",
		Long:  "Resolves the effective rule for a caller module invoking a method and prints the scope path that produced it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules()
			if err != nil {
				return err
			}

			cr := rules.ForClass(callerModule, pkg, class)
			explanation := cr.Explain(method, desc)

			fmt.Printf("%s.%s#%s%s  (called from %q)\n", pkg, class, method, desc, callerModule)
			if explanation.Rule.IsAllow() {
				fmt.Println("  -> allow")
			} else {
				fmt.Printf("  -> deny (action tag %v, %s)\n", explanation.Rule.Action.Tag, explanation.Rule.Where)
			}
			fmt.Printf("  resolved via: %s\n", strings.Join(explanation.Path, " -> "))
			return nil
		},
	}

	cmd.Flags().StringVar(&callerModule, "caller", "", "calling module name (required)")
	cmd.Flags().StringVar(&pkg, "package", "", "target internal package name, e.g. java/lang (required)")
	cmd.Flags().StringVar(&class, "class", "", "target simple class name, e.g. System (required)")
	cmd.Flags().StringVar(&method, "method", "", "target method name (required)")
	cmd.Flags().StringVar(&desc, "desc", "", "target method descriptor, e.g. (I)V (required)")
	for _, name := range []string{"caller", "package", "class", "method", "desc"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}
