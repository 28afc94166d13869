// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/saferwall/boxtin"
	"github.com/spf13/cobra"
)

func newTransformCmd() *cobra.Command {
	var callerModule, outDir string
	var workers int

	cmd := &cobra.Command{
		Use:   "transform <path>",
		Short: "Rewrite class files against a policy catalog",
		Long:  "Walks a .class file or a directory of them and rewrites every call site a policy catalog denies, the same way the agent rewrites classes as the JVM loads them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if callerModule == "" {
				return fmt.Errorf("boxtinctl: --caller is required")
			}
			rules, err := loadRules()
			if err != nil {
				return err
			}
			return transformPath(args[0], callerModule, outDir, workers, rules)
		},
	}

	cmd.Flags().StringVar(&callerModule, "caller", "", "module these classes belong to, for caller-side resolution (required)")
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write transformed classes to (defaults to rewriting in place)")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of class files to transform concurrently")

	return cmd
}

// transformPath walks path collecting every .class file reachable from it,
// then fans the work out over a fixed worker pool, the same split the
// teacher uses to dump a directory of binaries: one channel of paths feeding
// N workers, a WaitGroup gating completion.
func transformPath(path, callerModule, outDir string, workers int, rules boxtin.Rules) error {
	files, err := collectClassFiles(path)
	if err != nil {
		return err
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				if err := transformFile(file, callerModule, outDir, rules); err != nil {
					recordErr(fmt.Errorf("%s: %w", file, err))
				}
			}
		}()
	}

	for _, file := range files {
		jobs <- file
	}
	close(jobs)
	wg.Wait()

	return firstErr
}

func collectClassFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !f.IsDir() && filepath.Ext(p) == ".class" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func transformFile(path, callerModule, outDir string, rules boxtin.Rules) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f, err := boxtin.NewBytes(data, nil)
	if err != nil {
		return fmt.Errorf("parsing class file: %w", err)
	}

	changed, err := boxtin.RewriteClass(f, callerModule, rules)
	if err != nil {
		return fmt.Errorf("rewriting: %w", err)
	}
	if !changed {
		return nil
	}

	out, err := f.Redefine()
	if err != nil {
		return fmt.Errorf("serializing: %w", err)
	}

	dest := path
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		dest = filepath.Join(outDir, filepath.Base(path))
	}

	fmt.Printf("transformed %s (%d -> %d bytes)\n", path, len(data), len(out))
	return os.WriteFile(dest, out, 0o644)
}
