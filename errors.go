// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Errors returned while reading and parsing a class file. These mirror
// §7's "ClassFormat" category: malformed input, unexpected constant tags,
// truncated attributes, unknown bytecode.
var (
	// ErrOutsideBoundary is returned whenever a read would run past the end
	// of the class file buffer.
	ErrOutsideBoundary = errors.New("boxtin: read outside class file boundary")

	// ErrInvalidMagic is returned when the leading four bytes are not
	// 0xCAFEBABE.
	ErrInvalidMagic = errors.New("boxtin: not a class file, bad magic")

	// ErrTruncatedClassFile is returned when the file ends before a
	// structure it declared (e.g. a method count) is fully present.
	ErrTruncatedClassFile = errors.New("boxtin: truncated class file")

	// ErrBadConstantTag is returned when a constant pool entry carries a
	// tag byte this reader does not recognize.
	ErrBadConstantTag = errors.New("boxtin: unrecognized constant pool tag")

	// ErrBadConstantIndex is returned when a constant pool index is zero,
	// out of range, or points at the second slot of a wide (long/double)
	// entry.
	ErrBadConstantIndex = errors.New("boxtin: invalid constant pool index")

	// ErrUnknownOpcode is returned when the code rewriter encounters a
	// byte that is not a defined JVM opcode.
	ErrUnknownOpcode = errors.New("boxtin: unrecognized opcode")

	// ErrPoolClosed is the panic value of any Add* method called after
	// Write has begun serializing the pool.
	ErrPoolClosed = errors.New("boxtin: constant pool already finalized")
)

// ClassFormatError wraps a parse failure with a hint about whether the
// caller may reasonably fall back to the original, untransformed bytes.
type ClassFormatError struct {
	Err       error
	Class     string
	Ignorable bool
}

func (e *ClassFormatError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("boxtin: class format error: %v", e.Err)
	}
	return fmt.Sprintf("boxtin: class format error in %s: %v", e.Class, e.Err)
}

func (e *ClassFormatError) Unwrap() error { return e.Err }

func classFormatError(class string, ignorable bool, err error) error {
	return &ClassFormatError{Err: err, Class: class, Ignorable: ignorable}
}

// RuleMisconfigurationError is raised only from RulesBuilder.Build(): a
// Checked action has no inner action, wraps another Checked action, or
// names a predicate whose descriptor does not return boolean, or a Multi
// entry is itself Multi. Build does not resolve deny-action targets, so an
// unresolvable target class or method is not reported.
type RuleMisconfigurationError struct {
	cause error
}

func (e *RuleMisconfigurationError) Error() string {
	return "boxtin: rule misconfiguration: " + e.cause.Error()
}

func (e *RuleMisconfigurationError) Unwrap() error { return e.cause }

func ruleMisconfiguration(format string, args ...any) error {
	return &RuleMisconfigurationError{cause: pkgerrors.WithStack(fmt.Errorf(format, args...))}
}

// InternalError marks an assertion failure inside the rewriter: a
// condition the emission invariants (spec §4.5) guarantee can never hold,
// held anyway. These are fatal to the transform of the single class that
// triggered them; they carry a stack trace for postmortem.
type InternalError struct {
	cause error
}

func (e *InternalError) Error() string {
	return "boxtin: internal error: " + e.cause.Error()
}

func (e *InternalError) Unwrap() error { return e.cause }

func internalError(format string, args ...any) error {
	return &InternalError{cause: pkgerrors.WithStack(fmt.Errorf(format, args...))}
}
