// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

import "sort"

// VerificationTypeTag enumerates the JVMS §4.7.4 verification_type_info
// tags: top, integer, float, long, double, null, uninitializedThis, object
// (class-index) and uninitialized (bytecode offset of the `new` that
// created the not-yet-initialized value).
type VerificationTypeTag uint8

const (
	VerifTop VerificationTypeTag = iota
	VerifInteger
	VerifFloat
	VerifDouble
	VerifLong
	VerifNull
	VerifUninitializedThis
	VerifObject
	VerifUninitialized
)

// VerificationType is one stack or local slot's verification type, spec §3
// "Stack map frame ... each type is one of: top, int, float, long, double,
// null, uninitialized-this, object(class-index), uninitialized(bytecode-
// offset)".
type VerificationType struct {
	Tag          VerificationTypeTag
	ClassIndex   uint16 // meaningful iff Tag == VerifObject
	NewInstrOffs uint16 // meaningful iff Tag == VerifUninitialized
}

func topType() VerificationType              { return VerificationType{Tag: VerifTop} }
func intType() VerificationType               { return VerificationType{Tag: VerifInteger} }
func longType() VerificationType              { return VerificationType{Tag: VerifLong} }
func floatType() VerificationType             { return VerificationType{Tag: VerifFloat} }
func doubleType() VerificationType            { return VerificationType{Tag: VerifDouble} }
func objectType(classIndex uint16) VerificationType {
	return VerificationType{Tag: VerifObject, ClassIndex: classIndex}
}

// wide reports whether this type, when it occupies a local variable or
// stack slot, consumes two slots (long/double), per JVMS §4.10.1.
func (t VerificationType) wide() bool { return t.Tag == VerifLong || t.Tag == VerifDouble }

// Frame is one verification frame: the complete local-variable and
// operand-stack type state at a bytecode offset, spec §3/§4.4.
type Frame struct {
	Offset uint16
	Locals []VerificationType
	Stack  []VerificationType
}

// StackMapTable holds every frame for one method's Code attribute as a
// sorted list of absolute-offset frames, spec §4.4 "Stored as a sorted list
// of absolute-offset frames." Component G's API (frame_at, insert_frame,
// shift, emit) is implemented directly on this type rather than split
// across a parse/model pair, since the teacher's stack-map-adjacent code
// (section.go's data-directory handling) shows no precedent for splitting
// a single verifier-facing table across two types.
type StackMapTable struct {
	Frames []Frame // sorted by Offset ascending; Frames[0], if present, need not be offset 0
}

// FrameAt returns the frame whose Offset equals offset and whether one
// exists.
func (t *StackMapTable) FrameAt(offset uint16) (Frame, bool) {
	i := sort.Search(len(t.Frames), func(i int) bool { return t.Frames[i].Offset >= offset })
	if i < len(t.Frames) && t.Frames[i].Offset == offset {
		return t.Frames[i], true
	}
	return Frame{}, false
}

// InsertFrame adds or replaces the frame at frame.Offset, keeping Frames
// sorted.
func (t *StackMapTable) InsertFrame(frame Frame) {
	i := sort.Search(len(t.Frames), func(i int) bool { return t.Frames[i].Offset >= frame.Offset })
	if i < len(t.Frames) && t.Frames[i].Offset == frame.Offset {
		t.Frames[i] = frame
		return
	}
	t.Frames = append(t.Frames, Frame{})
	copy(t.Frames[i+1:], t.Frames[i:])
	t.Frames[i] = frame
}

// Shift increments the offset of every frame at or after fromOffset by
// delta, spec §4.4 "On code insertion at offset O with length L: every
// frame at offset ≥ O has its offset incremented by L." Frames stay sorted
// since shifting preserves relative order.
func (t *StackMapTable) Shift(fromOffset uint16, delta int) {
	for i := range t.Frames {
		if t.Frames[i].Offset >= fromOffset {
			t.Frames[i].Offset = uint16(int(t.Frames[i].Offset) + delta)
		}
		for j := range t.Frames[i].Stack {
			shiftUninitialized(&t.Frames[i].Stack[j], fromOffset, delta)
		}
		for j := range t.Frames[i].Locals {
			shiftUninitialized(&t.Frames[i].Locals[j], fromOffset, delta)
		}
	}
}

func shiftUninitialized(v *VerificationType, fromOffset uint16, delta int) {
	if v.Tag == VerifUninitialized && v.NewInstrOffs >= fromOffset {
		v.NewInstrOffs = uint16(int(v.NewInstrOffs) + delta)
	}
}

// InitialFrame derives the frame 0 implied by a method's descriptor and
// static-ness, spec §4.4 "Initial frame at offset 0 is implied from the
// method descriptor (argument types become initial locals; empty stack)."
func InitialFrame(pool *ConstantPool, descriptor string, isStatic bool, thisClass uint16) (Frame, error) {
	var locals []VerificationType
	if !isStatic {
		locals = append(locals, objectType(thisClass))
	}
	argTypes, _, err := parseDescriptorTypes(descriptor)
	if err != nil {
		return Frame{}, err
	}
	for _, a := range argTypes {
		vt, err := verificationTypeOf(pool, a)
		if err != nil {
			return Frame{}, err
		}
		locals = append(locals, vt)
		if vt.wide() {
			locals = append(locals, topType())
		}
	}
	return Frame{Offset: 0, Locals: locals, Stack: nil}, nil
}

// verificationTypeOf maps one parsed descriptor field type to its
// verification type, adding a Class constant to pool on demand for object
// and array types (arrays verify as object(class-index) of their own
// array-descriptor class entry).
func verificationTypeOf(pool *ConstantPool, t fieldType) (VerificationType, error) {
	switch t.kind {
	case typeInt, typeShort, typeChar, typeByte, typeBoolean:
		return intType(), nil
	case typeLong:
		return longType(), nil
	case typeFloat:
		return floatType(), nil
	case typeDouble:
		return doubleType(), nil
	case typeObject, typeArray:
		return objectType(pool.AddClass(t.className)), nil
	default:
		return VerificationType{}, internalError("unrecognized descriptor field type %v", t.kind)
	}
}

// --- parse / emit of the on-disk attribute form, JVMS §4.7.4 ---

const stackMapTableFrameFull = 255

func parseStackMapTable(info []byte, pool *ConstantPool) (*StackMapTable, error) {
	r := newReader(info)
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	table := &StackMapTable{Frames: make([]Frame, 0, count)}
	offset := -1 // so the first frame's delta equals its absolute offset
	var prevLocals []VerificationType
	for i := 0; i < int(count); i++ {
		frameType, err := r.u1()
		if err != nil {
			return nil, err
		}
		var (
			localsDelta []VerificationType
			stack       []VerificationType
			offsetDelta int
		)
		switch {
		case frameType <= 63:
			offsetDelta = int(frameType)
		case frameType <= 127:
			offsetDelta = int(frameType) - 64
			vt, err := parseVerificationType(r)
			if err != nil {
				return nil, err
			}
			stack = []VerificationType{vt}
		case frameType == 247: // same_locals_1_stack_item_frame_extended
			d, err := r.u2()
			if err != nil {
				return nil, err
			}
			offsetDelta = int(d)
			vt, err := parseVerificationType(r)
			if err != nil {
				return nil, err
			}
			stack = []VerificationType{vt}
		case frameType >= 248 && frameType <= 250: // chop_frame
			d, err := r.u2()
			if err != nil {
				return nil, err
			}
			offsetDelta = int(d)
			chop := 251 - int(frameType)
			if chop > len(prevLocals) {
				return nil, ErrTruncatedClassFile
			}
			localsDelta = prevLocals[:len(prevLocals)-chop]
		case frameType == 251: // same_frame_extended
			d, err := r.u2()
			if err != nil {
				return nil, err
			}
			offsetDelta = int(d)
			localsDelta = prevLocals
		case frameType >= 252 && frameType <= 254: // append_frame
			d, err := r.u2()
			if err != nil {
				return nil, err
			}
			offsetDelta = int(d)
			n := int(frameType) - 251
			appended := make([]VerificationType, 0, n)
			for j := 0; j < n; j++ {
				vt, err := parseVerificationType(r)
				if err != nil {
					return nil, err
				}
				appended = append(appended, vt)
			}
			localsDelta = append(append([]VerificationType{}, prevLocals...), appended...)
		case frameType == stackMapTableFrameFull:
			d, err := r.u2()
			if err != nil {
				return nil, err
			}
			offsetDelta = int(d)
			nLocals, err := r.u2()
			if err != nil {
				return nil, err
			}
			locals := make([]VerificationType, 0, nLocals)
			for j := 0; j < int(nLocals); j++ {
				vt, err := parseVerificationType(r)
				if err != nil {
					return nil, err
				}
				locals = append(locals, vt)
			}
			nStack, err := r.u2()
			if err != nil {
				return nil, err
			}
			stack = make([]VerificationType, 0, nStack)
			for j := 0; j < int(nStack); j++ {
				vt, err := parseVerificationType(r)
				if err != nil {
					return nil, err
				}
				stack = append(stack, vt)
			}
			localsDelta = locals
		default:
			// frameType 128-246 reserved/unused; treat as same_frame with a
			// synthetic delta to stay forward-progressing rather than fail
			// the whole class on a future JVMS extension.
			offsetDelta = int(frameType)
			localsDelta = prevLocals
		}

		offset += offsetDelta + 1
		if localsDelta == nil {
			localsDelta = prevLocals
		}
		table.Frames = append(table.Frames, Frame{
			Offset: uint16(offset),
			Locals: localsDelta,
			Stack:  stack,
		})
		prevLocals = localsDelta
	}
	return table, nil
}

func parseVerificationType(r *reader) (VerificationType, error) {
	tag, err := r.u1()
	if err != nil {
		return VerificationType{}, err
	}
	switch VerificationTypeTag(tag) {
	case VerifObject:
		idx, err := r.u2()
		return objectType(idx), err
	case VerifUninitialized:
		off, err := r.u2()
		return VerificationType{Tag: VerifUninitialized, NewInstrOffs: off}, err
	default:
		return VerificationType{Tag: VerificationTypeTag(tag)}, nil
	}
}

// Emit re-serializes the table choosing, for each frame, the most compact
// form whose preconditions hold, spec §4.4 "choosing the most compact form
// whose preconditions hold." Frames must already be sorted by Offset
// (InsertFrame/Shift preserve this).
func (t *StackMapTable) Emit(pool *ConstantPool) []byte {
	s := newSink(64)
	s.u2(uint16(len(t.Frames)))
	prevOffset := -1
	var prevLocals []VerificationType
	for _, f := range t.Frames {
		delta := int(f.Offset) - prevOffset - 1
		emitFrame(s, f, delta, prevLocals)
		prevOffset = int(f.Offset)
		prevLocals = f.Locals
	}
	return s.bytes()
}

func emitFrame(s *sink, f Frame, delta int, prevLocals []VerificationType) {
	switch {
	case len(f.Stack) == 0 && localsEqual(f.Locals, prevLocals) && delta <= 63:
		s.u1(uint8(delta))
	case len(f.Stack) == 1 && localsEqual(f.Locals, prevLocals) && delta <= 63:
		s.u1(uint8(64 + delta))
		emitVerificationType(s, f.Stack[0])
	case len(f.Stack) == 1 && localsEqual(f.Locals, prevLocals):
		s.u1(247)
		s.u2(uint16(delta))
		emitVerificationType(s, f.Stack[0])
	case len(f.Stack) == 0 && isChop(f.Locals, prevLocals) != 0:
		chop := isChop(f.Locals, prevLocals)
		s.u1(uint8(251 - chop))
		s.u2(uint16(delta))
	case len(f.Stack) == 0 && localsEqual(f.Locals, prevLocals):
		s.u1(251)
		s.u2(uint16(delta))
	case len(f.Stack) == 0 && isAppend(f.Locals, prevLocals):
		appended := f.Locals[len(prevLocals):]
		s.u1(uint8(251 + len(appended)))
		s.u2(uint16(delta))
		for _, v := range appended {
			emitVerificationType(s, v)
		}
	default:
		s.u1(stackMapTableFrameFull)
		s.u2(uint16(delta))
		s.u2(uint16(len(f.Locals)))
		for _, v := range f.Locals {
			emitVerificationType(s, v)
		}
		s.u2(uint16(len(f.Stack)))
		for _, v := range f.Stack {
			emitVerificationType(s, v)
		}
	}
}

func emitVerificationType(s *sink, v VerificationType) {
	s.u1(uint8(v.Tag))
	switch v.Tag {
	case VerifObject:
		s.u2(v.ClassIndex)
	case VerifUninitialized:
		s.u2(v.NewInstrOffs)
	}
}

func localsEqual(a, b []VerificationType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isChop returns how many trailing locals were dropped (1-3) if locals is
// exactly prevLocals with its tail trimmed, else 0.
func isChop(locals, prevLocals []VerificationType) int {
	n := len(prevLocals) - len(locals)
	if n < 1 || n > 3 {
		return 0
	}
	if !localsEqual(locals, prevLocals[:len(locals)]) {
		return 0
	}
	return n
}

func isAppend(locals, prevLocals []VerificationType) bool {
	n := len(locals) - len(prevLocals)
	if n < 1 || n > 3 {
		return false
	}
	return localsEqual(locals[:len(prevLocals)], prevLocals)
}
