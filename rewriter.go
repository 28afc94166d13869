// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

// This file implements the centerpiece of the package: splicing a deny
// action into every bytecode invocation site (or method prologue) a Rules
// snapshot marks as denied, spec §4.5.
//
// Rewrite strategy: rather than fit a variable-length replacement into a
// fixed-size invocation window in place (which only works when the
// replacement happens to be no longer than the instruction it replaces),
// every call-site replacement relocates to a trailer appended after the
// method's original code and is reached via an in-place `goto` (`goto_w`
// when the branch does not fit in a signed 16-bit offset is not attempted;
// such a site fails the rewrite with an InternalError). This keeps
// every original offset - branch targets, exception ranges, line numbers -
// unchanged for the untouched bulk of the method: only the appended
// trailer is new, so only it needs fresh StackMapTable frames.
//
// max_stack is grown by a fixed conservative margin per rewritten method
// rather than precisely simulated, since the verifier only requires an
// upper bound and the margin comfortably covers every sequence emitted
// below (at most: new+dup+ldc+invokespecial, 3 live values).

const conservativeExtraStack = 8

// RewriteClass applies rules (as seen by callerModule, which is f's own
// declaring module) to every method in f, splicing deny actions into
// denied invocation sites and method prologues. It reports whether
// anything changed; when it returns (false, nil), Redefine would produce
// byte-identical output; skip calling it in that case (NeedsTransform).
func RewriteClass(f *File, callerModule string, rules Rules) (bool, error) {
	pkg, cls := splitInternalName(f.ClassName)
	changedAny := false
	for _, m := range f.Methods {
		if m.Code == nil {
			continue
		}
		changed, err := rewriteMethod(f, pkg, cls, m, callerModule, rules)
		if err != nil {
			return changedAny, err
		}
		changedAny = changedAny || changed
	}
	return changedAny, nil
}

func methodNeedsRewrite(f *File, m *Method, callerModule string, rules Rules) (bool, error) {
	pkg, cls := splitInternalName(f.ClassName)
	tRule := rules.TargetRuleFor(pkg, cls, m.Name, m.Desc)
	if tRule.Kind == KindDeny && tRule.Where == AtTarget && m.Name != "<clinit>" {
		return true, nil
	}
	sites, err := scanInvocations(f, m.Code, callerModule, rules)
	if err != nil {
		return false, err
	}
	return len(sites) > 0, nil
}

// invocationSite is one denied call site found by scanInvocations.
type invocationSite struct {
	offset int
	length int
	owner  string
	name   string
	desc   string
	opcode opcode
	rule   Rule
}

// scanInvocations walks m's code once (spec §4.5 step 2) recording every
// invocation instruction whose caller-side resolution is a Deny.
func scanInvocations(f *File, ca *CodeAttribute, callerModule string, rules Rules) ([]invocationSite, error) {
	var sites []invocationSite
	code := ca.Code
	for off := 0; off < len(code); {
		n, err := instructionLength(code, off)
		if err != nil {
			return nil, err
		}
		op := opcode(code[off])
		if op.isInvoke() && op != opInvokedyn {
			idx := be16(code[off+1:])
			owner, name, desc, err := f.Pool.FindMemberRef(idx)
			if err == nil {
				ownerPkg, ownerCls := splitInternalName(owner)
				rule := rules.ForClass(callerModule, ownerPkg, ownerCls).RuleFor(name, desc)
				if rule.Kind == KindDeny {
					sites = append(sites, invocationSite{
						offset: off, length: n, owner: owner, name: name, desc: desc, opcode: op, rule: rule,
					})
				}
			}
		}
		off += n
	}
	return sites, nil
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// rewriteMethod applies the method's own target-side prologue (if denied)
// and every denied call site found by scanInvocations, spec §4.5 steps 1-4.
func rewriteMethod(f *File, pkg, cls string, m *Method, callerModule string, rules Rules) (bool, error) {
	ca := m.Code
	changed := false

	tRule := rules.TargetRuleFor(pkg, cls, m.Name, m.Desc)
	if tRule.Kind == KindDeny && tRule.Where == AtTarget && m.Name != "<clinit>" {
		if err := injectPrologue(f, m, tRule); err != nil {
			return false, err
		}
		changed = true
	}

	sites, err := scanInvocations(f, ca, callerModule, rules)
	if err != nil {
		return changed, err
	}
	if len(sites) == 0 {
		if changed {
			ca.Dirty = true
		}
		return changed, nil
	}

	rw := &methodRewrite{f: f, ca: ca, tempBase: int(ca.MaxLocals)}
	for _, site := range sites {
		if err := rw.spliceSite(site); err != nil {
			return false, err
		}
	}
	rw.finish()
	ca.Dirty = true
	return true, nil
}

// methodRewrite accumulates trailer bytes and bookkeeping across every
// call-site splice within one method.
type methodRewrite struct {
	f        *File
	ca       *CodeAttribute
	trailer  []byte
	tempBase int
	tempHigh int
	frames   []Frame
}

func (rw *methodRewrite) allocTemp(width int) int {
	slot := rw.tempBase + rw.tempHigh
	rw.tempHigh += width
	return slot
}

// spliceSite overwrites the invocation at site.offset with a goto to a
// freshly appended trailer, then appends the trailer's replacement logic
// plus a goto back to the instruction following the original site (unless
// the replacement's last instruction never falls through, e.g. athrow).
func (rw *methodRewrite) spliceSite(site invocationSite) error {
	args, ret, err := parseDescriptorTypes(site.desc)
	if err != nil {
		return err
	}
	isStatic := site.opcode == opInvokestat

	trailerOffset := len(rw.ca.Code) + len(rw.trailer)
	if trailerOffset-site.offset < -32768 || trailerOffset-site.offset > 32767 {
		return internalError("call site at offset %d too far from trailer for a goto", site.offset)
	}

	s := newSink(32)
	falls := rw.emitDeny(s, site, args, ret, isStatic)

	resumeOffset := site.offset + site.length
	if falls {
		backDelta := resumeOffset - (trailerOffset + s.len())
		if backDelta < -32768 || backDelta > 32767 {
			return internalError("trailer at offset %d too far from resume point for a goto", trailerOffset)
		}
		s.u1(uint8(opGoto))
		s.u2(uint16(int16(backDelta)))
	}

	rw.frames = append(rw.frames, Frame{Offset: uint16(trailerOffset)})
	rw.trailer = append(rw.trailer, s.bytes()...)

	fwdDelta := trailerOffset - site.offset
	patch := newSink(site.length)
	patch.u1(uint8(opGoto))
	patch.u2(uint16(int16(fwdDelta)))
	for patch.len() < site.length {
		patch.u1(uint8(opNop))
	}
	copy(rw.ca.Code[site.offset:site.offset+site.length], patch.bytes())
	return nil
}

// emitDeny writes one deny action's replacement bytecode to s, assuming
// the operand stack holds exactly the original invocation's receiver (if
// any) and arguments. Returns whether control falls through afterward
// (true for every action except a plain Exception, which always throws).
func (rw *methodRewrite) emitDeny(s *sink, site invocationSite, args []fieldType, ret fieldType, isStatic bool) bool {
	action := site.rule.Action
	switch action.Tag {
	case ActionException:
		discardArgsAndReceiver(s, isStatic, args)
		emitThrow(s, rw.f.Pool, action.ExceptionClass, action.ExceptionMessage)
		return false
	case ActionValue:
		discardArgsAndReceiver(s, isStatic, args)
		emitConst(s, rw.f.Pool, action.Value)
		return true
	case ActionEmpty:
		discardArgsAndReceiver(s, isStatic, args)
		emitEmptyValue(s, rw.f.Pool, ret)
		return true
	case ActionCustom:
		// Direct substitution: the shim's descriptor already matches the
		// call shape (static calls keep the descriptor as-is; instance
		// calls have the receiver type prepended), so args/receiver
		// already on the stack are exactly what the shim expects.
		s.u1(uint8(opInvokestat))
		s.u2(rw.f.Pool.AddMethodRef(action.Custom.Owner, action.Custom.Name, action.Custom.Desc))
		return true
	case ActionChecked:
		return rw.emitChecked(s, site, args, ret, isStatic, action)
	case ActionDynamic:
		return rw.emitDynamic(s, site, args, ret, isStatic, action)
	case ActionMulti:
		if inner, ok := action.ByClass[site.owner]; ok && inner != nil {
			return rw.emitDeny(s, invocationSite{owner: site.owner, name: site.name, desc: site.desc, rule: *inner}, args, ret, isStatic)
		}
		// No entry names this call site's statically resolved owner: no
		// policy applies here, so behave as Allow (copy the original
		// invocation through unchanged).
		s.u1(uint8(site.opcode))
		s.u2(rw.f.Pool.AddMethodRef(site.owner, site.name, site.desc))
		if site.opcode == opInvokeiface {
			count := argWidth(args) + 1
			s.u1(uint8(count))
			s.u1(0)
		} else if site.opcode == opInvokedyn {
			s.u2(0)
		}
		return true
	default:
		discardArgsAndReceiver(s, isStatic, args)
		emitThrow(s, rw.f.Pool, DefaultSecurityException, nil)
		return false
	}
}

// emitChecked emits: call predicate -> branch -> [true: replay original
// invocation] / [false: inner action], spec §4.5 "Checked(predicate,
// inner)". The predicate consumes no part of the original stack (it
// evaluates caller-module/version context of its own accord, mirroring the
// reflection shim's caller check, §4.7), so the receiver/args remain
// exactly in place for either branch.
func (rw *methodRewrite) emitChecked(s *sink, site invocationSite, args []fieldType, ret fieldType, isStatic bool, action *DenyAction) bool {
	pool := rw.f.Pool
	if action.VersionConstraint != nil {
		s.u1(uint8(opLdc))
		s.u1(uint8(pool.AddString(action.VersionConstraint.String())))
		s.u1(uint8(opInvokestat))
		s.u2(pool.AddMethodRef(action.Predicate.Owner, action.Predicate.Name, "(Ljava/lang/String;)Z"))
	} else {
		s.u1(uint8(opInvokestat))
		s.u2(pool.AddMethodRef(action.Predicate.Owner, action.Predicate.Name, "()Z"))
	}

	// ifne permittedLabel — condition true (nonzero) means allowed.
	branchPatchAt := s.len()
	s.u1(0x9a) // ifne
	s.u2(0)    // patched below once the true-branch offset is known

	// False branch: apply the inner action in place.
	falls := rw.emitDeny(s, invocationSite{owner: site.owner, name: site.name, desc: site.desc, rule: DenyRule(action.Inner, AtCaller)}, args, ret, isStatic)
	var afterFalse int
	if falls {
		gotoAt := s.len()
		s.u1(uint8(opGoto))
		s.u2(0) // patched after the true branch is emitted
		afterFalse = s.len()
		trueStart := afterFalse
		patchBranch16(s, branchPatchAt+1, trueStart-branchPatchAt)
		s.u1(uint8(site.opcode))
		s.u2(pool.AddMethodRef(site.owner, site.name, site.desc))
		if site.opcode == opInvokeiface {
			s.u1(uint8(argWidth(args) + 1))
			s.u1(0)
		} else if site.opcode == opInvokedyn {
			s.u2(0)
		}
		endOfTrue := s.len()
		patchBranch16(s, gotoAt+1, endOfTrue-gotoAt)
		return true
	}
	trueStart := s.len()
	patchBranch16(s, branchPatchAt+1, trueStart-branchPatchAt)
	s.u1(uint8(site.opcode))
	s.u2(pool.AddMethodRef(site.owner, site.name, site.desc))
	if site.opcode == opInvokeiface {
		s.u1(uint8(argWidth(args) + 1))
		s.u1(0)
	} else if site.opcode == opInvokedyn {
		s.u2(0)
	}
	return true
}

// emitDynamic handles a merged target-side ActionDynamic resolved at the
// caller site: a runtime shim determines, from the actual caller module at
// the invocation, whether to allow or deny, spec §4.3 "resolve against the
// real caller module at the invocation site".
func (rw *methodRewrite) emitDynamic(s *sink, site invocationSite, args []fieldType, ret fieldType, isStatic bool, action *DenyAction) bool {
	pool := rw.f.Pool
	s.u1(uint8(opLdc))
	s.u1(uint8(pool.AddString(site.owner + "." + site.name + site.desc)))
	s.u1(uint8(opInvokestat))
	s.u2(pool.AddMethodRef(shimOwner, "dynamicGate", "(Ljava/lang/String;)Z"))

	branchPatchAt := s.len()
	s.u1(0x9a) // ifne
	s.u2(0)

	discardArgsAndReceiver(s, isStatic, args)
	emitThrow(s, pool, DefaultSecurityException, nil)

	trueStart := s.len()
	patchBranch16(s, branchPatchAt+1, trueStart-branchPatchAt)
	s.u1(uint8(site.opcode))
	s.u2(pool.AddMethodRef(site.owner, site.name, site.desc))
	if site.opcode == opInvokeiface {
		s.u1(uint8(argWidth(args) + 1))
		s.u1(0)
	} else if site.opcode == opInvokedyn {
		s.u2(0)
	}
	return true
}

func patchBranch16(s *sink, byteOffset, delta int) {
	s.buf[byteOffset] = byte(int16(delta) >> 8)
	s.buf[byteOffset+1] = byte(int16(delta))
}

// discardArgsAndReceiver pops the original invocation's arguments (in
// reverse, since the last argument is on top of stack) and, for an
// instance call, the receiver beneath them.
func discardArgsAndReceiver(s *sink, isStatic bool, args []fieldType) {
	for i := len(args) - 1; i >= 0; i-- {
		if args[i].width() == 2 {
			s.u1(uint8(opPop2))
		} else {
			s.u1(uint8(opPop))
		}
	}
	if !isStatic {
		s.u1(uint8(opPop))
	}
}

// emitThrow emits new(class); dup; [ldc message]; invokespecial <init>;
// athrow.
func emitThrow(s *sink, pool *ConstantPool, class string, message *string) {
	s.u1(uint8(opNew))
	s.u2(pool.AddClass(class))
	s.u1(uint8(opDup))
	desc := "()V"
	if message != nil {
		s.u1(uint8(opLdc))
		s.u1(uint8(pool.AddString(*message)))
		desc = "(Ljava/lang/String;)V"
	}
	s.u1(uint8(opInvokespec))
	s.u2(pool.AddMethodRef(class, "<init>", desc))
	s.u1(uint8(opAthrow))
}

// emitConst pushes a literal value matching Value deny actions, spec §3.
func emitConst(s *sink, pool *ConstantPool, c Const) {
	switch c.Kind {
	case ConstNull:
		s.u1(uint8(opAconstNull))
	case ConstBool:
		if c.Bool {
			s.u1(uint8(opIconst1))
		} else {
			s.u1(uint8(opIconst0))
		}
	case ConstChar:
		emitIntConst(s, pool, int32(c.Char))
	case ConstByte, ConstShort, ConstInt:
		emitIntConst(s, pool, int32(c.Int))
	case ConstLong:
		s.u1(uint8(opLdc2W))
		s.u2(pool.AddLong(c.Int))
	case ConstFloat:
		s.u1(uint8(opLdc))
		s.u1(uint8(pool.AddFloat(float32(c.Float))))
	case ConstDouble:
		s.u1(uint8(opLdc2W))
		s.u2(pool.AddDouble(c.Float))
	case ConstString:
		s.u1(uint8(opLdc))
		s.u1(uint8(pool.AddString(c.String)))
	}
}

func emitIntConst(s *sink, pool *ConstantPool, v int32) {
	switch {
	case v >= -1 && v <= 5:
		s.u1(uint8(int(opIconst0) + int(v)))
	case v >= -128 && v <= 127:
		s.u1(uint8(opBipush))
		s.u1(uint8(v))
	case v >= -32768 && v <= 32767:
		s.u1(uint8(opSipush))
		s.u2(uint16(v))
	default:
		s.u1(uint8(opLdc))
		s.u1(uint8(pool.AddInteger(v)))
	}
}

// emitEmptyValue pushes the Empty deny action's result, spec §3 "returns
// an empty container of the method's declared return type". Object/array
// returns substitute null rather than constructing a genuinely empty
// collection instance, since the rewriter has no static knowledge of which
// concrete empty-factory a given interface type expects — see DESIGN.md.
func emitEmptyValue(s *sink, pool *ConstantPool, ret fieldType) {
	switch ret.kind {
	case typeVoid:
	case typeLong:
		s.u1(uint8(opLconst0))
	case typeFloat:
		s.u1(uint8(opFconst0))
	case typeDouble:
		s.u1(uint8(opDconst0))
	case typeObject:
		if ret.className == "java/lang/String" {
			s.u1(uint8(opLdc))
			s.u1(uint8(pool.AddString("")))
		} else {
			s.u1(uint8(opAconstNull))
		}
	case typeArray:
		s.u1(uint8(opAconstNull))
	default:
		s.u1(uint8(opIconst0))
	}
}

// finish appends the accumulated trailer to the method's code, grows
// max_stack/max_locals, and installs a StackMapTable frame at every
// trailer entry point recorded during splicing.
func (rw *methodRewrite) finish() {
	ca := rw.ca
	ca.Code = append(ca.Code, rw.trailer...)
	ca.MaxStack += conservativeExtraStack
	if rw.tempHigh > 0 {
		ca.MaxLocals += uint16(rw.tempHigh)
	}

	if ca.StackMap == nil {
		ca.StackMap = &StackMapTable{}
	}
	baseFrame, ok := ca.StackMap.FrameAt(0)
	if !ok {
		baseFrame = Frame{}
	}
	for _, f := range rw.frames {
		f.Locals = baseFrame.Locals
		ca.StackMap.InsertFrame(f)
	}

	if len(ca.LineNumbers) > 0 {
		last := ca.LineNumbers[len(ca.LineNumbers)-1]
		for _, f := range rw.frames {
			ca.LineNumbers = append(ca.LineNumbers, LineNumberEntry{StartPC: f.Offset, LineNumber: last.LineNumber})
		}
	}
}

// injectPrologue prepends a method-entry deny check, spec §4.5 step 1.
// Original code, its exception table, line numbers and StackMapTable all
// shift forward by the prologue's length; a new frame is inserted at the
// fall-through offset into the (now relocated) original body.
func injectPrologue(f *File, m *Method, tRule Rule) error {
	ca := m.Code
	args, ret, err := parseDescriptorTypes(m.Desc)
	if err != nil {
		return err
	}

	s := newSink(24)
	falls := emitPrologueAction(s, f.Pool, tRule.Action, args, ret, m.IsStatic())
	prologueLen := s.len()
	if falls {
		// Fall through directly into the shifted original body; no goto
		// needed since the body now begins at exactly prologueLen.
	}

	shifted := make([]byte, 0, prologueLen+len(ca.Code))
	shifted = append(shifted, s.bytes()...)
	shifted = append(shifted, ca.Code...)
	ca.Code = shifted

	for i := range ca.ExceptionTable {
		ca.ExceptionTable[i].StartPC += uint16(prologueLen)
		ca.ExceptionTable[i].EndPC += uint16(prologueLen)
		ca.ExceptionTable[i].HandlerPC += uint16(prologueLen)
	}
	for i := range ca.LineNumbers {
		ca.LineNumbers[i].StartPC += uint16(prologueLen)
	}
	if ca.StackMap != nil {
		ca.StackMap.Shift(0, prologueLen)
	} else {
		ca.StackMap = &StackMapTable{}
	}
	if falls {
		thisClassIdx := f.ThisClass
		initial, err := InitialFrame(f.Pool, m.Desc, m.IsStatic(), thisClassIdx)
		if err == nil {
			initial.Offset = uint16(prologueLen)
			ca.StackMap.InsertFrame(initial)
		}
	}
	ca.MaxStack += conservativeExtraStack
	ca.Dirty = true
	return nil
}

// emitPrologueAction writes the method-entry deny check. Unlike a call-site
// splice, arguments live in locals (0 for `this` when non-static, then
// each parameter), so no discard is needed: the terminal action simply
// loads what it needs and returns/throws.
func emitPrologueAction(s *sink, pool *ConstantPool, action *DenyAction, args []fieldType, ret fieldType, isStatic bool) bool {
	switch action.Tag {
	case ActionException:
		emitThrow(s, pool, action.ExceptionClass, action.ExceptionMessage)
		return false
	case ActionValue:
		emitConst(s, pool, action.Value)
		emitReturn(s, ret)
		return false
	case ActionEmpty:
		emitEmptyValue(s, pool, ret)
		emitReturn(s, ret)
		return false
	case ActionCustom:
		local := 0
		if !isStatic {
			emitLoadLocal(s, 0, fieldType{kind: typeObject})
			local = 1
		}
		for _, a := range args {
			emitLoadLocal(s, local, a)
			local += a.width()
		}
		s.u1(uint8(opInvokestat))
		s.u2(pool.AddMethodRef(action.Custom.Owner, action.Custom.Name, action.Custom.Desc))
		emitReturn(s, ret)
		return false
	case ActionChecked:
		if action.VersionConstraint != nil {
			s.u1(uint8(opLdc))
			s.u1(uint8(pool.AddString(action.VersionConstraint.String())))
			s.u1(uint8(opInvokestat))
			s.u2(pool.AddMethodRef(action.Predicate.Owner, action.Predicate.Name, "(Ljava/lang/String;)Z"))
		} else {
			s.u1(uint8(opInvokestat))
			s.u2(pool.AddMethodRef(action.Predicate.Owner, action.Predicate.Name, "()Z"))
		}
		branchAt := s.len()
		s.u1(0x9a) // ifne
		s.u2(0)
		emitPrologueAction(s, pool, action.Inner, args, ret, isStatic)
		fallThroughStart := s.len()
		patchBranch16(s, branchAt+1, fallThroughStart-branchAt)
		return true
	default: // ActionDynamic, ActionMulti: conservative unconditional deny.
		emitThrow(s, pool, DefaultSecurityException, nil)
		return false
	}
}

func emitReturn(s *sink, ret fieldType) {
	switch ret.kind {
	case typeVoid:
		s.u1(uint8(opReturn))
	case typeLong:
		s.u1(uint8(opLreturn))
	case typeFloat:
		s.u1(uint8(opFreturn))
	case typeDouble:
		s.u1(uint8(opDreturn))
	case typeObject, typeArray:
		s.u1(uint8(opAreturn))
	default:
		s.u1(uint8(opIreturn))
	}
}

func emitLoadLocal(s *sink, index int, t fieldType) {
	op := loadOpcodeFor(t)
	if index <= 255 {
		s.u1(uint8(op))
		s.u1(uint8(index))
		return
	}
	s.u1(uint8(opWide))
	s.u1(uint8(op))
	s.u2(uint16(index))
}
