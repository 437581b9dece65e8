package jitcore

import "unsafe"

// amd64 encoding tables: ModRM reg-field encodes a register 0-7 (REX.R
// extends it to 8-15), SIB scale codes 1/2/4/8 map to the 2-bit field
// below.
func regLow3(r MachReg) byte { return byte(r) & 0x7 }
func regExt(r MachReg) bool  { return (byte(r)>>3)&0x1 != 0 }

func scaleCode(scale int) byte {
	switch scale {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		panic("jitcore: unsupported index scale")
	}
}

// rex builds a REX prefix byte. w selects 64-bit operand size; r/x/b are
// the extension bits for ModRM.reg / SIB.index / ModRM.rm respectively.
func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func isWide(t VMType) bool { return t.is64() }

// emitRegReg emits opcode with a ModRM byte for a reg-reg form (mod=11),
// preceded by a REX prefix for the two registers; wide selects REX.W.
func emitRegReg(buf *codeBuffer, opcode byte, dst, src MachReg, wide bool) {
	buf.emitByte(rex(wide, regExt(src), false, regExt(dst)))
	buf.emitByte(opcode)
	buf.emitByte(0xc0 | (regLow3(src) << 3) | regLow3(dst))
}

// emitRegMem emits `opcode reg, [base+disp]` (or the reverse direction
// depending on opcode's own convention), using a disp32 form
// unconditionally for simplicity: minimal-width immediates are an
// optimization, not a correctness requirement, and the disp32 form is
// always valid.
func emitRegMem(buf *codeBuffer, opcode byte, reg, base MachReg, disp int32, wide bool) {
	buf.emitByte(rex(wide, regExt(reg), false, regExt(base)))
	buf.emitByte(opcode)
	buf.emitByte(0x80 | (regLow3(reg) << 3) | regLow3(base))
	if regLow3(base) == regLow3(RSP) {
		buf.emitByte(0x24) // SIB: no index, base=RSP/R12
	}
	buf.emitI32(disp)
}

// emitRegMemIndex emits `opcode reg, [base+index*scale+disp]`.
func emitRegMemIndex(buf *codeBuffer, opcode byte, reg, base, index MachReg, scale int, disp int32, wide bool) {
	buf.emitByte(rex(wide, regExt(reg), regExt(index), regExt(base)))
	buf.emitByte(opcode)
	buf.emitByte(0x84 | (regLow3(reg) << 3))
	buf.emitByte((scaleCode(scale) << 6) | (regLow3(index) << 3) | regLow3(base))
	buf.emitI32(disp)
}

// movImm64 emits a full 64-bit immediate load (REX.W + B8+r + imm64);
// used for operands that don't fit a sign-extended imm32, and always for
// the address-sized immediates (call targets, class/field handles
// re-expressed as constants) this encoder's helper-call path needs.
func movImm64(buf *codeBuffer, dst MachReg, imm uint64) {
	buf.emitByte(rex(true, false, false, regExt(dst)))
	buf.emitByte(0xb8 | regLow3(dst))
	buf.emitBytes(byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24),
		byte(imm>>32), byte(imm>>40), byte(imm>>48), byte(imm>>56))
}

// scratchReg is this encoder's reserved scratch register for reloading a
// spilled operand or materializing an immediate — never handed out by
// regalloc.go's gprPool.
const scratchReg = R11

// loadOperand ensures operand o's value is available in a physical
// register, emitting a reload from its spill slot first if needed, and
// returns that register. For an already-allocated register this is free.
func (e *CodeEmitter) loadOperand(o *Operand, scratch MachReg) MachReg {
	switch o.Kind {
	case OperandReg:
		v := o.Var
		if v.AllocatedReg != NoReg {
			return v.AllocatedReg
		}
		disp := e.frame.SpillOffset(v.SpillSlot)
		emitRegMem(e.buf, 0x8b, scratch, RBP, disp, isWide(v.Type))
		return scratch
	case OperandImm:
		movImm64(e.buf, scratch, uint64(o.Imm))
		return scratch
	default:
		panic("jitcore: loadOperand on non-value operand kind")
	}
}

// storeToOperand writes src into dest, which must be OperandReg: either
// directly into its allocated register, or spilled to its frame slot.
func (e *CodeEmitter) storeToOperand(dest *Operand, src MachReg, wide bool) {
	v := dest.Var
	if v.AllocatedReg != NoReg {
		if v.AllocatedReg != src {
			emitRegReg(e.buf, 0x89, v.AllocatedReg, src, wide)
		}
		return
	}
	disp := e.frame.SpillOffset(v.SpillSlot)
	emitRegMem(e.buf, 0x89, src, RBP, disp, wide)
}

// emitPrologue emits the standard frame-pointer-based prologue: push
// rbp; mov rbp, rsp; sub rsp, frame_size — reserving the frame block
// below the saved frame pointer. The 64-bit variant reserves no
// callee-save slots in the frame body: a value that must survive a
// call lives in a spill slot, never a register (regalloc.go's call-site
// rule), so a method body has nothing of its caller's to preserve.
func emitPrologue(buf *codeBuffer, frame *StackFrame) {
	buf.emitBytes(0x55)                   // push rbp
	buf.emitBytes(0x48, 0x89, 0xe5)       // mov rbp, rsp
	size := frame.FrameSize()
	if size > 0 {
		buf.emitByte(0x48) // REX.W
		buf.emitByte(0x81) // SUB r/m64, imm32
		buf.emitByte(0xec) // /5, rsp
		buf.emitI32(size)
	}
}

// emitArgumentLoads copies each incoming argument out of its
// caller-supplied stack slot (frame.ArgOffset) into the virtual register
// the selector assigned to that local index, for every argument slot the
// method body actually reads. An argument the method never loads gets no
// VarInfo from the selector and is skipped here.
func emitArgumentLoads(e *CodeEmitter, argVars []*VarInfo) {
	for i, v := range argVars {
		if v == nil {
			continue
		}
		wide := isWide(v.Type)
		emitRegMem(e.buf, 0x8b, scratchReg, RBP, e.frame.ArgOffset(i), wide)
		e.storeToOperand(RegOperand(v), scratchReg, wide)
	}
}

func emitEpilogue(buf *codeBuffer) {
	buf.emitBytes(0x48, 0x89, 0xec) // mov rsp, rbp
	buf.emitBytes(0x5d)             // pop rbp
	buf.emitBytes(0xc3)             // ret
}

// encodeAMD64 lowers one LIR instruction to bytes, consulting the
// instruction's already-allocated VarInfo registers/spill slots.
func encodeAMD64(e *CodeEmitter, blk *BasicBlock, insn *LIRInstruction) {
	switch insn.Op {
	case LIRNop, LIRLabel:
		// no bytes

	case LIRMov:
		encodeMov(e, insn)

	case LIRAdd, LIRSub, LIRIMul, LIRAnd, LIROr, LIRXor:
		encodeArith(e, insn)

	case LIRIDiv, LIRIRem:
		encodeDivRem(e, insn)

	case LIRShl, LIRShr, LIRSar:
		encodeShift(e, insn)

	case LIRNeg:
		dst := e.loadOperand(insn.Dest, scratchReg)
		wide := isWide(insn.Dest.Var.Type)
		e.buf.emitByte(rex(wide, false, false, regExt(dst)))
		e.buf.emitByte(0xf7)
		e.buf.emitByte(0xd8 | regLow3(dst))
		e.storeToOperand(insn.Dest, dst, wide)

	case LIRLoad:
		encodeLoad(e, insn)

	case LIRStore:
		encodeStore(e, insn)

	case LIRLea:
		// No selector path emits LIRLea and helper-call argument
		// marshalling does not use it; it encodes to nothing.

	case LIRCmp:
		encodeCmp(e, insn)

	case LIRJmp:
		e.buf.emitByte(0xe9) // jmp rel32
		e.emitBranch(insn.Dest.Target, insn)

	case LIRJcc:
		e.buf.emitBytes(0x0f, jccCode(insn.Cond))
		e.emitBranch(insn.Dest.Target, insn)

	case LIRCall:
		pushJITArgs(e, insn.Call.ArgVars)
		e.emitAbsCall(insn.Call.Entry)
		dropJITArgs(e, len(insn.Call.ArgVars))
		storeCallResult(e, insn)

	case LIRCallTrampoline:
		encodeCallTrampoline(e, insn)

	case LIRCallHelper:
		encodeCallHelper(e, insn)

	case LIRRet:
		if insn.Src1 != nil {
			wide := isWide(resultType(insn.Src1))
			v := e.loadOperand(insn.Src1, RAX)
			if v != RAX {
				emitRegReg(e.buf, 0x89, RAX, v, wide)
			}
		}
		emitEpilogue(e.buf)

	case LIRPush:
		v := e.loadOperand(insn.Src1, scratchReg)
		e.buf.emitByte(rex(false, false, false, regExt(v)))
		e.buf.emitByte(0x50 | regLow3(v))

	default:
		panic("jitcore: encodeAMD64: unhandled LIROp")
	}
}

func resultType(o *Operand) VMType {
	if o.Kind == OperandReg {
		return o.Var.Type
	}
	return TInt32
}

func encodeMov(e *CodeEmitter, insn *LIRInstruction) {
	wide := isWide(insn.Dest.Var.Type)
	switch insn.Src1.Kind {
	case OperandImm:
		v := insn.Dest.Var
		if v.AllocatedReg != NoReg {
			movImm64(e.buf, v.AllocatedReg, uint64(insn.Src1.Imm))
			return
		}
		movImm64(e.buf, scratchReg, uint64(insn.Src1.Imm))
		e.storeToOperand(insn.Dest, scratchReg, wide)
	case OperandReg:
		src := e.loadOperand(insn.Src1, scratchReg)
		e.storeToOperand(insn.Dest, src, wide)
	default:
		panic("jitcore: encodeMov on unsupported Src1 kind")
	}
}

func encodeArith(e *CodeEmitter, insn *LIRInstruction) {
	dst := e.loadOperand(insn.Dest, scratchReg)
	wide := isWide(insn.Dest.Var.Type)
	src := e.loadOperand(insn.Src1, scratchRegSecond)
	if insn.Op == LIRIMul {
		// IMUL r64, r/m64 (0F AF /r): unlike ADD/SUB/AND/OR/XOR's r/m,r
		// form, the destination sits in ModRM.reg and the source in
		// ModRM.rm, so this can't reuse emitRegReg's r/m,r convention.
		e.buf.emitByte(rex(wide, regExt(dst), false, regExt(src)))
		e.buf.emitBytes(0x0f, 0xaf)
		e.buf.emitByte(0xc0 | (regLow3(dst) << 3) | regLow3(src))
	} else {
		emitRegReg(e.buf, arithOpcode(insn.Op), dst, src, wide)
	}
	e.storeToOperand(insn.Dest, dst, wide)
}

// scratchRegSecond is the second scratch register this encoder reserves
// alongside scratchReg, needed because LIRAdd/LIRSub/... may need both
// operands reloaded from a spill slot at once.
const scratchRegSecond = R10

func arithOpcode(op LIROp) byte {
	switch op {
	case LIRAdd:
		return 0x01
	case LIRSub:
		return 0x29
	case LIRAnd:
		return 0x21
	case LIROr:
		return 0x09
	case LIRXor:
		return 0x31
	default:
		panic("jitcore: arithOpcode on non-arith LIROp")
	}
}

// encodeDivRem implements the encode-time RAX:RDX shuffle: sign-
// extend RAX into RDX (CDQ/CQO), IDIV the divisor, then move RAX
// (quotient) or RDX (remainder) into the destination.
func encodeDivRem(e *CodeEmitter, insn *LIRInstruction) {
	wide := isWide(insn.Dest.Var.Type)
	dividend := e.loadOperand(insn.Dest, scratchReg)
	if dividend != RAX {
		emitRegReg(e.buf, 0x89, RAX, dividend, wide)
	}
	if wide {
		e.buf.emitBytes(0x48, 0x99) // cqo
	} else {
		e.buf.emitBytes(0x99) // cdq
	}
	divisor := e.loadOperand(insn.Src1, scratchRegSecond)
	e.buf.emitByte(rex(wide, false, false, regExt(divisor)))
	e.buf.emitByte(0xf7)
	e.buf.emitByte(0xf8 | regLow3(divisor)) // /7 idiv

	result := RAX
	if insn.Op == LIRIRem {
		result = RDX
	}
	e.storeToOperand(insn.Dest, result, wide)
}

func encodeShift(e *CodeEmitter, insn *LIRInstruction) {
	wide := isWide(insn.Dest.Var.Type)
	dst := e.loadOperand(insn.Dest, scratchReg)
	if insn.Src1.Kind == OperandImm {
		e.buf.emitByte(rex(wide, false, false, regExt(dst)))
		e.buf.emitByte(0xc1)
		e.buf.emitByte(0xc0 | (shiftExt(insn.Op) << 3) | regLow3(dst))
		e.buf.emitByte(byte(insn.Src1.Imm))
	} else {
		count := e.loadOperand(insn.Src1, scratchRegSecond)
		if count != RCX {
			emitRegReg(e.buf, 0x89, RCX, count, false)
		}
		e.buf.emitByte(rex(wide, false, false, regExt(dst)))
		e.buf.emitByte(0xd3)
		e.buf.emitByte(0xc0 | (shiftExt(insn.Op) << 3) | regLow3(dst))
	}
	e.storeToOperand(insn.Dest, dst, wide)
}

func shiftExt(op LIROp) byte {
	switch op {
	case LIRShl:
		return 4
	case LIRShr:
		return 5
	case LIRSar:
		return 7
	default:
		panic("jitcore: shiftExt on non-shift LIROp")
	}
}

func encodeLoad(e *CodeEmitter, insn *LIRInstruction) {
	dst := regForDest(insn.Dest)
	wide := isWide(insn.Dest.Var.Type)
	switch insn.Src1.Kind {
	case OperandMemBase:
		base := e.loadOperand(RegOperand(insn.Src1.Var), scratchRegSecond)
		emitRegMem(e.buf, 0x8b, dst, base, insn.Src1.Disp, wide)
	case OperandMemIndex:
		base := e.loadOperand(RegOperand(insn.Src1.Var), scratchRegSecond)
		index := e.loadOperand(RegOperand(insn.Src1.Index), scratchRegThird)
		emitRegMemIndex(e.buf, 0x8b, dst, base, index, insn.Src1.Scale, insn.Src1.Disp, wide)
	default:
		panic("jitcore: encodeLoad on unsupported Src1 kind")
	}
	e.storeToOperand(insn.Dest, dst, wide)
}

const scratchRegThird = R9

// regForDest picks scratchReg as the working register for a load whose
// destination VarInfo may itself be spilled; storeToOperand below
// commits it back to the real location.
func regForDest(dest *Operand) MachReg {
	if dest.Var.AllocatedReg != NoReg {
		return dest.Var.AllocatedReg
	}
	return scratchReg
}

func encodeStore(e *CodeEmitter, insn *LIRInstruction) {
	src := e.loadOperand(insn.Src1, scratchReg)
	wide := isWide(resultType(insn.Src1))
	switch insn.Dest.Kind {
	case OperandMemBase:
		base := e.loadOperand(RegOperand(insn.Dest.Var), scratchRegSecond)
		emitRegMem(e.buf, 0x89, src, base, insn.Dest.Disp, wide)
	case OperandMemIndex:
		base := e.loadOperand(RegOperand(insn.Dest.Var), scratchRegSecond)
		index := e.loadOperand(RegOperand(insn.Dest.Index), scratchRegThird)
		emitRegMemIndex(e.buf, 0x89, src, base, index, insn.Dest.Scale, insn.Dest.Disp, wide)
	default:
		panic("jitcore: encodeStore on unsupported Dest kind")
	}
}

func encodeCmp(e *CodeEmitter, insn *LIRInstruction) {
	left := e.loadOperand(insn.Src1, scratchReg)
	wide := isWide(resultType(insn.Src1))
	if insn.Src2.Kind == OperandImm {
		e.buf.emitByte(rex(wide, false, false, regExt(left)))
		e.buf.emitByte(0x81)
		e.buf.emitByte(0xf8 | regLow3(left))
		e.buf.emitI32(int32(insn.Src2.Imm))
		return
	}
	right := e.loadOperand(insn.Src2, scratchRegSecond)
	emitRegReg(e.buf, 0x39, left, right, wide)
}

func jccCode(c Condition) byte {
	switch c {
	case CondEQ:
		return 0x84
	case CondNE:
		return 0x85
	case CondLT:
		return 0x8c
	case CondGE:
		return 0x8d
	case CondGT:
		return 0x8f
	case CondLE:
		return 0x8e
	default:
		panic("jitcore: jccCode on unknown condition")
	}
}

func storeCallResult(e *CodeEmitter, insn *LIRInstruction) {
	if insn.Dest == nil {
		return
	}
	wide := isWide(insn.Dest.Var.Type)
	e.storeToOperand(insn.Dest, RAX, wide)
}

// encodeCallTrampoline emits a call through the target method's
// trampoline stub (the target's body is not emitted yet), recording the
// call-site address on the trampoline so a later compile-then-patch can
// bypass it.
func encodeCallTrampoline(e *CodeEmitter, insn *LIRInstruction) {
	pushJITArgs(e, insn.Call.ArgVars)
	tramp := insn.Call.Method.ResolvedMethod.Trampoline()
	callSiteOff := e.buf.pos()
	e.emitAbsCall(tramp.Entry)
	// RecordCallSite needs the call site's absolute address, not its
	// buffer-relative offset; that's only known once commitExecutable
	// picks the mapping's load address, so stash the offset now and let
	// EmitCode translate it after commit.
	e.trampolineCallSites = append(e.trampolineCallSites, trampolineCallSite{off: callSiteOff, tramp: tramp})
	dropJITArgs(e, len(insn.Call.ArgVars))
	storeCallResult(e, insn)
}

// pushJITArgs marshals a JIT-method call's arguments: pushed right to
// left, so the callee's
// prologue finds argument 0 immediately above the return address, at the
// same frame.ArgOffset layout it reads its own incoming arguments from.
func pushJITArgs(e *CodeEmitter, argVars []*VarInfo) {
	for i := len(argVars) - 1; i >= 0; i-- {
		v := e.loadOperand(RegOperand(argVars[i]), scratchReg)
		e.buf.emitByte(rex(false, false, false, regExt(v)))
		e.buf.emitByte(0x50 | regLow3(v))
	}
}

// dropJITArgs drops the pushed arguments after the call returns.
func dropJITArgs(e *CodeEmitter, n int) {
	if n == 0 {
		return
	}
	e.buf.emitBytes(0x48, 0x81, 0xc4) // add rsp, imm32
	e.buf.emitI32(int32(n * 8))
}

// encodeCallHelper emits a call to a named runtime helper (alloc, field
// access, monitor, checkcast, safety checks, throw). Helpers follow the SysV register convention, unlike JIT
// method bodies: the payload word (resolved field/class handle or array
// element tag) rides in the first argument register, the lowered operand
// values after it, and the helper's address is materialized as a 64-bit
// immediate and called indirectly.
func encodeCallHelper(e *CodeEmitter, insn *LIRInstruction) {
	payload, hasPayload := helperPayload(insn.Call)
	start := 0
	if hasPayload {
		start = 1
	}
	marshalArgs(e, insn.Call.ArgVars, start)
	if hasPayload {
		movImm64(e.buf, argRegs[0], payload)
	}
	movImm64(e.buf, scratchReg, uint64(e.helperAddress(insn.Call)))
	e.buf.emitByte(0xff)
	e.buf.emitByte(0xd0 | regLow3(scratchReg)) // /2, call r/m64
	storeCallResult(e, insn)
}

// helperPayload packs the CallTarget's resolved-handle payload into the
// word the helper receives as its first argument: the FieldHandle's
// address for field access, the class handle's data pointer for
// new/anewarray/checkcast, the raw element tag for newarray.
func helperPayload(call *CallTarget) (uint64, bool) {
	switch {
	case call.Field != nil:
		return uint64(uintptr(unsafe.Pointer(call.Field))), true
	case call.Class != nil:
		return uint64(classLockRef(call.Class)), true
	case call.HelperName == "newarray":
		return uint64(call.ElemTag), true
	default:
		return 0, false
	}
}

// marshalArgs moves each argument into its SysV ABI integer argument
// register starting at argRegs[start] (start is 1 when a payload word
// owns the first register); helper calls never take more than the six
// register-passed arguments in this core (helper payloads top out at
// object+index+value, well under the limit).
var argRegs = []MachReg{RDI, RSI, RDX, RCX, R8, R9}

func marshalArgs(e *CodeEmitter, argVars []*VarInfo, start int) {
	if start+len(argVars) > len(argRegs) {
		panic("jitcore: marshalArgs: too many arguments for the register-only calling convention")
	}

	// argRegs overlaps gprPool in RSI/RDI/R8 (regalloc.go), so an
	// argument already sitting in a register can itself be some other
	// argument's destination: e.g. putfield's {objVar, srcVar} landing in
	// RSI/RDI means marshalling arg0 into RDI first would clobber the
	// value arg1 still needs to read out of RDI. Sequence every
	// register-to-register move as one parallel move (moves, below)
	// instead of a naive in-order loop of direct MOVs; only a value with
	// no register to preserve (a spilled operand) can be reloaded directly
	// into its destination register without this concern.
	moves := make(map[MachReg]MachReg)
	var spilled []int
	for i, v := range argVars {
		dst := argRegs[start+i]
		if v.AllocatedReg == NoReg {
			spilled = append(spilled, i)
			continue
		}
		if v.AllocatedReg != dst {
			moves[dst] = v.AllocatedReg
		}
	}
	sequenceRegisterMoves(e, moves)

	for _, i := range spilled {
		v := argVars[i]
		disp := e.frame.SpillOffset(v.SpillSlot)
		emitRegMem(e.buf, 0x8b, argRegs[start+i], RBP, disp, isWide(v.Type))
	}
}

// sequenceRegisterMoves emits a set of register-to-register MOVs (moves:
// dst -> src, src != dst) as a correct parallel move: a dst that is also
// some other pending move's src is deferred until that src has been read,
// and a cycle (every register in it is both some move's dst and another
// move's src) is broken by stashing one register's value in scratchReg
// first and writing it back once the rest of the cycle has shifted.
func sequenceRegisterMoves(e *CodeEmitter, moves map[MachReg]MachReg) {
	pending := make(map[MachReg]MachReg, len(moves))
	srcCount := make(map[MachReg]int, len(moves))
	for dst, src := range moves {
		pending[dst] = src
		srcCount[src]++
	}

	for len(pending) > 0 {
		progressed := false
		for dst, src := range pending {
			if srcCount[dst] != 0 {
				continue // dst is still needed as someone else's source
			}
			emitRegReg(e.buf, 0x89, dst, src, true)
			delete(pending, dst)
			srcCount[src]--
			progressed = true
		}
		if progressed {
			continue
		}

		// Every remaining move is part of a cycle: pick any entry point,
		// save its destination's current value, shift the rest of the
		// cycle along, then close it from the saved value.
		var start MachReg
		for dst := range pending {
			start = dst
			break
		}
		emitRegReg(e.buf, 0x89, scratchReg, start, true)
		cur := start
		for {
			src := pending[cur]
			delete(pending, cur)
			if src == start {
				emitRegReg(e.buf, 0x89, cur, scratchReg, true)
				break
			}
			emitRegReg(e.buf, 0x89, cur, src, true)
			cur = src
		}
	}
}

// helperAddress resolves a helper call's target through the owning
// Compiler's dispatch table (populated via Compiler.RegisterHelper and
// handed to EmitCode), keeping the arch-specific encoder free of
// Runtime plumbing.
func (e *CodeEmitter) helperAddress(call *CallTarget) uintptr {
	if addr, ok := e.helpers[call.HelperName]; ok {
		return addr
	}
	panic("jitcore: unregistered runtime helper " + call.HelperName)
}

func entryAddr(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
