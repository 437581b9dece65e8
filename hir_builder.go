package jitcore

// BuildHIR implements BytecodeToHIR: it walks every basic block's
// bytecode range simulating the operand stack (the "mimic stack"), and
// fills in blk.Stmts with the statement sequence the rest of the pipeline
// consumes. Blocks are walked in CFG order; a block whose bytecode leaves
// values on the stack at its end (rare in verified bytecode, but not
// disallowed by this core) materializes them into fresh temporaries and
// hands them to its fallthrough successor, which picks them back up at
// entry — this is the mechanism that lets blocks be built independently
// of walk order for everything except that hand-off.
func BuildHIR(method Method, cfg *ControlFlowGraph, runtime *Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(mimicUnderflow); ok {
				err = newMalformed(method.Name(), "operand stack underflow")
				return
			}
			panic(r)
		}
	}()

	b := &hirBuilder{
		method:  method,
		cfg:     cfg,
		runtime: runtime,
		code:    method.Code(),
		carry:   make(map[int][]Expression),
	}
	for _, blk := range cfg.Blocks {
		if err := b.walkBlock(blk); err != nil {
			return err
		}
	}
	if b.excSpill != nil {
		cfg.ExcTempID = b.excSpill.ID
	}
	return nil
}

type hirBuilder struct {
	method  Method
	cfg     *ControlFlowGraph
	runtime *Runtime
	code    []byte

	nextTemp int
	excSpill *TemporaryExpr
	carry    map[int][]Expression
}

func (b *hirBuilder) newTemp(t VMType, off int) *TemporaryExpr {
	id := b.nextTemp
	b.nextTemp++
	return NewTemporaryExpr(t, id, off)
}

func (b *hirBuilder) readTemp(t *TemporaryExpr, off int) *TemporaryExpr {
	return NewTemporaryExpr(t.Type(), t.ID, off)
}

// materializeValue stores e into a fresh temporary and returns it:
// every value the dup family duplicates is STOREd first so the
// duplicate and the original both read a temporary rather than sharing
// one Expression node.
func (b *hirBuilder) materializeValue(blk *BasicBlock, e Expression, off int) *TemporaryExpr {
	t := b.newTemp(e.Type(), off)
	blk.Stmts = append(blk.Stmts, NewStoreStmt(t, e, off))
	return t
}

// mimicUnderflow is the sentinel pop panics with on an operand-stack
// underflow; BuildHIR converts it to a MalformedMethod error (the wrong-
// stack-depth failure mode) rather than threading an error return
// through every opcode's pop sites.
type mimicUnderflow struct{}

func pop(blk *BasicBlock) Expression {
	n := len(blk.mimicStack) - 1
	if n < 0 {
		panic(mimicUnderflow{})
	}
	e := blk.mimicStack[n]
	blk.mimicStack = blk.mimicStack[:n]
	return e
}

func push(blk *BasicBlock, e Expression) {
	blk.mimicStack = append(blk.mimicStack, e)
}

// walkBlock translates every instruction in blk's bytecode range into
// HIR, seeding the mimic stack from an exception-handler's implicit
// thrown-object push or from a predecessor's carried values, and draining
// any values still on the stack when the block's final instruction has
// been translated into carry for its fallthrough successor.
func (b *hirBuilder) walkBlock(blk *BasicBlock) error {
	switch {
	case blk.IsExceptionHandler:
		if b.excSpill == nil {
			b.excSpill = b.newTemp(TRef, UnknownOffset)
		}
		blk.mimicStack = []Expression{b.readTemp(b.excSpill, blk.StartPC)}
	case b.carry[blk.ID] != nil:
		blk.mimicStack = append([]Expression(nil), b.carry[blk.ID]...)
	default:
		blk.mimicStack = nil
	}

	pc := blk.StartPC
	var lastOp Opcode
	for pc < blk.EndPC {
		wide := false
		opPC := pc
		if Opcode(b.code[pc]) == OpWide {
			wide = true
			pc++
		}
		op := Opcode(b.code[pc])
		size := instructionSize(b.code, pc, wide)
		if size < 0 {
			return newMalformed(b.method.Name(), "unrecognized opcode 0x%02x at pc=%d", b.code[pc], pc)
		}
		total := size
		if wide {
			total++
		}
		nextPC := opPC + total

		insertPos := len(blk.Stmts)
		skip, err := b.translateOpcode(blk, op, pc, opPC, wide, nextPC)
		if err != nil {
			return err
		}

		if nextPC >= blk.EndPC && len(blk.mimicStack) > 0 {
			if carryStmts := b.drainCarry(blk, op, opPC); len(carryStmts) > 0 {
				tail := append([]Statement{}, blk.Stmts[insertPos:]...)
				blk.Stmts = append(blk.Stmts[:insertPos], append(carryStmts, tail...)...)
			}
		}

		if skip {
			// The next instruction (a POP/POP2 immediately after a
			// value-producing INVOKE) has already been folded into this
			// one's EXPRESSION lowering.
			op = Opcode(b.code[nextPC])
			nextPC++
		}
		lastOp = op
		pc = nextPC
	}

	// The folded-POP path above can exhaust the block after the in-loop
	// drain check already ran; whatever is still on the stack here belongs
	// to the fallthrough successor.
	if len(blk.mimicStack) > 0 {
		blk.Stmts = append(blk.Stmts, b.drainCarry(blk, lastOp, blk.EndPC-1)...)
	}

	blk.finalizeMimicStack()
	return nil
}

// drainCarry materializes whatever remains on the mimic stack after the
// block's final instruction into fresh temporaries and records them
// against the block's fallthrough successor, if it has one. Blocks ending
// in GOTO, a switch, a return, or ATHROW have no fallthrough, so leftover
// values (which verified bytecode never produces) are simply discarded.
func (b *hirBuilder) drainCarry(blk *BasicBlock, lastOp Opcode, off int) []Statement {
	succ := b.fallthroughTarget(blk, lastOp)
	if succ == nil {
		blk.mimicStack = nil
		return nil
	}
	stmts := make([]Statement, 0, len(blk.mimicStack))
	carried := make([]Expression, 0, len(blk.mimicStack))
	for _, e := range blk.mimicStack {
		t := b.newTemp(e.Type(), off)
		stmts = append(stmts, NewStoreStmt(t, e, off))
		carried = append(carried, b.readTemp(t, off))
	}
	b.carry[succ.ID] = carried
	blk.mimicStack = nil
	return stmts
}

func (b *hirBuilder) fallthroughTarget(blk *BasicBlock, op Opcode) *BasicBlock {
	switch {
	case isConditionalBranch(op):
		if len(blk.Successors) >= 2 {
			return blk.Successors[1]
		}
		return nil
	case op == OpGoto || op == OpTableswitch || op == OpLookupswitch || isUnconditionalTerminator(op):
		return nil
	default:
		if len(blk.Successors) >= 1 {
			return blk.Successors[0]
		}
		return nil
	}
}

// --- dup family ---

func (b *hirBuilder) doDup(blk *BasicBlock, off int) {
	v := pop(blk)
	t := b.materializeValue(blk, v, off)
	push(blk, b.readTemp(t, off))
	push(blk, b.readTemp(t, off))
}

func (b *hirBuilder) doDupX1(blk *BasicBlock, off int) {
	v1 := pop(blk)
	v2 := pop(blk)
	t1 := b.materializeValue(blk, v1, off)
	t2 := b.materializeValue(blk, v2, off)
	push(blk, b.readTemp(t1, off))
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
}

func (b *hirBuilder) doDupX2(blk *BasicBlock, off int) error {
	v1 := pop(blk)
	v2 := pop(blk)
	if v2.Type().is64() {
		t1 := b.materializeValue(blk, v1, off)
		t2 := b.materializeValue(blk, v2, off)
		push(blk, b.readTemp(t1, off))
		push(blk, b.readTemp(t2, off))
		push(blk, b.readTemp(t1, off))
		return nil
	}
	v3 := pop(blk)
	t1 := b.materializeValue(blk, v1, off)
	t2 := b.materializeValue(blk, v2, off)
	t3 := b.materializeValue(blk, v3, off)
	push(blk, b.readTemp(t1, off))
	push(blk, b.readTemp(t3, off))
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
	return nil
}

func (b *hirBuilder) doDup2(blk *BasicBlock, off int) {
	v1 := pop(blk)
	if v1.Type().is64() {
		t1 := b.materializeValue(blk, v1, off)
		push(blk, b.readTemp(t1, off))
		push(blk, b.readTemp(t1, off))
		return
	}
	v2 := pop(blk)
	t1 := b.materializeValue(blk, v1, off)
	t2 := b.materializeValue(blk, v2, off)
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
}

func (b *hirBuilder) doDup2X1(blk *BasicBlock, off int) {
	v1 := pop(blk)
	if v1.Type().is64() {
		v2 := pop(blk)
		t1 := b.materializeValue(blk, v1, off)
		t2 := b.materializeValue(blk, v2, off)
		push(blk, b.readTemp(t1, off))
		push(blk, b.readTemp(t2, off))
		push(blk, b.readTemp(t1, off))
		return
	}
	v2 := pop(blk)
	v3 := pop(blk)
	t1 := b.materializeValue(blk, v1, off)
	t2 := b.materializeValue(blk, v2, off)
	t3 := b.materializeValue(blk, v3, off)
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
	push(blk, b.readTemp(t3, off))
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
}

// doDup2X2 implements all four encoded forms: both dup'd slots one
// category-2 value (duplicated under another category-2 or under two
// category-1 values), and two category-1 values duplicated under a
// category-2 value or under two more category-1 values. A category-2
// value straddling the two dup'd slots is not a legal operand stack and
// is rejected.
func (b *hirBuilder) doDup2X2(blk *BasicBlock, off int) error {
	v1 := pop(blk)
	if v1.Type().is64() {
		v2 := pop(blk)
		if v2.Type().is64() {
			t1 := b.materializeValue(blk, v1, off)
			t2 := b.materializeValue(blk, v2, off)
			push(blk, b.readTemp(t1, off))
			push(blk, b.readTemp(t2, off))
			push(blk, b.readTemp(t1, off))
			return nil
		}
		v3 := pop(blk)
		t1 := b.materializeValue(blk, v1, off)
		t2 := b.materializeValue(blk, v2, off)
		t3 := b.materializeValue(blk, v3, off)
		push(blk, b.readTemp(t1, off))
		push(blk, b.readTemp(t3, off))
		push(blk, b.readTemp(t2, off))
		push(blk, b.readTemp(t1, off))
		return nil
	}
	v2 := pop(blk)
	if v2.Type().is64() {
		return newMalformed(b.method.Name(), "dup2_x2: category-2 value straddles the duplicated pair at pc=%d", off)
	}
	v3 := pop(blk)
	if v3.Type().is64() {
		// Two category-1 values duplicated under one category-2 value:
		// only three values participate.
		t1 := b.materializeValue(blk, v1, off)
		t2 := b.materializeValue(blk, v2, off)
		t3 := b.materializeValue(blk, v3, off)
		push(blk, b.readTemp(t2, off))
		push(blk, b.readTemp(t1, off))
		push(blk, b.readTemp(t3, off))
		push(blk, b.readTemp(t2, off))
		push(blk, b.readTemp(t1, off))
		return nil
	}
	v4 := pop(blk)
	t1 := b.materializeValue(blk, v1, off)
	t2 := b.materializeValue(blk, v2, off)
	t3 := b.materializeValue(blk, v3, off)
	t4 := b.materializeValue(blk, v4, off)
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
	push(blk, b.readTemp(t4, off))
	push(blk, b.readTemp(t3, off))
	push(blk, b.readTemp(t2, off))
	push(blk, b.readTemp(t1, off))
	return nil
}

// localIndexOf returns the local-variable-table index a load/store opcode
// targets: the short forms (iload_0..3 etc.) encode it in the opcode
// itself, the long forms read it from the operand (1 or 2 bytes, per the
// wide-prefix rule).
func localIndexOf(op, base0, base1, base2, base3, baseN Opcode, code []byte, pc int, wide bool) int {
	switch op {
	case base0:
		return 0
	case base1:
		return 1
	case base2:
		return 2
	case base3:
		return 3
	default:
		if wide {
			return int(uint16FromBE(code[pc+1:]))
		}
		return int(code[pc+1])
	}
}

func uint16FromBE(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func arithBinOp(op Opcode) (BinOp, bool) {
	switch op {
	case OpIadd, OpLadd:
		return OpBinAdd, true
	case OpIsub, OpLsub:
		return OpBinSub, true
	case OpImul, OpLmul:
		return OpBinMul, true
	case OpIdiv, OpLdiv:
		return OpBinDiv, true
	case OpIrem, OpLrem:
		return OpBinRem, true
	case OpIand, OpLand:
		return OpBinAnd, true
	case OpIor, OpLor:
		return OpBinOr, true
	case OpIxor, OpLxor:
		return OpBinXor, true
	case OpIshl, OpLshl:
		return OpBinShl, true
	case OpIshr, OpLshr:
		return OpBinShr, true
	case OpIushr, OpLushr:
		return OpBinUshr, true
	default:
		return 0, false
	}
}

func compareOpFor(op Opcode) BinOp {
	switch op {
	case OpIfeq, OpIfIcmpeq, OpIfAcmpeq:
		return OpCmpEq
	case OpIfne, OpIfIcmpne, OpIfAcmpne:
		return OpCmpNe
	case OpIflt, OpIfIcmplt:
		return OpCmpLt
	case OpIfge, OpIfIcmpge:
		return OpCmpGe
	case OpIfgt, OpIfIcmpgt:
		return OpCmpGt
	case OpIfle, OpIfIcmple:
		return OpCmpLe
	default:
		panic("jitcore: compareOpFor on non-branch opcode")
	}
}

// methodReturnType extracts the return type from a full method descriptor
// ("(I)I" -> "I"), then reads its VMType the same way a field descriptor
// is read.
func methodReturnType(descriptor string) VMType {
	for i := 0; i < len(descriptor); i++ {
		if descriptor[i] == ')' {
			return vmTypeOfDescriptor(descriptor[i+1:])
		}
	}
	return TInt32
}

func vmTypeOfDescriptor(desc string) VMType {
	if len(desc) == 0 {
		return TInt32
	}
	switch desc[0] {
	case 'J':
		return TInt64
	case 'D':
		return TFloat64
	case 'F':
		return TFloat32
	case 'L', '[':
		return TRef
	default:
		return TInt32
	}
}

// translateOpcode lowers one bytecode instruction into HIR, pushing onto
// or popping from blk.mimicStack and appending to blk.Stmts as needed. It
// reports skip=true when it has also consumed the very next instruction
// (the INVOKE-immediately-followed-by-POP/POP2 fold).
func (b *hirBuilder) translateOpcode(blk *BasicBlock, op Opcode, pc, off int, wide bool, nextPC int) (skip bool, err error) {
	code := b.code
	resolver := b.runtime.Resolver

	switch op {
	case OpNop:
		blk.Stmts = append(blk.Stmts, &NopStmt{stmtBase{off}})

	case OpAconstNull:
		push(blk, NewValueExpr(TRef, 0, off))

	case OpIconstM1, OpIconst0, OpIconst1, OpIconst2, OpIconst3, OpIconst4, OpIconst5:
		push(blk, NewValueExpr(TInt32, int64(op)-int64(OpIconst0), off))

	case OpBipush:
		push(blk, NewValueExpr(TInt32, int64(int8(code[pc+1])), off))

	case OpSipush:
		push(blk, NewValueExpr(TInt32, int64(int16FromBE(code[pc+1:])), off))

	case OpLdc:
		idx := int(code[pc+1])
		cv, e := resolver.ResolveConstant(idx)
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		switch cv.Tag {
		case CPInteger:
			push(blk, NewValueExpr(TInt32, cv.IVal, off))
		case CPLong:
			push(blk, NewValueExpr(TInt64, cv.IVal, off))
		case CPFloat:
			push(blk, NewFValueExpr(TFloat32, cv.FVal, off))
		case CPDouble:
			push(blk, NewFValueExpr(TFloat64, cv.FVal, off))
		case CPString, CPClassRef:
			push(blk, NewValueExpr(TRef, int64(cv.Ref), off))
		default:
			return false, newMalformed(b.method.Name(), "ldc: unexpected constant tag at pc=%d", pc)
		}

	case OpIload, OpIload0, OpIload1, OpIload2, OpIload3:
		idx := localIndexOf(op, OpIload0, OpIload1, OpIload2, OpIload3, OpIload, code, pc, wide)
		push(blk, NewLocalExpr(TInt32, idx, off))

	case OpAload, OpAload0, OpAload1, OpAload2, OpAload3:
		idx := localIndexOf(op, OpAload0, OpAload1, OpAload2, OpAload3, OpAload, code, pc, wide)
		push(blk, NewLocalExpr(TRef, idx, off))

	case OpIstore, OpIstore0, OpIstore1, OpIstore2, OpIstore3:
		idx := localIndexOf(op, OpIstore0, OpIstore1, OpIstore2, OpIstore3, OpIstore, code, pc, wide)
		v := pop(blk)
		blk.Stmts = append(blk.Stmts, NewStoreStmt(NewLocalExpr(TInt32, idx, off), v, off))

	case OpAstore, OpAstore0, OpAstore1, OpAstore2, OpAstore3:
		idx := localIndexOf(op, OpAstore0, OpAstore1, OpAstore2, OpAstore3, OpAstore, code, pc, wide)
		v := pop(blk)
		blk.Stmts = append(blk.Stmts, NewStoreStmt(NewLocalExpr(TRef, idx, off), v, off))

	case OpIaload, OpAaload:
		index := pop(blk)
		ref := pop(blk)
		blk.Stmts = append(blk.Stmts, NewNullCheckStmt(ref, off), NewArrayCheckStmt(ref, index, off))
		elemType := TInt32
		if op == OpAaload {
			elemType = TRef
		}
		push(blk, NewArrayDerefExpr(elemType, ref, index, off))

	case OpIastore, OpAastore:
		val := pop(blk)
		index := pop(blk)
		ref := pop(blk)
		elemType := TInt32
		if op == OpAastore {
			elemType = TRef
		}
		blk.Stmts = append(blk.Stmts,
			NewNullCheckStmt(ref, off),
			NewArrayCheckStmt(ref, index, off),
			NewStoreStmt(NewArrayDerefExpr(elemType, ref, index, off), val, off))

	case OpPop:
		v := pop(blk)
		switch v.(type) {
		case *NewExpr, *NewArrayExpr, *ANewArrayExpr:
			// The allocation still runs when its result is discarded.
			blk.Stmts = append(blk.Stmts, NewExpressionStmt(v, off))
		}

	case OpPop2:
		v := pop(blk)
		if !v.Type().is64() {
			pop(blk)
		}

	case OpDup:
		b.doDup(blk, off)
	case OpDupX1:
		b.doDupX1(blk, off)
	case OpDupX2:
		return false, b.doDupX2(blk, off)
	case OpDup2:
		b.doDup2(blk, off)
	case OpDup2X1:
		b.doDup2X1(blk, off)
	case OpDup2X2:
		return false, b.doDup2X2(blk, off)

	case OpSwap:
		v1 := pop(blk)
		v2 := pop(blk)
		push(blk, v1)
		push(blk, v2)

	case OpIadd, OpLadd, OpIsub, OpLsub, OpImul, OpLmul, OpIdiv, OpLdiv, OpIrem, OpLrem,
		OpIand, OpLand, OpIor, OpLor, OpIxor, OpLxor,
		OpIshl, OpLshl, OpIshr, OpLshr, OpIushr, OpLushr:
		bop, _ := arithBinOp(op)
		r := pop(blk)
		l := pop(blk)
		push(blk, NewBinOpExpr(l.Type(), bop, l, r, off))

	case OpIneg, OpLneg:
		v := pop(blk)
		push(blk, NewUnaryOpExpr(v.Type(), OpNeg, v, off))

	case OpI2l:
		push(blk, NewConversionExpr(TInt64, pop(blk), off))
	case OpI2f:
		push(blk, NewConversionExpr(TFloat32, pop(blk), off))
	case OpI2d:
		push(blk, NewConversionExpr(TFloat64, pop(blk), off))
	case OpL2i:
		push(blk, NewConversionExpr(TInt32, pop(blk), off))

	case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle:
		v := pop(blk)
		cond := NewBinOpExpr(TInt32, compareOpFor(op), v, NewValueExpr(TInt32, 0, off), off)
		blk.Stmts = append(blk.Stmts, NewIfStmt(cond, blk.Successors[0], off))

	case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple,
		OpIfAcmpeq, OpIfAcmpne:
		r := pop(blk)
		l := pop(blk)
		cond := NewBinOpExpr(TInt32, compareOpFor(op), l, r, off)
		blk.Stmts = append(blk.Stmts, NewIfStmt(cond, blk.Successors[0], off))

	case OpGoto:
		blk.Stmts = append(blk.Stmts, NewGotoStmt(blk.Successors[0], off))

	case OpTableswitch, OpLookupswitch:
		v := pop(blk)
		targets, terr := switchTargets(code, pc, op)
		if terr != nil {
			return false, newMalformed(b.method.Name(), "%s", terr.Error())
		}
		defaultBlk := b.cfg.BlockAt(targets[0])
		// lower as an if-chain against the decoded (value,target) pairs,
		// preserving encounter order; tableswitch's values are implicit
		// (low..high), lookupswitch's are explicit (key,target) pairs.
		if op == OpTableswitch {
			pad := pad4(pc)
			base := pc + 1 + pad
			low := int(int32FromBE(code[base+4:]))
			for i, t := range targets[1:] {
				caseVal := low + i
				cond := NewBinOpExpr(TInt32, OpCmpEq, v, NewValueExpr(TInt32, int64(caseVal), off), off)
				blk.Stmts = append(blk.Stmts, NewIfStmt(cond, b.cfg.BlockAt(t), off))
			}
		} else {
			pad := pad4(pc)
			base := pc + 1 + pad
			npairs := int(int32FromBE(code[base+4:]))
			entries := base + 8
			for i := 0; i < npairs; i++ {
				key := int32FromBE(code[entries+8*i:])
				t := targets[1+i]
				cond := NewBinOpExpr(TInt32, OpCmpEq, v, NewValueExpr(TInt32, int64(key), off), off)
				blk.Stmts = append(blk.Stmts, NewIfStmt(cond, b.cfg.BlockAt(t), off))
			}
		}
		blk.Stmts = append(blk.Stmts, NewGotoStmt(defaultBlk, off))

	case OpIreturn, OpAreturn:
		blk.Stmts = append(blk.Stmts, NewReturnStmt(pop(blk), off))
	case OpReturn:
		blk.Stmts = append(blk.Stmts, NewReturnStmt(nil, off))

	case OpGetstatic:
		fh, e := resolver.ResolveField(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		push(blk, NewClassFieldExpr(vmTypeOfDescriptor(fh.TypeDescriptor), fh, off))

	case OpPutstatic:
		fh, e := resolver.ResolveField(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		v := pop(blk)
		blk.Stmts = append(blk.Stmts, NewStoreStmt(NewClassFieldExpr(vmTypeOfDescriptor(fh.TypeDescriptor), fh, off), v, off))

	case OpGetfield:
		fh, e := resolver.ResolveField(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		obj := pop(blk)
		blk.Stmts = append(blk.Stmts, NewNullCheckStmt(obj, off))
		push(blk, NewInstanceFieldExpr(vmTypeOfDescriptor(fh.TypeDescriptor), fh, obj, off))

	case OpPutfield:
		fh, e := resolver.ResolveField(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		v := pop(blk)
		obj := pop(blk)
		blk.Stmts = append(blk.Stmts,
			NewNullCheckStmt(obj, off),
			NewStoreStmt(NewInstanceFieldExpr(vmTypeOfDescriptor(fh.TypeDescriptor), fh, obj, off), v, off))

	case OpInvokevirtual, OpInvokeinterface:
		var mh *MethodHandle
		var e error
		if op == OpInvokeinterface {
			mh, e = resolver.ResolveInterfaceMethod(int(uint16FromBE(code[pc+1:])))
		} else {
			mh, e = resolver.ResolveMethod(int(uint16FromBE(code[pc+1:])))
		}
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		args := make([]Expression, mh.ArgCount)
		for i := mh.ArgCount - 1; i >= 0; i-- {
			args[i] = pop(blk)
		}
		receiver := pop(blk)
		blk.Stmts = append(blk.Stmts, NewNullCheckStmt(receiver, off))
		all := append([]Expression{receiver}, args...)
		retType := TVoid
		if mh.ReturnsValue {
			retType = methodReturnType(mh.Descriptor)
		}
		invoke := NewInvokeVirtualExpr(retType, mh, buildArgsList(all, off), off)
		return b.finishInvoke(blk, invoke, mh.ReturnsValue, off, nextPC)

	case OpInvokespecial, OpInvokestatic:
		mh, e := resolver.ResolveMethod(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		argc := mh.ArgCount
		hasReceiver := op == OpInvokespecial
		args := make([]Expression, argc)
		for i := argc - 1; i >= 0; i-- {
			args[i] = pop(blk)
		}
		all := args
		if hasReceiver {
			receiver := pop(blk)
			blk.Stmts = append(blk.Stmts, NewNullCheckStmt(receiver, off))
			all = append([]Expression{receiver}, args...)
		}
		retType := TVoid
		if mh.ReturnsValue {
			retType = methodReturnType(mh.Descriptor)
		}
		invoke := NewInvokeExpr(retType, mh, buildArgsList(all, off), off)
		return b.finishInvoke(blk, invoke, mh.ReturnsValue, off, nextPC)

	case OpNew:
		ch, e := resolver.ResolveClass(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		push(blk, NewNewExpr(ch, off))

	case OpNewarray:
		tag := code[pc+1]
		size := pop(blk)
		push(blk, NewNewArrayExpr(tag, size, off))

	case OpAnewarray:
		ch, e := resolver.ResolveClass(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		size := pop(blk)
		push(blk, NewANewArrayExpr(ch, size, off))

	case OpArraylength:
		ref := pop(blk)
		blk.Stmts = append(blk.Stmts, NewNullCheckStmt(ref, off))
		push(blk, NewArrayLengthExpr(ref, off))

	case OpAthrow:
		v := pop(blk)
		blk.Stmts = append(blk.Stmts, NewNullCheckStmt(v, off), NewThrowStmt(v, off))

	case OpCheckcast:
		ch, e := resolver.ResolveClass(int(uint16FromBE(code[pc+1:])))
		if e != nil {
			return false, newResolutionFailure(b.method.Name(), e)
		}
		v := pop(blk)
		blk.Stmts = append(blk.Stmts, NewCheckCastStmt(v, ch, off))
		push(blk, v)

	case OpMonitorenter:
		blk.Stmts = append(blk.Stmts, NewMonitorEnterStmt(pop(blk), off))
	case OpMonitorexit:
		blk.Stmts = append(blk.Stmts, NewMonitorExitStmt(pop(blk), off))

	default:
		return false, newMalformed(b.method.Name(), "unhandled opcode 0x%02x at pc=%d", byte(op), pc)
	}

	return false, nil
}

// finishInvoke applies the rule that an INVOKE/INVOKEVIRTUAL whose
// result is immediately discarded by the next POP/POP2 lowers directly to
// an EXPRESSION statement instead of pushing the result and materializing
// it a statement later, avoiding a pointless temporary.
func (b *hirBuilder) finishInvoke(blk *BasicBlock, invoke Expression, returnsValue bool, off, nextPC int) (bool, error) {
	if !returnsValue {
		blk.Stmts = append(blk.Stmts, NewExpressionStmt(invoke, off))
		return false, nil
	}
	// Only fold a POP that belongs to this block: a POP at a block leader
	// is the successor's first instruction and must be translated there,
	// against whatever the verifier says is on the stack at that merge.
	if nextPC < blk.EndPC {
		next := Opcode(b.code[nextPC])
		if next == OpPop || (next == OpPop2 && invoke.Type().is64()) {
			blk.Stmts = append(blk.Stmts, NewExpressionStmt(invoke, off))
			return true, nil
		}
	}
	push(blk, invoke)
	return false, nil
}
