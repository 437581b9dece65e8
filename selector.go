package jitcore

import "math"

// arrayDataOffset / arrayLengthOffset are the object-layout constants this
// core assumes for array objects: a fixed header followed by the length
// word, followed by element data. The embedding VM's real layout is
// whatever Allocator.AllocTypeArray/AllocArray actually produce; a VM
// wiring this core in with a different layout changes these two
// constants, nothing else.
const (
	arrayLengthOffset = 8
	arrayDataOffset    = 16
)

// elemScale returns the element size in bytes selector.go uses to build
// MEMINDEX addressing for ARRAY_DEREF.
func elemScale(t VMType) int {
	if t.is64() {
		return 8
	}
	return 4
}

// Selector implements HIRToLIR: it walks every block's HIR
// statement list and lowers each Expression/Statement tree into LIR
// instructions appended to blk.Insns, allocating a virtual register
// (VarInfo) per HIR local/temporary it needs to hold a value in.
type Selector struct {
	method Method

	vars      []*VarInfo
	localVars map[int]*VarInfo
	tempVars  map[int]*VarInfo
}

// Selection is SelectInstructions' result: the full virtual register
// table the later stages (liveness, regalloc) index by VarInfo.ID;
// ArgVars, a slot sized to method.ArgCount() mapping each incoming
// argument's local index to the VarInfo backing it (nil where the method
// body never reads that argument — codegen.go uses it to copy each
// argument out of its caller-supplied stack slot at method entry via
// StackFrame.ArgOffset); and ExcVar, the register backing the exception
// handlers' thrown-object temporary, nil for a method with no handlers.
type Selection struct {
	Vars    []*VarInfo
	ArgVars []*VarInfo
	ExcVar  *VarInfo
}

// SelectInstructions runs HIRToLIR over every block of cfg.
func SelectInstructions(method Method, cfg *ControlFlowGraph) (*Selection, error) {
	s := &Selector{
		method:    method,
		localVars: make(map[int]*VarInfo),
		tempVars:  make(map[int]*VarInfo),
	}
	for _, blk := range cfg.Blocks {
		for _, stmt := range blk.Stmts {
			if err := s.lowerStmt(blk, stmt); err != nil {
				return nil, err
			}
		}
	}

	sel := &Selection{Vars: s.vars, ArgVars: make([]*VarInfo, method.ArgCount())}
	for i := range sel.ArgVars {
		sel.ArgVars[i] = s.localVars[i]
	}
	if cfg.ExcTempID >= 0 {
		sel.ExcVar = s.tempVars[cfg.ExcTempID]
	}
	return sel, nil
}

func (s *Selector) newVar(t VMType) *VarInfo {
	v := &VarInfo{ID: len(s.vars), Type: t, FixedReg: NoReg, AllocatedReg: NoReg, SpillSlot: -1, DefPos: -1}
	s.vars = append(s.vars, v)
	return v
}

func (s *Selector) varForLocal(idx int, t VMType) *VarInfo {
	if v, ok := s.localVars[idx]; ok {
		return v
	}
	v := s.newVar(t)
	s.localVars[idx] = v
	return v
}

func (s *Selector) varForTemp(id int, t VMType) *VarInfo {
	if v, ok := s.tempVars[id]; ok {
		return v
	}
	v := s.newVar(t)
	s.tempVars[id] = v
	return v
}

func (s *Selector) emit(blk *BasicBlock, insn *LIRInstruction) {
	if insn.Op.isCall() {
		insn.Escaped = true
	}
	blk.Insns = append(blk.Insns, insn)
}

// toVar materializes operand into a register if it isn't already one,
// emitting a MOV; used wherever a LIR shape (e.g. a CallTarget argument)
// requires a VarInfo rather than any Operand.
func (s *Selector) toVar(blk *BasicBlock, o *Operand, t VMType, off int) *VarInfo {
	if o.Kind == OperandReg {
		return o.Var
	}
	dest := s.newVar(t)
	mov := newLIR(LIRMov, off)
	mov.Dest = RegOperand(dest)
	mov.Src1 = o
	s.emit(blk, mov)
	return dest
}

// lowerExpr lowers e into an Operand, emitting whatever LIR instructions
// are needed to compute it first. Comparison BINOPs are only ever lowered
// as part of an IF condition (lowerCompareOperands), never standalone,
// since hir_builder.go never produces one outside that context.
func (s *Selector) lowerExpr(blk *BasicBlock, e Expression) (*Operand, error) {
	off := e.Offset()
	switch v := e.(type) {
	case *ValueExpr:
		return ImmOperand(v.Val), nil

	case *FValueExpr:
		return ImmOperand(int64(math.Float64bits(v.Val))), nil

	case *LocalExpr:
		return RegOperand(s.varForLocal(v.Index, v.Type())), nil

	case *TemporaryExpr:
		return RegOperand(s.varForTemp(v.ID, v.Type())), nil

	case *ArrayDerefExpr:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return nil, err
		}
		idxOp, err := s.lowerExpr(blk, v.Index)
		if err != nil {
			return nil, err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		idxVar := s.toVar(blk, idxOp, TInt32, off)
		dest := s.newVar(v.Type())
		ld := newLIR(LIRLoad, off)
		ld.Dest = RegOperand(dest)
		ld.Src1 = MemIndexOperand(refVar, idxVar, elemScale(v.Type()), arrayDataOffset)
		s.emit(blk, ld)
		return RegOperand(dest), nil

	case *BinOpExpr:
		return s.lowerBinOp(blk, v, off)

	case *UnaryOpExpr:
		innerOp, err := s.lowerExpr(blk, v.Inner)
		if err != nil {
			return nil, err
		}
		dest := s.newVar(v.Type())
		mov := newLIR(LIRMov, off)
		mov.Dest, mov.Src1 = RegOperand(dest), innerOp
		s.emit(blk, mov)
		neg := newLIR(LIRNeg, off)
		neg.Dest = RegOperand(dest)
		s.emit(blk, neg)
		return RegOperand(dest), nil

	case *ConversionExpr:
		fromOp, err := s.lowerExpr(blk, v.From)
		if err != nil {
			return nil, err
		}
		dest := s.newVar(v.Type())
		// codegen_amd64.go picks the real conversion instruction (CVTSI2SD,
		// CVTTSD2SI, MOVSXD, ...) from fromOp's originating type versus
		// dest.Type; LIRMov here just records the data movement, matching
		// how this core's other scalar moves are selected.
		mov := newLIR(LIRMov, off)
		mov.Dest, mov.Src1 = RegOperand(dest), fromOp
		s.emit(blk, mov)
		return RegOperand(dest), nil

	case *ClassFieldExpr:
		dest := s.newVar(v.Type())
		call := newLIR(LIRCallHelper, off)
		call.Dest = RegOperand(dest)
		call.Call = &CallTarget{HelperName: "getstatic", Field: v.Field, ReturnsValue: true}
		s.emit(blk, call)
		return RegOperand(dest), nil

	case *InstanceFieldExpr:
		objOp, err := s.lowerExpr(blk, v.Object)
		if err != nil {
			return nil, err
		}
		objVar := s.toVar(blk, objOp, TRef, off)
		dest := s.newVar(v.Type())
		call := newLIR(LIRCallHelper, off)
		call.Dest = RegOperand(dest)
		call.Call = &CallTarget{HelperName: "getfield", Field: v.Field, ArgVars: []*VarInfo{objVar}, ReturnsValue: true}
		s.emit(blk, call)
		return RegOperand(dest), nil

	case *InvokeExpr:
		return s.lowerInvoke(blk, v.Target, v.Args, v.Type(), off)
	case *InvokeVirtualExpr:
		return s.lowerInvoke(blk, v.Target, v.Args, v.Type(), off)

	case *NewExpr:
		dest := s.newVar(TRef)
		call := newLIR(LIRCallHelper, off)
		call.Dest = RegOperand(dest)
		call.Call = &CallTarget{HelperName: "new", Class: v.Class, ReturnsValue: true}
		s.emit(blk, call)
		return RegOperand(dest), nil

	case *NewArrayExpr:
		sizeOp, err := s.lowerExpr(blk, v.Size)
		if err != nil {
			return nil, err
		}
		sizeVar := s.toVar(blk, sizeOp, TInt32, off)
		dest := s.newVar(TRef)
		call := newLIR(LIRCallHelper, off)
		call.Dest = RegOperand(dest)
		call.Call = &CallTarget{HelperName: "newarray", ElemTag: v.ElemTag, ArgVars: []*VarInfo{sizeVar}, ReturnsValue: true}
		s.emit(blk, call)
		return RegOperand(dest), nil

	case *ANewArrayExpr:
		sizeOp, err := s.lowerExpr(blk, v.Size)
		if err != nil {
			return nil, err
		}
		sizeVar := s.toVar(blk, sizeOp, TInt32, off)
		dest := s.newVar(TRef)
		call := newLIR(LIRCallHelper, off)
		call.Dest = RegOperand(dest)
		call.Call = &CallTarget{HelperName: "anewarray", Class: v.Class, ArgVars: []*VarInfo{sizeVar}, ReturnsValue: true}
		s.emit(blk, call)
		return RegOperand(dest), nil

	case *ArrayLengthExpr:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return nil, err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		dest := s.newVar(TInt32)
		ld := newLIR(LIRLoad, off)
		ld.Dest = RegOperand(dest)
		ld.Src1 = MemBaseOperand(refVar, arrayLengthOffset)
		s.emit(blk, ld)
		return RegOperand(dest), nil

	default:
		return nil, newMalformed(s.method.Name(), "selector: unhandled expression kind at offset %d", off)
	}
}

func (s *Selector) lowerInvoke(blk *BasicBlock, target *MethodHandle, argsNode ArgsNode, t VMType, off int) (*Operand, error) {
	argExprs := flattenArgs(argsNode)
	argVars := make([]*VarInfo, len(argExprs))
	for i, a := range argExprs {
		op, err := s.lowerExpr(blk, a)
		if err != nil {
			return nil, err
		}
		argVars[i] = s.toVar(blk, op, a.Type(), off)
	}

	call := &CallTarget{Method: target, ArgVars: argVars, ReturnsValue: target.ReturnsValue}
	op := LIRCallTrampoline
	if target.ResolvedMethod != nil {
		if entry := target.ResolvedMethod.CompiledEntry(); entry != 0 {
			op = LIRCall
			call.Entry = entry
		}
	}
	insn := newLIR(op, off)
	insn.Call = call
	var dest *Operand
	if target.ReturnsValue {
		v := s.newVar(t)
		dest = RegOperand(v)
		insn.Dest = dest
	}
	s.emit(blk, insn)
	if dest == nil {
		return nil, nil
	}
	return dest, nil
}

// lowerBinOp implements the canonical BINOP lowering: MOV left into a
// fresh destination register, then apply the operator against the right
// operand in its immediate, register, or (for array/field loads already
// reduced to a register) memory form.
func (s *Selector) lowerBinOp(blk *BasicBlock, v *BinOpExpr, off int) (*Operand, error) {
	if v.Op.isCompare() {
		return nil, newMalformed(s.method.Name(), "selector: comparison BINOP used outside an IF condition at offset %d", off)
	}
	leftOp, err := s.lowerExpr(blk, v.Left)
	if err != nil {
		return nil, err
	}
	rightOp, err := s.lowerExpr(blk, v.Right)
	if err != nil {
		return nil, err
	}

	dest := s.newVar(v.Type())
	mov := newLIR(LIRMov, off)
	mov.Dest, mov.Src1 = RegOperand(dest), leftOp
	s.emit(blk, mov)

	lirOp, ok := binOpToLIR(v.Op)
	if !ok {
		return nil, newMalformed(s.method.Name(), "selector: unhandled BinOp at offset %d", off)
	}
	insn := newLIR(lirOp, off)
	insn.Dest = RegOperand(dest)
	insn.Src1 = rightOp
	s.emit(blk, insn)
	return RegOperand(dest), nil
}

func binOpToLIR(op BinOp) (LIROp, bool) {
	switch op {
	case OpBinAdd:
		return LIRAdd, true
	case OpBinSub:
		return LIRSub, true
	case OpBinMul:
		return LIRIMul, true
	case OpBinDiv:
		return LIRIDiv, true
	case OpBinRem:
		return LIRIRem, true
	case OpBinAnd:
		return LIRAnd, true
	case OpBinOr:
		return LIROr, true
	case OpBinXor:
		return LIRXor, true
	case OpBinShl:
		return LIRShl, true
	case OpBinShr:
		return LIRSar, true
	case OpBinUshr:
		return LIRShr, true
	default:
		return 0, false
	}
}

// lowerCompareOperands lowers the two sides of an IF condition and emits
// the CMP the following LIRJcc tests.
func (s *Selector) lowerCompareOperands(blk *BasicBlock, l, r Expression, off int) error {
	lOp, err := s.lowerExpr(blk, l)
	if err != nil {
		return err
	}
	rOp, err := s.lowerExpr(blk, r)
	if err != nil {
		return err
	}
	cmp := newLIR(LIRCmp, off)
	cmp.Src1, cmp.Src2 = lOp, rOp
	s.emit(blk, cmp)
	return nil
}

func (s *Selector) lowerStmt(blk *BasicBlock, stmt Statement) error {
	off := stmt.Offset()
	switch v := stmt.(type) {
	case *NopStmt, *LabelStmt:
		s.emit(blk, newLIR(LIRNop, off))

	case *StoreStmt:
		srcOp, err := s.lowerExpr(blk, v.Src)
		if err != nil {
			return err
		}
		return s.lowerStore(blk, v.Dest, srcOp, v.Src.Type(), off)

	case *IfStmt:
		if err := s.lowerCompareOperands(blk, v.Cond.Left, v.Cond.Right, off); err != nil {
			return err
		}
		jcc := newLIR(LIRJcc, off)
		jcc.Cond = conditionFromBinOp(v.Cond.Op)
		jcc.Dest = BranchOperand(v.IfTrue)
		s.emit(blk, jcc)

	case *GotoStmt:
		jmp := newLIR(LIRJmp, off)
		jmp.Dest = BranchOperand(v.Target)
		s.emit(blk, jmp)

	case *ReturnStmt:
		ret := newLIR(LIRRet, off)
		if v.Value != nil {
			op, err := s.lowerExpr(blk, v.Value)
			if err != nil {
				return err
			}
			ret.Src1 = op
		}
		s.emit(blk, ret)

	case *ExpressionStmt:
		_, err := s.lowerExpr(blk, v.Expr)
		return err

	case *NullCheckStmt:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "nullcheck", ArgVars: []*VarInfo{refVar}}
		s.emit(blk, call)

	case *ArrayCheckStmt:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return err
		}
		idxOp, err := s.lowerExpr(blk, v.Index)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		idxVar := s.toVar(blk, idxOp, TInt32, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "arraycheck", ArgVars: []*VarInfo{refVar, idxVar}}
		s.emit(blk, call)

	case *MonitorEnterStmt:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "monitorenter", ArgVars: []*VarInfo{refVar}}
		s.emit(blk, call)

	case *MonitorExitStmt:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "monitorexit", ArgVars: []*VarInfo{refVar}}
		s.emit(blk, call)

	case *CheckCastStmt:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "checkcast", Class: v.Class, ArgVars: []*VarInfo{refVar}}
		s.emit(blk, call)

	case *ThrowStmt:
		refOp, err := s.lowerExpr(blk, v.Ref)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "throw", ArgVars: []*VarInfo{refVar}}
		s.emit(blk, call)

	default:
		return newMalformed(s.method.Name(), "selector: unhandled statement kind at offset %d", off)
	}
	return nil
}

func (s *Selector) lowerStore(blk *BasicBlock, dest LValue, srcOp *Operand, srcType VMType, off int) error {
	switch d := dest.(type) {
	case *LocalExpr:
		v := s.varForLocal(d.Index, d.Type())
		mov := newLIR(LIRMov, off)
		mov.Dest, mov.Src1 = RegOperand(v), srcOp
		s.emit(blk, mov)
		return nil

	case *TemporaryExpr:
		v := s.varForTemp(d.ID, d.Type())
		mov := newLIR(LIRMov, off)
		mov.Dest, mov.Src1 = RegOperand(v), srcOp
		s.emit(blk, mov)
		return nil

	case *ArrayDerefExpr:
		refOp, err := s.lowerExpr(blk, d.Ref)
		if err != nil {
			return err
		}
		idxOp, err := s.lowerExpr(blk, d.Index)
		if err != nil {
			return err
		}
		refVar := s.toVar(blk, refOp, TRef, off)
		idxVar := s.toVar(blk, idxOp, TInt32, off)
		st := newLIR(LIRStore, off)
		st.Dest = MemIndexOperand(refVar, idxVar, elemScale(d.Type()), arrayDataOffset)
		st.Src1 = srcOp
		s.emit(blk, st)
		return nil

	case *ClassFieldExpr:
		srcVar := s.toVar(blk, srcOp, srcType, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "putstatic", Field: d.Field, ArgVars: []*VarInfo{srcVar}}
		s.emit(blk, call)
		return nil

	case *InstanceFieldExpr:
		objOp, err := s.lowerExpr(blk, d.Object)
		if err != nil {
			return err
		}
		objVar := s.toVar(blk, objOp, TRef, off)
		srcVar := s.toVar(blk, srcOp, srcType, off)
		call := newLIR(LIRCallHelper, off)
		call.Call = &CallTarget{HelperName: "putfield", Field: d.Field, ArgVars: []*VarInfo{objVar, srcVar}}
		s.emit(blk, call)
		return nil

	default:
		return newMalformed(s.method.Name(), "selector: unhandled store destination at offset %d", off)
	}
}
