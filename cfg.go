package jitcore

import "sort"

// BasicBlock is a half-open bytecode range with
// an ordered statement list (filled in by hir_builder.go), an ordered LIR
// instruction list (filled in by selector.go), and the bitsets and
// backpatch bookkeeping the later stages attach to it. One struct carries
// all of that so every stage can thread state through the same block
// object without a side table.
type BasicBlock struct {
	ID       int
	StartPC  int
	EndPC    int // half-open: [StartPC, EndPC)
	Successors   []*BasicBlock
	Predecessors []*BasicBlock

	IsExceptionHandler   bool
	HasConditionalBranch bool
	// BranchTargetOff is the absolute bytecode offset of the "taken" edge
	// for a conditional branch; Successors[0] is always that edge and
	// Successors[1] (if present) is the fallthrough.
	BranchTargetOff int

	// HIR construction state. mimicStack must be empty once the
	// block is finalized; Stmts is the finished ordered statement list.
	Stmts      []Statement
	mimicStack []Expression

	// LIR.
	Insns []*LIRInstruction

	// Liveness bitsets, sized to the compilation's virtual register
	// count.
	UseSet, DefSet, LiveIn, LiveOut bitset

	// Code emission.
	EmitStartOffset int
	emitStartSet    bool
	BackpatchInsns  []*LIRInstruction
}

func (b *BasicBlock) finalizeMimicStack() {
	// Called once HIR construction for this block completes.
	b.mimicStack = nil
}

// ControlFlowGraph is the output of ControlFlowBuilder: an ordered list of
// basic blocks plus successor/predecessor edges, including exception
// handler edges.
type ControlFlowGraph struct {
	Blocks  []*BasicBlock // sorted by StartPC
	Entry   *BasicBlock
	byStart map[int]*BasicBlock

	// ExcTempID is the HIR temporary id seeding every exception-handler
	// block's mimic stack with the in-flight thrown object, or -1 when the
	// method has no handlers. Set by BuildHIR; compiler.go pins the backing
	// virtual register to the unit's exception spill slot after allocation
	// so the unwinder has one known location to deposit the exception in.
	ExcTempID int
}

// BlockAt returns the block starting exactly at pc, or nil.
func (g *ControlFlowGraph) BlockAt(pc int) *BasicBlock {
	return g.byStart[pc]
}

// BlockContaining returns the block whose [StartPC,EndPC) covers pc.
func (g *ControlFlowGraph) BlockContaining(pc int) *BasicBlock {
	// Blocks is sorted and non-overlapping; binary search for the last
	// block with StartPC <= pc.
	i := sort.Search(len(g.Blocks), func(i int) bool { return g.Blocks[i].StartPC > pc })
	if i == 0 {
		return nil
	}
	blk := g.Blocks[i-1]
	if pc < blk.EndPC {
		return blk
	}
	return nil
}

// BuildCFG implements ControlFlowBuilder: it scans a method's
// bytecode, partitions it into basic blocks at branch targets and
// exception-handler PCs, and computes the successor graph.
func BuildCFG(method Method) (*ControlFlowGraph, error) {
	code := method.Code()
	name := method.Name()

	// --- Pass 1: linear scan, recording every instruction start and
	// collecting the leader set. ---
	starts := make([]int, 0, len(code)/2)
	sizeAt := make(map[int]int)
	leaders := map[int]bool{0: true}

	pc := 0
	for pc < len(code) {
		wide := false
		opPC := pc
		if Opcode(code[pc]) == OpWide {
			wide = true
			pc++
			if pc >= len(code) {
				return nil, newMalformed(name, "wide prefix at end of code")
			}
		}
		size := instructionSize(code, pc, wide)
		if size < 0 {
			return nil, newMalformed(name, "unrecognized opcode 0x%02x at pc=%d", code[pc], pc)
		}
		total := size
		if wide {
			total += 1 // include the wide byte itself
		}
		if opPC+total > len(code) {
			return nil, newMalformed(name, "instruction at pc=%d runs past end of code", opPC)
		}
		starts = append(starts, opPC)
		sizeAt[opPC] = total

		op := Opcode(code[pc])
		nextPC := opPC + total

		switch {
		case isConditionalBranch(op):
			target := branchTarget(code, pc)
			if target < 0 || target >= len(code) {
				return nil, newMalformed(name, "branch target %d out of range at pc=%d", target, pc)
			}
			leaders[target] = true
			if nextPC < len(code) {
				leaders[nextPC] = true // fallthrough
			}
		case op == OpGoto:
			target := branchTarget(code, pc)
			if target < 0 || target >= len(code) {
				return nil, newMalformed(name, "branch target %d out of range at pc=%d", target, pc)
			}
			leaders[target] = true
			if nextPC < len(code) {
				leaders[nextPC] = true
			}
		case op == OpTableswitch || op == OpLookupswitch:
			targets, err := switchTargets(code, pc, op)
			if err != nil {
				return nil, newMalformed(name, "%s", err.Error())
			}
			for _, t := range targets {
				if t < 0 || t >= len(code) {
					return nil, newMalformed(name, "switch target %d out of range at pc=%d", t, pc)
				}
				leaders[t] = true
			}
			if nextPC < len(code) {
				leaders[nextPC] = true
			}
		case isUnconditionalTerminator(op):
			if nextPC < len(code) {
				leaders[nextPC] = true // every PC after a return/throw starts a block
			}
		}

		pc = nextPC
	}

	// Every exception handler_pc is a leader and a handler-block marker.
	handlers := method.ExceptionTable()
	for _, h := range handlers {
		leaders[h.HandlerPC] = true
	}

	// --- Pass 2: one block per pair of consecutive leaders. ---
	leaderList := make([]int, 0, len(leaders))
	for l := range leaders {
		leaderList = append(leaderList, l)
	}
	sort.Ints(leaderList)

	g := &ControlFlowGraph{byStart: make(map[int]*BasicBlock, len(leaderList)), ExcTempID: -1}
	for i, startPC := range leaderList {
		endPC := len(code)
		if i+1 < len(leaderList) {
			endPC = leaderList[i+1]
		}
		blk := &BasicBlock{ID: i, StartPC: startPC, EndPC: endPC}
		g.Blocks = append(g.Blocks, blk)
		g.byStart[startPC] = blk
	}
	if len(g.Blocks) == 0 {
		return nil, newMalformed(name, "empty method body")
	}
	g.Entry = g.Blocks[0]

	// --- Compute successors per block by inspecting its terminating
	// instruction. ---
	for _, blk := range g.Blocks {
		if blk.StartPC >= blk.EndPC {
			return nil, newMalformed(name, "block [%d,%d) is not a whole instruction sequence", blk.StartPC, blk.EndPC)
		}
		termPC, err := lastInstructionStart(starts, sizeAt, blk.StartPC, blk.EndPC)
		if err != nil {
			return nil, newMalformed(name, "%s", err.Error())
		}
		op := Opcode(code[termPC])

		switch {
		case isConditionalBranch(op):
			target := branchTarget(code, termPC)
			blk.HasConditionalBranch = true
			blk.BranchTargetOff = target
			blk.Successors = append(blk.Successors, g.mustBlockAt(target))
			if blk.EndPC < len(code) {
				blk.Successors = append(blk.Successors, g.mustBlockAt(blk.EndPC))
			}
		case op == OpGoto:
			target := branchTarget(code, termPC)
			blk.Successors = append(blk.Successors, g.mustBlockAt(target))
		case op == OpTableswitch || op == OpLookupswitch:
			targets, _ := switchTargets(code, termPC, op)
			for _, t := range targets {
				blk.Successors = append(blk.Successors, g.mustBlockAt(t))
			}
		case isUnconditionalTerminator(op):
			// ireturn/areturn/return/athrow: no successors.
		default:
			// Falls through to the next block in program order.
			if blk.EndPC < len(code) {
				blk.Successors = append(blk.Successors, g.mustBlockAt(blk.EndPC))
			}
		}
	}

	// --- Exception handler edges: every block whose range
	// intersects [h.StartPC, h.EndPC) gets an edge to the handler block. ---
	for _, h := range handlers {
		handlerBlk := g.byStart[h.HandlerPC]
		if handlerBlk == nil {
			return nil, newMalformed(name, "handler_pc %d is not a block leader", h.HandlerPC)
		}
		handlerBlk.IsExceptionHandler = true
		for _, blk := range g.Blocks {
			if blk.StartPC < h.EndPC && h.StartPC < blk.EndPC {
				blk.Successors = append(blk.Successors, handlerBlk)
			}
		}
	}

	for _, blk := range g.Blocks {
		for _, s := range blk.Successors {
			s.Predecessors = append(s.Predecessors, blk)
		}
	}

	return g, nil
}

func (g *ControlFlowGraph) mustBlockAt(pc int) *BasicBlock {
	blk := g.byStart[pc]
	if blk == nil {
		// Every branch/switch target was added to the leader set in pass 1,
		// so this can only happen if pass 2's leader list diverged from
		// pass 1's — a bug in this file, not a malformed-input condition.
		panic("jitcore: internal error: no block leader at branch target")
	}
	return blk
}

// lastInstructionStart returns the pc of the final instruction inside
// [start,end), verifying that the instructions between start and end
// exactly tile the range with no partial instruction at the boundary.
func lastInstructionStart(starts []int, sizeAt map[int]int, start, end int) (int, error) {
	i := sort.SearchInts(starts, start)
	if i >= len(starts) || starts[i] != start {
		return 0, newMalformed("", "block start pc=%d is not an instruction boundary", start)
	}
	last := -1
	pc := start
	for pc < end {
		if i >= len(starts) || starts[i] != pc {
			return 0, newMalformed("", "pc=%d is not an instruction boundary", pc)
		}
		last = pc
		pc += sizeAt[pc]
		i++
	}
	if pc != end {
		return 0, newMalformed("", "block [%d,%d) does not end on an instruction boundary", start, end)
	}
	return last, nil
}

// switchTargets decodes the absolute jump targets of a tableswitch or
// lookupswitch instruction, default target first.
func switchTargets(code []byte, pc int, op Opcode) ([]int, error) {
	pad := pad4(pc)
	base := pc + 1 + pad
	def := pc + int(int32FromBE(code[base:]))
	targets := []int{def}

	if op == OpTableswitch {
		low := int(int32FromBE(code[base+4:]))
		high := int(int32FromBE(code[base+8:]))
		if high < low {
			return nil, newMalformed("", "tableswitch with high < low at pc=%d", pc)
		}
		entries := base + 12
		for i := 0; i <= high-low; i++ {
			off := int32FromBE(code[entries+4*i:])
			targets = append(targets, pc+int(off))
		}
	} else {
		npairs := int(int32FromBE(code[base+4:]))
		entries := base + 8
		for i := 0; i < npairs; i++ {
			off := int32FromBE(code[entries+8*i+4:])
			targets = append(targets, pc+int(off))
		}
	}
	return targets, nil
}
