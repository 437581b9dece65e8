package jitcore

// bitset is a fixed-size bit vector over virtual register IDs, used for
// the per-block use/def/live-in/live-out sets. Sized once the
// virtual register count for a compilation unit is known.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int)   { b[i/64] |= 1 << uint(i%64) }
func (b bitset) clear(i int) { b[i/64] &^= 1 << uint(i%64) }
func (b bitset) get(i int) bool {
	return b[i/64]&(1<<uint(i%64)) != 0
}

// or sets b |= other and reports whether b changed, so the fixed-point
// loop in computeLiveInOut can detect convergence cheaply.
func (b bitset) or(other bitset) bool {
	changed := false
	for i := range b {
		merged := b[i] | other[i]
		if merged != b[i] {
			b[i] = merged
			changed = true
		}
	}
	return changed
}

// andNot computes b &^= other (used to build live-in from live-out: live-out minus def, or union with use).
func (b bitset) andNot(other bitset) {
	for i := range b {
		b[i] &^= other[i]
	}
}

func (b bitset) copyFrom(other bitset) {
	copy(b, other)
}

func (b bitset) isEmpty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

// LiveInterval is the flattened per-virtual-register result of liveness
// analysis that regalloc.go consumes: a single [start,end) span plus the
// ordered positions where the register is actually read, used for the
// "furthest next use" spill heuristic.
type LiveInterval struct {
	Var          *VarInfo
	Start, End   int
	UsePositions []int
}

// LivenessAnalysis computes per-block use/def sets from each
// block's LIR instructions, an iterative fixed-point computation of
// live-in/live-out over the CFG, a single linear position assigned to
// every LIR instruction across all blocks (lir_pos), and one LiveInterval
// per virtual register whose range is extended to cover every block it is
// live through (not just where it's directly used), matching how a linear
// scan allocator depends on contiguous intervals rather than per-block
// liveness alone.
func LivenessAnalysis(cfg *ControlFlowGraph, vars []*VarInfo) []*LiveInterval {
	computeUseDef(cfg, len(vars))
	assignLIRPositions(cfg)
	computeLiveInOut(cfg, len(vars))
	return buildIntervals(cfg, vars)
}

// callSitePositions returns the sorted LIRPos of every call-class
// instruction; Allocate consults it to decide which intervals live
// across a call must be held in a spill slot.
func callSitePositions(cfg *ControlFlowGraph) []int {
	var positions []int
	for _, blk := range cfg.Blocks {
		for _, insn := range blk.Insns {
			if insn.Escaped {
				positions = append(positions, insn.LIRPos)
			}
		}
	}
	return positions
}

// computeUseDef fills UseSet/DefSet for every block: UseSet is every vreg
// read before any write to it in the block, DefSet is every vreg written
// anywhere in the block. Order matters only for the
// use-before-def test, so this walks each block's instructions forward.
func computeUseDef(cfg *ControlFlowGraph, numVars int) {
	for _, blk := range cfg.Blocks {
		blk.UseSet = newBitset(numVars)
		blk.DefSet = newBitset(numVars)
		for _, insn := range blk.Insns {
			for _, operand := range operandReads(insn) {
				if v := operand.Var; v != nil && !blk.DefSet.get(v.ID) {
					blk.UseSet.set(v.ID)
				}
				if operand.Index != nil && !blk.DefSet.get(operand.Index.ID) {
					blk.UseSet.set(operand.Index.ID)
				}
			}
			if dest, writesReg := operandWrite(insn); writesReg {
				blk.DefSet.set(dest.ID)
			}
		}
	}
}

// operandReads returns every operand read by insn: Src1/Src2 always, a
// MEMBASE/MEMINDEX Dest's base and index registers (always reads
// regardless of the operand's write role), a register Dest for the
// read-modify-write shapes tagged by LIROp.isRMW, and a call's argument
// registers.
func operandReads(insn *LIRInstruction) []*Operand {
	var reads []*Operand
	add := func(o *Operand) {
		if o != nil {
			reads = append(reads, o)
		}
	}
	add(insn.Src1)
	add(insn.Src2)
	if insn.Dest != nil {
		if insn.Dest.Kind != OperandReg || insn.Op.isRMW() {
			add(insn.Dest)
		}
	}
	if insn.Call != nil {
		for _, v := range insn.Call.ArgVars {
			reads = append(reads, RegOperand(v))
		}
	}
	return reads
}

// operandWrite returns the vreg insn defines, if any.
func operandWrite(insn *LIRInstruction) (*VarInfo, bool) {
	if insn.Dest != nil && insn.Dest.Kind == OperandReg {
		return insn.Dest.Var, true
	}
	return nil, false
}

// assignLIRPositions walks blocks in CFG order (stable, since cfg.Blocks
// is sorted by StartPC) and numbers every instruction 2,4,6,... (even
// slots leave room for a half-step at def vs. use the way Poletto/Sarkar
// linear scan implementations usually reserve, though this core does not
// use the half-step distinction: its two-address LIROp.isRMW shapes are
// handled by operandReads counting the Dest register as a read).
func assignLIRPositions(cfg *ControlFlowGraph) {
	pos := 0
	for _, blk := range cfg.Blocks {
		for _, insn := range blk.Insns {
			insn.LIRPos = pos
			pos += 2
		}
	}
}

// computeLiveInOut runs the standard backward fixed-point dataflow:
//   live_out[B] = union of live_in[S] for every successor S
//   live_in[B]  = use[B] U (live_out[B] - def[B])
// iterated to a fixed point. Blocks are processed in
// reverse CFG order repeatedly; since this CFG can contain loops, true
// convergence needs more than one reverse pass, so the loop runs until no
// block's sets change.
func computeLiveInOut(cfg *ControlFlowGraph, numVars int) {
	for _, blk := range cfg.Blocks {
		blk.LiveIn = newBitset(numVars)
		blk.LiveOut = newBitset(numVars)
	}

	changed := true
	for changed {
		changed = false
		for i := len(cfg.Blocks) - 1; i >= 0; i-- {
			blk := cfg.Blocks[i]
			newOut := newBitset(numVars)
			for _, succ := range blk.Successors {
				newOut.or(succ.LiveIn)
			}
			if blk.LiveOut.or(newOut) {
				changed = true
			}

			newIn := newBitset(numVars)
			newIn.copyFrom(blk.LiveOut)
			newIn.andNot(blk.DefSet)
			newIn.or(blk.UseSet)
			if blk.LiveIn.or(newIn) {
				changed = true
			}
		}
	}
}

// buildIntervals produces one LiveInterval per virtual register id
// 0..numVars-1, extending [Start,End) across every block the register is
// live through: live-in at a block extends the interval back to that
// block's first instruction position, live-out extends it forward to the
// block's last instruction position plus one, and the register's own
// def/use positions extend it further.
func buildIntervals(cfg *ControlFlowGraph, vars []*VarInfo) []*LiveInterval {
	numVars := len(vars)
	intervals := make([]*LiveInterval, numVars)
	for i := range intervals {
		intervals[i] = &LiveInterval{Var: vars[i], Start: -1, End: -1}
	}

	extend := func(id, pos int) {
		iv := intervals[id]
		if iv.Start == -1 || pos < iv.Start {
			iv.Start = pos
		}
		if pos+1 > iv.End {
			iv.End = pos + 1
		}
	}

	for _, blk := range cfg.Blocks {
		if len(blk.Insns) == 0 {
			continue
		}
		first := blk.Insns[0].LIRPos
		last := blk.Insns[len(blk.Insns)-1].LIRPos

		for id := 0; id < numVars; id++ {
			if blk.LiveIn.get(id) {
				extend(id, first)
			}
			if blk.LiveOut.get(id) {
				extend(id, last)
			}
		}

		for _, insn := range blk.Insns {
			for _, o := range operandReads(insn) {
				if o.Var != nil {
					extend(o.Var.ID, insn.LIRPos)
					intervals[o.Var.ID].UsePositions = append(intervals[o.Var.ID].UsePositions, insn.LIRPos)
				}
				if o.Index != nil {
					extend(o.Index.ID, insn.LIRPos)
					intervals[o.Index.ID].UsePositions = append(intervals[o.Index.ID].UsePositions, insn.LIRPos)
				}
			}
			if dest, ok := operandWrite(insn); ok {
				extend(dest.ID, insn.LIRPos)
				if dest.DefPos < 0 || insn.LIRPos < dest.DefPos {
					dest.DefPos = insn.LIRPos
				}
			}
		}
	}

	// Mirror each interval's final shape back onto its VarInfo, the
	// view the allocator and its tests read.
	for _, iv := range intervals {
		iv.Var.LiveStart = iv.Start
		iv.Var.LiveEnd = iv.End
		iv.Var.UsePositions = iv.UsePositions
	}

	return intervals
}
