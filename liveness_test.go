package jitcore

import "testing"

func analyzeLiveness(t *testing.T, m Method) (*ControlFlowGraph, *Selection, []*LiveInterval) {
	t.Helper()
	cfg, err := BuildCFG(m)
	assertNoErr(t, err, "BuildCFG")
	assertNoErr(t, BuildHIR(m, cfg, newFakeRuntime()), "BuildHIR")
	sel, err := SelectInstructions(m, cfg)
	assertNoErr(t, err, "SelectInstructions")
	intervals := LivenessAnalysis(cfg, sel.Vars)
	return cfg, sel, intervals
}

// TestLivenessUseDefMasksDisjointUnlessRMW checks the per-instruction
// mask invariant: an instruction's read set and its written register are
// disjoint, except for the two-address read-modify-write shapes the LIR
// explicitly tags.
func TestLivenessUseDefMasksDisjointUnlessRMW(t *testing.T) {
	for _, m := range []*fakeMethod{simpleAddMethod(), branchyMethod(), divRemMethod(), dup2Method()} {
		cfg, _, _ := analyzeLiveness(t, m)
		for _, blk := range cfg.Blocks {
			for _, insn := range blk.Insns {
				dest, writes := operandWrite(insn)
				if !writes || insn.Op.isRMW() {
					continue
				}
				for _, o := range operandReads(insn) {
					if o.Var == dest || o.Index == dest {
						t.Fatalf("%s: %v at pos %d reads and writes v%d but is not tagged RMW",
							m.Name(), insn.Op, insn.LIRPos, dest.ID)
					}
				}
			}
		}
	}
}

// TestLivenessEntryLiveInIsArgumentsOnly checks that nothing flows into
// the entry block uninitialized except the method's own arguments, which
// the prologue's argument loads define before the first block runs.
func TestLivenessEntryLiveInIsArgumentsOnly(t *testing.T) {
	m := sumMethod()
	cfg, sel, _ := analyzeLiveness(t, m)

	argIDs := make(map[int]bool)
	for _, v := range sel.ArgVars {
		if v != nil {
			argIDs[v.ID] = true
		}
	}

	for id := range sel.Vars {
		if cfg.Entry.LiveIn.get(id) && !argIDs[id] {
			t.Fatalf("v%d is live into the entry block but is not an argument register", id)
		}
	}
}

// TestLivenessIntervalsCarryTheirVarInfo is the regression test for the
// interval/register seam: every interval must point back at the VarInfo
// it describes, and the VarInfo must mirror the interval's final range so
// the allocator and the emitter agree on where a value lives.
func TestLivenessIntervalsCarryTheirVarInfo(t *testing.T) {
	m := simpleAddMethod()
	_, sel, intervals := analyzeLiveness(t, m)

	if len(intervals) != len(sel.Vars) {
		t.Fatalf("expected one interval per virtual register, got %d for %d vars", len(intervals), len(sel.Vars))
	}
	for i, iv := range intervals {
		if iv.Var != sel.Vars[i] {
			t.Fatalf("interval %d does not reference its VarInfo", i)
		}
		if iv.Start == -1 {
			continue // never materialized into any instruction
		}
		if iv.Var.LiveStart != iv.Start || iv.Var.LiveEnd != iv.End {
			t.Fatalf("v%d's VarInfo range [%d,%d) diverged from its interval [%d,%d)",
				i, iv.Var.LiveStart, iv.Var.LiveEnd, iv.Start, iv.End)
		}
		for _, u := range iv.UsePositions {
			if u < iv.Start || u >= iv.End {
				t.Fatalf("v%d has a use at %d outside its range [%d,%d)", i, u, iv.Start, iv.End)
			}
		}
	}
}

// TestLivenessPositionsStrictlyIncrease checks the linear numbering every
// later stage depends on: positions strictly increase across the whole
// block list, in emission order.
func TestLivenessPositionsStrictlyIncrease(t *testing.T) {
	m := branchyMethod()
	cfg, _, _ := analyzeLiveness(t, m)

	last := -1
	for _, blk := range cfg.Blocks {
		for _, insn := range blk.Insns {
			if insn.LIRPos <= last {
				t.Fatalf("LIR position %d at or before predecessor %d", insn.LIRPos, last)
			}
			last = insn.LIRPos
		}
	}
}

// TestCallSitePositionsMarksCallsOnly checks that the call-position scan
// the allocator's spill rule depends on finds exactly the call-class
// instructions, in ascending order.
func TestCallSitePositionsMarksCallsOnly(t *testing.T) {
	runtime := newFakeRuntime()
	resolver := runtime.Resolver.(*fakeResolver)
	m := newObjectMethod(resolver)

	cfg, err := BuildCFG(m)
	assertNoErr(t, err, "BuildCFG")
	assertNoErr(t, BuildHIR(m, cfg, runtime), "BuildHIR")
	sel, err := SelectInstructions(m, cfg)
	assertNoErr(t, err, "SelectInstructions")
	LivenessAnalysis(cfg, sel.Vars)

	positions := callSitePositions(cfg)
	if len(positions) == 0 {
		t.Fatalf("expected the NEW helper call to appear as a call position")
	}
	want := make(map[int]bool)
	for _, blk := range cfg.Blocks {
		for _, insn := range blk.Insns {
			if insn.Op.isCall() != insn.Escaped {
				t.Fatalf("%v at %d: Escaped=%v disagrees with its opcode class", insn.Op, insn.LIRPos, insn.Escaped)
			}
			if insn.Escaped {
				want[insn.LIRPos] = true
			}
		}
	}
	for i, p := range positions {
		if !want[p] {
			t.Fatalf("position %d is not a call instruction", p)
		}
		if i > 0 && positions[i-1] >= p {
			t.Fatalf("call positions must be ascending, got %v", positions)
		}
	}
	if len(positions) != len(want) {
		t.Fatalf("expected %d call positions, got %d", len(want), len(positions))
	}
}
