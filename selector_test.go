package jitcore

import "testing"

// buildSelected runs BuildCFG -> BuildHIR -> SelectInstructions for m and
// fails the test on any stage error, returning the CFG and the selector's
// virtual register list for further inspection.
func buildSelected(t *testing.T, m Method, runtime *Runtime) (*ControlFlowGraph, []*VarInfo) {
	t.Helper()
	cfg, err := BuildCFG(m)
	assertNoErr(t, err, "BuildCFG")
	assertNoErr(t, BuildHIR(m, cfg, runtime), "BuildHIR")
	sel, err := SelectInstructions(m, cfg)
	assertNoErr(t, err, "SelectInstructions")
	return cfg, sel.Vars
}

func countOp(cfg *ControlFlowGraph, op LIROp) int {
	n := 0
	for _, blk := range cfg.Blocks {
		for _, insn := range blk.Insns {
			if insn.Op == op {
				n++
			}
		}
	}
	return n
}

func TestSelectInstructionsSimpleAdd(t *testing.T) {
	m := simpleAddMethod()
	cfg, vars := buildSelected(t, m, newFakeRuntime())

	if len(vars) == 0 {
		t.Fatalf("expected at least one virtual register for iconst/iconst/iadd/ireturn")
	}
	if countOp(cfg, LIRAdd) != 1 {
		t.Fatalf("expected exactly one LIRAdd instruction, got %d", countOp(cfg, LIRAdd))
	}
	if countOp(cfg, LIRRet) != 1 {
		t.Fatalf("expected exactly one LIRRet instruction, got %d", countOp(cfg, LIRRet))
	}
}

func TestSelectInstructionsBranchLowersToCmpAndJcc(t *testing.T) {
	m := branchyMethod()
	cfg, _ := buildSelected(t, m, newFakeRuntime())

	if countOp(cfg, LIRCmp) == 0 {
		t.Fatalf("expected the if-statement to lower to at least one LIRCmp")
	}
	if countOp(cfg, LIRJcc) == 0 {
		t.Fatalf("expected the if-statement to lower to at least one LIRJcc")
	}
	if countOp(cfg, LIRJmp) == 0 {
		t.Fatalf("expected the goto to lower to a LIRJmp")
	}
}

// divRemMethod computes arg0 / arg1, iadd arg0 % arg1, ireturn, to exercise
// the fixed RAX/RDX division lowering.
func divRemMethod() *fakeMethod {
	code := []byte{
		byte(OpIload0),
		byte(OpIload1),
		byte(OpIdiv),
		byte(OpIload0),
		byte(OpIload1),
		byte(OpIrem),
		byte(OpIadd),
		byte(OpIreturn),
	}
	return newFakeMethod("divrem", code, 2, 4, 2)
}

// TestSelectInstructionsDivRemLowersToDedicatedOps checks that idiv/irem
// lower to their own LIROp rather than the generic arithmetic path: the
// RAX:RDX shuffle they need is handled entirely by codegen_amd64.go's
// encodeDivRem at encode time, so selection has nothing register-specific
// to do beyond picking the right opcode (DESIGN.md's scope note on
// selector.go/regalloc.go).
func TestSelectInstructionsDivRemLowersToDedicatedOps(t *testing.T) {
	m := divRemMethod()
	cfg, _ := buildSelected(t, m, newFakeRuntime())

	if countOp(cfg, LIRIDiv) != 1 {
		t.Fatalf("expected exactly one LIRIDiv, got %d", countOp(cfg, LIRIDiv))
	}
	if countOp(cfg, LIRIRem) != 1 {
		t.Fatalf("expected exactly one LIRIRem, got %d", countOp(cfg, LIRIRem))
	}
}

// newObjectMethod exercises NEW + PUTFIELD/GETFIELD lowering through the
// LIRCallHelper shape.
func newObjectMethod(resolver *fakeResolver) *fakeMethod {
	cls := newFakeClass("Point")
	resolver.classes[1] = cls

	code := []byte{
		byte(OpNew), 0x00, 0x01, // new #1 (Point)
		byte(OpPop),
		byte(OpIconst0),
		byte(OpIreturn),
	}
	return newFakeMethod("makePoint", code, 0, 2, 0)
}

func TestSelectInstructionsNewLowersToCallHelper(t *testing.T) {
	runtime := newFakeRuntime()
	resolver := runtime.Resolver.(*fakeResolver)
	m := newObjectMethod(resolver)

	cfg, _ := buildSelected(t, m, runtime)
	if countOp(cfg, LIRCallHelper) == 0 {
		t.Fatalf("expected NEW to lower through at least one LIRCallHelper")
	}

	found := false
	for _, blk := range cfg.Blocks {
		for _, insn := range blk.Insns {
			if insn.Op == LIRCallHelper && insn.Call != nil && insn.Call.HelperName == "new" {
				found = true
				if insn.Call.Class == nil || insn.Call.Class.Name() != "Point" {
					t.Fatalf("expected the new helper call's Class payload to be Point, got %v", insn.Call.Class)
				}
			}
		}
	}
	if !found {
		t.Fatalf(`expected a LIRCallHelper with HelperName=="new"`)
	}
}
