package jitcore

import "testing"

// assertNoErr fails the test immediately if err is non-nil, the way the
// bytecode-VM fixtures in this corpus check compile/build steps.
func assertNoErr(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// simpleAddMethod returns iconst_1 + iconst_2, ireturn: one basic block,
// no branches.
func simpleAddMethod() *fakeMethod {
	code := []byte{
		byte(OpIconst1),
		byte(OpIconst2),
		byte(OpIadd),
		byte(OpIreturn),
	}
	return newFakeMethod("add", code, 0, 2, 0)
}

func TestBuildCFGSingleBlock(t *testing.T) {
	m := simpleAddMethod()
	cfg, err := BuildCFG(m)
	assertNoErr(t, err, "BuildCFG")

	if len(cfg.Blocks) != 1 {
		t.Fatalf("expected 1 block for a branch-free method, got %d", len(cfg.Blocks))
	}
	if cfg.Entry != cfg.Blocks[0] {
		t.Fatalf("Entry must be the first block")
	}
	if len(cfg.Entry.Successors) != 0 {
		t.Fatalf("ireturn-terminated block should have no successors, got %d", len(cfg.Entry.Successors))
	}
}

// branchyMethod is: if (arg0 != 0) goto L; iconst_0; goto END; L: iconst_1;
// END: ireturn -- three leaders beyond the entry block (pc 4, L, END), giving four
// blocks (entry, iconst_0, L, END) and a diamond-shaped CFG.
//
//	pc 0: iload_0
//	pc 1: ifne  +7   (-> pc 8, L)
//	pc 4: iconst_0
//	pc 5: goto  +4   (-> pc 9, END)
//	pc 8: iconst_1   (L)
//	pc 9: ireturn    (END)
func branchyMethod() *fakeMethod {
	code := []byte{
		byte(OpIload0),           // 0
		byte(OpIfne), 0x00, 0x07, // 1: branch to pc 8
		byte(OpIconst0),          // 4
		byte(OpGoto), 0x00, 0x04, // 5: branch to pc 9
		byte(OpIconst1),          // 8 (L)
		byte(OpIreturn),          // 9 (END)
	}
	return newFakeMethod("branchy", code, 1, 2, 1)
}

func TestBuildCFGDiamond(t *testing.T) {
	m := branchyMethod()
	cfg, err := BuildCFG(m)
	assertNoErr(t, err, "BuildCFG")

	if len(cfg.Blocks) != 4 {
		t.Fatalf("expected 4 blocks (entry, iconst_0, L, END), got %d", len(cfg.Blocks))
	}

	entry := cfg.Entry
	if !entry.HasConditionalBranch {
		t.Fatalf("entry block must end in a conditional branch")
	}
	if len(entry.Successors) != 2 {
		t.Fatalf("conditional branch block must have exactly 2 successors, got %d", len(entry.Successors))
	}

	lBlock := cfg.BlockAt(8)
	if lBlock == nil {
		t.Fatalf("expected a block leader at pc=8 (branch target)")
	}
	endBlock := cfg.BlockAt(9)
	if endBlock == nil {
		t.Fatalf("expected a block leader at pc=9 (goto target / fallthrough join)")
	}
	if len(endBlock.Predecessors) != 2 {
		t.Fatalf("END block should be reachable from both arms, got %d predecessors", len(endBlock.Predecessors))
	}
}

func TestBuildCFGRejectsUnknownOpcode(t *testing.T) {
	m := newFakeMethod("bogus", []byte{0xff}, 0, 1, 0)
	_, err := BuildCFG(m)
	if err == nil {
		t.Fatalf("expected an error for an unrecognized opcode")
	}
	var ce *CompileError
	if ce2, ok := err.(*CompileError); ok {
		ce = ce2
	}
	if ce == nil || ce.Code != ErrMalformedMethod {
		t.Fatalf("expected ErrMalformedMethod, got %v", err)
	}
}

func TestBuildCFGExceptionHandlerIsLeader(t *testing.T) {
	code := []byte{
		byte(OpIconst0), // 0: try body
		byte(OpIreturn), // 1
		byte(OpPop),     // 2: handler - pops the thrown ref
		byte(OpIconst0), // 3
		byte(OpIreturn), // 4
	}
	m := newFakeMethod("tryblock", code, 0, 2, 0)
	m.excTable = []ExceptionTableEntry{{StartPC: 0, EndPC: 2, HandlerPC: 2, CatchType: 0}}

	cfg, err := BuildCFG(m)
	assertNoErr(t, err, "BuildCFG")

	handler := cfg.BlockAt(2)
	if handler == nil {
		t.Fatalf("handler_pc=2 must be a block leader")
	}
	if !handler.IsExceptionHandler {
		t.Fatalf("block at handler_pc must be flagged IsExceptionHandler")
	}

	tryBlock := cfg.BlockAt(0)
	found := false
	for _, s := range tryBlock.Successors {
		if s == handler {
			found = true
		}
	}
	if !found {
		t.Fatalf("try block must have an edge to its handler block")
	}
}
