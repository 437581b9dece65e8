package jitcore

import (
	"sync"
	"testing"
)

// TestCompilePipelineSimpleAdd drives BuildCFG -> BuildHIR -> SelectInstructions
// -> LivenessAnalysis -> Allocate -> EmitCode through the Compiler facade for
// a branch-free method, then checks the CompilationUnit's externally visible
// state rather than disassembling bytes.
func TestCompilePipelineSimpleAdd(t *testing.T) {
	m := simpleAddMethod()
	c := NewCompiler(newFakeRuntime(), Options{})

	entry, err := c.Compile(m, &ExecEnv{})
	assertNoErr(t, err, "Compile")
	if entry == 0 {
		t.Fatalf("expected a non-zero native entry point")
	}
	if m.CompiledEntry() != entry {
		t.Fatalf("method's CompiledEntry was not updated to the returned entry")
	}
	if !c.IsJITMethod(entry) {
		t.Fatalf("IsJITMethod should report true for the method's own entry pc")
	}
	if got := c.MethodOf(entry); got != m {
		t.Fatalf("MethodOf(entry) should return the compiled method")
	}
	// entry is the first prologue byte, which precedes every recorded body
	// instruction, so no bytecode offset is reported for it.
	if off, ok := c.PCToBytecodeOffset(entry); ok || off != 0 {
		t.Fatalf("PCToBytecodeOffset(entry) = (%d, %v), want (0, false)", off, ok)
	}

	unit := c.units[m]
	if unit == nil {
		t.Fatalf("compiler did not record a CompilationUnit for the method")
	}
	if !unit.IsCompiled() {
		t.Fatalf("unit should report IsCompiled() once Compile succeeds")
	}
	if unit.CFG != nil || unit.Vars != nil {
		t.Fatalf("ReleaseIR should have dropped CFG/Vars after emission")
	}
	if len(unit.Code) == 0 {
		t.Fatalf("expected non-empty emitted code")
	}
}

// TestCompileIsIdempotentOnSecondCall checks the terminal latch: a second
// Compile call against an already-compiled method must short-circuit
// through StatusCompiledOK and return the same entry without re-running the
// pipeline (and, in particular, without the unit's map entry changing).
func TestCompileIsIdempotentOnSecondCall(t *testing.T) {
	m := simpleAddMethod()
	c := NewCompiler(newFakeRuntime(), Options{})

	entry1, err := c.Compile(m, &ExecEnv{})
	assertNoErr(t, err, "first Compile")
	unit1 := c.units[m]

	entry2, err := c.Compile(m, &ExecEnv{})
	assertNoErr(t, err, "second Compile")

	if entry1 != entry2 {
		t.Fatalf("second Compile returned a different entry: %d vs %d", entry1, entry2)
	}
	if c.units[m] != unit1 {
		t.Fatalf("second Compile should not have produced a new CompilationUnit")
	}
}

// TestCompileBranchyMethod exercises the diamond CFG end to end, checking
// that both arms' blocks got real emitted offsets and the native-offset
// table is sorted and covers every emitted instruction.
func TestCompileBranchyMethod(t *testing.T) {
	m := branchyMethod()
	c := NewCompiler(newFakeRuntime(), Options{})

	_, err := c.Compile(m, &ExecEnv{})
	assertNoErr(t, err, "Compile")

	unit := c.units[m]
	if len(unit.NativeOffsets) == 0 {
		t.Fatalf("expected native offset entries for a multi-block method")
	}
	for i := 1; i < len(unit.NativeOffsets); i++ {
		if unit.NativeOffsets[i-1].MachOffset > unit.NativeOffsets[i].MachOffset {
			t.Fatalf("NativeOffsets must be sorted by MachOffset")
		}
	}
}

// addArgsMethod computes arg0 + arg1 and returns it, to exercise argument
// marshalling: both locals are read before anything else touches them, so
// the compiled prologue must have already copied them in from their
// caller-supplied stack slots.
func addArgsMethod() *fakeMethod {
	code := []byte{
		byte(OpIload0),
		byte(OpIload1),
		byte(OpIadd),
		byte(OpIreturn),
	}
	return newFakeMethod("addArgs", code, 2, 2, 2)
}

// TestCompileMethodWithArgumentsMarshalsThemIntoLocals guards against the
// case where a compiled method's own arguments were never copied out of
// their incoming stack slots into the virtual registers backing
// iload_0/iload_1: compiling must succeed and must actually emit the
// argument-load prologue sequence ahead of the method body.
func TestCompileMethodWithArgumentsMarshalsThemIntoLocals(t *testing.T) {
	m := addArgsMethod()
	c := NewCompiler(newFakeRuntime(), Options{})

	entry, err := c.Compile(m, &ExecEnv{})
	assertNoErr(t, err, "Compile")
	if entry == 0 {
		t.Fatalf("expected a non-zero native entry point")
	}

	unit := c.units[m]
	// push rbp; mov rbp,rsp is 4 bytes, followed by the SUB that reserves
	// the two local slots; the two argument loads (mov+mov each)
	// add at least 10 more bytes before the first body instruction, so the
	// first body instruction's own recorded mach_offset must land well
	// past a bodyless prologue.
	if len(unit.NativeOffsets) == 0 {
		t.Fatalf("expected native offset entries")
	}
	if unit.NativeOffsets[0].MachOffset < 4 {
		t.Fatalf("first body instruction's mach_offset = %d, expected it to land after the prologue and argument loads", unit.NativeOffsets[0].MachOffset)
	}
}

// TestCompileRejectsMalformedMethod checks that a CFG-build failure
// propagates out of Compile as a CompileError, and that the trampoline's
// lock records the failure (so a later caller doesn't spin forever on
// StatusCompiling).
func TestCompileRejectsMalformedMethod(t *testing.T) {
	m := newFakeMethod("bogus", []byte{0xff}, 0, 1, 0)
	c := NewCompiler(newFakeRuntime(), Options{})

	_, err := c.Compile(m, &ExecEnv{})
	if err == nil {
		t.Fatalf("expected an error compiling malformed bytecode")
	}
	if status := m.Trampoline().Lock.Status(); status != StatusCompiledFailed {
		t.Fatalf("expected StatusCompiledFailed after a failed compile, got %v", status)
	}

	// A second caller must see the cached failure, not re-attempt compilation.
	_, err2 := c.Compile(m, &ExecEnv{})
	if err2 == nil {
		t.Fatalf("expected the cached failure to be returned on a second call")
	}
}

// TestCompileFirstCallRace races ten first callers against one
// uncompiled method: the compile body must run exactly once, every
// caller must observe the same entry point, and the compile lock's
// waiter count must drain back to zero.
func TestCompileFirstCallRace(t *testing.T) {
	m := simpleAddMethod()
	c := NewCompiler(newFakeRuntime(), Options{})

	const callers = 10
	var wg sync.WaitGroup
	entries := make([]uintptr, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = c.Compile(m, &ExecEnv{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assertNoErr(t, errs[i], "Compile (caller %d)", i)
		if entries[i] != entries[0] {
			t.Fatalf("caller %d observed entry %#x, caller 0 observed %#x", i, entries[i], entries[0])
		}
	}
	if m.setEntryCalls != 1 {
		t.Fatalf("compile body ran %d times, want exactly 1", m.setEntryCalls)
	}
	if n := m.Trampoline().Lock.WaiterCount(); n != 0 {
		t.Fatalf("waiter count should drain to zero after the race, got %d", n)
	}
}
