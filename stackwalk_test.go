package jitcore

import "testing"

// buildHandlerUnit constructs a minimal CompilationUnit with one native
// offset entry and one exception-table entry covering bytecode offset 0,
// whose handler lands at mach_offset 0x50.
func buildHandlerUnit(entry uintptr, catchType int) *CompilationUnit {
	return &CompilationUnit{
		Entry:         entry,
		NativeOffsets: []NativeOffsetEntry{{MachOffset: 0, BytecodeOffset: 0}},
		ExceptionTable: []ExceptionTableEntry{
			{StartPC: 0, EndPC: 10, HandlerPC: 0x50, CatchType: catchType},
		},
	}
}

func TestUnwindFindsHandlerInRaisingFrame(t *testing.T) {
	runtime := newFakeRuntime()
	resolver := runtime.Resolver.(*fakeResolver)
	excClass := newFakeClass("java/lang/ArithmeticException")
	resolver.classes[7] = excClass

	unit := buildHandlerUnit(0x1000, 7)
	idx := NewCUIndex()
	idx.Insert(unit.Entry, 0x100, unit)

	frame := &Frame{Kind: FrameJIT, Unit: unit}
	w := NewStackWalker(idx, runtime)

	res := w.UnwindAndFindHandler(frame, unit.Entry, excClass)
	if !res.Handled {
		t.Fatalf("expected a handler to be found in the raising frame")
	}
	if res.ResumeUnit != unit || res.ResumePC != 0x50 {
		t.Fatalf("unexpected resume target: unit=%v pc=%d", res.ResumeUnit, res.ResumePC)
	}
}

func TestUnwindFallsThroughFramesWhenNoHandlerMatches(t *testing.T) {
	runtime := newFakeRuntime()
	resolver := runtime.Resolver.(*fakeResolver)
	declaredCatch := newFakeClass("java/io/IOException")
	thrown := newFakeClass("java/lang/NullPointerException")
	resolver.classes[7] = declaredCatch

	raising := buildHandlerUnit(0x1000, 7) // only catches IOException
	caller := buildHandlerUnit(0x2000, 7)  // also only catches IOException

	idx := NewCUIndex()
	idx.Insert(raising.Entry, 0x100, raising)
	idx.Insert(caller.Entry, 0x100, caller)

	callerFrame := &Frame{Kind: FrameJIT, Unit: caller, ReturnAddr: caller.Entry}
	raisingFrame := &Frame{Kind: FrameJIT, Unit: raising, ReturnAddr: caller.Entry, Prev: callerFrame}

	w := NewStackWalker(idx, runtime)
	res := w.UnwindAndFindHandler(raisingFrame, raising.Entry, thrown)

	if res.Handled {
		t.Fatalf("NullPointerException should not match an IOException-only handler")
	}
	if !res.Deferred {
		t.Fatalf("expected the walk to defer once it runs off the JIT frame chain")
	}
}

func TestUnwindUnlocksSynchronizedInstanceMethodFrame(t *testing.T) {
	runtime := newFakeRuntime()
	monitor := runtime.Monitor.(*fakeMonitor)

	unit := buildHandlerUnit(0x1000, 0) // no handler table entries matter here
	unit.ExceptionTable = nil           // force no handler so it unwinds past this frame
	idx := NewCUIndex()
	idx.Insert(unit.Entry, 0x100, unit)

	const receiver = uintptr(0xdead)
	monitor.ObjectLock(receiver)

	frame := &Frame{Kind: FrameJIT, Unit: unit, Synchronized: true, Receiver: receiver}
	w := NewStackWalker(idx, runtime)

	w.UnwindAndFindHandler(frame, unit.Entry, newFakeClass("X"))

	if monitor.locked[receiver] != 0 {
		t.Fatalf("expected the synchronized frame's monitor to be released exactly once, lock count = %d", monitor.locked[receiver])
	}
}

func TestUnwindUnlocksSynchronizedStaticMethodFrameByClassIdentity(t *testing.T) {
	runtime := newFakeRuntime()
	monitor := runtime.Monitor.(*fakeMonitor)

	unit := buildHandlerUnit(0x1000, 0)
	unit.ExceptionTable = nil
	idx := NewCUIndex()
	idx.Insert(unit.Entry, 0x100, unit)

	owner := newFakeClass("Owner")
	ref := classLockRef(owner)
	monitor.ObjectLock(ref)

	frame := &Frame{Kind: FrameJIT, Unit: unit, Synchronized: true, OwnerClass: owner}
	w := NewStackWalker(idx, runtime)
	w.UnwindAndFindHandler(frame, unit.Entry, newFakeClass("X"))

	if monitor.locked[ref] != 0 {
		t.Fatalf("expected the class-identity lock to be released exactly once, lock count = %d", monitor.locked[ref])
	}
}

// TestClassLockRefStableAcrossCalls guards against the bug where
// classLockRef took the address of its own by-value interface parameter
// (a fresh stack slot per call) instead of the underlying pointer.
func TestClassLockRefStableAcrossCalls(t *testing.T) {
	owner := newFakeClass("Owner")
	r1 := classLockRef(owner)
	r2 := classLockRef(owner)
	if r1 != r2 {
		t.Fatalf("classLockRef must be stable for the same ClassHandle value across calls: %#x vs %#x", r1, r2)
	}

	other := newFakeClass("Other")
	if classLockRef(other) == r1 {
		t.Fatalf("classLockRef must differ for distinct ClassHandle values")
	}
}
