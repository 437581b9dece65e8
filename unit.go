package jitcore

// NativeOffsetEntry maps one emitted machine offset back to the bytecode
// offset it was lowered from,
// sorted by MachOffset so a faulting PC can be resolved by binary search.
type NativeOffsetEntry struct {
	MachOffset     int
	BytecodeOffset int
}

// CompilationUnit owns everything produced while compiling one method
//. The HIR/LIR structures (CFG, VarInfo list) are retained only
// until code emission succeeds; after that, Code/NativeOffsets/Frame and
// the rewritten exception table are all stackwalk.go and the trampoline
// ever need again.
type CompilationUnit struct {
	Method Method

	CFG     *ControlFlowGraph
	Vars    []*VarInfo
	ArgVars []*VarInfo

	Frame *StackFrame

	// ExceptionSpillSlot holds the in-flight exception reference across
	// the HIR region between a throw/fault and its handler, so a handler
	// block can read it back as its mimic stack's sole seed value
	// (hir_builder.go's excSpill, frozen into a concrete spill slot once
	// the allocator runs).
	ExceptionSpillSlot int

	Code           []byte
	Entry          uintptr
	NativeOffsets  []NativeOffsetEntry
	ExceptionTable []ExceptionTableEntry // HandlerPC rewritten to mach_offset

	Trampoline *Trampoline

	isCompiled bool
}

// NewCompilationUnit creates the unit for method, borrowing its
// trampoline (the core never allocates or frees it, per external.go).
func NewCompilationUnit(method Method) *CompilationUnit {
	return &CompilationUnit{
		Method:     method,
		Trampoline: method.Trampoline(),
	}
}

func (u *CompilationUnit) IsCompiled() bool { return u.isCompiled }

// ReleaseIR drops the HIR/LIR structures once code emission has
// succeeded; only the code buffer and its offset tables persist for the
// process lifetime.
func (u *CompilationUnit) ReleaseIR() {
	u.CFG = nil
	u.Vars = nil
	u.ArgVars = nil
}

// bytecodeOffsetAt resolves a faulting/returning native PC (given as an
// offset from Entry) to the bytecode offset active there, via binary
// search over the sorted NativeOffsets table.
func (u *CompilationUnit) bytecodeOffsetAt(machOffset int) (int, bool) {
	lo, hi := 0, len(u.NativeOffsets)
	for lo < hi {
		mid := (lo + hi) / 2
		if u.NativeOffsets[mid].MachOffset <= machOffset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return u.NativeOffsets[lo-1].BytecodeOffset, true
}

// handlerFor searches ExceptionTable for the innermost entry covering
// bytecodeOffset whose CatchType matches (or is a finally handler,
// CatchType == 0), returning the handler's mach_offset.
// Entries are searched in table order, matching a class file's exception
// table precedence (innermost-first by construction order).
func (u *CompilationUnit) handlerFor(bytecodeOffset int, exceptionClass ClassHandle, subtype SubtypeChecker, resolver ConstantPoolResolver) (int, bool) {
	for _, e := range u.ExceptionTable {
		if bytecodeOffset < e.StartPC || bytecodeOffset >= e.EndPC {
			continue
		}
		if e.CatchType == 0 {
			return e.HandlerPC, true // finally handler: always matches
		}
		catchClass, err := resolver.ResolveClass(e.CatchType)
		if err != nil {
			continue
		}
		if subtype.IsInstanceOf(catchClass, exceptionClass) {
			return e.HandlerPC, true
		}
	}
	return 0, false
}
