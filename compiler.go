package jitcore

// Compiler is the top-level context a VM constructs once and calls into
// for every method it wants JIT-compiled. It owns the native-address
// index, the helper dispatch table, and the compile-time view of the
// Runtime a method's compilation consults.
type Compiler struct {
	Runtime *Runtime
	Options Options

	index  *CUIndex
	walker *StackWalker

	units   map[Method]*CompilationUnit
	helpers map[string]uintptr
}

// NewCompiler wires up a Compiler against the given Runtime and Options.
// The embedding VM registers its helper entry points (allocation, field
// access, monitor, checkcast, safety checks, throw) via RegisterHelper
// before the first Compile that lowers through one of them.
func NewCompiler(runtime *Runtime, opts Options) *Compiler {
	c := &Compiler{
		Runtime: runtime,
		Options: opts,
		index:   NewCUIndex(),
		units:   make(map[Method]*CompilationUnit),
		helpers: make(map[string]uintptr),
	}
	c.walker = NewStackWalker(c.index, runtime)
	return c
}

// Compile runs the full pipeline for method and installs its
// trampoline's compile-once latch around the work.
// Concurrent callers compiling the same method all converge on the one
// CompileLock owned by method's borrowed Trampoline.
func (c *Compiler) Compile(method Method, ee *ExecEnv) (uintptr, error) {
	tramp := method.Trampoline()
	status, err := tramp.Lock.Enter(ee)
	switch status {
	case StatusCompiledOK:
		return method.CompiledEntry(), err
	case StatusCompiledFailed:
		return 0, err
	case StatusCompiling:
		// This goroutine won the race; fall through and compile.
	default:
		return 0, err
	}

	entry, compileErr := c.compileOnce(method)
	if compileErr != nil {
		tramp.Lock.Leave(StatusCompiledFailed, compileErr)
		return 0, compileErr
	}

	method.SetCompiledEntry(entry)
	tramp.Lock.Leave(StatusCompiledOK, nil)
	tramp.PatchCallSites(entry)
	return entry, nil
}

// compileOnce runs the pipeline stages once, uninterrupted by any
// other caller since the CompileLock already serialized entry to here.
func (c *Compiler) compileOnce(method Method) (uintptr, error) {
	cfg, err := BuildCFG(method)
	if err != nil {
		return 0, err
	}
	c.Options.trace("jit: %s: %d basic blocks", method.Name(), len(cfg.Blocks))

	if err := BuildHIR(method, cfg, c.Runtime); err != nil {
		return 0, err
	}

	sel, err := SelectInstructions(method, cfg)
	if err != nil {
		return 0, err
	}
	c.Options.trace("jit: %s: %d virtual registers", method.Name(), len(sel.Vars))

	intervals := LivenessAnalysis(cfg, sel.Vars)
	spillSlots := Allocate(intervals, callSitePositions(cfg))

	// The exception-handler seed register is forced into a spill slot
	// whatever the allocator decided: the unwinder needs one fixed frame
	// location to deposit the thrown object in before resuming at a
	// handler.
	excSpillSlot := -1
	if v := sel.ExcVar; v != nil {
		if v.SpillSlot < 0 {
			v.SpillSlot = spillSlots
			spillSlots++
		}
		v.AllocatedReg = NoReg
		excSpillSlot = v.SpillSlot
	}

	frame := NewStackFrame(c.Options.wordSize(), method.ArgCount(), method.MaxLocals(), spillSlots, 0)

	unit := NewCompilationUnit(method)
	unit.CFG = cfg
	unit.Vars = sel.Vars
	unit.ArgVars = sel.ArgVars
	unit.ExceptionSpillSlot = excSpillSlot

	if err := EmitCode(unit, frame, c.helpers); err != nil {
		return 0, err
	}
	c.Options.trace("jit: %s: %d bytes emitted, %d spill slots", method.Name(), len(unit.Code), spillSlots)

	c.index.Insert(unit.Entry, uintptr(len(unit.Code)), unit)
	c.units[method] = unit
	unit.Trampoline.Unit = unit
	return unit.Entry, nil
}

// IsJITMethod reports whether pc falls inside any method this Compiler
// has compiled.
func (c *Compiler) IsJITMethod(pc uintptr) bool {
	return c.index.Lookup(pc) != nil
}

// MethodOf returns the Method owning pc, or nil.
func (c *Compiler) MethodOf(pc uintptr) Method {
	if unit := c.index.Lookup(pc); unit != nil {
		return unit.Method
	}
	return nil
}

// PCToBytecodeOffset maps a native PC to the bytecode offset of the
// nearest emitted body instruction at or before it, or false if pc isn't
// inside a compiled method or lies before its first body instruction (in
// the prologue).
func (c *Compiler) PCToBytecodeOffset(pc uintptr) (int, bool) {
	unit := c.index.Lookup(pc)
	if unit == nil {
		return 0, false
	}
	return unit.bytecodeOffsetAt(int(pc - unit.Entry))
}

// UnwindAndFindHandler delegates to the StackWalker.
func (c *Compiler) UnwindAndFindHandler(frame *Frame, faultPC uintptr, exceptionClass ClassHandle) UnwindResult {
	return c.walker.UnwindAndFindHandler(frame, faultPC, exceptionClass)
}

// MagicTrampoline is the function every unpatched call site dispatches
// through: it drives Compile and
// returns the entry point the caller should now jump to.
func (c *Compiler) MagicTrampoline(method Method, ee *ExecEnv) (uintptr, error) {
	if entry := method.CompiledEntry(); entry != 0 {
		return entry, nil
	}
	return c.Compile(method, ee)
}

// RegisterHelper installs the native entry point for a named runtime
// helper (e.g. "nullcheck", "new", "getfield", "throw" — the full set
// codegen_amd64.go's encodeCallHelper dispatches on). Must be called
// before the first Compile that needs it; compilation itself is already
// serialized per method by the compile lock, so registration needs no
// further synchronization beyond happening first.
func (c *Compiler) RegisterHelper(name string, entry uintptr) {
	c.helpers[name] = entry
}
