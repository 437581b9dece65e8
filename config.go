package jitcore

import "log"

// Options configures a Compiler instance. A library embedded by a VM
// can't assume it owns process-wide state, so target and debug knobs are
// fields threaded through a Compiler value rather than package globals.
type Options struct {
	// Word is the target's pointer/word size; only Word64 (amd64) has a
	// code generator in this core (frame.go carries both variants of the
	// layout contract, codegen_amd64.go implements the 64-bit one).
	Word WordSize

	// ReentrantLocks enables the reentrant compile-lock mode: a
	// thread already compiling method M that re-enters compile(M) (e.g.
	// M calls itself before its own compilation finished) is let through
	// rather than deadlocking against itself.
	ReentrantLocks bool

	// Trace, if non-nil, receives three lines per successfully compiled
	// method: the CFG basic-block count, the virtual-register count, and
	// the emitted code size with its spill-slot count. nil disables
	// tracing entirely (no formatting cost paid).
	Trace *log.Logger
}

func (o Options) wordSize() WordSize {
	if o.Word == 0 {
		return Word64
	}
	return o.Word
}

func (o Options) trace(format string, args ...any) {
	if o.Trace == nil {
		return
	}
	o.Trace.Printf(format, args...)
}
