package jitcore

import "unsafe"

// FrameKind distinguishes the three frame shapes a stack walk can land
// on.
type FrameKind int

const (
	FrameNative FrameKind = iota
	FrameJIT
	FrameTrampoline
)

// Frame is a JIT frame's on-stack layout as the walker sees it:
// {prev_frame, saved_callee_saves, return_address, args...} at the
// constant offsets frame.go's StackFrame describes. Kind lets the walker
// stop at a non-JIT frame without needing to consult the CUIndex.
type Frame struct {
	Kind FrameKind

	Prev         *Frame
	ReturnAddr   uintptr
	FramePointer uintptr // this frame's own saved frame-pointer value

	// Unit is nil for a native/trampoline frame; set for FrameJIT so the
	// walker can resolve ReturnAddr to a bytecode offset without a
	// second CUIndex lookup.
	Unit *CompilationUnit

	// Receiver/OwnerClass back monitor-exit on synchronized-method
	// unwind: Receiver for an instance method, OwnerClass
	// for a static one.
	Receiver   uintptr
	OwnerClass ClassHandle
	Synchronized bool
}

// StackWalker resolves a faulting native PC to a handler and drives
// synchronized-method unwind when no handler is found in the raising
// method.
type StackWalker struct {
	Index   *CUIndex
	Runtime *Runtime
}

func NewStackWalker(index *CUIndex, runtime *Runtime) *StackWalker {
	return &StackWalker{Index: index, Runtime: runtime}
}

// UnwindResult is what UnwindAndFindHandler hands back to the trampoline
// dispatcher or the signal path.
type UnwindResult struct {
	// Handled is true when a handler block was found: ResumePC is the
	// mach_offset of the handler's first emitted instruction within
	// ResumeUnit's code buffer, and the caller resumes there after
	// depositing the exception in ResumeUnit.ExceptionSpillSlot.
	Handled    bool
	ResumeUnit *CompilationUnit
	ResumePC   int

	// Deferred is true when the walk ran off the bottom of the JIT
	// frame chain into a non-JIT frame: the caller must hand the
	// exception back to the external runtime's own unwinder.
	Deferred   bool
	NextFrame  *Frame
}

// UnwindAndFindHandler maps faultPC to a bytecode offset, searches for a
// covering handler, and unwinds frame by frame when none matches,
// starting from the frame that raised exceptionClass at faultPC.
func (w *StackWalker) UnwindAndFindHandler(frame *Frame, faultPC uintptr, exceptionClass ClassHandle) UnwindResult {
	for frame != nil && frame.Kind == FrameJIT {
		unit := frame.Unit
		if unit == nil {
			unit = w.Index.Lookup(faultPC)
		}
		if unit == nil {
			break
		}

		boff, ok := unit.bytecodeOffsetAt(int(faultPC - unit.Entry))
		if ok {
			if handlerPC, found := unit.handlerFor(boff, exceptionClass, w.Runtime.Subtype, w.Runtime.Resolver); found {
				return UnwindResult{Handled: true, ResumeUnit: unit, ResumePC: handlerPC}
			}
		}

		if frame.Synchronized {
			if frame.Receiver != 0 {
				w.Runtime.Monitor.ObjectUnlock(frame.Receiver)
			} else if frame.OwnerClass != nil {
				// Static synchronized method: lock held on the class's
				// representative object, whatever uintptr the embedding VM
				// uses for that (opaque to this core).
				w.Runtime.Monitor.ObjectUnlock(classLockRef(frame.OwnerClass))
			}
		}

		faultPC = frame.ReturnAddr
		frame = frame.Prev
	}

	return UnwindResult{Deferred: true, NextFrame: frame}
}

// ifaceWords mirrors the runtime layout of a non-empty interface value:
// a type-descriptor word and a data word. ClassHandle implementations are
// expected to be pointer-shaped (ClassHandle is a thin handle onto
// VM-owned class metadata), so the data word is the same stable address
// for every ClassHandle value that wraps the same underlying pointer.
type ifaceWords struct {
	typ, data unsafe.Pointer
}

// classLockRef derives the uintptr a static synchronized method locks on.
// The core has no object representation of its own for a Class (the
// VM owns the object model) so it reuses the ClassHandle's own identity
// as a stable, per-class key the external Monitor can key on.
func classLockRef(c ClassHandle) uintptr {
	w := (*ifaceWords)(unsafe.Pointer(&c))
	return uintptr(w.data)
}
