package jitcore

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// CompileStatus is the compile latch's state: it only ever moves forward,
// and once it reaches one of the two result states it never changes
// again.
type CompileStatus int32

const (
	StatusInitial CompileStatus = iota
	StatusCompiling

	// Result states.
	StatusCompiledOK
	StatusCompiledFailed
)

// CompileLock is the per-method compile-once latch: exactly one
// caller wins the race to compile, every other caller blocks until the
// winner publishes a result state. Go's sync.Cond plays the role of the
// C implementation's semaphore + waiter count.
type CompileLock struct {
	mu   sync.Mutex
	cond *sync.Cond

	status  CompileStatus
	err     error
	waiters int

	reentrant  bool
	compiling  *ExecEnv // set while status == StatusCompiling and reentrant
}

func NewCompileLock(reentrant bool) *CompileLock {
	cl := &CompileLock{reentrant: reentrant}
	cl.cond = sync.NewCond(&cl.mu)
	return cl
}

// Enter joins the compile race: the caller that observes
// StatusInitial and wins the CAS to StatusCompiling must call Leave; every
// other caller blocks until a result state is published, then returns it.
// In reentrant mode, a caller whose ee matches the owner already compiling
// is let through rather than deadlocked against its own in-flight compile.
func (cl *CompileLock) Enter(ee *ExecEnv) (CompileStatus, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.status > StatusCompiling {
		return cl.status, cl.err
	}
	if cl.status == StatusInitial {
		cl.status = StatusCompiling
		cl.compiling = ee
		return StatusCompiling, nil
	}

	for cl.status == StatusCompiling {
		if cl.reentrant && ee != nil && cl.compiling == ee {
			return StatusCompiledOK, nil
		}
		cl.waiters++
		cl.cond.Wait()
		cl.waiters--
	}
	return cl.status, cl.err
}

// WaiterCount reports how many callers are currently blocked waiting for
// the winner's result; it drains back to zero once a terminal status has
// been published and every waiter has resumed.
func (cl *CompileLock) WaiterCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.waiters
}

// Leave publishes a result state and wakes every waiter. Only the caller
// that received StatusCompiling from Enter may call this.
func (cl *CompileLock) Leave(status CompileStatus, err error) {
	cl.mu.Lock()
	cl.status = status
	cl.err = err
	cl.compiling = nil
	cl.mu.Unlock()
	cl.cond.Broadcast()
}

func (cl *CompileLock) Status() CompileStatus {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.status
}

// Trampoline owns a small emitted stub (a call to MagicTrampoline plus
// room for the call-site patch) and the per-method compile lock
// guarding the one-time JIT compile of its owner.
type Trampoline struct {
	Lock *CompileLock

	// Stub is the trampoline's own emitted bytes; Entry is its entry
	// address, the address every call site initially targets. Both are
	// produced by the runtime that owns the method (the trampoline
	// pointer is borrowed), since the stub's job is calling back into
	// Compiler.MagicTrampoline with the right method handle.
	Stub  []byte
	Entry uintptr

	// Unit is set once the owning method compiles, so the stub can hand
	// repeat callers the finished body without re-entering the lock.
	Unit *CompilationUnit

	// CallSites records addresses from which a call-site patch rewrite
	// (Patch) is still pending; populated by codegen.go as direct calls
	// through the trampoline are emitted.
	mu        sync.Mutex
	callSites []uintptr
}

func NewTrampoline(reentrant bool) *Trampoline {
	return &Trampoline{Lock: NewCompileLock(reentrant)}
}

// RecordCallSite notes a call-site address that dispatches through this
// trampoline so a later successful compile can patch it directly.
func (t *Trampoline) RecordCallSite(addr uintptr) {
	t.mu.Lock()
	t.callSites = append(t.callSites, addr)
	t.mu.Unlock()
}

// PatchCallSites rewrites every recorded call site's relative
// displacement to target entry directly, bypassing the trampoline on all
// future calls. Each displacement is written with one atomic word store,
// then syncInstructionCache runs; on amd64 that hook is empty, since the
// atomic store alone is enough there.
func (t *Trampoline) PatchCallSites(entry uintptr) {
	t.mu.Lock()
	sites := t.callSites
	t.mu.Unlock()

	for _, site := range sites {
		patchCallRel32(site, entry)
	}
	syncInstructionCache()
}

// patchCallRel32 overwrites the 4-byte relative displacement of a CALL
// rel32 instruction at callInsnAddr+1 with an atomic word store, so a
// concurrent reader always observes either the fully-old or fully-new
// displacement, never a torn value.
func patchCallRel32(callInsnAddr, target uintptr) {
	dispAddr := callInsnAddr + 1 // opcode byte E8, then rel32
	rel := int32(target - (callInsnAddr + 5))
	word := (*uint32)(unsafe.Pointer(dispAddr)) //nolint:govet // raw address into the executable buffer, not a Go object
	atomic.StoreUint32(word, uint32(rel))
}

// syncInstructionCache issues whatever barrier keeps a concurrently
// executing thread from seeing stale instruction bytes after a call-site
// patch. amd64 keeps I-cache and D-cache coherent for ordinary stores, so
// the atomic store in patchCallRel32 is already sufficient here; this is
// a named hook so a target with a weaker coherence model has a single
// place to add the real barrier.
func syncInstructionCache() {}
