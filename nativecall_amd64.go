//go:build amd64

package jitcore

// callCompiled invokes a compiled method's native entry point: up to 4
// integer/pointer arguments pushed onto the stack in the same layout
// frame.go's StackFrame.ArgOffset expects (arg 0 immediately above the
// return address, ascending from there), with the single int64/uintptr
// result read back out of RAX. This is the same convention
// codegen_amd64.go's own JIT-to-JIT call sites (pushJITArgs) use; the
// bridge exists only so this core's own tests can call a method
// EmitCode just produced without a real VM's interpreter-to-JIT
// call-site in the loop.
//
//go:noescape
func callCompiled(entry uintptr, a0, a1, a2, a3 uintptr) uintptr
