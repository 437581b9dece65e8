// Package jitcore implements the just-in-time compilation core for a
// stack-based, class-file bytecode virtual machine: bytecode-to-HIR
// translation, control-flow analysis, HIR-to-LIR instruction selection,
// linear-scan register allocation, native code emission, a per-method
// compile-once trampoline, and stack walking / exception delivery.
//
// The surrounding virtual machine — class loading, object layout, GC,
// monitors, thread creation, native method plumbing — is external to this
// package and is consumed only through the interfaces in external.go.
package jitcore
