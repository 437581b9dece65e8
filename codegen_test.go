package jitcore

import (
	"bytes"
	"testing"
)

// TestEmitArgumentLoadsSkipsUnreadArguments confirms an argument slot the
// method body never loads (no backing VarInfo) gets no prologue code at
// all, rather than a load-and-discard sequence.
func TestEmitArgumentLoadsSkipsUnreadArguments(t *testing.T) {
	frame := NewStackFrame(Word64, 3, 1, 0, 0)
	e := &CodeEmitter{frame: frame, buf: &codeBuffer{}}

	emitArgumentLoads(e, []*VarInfo{nil, nil, nil})

	if len(e.buf.bytes) != 0 {
		t.Fatalf("expected no bytes emitted for arguments the method never reads, got %d", len(e.buf.bytes))
	}
}

// TestEmitArgumentLoadsCopiesIntoRegisterAndSpillDestinations is a
// byte-exact regression test for the bug where a compiled method's
// incoming arguments were never copied out of their caller-supplied stack
// slots (frame.ArgOffset) into the virtual registers the selector
// allocated for them: iload_0/iload_1 would read an uninitialized vreg.
// This checks both destination shapes emitArgumentLoads can hit: an
// argument whose VarInfo landed in a physical register, and one that got
// spilled.
func TestEmitArgumentLoadsCopiesIntoRegisterAndSpillDestinations(t *testing.T) {
	frame := NewStackFrame(Word64, 2, 1, 1, 0)
	regVar := &VarInfo{ID: 0, Type: TInt32, FixedReg: NoReg, AllocatedReg: RBX, SpillSlot: -1}
	spillVar := &VarInfo{ID: 1, Type: TInt32, FixedReg: NoReg, AllocatedReg: NoReg, SpillSlot: 0}

	e := &CodeEmitter{frame: frame, buf: &codeBuffer{}}
	emitArgumentLoads(e, []*VarInfo{regVar, spillVar})

	want := []byte{
		// arg0 -> regVar (RBX): mov r11, [rbp+16]; mov rbx, r11
		0x44, 0x8b, 0x9d, 0x10, 0x00, 0x00, 0x00,
		0x44, 0x89, 0xdb,
		// arg1 -> spillVar (slot 0): mov r11, [rbp+24]; mov [rbp-16], r11
		0x44, 0x8b, 0x9d, 0x18, 0x00, 0x00, 0x00,
		0x44, 0x89, 0x9d, 0xf0, 0xff, 0xff, 0xff,
	}
	if !bytes.Equal(e.buf.bytes, want) {
		t.Fatalf("emitArgumentLoads produced:\n  got  % x\n  want % x", e.buf.bytes, want)
	}
}
