package jitcore

import (
	"sort"

	"golang.org/x/sys/unix"
)

// codeBuffer is the growable scratch area code is encoded into before
// being copied into its final page-aligned, executable mapping.
// Writing to ordinary Go memory first keeps the per-instruction encoder
// free of mmap/mprotect concerns; only the final commit touches the OS.
type codeBuffer struct {
	bytes []byte
}

func (b *codeBuffer) pos() int { return len(b.bytes) }

func (b *codeBuffer) emitByte(v byte) { b.bytes = append(b.bytes, v) }

func (b *codeBuffer) emitBytes(vs ...byte) { b.bytes = append(b.bytes, vs...) }

func (b *codeBuffer) emitU32(v uint32) {
	b.bytes = append(b.bytes, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *codeBuffer) emitI32(v int32) { b.emitU32(uint32(v)) }

// patchRel32At overwrites the 4-byte placeholder at fixupOff with the
// displacement from the end of that rel32 field to targetOff.
func (b *codeBuffer) patchRel32At(fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	b.bytes[fixupOff+0] = byte(rel)
	b.bytes[fixupOff+1] = byte(rel >> 8)
	b.bytes[fixupOff+2] = byte(rel >> 16)
	b.bytes[fixupOff+3] = byte(rel >> 24)
}

// pendingFixup is a placeholder rel32 slot waiting on a target block
// whose EmitStartOffset isn't known yet, paired with the block it's
// appended to as that block's BackpatchInsns entry.
type pendingFixup struct {
	fixupOff int
	target   *BasicBlock
}

// CodeEmitter drives emission: a single linear pass over a CompilationUnit's
// blocks (already in the CFG's emission order), encoding every LIR
// instruction, resolving or deferring branch targets, and recording the
// mach_offset -> bytecode_offset table as it goes.
type CodeEmitter struct {
	unit    *CompilationUnit
	frame   *StackFrame
	buf     *codeBuffer
	helpers map[string]uintptr
	fixups  []pendingFixup
	offsets []NativeOffsetEntry

	// absFixups are rel32 placeholders whose target is an absolute
	// runtime address known at selection time (a direct CALL to an
	// already-compiled method, or a CALL to a trampoline stub): these
	// can't be resolved until the buffer's own final load address is
	// known, so they're patched in commitExecutable instead of inline.
	absFixups []absFixup

	trampolineCallSites []trampolineCallSite
}

type absFixup struct {
	fixupOff int
	target   uintptr
}

type trampolineCallSite struct {
	off   int
	tramp *Trampoline
}

// emitAbsCall emits `call rel32` against an absolute target address,
// deferring the actual displacement computation to commitExecutable.
func (e *CodeEmitter) emitAbsCall(target uintptr) {
	e.buf.emitByte(0xe8)
	fixupOff := e.buf.pos()
	e.buf.emitU32(0)
	e.absFixups = append(e.absFixups, absFixup{fixupOff: fixupOff, target: target})
}

// EmitCode runs emission end to end: encode, backpatch, commit to an
// executable mapping, rewrite the exception table, and release the IR.
// helpers is the owning Compiler's runtime-helper dispatch table,
// consulted by encodeCallHelper.
func EmitCode(unit *CompilationUnit, frame *StackFrame, helpers map[string]uintptr) error {
	e := &CodeEmitter{unit: unit, frame: frame, buf: &codeBuffer{}, helpers: helpers}

	emitPrologue(e.buf, frame)
	emitArgumentLoads(e, unit.ArgVars)

	for _, blk := range unit.CFG.Blocks {
		blk.EmitStartOffset = e.buf.pos()
		blk.emitStartSet = true
		// Walk this block's backpatch list: every earlier-emitted
		// forward branch targeting blk gets its placeholder displacement
		// written now that blk's start offset is known.
		for _, fx := range e.fixups {
			if fx.target == blk {
				e.buf.patchRel32At(fx.fixupOff, blk.EmitStartOffset)
			}
		}
		e.fixups = removeFixupsFor(e.fixups, blk)

		for _, insn := range blk.Insns {
			insn.MachOffset = e.buf.pos()
			e.offsets = append(e.offsets, NativeOffsetEntry{MachOffset: insn.MachOffset, BytecodeOffset: insn.BytecodeOffset})
			encodeAMD64(e, blk, insn)
		}
	}

	code, entry, err := commitExecutable(e.buf.bytes, e.absFixups)
	if err != nil {
		return newOutOfMemory(unit.Method.Name(), "mmap executable buffer: %v", err)
	}

	for _, cs := range e.trampolineCallSites {
		cs.tramp.RecordCallSite(entry + uintptr(cs.off))
	}

	// Must stay stable: zero-length instructions (Nop, Label) share a
	// MachOffset with their successor, and nearest-predecessor lookup
	// reads the last entry at an offset.
	sort.SliceStable(e.offsets, func(i, j int) bool { return e.offsets[i].MachOffset < e.offsets[j].MachOffset })

	unit.Code = code
	unit.Entry = entry
	unit.NativeOffsets = e.offsets
	unit.ExceptionTable = rewriteExceptionTable(unit.Method.ExceptionTable(), unit.CFG)
	unit.Frame = frame
	unit.isCompiled = true
	unit.ReleaseIR()
	return nil
}

// emitBranch encodes a branch-class instruction's displacement: direct if
// the target block has already started emitting (a backward branch),
// otherwise a zero-filled placeholder recorded in both e.fixups and the
// target block's own BackpatchInsns list.
func (e *CodeEmitter) emitBranch(target *BasicBlock, insn *LIRInstruction) {
	fixupOff := e.buf.pos()
	e.buf.emitU32(0)
	if target.emitStartSet {
		e.buf.patchRel32At(fixupOff, target.EmitStartOffset)
		return
	}
	e.fixups = append(e.fixups, pendingFixup{fixupOff: fixupOff, target: target})
	target.BackpatchInsns = append(target.BackpatchInsns, insn)
}

func removeFixupsFor(fixups []pendingFixup, blk *BasicBlock) []pendingFixup {
	kept := fixups[:0]
	for _, fx := range fixups {
		if fx.target != blk {
			kept = append(kept, fx)
		}
	}
	return kept
}

// rewriteExceptionTable replaces each entry's HandlerPC (a bytecode
// offset) with the mach_offset of the block that starts there, so the
// unwinder resumes on native addresses without a second translation.
func rewriteExceptionTable(src []ExceptionTableEntry, cfg *ControlFlowGraph) []ExceptionTableEntry {
	out := make([]ExceptionTableEntry, len(src))
	for i, e := range src {
		out[i] = e
		if blk := cfg.BlockAt(e.HandlerPC); blk != nil {
			out[i].HandlerPC = blk.EmitStartOffset
		}
	}
	return out
}

// commitExecutable copies code into a fresh mmap'd, page-aligned
// executable mapping and resolves every
// absolute-target call fixup now that the mapping's own load address is
// known. The pages stay writable as well as executable: call-site
// patching rewrites a CALL displacement inside an
// already-committed buffer long after emission finishes.
func commitExecutable(code []byte, fixups []absFixup) ([]byte, uintptr, error) {
	size := pageAlign(len(code))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, 0, err
	}
	copy(mem, code)

	entry := entryAddr(mem)
	for _, fx := range fixups {
		rel := int32(int64(fx.target) - int64(entry) - int64(fx.fixupOff) - 4)
		mem[fx.fixupOff+0] = byte(rel)
		mem[fx.fixupOff+1] = byte(rel >> 8)
		mem[fx.fixupOff+2] = byte(rel >> 16)
		mem[fx.fixupOff+3] = byte(rel >> 24)
	}
	return mem[:len(code)], entry, nil
}

func pageAlign(n int) int {
	const page = 4096
	if rem := n % page; rem != 0 {
		n += page - rem
	}
	if n == 0 {
		n = page
	}
	return n
}
