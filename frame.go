package jitcore

// WordSize selects the target's pointer/word width; the frame contract
// has a 32-bit and a 64-bit variant, differing only
// in word size and the count of callee-saved slots directly below the
// saved frame pointer.
type WordSize int

const (
	Word32 WordSize = 4
	Word64 WordSize = 8
)

// StackFrame is the per-method layout contract:
//
//	higher addresses
//	  args[N-1] .. args[0]                (callee's incoming args)
//	  return address
//	  saved frame pointer                 <- frame pointer register
//	  saved callee-saved registers
//	  local[0] .. local[L-1]
//	  spill[0] .. spill[S-1]              <- stack pointer register
//	lower addresses
//
// All offsets are relative to the frame pointer, in bytes.
type StackFrame struct {
	Word WordSize

	ArgsCount       int
	LocalSlotsCount int
	SpillSlots      int

	// CalleeSaveCount is how many callee-saved registers this frame's
	// prologue pushes directly below the saved frame pointer (a variant
	// that saves none has CalleeSaveCount == 0); compiler.go passes 0 for
	// every method.
	CalleeSaveCount int
}

// NewStackFrame derives a frame descriptor from a method's own signature
// and the spill-slot count the allocator produced for it.
func NewStackFrame(word WordSize, argsCount, maxLocals, spillSlots, calleeSaveCount int) *StackFrame {
	return &StackFrame{
		Word:            word,
		ArgsCount:       argsCount,
		LocalSlotsCount: maxLocals,
		SpillSlots:      spillSlots,
		CalleeSaveCount: calleeSaveCount,
	}
}

// ArgOffset returns the frame-pointer-relative byte offset of incoming
// argument i (0-indexed, i=0 is the first argument). Args sit above the
// return address, the saved frame pointer, and the callee-save block, so
// arg 0 begins at +word*(2 + CalleeSaveCount).
func (f *StackFrame) ArgOffset(i int) int32 {
	word := int(f.Word)
	base := word * (2 + f.CalleeSaveCount)
	return int32(base + i*word)
}

// LocalOffset returns the frame-pointer-relative byte offset of local
// slot i. Locals live below the frame pointer, at -word*(i+1).
func (f *StackFrame) LocalOffset(i int) int32 {
	return -int32((i + 1) * int(f.Word))
}

// SpillOffset returns the frame-pointer-relative byte offset of spill
// slot i, continuing past the local slots.
func (f *StackFrame) SpillOffset(i int) int32 {
	word := int(f.Word)
	return -int32(f.LocalSlotsCount*word + (i+1)*word)
}

// FrameSize is the total number of bytes the prologue must reserve below
// the saved frame pointer (locals plus spill slots), rounded up to the
// platform's stack alignment (16 bytes on the amd64 SysV ABI this core
// targets).
func (f *StackFrame) FrameSize() int32 {
	raw := int32((f.LocalSlotsCount + f.SpillSlots) * int(f.Word))
	const align = 16
	if rem := raw % align; rem != 0 {
		raw += align - rem
	}
	return raw
}
