package jitcore

import (
	"sort"
	"sync"
)

// cuRange is one entry in the address index: [Entry, Entry+Size) belongs
// to Unit.
type cuRange struct {
	Entry uintptr
	Size  uintptr
	Unit  *CompilationUnit
}

// CUIndex maps a native address falling anywhere inside a compiled
// method's code range back to its owning CompilationUnit, with a
// sorted-by-entry slice and binary search for the predecessor: the
// idiomatic Go shape for an interval index, and the same O(log n) worst
// case a prefix-keyed radix tree pays on its own predecessor-search
// fallback.
type CUIndex struct {
	mu     sync.RWMutex
	ranges []cuRange // kept sorted by Entry
}

func NewCUIndex() *CUIndex { return &CUIndex{} }

// Insert registers unit's code range. Called once, immediately after code
// emission succeeds and before the trampoline's call sites are patched,
// so a concurrent stack walk can never observe a patched call site
// without also finding its CompilationUnit.
func (idx *CUIndex) Insert(entry, size uintptr, unit *CompilationUnit) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := sort.Search(len(idx.ranges), func(i int) bool { return idx.ranges[i].Entry >= entry })
	idx.ranges = append(idx.ranges, cuRange{})
	copy(idx.ranges[i+1:], idx.ranges[i:])
	idx.ranges[i] = cuRange{Entry: entry, Size: size, Unit: unit}
}

// Remove drops unit's range, e.g. if a VM ever unloads a class (not
// exercised by this core's own tests, but kept symmetric with Insert
// since the external Allocator/class loader may recycle method memory).
func (idx *CUIndex) Remove(entry uintptr) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := sort.Search(len(idx.ranges), func(i int) bool { return idx.ranges[i].Entry >= entry })
	if i < len(idx.ranges) && idx.ranges[i].Entry == entry {
		idx.ranges = append(idx.ranges[:i], idx.ranges[i+1:]...)
	}
}

// Lookup returns the CompilationUnit owning pc, or nil if pc doesn't fall
// inside any registered range (e.g. it's a native/foreign frame's PC).
func (idx *CUIndex) Lookup(pc uintptr) *CompilationUnit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	i := sort.Search(len(idx.ranges), func(i int) bool { return idx.ranges[i].Entry > pc }) - 1
	if i < 0 || i >= len(idx.ranges) {
		return nil
	}
	r := idx.ranges[i]
	if pc >= r.Entry && pc < r.Entry+r.Size {
		return r.Unit
	}
	return nil
}
