package jitcore

import "testing"

func TestCUIndexLookup(t *testing.T) {
	idx := NewCUIndex()
	u1 := &CompilationUnit{}
	u2 := &CompilationUnit{}
	u3 := &CompilationUnit{}

	idx.Insert(0x2000, 0x100, u2)
	idx.Insert(0x1000, 0x100, u1)
	idx.Insert(0x3000, 0x100, u3)

	cases := []struct {
		pc   uintptr
		want *CompilationUnit
	}{
		{0x1000, u1},
		{0x10ff, u1},
		{0x1100, nil}, // just past u1's range, not yet u2's
		{0x2050, u2},
		{0x3000, u3},
		{0x30ff, u3},
		{0x3100, nil},
		{0x500, nil},
	}
	for _, c := range cases {
		got := idx.Lookup(c.pc)
		if got != c.want {
			t.Errorf("Lookup(0x%x) = %v, want %v", c.pc, got, c.want)
		}
	}
}

func TestCUIndexRemove(t *testing.T) {
	idx := NewCUIndex()
	u1 := &CompilationUnit{}
	idx.Insert(0x1000, 0x100, u1)

	if idx.Lookup(0x1050) != u1 {
		t.Fatalf("expected u1 before Remove")
	}
	idx.Remove(0x1000)
	if idx.Lookup(0x1050) != nil {
		t.Fatalf("expected nil lookup after Remove")
	}
}
