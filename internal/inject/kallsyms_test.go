//go:build linux

package inject

import (
	"strings"
	"testing"
)

const sampleKallsyms = `ffffffff81234560 T vmalloc
ffffffff81235a00 t vmalloc_node	[module]
ffffffff81400000 T virt_to_phys
ffffffff81500000 T some_other_symbol
`

func TestResolveKallsymsFiltersWantedNames(t *testing.T) {
	syms, err := ResolveKallsyms(strings.NewReader(sampleKallsyms), map[string]bool{"vmalloc": true})
	if err != nil {
		t.Fatalf("ResolveKallsyms: %v", err)
	}
	if len(syms) != 1 {
		t.Fatalf("got %d symbols, want 1", len(syms))
	}
	if syms["vmalloc"] != 0xffffffff81234560 {
		t.Fatalf("vmalloc = %#x, want 0xffffffff81234560", syms["vmalloc"])
	}
}

func TestResolveAllocatorSymbols(t *testing.T) {
	sym, err := ResolveAllocatorSymbols(strings.NewReader(sampleKallsyms))
	if err != nil {
		t.Fatalf("ResolveAllocatorSymbols: %v", err)
	}
	if sym.Vmalloc != 0xffffffff81234560 {
		t.Fatalf("Vmalloc = %#x", sym.Vmalloc)
	}
	if sym.VirtToPhys != 0xffffffff81400000 {
		t.Fatalf("VirtToPhys = %#x", sym.VirtToPhys)
	}
}

func TestResolveAllocatorSymbolsMissing(t *testing.T) {
	if _, err := ResolveAllocatorSymbols(strings.NewReader("ffffffff81234560 T vmalloc\n")); err == nil {
		t.Fatal("want error when virt_to_phys is missing")
	}
}
