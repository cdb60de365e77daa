//go:build linux

package inject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"runtime"
	"testing"
)

func TestLoadRejectsNonELF(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("not an elf")), elf.EM_X86_64); err == nil {
		t.Fatal("Load: want error for non-ELF input")
	}
}

func TestBuildAllocatorTrampolineEndsInTrap(t *testing.T) {
	buf := buildAllocatorTrampoline(0x1000, 0x2000, 4096)
	if len(buf) == 0 {
		t.Fatal("buildAllocatorTrampoline returned empty buffer")
	}
	switch runtime.GOARCH {
	case "amd64":
		if last := buf[len(buf)-1]; last != 0xcc {
			t.Errorf("last byte = %#x, want int3 (0xcc)", last)
		}
	case "arm64":
		if last := binary.LittleEndian.Uint32(buf[len(buf)-4:]); last != 0xd4200000 {
			t.Errorf("last instruction = %#x, want brk #0 (0xd4200000)", last)
		}
	}
}
