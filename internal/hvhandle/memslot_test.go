//go:build linux

package hvhandle

import (
	"errors"
	"os"
	"testing"

	"github.com/Mic92/vmsh/internal/kvmioctl"
)

func TestEnumerateSlotsStopsAtFirstMissingSlot(t *testing.T) {
	calls := 0
	tracerDup := func(slot uint32) (*kvmioctl.UserspaceMemoryRegion, error) {
		calls++
		if slot == 0 {
			return &kvmioctl.UserspaceMemoryRegion{
				GuestPhysAddr: 0x1000,
				MemorySize:    0x2000,
				UserspaceAddr: 0x7f0000000000,
			}, nil
		}
		return nil, errors.New("enoent")
	}

	slots, err := EnumerateSlots(os.Getpid(), 0, tracerDup)
	if err != nil {
		t.Fatalf("EnumerateSlots: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("len(slots) = %d, want 1", len(slots))
	}
	if slots[0].GuestPhysAddr != 0x1000 || slots[0].Size != 0x2000 {
		t.Errorf("slot = %+v, want gpa=0x1000 size=0x2000", slots[0])
	}
	if calls != 2 {
		t.Errorf("tracerDup called %d times, want 2 (one hit, one that breaks the loop)", calls)
	}
}

func TestEnumerateSlotsSkipsUnassignedIndices(t *testing.T) {
	tracerDup := func(slot uint32) (*kvmioctl.UserspaceMemoryRegion, error) {
		switch slot {
		case 0:
			return nil, nil
		case 1:
			return &kvmioctl.UserspaceMemoryRegion{GuestPhysAddr: 0x4000, MemorySize: 0x1000}, nil
		default:
			return nil, errors.New("enoent")
		}
	}

	slots, err := EnumerateSlots(os.Getpid(), 0, tracerDup)
	if err != nil {
		t.Fatalf("EnumerateSlots: %v", err)
	}
	if len(slots) != 1 || slots[0].Index != 1 {
		t.Fatalf("slots = %+v, want a single slot at index 1", slots)
	}
}

func TestValidateContiguityAcceptsNonOverlapping(t *testing.T) {
	slots := []MemSlot{
		{Index: 0, GuestPhysAddr: 0x1000, Size: 0x1000},
		{Index: 1, GuestPhysAddr: 0x2000, Size: 0x1000},
	}
	if err := ValidateContiguity(slots); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateContiguityRejectsOverlap(t *testing.T) {
	slots := []MemSlot{
		{Index: 0, GuestPhysAddr: 0x1000, Size: 0x1500},
		{Index: 1, GuestPhysAddr: 0x2000, Size: 0x1000},
	}
	if err := ValidateContiguity(slots); err == nil {
		t.Error("expected an error for overlapping slots")
	}
}

func TestMemSlotOverlaps(t *testing.T) {
	s := MemSlot{GuestPhysAddr: 0x1000, Size: 0x1000}
	if !s.Overlaps(0x1800, 0x100) {
		t.Error("expected overlap")
	}
	if s.Overlaps(0x2000, 0x100) {
		t.Error("expected no overlap at the exclusive upper bound")
	}
}
