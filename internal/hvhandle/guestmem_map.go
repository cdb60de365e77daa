//go:build linux

package hvhandle

import (
	"fmt"

	"github.com/google/btree"
)

// GuestMemMap is the ordered set of (gpa_range -> host_mapping) named in §3
// Data Model. Lookups happen on every guest_mem read/write, so it is kept as
// a B-tree keyed by range start rather than a linear scan of MemSlot; VMSH
// typically holds only a handful of slots, but the tree also gives a cheap,
// correctly-ordered iteration for MmioRange overlap checks during attach.
type GuestMemMap struct {
	tree *btree.BTreeG[mappedRange]
}

// mappedRange is one leaf of the map: a guest-physical range backed by a
// host-virtual address inside VMSH's own address space (after the slot's
// memfd has been reopened and mmap'd locally).
type mappedRange struct {
	Start    uint64
	End      uint64 // exclusive
	HostAddr uintptr
	ReadOnly bool
	Slot     uint32
}

func rangeLess(a, b mappedRange) bool { return a.Start < b.Start }

// NewGuestMemMap builds an empty map.
func NewGuestMemMap() *GuestMemMap {
	return &GuestMemMap{tree: btree.NewG(32, rangeLess)}
}

// Insert records a new mapped range. It returns an error if the range
// overlaps one already present, preserving the §3 invariant that memslots
// never overlap.
func (m *GuestMemMap) Insert(slot MemSlot, hostAddr uintptr) error {
	nr := mappedRange{Start: slot.GuestPhysAddr, End: slot.End(), HostAddr: hostAddr, ReadOnly: slot.ReadOnly, Slot: slot.Index}

	var conflict *mappedRange
	m.tree.AscendLessThan(mappedRange{Start: nr.End}, func(item mappedRange) bool {
		if item.End > nr.Start {
			c := item
			conflict = &c
			return false
		}
		return true
	})
	if conflict != nil {
		return fmt.Errorf("hvhandle: slot %d [%#x,%#x) overlaps existing slot %d [%#x,%#x)",
			slot.Index, nr.Start, nr.End, conflict.Slot, conflict.Start, conflict.End)
	}

	m.tree.ReplaceOrInsert(nr)
	return nil
}

// Remove drops the range associated with the given slot index, if present.
func (m *GuestMemMap) Remove(slotIndex uint32) {
	var target *mappedRange
	m.tree.Ascend(func(item mappedRange) bool {
		if item.Slot == slotIndex {
			c := item
			target = &c
			return false
		}
		return true
	})
	if target != nil {
		m.tree.Delete(*target)
	}
}

// Lookup resolves a guest-physical address to a host-virtual address and the
// containing range's bounds. It returns ok=false for any gpa not backed by a
// registered memslot (a guest access there is either MMIO, routed
// separately, or a genuine guest bug).
func (m *GuestMemMap) Lookup(gpa uint64) (hostAddr uintptr, start, end uint64, readOnly bool, ok bool) {
	var found mappedRange
	hit := false
	m.tree.DescendLessOrEqual(mappedRange{Start: gpa}, func(item mappedRange) bool {
		if gpa >= item.Start && gpa < item.End {
			found = item
			hit = true
		}
		return false
	})
	if !hit {
		return 0, 0, 0, false, false
	}
	return found.HostAddr + uintptr(gpa-found.Start), found.Start, found.End, found.ReadOnly, true
}

// Len reports the number of registered ranges.
func (m *GuestMemMap) Len() int { return m.tree.Len() }

// Ranges returns all ranges in ascending guest-physical order, used when
// VMSH chooses an MmioRange that must avoid every existing memslot.
func (m *GuestMemMap) Ranges() []MemSlot {
	out := make([]MemSlot, 0, m.tree.Len())
	m.tree.Ascend(func(item mappedRange) bool {
		out = append(out, MemSlot{
			Index:         item.Slot,
			GuestPhysAddr: item.Start,
			Size:          item.End - item.Start,
			ReadOnly:      item.ReadOnly,
		})
		return true
	})
	return out
}
