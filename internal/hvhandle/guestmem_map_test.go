//go:build linux

package hvhandle

import "testing"

func TestGuestMemMapLookup(t *testing.T) {
	m := NewGuestMemMap()
	if err := m.Insert(MemSlot{Index: 0, GuestPhysAddr: 0x1000, Size: 0x1000}, 0x7f0000000000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.Insert(MemSlot{Index: 1, GuestPhysAddr: 0x2000, Size: 0x1000}, 0x7f0000001000); err != nil {
		t.Fatalf("insert second slot: %v", err)
	}

	host, start, end, _, ok := m.Lookup(0x2010)
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if start != 0x2000 || end != 0x3000 {
		t.Fatalf("unexpected range [%#x,%#x)", start, end)
	}
	if host != 0x7f0000001010 {
		t.Fatalf("unexpected host addr %#x", host)
	}

	if _, _, _, _, ok := m.Lookup(0x5000); ok {
		t.Fatal("expected miss outside any slot")
	}
}

func TestGuestMemMapRejectsOverlap(t *testing.T) {
	m := NewGuestMemMap()
	if err := m.Insert(MemSlot{Index: 0, GuestPhysAddr: 0x1000, Size: 0x2000}, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.Insert(MemSlot{Index: 1, GuestPhysAddr: 0x1500, Size: 0x1000}, 0); err == nil {
		t.Fatal("expected overlap to be rejected")
	}
}

func TestGuestMemMapRemove(t *testing.T) {
	m := NewGuestMemMap()
	_ = m.Insert(MemSlot{Index: 0, GuestPhysAddr: 0x1000, Size: 0x1000}, 0)
	m.Remove(0)
	if m.Len() != 0 {
		t.Fatalf("expected empty map after remove, got %d", m.Len())
	}
}
