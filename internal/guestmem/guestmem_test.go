//go:build linux

package guestmem

import (
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/Mic92/vmsh/internal/hvhandle"
)

func newTestRegion(t *testing.T, size int, readOnly bool) (*Region, []byte) {
	t.Helper()
	backing := make([]byte, size)
	mem := hvhandle.NewGuestMemMap()
	slot := hvhandle.MemSlot{Index: 0, GuestPhysAddr: 0x2000, Size: uint64(size), ReadOnly: readOnly}
	if err := mem.Insert(slot, uintptr(unsafe.Pointer(&backing[0]))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return New(mem), backing
}

func TestReadWriteRoundTrip(t *testing.T) {
	r, backing := newTestRegion(t, 0x1000, false)

	if err := r.WriteUint32(0x2010, 0xdeadbeef); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	got, err := r.ReadUint32(0x2010)
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("ReadUint32 = %#x, want 0xdeadbeef", got)
	}

	if err := r.WriteUint64(0x2100, 0x0102030405060708); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	got64, err := r.ReadUint64(0x2100)
	if err != nil {
		t.Fatalf("ReadUint64: %v", err)
	}
	if got64 != 0x0102030405060708 {
		t.Errorf("ReadUint64 = %#x, want 0x0102030405060708", got64)
	}

	runtime.KeepAlive(backing)
}

func TestReadAtWriteAtBytes(t *testing.T) {
	r, backing := newTestRegion(t, 0x1000, false)

	payload := []byte("vmsh guest memory")
	if _, err := r.WriteAt(payload, 0x2020); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := r.ReadAt(got, 0x2020); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("ReadAt = %q, want %q", got, payload)
	}

	runtime.KeepAlive(backing)
}

func TestOutOfRangeReturnsBadAddress(t *testing.T) {
	r, backing := newTestRegion(t, 0x1000, false)

	if _, err := r.ReadAt(make([]byte, 4), 0x9000); !errors.Is(err, BadAddress) {
		t.Errorf("ReadAt(out of range) error = %v, want BadAddress", err)
	}
	if _, err := r.WriteAt(make([]byte, 4), 0x9000); !errors.Is(err, BadAddress) {
		t.Errorf("WriteAt(out of range) error = %v, want BadAddress", err)
	}
	// A read spanning past the end of the mapped range is also out of range.
	if _, err := r.ReadAt(make([]byte, 4), 0x2000+0x1000-2); !errors.Is(err, BadAddress) {
		t.Errorf("ReadAt(spanning past end) error = %v, want BadAddress", err)
	}

	runtime.KeepAlive(backing)
}

func TestWriteToReadOnlySlotFails(t *testing.T) {
	r, backing := newTestRegion(t, 0x1000, true)

	_, err := r.WriteAt([]byte{1, 2, 3, 4}, 0x2000)
	if err == nil {
		t.Fatal("expected an error writing to a read-only slot")
	}

	runtime.KeepAlive(backing)
}
