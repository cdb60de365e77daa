// Package guestmem implements reads and writes against a target's
// guest-physical address space through the host-virtual mappings recorded
// in a hvhandle.GuestMemMap (§5 guest_mem operations).
package guestmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/Mic92/vmsh/internal/hvhandle"
	"github.com/Mic92/vmsh/internal/vmerr"
)

// Region implements io.ReaderAt/io.WriterAt over guest-physical addresses,
// satisfying virtio.GuestMem, by resolving each access through the
// GuestMemMap and touching VMSH's own mmap'd copy of the backing memory
// directly (no syscall per access: the slot's memfd is already mapped
// locally by the time a Region exists).
type Region struct {
	mem *hvhandle.GuestMemMap
}

// New wraps an already-populated GuestMemMap.
func New(mem *hvhandle.GuestMemMap) *Region {
	return &Region{mem: mem}
}

// BadAddress is returned when gpa (or gpa+len) is not covered by any
// registered memslot.
var BadAddress = vmerr.ErrGuestFault

// Contains reports whether the gpa range [gpa, gpa+length) is wholly covered
// by a single registered memslot, satisfying virtio.BoundsChecker so the
// transport can validate a queue's desc/avail/used tables before activation.
func (r *Region) Contains(gpa uint64, length uint64) bool {
	_, err := r.resolve(gpa, int(length))
	return err == nil
}

func (r *Region) resolve(gpa uint64, length int) (unsafe.Pointer, error) {
	host, start, end, _, ok := r.mem.Lookup(gpa)
	if !ok || gpa+uint64(length) > end || gpa < start {
		return nil, fmt.Errorf("guestmem: gpa %#x length %d: %w", gpa, length, BadAddress)
	}
	return unsafe.Pointer(host), nil
}

// ReadAt implements io.ReaderAt with off interpreted as a guest-physical
// address (not a stream offset); ReaderAt's signature is reused because
// it's exactly the (p []byte, off int64) -> (n int, err error) shape queue
// and device code already wants.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ptr, err := r.resolve(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	src := unsafe.Slice((*byte)(ptr), len(p))
	copy(p, src)
	return len(p), nil
}

// WriteAt implements io.WriterAt the same way ReadAt implements io.ReaderAt.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	host, start, end, readOnly, ok := r.mem.Lookup(uint64(off))
	if !ok || uint64(off)+uint64(len(p)) > end || uint64(off) < start {
		return 0, fmt.Errorf("guestmem: gpa %#x length %d: %w", off, len(p), BadAddress)
	}
	if readOnly {
		return 0, fmt.Errorf("guestmem: write to read-only gpa %#x: %w", off, vmerr.ErrInvariantViolated)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(host)), len(p))
	copy(dst, p)
	return len(p), nil
}

// ReadUint16/ReadUint32/ReadUint64 and their Write counterparts give
// devices and the queue code little-endian scalar access without hand
// rolling a byte-order call at each site.

func (r *Region) ReadUint16(gpa uint64) (uint16, error) {
	var buf [2]byte
	if _, err := r.ReadAt(buf[:], int64(gpa)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (r *Region) ReadUint32(gpa uint64) (uint32, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], int64(gpa)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *Region) ReadUint64(gpa uint64) (uint64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], int64(gpa)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *Region) WriteUint16(gpa uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := r.WriteAt(buf[:], int64(gpa))
	return err
}

func (r *Region) WriteUint32(gpa uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := r.WriteAt(buf[:], int64(gpa))
	return err
}

func (r *Region) WriteUint64(gpa uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := r.WriteAt(buf[:], int64(gpa))
	return err
}
