package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	descFNext     = 1 << 0
	descFWrite    = 1 << 1
	descFIndirect = 1 << 2

	featureEventIdx = uint64(1) << 29
)

// GuestMem is the subset of guest-physical memory access a Queue needs.
// internal/guestmem.Region satisfies this.
type GuestMem interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is one split-ring descriptor-table entry.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Chain is a fully walked descriptor chain: one buffer per entry, in order.
type Chain struct {
	Head    uint16
	Buffers []Descriptor
	FailERR bool // set by ReadChain alongside RecordViolation on cycle/nested-indirect; callers check it to log the right cause before abandoning the chain
}

// Queue is one virtqueue's ring state, addressed via the guest-physical
// addresses the driver wrote into the transport's QUEUE_DESC/AVAIL/USED
// registers.
type Queue struct {
	maxSize uint16
	size    uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	negotiatedEventIdx bool

	mem GuestMem

	violations atomic.Uint64
}

// RecordViolation increments the invariant-violation counter: called by
// ReadChain on a cycling or oversize chain, and by device backends when a
// chain walk finds a descriptor written against its declared direction
// (write to a read-only descriptor, or vice versa). Violations reports the
// running total for test harnesses and diagnostics.
func (q *Queue) RecordViolation() { q.violations.Add(1) }

// Violations reports how many chains this queue has failed for an
// InvariantViolated reason since the queue was last reset.
func (q *Queue) Violations() uint64 { return q.violations.Load() }

// Bind attaches the guest-memory accessor the Queue uses for ring and
// descriptor reads once negotiation is done; the Device knows nothing about
// guest memory, so the backend binds each queue after FEATURES_OK.
func (q *Queue) Bind(mem GuestMem, features uint64) {
	q.mem = mem
	q.negotiatedEventIdx = features&featureEventIdx != 0
}

// Ready reports whether the driver has set QUEUE_READY.
func (q *Queue) Ready() bool { return q.ready }

// Size reports the negotiated queue size.
func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: queue has no guest memory bound")
	}
	return nil
}

// PopAvail returns the next available descriptor-chain head, or
// hasBuffer=false if the driver has not published a new one.
func (q *Queue) PopAvail() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	var idxBuf [2]byte
	if err := q.readInto(q.availAddr+2, idxBuf[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringOffset := q.availAddr + 4 + uint64(q.lastAvailIdx%q.size)*2
	var headBuf [2]byte
	if err := q.readInto(ringOffset, headBuf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(headBuf[:])
	q.lastAvailIdx++

	if q.negotiatedEventIdx {
		if err := q.writeAvailEvent(q.lastAvailIdx); err != nil {
			return 0, false, err
		}
	}
	return head, true, nil
}

// ReadChain walks the descriptor chain rooted at head, following one level
// of VIRTQ_DESC_F_INDIRECT and failing the chain (FailERR=true) if it cycles
// past queue_size descriptors or nests an indirect table. It does not check
// descriptor direction; device backends do that and call RecordViolation.
func (q *Queue) ReadChain(head uint16) (Chain, error) {
	if err := q.ensureReady(); err != nil {
		return Chain{}, err
	}

	chain := Chain{Head: head}
	index := head
	table := q.descAddr
	limit := q.size
	indirect := false

	for i := uint16(0); i < limit; i++ {
		desc, err := q.readDescriptor(table, index)
		if err != nil {
			return chain, err
		}

		if desc.Flags&descFIndirect != 0 {
			if indirect {
				chain.FailERR = true
				q.RecordViolation()
				return chain, fmt.Errorf("virtio: nested indirect descriptor in chain head=%d", head)
			}
			indirect = true
			table = desc.Addr
			limit = uint16(desc.Length / 16)
			index = 0
			continue
		}

		chain.Buffers = append(chain.Buffers, desc)

		if desc.Flags&descFNext == 0 {
			return chain, nil
		}
		index = desc.Next
	}

	chain.FailERR = true
	q.RecordViolation()
	return chain, fmt.Errorf("virtio: descriptor chain head=%d exceeded %d entries (cycle?)", head, q.size)
}

// PushUsed publishes a completed chain to the used ring and reports whether
// the driver wants an interrupt for it (VIRTQ_AVAIL_F_NO_INTERRUPT / the
// negotiated used_event index, per VIRTIO_RING_F_EVENT_IDX).
func (q *Queue) PushUsed(head uint16, writtenLen uint32) (wantInterrupt bool, err error) {
	if err := q.ensureReady(); err != nil {
		return false, err
	}

	slot := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(slot)*8
	if err := q.writeUint32(base, uint32(head)); err != nil {
		return false, err
	}
	if err := q.writeUint32(base+4, writtenLen); err != nil {
		return false, err
	}

	publishedIdx := q.usedIdx + 1
	if err := q.writeUint16(q.usedAddr+2, publishedIdx); err != nil {
		return false, err
	}
	q.usedIdx = publishedIdx

	if !q.negotiatedEventIdx {
		flags, err := q.readAvailFlags()
		if err != nil {
			return false, err
		}
		const availFNoInterrupt = 1
		return flags&availFNoInterrupt == 0, nil
	}

	usedEvent, err := q.readUsedEvent()
	if err != nil {
		return false, err
	}
	return usedEvent == publishedIdx-1, nil
}

func (q *Queue) readDescriptor(table uint64, idx uint16) (Descriptor, error) {
	var buf [16]byte
	if err := q.readInto(table+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) readAvailFlags() (uint16, error) {
	var buf [2]byte
	if err := q.readInto(q.availAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// readUsedEvent reads the avail-ring's trailing used_event field, present
// only once VIRTIO_RING_F_EVENT_IDX is negotiated (it overlays the same
// trailing 2 bytes a non-event_idx driver leaves unused).
func (q *Queue) readUsedEvent() (uint16, error) {
	var buf [2]byte
	if err := q.readInto(q.availAddr+4+uint64(q.size)*2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeAvailEvent(idx uint16) error {
	return q.writeUint16(q.usedAddr+4+uint64(q.size)*8, idx)
}

// ReadGuest reads len(buf) bytes starting at the guest-physical address addr
// into buf, for device backends that need direct access to a descriptor's
// buffer (e.g. virtio-blk's header and data descriptors).
func (q *Queue) ReadGuest(addr uint64, buf []byte) error { return q.readInto(addr, buf) }

// WriteGuest writes data starting at the guest-physical address addr.
func (q *Queue) WriteGuest(addr uint64, data []byte) error { return q.writeFrom(addr, data) }

// WriteGuestByte writes a single status byte, the shape virtio-blk's
// trailing status descriptor always takes.
func (q *Queue) WriteGuestByte(addr uint64, v byte) error { return q.writeFrom(addr, []byte{v}) }

func (q *Queue) readInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read at %#x (want %d got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *Queue) writeUint16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func (q *Queue) writeUint32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func (q *Queue) writeFrom(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write at %#x (want %d got %d)", addr, len(data), n)
	}
	return nil
}
