package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeMem is a flat byte slice addressed directly by gpa, enough to
// exercise queue ring math without a real GuestMemMap.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:off+int64(len(p))]), nil
}

func (m *fakeMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:off+int64(len(p))], p), nil
}

func TestQueueAvailToUsedRoundTrip(t *testing.T) {
	const (
		descAddr  = 0x1000
		availAddr = 0x2000
		usedAddr  = 0x3000
		bufAddr   = 0x4000
		qsize     = 4
	)
	mem := newFakeMem(0x6000)
	q := &Queue{maxSize: qsize, size: qsize, ready: true, descAddr: descAddr, availAddr: availAddr, usedAddr: usedAddr}
	q.Bind(mem, 0)

	// Descriptor 0: a single writable 16-byte buffer.
	binary.LittleEndian.PutUint64(mem.buf[descAddr:], bufAddr)
	binary.LittleEndian.PutUint32(mem.buf[descAddr+8:], 16)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+12:], descFWrite)

	// Avail ring: flags=0, idx=1, ring[0]=0.
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], 1)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4:], 0)

	head, ok, err := q.PopAvail()
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}
	if !ok || head != 0 {
		t.Fatalf("expected head 0, got head=%d ok=%v", head, ok)
	}

	chain, err := q.ReadChain(head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain.Buffers) != 1 || chain.Buffers[0].Addr != bufAddr {
		t.Fatalf("unexpected chain %+v", chain)
	}

	if err := q.WriteGuest(bufAddr, []byte("hello, world!!!!")); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}

	wantIRQ, err := q.PushUsed(head, 16)
	if err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if !wantIRQ {
		t.Fatal("expected interrupt to be wanted (no suppression flags set)")
	}

	usedIdx := binary.LittleEndian.Uint16(mem.buf[usedAddr+2:])
	if usedIdx != 1 {
		t.Fatalf("expected used.idx 1, got %d", usedIdx)
	}
	usedHead := binary.LittleEndian.Uint32(mem.buf[usedAddr+4:])
	if usedHead != 0 {
		t.Fatalf("expected used element head 0, got %d", usedHead)
	}

	if got := mem.buf[bufAddr : bufAddr+16]; !bytes.Equal(got, []byte("hello, world!!!!")) {
		t.Fatalf("unexpected guest memory contents %q", got)
	}
}

func TestQueueReadChainDetectsCycle(t *testing.T) {
	const descAddr = 0x1000
	mem := newFakeMem(0x2000)
	q := &Queue{maxSize: 2, size: 2, ready: true, descAddr: descAddr}
	q.Bind(mem, 0)

	// Two descriptors pointing at each other: 0 -> 1 -> 0 -> ...
	binary.LittleEndian.PutUint16(mem.buf[descAddr+12:], descFNext)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+14:], 1)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+16+12:], descFNext)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+16+14:], 0)

	chain, err := q.ReadChain(0)
	if err == nil {
		t.Fatal("expected cycle detection to fail the chain")
	}
	if !chain.FailERR {
		t.Fatal("expected FailERR to be set on cycle")
	}
	if q.Violations() != 1 {
		t.Fatalf("expected one recorded violation, got %d", q.Violations())
	}
}
