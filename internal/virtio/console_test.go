package virtio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type discardWriter struct{ written []byte }

func (w *discardWriter) Write(p []byte) (int, error) {
	w.written = append(w.written, p...)
	return len(p), nil
}

func TestConsoleDrainTransmitAbortsChainOnWritableDescriptor(t *testing.T) {
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

	// Descriptor 0 is marked writable, illegal for a guest-to-host tx chain.
	binary.LittleEndian.PutUint64(mem.buf[descAddr:], bufAddr)
	binary.LittleEndian.PutUint32(mem.buf[descAddr+8:], 16)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+12:], descFWrite)

	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], 1)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4:], 0)

	out := &discardWriter{}
	c := NewConsole(out, nil, 0, 0)

	if err := c.drainTransmit(q); err == nil {
		t.Fatal("expected drainTransmit to report the direction violation")
	}
	if q.Violations() != 1 {
		t.Fatalf("expected one recorded violation, got %d", q.Violations())
	}
	if len(out.written) != 0 {
		t.Fatal("expected no bytes forwarded to the pty from an aborted chain")
	}
	if usedLen := binary.LittleEndian.Uint32(mem.buf[usedAddr+8:]); usedLen != 0 {
		t.Fatalf("expected used-ring length 0 for an aborted chain, got %d", usedLen)
	}
}

func TestConsoleFillReceiveAbortsChainOnReadOnlyDescriptor(t *testing.T) {
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

	// Descriptor 0 is left read-only, illegal for a host-to-guest rx chain.
	binary.LittleEndian.PutUint64(mem.buf[descAddr:], bufAddr)
	binary.LittleEndian.PutUint32(mem.buf[descAddr+8:], 16)

	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], 1)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4:], 0)

	c := NewConsole(nil, bytes.NewReader(nil), 0, 0)
	c.pending = []byte("hello")

	if err := c.fillReceive(q); err == nil {
		t.Fatal("expected fillReceive to report the direction violation")
	}
	if q.Violations() != 1 {
		t.Fatalf("expected one recorded violation, got %d", q.Violations())
	}
	if len(c.pending) != 5 {
		t.Fatalf("expected pending bytes untouched by an aborted chain, got %d left", len(c.pending))
	}
}
