package virtio

import (
	"encoding/binary"
	"os"
	"testing"
)

func TestBlkQueueNotifyRecordsViolationOnDirectionMismatch(t *testing.T) {
	const (
		descAddr   = 0x1000
		availAddr  = 0x2000
		usedAddr   = 0x3000
		hdrAddr    = 0x4000
		dataAddr   = 0x4100
		statusAddr = 0x4200
		qsize      = 4
	)
	mem := newFakeMem(0x6000)
	q := &Queue{maxSize: qsize, size: qsize, ready: true, descAddr: descAddr, availAddr: availAddr, usedAddr: usedAddr}
	q.Bind(mem, 0)

	// header -> data -> status, the fixed virtio-blk chain shape.
	binary.LittleEndian.PutUint64(mem.buf[descAddr:], hdrAddr)
	binary.LittleEndian.PutUint32(mem.buf[descAddr+8:], 16)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+12:], descFNext)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+14:], 1)

	// data descriptor left read-only; BlkTypeIn requires it writable.
	binary.LittleEndian.PutUint64(mem.buf[descAddr+16:], dataAddr)
	binary.LittleEndian.PutUint32(mem.buf[descAddr+16+8:], 32)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+16+12:], descFNext)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+16+14:], 2)

	binary.LittleEndian.PutUint64(mem.buf[descAddr+32:], statusAddr)
	binary.LittleEndian.PutUint32(mem.buf[descAddr+32+8:], 1)
	binary.LittleEndian.PutUint16(mem.buf[descAddr+32+12:], descFWrite)

	binary.LittleEndian.PutUint32(mem.buf[hdrAddr:], BlkTypeIn)

	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], 1)
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4:], 0)

	f, err := os.CreateTemp(t.TempDir(), "vmsh-blk-test")
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if _, err := f.Write(make([]byte, 4096)); err != nil {
		t.Fatalf("grow backing file: %v", err)
	}
	blk, err := NewBlk(f, false)
	if err != nil {
		t.Fatalf("NewBlk: %v", err)
	}

	if err := blk.QueueNotify(0, q); err == nil {
		t.Fatal("expected QueueNotify to report the descriptor-direction violation")
	}
	if q.Violations() != 1 {
		t.Fatalf("expected one recorded violation, got %d", q.Violations())
	}
}
