//go:build linux

package trap

import (
	"testing"

	"github.com/Mic92/vmsh/internal/kvmioctl"
)

func TestIoRegionFDRegisterAndAckRoundTrip(t *testing.T) {
	e := NewIoRegionFD(func(req uint64, arg uintptr) error { return nil })

	ch, err := e.Register(Range{Base: 0x1000, Size: 0x1000})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst := e.installed[0x1000]
	frame := kvmioctl.IORegionFrame{GPA: 0x1004, Len: 4, Direction: kvmioctl.IORegionDirectionRead}
	if err := writeFrame(inst.notifyWriteFD, frame); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(inst.notifyReadFD)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.GPA != 0x1004 || got.Len != 4 {
		t.Fatalf("readFrame = %+v, want GPA 0x1004 len 4", got)
	}

	if err := e.AckRead(MmioEvent{GPA: 0x1004, Len: 4}, 0xdeadbeef); err != nil {
		t.Fatalf("AckRead: %v", err)
	}
	ack, err := readFrame(inst.ackReadFD)
	if err != nil {
		t.Fatalf("readFrame ack: %v", err)
	}
	if ack.Value != 0xdeadbeef {
		t.Fatalf("ack.Value = %#x, want 0xdeadbeef", ack.Value)
	}

	if err := e.Unregister(Range{Base: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := e.installed[0x1000]; ok {
		t.Fatal("Unregister left range installed")
	}
	_ = ch
}

func TestIoRegionFDRegisterRejectsIoctlFailure(t *testing.T) {
	wantErr := errUnknownRange
	e := NewIoRegionFD(func(req uint64, arg uintptr) error { return wantErr })
	if _, err := e.Register(Range{Base: 0x2000, Size: 0x1000}); err == nil {
		t.Fatal("Register: want error when vmIoctl fails")
	}
	if len(e.installed) != 0 {
		t.Fatal("Register left a leaked install after ioctl failure")
	}
}

func TestIoRegionFDAckReadUnknownRange(t *testing.T) {
	e := NewIoRegionFD(func(req uint64, arg uintptr) error { return nil })
	if err := e.AckRead(MmioEvent{GPA: 0x9999, Len: 4}, 0); err == nil {
		t.Fatal("AckRead: want error for unregistered range")
	}
}
