//go:build linux

package inject

import (
	"context"
	"testing"
	"time"

	"github.com/Mic92/vmsh/internal/hvhandle"
	"github.com/Mic92/vmsh/internal/kvmioctl"
)

// fakeMem is a flat byte slice addressed directly by gpa, the same test
// double shape internal/virtio's queue tests use.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:off+int64(len(p))], p), nil
}

func TestArgsEncodeRoundTrip(t *testing.T) {
	mem := newFakeMem(0x10000)
	a := Args{
		DeviceAddrs: [MaxDevices]uint64{0x1000, 0x2000, 0},
		Argv:        []string{"/bin/echo", "hello"},
	}
	const argsBase = 0x100
	const stringsBase = 0x100 + argsBlockSize
	if err := a.Encode(mem, argsBase, stringsBase); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if got := mem.buf[argsBase:argsBase+8]; got[0] != 0x00 {
		t.Fatalf("device_addrs[0] low byte unexpected: %v", got)
	}
	argvCountOff := argsBase + MaxDevices*8
	if mem.buf[argvCountOff] != 2 {
		t.Fatalf("argv_count = %d, want 2", mem.buf[argvCountOff])
	}

	wantFirstStr := "/bin/echo\x00"
	got := string(mem.buf[stringsBase : stringsBase+len(wantFirstStr)])
	if got != wantFirstStr {
		t.Fatalf("first argv string = %q, want %q", got, wantFirstStr)
	}
}

func TestArgsEncodeRejectsTooManyArgs(t *testing.T) {
	mem := newFakeMem(0x10000)
	argv := make([]string, MaxStage2Args+1)
	for i := range argv {
		argv[i] = "x"
	}
	a := Args{Argv: argv}
	if err := a.Encode(mem, 0, argsBlockSize); err == nil {
		t.Fatal("Encode: want error when argv exceeds MAX_STAGE2_ARGS")
	}
}

func TestFindKernelModeVCPUPicksKernelModeVCPU(t *testing.T) {
	vcpus := []*hvhandle.VcpuHandle{
		{ID: 0}, // userspace
		{ID: 1}, // kernel
	}
	ioctlFor := func(vh *hvhandle.VcpuHandle) VcpuIoctl {
		id := vh.ID
		return func(req uint64, arg uintptr) error {
			s := (*kvmioctl.KVMSregs)(ptrFromUintptr(arg))
			if id == 1 {
				setKernelMode(s)
			} else {
				setUserMode(s)
			}
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	vh, err := FindKernelModeVCPU(ctx, vcpus, ioctlFor)
	if err != nil {
		t.Fatalf("FindKernelModeVCPU: %v", err)
	}
	if vh.ID != 1 {
		t.Fatalf("picked vcpu %d, want 1", vh.ID)
	}
}

func TestFindKernelModeVCPUTimesOut(t *testing.T) {
	vcpus := []*hvhandle.VcpuHandle{{ID: 0}}
	ioctlFor := func(vh *hvhandle.VcpuHandle) VcpuIoctl {
		return func(req uint64, arg uintptr) error {
			s := (*kvmioctl.KVMSregs)(ptrFromUintptr(arg))
			setUserMode(s)
			return nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := FindKernelModeVCPU(ctx, vcpus, ioctlFor); err == nil {
		t.Fatal("FindKernelModeVCPU: want timeout error when no vCPU is ever in kernel mode")
	}
}
