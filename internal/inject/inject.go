//go:build linux

package inject

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/Mic92/vmsh/internal/hvhandle"
	"github.com/Mic92/vmsh/internal/kvmioctl"
	"github.com/Mic92/vmsh/internal/vmerr"
)

// GuestWriter is the minimal surface the Injector needs to place bytes into
// guest-physical memory; satisfied by *guestmem.Region, and by a flat test
// double the way internal/virtio's GuestMem interface is.
type GuestWriter interface {
	WriteAt(p []byte, off int64) (int, error)
}

// VcpuIoctl issues one ioctl against a single already-identified vCPU fd.
// The Supervisor supplies it bound to whichever fd it names, the same
// doIoctl convention hvhandle.IrqFd.Install uses, so this package never
// decides for itself whether the call goes direct or through the Tracer.
type VcpuIoctl func(req uint64, arg uintptr) error

// MaxDevices and MaxStage2Args bound VMSH_STAGE1_ARGS (§6 "Stage1 payload").
const (
	MaxDevices     = 3
	MaxStage2Args  = 256
	pollInterval   = 2 * time.Millisecond
)

func GetRegs(ioctl VcpuIoctl) (*kvmioctl.KVMRegs, error) {
	var r kvmioctl.KVMRegs
	if err := ioctl(kvmioctl.KVMGetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return nil, fmt.Errorf("inject: KVM_GET_REGS: %w", err)
	}
	return &r, nil
}

func SetRegs(ioctl VcpuIoctl, r *kvmioctl.KVMRegs) error {
	if err := ioctl(kvmioctl.KVMSetRegs, uintptr(unsafe.Pointer(r))); err != nil {
		return fmt.Errorf("inject: KVM_SET_REGS: %w", err)
	}
	return nil
}

func GetSregs(ioctl VcpuIoctl) (*kvmioctl.KVMSregs, error) {
	var r kvmioctl.KVMSregs
	if err := ioctl(kvmioctl.KVMGetSregs, uintptr(unsafe.Pointer(&r))); err != nil {
		return nil, fmt.Errorf("inject: KVM_GET_SREGS: %w", err)
	}
	return &r, nil
}

func SetSregs(ioctl VcpuIoctl, r *kvmioctl.KVMSregs) error {
	if err := ioctl(kvmioctl.KVMSetSregs, uintptr(unsafe.Pointer(r))); err != nil {
		return fmt.Errorf("inject: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// FindKernelModeVCPU busy-waits for some vCPU's saved privilege level to
// read kernel mode (§4.5 step 1: "busy-wait for a vCPU to enter kernel").
func FindKernelModeVCPU(ctx context.Context, vcpus []*hvhandle.VcpuHandle, ioctlFor func(*hvhandle.VcpuHandle) VcpuIoctl) (*hvhandle.VcpuHandle, error) {
	for {
		for _, vh := range vcpus {
			sregs, err := GetSregs(ioctlFor(vh))
			if err != nil {
				return nil, err
			}
			if currentPrivilegeLevel(sregs) == 0 {
				return vh, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no vCPU entered kernel mode before injection deadline", vmerr.ErrTimeout)
		case <-time.After(pollInterval):
		}
	}
}

// AllocatorSymbols names the two kallsyms the trampoline resolves before
// hijacking a vCPU (§4.5 step 2).
type AllocatorSymbols struct {
	Vmalloc    uint64
	VirtToPhys uint64
}

// scratchOffsetBelowRSP places the allocator trampoline comfortably below
// the SysV/AAPCS64 128-byte red zone and any interrupt frame a kernel-mode
// trap leaves on the stack; VMSH assumes (documented as a resolved Open
// Question in DESIGN.md) that the guest kernel stack region addressed this
// way sits inside the guest's direct physical map, which holds for guests
// built without CONFIG_VMAP_STACK. Supervisors targeting other kernels
// must configure a different directMapBase convention accordingly.
const scratchOffsetBelowRSP = 512

// Injector runs the Stage1 payload inside a target's guest kernel (§4.5).
type Injector struct {
	mem           GuestWriter
	directMapBase uint64 // guest-virtual base of the kernel's direct physical map
}

// New builds an Injector. directMapBase converts a guest-kernel-virtual
// address that is known to live in the direct map (such as the current
// kernel stack) into a guest-physical address by subtraction; it is
// supplied by the Supervisor's target configuration (§9 "Global mutable
// state" — VMSH externalizes what the original keeps as an assumed
// constant).
func New(mem GuestWriter, directMapBase uint64) *Injector {
	return &Injector{mem: mem, directMapBase: directMapBase}
}

// Allocate hijacks vh to run a trampoline that calls vmalloc(size) then
// virt_to_phys on the result (§4.5 step 2), restoring every register
// whether it succeeds or fails so a caller can retry cleanly (§4.5
// "Failure: the injector must be idempotent with respect to retries").
func (inj *Injector) Allocate(ioctl VcpuIoctl, sym AllocatorSymbols, waitForTrap func() error, size uint64) (guestPhysAddr uint64, err error) {
	savedRegs, err := GetRegs(ioctl)
	if err != nil {
		return 0, err
	}
	savedSregs, err := GetSregs(ioctl)
	if err != nil {
		return 0, err
	}

	trampoline := buildAllocatorTrampoline(sym.Vmalloc, sym.VirtToPhys, size)
	scratchGVA := savedRegs.SP() - scratchOffsetBelowRSP
	scratchGPA := scratchGVA - inj.directMapBase

	if _, err := inj.mem.WriteAt(trampoline, int64(scratchGPA)); err != nil {
		return 0, fmt.Errorf("inject: write allocator trampoline: %w", err)
	}

	work := *savedRegs
	work.SetIP(scratchGVA)
	if err := SetRegs(ioctl, &work); err != nil {
		return 0, fmt.Errorf("inject: set regs for allocator trampoline: %w", err)
	}

	if err := waitForTrap(); err != nil {
		// Restore before surfacing: a half-run trampoline left the vCPU's
		// IP inside scratch memory, which must never be left in place.
		restoreErr := SetRegs(ioctl, savedRegs)
		if restoreErr != nil {
			return 0, vmerr.Fatal("vcpu registers after failed allocator trampoline", restoreErr)
		}
		if restoreErr := SetSregs(ioctl, savedSregs); restoreErr != nil {
			return 0, vmerr.Fatal("vcpu sregs after failed allocator trampoline", restoreErr)
		}
		return 0, fmt.Errorf("inject: allocator trampoline: %w", err)
	}

	result, err := GetRegs(ioctl)
	if err != nil {
		if restoreErr := SetRegs(ioctl, savedRegs); restoreErr != nil {
			return 0, vmerr.Fatal("vcpu registers after allocator trampoline", restoreErr)
		}
		return 0, err
	}
	phys := result.Result()

	if err := SetRegs(ioctl, savedRegs); err != nil {
		return 0, vmerr.Fatal("vcpu registers after allocator trampoline", err)
	}
	if err := SetSregs(ioctl, savedSregs); err != nil {
		return 0, vmerr.Fatal("vcpu sregs after allocator trampoline", err)
	}
	return phys, nil
}

// Write copies img's segments into the guest buffer at base (§4.5 step 3:
// "Write the stage1 ELF payload into that buffer via GuestMemMap").
func (inj *Injector) Write(img *Image, base uint64) error {
	buf := make([]byte, img.Size)
	for _, seg := range img.Segments {
		copy(buf[seg.Offset:], seg.Data)
	}
	if _, err := inj.mem.WriteAt(buf, int64(base)); err != nil {
		return fmt.Errorf("inject: write stage1 image: %w", err)
	}
	return nil
}

// Run patches vh's instruction pointer to jump into the written payload's
// entrypoint (§4.5 step 4), saving a trampoline return address on the
// guest kernel stack so the payload's own return sequence resumes the
// original instruction stream exactly where it left off.
func (inj *Injector) Run(ioctl VcpuIoctl, base uint64, img *Image) (saved *kvmioctl.KVMRegs, err error) {
	saved, err = GetRegs(ioctl)
	if err != nil {
		return nil, err
	}

	returnAddr := saved.IP()
	newSP := saved.SP() - 8
	var retBuf [8]byte
	for i := 0; i < 8; i++ {
		retBuf[i] = byte(returnAddr >> (8 * i))
	}
	if _, err := inj.mem.WriteAt(retBuf[:], int64(newSP-inj.directMapBase)); err != nil {
		return nil, fmt.Errorf("inject: push return address: %w", err)
	}

	work := *saved
	work.SetSP(newSP)
	work.SetIP(base + img.EntrypointOff)
	if err := SetRegs(ioctl, &work); err != nil {
		return nil, fmt.Errorf("inject: patch vcpu ip to stage1 entry: %w", err)
	}
	return saved, nil
}

// Restore reverts a vCPU to the register snapshot Run captured, used when
// injection must be aborted before the guest has actually executed the
// payload (§4.5 "Failure ... either no vCPU IP has been altered, or the
// original bytes/registers are restored").
func (inj *Injector) Restore(ioctl VcpuIoctl, saved *kvmioctl.KVMRegs) error {
	if err := SetRegs(ioctl, saved); err != nil {
		return vmerr.Fatal("vcpu registers during injection abort", err)
	}
	return nil
}
