//go:build linux

package hvhandle

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/kvmioctl"
)

// VcpuHandle is VMSH's own view of one of the target's vCPU fds: a
// dup'd descriptor plus the mmap'd kvm_run shared page the kernel uses to
// report exits (the same layout the target's own vCPU thread reads), which
// the Trap Engine's wrap_syscall backend inspects directly (§4.3 Backend A).
type VcpuHandle struct {
	ID      int
	fd      int
	run     []byte
	runSize int
}

// OpenVcpu mmaps the kvm_run page of dupedFd, a vCPU fd the caller has
// already duplicated into VMSH via pidfd_getfd. vmFd must be a VMSH-local VM fd so
// KVM_GET_VCPU_MMAP_SIZE can be queried without routing through the Tracer,
// mirroring how the teacher's kvm.go queries it once per VM rather than
// per-vCPU.
func OpenVcpu(vcpuID, dupedFd, vmFd int) (*VcpuHandle, error) {
	size, err := getVcpuMmapSize(vmFd)
	if err != nil {
		return nil, fmt.Errorf("hvhandle: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	run, err := unix.Mmap(dupedFd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("hvhandle: mmap vCPU %d kvm_run: %w", vcpuID, err)
	}

	return &VcpuHandle{ID: vcpuID, fd: dupedFd, run: run, runSize: size}, nil
}

func getVcpuMmapSize(kvmOrVMFd int) (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmOrVMFd), uintptr(kvmioctl.KVMGetVCPUMmapSize), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}

// ExitReason returns the kvm_run.exit_reason field of the shared page, read
// without any ioctl: once mapped, the page is updated by the kernel in
// place on every KVM_RUN return.
func (v *VcpuHandle) ExitReason() uint32 {
	const exitReasonOffset = 0x08 // offsetof(struct kvm_run, exit_reason), per <linux/kvm.h>
	return *(*uint32)(unsafe.Pointer(&v.run[exitReasonOffset]))
}

// MMIOExit reads the mmio arm of the kvm_run union. Callers must first
// check ExitReason() == kvmioctl.KVMRunExitMMIO; the union's offset within
// kvm_run is architecture-stable across amd64/arm64 for the fields VMSH
// reads.
func (v *VcpuHandle) MMIOExit() kvmioctl.RunMMIO {
	const mmioOffset = 0x20 // offsetof(struct kvm_run, mmio), per <linux/kvm.h>
	return *(*kvmioctl.RunMMIO)(unsafe.Pointer(&v.run[mmioOffset]))
}

// WriteMMIOResult stores the completion value for a read access back into
// the kvm_run page before the target's vCPU thread resumes, so a trapped
// read appears satisfied to the guest exactly as the real device would have
// answered it.
func (v *VcpuHandle) WriteMMIOResult(data [8]byte) {
	const mmioDataOffset = 0x28
	copy(v.run[mmioDataOffset:mmioDataOffset+8], data[:])
}

// FD returns the duplicated vCPU descriptor, for passing to the Tracer when
// a GETREGS/SETREGS or KVM_RUN ioctl must be issued inside the target.
func (v *VcpuHandle) FD() int { return v.fd }

// Close unmaps the shared page and closes the duplicated descriptor.
func (v *VcpuHandle) Close() error {
	if err := unix.Munmap(v.run); err != nil {
		return err
	}
	return unix.Close(v.fd)
}

// IrqFd installs an eventfd as an interrupt source for gsi via KVM_IRQFD,
// issued through the caller-supplied ioctl function so it can be routed
// through the Tracer against the target's VM fd (§4.2 "Interrupt
// injection").
type IrqFd struct {
	GSI   uint32
	EvtFd int
}

// Install registers fd.EvtFd as the injector for fd.GSI. doIoctl must issue
// KVM_IRQFD against the VM fd; it is supplied by the caller so this package
// never assumes it owns the VM fd directly.
func (fd IrqFd) Install(doIoctl func(req uint64, arg *kvmioctl.IRQFD) error) error {
	region := kvmioctl.IRQFD{FD: uint32(fd.EvtFd), GSI: fd.GSI}
	if err := doIoctl(kvmioctl.KVMIRQFD, &region); err != nil {
		return fmt.Errorf("hvhandle: KVM_IRQFD gsi=%d: %w", fd.GSI, err)
	}
	return nil
}

// Uninstall removes the irqfd by reissuing KVM_IRQFD with KVM_IRQFD_FLAG_DEASSIGN.
func (fd IrqFd) Uninstall(doIoctl func(req uint64, arg *kvmioctl.IRQFD) error) error {
	const kvmIrqfdFlagDeassign = 1 << 0
	region := kvmioctl.IRQFD{FD: uint32(fd.EvtFd), GSI: fd.GSI, Flags: kvmIrqfdFlagDeassign}
	if err := doIoctl(kvmioctl.KVMIRQFD, &region); err != nil {
		return fmt.Errorf("hvhandle: KVM_IRQFD deassign gsi=%d: %w", fd.GSI, err)
	}
	return nil
}
