//go:build linux

package hvhandle

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/tracer"
)

// Handle is the assembled result of attaching to a target's hypervisor:
// the target's VM fd (duplicated) and its vCPUs, addressable from VMSH
// without further target cooperation beyond the Tracer staying seized
// (§4.2). Mem is the GuestMemMap that Open creates empty; nothing in this
// package adds the target's memslots to it.
type Handle struct {
	Tracer *tracer.Tracer
	VMFd   int
	Vcpus  []*VcpuHandle
	Mem    *GuestMemMap
}

// Open discovers and duplicates a target's KVM fds and creates an empty
// GuestMemMap; it does not enumerate or map the target's memslots. It does
// not start the event loop; callers still need to pick
// a trap-engine backend and inject Stage1 before the attach is complete.
func Open(tr *tracer.Tracer, pid int) (*Handle, error) {
	fds, err := Discover(pid)
	if err != nil {
		return nil, fmt.Errorf("hvhandle: open: %w", err)
	}

	var vmTargetFd int
	vmFound := false
	vcpuTargetFds := map[int]int{}
	for _, f := range fds {
		switch f.Kind {
		case FdVM:
			if vmFound {
				continue // multiple VMs in one process: first one wins, per §4.2's single-VM assumption
			}
			vmTargetFd = f.TargetFd
			vmFound = true
		case FdVCPU:
			vcpuTargetFds[f.VcpuID] = f.TargetFd
		}
	}
	if !vmFound {
		return nil, fmt.Errorf("hvhandle: open: no KVM VM fd found in pid %d", pid)
	}

	vmFd, err := DupForeignFd(pid, vmTargetFd)
	if err != nil {
		return nil, fmt.Errorf("hvhandle: dup VM fd: %w", err)
	}

	h := &Handle{Tracer: tr, VMFd: vmFd, Mem: NewGuestMemMap()}

	for id, targetFd := range vcpuTargetFds {
		dup, err := DupForeignFd(pid, targetFd)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("hvhandle: dup vCPU %d fd: %w", id, err)
		}
		vh, err := OpenVcpu(id, dup, vmFd)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.Vcpus = append(h.Vcpus, vh)
	}

	return h, nil
}

// Close tears down every duplicated descriptor the Handle owns. It never
// touches the target's originals.
func (h *Handle) Close() error {
	var firstErr error
	for _, v := range h.Vcpus {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.VMFd != 0 {
		if err := unix.Close(h.VMFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
