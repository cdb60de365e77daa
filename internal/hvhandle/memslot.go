//go:build linux

package hvhandle

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Mic92/vmsh/internal/kvmioctl"
	"github.com/Mic92/vmsh/internal/vmerr"
)

// MemSlot mirrors the §3 data-model entity: a KVM-registered region of
// guest-physical address space, plus enough host-side bookkeeping to
// reopen an independent mapping of the same backing memory in VMSH.
type MemSlot struct {
	Index         uint32
	GuestPhysAddr uint64
	Size          uint64
	UserspaceAddr uint64 // host-virtual address inside the TARGET process
	ReadOnly      bool
	// HostMemFd, when non-empty, is the path under /proc/<pid>/map_files
	// VMSH reopened to obtain its own mapping of the slot's backing memory
	// (§4.2 "Memory slots").
	HostMemFd string
}

// End returns the exclusive upper bound of the slot's guest-physical range.
func (s MemSlot) End() uint64 { return s.GuestPhysAddr + s.Size }

// Overlaps reports whether s and the range [start, start+size) share any
// guest-physical address,
// used to enforce the §3 invariant that a chosen MmioRange never overlaps
// an existing MemSlot.
func (s MemSlot) Overlaps(start, size uint64) bool {
	end := start + size
	return start < s.End() && s.GuestPhysAddr < end
}

// EnumerateSlots reads the target's KVM slot table. KVM exposes no direct
// "list all slots" ioctl; the Handle instead correlates KVM_GET_DIRTY_LOG
// failures (ENOENT beyond the last valid slot index, §4.2) against
// /proc/<pid>/maps to recover the userspace_addr/size KVM_SET_USER_MEMORY_REGION
// last installed for each slot, since the source of truth (the kernel's
// internal kvm->memslots tree) is not otherwise readable from outside the
// process that owns the VM fd.
func EnumerateSlots(pid int, vmFdInTarget int, tracerDup func(slot uint32) (*kvmioctl.UserspaceMemoryRegion, error)) ([]MemSlot, error) {
	maps, err := readMapFiles(pid)
	if err != nil {
		return nil, fmt.Errorf("hvhandle: enumerate slots: %w", err)
	}

	var slots []MemSlot
	for slot := uint32(0); slot < kvmioctl.KVMCapNrMemslots; slot++ {
		region, err := tracerDup(slot)
		if err != nil {
			break // ENOENT-equivalent: no more slots beyond this index
		}
		if region == nil {
			continue // slot index currently unassigned
		}
		ms := MemSlot{
			Index:         slot,
			GuestPhysAddr: region.GuestPhysAddr,
			Size:          region.MemorySize,
			UserspaceAddr: region.UserspaceAddr,
			ReadOnly:      region.ReadOnly(),
		}
		if path, ok := maps[region.UserspaceAddr]; ok {
			ms.HostMemFd = path
		}
		slots = append(slots, ms)
	}
	return slots, nil
}

// ValidateContiguity enforces the §4.2 invariant that registered memslots
// are contiguous (no gaps introduced by a reordered or partially torn-down
// slot table), returning ErrInvariantViolated otherwise.
func ValidateContiguity(slots []MemSlot) error {
	for i := 1; i < len(slots); i++ {
		if slots[i].GuestPhysAddr != slots[i-1].End() {
			return vmerr.Invariant("memslot %d (gpa=%#x) does not start where memslot %d ends (end=%#x)",
				slots[i].Index, slots[i].GuestPhysAddr, slots[i-1].Index, slots[i-1].End())
		}
	}
	return nil
}

// readMapFiles builds userspace_addr -> /proc/<pid>/map_files/<range> so a
// slot's backing memfd can be reopened independently in VMSH.
func readMapFiles(pid int) (map[uint64]string, error) {
	dir := fmt.Sprintf("/proc/%d/map_files", pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e.Name(), "-", 2)
		if len(parts) != 2 {
			continue
		}
		start, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			continue
		}
		out[start] = dir + "/" + e.Name()
	}
	return out, nil
}

// Real slot discovery issues KVM_GET_DIRTY_LOG through the Tracer's
// remote_syscall (it must run inside the target, against the target's VM
// fd); it is implemented as the tracerDup callback passed into
// EnumerateSlots so this package stays free of a direct Tracer dependency.
// The callback reports an unassigned slot index by returning a nil region
// and no error; any error it returns (such as ENOENT) ends the enumeration.
