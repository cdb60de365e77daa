//go:build linux

// Package kvmioctl holds the raw ioctl request numbers and wire structs for
// /dev/kvm and the per-VM/per-vCPU file descriptors. VMSH never creates its
// own VM: every ioctl here is issued either directly against a duplicated
// fd (read-only discovery ioctls) or indirectly, through the Tracer, against
// the fd as it sits inside the target process (mutating ioctls such as
// KVM_SET_USER_MEMORY_REGION and KVM_IRQFD).
package kvmioctl

// Request numbers, computed the same way the kernel's <linux/kvm.h> derives
// them from _IO/_IOR/_IOW/_IOWR; written out as constants because this
// package has no cgo step to generate them from the header.
const (
	KVMGetAPIVersion       = 0xae00
	KVMCreateVM            = 0xae01
	KVMCheckExtension      = 0xae03
	KVMGetVCPUMmapSize     = 0xae04
	KVMCreateVCPU          = 0xae41
	KVMGetDirtyLog         = 0x4010ae42
	KVMSetUserMemoryRegion = 0x4020ae46
	KVMIRQLine             = 0x4008ae61
	KVMIRQFD               = 0x4020ae76
	KVMRun                 = 0xae80
	KVMGetRegs             = 0x8090ae81
	KVMSetRegs             = 0x4090ae82
	KVMGetSregs            = 0x8138ae83
	KVMSetSregs            = 0x4138ae84
	KVMSetIORegion         = 0x4030aeb4

	// KVMCapIORegionFD is the extension id probed with KVM_CHECK_EXTENSION
	// before the ioregionfd backend is selected (§4.3 Backend B).
	KVMCapIORegionFD = 181
	// KVMCapNrMemslots is the KVM_CAP_NR_MEMSLOTS extension id. EnumerateSlots
	// also uses this value as its bound on probed slot indices, so slots at
	// index 10 or above are not enumerated.
	KVMCapNrMemslots = 10

	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1
)

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// argument to KVM_SET_USER_MEMORY_REGION. VMSH reads these out of the
// target via the Tracer and, for MmioRange registration, writes a new one
// back into the target the same way.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// ReadOnly reports whether the region's KVM_MEM_READONLY flag is set.
func (r UserspaceMemoryRegion) ReadOnly() bool { return r.Flags&kvmMemReadonly != 0 }

// DirtyLogEnabled reports whether KVM_MEM_LOG_DIRTY_PAGES is set.
func (r UserspaceMemoryRegion) DirtyLogEnabled() bool { return r.Flags&kvmMemLogDirtyPages != 0 }

// IRQFD mirrors struct kvm_irqfd, the argument to KVM_IRQFD.
type IRQFD struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     uint32
	_     [16]byte
}

// IORegion mirrors struct kvm_ioregion, the argument to KVM_SET_IOREGION
// used by the ioregionfd backend (§4.3 Backend B).
type IORegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64 // unused for ioregionfd, kept for layout parity
	RFD           int32
	WFD           int32
	Flags         uint32
	_             uint32
}

// IORegionFrame is the 8-byte-aligned notification struct the kernel writes
// to the registered rfd on each trapped access (§4.3 Backend B).
type IORegionFrame struct {
	GPA       uint64
	Value     uint64
	Len       uint8
	Direction uint8 // 0 = read, 1 = write
	_         [6]byte
}

const (
	IORegionDirectionRead  = 0
	IORegionDirectionWrite = 1
)

// KVMRunExitMMIO is the kvm_run.exit_reason value for a trapped MMIO access,
// consumed by the wrap_syscall backend (§4.3 Backend A).
const KVMRunExitMMIO = 6

// RunMMIO mirrors the mmio arm of the kvm_run union as laid out by the
// kernel ABI: 8-byte phys_addr, 8-byte data, 4-byte len, 1-byte is_write.
type RunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}
