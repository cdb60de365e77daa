//go:build linux && arm64

package kvmioctl

// KVMRegs is VMSH's reduced view of AArch64 guest core registers. The real
// kernel ABI exposes these one at a time via KVM_GET_ONE_REG/KVM_SET_ONE_REG
// rather than a single kvm_regs ioctl; VMSH models only the handful of
// fields the Stage1 Injector actually touches (PC, SP, X0 for the vmalloc
// size argument) and leaves the rest to a future KVM_GET_ONE_REG-based
// implementation when ARM64 guests become a first-class target.
type KVMRegs struct {
	X0, X1, X8 uint64 // x8 carries syscall/ABI-adjacent values on some calling conventions
	StackPtr   uint64
	PC         uint64
	PState     uint64
}

// KVMSregs is a stand-in for the AArch64 equivalent of segment/mode state,
// which KVM exposes through KVM_GET_ONE_REG(KVM_REG_ARM64_SYSREG(...))
// rather than a single struct. VMSH only needs the current exception level,
// carried in PState's mode field (see Registers.InKernelMode in the tracer
// package for the equivalent host-side check).
type KVMSregs struct {
	PState uint64
}

// CPL reports an approximation of x86's CPL for the kernel-mode check
// shared with amd64 callers: EL1 (kernel) maps to 0, EL0 (user) to 3.
func (s KVMSregs) CPL() uint8 {
	if m := s.PState & 0xf; m == 0x4 || m == 0x5 { // EL1t/EL1h
		return 0
	}
	return 3
}
