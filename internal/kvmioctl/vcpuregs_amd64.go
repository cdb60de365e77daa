//go:build linux && amd64

package kvmioctl

// KVMRegs mirrors struct kvm_regs, the argument to KVM_GET_REGS/KVM_SET_REGS
// on x86_64: general-purpose registers plus rip/rflags. The Stage1 Injector
// (§4.5) hijacks these directly on the vCPU fd rather than through ptrace,
// since CPU state here is guest state, not the target thread's own.
type KVMRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// KVMSegment mirrors struct kvm_segment, one entry of kvm_sregs.
type KVMSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// KVMDtable mirrors struct kvm_dtable (GDTR/IDTR).
type KVMDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// KVMSregs mirrors struct kvm_sregs, the argument to KVM_GET_SREGS/
// KVM_SET_SREGS. The Injector reads CS.DPL to decide whether a vCPU is
// currently executing in guest-kernel mode (§4.5 step 1: "CPL=0").
type KVMSregs struct {
	CS, DS, ES, FS, GS, SS KVMSegment
	TR, LDT                KVMSegment
	GDT, IDT               KVMDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}
