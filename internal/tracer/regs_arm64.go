//go:build linux && arm64

package tracer

// IP returns the program counter (PC).
func (r *Registers) IP() uint64 { return r.raw.Pc }

// SetIP sets the program counter (PC).
func (r *Registers) SetIP(v uint64) { r.raw.Pc = v }

// SP returns the stack pointer.
func (r *Registers) SP() uint64 { return r.raw.Sp }

// SetSP sets the stack pointer.
func (r *Registers) SetSP(v uint64) { r.raw.Sp = v }

// InKernelMode reports whether PSTATE's mode field indicates EL1 (guest
// kernel), mirroring the x86_64 CS.CPL check used by the Stage1 Injector.
func (r *Registers) InKernelMode() bool { m := r.raw.Pstate & 0xf; return m == 0x4 || m == 0x5 }

// SyscallArgs sets the Linux AArch64 syscall ABI registers: x8=nr,
// x0..x5=args.
func (r *Registers) SyscallArgs(nr int64, a0, a1, a2, a3, a4, a5 uint64) {
	r.raw.Regs[8] = uint64(nr)
	r.raw.Regs[0] = a0
	r.raw.Regs[1] = a1
	r.raw.Regs[2] = a2
	r.raw.Regs[3] = a3
	r.raw.Regs[4] = a4
	r.raw.Regs[5] = a5
}

// SyscallReturn reads x0, the kernel's syscall return value.
func (r *Registers) SyscallReturn() int64 { return int64(r.raw.Regs[0]) }

// CurrentSyscallArgs reads the syscall number and argument registers as the
// kernel sees them at a syscall-entry stop, used by the wrap_syscall Trap
// Engine backend to recognize an ioctl(2) call against the target's KVM fd.
func (r *Registers) CurrentSyscallArgs() (nr int64, a0, a1, a2, a3, a4, a5 uint64) {
	return int64(r.raw.Regs[8]), r.raw.Regs[0], r.raw.Regs[1], r.raw.Regs[2], r.raw.Regs[3], r.raw.Regs[4], r.raw.Regs[5]
}

// stubBytes is "svc #0; brk #0" in AArch64 machine code.
var stubBytes = []byte{0x01, 0x00, 0x00, 0xd4, 0x00, 0x00, 0x20, 0xd4}
