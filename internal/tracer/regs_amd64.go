//go:build linux && amd64

package tracer

// IP returns the instruction pointer (RIP).
func (r *Registers) IP() uint64 { return r.raw.Rip }

// SetIP sets the instruction pointer (RIP).
func (r *Registers) SetIP(v uint64) { r.raw.Rip = v }

// SP returns the stack pointer (RSP).
func (r *Registers) SP() uint64 { return r.raw.Rsp }

// SetSP sets the stack pointer (RSP).
func (r *Registers) SetSP(v uint64) { r.raw.Rsp = v }

// CodeSegment returns CS, whose low two bits are the current privilege
// level: 0 means the vCPU was executing in guest-kernel (ring 0) context
// when captured, as required by the Stage1 Injector (§4.5 step 1).
func (r *Registers) CodeSegment() uint64 { return r.raw.Cs }

// InKernelMode reports whether CS indicates CPL=0.
func (r *Registers) InKernelMode() bool { return r.raw.Cs&0x3 == 0 }

// SyscallArgs sets the Linux x86_64 syscall ABI registers: rax=nr,
// rdi,rsi,rdx,r10,r8,r9 = args. Used by RemoteSyscall to set up the
// scribbled syscall instruction's arguments (§4.1 remote_syscall).
func (r *Registers) SyscallArgs(nr int64, a0, a1, a2, a3, a4, a5 uint64) {
	r.raw.Rax = uint64(nr)
	r.raw.Rdi = a0
	r.raw.Rsi = a1
	r.raw.Rdx = a2
	r.raw.R10 = a3
	r.raw.R8 = a4
	r.raw.R9 = a5
}

// SyscallReturn reads rax, the kernel's syscall return value.
func (r *Registers) SyscallReturn() int64 { return int64(r.raw.Rax) }

// CurrentSyscallArgs reads the syscall number and argument registers as the
// kernel sees them at a syscall-entry stop, used by the wrap_syscall Trap
// Engine backend to recognize an ioctl(2) call against the target's KVM fd.
func (r *Registers) CurrentSyscallArgs() (nr int64, a0, a1, a2, a3, a4, a5 uint64) {
	return int64(r.raw.Orig_rax), r.raw.Rdi, r.raw.Rsi, r.raw.Rdx, r.raw.R10, r.raw.R8, r.raw.R9
}

// stubBytes is "syscall; int3" — the scribbled stub executed at a mapped
// executable page inside the target. The trailing int3 gives the Tracer a
// SIGTRAP to wait for immediately after the syscall completes, instead of
// single-stepping instruction by instruction.
var stubBytes = []byte{0x0f, 0x05, 0xcc}
