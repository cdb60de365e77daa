//go:build linux

package tracer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// syscallState tracks, per traced tid, whether the next PTRACE_EVENT_SYSCALL
// stop is a syscall-entry or syscall-exit: with PTRACE_O_TRACESYSGOOD both
// report as SIGTRAP|0x80 indistinguishably, so the Tracer alternates state
// itself the way any ptrace-based syscall tracer must.
type syscallState struct {
	mu       sync.Mutex
	inSyscall map[int]bool
}

func newSyscallState() *syscallState {
	return &syscallState{inSyscall: make(map[int]bool)}
}

// ResumeToSyscall resumes tid with PTRACE_SYSCALL, stopping it again at the
// next syscall-entry or syscall-exit boundary (§4.3 Backend A: "the Tracer
// catches entry; inspects the post-run kvm_run shared page").
func (t *Tracer) ResumeToSyscall(tid int, signal int) error {
	if err := t.checkClean(tid); err != nil {
		return err
	}
	if err := unix.PtraceSyscall(tid, signal); err != nil {
		return fmt.Errorf("tracer: ptrace_syscall tid %d: %w", tid, err)
	}
	return nil
}

// WaitSyscallStop blocks for the next syscall-entry/syscall-exit stop on
// tid and reports which one it was, maintaining the per-tid entry/exit
// parity the kernel doesn't distinguish on its own.
func (t *Tracer) WaitSyscallStop(ctx context.Context, tid int) (StopReason, error) {
	reason, err := t.WaitStop(ctx, tid)
	if err != nil {
		return reason, err
	}
	if reason != StopSyscallEntry {
		return reason, nil
	}

	t.syscalls.mu.Lock()
	wasIn := t.syscalls.inSyscall[tid]
	t.syscalls.inSyscall[tid] = !wasIn
	t.syscalls.mu.Unlock()

	if wasIn {
		return StopSyscallExit, nil
	}
	return StopSyscallEntry, nil
}

// ioctlSyscallNr is the Linux syscall number for ioctl(2) on the build
// architecture (16 on amd64, 29 on arm64).
const ioctlSyscallNr = unix.SYS_IOCTL

// IoctlArgs reads the (fd, request, arg) triple a traced thread is
// currently blocked entering an ioctl(2) syscall with. ok is false if the
// thread is not currently inside an ioctl syscall-entry stop.
func (t *Tracer) IoctlArgs(tid int) (fd int, request uint64, arg uintptr, ok bool, err error) {
	regs, err := t.GetRegs(tid)
	if err != nil {
		return 0, 0, 0, false, err
	}
	nr, a0, a1, a2, _, _, _ := regs.CurrentSyscallArgs()
	if nr != ioctlSyscallNr {
		return 0, 0, 0, false, nil
	}
	return int(a0), a1, uintptr(a2), true, nil
}
