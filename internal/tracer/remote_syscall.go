//go:build linux

package tracer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// DefaultSyscallTimeout is the bounded wait every remote syscall carries.
// On expiry RemoteSyscall attempts to restore the stub bytes and registers
// (marking the tid dirty if that fails) and returns WaitStop's error; it
// does not detach the Tracer or return a Fatal error itself.
const DefaultSyscallTimeout = 10 * time.Second

// RemoteSyscall executes one syscall in the target's context on behalf of
// the caller (§4.1 remote_syscall): it picks a mapped executable page,
// scribbles a syscall stub at that page's start, redirects execution there
// with the given ABI registers, waits for the stub's trailing trap, then
// restores every overwritten byte and register before returning the
// kernel's result.
//
// Ordering is serialized per tid by the caller's own locking discipline —
// the Tracer does not itself serialize concurrent RemoteSyscall calls
// against the same tid, mirroring §4.1's "serialized per tid; parallel
// across tids", which places that responsibility one layer up (the
// Hypervisor Handle issues at most one remote syscall per tid at a time).
func (t *Tracer) RemoteSyscall(ctx context.Context, tid int, nr int64, args [6]uint64) (int64, error) {
	if err := t.checkClean(tid); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSyscallTimeout)
	defer cancel()

	saved, err := t.GetRegs(tid)
	if err != nil {
		return 0, err
	}

	stubAddr, err := findExecPage(t.pid)
	if err != nil {
		return 0, fmt.Errorf("tracer: find exec page for tid %d: %w", tid, err)
	}

	origBytes := make([]byte, len(stubBytes))
	if err := t.ReadMem(tid, stubAddr, origBytes); err != nil {
		return 0, fmt.Errorf("tracer: save stub bytes: %w", err)
	}

	// From here on, any failure to restore bytes/registers must mark the
	// tid dirty rather than silently returning: the spec requires that a
	// failed restoration poison the tid for all further operations.
	if err := t.WriteMem(tid, stubAddr, stubBytes); err != nil {
		// Nothing was mutated besides the bytes write itself, which failed,
		// so no register state to restore either: this is recoverable.
		return 0, fmt.Errorf("tracer: write syscall stub: %w", err)
	}

	work := saved.Clone()
	work.SetIP(stubAddr)
	work.SyscallArgs(nr, args[0], args[1], args[2], args[3], args[4], args[5])
	if err := t.SetRegs(tid, work); err != nil {
		if restoreErr := t.WriteMem(tid, stubAddr, origBytes); restoreErr != nil {
			t.markDirty(tid, restoreErr)
			return 0, vmerr.Fatal("stub bytes", restoreErr)
		}
		return 0, fmt.Errorf("tracer: set syscall regs: %w", err)
	}

	if err := unix.PtraceCont(tid, 0); err != nil {
		t.restoreOrDirty(tid, stubAddr, origBytes, saved)
		return 0, fmt.Errorf("tracer: cont tid %d: %w", tid, err)
	}

	reason, err := t.WaitStop(ctx, tid)
	if err != nil {
		t.restoreOrDirty(tid, stubAddr, origBytes, saved)
		return 0, err
	}
	if reason == StopExited {
		return 0, fmt.Errorf("tracer: tid %d exited during remote syscall", tid)
	}

	result, err := t.GetRegs(tid)
	if err != nil {
		t.restoreOrDirty(tid, stubAddr, origBytes, saved)
		return 0, err
	}
	ret := result.SyscallReturn()

	if err := t.WriteMem(tid, stubAddr, origBytes); err != nil {
		t.markDirty(tid, err)
		return 0, vmerr.Fatal("stub bytes", err)
	}
	if err := t.SetRegs(tid, saved); err != nil {
		t.markDirty(tid, err)
		return 0, vmerr.Fatal("registers", err)
	}

	if ret < 0 && ret > -4096 {
		return ret, &vmerr.RemoteSyscallError{Nr: nr, Args: args, Errno: int(-ret)}
	}
	return ret, nil
}

// restoreOrDirty attempts the bytes+registers restoration that the happy
// path performs inline; a failure here is what promotes the tid (and the
// whole session, per §7 Fatal) to unusable.
func (t *Tracer) restoreOrDirty(tid int, stubAddr uintptr, origBytes []byte, saved *Registers) {
	if err := t.WriteMem(tid, stubAddr, origBytes); err != nil {
		t.markDirty(tid, err)
		return
	}
	if err := t.SetRegs(tid, saved); err != nil {
		t.markDirty(tid, err)
	}
}

// RemoteMmap, RemoteMunmap, RemoteOpenat, RemoteClose, and RemoteDup2 are
// the §4.1 "composed from remote_syscall" conveniences.

func (t *Tracer) RemoteMmap(ctx context.Context, tid int, addr, length uint64, prot, flags int64, fd int64, offset uint64) (uint64, error) {
	ret, err := t.RemoteSyscall(ctx, tid, unix.SYS_MMAP, [6]uint64{addr, length, uint64(prot), uint64(flags), uint64(fd), offset})
	return uint64(ret), err
}

func (t *Tracer) RemoteMunmap(ctx context.Context, tid int, addr, length uint64) error {
	_, err := t.RemoteSyscall(ctx, tid, unix.SYS_MUNMAP, [6]uint64{addr, length})
	return err
}

// RemoteOpenat writes path into a scratch region of the target's memory
// (the caller-supplied scratchAddr, typically inside a page the caller
// already mmap'd remotely) before issuing the openat syscall, since the
// path string must live in the target's address space.
func (t *Tracer) RemoteOpenat(ctx context.Context, tid int, dirfd int64, scratchAddr uintptr, path string, flags, mode int64) (int, error) {
	buf := append([]byte(path), 0)
	if err := t.WriteMem(tid, scratchAddr, buf); err != nil {
		return -1, fmt.Errorf("tracer: write remote path: %w", err)
	}
	ret, err := t.RemoteSyscall(ctx, tid, unix.SYS_OPENAT, [6]uint64{uint64(dirfd), uint64(scratchAddr), uint64(flags), uint64(mode)})
	return int(ret), err
}

func (t *Tracer) RemoteClose(ctx context.Context, tid int, fd int64) error {
	_, err := t.RemoteSyscall(ctx, tid, unix.SYS_CLOSE, [6]uint64{uint64(fd)})
	return err
}

func (t *Tracer) RemoteDup2(ctx context.Context, tid int, oldfd, newfd int64) (int, error) {
	ret, err := t.RemoteSyscall(ctx, tid, unix.SYS_DUP2, [6]uint64{uint64(oldfd), uint64(newfd)})
	return int(ret), err
}

// findExecPage scans /proc/<pid>/maps for a region mapped executable and
// private (not shared, so scribbling over it cannot corrupt a file others
// rely on) to host the syscall stub.
func findExecPage(pid int) (uintptr, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		perms := fields[1]
		if len(perms) < 4 || perms[2] != 'x' || perms[3] != 'p' {
			continue
		}
		if strings.Contains(line, "[vdso]") || strings.Contains(line, "[vsyscall]") {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, err := strconv.ParseUint(rangeParts[0], 16, 64)
		if err != nil {
			continue
		}
		return uintptr(start), nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no executable page found in target address space")
}
