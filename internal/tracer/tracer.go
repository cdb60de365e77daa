//go:build linux

// Package tracer implements debugger-style control over every thread of a
// foreign process (§4.1 Tracer): attach/detach, register and memory access,
// and remote syscall execution via a scribbled syscall stub.
package tracer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// StopReason classifies why a traced thread most recently reported a
// ptrace-stop, per the supplemented wait_stop contract (SPEC_FULL.md §4.1).
type StopReason int

const (
	StopUnknown StopReason = iota
	StopSignal
	StopSyscallEntry
	StopSyscallExit
	StopGroupStop
	StopExited
)

// ThreadState is the Tracer's per-tid bookkeeping (§3 TracedThread).
type ThreadState struct {
	Tid    int
	dirty  bool // a scribble-and-restore failed; further ops refused
	stopAt time.Time
}

// Tracer seizes every thread of a target process and exposes debugger-level
// primitives over it. It owns no knowledge of what the caller is trying to
// accomplish (hypervisor attach, coredump, …) — that belongs to higher
// layers; the Tracer only ever thinks in terms of tids, registers, and byte
// ranges.
type Tracer struct {
	mu       sync.Mutex
	pid      int
	threads  map[int]*ThreadState
	fatal    error // set once any tid's restoration fails; poisons the session
	syscalls *syscallState
}

// Attach seizes every currently-running thread of pid and begins following
// clone/fork so new threads are seized before they execute user code.
func Attach(pid int) (*Tracer, error) {
	tids, err := listThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("tracer: list threads of %d: %w", pid, err)
	}
	if len(tids) == 0 {
		return nil, fmt.Errorf("%w: pid %d has no threads (exited?)", vmerr.ErrPermissionDenied, pid)
	}

	t := &Tracer{pid: pid, threads: make(map[int]*ThreadState, len(tids)), syscalls: newSyscallState()}

	for _, tid := range tids {
		if err := unix.PtraceSeize(tid); err != nil {
			// Unwind whatever we already seized so a failed attach never
			// leaves the target half-traced.
			t.detachBestEffort()
			if err == unix.EPERM {
				return nil, fmt.Errorf("%w: seize tid %d: %w", vmerr.ErrPermissionDenied, tid, err)
			}
			return nil, fmt.Errorf("tracer: seize tid %d: %w", tid, err)
		}
		if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_TRACEVFORK|unix.PTRACE_O_EXITKILL|unix.PTRACE_O_TRACESYSGOOD); err != nil {
			t.detachBestEffort()
			return nil, fmt.Errorf("tracer: set options tid %d: %w", tid, err)
		}
		t.threads[tid] = &ThreadState{Tid: tid}
	}

	// Re-scan once: a thread may have been created between listThreads and
	// seizing the ones we found. Seize any stragglers before returning.
	if err := t.seizeStragglers(); err != nil {
		t.detachBestEffort()
		return nil, err
	}

	return t, nil
}

func (t *Tracer) seizeStragglers() error {
	for {
		tids, err := listThreads(t.pid)
		if err != nil {
			return fmt.Errorf("tracer: re-list threads: %w", err)
		}
		newCount := 0
		for _, tid := range tids {
			if _, ok := t.threads[tid]; ok {
				continue
			}
			if err := unix.PtraceSeize(tid); err != nil {
				if err == unix.ESRCH {
					continue // thread exited between list and seize
				}
				return fmt.Errorf("tracer: seize straggler tid %d: %w", tid, err)
			}
			if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_TRACEVFORK|unix.PTRACE_O_EXITKILL|unix.PTRACE_O_TRACESYSGOOD); err != nil {
				return fmt.Errorf("tracer: set options straggler tid %d: %w", tid, err)
			}
			t.threads[tid] = &ThreadState{Tid: tid}
			newCount++
		}
		if newCount == 0 {
			return nil
		}
	}
}

// ListThreads returns a snapshot of currently seized tids.
func (t *Tracer) ListThreads() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.threads))
	for tid := range t.threads {
		out = append(out, tid)
	}
	return out
}

// Detach releases every seized thread, restoring normal execution. It is
// idempotent: calling it twice, or after a partial failure, is safe.
func (t *Tracer) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detachLocked()
}

func (t *Tracer) detachLocked() error {
	var firstErr error
	for tid, st := range t.threads {
		if st.dirty {
			// A tid whose scribbled bytes/registers failed to restore must
			// not be resumed: doing so would run the target on corrupted
			// state. The session is already ErrFatal; leave it traced so a
			// human can inspect it rather than silently detaching garbage.
			if firstErr == nil {
				firstErr = vmerr.Fatal(fmt.Sprintf("tid %d not restored", tid), t.fatal)
			}
			continue
		}
		if err := unix.PtraceDetach(tid); err != nil && err != unix.ESRCH {
			if firstErr == nil {
				firstErr = fmt.Errorf("tracer: detach tid %d: %w", tid, err)
			}
			continue
		}
		delete(t.threads, tid)
	}
	return firstErr
}

func (t *Tracer) detachBestEffort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.detachLocked()
}

// markDirty poisons a tid after a scribble-and-restore failure, per §4.1
// "refuses further operations on a tid whose restoration failed".
func (t *Tracer) markDirty(tid int, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.threads[tid]; ok {
		st.dirty = true
	}
	if t.fatal == nil {
		t.fatal = cause
	}
}

func (t *Tracer) checkClean(tid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.threads[tid]
	if !ok {
		return fmt.Errorf("tracer: unknown tid %d", tid)
	}
	if st.dirty {
		return vmerr.Fatal(fmt.Sprintf("tid %d", tid), t.fatal)
	}
	return nil
}

// WaitStop blocks until tid reports a ptrace-stop and classifies it.
func (t *Tracer) WaitStop(ctx context.Context, tid int) (StopReason, error) {
	if err := t.checkClean(tid); err != nil {
		return StopUnknown, err
	}

	type result struct {
		status unix.WaitStatus
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var ws unix.WaitStatus
		_, err := unix.Wait4(tid, &ws, 0, nil)
		ch <- result{ws, err}
	}()

	select {
	case <-ctx.Done():
		return StopUnknown, fmt.Errorf("%w: wait_stop tid %d", vmerr.ErrTimeout, tid)
	case r := <-ch:
		if r.err != nil {
			return StopUnknown, fmt.Errorf("tracer: wait4 tid %d: %w", tid, r.err)
		}
		return classifyStatus(r.status), nil
	}
}

func classifyStatus(ws unix.WaitStatus) StopReason {
	switch {
	case ws.Exited(), ws.Signaled():
		return StopExited
	case ws.Stopped():
		sig := ws.StopSignal()
		if sig == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_STOP {
			return StopGroupStop
		}
		if sig == (unix.SIGTRAP | 0x80) {
			return StopSyscallEntry
		}
		return StopSignal
	default:
		return StopUnknown
	}
}

// ReadMem reads len(buf) bytes from the target's address space as seen by
// tid, using process_vm_readv and falling back to word-granularity
// PEEKDATA across a page boundary that faults.
func (t *Tracer) ReadMem(tid int, addr uintptr, buf []byte) error {
	if err := t.checkClean(tid); err != nil {
		return err
	}
	n, err := unix.ProcessVMReadv(t.pid, []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}},
		[]unix.RemoteIovec{{Base: addr, Len: len(buf)}}, 0)
	if err == nil && n == len(buf) {
		return nil
	}
	return t.readMemPtrace(tid, addr, buf)
}

func (t *Tracer) readMemPtrace(tid int, addr uintptr, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.PtracePeekData(tid, addr+uintptr(off), buf[off:])
		if err != nil {
			return fmt.Errorf("tracer: peekdata tid %d addr %#x: %w", tid, addr+uintptr(off), err)
		}
		if n == 0 {
			return fmt.Errorf("tracer: short peekdata tid %d addr %#x", tid, addr+uintptr(off))
		}
		off += n
	}
	return nil
}

// WriteMem writes data into the target's address space as seen by tid.
func (t *Tracer) WriteMem(tid int, addr uintptr, data []byte) error {
	if err := t.checkClean(tid); err != nil {
		return err
	}
	n, err := unix.ProcessVMWritev(t.pid, []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}},
		[]unix.RemoteIovec{{Base: addr, Len: len(data)}}, 0)
	if err == nil && n == len(data) {
		return nil
	}
	off := 0
	for off < len(data) {
		n, err := unix.PtracePokeData(tid, addr+uintptr(off), data[off:])
		if err != nil {
			return fmt.Errorf("tracer: pokedata tid %d addr %#x: %w", tid, addr+uintptr(off), err)
		}
		if n == 0 {
			return fmt.Errorf("tracer: short pokedata tid %d addr %#x", tid, addr+uintptr(off))
		}
		off += n
	}
	return nil
}

// listThreads enumerates /proc/<pid>/task, the set of tids the Tracer must seize.
func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		var tid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &tid); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}
