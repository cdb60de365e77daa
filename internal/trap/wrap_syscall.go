//go:build linux

package trap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Mic92/vmsh/internal/hvhandle"
	"github.com/Mic92/vmsh/internal/kvmioctl"
	"github.com/Mic92/vmsh/internal/tracer"
)

// WrapSyscall is Trap Engine Backend A (§4.3): it leaves the vCPU loop
// running inside the target but intercepts each KVM_RUN ioctl, inspecting
// the post-run kvm_run shared page for an MMIO exit that intersects a
// registered range. Latency cost is at least two context switches per
// intercepted exit, traded for requiring no kernel support beyond ptrace.
type WrapSyscall struct {
	tr     *tracer.Tracer
	vcpus  []*hvhandle.VcpuHandle
	vmFd   int

	mu       sync.Mutex
	ranges   []Range
	events   chan MmioEvent
	resumeCh map[uint64]chan uint64 // ack_read delivers the satisfied value here, keyed by gpa
}

// NewWrapSyscall builds the backend over an already-attached Tracer and the
// vCPU handles discovered by hvhandle.Open.
func NewWrapSyscall(tr *tracer.Tracer, vmFd int, vcpus []*hvhandle.VcpuHandle) *WrapSyscall {
	return &WrapSyscall{
		tr:       tr,
		vmFd:     vmFd,
		vcpus:    vcpus,
		resumeCh: make(map[uint64]chan uint64),
	}
}

func (w *WrapSyscall) Register(r Range) (<-chan MmioEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.ranges {
		if existing.Contains(r.Base, 1) || r.Contains(existing.Base, 1) {
			return nil, fmt.Errorf("trap: range %#x overlaps already-registered range %#x", r.Base, existing.Base)
		}
	}
	w.ranges = append(w.ranges, r)
	// One shared channel for every registered range, allocated lazily on
	// the first Register call: wrap_syscall serializes per-vCPU by
	// construction (each vCPU thread blocks in its own KVM_RUN until its
	// exit is handled), so a single buffered channel never needs more
	// slots than len(vcpus), and every caller of Register must observe the
	// same channel or events from a later-registered range would never
	// reach an earlier caller's reader.
	if w.events == nil {
		w.events = make(chan MmioEvent, len(w.vcpus))
	}
	return w.events, nil
}

func (w *WrapSyscall) AckRead(ev MmioEvent, value uint64) error {
	w.mu.Lock()
	ch, ok := w.resumeCh[ev.GPA]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("trap: ack_read for unknown outstanding read at %#x", ev.GPA)
	}
	ch <- value
	return nil
}

func (w *WrapSyscall) Unregister(r Range) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, existing := range w.ranges {
		if existing.Base == r.Base {
			w.ranges = append(w.ranges[:i], w.ranges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("trap: unregister: %w", errUnknownRange)
}

// Run starts one goroutine per vCPU thread, each looping: resume to the
// next syscall boundary, inspect ioctl args at entry, and on exit check the
// kvm_run shared page for a trapped MMIO access.
func (w *WrapSyscall) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(w.vcpus))

	for i, vh := range w.vcpus {
		wg.Add(1)
		go func(tid int, vh *hvhandle.VcpuHandle) {
			defer wg.Done()
			if err := w.vcpuLoop(ctx, tid, vh); err != nil {
				errs <- err
			}
		}(vh.ID, vh)
		_ = i
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *WrapSyscall) vcpuLoop(ctx context.Context, tid int, vh *hvhandle.VcpuHandle) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.tr.ResumeToSyscall(tid, 0); err != nil {
			return fmt.Errorf("trap: resume tid %d: %w", tid, err)
		}
		reason, err := w.tr.WaitSyscallStop(ctx, tid)
		if err != nil {
			return fmt.Errorf("trap: wait tid %d: %w", tid, err)
		}
		if reason != tracer.StopSyscallExit {
			continue // entry stop or unrelated signal; nothing to inspect yet
		}

		fd, req, _, ok, err := w.tr.IoctlArgs(tid)
		if err != nil {
			return fmt.Errorf("trap: ioctl args tid %d: %w", tid, err)
		}
		if !ok || fd != vh.FD() || req != kvmioctl.KVMRun {
			continue
		}
		if err := w.handleRunExit(ctx, tid, vh); err != nil {
			return err
		}
	}
}

// handleRunExit runs after a KVM_RUN ioctl has returned to the target: the
// kvm_run shared page already reflects whatever exit reason the kernel
// produced. If it's an MMIO exit inside a registered range, VMSH answers it
// in place (reads) or captures the write, then rewrites exit_reason so the
// hypervisor resumes as if the access had been a no-op it already handled.
func (w *WrapSyscall) handleRunExit(ctx context.Context, tid int, vh *hvhandle.VcpuHandle) error {
	if vh.ExitReason() != kvmioctl.KVMRunExitMMIO {
		return nil
	}
	mmio := vh.MMIOExit()

	w.mu.Lock()
	var matched *Range
	for i := range w.ranges {
		if w.ranges[i].Contains(mmio.PhysAddr, uint64(mmio.Len)) {
			matched = &w.ranges[i]
			break
		}
	}
	w.mu.Unlock()
	if matched == nil {
		return nil // outside any registered range; not ours to intercept
	}

	ev := MmioEvent{GPA: mmio.PhysAddr, Offset: mmio.PhysAddr - matched.Base, Len: uint8(mmio.Len)}
	if mmio.IsWrite != 0 {
		ev.Direction = DirectionWrite
		ev.Value = littleEndian(mmio.Data[:mmio.Len])
		w.mu.Lock()
		w.events <- ev
		w.mu.Unlock()
		return nil
	}

	ev.Direction = DirectionRead
	resume := make(chan uint64, 1)
	w.mu.Lock()
	w.resumeCh[ev.GPA] = resume
	w.events <- ev
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case value := <-resume:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], value)
		copy(mmio.Data[:mmio.Len], buf[:mmio.Len])
		vh.WriteMMIOResult(mmio.Data)
		w.mu.Lock()
		delete(w.resumeCh, ev.GPA)
		w.mu.Unlock()
		return nil
	}
}

func (w *WrapSyscall) Close() error { return nil }

func littleEndian(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}
