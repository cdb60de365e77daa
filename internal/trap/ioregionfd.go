//go:build linux

package trap

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/kvmioctl"
)

// doIoctl issues an ioctl against vmFd inside the target, routed by the
// caller (the Handle/Supervisor wiring) through the Tracer's remote_syscall
// when vmFd is not directly reachable from VMSH's own process; for the
// common case vmFd is already a VMSH-local duplicate and a direct syscall
// suffices, matching how hvhandle.CheckExtension issues its ioctl.
type doIoctl func(req uint64, arg uintptr) error

// IoRegionFD is Trap Engine Backend B (§4.3): registers a pipe pair
// with KVM_SET_IOREGION so the kernel forwards MMIO in the given range
// directly to a host thread, bypassing the intercepted-ioctl path
// entirely. One context switch per exit versus wrap_syscall's two, at the
// cost of requiring KVM_CAP_IOREGIONFD on the target's kernel.
type IoRegionFD struct {
	vmIoctl doIoctl

	mu       sync.Mutex
	installed map[uint64]ioRegionInstall
	events    chan MmioEvent
}

// ioRegionInstall tracks one registered range's two pipes: the kernel
// writes notification frames into notifyWriteFD (handed to KVM as "rfd" in
// struct kvm_ioregion — the kernel's write end); VMSH reads them back from
// notifyReadFD. Acks flow the opposite way over the second pipe: VMSH
// writes into ackWriteFD, the kernel reads from ackReadFD (handed to KVM as
// "wfd"). Two independent pipes rather than one eventfd each, since a
// notification/ack frame here is 24 bytes and eventfd's counter semantics
// only carry a single 8-byte value per read.
type ioRegionInstall struct {
	r             Range
	notifyReadFD  int
	notifyWriteFD int
	ackReadFD     int
	ackWriteFD    int
}

// NewIoRegionFD builds the backend. vmIoctl must issue ioctls against the
// target's VM fd (directly, if VMSH holds a duplicate, or via remote
// syscall otherwise).
func NewIoRegionFD(vmIoctl doIoctl) *IoRegionFD {
	return &IoRegionFD{vmIoctl: vmIoctl, installed: make(map[uint64]ioRegionInstall)}
}

// Supported probes KVM_CAP_IOREGIONFD via KVM_CHECK_EXTENSION, the gate the
// Supervisor uses to decide whether this backend is even offerable (§4.3:
// "preferred when the guest kernel supports it").
func Supported(checkExtension func(ext int) (int, error)) (bool, error) {
	v, err := checkExtension(kvmioctl.KVMCapIORegionFD)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (e *IoRegionFD) Register(r Range) (<-chan MmioEvent, error) {
	notifyPipe := make([]int, 2)
	if err := unix.Pipe2(notifyPipe, unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("trap: ioregionfd: notify pipe: %w", err)
	}
	ackPipe := make([]int, 2)
	if err := unix.Pipe2(ackPipe, unix.O_CLOEXEC); err != nil {
		unix.Close(notifyPipe[0])
		unix.Close(notifyPipe[1])
		return nil, fmt.Errorf("trap: ioregionfd: ack pipe: %w", err)
	}

	inst := ioRegionInstall{
		r:             r,
		notifyReadFD:  notifyPipe[0],
		notifyWriteFD: notifyPipe[1],
		ackReadFD:     ackPipe[0],
		ackWriteFD:    ackPipe[1],
	}

	region := kvmioctl.IORegion{GuestPhysAddr: r.Base, MemorySize: r.Size, RFD: int32(inst.notifyWriteFD), WFD: int32(inst.ackReadFD)}
	if err := e.vmIoctl(kvmioctl.KVMSetIORegion, uintptrOf(&region)); err != nil {
		unix.Close(notifyPipe[0])
		unix.Close(notifyPipe[1])
		unix.Close(ackPipe[0])
		unix.Close(ackPipe[1])
		return nil, fmt.Errorf("trap: ioregionfd: KVM_SET_IOREGION: %w", err)
	}

	e.mu.Lock()
	e.installed[r.Base] = inst
	if e.events == nil {
		e.events = make(chan MmioEvent, 64)
	}
	ch := e.events
	e.mu.Unlock()

	return ch, nil
}

func (e *IoRegionFD) AckRead(ev MmioEvent, value uint64) error {
	e.mu.Lock()
	var ackWriteFD int
	found := false
	for _, inst := range e.installed {
		if inst.r.Contains(ev.GPA, uint64(ev.Len)) {
			ackWriteFD = inst.ackWriteFD
			found = true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("trap: ack_read: %w", errUnknownRange)
	}

	frame := kvmioctl.IORegionFrame{GPA: ev.GPA, Value: value, Len: ev.Len, Direction: kvmioctl.IORegionDirectionRead}
	return writeFrame(ackWriteFD, frame)
}

func (e *IoRegionFD) Unregister(r Range) error {
	e.mu.Lock()
	inst, ok := e.installed[r.Base]
	if ok {
		delete(e.installed, r.Base)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("trap: unregister: %w", errUnknownRange)
	}

	region := kvmioctl.IORegion{GuestPhysAddr: r.Base, MemorySize: r.Size, RFD: int32(inst.notifyWriteFD), WFD: int32(inst.ackReadFD)}
	const kvmIORegionDeassign = 1 << 0
	region.Flags = kvmIORegionDeassign
	if err := e.vmIoctl(kvmioctl.KVMSetIORegion, uintptrOf(&region)); err != nil {
		return fmt.Errorf("trap: ioregionfd: deassign: %w", err)
	}
	unix.Close(inst.notifyReadFD)
	unix.Close(inst.notifyWriteFD)
	unix.Close(inst.ackReadFD)
	unix.Close(inst.ackWriteFD)
	return nil
}

// Run reads 24-byte frames off every registered range's notify-read pipe
// until ctx is canceled, translating each into an MmioEvent; writes are
// forwarded directly, reads block on a later AckRead writing the ack pipe
// (§4.3: "the kernel blocks the faulting vCPU until ack is written").
func (e *IoRegionFD) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		e.mu.Lock()
		rfds := make([]int, 0, len(e.installed))
		bases := make(map[int]uint64, len(e.installed))
		for _, inst := range e.installed {
			rfds = append(rfds, inst.notifyReadFD)
			bases[inst.notifyReadFD] = inst.r.Base
		}
		e.mu.Unlock()
		if len(rfds) == 0 {
			continue
		}

		pollfds := make([]unix.PollFd, len(rfds))
		for i, fd := range rfds {
			pollfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}
		n, err := unix.Poll(pollfds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("trap: ioregionfd: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for _, pfd := range pollfds {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			frame, err := readFrame(int(pfd.Fd))
			if err != nil {
				return fmt.Errorf("trap: ioregionfd: read frame: %w", err)
			}
			ev := MmioEvent{GPA: frame.GPA, Offset: frame.GPA - bases[int(pfd.Fd)], Len: frame.Len, Value: frame.Value}
			if frame.Direction == kvmioctl.IORegionDirectionWrite {
				ev.Direction = DirectionWrite
			} else {
				ev.Direction = DirectionRead
			}
			e.mu.Lock()
			ch := e.events
			e.mu.Unlock()
			if ch != nil {
				ch <- ev
			}
		}
	}
}

func (e *IoRegionFD) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for base, inst := range e.installed {
		for _, fd := range [...]int{inst.notifyReadFD, inst.notifyWriteFD, inst.ackReadFD, inst.ackWriteFD} {
			if err := unix.Close(fd); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(e.installed, base)
	}
	return firstErr
}

// uintptrOf exposes a Go struct's address for the syscall-layer ioctl arg,
// valid only for the duration of the call since nothing else pins region.
func uintptrOf(p *kvmioctl.IORegion) uintptr { return uintptr(unsafe.Pointer(p)) }

func readFrame(fd int) (kvmioctl.IORegionFrame, error) {
	var buf [24]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return kvmioctl.IORegionFrame{}, err
	}
	if n != len(buf) {
		return kvmioctl.IORegionFrame{}, fmt.Errorf("trap: short ioregionfd frame read: %d bytes", n)
	}
	return kvmioctl.IORegionFrame{
		GPA:       binary.LittleEndian.Uint64(buf[0:8]),
		Value:     binary.LittleEndian.Uint64(buf[8:16]),
		Len:       buf[16],
		Direction: buf[17],
	}, nil
}

func writeFrame(fd int, f kvmioctl.IORegionFrame) error {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], f.GPA)
	binary.LittleEndian.PutUint64(buf[8:16], f.Value)
	buf[16] = f.Len
	buf[17] = f.Direction
	_, err := unix.Write(fd, buf[:])
	return err
}
