//go:build linux

// Package supervisor implements the cross-cutting component named in §5 and
// §9 but never given its own number in §2: the glue that owns the Tracer,
// drives attach/detach ordering across the Hypervisor Handle, Trap Engine,
// Stage1 Injector, and Event Loop, and holds the undo-token stack that makes
// detach a reliable reversal of attach.
package supervisor

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/eventloop"
	"github.com/Mic92/vmsh/internal/guestmem"
	"github.com/Mic92/vmsh/internal/hvhandle"
	"github.com/Mic92/vmsh/internal/inject"
	"github.com/Mic92/vmsh/internal/kvmioctl"
	"github.com/Mic92/vmsh/internal/tracer"
	"github.com/Mic92/vmsh/internal/trap"
	"github.com/Mic92/vmsh/internal/virtio"
	"github.com/Mic92/vmsh/internal/vmerr"
)

// Backend names which Trap Engine implementation an AttachSession uses.
type Backend string

const (
	BackendAuto        Backend = ""
	BackendWrapSyscall Backend = "wrap_syscall"
	BackendIoRegionFD  Backend = "ioregionfd"
)

// deviceWindowSize is the guest-physical size reserved per injected
// virtio-mmio device: one 4 KiB page, the convention used throughout
// internal/virtio's transport.
const deviceWindowSize = 0x1000

// Options configures one Attach call. BackingFile and ConsoleOut are mutually
// optional — a session may run block-only, console-only, or both, but at
// least one device must be configured since a session with neither would be
// an attach that changes nothing observable in the target.
type Options struct {
	Pid int

	PreferredBackend Backend
	MMIOBase         uint64 // guest-physical base of the first injected device window; 0 selects a default

	BackingFile *os.File // virtio-blk backend; nil to skip the block device
	ReadOnly    bool

	ConsoleOut io.Writer // host side of a pty, virtio-console TX destination; nil to skip
	ConsoleIn  io.Reader // host side of a pty, virtio-console RX source

	Stage1        io.ReaderAt // ELF64 freestanding blob, §4.5; nil to skip injection (device-only attach)
	Stage1Machine elf.Machine
	Kallsyms      io.Reader // guest kallsyms table for vmalloc/virt_to_phys resolution
	DirectMapBase uint64    // guest-kernel-virtual base of the direct physical map, §4.5
	Stage2Argv    []string

	// GuestKernelRelease is the target's uname -r string, when known (e.g.
	// read from the guest's /proc/sys/kernel/osrelease by the caller before
	// Attach). Empty skips the minimum-version check rather than failing
	// closed, since not every caller can obtain it without guest cooperation.
	GuestKernelRelease string
}

// deviceEntry is one injected virtio-mmio device plus the irqfd backing its
// interrupts. Teardown itself runs off the undo-token stack; this is kept
// around so injectStage1 can read back each device's MMIO base for
// VMSH_STAGE1_ARGS.
type deviceEntry struct {
	dev   *virtio.Device
	irqfd hvhandle.IrqFd
}

// Session is one attached AttachSession (§3 expansion): everything Attach
// built, torn down in reverse by Detach.
type Session struct {
	mu sync.Mutex

	pid     int
	lock    *SessionLock
	tr      *tracer.Tracer
	handle  *hvhandle.Handle
	engine  trap.Engine
	loop    *eventloop.Loop
	undo    undoStack
	backend Backend
	devices []deviceEntry

	runCancel context.CancelFunc
	runErr    chan error
}

// Pid reports the attached target's process id.
func (s *Session) Pid() int { return s.pid }

// Backend reports which Trap Engine implementation this session selected.
func (s *Session) Backend() Backend { return s.backend }

// Residue reports how many undo tokens remain outstanding, nonzero only
// after a Detach that hit a Fatal error partway through the unwind.
func (s *Session) Residue() int { return s.undo.len() }

// Attach performs the full attach sequence (§2 data flow: Tracer seizes
// vCPUs → Handle installs memslot/irqfd → Trap Engine registers MMIO range →
// Stage1 blob written + jumped to). It either returns a fully wired Session
// or leaves the target exactly as it found it.
func Attach(ctx context.Context, opts Options) (sess *Session, err error) {
	if opts.BackingFile == nil && opts.ConsoleOut == nil {
		return nil, fmt.Errorf("supervisor: attach: at least one device (block or console) must be configured")
	}

	lock, err := AcquireSessionLock(opts.Pid)
	if err != nil {
		return nil, err
	}
	// acquired mirrors Session.undo while Attach is still in progress: any
	// failure below unwinds just what's been acquired so far instead of
	// leaving residue, per §9 "released on every exit path including panic."
	var acquired undoStack
	defer func() {
		if err != nil {
			if uerr := acquired.unwind(); uerr != nil {
				slog.Error("supervisor: attach: cleanup after failure", "err", uerr)
			}
			lock.Release()
		}
	}()

	tr, err := tracer.Attach(opts.Pid)
	if err != nil {
		return nil, err
	}
	acquired.push("ptrace seize", tr.Detach)

	handle, err := hvhandle.Open(tr, opts.Pid)
	if err != nil {
		return nil, err
	}
	acquired.push("duplicated VM/vCPU fds", handle.Close)

	backend, engine, err := selectBackend(opts.PreferredBackend, handle)
	if err != nil {
		return nil, err
	}
	acquired.push("trap engine", engine.Close)

	s := &Session{
		pid:     opts.Pid,
		lock:    lock,
		tr:      tr,
		handle:  handle,
		engine:  engine,
		loop:    eventloop.New(engine),
		backend: backend,
	}

	if err := s.wireDevices(opts, &acquired); err != nil {
		return nil, err
	}

	if opts.Stage1 != nil {
		if err := s.injectStage1(ctx, opts); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.runErr = make(chan error, 1)
	go func() { s.runErr <- s.loop.Run(runCtx) }()

	// From here the Session owns everything acquired; move acquired's
	// tokens onto s.undo so Detach unwinds them in the same LIFO order.
	s.undo = acquired
	acquired = undoStack{}
	return s, nil
}

// selectBackend probes KVM_CAP_IOREGIONFD on the target's duplicated VM fd
// (§4.3: "preferred when the guest kernel supports it") unless the caller
// pinned a specific backend.
func selectBackend(pref Backend, h *hvhandle.Handle) (Backend, trap.Engine, error) {
	vmIoctl := directIoctl(h.VMFd)

	switch pref {
	case BackendWrapSyscall:
		return BackendWrapSyscall, trap.NewWrapSyscall(h.Tracer, h.VMFd, h.Vcpus), nil
	case BackendIoRegionFD:
		return BackendIoRegionFD, trap.NewIoRegionFD(vmIoctl), nil
	}

	supported, err := trap.Supported(func(ext int) (int, error) { return hvhandle.CheckExtension(h.VMFd, ext) })
	if err != nil {
		return "", nil, fmt.Errorf("%w: probe KVM_CAP_IOREGIONFD: %v", vmerr.ErrTargetIncompatible, err)
	}
	if supported {
		return BackendIoRegionFD, trap.NewIoRegionFD(vmIoctl), nil
	}
	return BackendWrapSyscall, trap.NewWrapSyscall(h.Tracer, h.VMFd, h.Vcpus), nil
}

// wireDevices builds the configured virtio backends, registers each with
// the event loop, and installs an irqfd per device (§4.6, §4.7), pushing one
// undo token per device onto acquired.
func (s *Session) wireDevices(opts Options, acquired *undoStack) error {
	mem := guestmem.New(s.handle.Mem)
	base := opts.MMIOBase
	if base == 0 {
		base = 0xd0000000 // arbitrary unmapped high window; checked against existing memslots below
	}
	gsi := uint32(32) // first GSI past the legacy PIC/IOAPIC range most guests reserve

	addDevice := func(backend virtio.Backend) (*virtio.Device, error) {
		for _, slot := range s.handle.Mem.Ranges() {
			if slot.Overlaps(base, deviceWindowSize) {
				return nil, vmerr.Invariant("mmio window %#x collides with memslot %d", base, slot.Index)
			}
		}

		dev := virtio.NewDevice(base, deviceWindowSize, backend, mem)

		evtfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("supervisor: eventfd for irqfd: %w", err)
		}
		fd := hvhandle.IrqFd{GSI: gsi, EvtFd: evtfd}
		if err := fd.Install(irqfdIoctl(s.handle.VMFd)); err != nil {
			unix.Close(evtfd)
			return nil, err
		}

		mask := trap.DirectionBoth
		if err := s.loop.AddDevice(dev, func() {
			var one [8]byte
			one[0] = 1
			unix.Write(evtfd, one[:])
		}, mask); err != nil {
			fd.Uninstall(irqfdIoctl(s.handle.VMFd))
			unix.Close(evtfd)
			return nil, err
		}

		entry := deviceEntry{dev: dev, irqfd: fd}
		s.devices = append(s.devices, entry)
		acquired.push(fmt.Sprintf("device at %#x (gsi %d)", base, gsi), func() error {
			uninstallErr := fd.Uninstall(irqfdIoctl(s.handle.VMFd))
			closeErr := unix.Close(evtfd)
			if uninstallErr != nil {
				return uninstallErr
			}
			return closeErr
		})

		base += deviceWindowSize
		gsi++
		return dev, nil
	}

	if opts.BackingFile != nil {
		blk, err := virtio.NewBlk(opts.BackingFile, opts.ReadOnly)
		if err != nil {
			return fmt.Errorf("supervisor: open block backend: %w", err)
		}
		// BindQueues runs automatically once the guest driver reaches
		// FEATURES_OK (transport.go's writeRegister); nothing further to
		// wire here.
		if _, err := addDevice(blk); err != nil {
			return err
		}
	}

	if opts.ConsoleOut != nil {
		console := virtio.NewConsole(opts.ConsoleOut, opts.ConsoleIn, 0, 0)
		dev, err := addDevice(console)
		if err != nil {
			return err
		}
		// The input-reader goroutine's fillReceive calls happen off the
		// RegQueueNotify write path, so it needs its own route to MarkFailed.
		console.OnInvariantViolation = func(err error) { dev.MarkFailed(err) }
	}

	return nil
}

// injectStage1 runs the Stage1 Injector (§4.5) against the first kernel-mode
// vCPU it can find, per the injected device windows wireDevices just
// registered. inject.Injector.Allocate restores the vCPU's saved registers
// when it fails, and promotes a failed restore to Fatal; the trampoline
// bytes it wrote below the stack pointer are not restored, and a buffer
// Allocate already returned is not freed when a later step fails. Attach
// pushes no undo token for this step.
func (s *Session) injectStage1(ctx context.Context, opts Options) error {
	if opts.GuestKernelRelease != "" {
		if err := inject.CheckGuestKernelVersion(opts.GuestKernelRelease); err != nil {
			return fmt.Errorf("%w: %v", vmerr.ErrTargetIncompatible, err)
		}
	}

	img, err := inject.Load(opts.Stage1, opts.Stage1Machine)
	if err != nil {
		return fmt.Errorf("supervisor: load stage1: %w", err)
	}

	sym, err := inject.ResolveAllocatorSymbols(opts.Kallsyms)
	if err != nil {
		return fmt.Errorf("supervisor: resolve allocator symbols: %w", err)
	}

	vh, err := inject.FindKernelModeVCPU(ctx, s.handle.Vcpus, func(vh *hvhandle.VcpuHandle) inject.VcpuIoctl {
		return directIoctl(vh.FD())
	})
	if err != nil {
		return err
	}
	ioctl := directIoctl(vh.FD())

	injector := inject.New(guestmem.New(s.handle.Mem), opts.DirectMapBase)

	// waitForTrap resumes the hijacked vCPU and blocks until it reports the
	// trampoline's trailing int3/brk, mirroring RemoteSyscall's cont-then-wait
	// pattern but against a vCPU fd rather than a host thread.
	waitForTrap := func() error {
		if err := unix.PtraceCont(vh.ID, 0); err != nil {
			return fmt.Errorf("supervisor: resume vcpu %d for stage1 trampoline: %w", vh.ID, err)
		}
		reason, err := s.tr.WaitStop(ctx, vh.ID)
		if err != nil {
			return err
		}
		if reason == tracer.StopExited {
			return fmt.Errorf("supervisor: vcpu %d thread exited during stage1 trampoline", vh.ID)
		}
		return nil
	}

	deviceAddrs := [inject.MaxDevices]uint64{}
	for i, d := range s.devices {
		if i >= inject.MaxDevices {
			break
		}
		deviceAddrs[i] = d.dev.Base()
	}

	const allocSize = 1 << 20 // 1 MiB scratch for stage1's own code+data+stack
	phys, err := injector.Allocate(ioctl, sym, waitForTrap, allocSize)
	if err != nil {
		return fmt.Errorf("supervisor: allocate stage1 buffer: %w", err)
	}

	if err := injector.Write(img, phys); err != nil {
		return fmt.Errorf("supervisor: write stage1 image: %w", err)
	}

	args := inject.Args{DeviceAddrs: deviceAddrs, Argv: opts.Stage2Argv}
	argsBase := phys + img.ArgsBlockOff
	if err := args.Encode(guestmem.New(s.handle.Mem), argsBase, argsBase+argsHeaderSize); err != nil {
		return fmt.Errorf("supervisor: encode stage1 args: %w", err)
	}

	if _, err := injector.Run(ioctl, phys, img); err != nil {
		return fmt.Errorf("supervisor: patch vcpu into stage1: %w", err)
	}

	return nil
}

// argsHeaderSize is the fixed byte length of VMSH_STAGE1_ARGS before argv's
// NUL-terminated strings begin, matching inject.Args.Encode's own layout
// (device_addrs + argv_count + argv ptrs), which stage1 expects regardless
// of how many argv entries are actually in use.
const argsHeaderSize = uint64(inject.MaxDevices)*8 + 8 + uint64(inject.MaxStage2Args)*8

// Detach reverses Attach in full: stops the event loop, drains the
// undo-token stack in LIFO order, detaches the Tracer, and releases the
// session lock. Any undo failure is reported but every remaining token is
// still attempted (§9 "released on every exit path including panic").
func (s *Session) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loop.Shutdown()
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.runErr != nil {
		if err := <-s.runErr; err != nil {
			slog.Warn("supervisor: detach: event loop returned error", "err", err)
		}
	}

	err := s.undo.unwind()
	if relErr := s.lock.Release(); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

// directIoctl issues req/arg directly against fd, used for every control-path
// ioctl against a VMSH-local duplicated descriptor (the VM fd, a vCPU fd):
// no Tracer indirection is needed since the fd already lives in VMSH's own
// process (§4.2 "Operations on these duplicates in VMSH are semantically
// equivalent to operations performed in the target").
func directIoctl(fd int) func(req uint64, arg uintptr) error {
	return func(req uint64, arg uintptr) error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
		if errno != 0 {
			return errno
		}
		return nil
	}
}

// irqfdIoctl adapts directIoctl to the *kvmioctl.IRQFD-typed signature
// hvhandle.IrqFd.Install/Uninstall expects.
func irqfdIoctl(fd int) func(req uint64, arg *kvmioctl.IRQFD) error {
	raw := directIoctl(fd)
	return func(req uint64, arg *kvmioctl.IRQFD) error {
		return raw(req, uintptr(unsafe.Pointer(arg)))
	}
}

// Rescan re-derives the target's KVM fd set and compares vCPU membership
// against what Attach observed, resolving the §9 Open Question "behavior
// when the target reallocates its memslot table between discovery and
// device registration": VMSH does not attempt a full memslot re-walk (the
// only read path available, KVM_GET_DIRTY_LOG-existence probing, cannot
// recover a slot's userspace_addr without re-deriving it from
// /proc/<pid>/maps on every call, which is expensive enough to defeat the
// purpose); instead it treats any change in the target's discoverable
// vCPU set as the signal that the target's VM state changed under VMSH,
// since a guest reboot or VM recreation always changes vCPU fd identity.
func (s *Session) Rescan() error {
	fds, err := hvhandle.Discover(s.pid)
	if err != nil {
		return fmt.Errorf("supervisor: rescan: %w", err)
	}
	vcpuCount := 0
	for _, f := range fds {
		if f.Kind == hvhandle.FdVCPU {
			vcpuCount++
		}
	}
	if vcpuCount != len(s.handle.Vcpus) {
		return vmerr.Invariant("target vCPU count changed from %d to %d since attach", len(s.handle.Vcpus), vcpuCount)
	}
	return nil
}
