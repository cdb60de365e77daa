//go:build linux

// Command vmsh attaches to a running hypervisor target and injects a
// command into it without the target's cooperation. See `vmsh -h` and
// each subcommand's `-h` for usage:
// `vmsh [-l <log_filter>] attach [-f <backing_file>] [--pts <pty>]
// [--mmio <wrap_syscall|ioregionfd>] <pid> -- <argv…>`, `vmsh inspect <pid>`,
// `vmsh coredump <pid>`.
package main

import (
	"context"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/config"
	"github.com/Mic92/vmsh/internal/hvhandle"
	"github.com/Mic92/vmsh/internal/inject"
	"github.com/Mic92/vmsh/internal/logsetup"
	"github.com/Mic92/vmsh/internal/supervisor"
	"github.com/Mic92/vmsh/internal/tracer"
	"github.com/Mic92/vmsh/internal/vmerr"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code rather than calling os.Exit itself, so
// it can be covered by a table-driven test.
func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	sub, rest := args[0], args[1:]
	var err error
	switch sub {
	case "attach":
		err = runAttach(rest)
	case "inspect":
		err = runInspect(rest)
	case "coredump":
		err = runCoredump(rest)
	case "pts":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "usage: vmsh pts <pty>")
			return 2
		}
		err = runPts(rest[0])
	case "-h", "-help", "--help", "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "vmsh: unknown subcommand %q\n", sub)
		usage()
		return 2
	}

	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "vmsh: %v\n", err)
	return exitCode(err)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  vmsh [-l <log_filter>] attach [-f <backing_file>] [--pts <pty>]
                                 [--mmio <wrap_syscall|ioregionfd>] <pid> -- <argv…>
  vmsh inspect  <pid>
  vmsh coredump <pid>
  vmsh pts <pty>

Environment:
  RUST_LOG   default log filter, same grammar as -l (target=level,... )
`)
}

// exitCode maps vmsh's error taxonomy to a process exit status so scripts
// driving vmsh can branch on category without parsing stderr text.
func exitCode(err error) int {
	switch {
	case errors.Is(err, vmerr.ErrFatal):
		return 70
	case errors.Is(err, vmerr.ErrPermissionDenied):
		return 77
	case errors.Is(err, vmerr.ErrTargetIncompatible):
		return 78
	case errors.Is(err, vmerr.ErrInvariantViolated):
		return 65
	case errors.Is(err, vmerr.ErrBackendIO):
		return 74
	case errors.Is(err, vmerr.ErrRemoteSyscallFailed):
		return 69
	case errors.Is(err, vmerr.ErrGuestFault):
		return 71
	case errors.Is(err, vmerr.ErrTimeout):
		return 75
	case errors.Is(err, vmerr.ErrCanceled):
		return 130
	default:
		return 1
	}
}

// initLogging installs internal/logsetup from -l, RUST_LOG, or cfg's
// log_filter, in that precedence order — a flag beats the environment,
// which beats the config file, mirroring the layering config.Merge
// documents for every other setting.
func initLogging(flagFilter string, cfg config.Config) {
	s := flagFilter
	if s == "" {
		s = os.Getenv("RUST_LOG")
	}
	if s == "" {
		s = cfg.LogFilter
	}
	f, err := logsetup.Parse(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmsh: invalid log filter %q: %v\n", s, err)
		f = logsetup.Filter{Default: -4}
	}
	logsetup.Init(os.Stderr, f)
}

func loadConfig() config.Config {
	path := os.Getenv("VMSH_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".config", "vmsh", "config.yaml")
		}
	}
	if path == "" {
		return config.Config{}
	}
	return config.Load(path)
}

// splitAttachArgs separates the trailing `<pid> -- <argv…>` positional
// arguments flag.Parse leaves in rest (flag.Parse stops consuming at the
// first non-flag token, so "--" and everything after survive in rest
// verbatim) and applies the config's stage2 argv template: as a prefix when
// the caller also passed argv, or wholesale when the caller gave a bare pid
// with -stage1 set and no argv of its own.
func splitAttachArgs(rest []string, stage2Template []string, stage1Requested bool) (pidArg string, argv []string, err error) {
	dashIdx := -1
	for i, a := range rest {
		if a == "--" {
			dashIdx = i
			break
		}
	}

	if dashIdx >= 0 {
		if dashIdx != 1 {
			return "", nil, fmt.Errorf("vmsh: attach: expected exactly one <pid> before --")
		}
		pidArg = rest[0]
		argv = rest[dashIdx+1:]
	} else {
		if len(rest) != 1 {
			return "", nil, fmt.Errorf("vmsh: attach: usage: vmsh attach [flags] <pid> -- <argv…>")
		}
		pidArg = rest[0]
	}

	if len(argv) > 0 {
		argv = append(append([]string{}, stage2Template...), argv...)
	} else if stage1Requested {
		argv = stage2Template
	}

	return pidArg, argv, nil
}

func runAttach(args []string) error {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	logFilter := fs.String("l", "", "log filter (target=level,...), default empty")
	backingFile := fs.String("f", "", "backing file for a virtio-blk device")
	readOnly := fs.Bool("ro", false, "attach the backing file read-only")
	ptsPath := fs.String("pts", "", "host pty path backing the virtio-console device")
	mmio := fs.String("mmio", "", "preferred Trap Engine backend: wrap_syscall or ioregionfd")
	directMapBase := fs.Uint64("direct-map-base", 0, "guest-kernel-virtual base of the direct physical map")
	stage1Path := fs.String("stage1", "", "path to the stage1 ELF64 payload; omit for a device-only attach")
	kallsymsPath := fs.String("kallsyms", "", "path to the guest's kallsyms table")
	guestKernel := fs.String("guest-kernel-release", "", "guest's uname -r, for the minimum-version check")
	timeout := fs.Duration("timeout", 30*time.Second, "deadline for the attach sequence")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	initLogging(*logFilter, cfg)

	pidArg, argv, err := splitAttachArgs(fs.Args(), cfg.Stage2ArgvTemplate, *stage1Path != "")
	if err != nil {
		return err
	}

	pid, err := strconv.Atoi(pidArg)
	if err != nil {
		return fmt.Errorf("vmsh: attach: invalid pid %q: %w", pidArg, err)
	}

	backend := supervisor.Backend(*mmio)
	if backend == "" {
		backend = supervisor.Backend(cfg.PreferredBackend)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := supervisor.Options{
		Pid:                pid,
		PreferredBackend:   backend,
		ReadOnly:           *readOnly,
		DirectMapBase:      *directMapBase,
		Stage2Argv:         argv,
		GuestKernelRelease: *guestKernel,
	}

	resolvedDir := cfg.BackingFileDir
	if *backingFile != "" {
		path := *backingFile
		if resolvedDir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(resolvedDir, path)
		}
		flags := os.O_RDWR
		if *readOnly {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(path, flags, 0)
		if err != nil {
			return fmt.Errorf("%w: open backing file: %v", vmerr.ErrBackendIO, err)
		}
		defer f.Close()
		opts.BackingFile = f
	}

	if *ptsPath != "" {
		pty, err := os.OpenFile(*ptsPath, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("%w: open pty: %v", vmerr.ErrBackendIO, err)
		}
		defer pty.Close()
		opts.ConsoleOut = pty
		opts.ConsoleIn = pty
	}

	if *stage1Path != "" {
		stage1, err := os.Open(*stage1Path)
		if err != nil {
			return fmt.Errorf("vmsh: attach: open stage1: %w", err)
		}
		defer stage1.Close()
		opts.Stage1 = stage1
		opts.Stage1Machine = elf.EM_X86_64
		if runtime.GOARCH == "arm64" {
			opts.Stage1Machine = elf.EM_AARCH64
		}

		if *kallsymsPath == "" {
			return fmt.Errorf("vmsh: attach: -kallsyms is required with -stage1")
		}
		kallsyms, err := os.Open(*kallsymsPath)
		if err != nil {
			return fmt.Errorf("vmsh: attach: open kallsyms: %w", err)
		}
		defer kallsyms.Close()
		opts.Kallsyms = kallsyms
	}

	bar := progressbar.Default(5, "attaching")
	defer bar.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sess, err := supervisor.Attach(ctx, opts)
	if err != nil {
		return err
	}
	bar.Add(5)

	fmt.Fprintf(os.Stderr, "attached to pid %d (backend=%s)\n", sess.Pid(), sess.Backend())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	if err := sess.Detach(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "detached cleanly")
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	logFilter := fs.String("l", "", "log filter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	initLogging(*logFilter, loadConfig())

	if fs.NArg() != 1 {
		return fmt.Errorf("vmsh: inspect: usage: vmsh inspect <pid>")
	}
	pid, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("vmsh: inspect: invalid pid %q: %w", fs.Arg(0), err)
	}

	fds, err := hvhandle.Discover(pid)
	if err != nil {
		return err
	}
	if len(fds) == 0 {
		fmt.Printf("pid %d: no /dev/kvm fds found\n", pid)
		return nil
	}

	vcpus := 0
	for _, f := range fds {
		kind := "?"
		switch f.Kind {
		case hvhandle.FdVM:
			kind = "vm"
		case hvhandle.FdVCPU:
			kind = "vcpu"
			vcpus++
		}
		fmt.Printf("fd=%-4d kind=%-4s\n", f.TargetFd, kind)
	}
	fmt.Printf("total: %d vcpu fd(s)\n", vcpus)
	return nil
}

func runCoredump(args []string) error {
	fs := flag.NewFlagSet("coredump", flag.ContinueOnError)
	logFilter := fs.String("l", "", "log filter")
	out := fs.String("o", "", "output path; default <pid>.vmshcore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	initLogging(*logFilter, loadConfig())

	if fs.NArg() != 1 {
		return fmt.Errorf("vmsh: coredump: usage: vmsh coredump <pid>")
	}
	pid, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("vmsh: coredump: invalid pid %q: %w", fs.Arg(0), err)
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("%d.vmshcore", pid)
	}

	return writeCoredump(pid, path)
}

// writeCoredump runs the read-only prefix of Attach itself (Tracer seize,
// Hypervisor Handle open) to get a point-in-time register and memslot
// snapshot, then reverses exactly that prefix — it registers nothing with
// the target, so unlike a failed Attach there is no residue left to tag.
func writeCoredump(pid int, path string) (err error) {
	tr, err := tracer.Attach(pid)
	if err != nil {
		return err
	}
	defer tr.Detach()

	h, err := hvhandle.Open(tr, pid)
	if err != nil {
		return err
	}
	defer h.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create coredump file: %v", vmerr.ErrBackendIO, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(f, "vmsh coredump pid=%d\n", pid)
	fmt.Fprintf(f, "vcpus=%d\n", len(h.Vcpus))
	for i, vh := range h.Vcpus {
		regs, err := inject.GetRegs(directIoctl(vh.FD()))
		if err != nil {
			fmt.Fprintf(f, "vcpu[%d] GetRegs failed: %v\n", i, err)
			continue
		}
		fmt.Fprintf(f, "vcpu[%d] ip=%#x sp=%#x\n", i, regs.IP(), regs.SP())
	}
	for _, slot := range h.Mem.Ranges() {
		fmt.Fprintf(f, "memslot[%d] gpa=%#x size=%#x readonly=%v\n", slot.Index, slot.GuestPhysAddr, slot.Size, slot.ReadOnly)
	}

	return nil
}

// directIoctl mirrors internal/supervisor's unexported helper of the same
// name: issue an ioctl directly against a VMSH-local duplicated fd, no
// Tracer indirection needed since coredump only reads state it already
// owns a handle to.
func directIoctl(fd int) func(req uint64, arg uintptr) error {
	return func(req uint64, arg uintptr) error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
		if errno != 0 {
			return errno
		}
		return nil
	}
}
