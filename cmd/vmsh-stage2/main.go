//go:build linux

// Command vmsh-stage2 is stage1's handoff target: a small statically
// linked Go binary the guest's own init/rc mechanism execs once the
// VMSH-injected block and console devices are visible to the kernel.
// Getting from "device visible to the kernel" to "this binary running" is
// the guest image's own business; vmsh-stage2's own contract starts here:
// unshare into a private mount namespace, mount the injected block device
// at a private mountpoint, pivot_root into it (falling back to chroot),
// wire its stdio to the injected console device, run the user's command,
// and write the command's exit status to the block device's last sector
// before exiting. The block device doubles as the completion channel
// because guest userspace has no /dev/mem-equivalent way to write a status
// byte to an arbitrary guest-physical address directly.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/inject"
	"github.com/Mic92/vmsh/internal/logsetup"
)

const (
	mountpoint = "/mnt/vmsh"
	oldroot    = "oldroot"

	// statusSectorSize matches internal/virtio/blk.go's blkSectorSize; the
	// two can't share a constant since one is guest-side and one host-side,
	// but both describe the same wire format.
	statusSectorSize = 512
)

func main() {
	os.Exit(run())
}

func run() int {
	logsetup.Init(os.Stderr, logsetup.Filter{Default: slog.LevelInfo})

	argv := os.Args[1:]
	if len(argv) > inject.MaxStage2Args {
		argv = argv[:inject.MaxStage2Args]
	}
	if len(argv) == 0 {
		slog.Error("stage2: no command given")
		return 1
	}

	devicePath := os.Getenv("VMSH_DEVICE_PATH")
	if devicePath == "" {
		slog.Error("stage2: VMSH_DEVICE_PATH not set")
		return 1
	}
	consolePath := os.Getenv("VMSH_CONSOLE_PATH")

	dev, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		slog.Error("stage2: open device", "path", devicePath, "err", err)
		return 1
	}
	defer dev.Close()

	if err := mountAndPivot(devicePath); err != nil {
		slog.Error("stage2: mount/pivot_root", "err", err)
		return 1
	}

	if consolePath != "" {
		if err := wireConsole(consolePath); err != nil {
			slog.Error("stage2: wire console", "err", err)
		}
	}

	status := runCommand(argv)

	if err := writeStatus(dev, status); err != nil {
		slog.Error("stage2: write exit status", "err", err)
	}

	return status
}

// mountAndPivot isolates the current mount namespace, mounts devicePath at
// mountpoint, and pivot_roots into it. Sequencing mirrors the teacher's own
// guest-side init program (internal/initx.BuildContainerInitProgram):
// mkdir mountpoints, mount, chdir, pivot_root with a chroot fallback, chdir
// to the new root, remount the pseudo filesystems, detach the old root.
func mountAndPivot(devicePath string) error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unshare mount namespace: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", mountpoint, err)
	}
	if err := unix.Mount(devicePath, mountpoint, "ext4", 0, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", devicePath, mountpoint, err)
	}

	for _, dir := range []string{"proc", "sys", "dev"} {
		if err := os.MkdirAll(filepath.Join(mountpoint, dir), 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	if err := unix.Chdir(mountpoint); err != nil {
		return fmt.Errorf("chdir %s: %w", mountpoint, err)
	}
	if err := os.Mkdir(oldroot, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %s: %w", oldroot, err)
	}

	pivotErr := unix.PivotRoot(".", oldroot)
	if pivotErr != nil {
		if chrootErr := unix.Chroot("."); chrootErr != nil {
			return fmt.Errorf("pivot_root: %w (chroot fallback: %v)", pivotErr, chrootErr)
		}
		return unix.Chdir("/")
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		slog.Warn("stage2: mount proc", "err", err)
	}
	if err := unix.Mount("sysfs", "/sys", "sysfs", 0, ""); err != nil {
		slog.Warn("stage2: mount sysfs", "err", err)
	}
	if err := unix.Mount("devtmpfs", "/dev", "devtmpfs", 0, ""); err != nil {
		slog.Warn("stage2: mount devtmpfs", "err", err)
	}
	if err := unix.Unmount("/"+oldroot, unix.MNT_DETACH); err != nil {
		slog.Warn("stage2: detach oldroot", "err", err)
	}
	os.Remove("/" + oldroot)

	return nil
}

// wireConsole replaces stdin/stdout/stderr with the injected hvc console so
// the command stage2 execs interacts with the pty the host's `vmsh pts`
// helper opens, rather than whatever fds stage2 itself inherited.
func wireConsole(consolePath string) error {
	f, err := os.OpenFile(consolePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open console %s: %w", consolePath, err)
	}
	defer f.Close()

	fd := int(f.Fd())
	for _, target := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, target); err != nil {
			return fmt.Errorf("dup2 console onto fd %d: %w", target, err)
		}
	}
	return nil
}

func runCommand(argv []string) int {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		slog.Error("stage2: exec", "argv", argv, "err", err)
		return 127
	}
	return 0
}

// writeStatus writes status to the last statusSectorSize-byte sector of
// dev. Guest userspace can't mmap an arbitrary guest-physical address, but
// it can pwrite to a block device it already has mounted, so that device's
// own tail sector doubles as the completion channel.
func writeStatus(dev *os.File, status int) error {
	size, err := dev.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek end: %w", err)
	}
	if size < statusSectorSize {
		return fmt.Errorf("device too small for a status sector: %d bytes", size)
	}

	buf := make([]byte, statusSectorSize)
	buf[0] = clampStatus(status)
	if _, err := dev.WriteAt(buf, size-statusSectorSize); err != nil {
		return fmt.Errorf("write status sector: %w", err)
	}
	return dev.Sync()
}

// clampStatus folds an os/exec exit code (which can be -1 for a
// signal-terminated command) into the single byte the status sector holds.
func clampStatus(status int) byte {
	if status < 0 || status > 255 {
		return 1
	}
	return byte(status)
}
