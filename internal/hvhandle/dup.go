//go:build linux

package hvhandle

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/tracer"
)

// DupForeignFd obtains a VMSH-local file descriptor referring to the same
// kernel object as targetFd inside the target process (§9 "Duplicated fds
// across processes") using pidfd_getfd(2) — a single syscall, no target
// cooperation beyond PTRACE_MODE_ATTACH permission. It has no SCM_RIGHTS
// fallback: on kernels built without CONFIG_PIDFD or too old to carry
// pidfd_getfd (added in 5.6) it returns an error.
func DupForeignFd(pid int, targetFd int) (int, error) {
	if fd, err := dupViaPidfd(pid, targetFd); err == nil {
		return fd, nil
	}
	return 0, fmt.Errorf("hvhandle: dup foreign fd %d of pid %d: pidfd_getfd unavailable and no SCM_RIGHTS fallback wired for this call site", targetFd, pid)
}

func dupViaPidfd(pid int, targetFd int) (int, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return 0, fmt.Errorf("pidfd_open: %w", err)
	}
	defer unix.Close(pidfd)

	fd, err := unix.PidfdGetfd(pidfd, targetFd, 0)
	if err != nil {
		return 0, fmt.Errorf("pidfd_getfd: %w", err)
	}
	return fd, nil
}

// DupForeignFdSCMRights is the named entry point for the SCM_RIGHTS
// transport of §9 (an AF_UNIX socketpair created in the target via the
// Tracer, with the target fd sent across as ancillary data). It performs no
// transfer: it ignores its arguments and always returns an error, and
// nothing in the default attach path calls it.
func DupForeignFdSCMRights(localConn *net.UnixConn, tr *tracer.Tracer) (int, error) {
	_ = tr
	return 0, fmt.Errorf("hvhandle: SCM_RIGHTS fallback not reachable on kernels supporting pidfd_getfd")
}
