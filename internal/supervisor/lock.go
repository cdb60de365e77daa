//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Mic92/vmsh/internal/vmerr"
)

// lockDir is where SessionLock places its advisory lockfiles, resolving the
// §9 Open Question "Maximum number of concurrently attached sessions per
// target" as: exactly one, enforced by flock(2) on a per-pid lockfile under
// /run/vmsh rather than the source's unenforced single-session assumption.
const lockDir = "/run/vmsh"

// SessionLock is the §3 (expansion) SessionLock entity: an advisory
// LOCK_EX|LOCK_NB flock over /run/vmsh/<pid>.lock, held for the lifetime of
// one AttachSession.
type SessionLock struct {
	f *os.File
}

// AcquireSessionLock takes the lock for pid, failing with ErrPermissionDenied
// if another vmsh process already holds it (testable property 4: "Concurrent
// attach attempts on the same PID yield exactly one success").
func AcquireSessionLock(pid int) (*SessionLock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create %s: %w", lockDir, err)
	}
	path := filepath.Join(lockDir, fmt.Sprintf("%d.lock", pid))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: pid %d already has an attached vmsh session", vmerr.ErrPermissionDenied, pid)
		}
		return nil, fmt.Errorf("supervisor: flock %s: %w", path, err)
	}

	return &SessionLock{f: f}, nil
}

// Release drops the lock and removes the lockfile; safe to call once.
func (l *SessionLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	path := l.f.Name()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("supervisor: unlock %s: %w", path, err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("supervisor: close %s: %w", path, err)
	}
	_ = os.Remove(path) // best effort: another waiter may have already reopened it
	l.f = nil
	return nil
}
