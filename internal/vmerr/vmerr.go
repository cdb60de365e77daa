// Package vmerr defines the error taxonomy shared by every VMSH component.
//
// Each sentinel corresponds to one category in the error-handling design:
// callers classify failures with errors.Is against these values instead of
// inspecting error strings, and session-ending failures are distinguished
// from per-request failures by which sentinel wraps them.
package vmerr

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means ptrace or memfd access was refused by the kernel.
	ErrPermissionDenied = errors.New("vmsh: permission denied")
	// ErrTargetIncompatible means the target lacks a required KVM capability.
	ErrTargetIncompatible = errors.New("vmsh: target incompatible")
	// ErrInvariantViolated means a data-model invariant was broken (descriptor
	// out of memslot, illegal virtio state transition, descriptor cycle).
	ErrInvariantViolated = errors.New("vmsh: invariant violated")
	// ErrBackendIO means a backing file or pty I/O operation failed.
	ErrBackendIO = errors.New("vmsh: backend i/o error")
	// ErrRemoteSyscallFailed means a syscall executed in the target returned an errno.
	ErrRemoteSyscallFailed = errors.New("vmsh: remote syscall failed")
	// ErrGuestFault means injected guest code reported an error via its status byte.
	ErrGuestFault = errors.New("vmsh: guest fault")
	// ErrTimeout means a bounded wait elapsed.
	ErrTimeout = errors.New("vmsh: timeout")
	// ErrCanceled means the operation was aborted by a shutdown request.
	ErrCanceled = errors.New("vmsh: canceled")
	// ErrFatal means target-state restoration is incomplete; the process must
	// exit without attempting further detach steps.
	ErrFatal = errors.New("vmsh: fatal: target state not fully restored")
)

// RemoteSyscallError wraps ErrRemoteSyscallFailed with the syscall number,
// argument vector, and kernel-reported errno, so callers can log or retry
// on specific errno values without string matching.
type RemoteSyscallError struct {
	Nr   int64
	Args [6]uint64
	Errno int
}

func (e *RemoteSyscallError) Error() string {
	return fmt.Sprintf("remote syscall %d(%v) failed: errno %d", e.Nr, e.Args, e.Errno)
}

func (e *RemoteSyscallError) Unwrap() error { return ErrRemoteSyscallFailed }

// Fatal wraps err with ErrFatal, recording that the target may be left with
// residue (an extra memslot, irqfd, ioregion registration, or injected page).
func Fatal(residue string, err error) error {
	if residue == "" {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return fmt.Errorf("%w: residue=%q: %w", ErrFatal, residue, err)
}

// Invariant formats an ErrInvariantViolated with context.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolated, fmt.Sprintf(format, args...))
}
