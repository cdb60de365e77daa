package vmerr

import (
	"errors"
	"testing"
)

func TestFatalWraps(t *testing.T) {
	base := errors.New("memslot teardown failed")

	err := Fatal("", base)
	if !errors.Is(err, ErrFatal) {
		t.Error("Fatal result should wrap ErrFatal")
	}
	if !errors.Is(err, base) {
		t.Error("Fatal result should wrap the underlying error")
	}

	withResidue := Fatal("memslot 2", base)
	if !errors.Is(withResidue, ErrFatal) || !errors.Is(withResidue, base) {
		t.Error("Fatal with residue should still wrap both ErrFatal and the underlying error")
	}
	if got := withResidue.Error(); got == err.Error() {
		t.Error("residue should be reflected in the error message")
	}
}

func TestInvariant(t *testing.T) {
	err := Invariant("slot %d overlaps slot %d", 1, 0)
	if !errors.Is(err, ErrInvariantViolated) {
		t.Error("Invariant result should wrap ErrInvariantViolated")
	}
	want := "vmsh: invariant violated: slot 1 overlaps slot 0"
	if err.Error() != want {
		t.Errorf("Invariant().Error() = %q, want %q", err.Error(), want)
	}
}

func TestRemoteSyscallErrorUnwrapsAndFormats(t *testing.T) {
	err := &RemoteSyscallError{Nr: 1, Args: [6]uint64{1, 2}, Errno: 13}
	if !errors.Is(err, ErrRemoteSyscallFailed) {
		t.Error("RemoteSyscallError should unwrap to ErrRemoteSyscallFailed")
	}
	if err.Error() == "" {
		t.Error("Error() should not be empty")
	}
}
