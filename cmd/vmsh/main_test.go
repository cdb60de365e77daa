//go:build linux

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Mic92/vmsh/internal/vmerr"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"fatal", vmerr.ErrFatal, 70},
		{"permission denied", vmerr.ErrPermissionDenied, 77},
		{"target incompatible", vmerr.ErrTargetIncompatible, 78},
		{"invariant violated", vmerr.ErrInvariantViolated, 65},
		{"backend io", vmerr.ErrBackendIO, 74},
		{"remote syscall failed", vmerr.ErrRemoteSyscallFailed, 69},
		{"guest fault", vmerr.ErrGuestFault, 71},
		{"timeout", vmerr.ErrTimeout, 75},
		{"canceled", vmerr.ErrCanceled, 130},
		{"wrapped", fmt.Errorf("attach: %w", vmerr.ErrBackendIO), 74},
		{"unclassified", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSplitAttachArgsPidOnly(t *testing.T) {
	pid, argv, err := splitAttachArgs([]string{"1234"}, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != "1234" {
		t.Errorf("pid = %q, want %q", pid, "1234")
	}
	if len(argv) != 0 {
		t.Errorf("argv = %v, want empty", argv)
	}
}

func TestSplitAttachArgsPidOnlyWithStage1Template(t *testing.T) {
	pid, argv, err := splitAttachArgs([]string{"1234"}, []string{"/bin/sh", "-l"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != "1234" {
		t.Errorf("pid = %q, want %q", pid, "1234")
	}
	want := []string{"/bin/sh", "-l"}
	if len(argv) != len(want) || argv[0] != want[0] || argv[1] != want[1] {
		t.Errorf("argv = %v, want %v", argv, want)
	}
}

func TestSplitAttachArgsPidOnlyNoStage1IgnoresTemplate(t *testing.T) {
	pid, argv, err := splitAttachArgs([]string{"1234"}, []string{"/bin/sh", "-l"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != "1234" {
		t.Errorf("pid = %q, want %q", pid, "1234")
	}
	if len(argv) != 0 {
		t.Errorf("argv = %v, want empty when -stage1 was not requested", argv)
	}
}

func TestSplitAttachArgsWithArgv(t *testing.T) {
	pid, argv, err := splitAttachArgs([]string{"1234", "--", "echo", "hi"}, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != "1234" {
		t.Errorf("pid = %q, want %q", pid, "1234")
	}
	want := []string{"echo", "hi"}
	if len(argv) != len(want) || argv[0] != want[0] || argv[1] != want[1] {
		t.Errorf("argv = %v, want %v", argv, want)
	}
}

func TestSplitAttachArgsTemplatePrefixesArgv(t *testing.T) {
	pid, argv, err := splitAttachArgs([]string{"1234", "--", "echo", "hi"}, []string{"/stage2", "--"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != "1234" {
		t.Errorf("pid = %q, want %q", pid, "1234")
	}
	want := []string{"/stage2", "--", "echo", "hi"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestSplitAttachArgsRejectsMissingDashBeforePid(t *testing.T) {
	if _, _, err := splitAttachArgs([]string{"1234", "5678", "--", "echo"}, nil, false); err == nil {
		t.Error("expected error when -- is not immediately after the pid")
	}
}

func TestSplitAttachArgsRejectsExtraBarePositionals(t *testing.T) {
	if _, _, err := splitAttachArgs([]string{"1234", "5678"}, nil, false); err == nil {
		t.Error("expected error for more than one bare positional with no --")
	}
}

func TestSplitAttachArgsRejectsEmpty(t *testing.T) {
	if _, _, err := splitAttachArgs(nil, nil, false); err == nil {
		t.Error("expected error for no positional arguments")
	}
}
