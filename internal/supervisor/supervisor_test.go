//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"testing"
)

func TestUndoStackUnwindsLIFO(t *testing.T) {
	var s undoStack
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		s.push(fmt.Sprintf("token %d", i), func() error {
			order = append(order, i)
			return nil
		})
	}

	if err := s.unwind(); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("unwound %d tokens, want %d", len(order), len(want))
	}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("unwind order = %v, want %v", order, want)
		}
	}
	if s.len() != 0 {
		t.Fatalf("expected stack empty after unwind, got %d remaining", s.len())
	}
}

func TestUndoStackContinuesAfterFailure(t *testing.T) {
	var s undoStack
	var attempted []string
	failing := errors.New("boom")

	s.push("first", func() error { attempted = append(attempted, "first"); return nil })
	s.push("second", func() error { attempted = append(attempted, "second"); return failing })
	s.push("third", func() error { attempted = append(attempted, "third"); return nil })

	err := s.unwind()
	if err == nil {
		t.Fatal("expected unwind to report the failed token")
	}
	want := []string{"third", "second", "first"}
	if len(attempted) != len(want) {
		t.Fatalf("attempted %v, want every token tried despite the failure", attempted)
	}
	for i, v := range want {
		if attempted[i] != v {
			t.Fatalf("attempt order = %v, want %v", attempted, want)
		}
	}
}

func TestUndoStackEmptyUnwindIsNoop(t *testing.T) {
	var s undoStack
	if err := s.unwind(); err != nil {
		t.Fatalf("unwind of empty stack: %v", err)
	}
}

func TestSessionLockMutualExclusion(t *testing.T) {
	const pid = 999999 // never a real pid; exercises the lockfile path only

	l1, err := AcquireSessionLock(pid)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release()

	if _, err := AcquireSessionLock(pid); err == nil {
		t.Fatal("expected second acquire on the same pid to fail")
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := AcquireSessionLock(pid)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}
