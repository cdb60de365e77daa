//go:build linux

package tracer

import (
	"os"
	"testing"
)

func TestFindExecPageSelf(t *testing.T) {
	addr, err := findExecPage(os.Getpid())
	if err != nil {
		t.Fatalf("findExecPage: %v", err)
	}
	if addr == 0 {
		t.Fatal("findExecPage returned zero address")
	}
}

func TestStubBytesNonEmpty(t *testing.T) {
	if len(stubBytes) == 0 {
		t.Fatal("stubBytes must contain at least one instruction")
	}
}
