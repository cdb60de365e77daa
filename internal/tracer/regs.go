//go:build linux

package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Registers is the canonical, architecture-neutral register snapshot used
// by GetRegs/SetRegs (§4.1) and by RemoteSyscall when it redirects a
// thread's instruction pointer to the syscall stub.
type Registers struct {
	raw unix.PtraceRegs
}

// GetRegs reads the canonical register file for tid.
func (t *Tracer) GetRegs(tid int) (*Registers, error) {
	if err := t.checkClean(tid); err != nil {
		return nil, err
	}
	var r Registers
	if err := unix.PtraceGetRegs(tid, &r.raw); err != nil {
		return nil, fmt.Errorf("tracer: getregs tid %d: %w", tid, err)
	}
	return &r, nil
}

// SetRegs restores a previously captured register file into tid.
func (t *Tracer) SetRegs(tid int, r *Registers) error {
	if err := t.checkClean(tid); err != nil {
		return err
	}
	if err := unix.PtraceSetRegs(tid, &r.raw); err != nil {
		return fmt.Errorf("tracer: setregs tid %d: %w", tid, err)
	}
	return nil
}

// Clone returns a copy that SetRegs-ing elsewhere won't mutate in place.
func (r *Registers) Clone() *Registers {
	c := *r
	return &c
}
