// Package trap implements the MMIO Trap Engine (§4.3): two interchangeable
// backends producing the same MmioEvent stream from guest loads/stores
// against a registered guest-physical range, regardless of whether the
// target's kernel supports ioregionfd.
package trap

import (
	"context"
	"fmt"
)

// Direction classifies which access kinds a registered range wants
// reported; a device only interested in writes (e.g. a write-only command
// register) can avoid the read round-trip entirely.
type Direction uint8

const (
	DirectionRead Direction = 1 << iota
	DirectionWrite
	DirectionBoth = DirectionRead | DirectionWrite
)

// MmioEvent is one trapped guest access, uniform across both backends.
type MmioEvent struct {
	GPA       uint64
	Offset    uint64 // GPA - range.Base
	Len       uint8
	Direction Direction
	Value     uint64 // valid for writes; ignored for reads until Resolve
}

// Range is a registered guest-physical window.
type Range struct {
	Base uint64
	Size uint64
	Mask Direction
}

func (r Range) Contains(gpa uint64, length uint64) bool {
	return gpa >= r.Base && gpa+length <= r.Base+r.Size
}

// Engine is the backend-agnostic contract named in §4.3: register/ack_read/
// unregister, plus an event channel callers range over.
type Engine interface {
	// Register installs r and returns a channel of MmioEvents for accesses
	// inside it. The channel is shared by every range registered with the
	// same Engine; neither Unregister nor Close closes it.
	Register(r Range) (<-chan MmioEvent, error)
	// AckRead completes the outstanding read named by ev (ev.Direction ==
	// DirectionRead) with the satisfied value.
	AckRead(ev MmioEvent, value uint64) error
	// Unregister tears down a previously registered range.
	Unregister(r Range) error
	// Run drives the engine until ctx is canceled; backends that need a
	// dedicated goroutine (ioregionfd's frame reader, wrap_syscall's
	// intercepted-exit loop) start it here.
	Run(ctx context.Context) error
	// Close releases backend resources (ioregionfd pipes, intercept state).
	Close() error
}

// errUnknownRange is returned by AckRead/Unregister for a range never
// registered (or already torn down).
var errUnknownRange = fmt.Errorf("trap: unknown range")
