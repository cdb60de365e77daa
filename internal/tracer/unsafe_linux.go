//go:build linux

package tracer

import "unsafe"

// ptrOf returns the address of b as an unsafe.Pointer for handoff across the cgo-free
// libc call boundary. Callers must keep the backing array alive (FPRegs is
// stack/heap-allocated by its owner for the duration of the call).
func ptrOf(b *byte) unsafe.Pointer { return unsafe.Pointer(b) }
