//go:build linux && arm64

package inject

import (
	"unsafe"

	"github.com/Mic92/vmsh/internal/kvmioctl"
)

func ptrFromUintptr(p uintptr) unsafe.Pointer { return unsafe.Pointer(p) }

func setKernelMode(s *kvmioctl.KVMSregs) { s.PState = 0x5 }
func setUserMode(s *kvmioctl.KVMSregs)   { s.PState = 0x0 }
