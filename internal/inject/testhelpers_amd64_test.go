//go:build linux && amd64

package inject

import (
	"unsafe"

	"github.com/Mic92/vmsh/internal/kvmioctl"
)

func ptrFromUintptr(p uintptr) unsafe.Pointer { return unsafe.Pointer(p) }

func setKernelMode(s *kvmioctl.KVMSregs) { s.CS.DPL = 0 }
func setUserMode(s *kvmioctl.KVMSregs)   { s.CS.DPL = 3 }
