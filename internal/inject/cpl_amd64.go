//go:build linux && amd64

package inject

import "github.com/Mic92/vmsh/internal/kvmioctl"

// currentPrivilegeLevel reads CS.DPL, the x86_64 definition of CPL.
func currentPrivilegeLevel(s *kvmioctl.KVMSregs) uint8 { return s.CS.DPL }
