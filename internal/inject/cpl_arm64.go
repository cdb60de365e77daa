//go:build linux && arm64

package inject

import "github.com/Mic92/vmsh/internal/kvmioctl"

// currentPrivilegeLevel maps AArch64's exception level onto the same
// CPL=0-means-kernel convention the amd64 build uses.
func currentPrivilegeLevel(s *kvmioctl.KVMSregs) uint8 { return s.CPL() }
