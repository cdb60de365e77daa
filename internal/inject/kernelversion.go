//go:build linux

package inject

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// MinGuestKernelVersion is the oldest guest kernel release the Stage1
// trampoline is known to work against: vmalloc/virt_to_phys must both be
// exported kallsyms entries (true since well before this floor) and the
// guest's kernel stack must still live in the direct physical map, which
// scratchOffsetBelowRSP assumes — a guest built with CONFIG_VMAP_STACK
// (the default since 4.9 on some distros, universal by 4.20) can violate
// that assumption on older releases that predate reliable reporting of the
// flag in /proc/config.gz, so VMSH pins a floor instead of probing it.
const MinGuestKernelVersion = "4.19.0"

// CheckGuestKernelVersion rejects a guest kernel release older than
// MinGuestKernelVersion. release is the value reported by the target (its
// `uname -r` string, e.g. "5.15.0-91-generic"); only the leading
// dotted-triple is significant, so a distro suffix never trips version
// parsing.
func CheckGuestKernelVersion(release string) error {
	v := normalizeKernelRelease(release)
	if !semver.IsValid(v) {
		return fmt.Errorf("inject: guest kernel release %q is not a recognizable version", release)
	}
	if semver.Compare(v, normalizeKernelRelease(MinGuestKernelVersion)) < 0 {
		return fmt.Errorf("inject: guest kernel release %q is older than the minimum supported %s", release, MinGuestKernelVersion)
	}
	return nil
}

// normalizeKernelRelease turns a Linux "uname -r" style string into
// something semver.Compare accepts: keep only the leading digits.digits.digits
// run and prefix "v", discarding any "-generic"/"-91-aws" distro suffix
// semver would otherwise choke on.
func normalizeKernelRelease(release string) string {
	release = strings.TrimSpace(release)
	if dash := strings.IndexByte(release, '-'); dash >= 0 {
		release = release[:dash]
	}
	if plus := strings.IndexByte(release, '+'); plus >= 0 {
		release = release[:plus]
	}
	parts := strings.SplitN(release, ".", 3)
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts[:3], ".")
}
