//go:build linux

package inject

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ResolveKallsyms parses a kallsyms-format symbol table (either the guest's
// own, delivered by the Supervisor out of band, or one embedded alongside
// the configured kernel image — §4.5 step 2 "resolved from its kallsyms
// delivered by the Supervisor or embedded in the kernel image identified by
// config") into a name-to-address map. Lines look like:
//
//	ffffffff81234560 T vmalloc
//	ffffffff81235a00 t vmalloc_node	[module]
//
// Only the symbols the Injector cares about need to be present; callers
// typically pass a filter to avoid holding the full multi-hundred-thousand
// line table in memory.
func ResolveKallsyms(r io.Reader, want map[string]bool) (map[string]uint64, error) {
	out := make(map[string]uint64, len(want))
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		name := fields[2]
		if want != nil && !want[name] {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue // malformed line; kallsyms is append-only text, skip rather than fail the whole scan
		}
		out[name] = addr
		if want != nil && len(out) == len(want) {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("inject: scan kallsyms: %w", err)
	}
	return out, nil
}

// ResolveAllocatorSymbols looks up the two symbols Allocate needs.
func ResolveAllocatorSymbols(r io.Reader) (AllocatorSymbols, error) {
	want := map[string]bool{"vmalloc": true, "virt_to_phys": true}
	syms, err := ResolveKallsyms(r, want)
	if err != nil {
		return AllocatorSymbols{}, err
	}
	vmalloc, ok := syms["vmalloc"]
	if !ok {
		return AllocatorSymbols{}, fmt.Errorf("inject: kallsyms missing vmalloc")
	}
	virtToPhys, ok := syms["virt_to_phys"]
	if !ok {
		return AllocatorSymbols{}, fmt.Errorf("inject: kallsyms missing virt_to_phys")
	}
	return AllocatorSymbols{Vmalloc: vmalloc, VirtToPhys: virtToPhys}, nil
}
