//go:build linux

package inject

import (
	"encoding/binary"
	"fmt"
)

// Args is the host-side value the Injector encodes into a guest's
// VMSH_STAGE1_ARGS block (§6): the guest-physical base of each configured
// virtio-MMIO device, plus stage2's argv.
type Args struct {
	DeviceAddrs [MaxDevices]uint64
	Argv        []string
}

// argsBlockSize is sizeof(struct vmsh_stage1_args): device_addrs[3] +
// argv_count + argv[256] guest pointers, all 8-byte fields.
const argsBlockSize = MaxDevices*8 + 8 + MaxStage2Args*8

// Encode writes a. at argsBase (the location the linked stage1 image
// expects, per Image.ArgsBlockOff) and the argv strings themselves
// starting at stringsBase, which the caller must reserve at least
// a.stringsSize() bytes for immediately after argsBase+argsBlockSize.
func (a Args) Encode(mem GuestWriter, argsBase, stringsBase uint64) error {
	if len(a.Argv) > MaxStage2Args {
		return fmt.Errorf("inject: argv has %d entries, exceeds MAX_STAGE2_ARGS=%d", len(a.Argv), MaxStage2Args)
	}

	block := make([]byte, argsBlockSize)
	for i, addr := range a.DeviceAddrs {
		binary.LittleEndian.PutUint64(block[i*8:], addr)
	}
	binary.LittleEndian.PutUint64(block[MaxDevices*8:], uint64(len(a.Argv)))

	argvOff := MaxDevices*8 + 8
	strings := make([]byte, 0, a.stringsSize())
	cursor := stringsBase
	for i, s := range a.Argv {
		ptr := cursor
		binary.LittleEndian.PutUint64(block[argvOff+i*8:], ptr)
		strings = append(strings, s...)
		strings = append(strings, 0)
		cursor += uint64(len(s)) + 1
	}

	if _, err := mem.WriteAt(block, int64(argsBase)); err != nil {
		return fmt.Errorf("inject: write VMSH_STAGE1_ARGS: %w", err)
	}
	if len(strings) > 0 {
		if _, err := mem.WriteAt(strings, int64(stringsBase)); err != nil {
			return fmt.Errorf("inject: write stage2 argv strings: %w", err)
		}
	}
	return nil
}

// stringsSize reports how many bytes argv's NUL-terminated strings occupy.
func (a Args) stringsSize() int {
	n := 0
	for _, s := range a.Argv {
		n += len(s) + 1
	}
	return n
}
