//go:build linux

// Package inject implements the Stage1 Injector (§4.5): loading a
// freestanding ELF payload into guest kernel memory and hijacking one
// vCPU's instruction pointer to run it under the guest's own page tables.
package inject

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
)

// Entrypoint is the symbol stage1 must export; the injector resolves its
// address instead of trusting the ELF header entry, since position-
// independent stage1 blobs are linked with a zero e_entry.
const Entrypoint = "_init_vmsh"

// Segment is one PT_LOAD program header's payload, relative to the image's
// load base (always zero for stage1: it is linked to run wherever the
// allocator places it and addresses itself via Entrypoint's offset only).
type Segment struct {
	Offset uint64 // offset from the image's load base
	Data   []byte
	MemSize uint64 // may exceed len(Data); the remainder must be zero-filled
}

// Image is the parsed stage1 payload: the bytes to copy into the guest
// allocation, the allocation's required size, and the entrypoint's offset
// within it.
type Image struct {
	Segments       []Segment
	Size           uint64 // total bytes the guest allocation must hold
	EntrypointOff  uint64
	ArgsBlockOff   uint64 // offset of the VMSH_STAGE1_ARGS block, resolved below
}

// argsSymbol is the static argument block stage1 reads its device_addrs and
// argv from (§6 "static argument block VMSH_STAGE1_ARGS").
const argsSymbol = "VMSH_STAGE1_ARGS"

// Load parses a freestanding ELF64 stage1 blob, grounded on the same
// PT_LOAD-walk the teacher uses to load a kernel image: no relocation is
// attempted (segment addresses are taken as offsets from a load base of
// zero), only the bytes are lifted out and their offsets within the image
// recorded.
func Load(r io.ReaderAt, machine elf.Machine) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("inject: open stage1 ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != machine {
		return nil, fmt.Errorf("inject: stage1 ELF machine %d, want %d", f.Machine, machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("inject: stage1 ELF type %s not executable", f.Type)
	}

	var segments []Segment
	var maxEnd uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("inject: segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) {
			return nil, errors.New("inject: stage1 segment too large for host int")
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("inject: read stage1 segment @%#x: %w", prog.Off, err)
			}
		}
		segments = append(segments, Segment{Offset: prog.Vaddr, Data: data, MemSize: prog.Memsz})
		if end := prog.Vaddr + prog.Memsz; end > maxEnd {
			maxEnd = end
		}
	}
	if len(segments) == 0 {
		return nil, errors.New("inject: stage1 ELF has no loadable segments")
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("inject: read stage1 symbol table: %w", err)
	}

	var entryOff, argsOff uint64
	var haveEntry, haveArgs bool
	for _, s := range syms {
		switch s.Name {
		case Entrypoint:
			entryOff = s.Value
			haveEntry = true
		case argsSymbol:
			argsOff = s.Value
			haveArgs = true
		}
	}
	if !haveEntry {
		return nil, fmt.Errorf("inject: stage1 ELF missing %s symbol", Entrypoint)
	}
	if !haveArgs {
		return nil, fmt.Errorf("inject: stage1 ELF missing %s symbol", argsSymbol)
	}

	return &Image{
		Segments:      segments,
		Size:          maxEnd,
		EntrypointOff: entryOff,
		ArgsBlockOff:  argsOff,
	}, nil
}
