//go:build linux && arm64

package inject

import "encoding/binary"

// buildAllocatorTrampoline assembles the AArch64 equivalent of the amd64
// allocator trampoline: load size into x0, call vmalloc via x9, move the
// result back into x0, call virt_to_phys, then trap on brk #0.
func buildAllocatorTrampoline(vmallocAddr, virtToPhysAddr, size uint64) []byte {
	var buf []byte
	buf = appendLoad64(buf, 0, size)
	buf = appendLoad64(buf, 9, vmallocAddr)
	buf = appendInsn(buf, 0xd63f0120) // blr x9
	buf = appendLoad64(buf, 9, virtToPhysAddr)
	buf = appendInsn(buf, 0xd63f0120) // blr x9
	buf = appendInsn(buf, 0xd4200000) // brk #0
	return buf
}

func appendInsn(buf []byte, insn uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], insn)
	return append(buf, tmp[:]...)
}

// appendLoad64 emits a movz/movk/movk/movk sequence loading a full 64-bit
// immediate into register xd, the standard AArch64 idiom for materializing
// an arbitrary constant (kernel symbol addresses are not PC-relative-close
// enough for adr/adrp here).
func appendLoad64(buf []byte, xd uint8, v uint64) []byte {
	movz := uint32(0xd2800000) | uint32(xd) | (uint32(v&0xffff) << 5)
	buf = appendInsn(buf, movz)
	for shift := uint(16); shift < 64; shift += 16 {
		imm := uint32((v >> shift) & 0xffff)
		hw := uint32(shift / 16)
		movk := uint32(0xf2800000) | uint32(xd) | (imm << 5) | (hw << 21)
		buf = appendInsn(buf, movk)
	}
	return buf
}
