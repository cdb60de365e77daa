//go:build linux && amd64

package inject

import "encoding/binary"

// buildAllocatorTrampoline assembles the machine code a hijacked vCPU runs
// to allocate the stage1 buffer (§4.5 step 2): call vmalloc(size), pass its
// result to virt_to_phys, and trap so the Injector can read the guest
// physical address back out of rax.
//
//	mov rdi, size
//	mov rax, vmallocAddr
//	call rax
//	mov rdi, rax
//	mov rax, virtToPhysAddr
//	call rax
//	int3
func buildAllocatorTrampoline(vmallocAddr, virtToPhysAddr, size uint64) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, 0x48, 0xc7, 0xc7) // mov edi, imm32 (sign-extended into rdi)
	buf = appendUint32(buf, uint32(size))
	buf = append(buf, 0x48, 0xb8) // mov rax, imm64
	buf = appendUint64(buf, vmallocAddr)
	buf = append(buf, 0xff, 0xd0) // call rax
	buf = append(buf, 0x48, 0x89, 0xc7) // mov rdi, rax
	buf = append(buf, 0x48, 0xb8)       // mov rax, imm64
	buf = appendUint64(buf, virtToPhysAddr)
	buf = append(buf, 0xff, 0xd0) // call rax
	buf = append(buf, 0xcc)       // int3
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
