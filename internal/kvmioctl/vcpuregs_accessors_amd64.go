//go:build linux && amd64

package kvmioctl

// IP, SetIP, SP, SetSP, and Result give the Stage1 Injector an
// architecture-neutral way to patch a vCPU's instruction pointer and stack
// pointer and read back a call's return value, mirroring the same
// abstraction the tracer package's Registers type gives ptrace callers.

func (r *KVMRegs) IP() uint64     { return r.RIP }
func (r *KVMRegs) SetIP(v uint64) { r.RIP = v }
func (r *KVMRegs) SP() uint64     { return r.RSP }
func (r *KVMRegs) SetSP(v uint64) { r.RSP = v }

// Result reads rax, where vmalloc/virt_to_phys's return value lands.
func (r *KVMRegs) Result() uint64 { return r.RAX }
