//go:build linux && arm64

package kvmioctl

func (r *KVMRegs) IP() uint64     { return r.PC }
func (r *KVMRegs) SetIP(v uint64) { r.PC = v }
func (r *KVMRegs) SP() uint64     { return r.StackPtr }
func (r *KVMRegs) SetSP(v uint64) { r.StackPtr = v }

// Result reads x0, where vmalloc/virt_to_phys's return value lands.
func (r *KVMRegs) Result() uint64 { return r.X0 }
