//go:build linux

package tracer

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// x/sys/unix wraps PTRACE_GETREGS/SETREGS for the general-purpose register
// file but has no portable wrapper for PTRACE_GETFPREGS: the request
// number and struct layout vary enough across architectures that the
// x/sys/unix authors left it out. glibc's ptrace(2) is itself a thin,
// variadic wrapper over the same syscall, so we resolve it once via
// purego instead of hand-rolling a second raw-syscall path per arch.
var (
	libcOnce    sync.Once
	libcPtrace  func(request int, pid int, addr uintptr, data uintptr) uintptr
	libcLoadErr error
)

const (
	ptraceGetFPRegs = 14
	ptraceSetFPRegs = 15
)

func loadLibcPtrace() {
	handle, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		libcLoadErr = fmt.Errorf("tracer: dlopen libc: %w", err)
		return
	}
	purego.RegisterLibFunc(&libcPtrace, handle, "ptrace")
}

// FPRegs is an opaque snapshot of the floating-point/SSE register file
// (struct user_fpregs_struct on x86_64, unused stub on other arches where
// the guest-kernel trampoline never touches vector state).
type FPRegs struct {
	bytes [512]byte
}

// GetFPRegs reads the floating-point register file for tid, complementing
// GetRegs, which covers only the general-purpose registers.
func (t *Tracer) GetFPRegs(tid int) (*FPRegs, error) {
	if err := t.checkClean(tid); err != nil {
		return nil, err
	}
	libcOnce.Do(loadLibcPtrace)
	if libcLoadErr != nil {
		return nil, libcLoadErr
	}
	var fp FPRegs
	ret := libcPtrace(ptraceGetFPRegs, tid, 0, uintptr(ptrOf(&fp.bytes[0])))
	if int64(ret) == -1 {
		return nil, fmt.Errorf("tracer: PTRACE_GETFPREGS tid %d failed", tid)
	}
	return &fp, nil
}

// SetFPRegs restores a previously captured floating-point register file.
func (t *Tracer) SetFPRegs(tid int, fp *FPRegs) error {
	if err := t.checkClean(tid); err != nil {
		return err
	}
	libcOnce.Do(loadLibcPtrace)
	if libcLoadErr != nil {
		return libcLoadErr
	}
	ret := libcPtrace(ptraceSetFPRegs, tid, 0, uintptr(ptrOf(&fp.bytes[0])))
	if int64(ret) == -1 {
		return fmt.Errorf("tracer: PTRACE_SETFPREGS tid %d failed", tid)
	}
	return nil
}
