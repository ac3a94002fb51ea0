//go:build !darwin || !cgo
// +build !darwin !cgo

// Package stub provides a Kernel implementation that fails every call with
// ErrUnsupportedPlatform: it lets the rest of the module (and its tests)
// compile and exercise the portable logic on any platform, even though
// there is no real Mach task to attach to here.
package stub

import (
	"time"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

const errMsg native.ErrUnsupportedPlatform = "selfdbg: no Kernel backend for this platform/build (need darwin && cgo)"

// Kernel is the stub Kernel backend.
type Kernel struct{}

// NewKernel returns a stub Kernel that fails every operation.
func NewKernel() *Kernel { return &Kernel{} }

func (k *Kernel) TaskSelf() (uintptr, error) { return 0, errMsg }

func (k *Kernel) CurrentThreadID() (native.ThreadID, error) { return 0, errMsg }

func (k *Kernel) Threads(task uintptr) ([]native.ThreadID, error) { return nil, errMsg }

func (k *Kernel) SuspendThread(tid native.ThreadID) error { return errMsg }

func (k *Kernel) ResumeThread(tid native.ThreadID) error { return errMsg }

func (k *Kernel) AllocateVM(task uintptr, size uint64) (native.Address, error) {
	return 0, errMsg
}

func (k *Kernel) ProtectVM(task uintptr, addr native.Address, size uint64, perms native.Permissions) error {
	return errMsg
}

func (k *Kernel) DeallocateVM(task uintptr, addr native.Address, size uint64) error {
	return errMsg
}

func (k *Kernel) CreateExceptionPort(task uintptr, threads []native.ThreadID) (uintptr, error) {
	return 0, errMsg
}

func (k *Kernel) ReceiveException(port uintptr, timeout time.Duration) (native.Exception, error) {
	return native.Exception{}, errMsg
}

func (k *Kernel) ReplyException(port uintptr, exc native.Exception) error { return errMsg }

func (k *Kernel) SharedLibraryInfoAddress(task uintptr) (native.Address, error) {
	return 0, errMsg
}

func (k *Kernel) TerminateThread(tid native.ThreadID) error { return errMsg }

var _ native.Kernel = (*Kernel)(nil)

// NoRegisters is the softbp.RegisterBackend fallback used wherever no
// concrete thread-register backend exists for the current platform; it
// pairs with Kernel to let internal/native/softbp.Machine build and be
// exercised in tests on any platform, patch/restore still working even
// though register access cannot.
type NoRegisters struct{}

func (NoRegisters) ThreadGetIP(tid native.ThreadID) (native.Address, error) { return 0, errMsg }

func (NoRegisters) ThreadSetIP(tid native.ThreadID, addr native.Address) error { return errMsg }

func (NoRegisters) ThreadSuspend(tid native.ThreadID) error { return errMsg }

func (NoRegisters) ThreadResume(tid native.ThreadID) error { return errMsg }

func (NoRegisters) ThreadGetContext(tid native.ThreadID, regSet int) (map[int]uint64, error) {
	return nil, errMsg
}

func (NoRegisters) ThreadSetContext(tid native.ThreadID, regSet int, values map[int]uint64) error {
	return errMsg
}
