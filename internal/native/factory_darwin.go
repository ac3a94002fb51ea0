//go:build darwin && cgo

package native

import (
	"github.com/ehrlich-b/go-selfdbg/internal/native/machdarwin"
	"github.com/ehrlich-b/go-selfdbg/internal/native/softbp"
)

// BuildKernel returns the real Mach-backed Kernel.
func BuildKernel() Kernel { return machdarwin.NewKernel() }

// noRegisterFallback satisfies softbp.RegisterBackend for the case a
// caller hands BuildMachine a Kernel that did not come from BuildKernel;
// it fails every call rather than panicking on a bad type assertion.
type noRegisterFallback struct{}

func (noRegisterFallback) ThreadGetIP(ThreadID) (Address, error) { return 0, errNoRegisterBackend }
func (noRegisterFallback) ThreadSetIP(ThreadID, Address) error   { return errNoRegisterBackend }
func (noRegisterFallback) ThreadSuspend(ThreadID) error          { return errNoRegisterBackend }
func (noRegisterFallback) ThreadResume(ThreadID) error           { return errNoRegisterBackend }
func (noRegisterFallback) ThreadGetContext(ThreadID, int) (map[int]uint64, error) {
	return nil, errNoRegisterBackend
}
func (noRegisterFallback) ThreadSetContext(ThreadID, int, map[int]uint64) error {
	return errNoRegisterBackend
}

const errNoRegisterBackend ErrUnsupportedPlatform = "selfdbg: Kernel passed to BuildMachine has no register backend"

// BuildMachine returns a software-breakpoint Machine whose register access
// is delegated to the same Mach Kernel instance, so that callers share one
// task/thread view between the two collaborators.
func BuildMachine(k Kernel) Machine {
	darwinKernel, ok := k.(*machdarwin.Kernel)
	if !ok {
		return softbp.New(noRegisterFallback{})
	}
	return softbp.New(darwinKernel)
}
