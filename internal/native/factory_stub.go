//go:build !darwin || !cgo

package native

import (
	"github.com/ehrlich-b/go-selfdbg/internal/native/softbp"
	"github.com/ehrlich-b/go-selfdbg/internal/native/stub"
)

// BuildKernel returns the stub Kernel: every call fails with
// ErrUnsupportedPlatform, the fallback used on any build without
// darwin+cgo support.
func BuildKernel() Kernel { return stub.NewKernel() }

// BuildMachine returns a software-breakpoint Machine with no working
// register backend; Patch/Restore still function, since those only need
// page protection, not a concrete Kernel.
func BuildMachine(Kernel) Machine { return softbp.New(stub.NoRegisters{}) }
