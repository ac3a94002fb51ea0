package softbp

import "unsafe"

import "github.com/ehrlich-b/go-selfdbg/internal/native"

// unsafe_bytesAt reinterprets the memory at addr as a byte slice of length
// n: an explicit, narrowly-scoped unsafe cast kept behind a named function
// so every use site reads as "this is the one place that does this,"
// rather than an inline unsafe.Pointer conversion scattered through the
// patch/restore logic.
//
//go:noinline
func unsafe_bytesAt(addr native.Address, n int) []byte {
	if n == 0 {
		return nil
	}
	ptr := unsafe.Pointer(uintptr(addr))
	return unsafe.Slice((*byte)(ptr), n)
}
