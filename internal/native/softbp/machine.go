// Package softbp implements native.Machine as a same-process software
// breakpoint patcher: it mprotects the page containing a target address
// writable, overwrites the instruction there with the architecture's trap
// encoding, and remembers enough to undo it — a small, self-contained
// piece of unsafe memory manipulation kept behind a narrow Go API rather
// than spread through the caller.
//
// Patch/Restore are portable across amd64 and arm64; reading and writing a
// thread's actual register state is not something pure Go can do for a
// thread other than the caller's own, so that half of native.Machine is
// delegated to a RegisterBackend supplied by the embedder (machdarwin's
// Kernel satisfies it on darwin; internal/native/stub's NoRegisters
// satisfies it everywhere else).
package softbp

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// trapEncoding returns the breakpoint instruction bytes and the offset from
// the patched address at which execution lands after the trap fires.
func trapEncoding() (bytes []byte, landingOffset uint64, err error) {
	switch runtime.GOARCH {
	case "amd64", "386":
		// INT3. The CPU pushes the return address as addr+1.
		return []byte{0xCC}, 1, nil
	case "arm64":
		// BRK #0. ARM64 exception frames report the faulting PC itself,
		// not PC+4, so there is no landing offset to add.
		return []byte{0x00, 0x00, 0x20, 0xD4}, 0, nil
	default:
		return nil, 0, fmt.Errorf("selfdbg: softbp: unsupported architecture %s", runtime.GOARCH)
	}
}

// RegisterBackend supplies the thread-control and register-access half of
// native.Machine; Patch/Restore need no platform hook beyond memory
// protection, but IP and full-context access require OS-specific support.
type RegisterBackend interface {
	ThreadGetIP(tid native.ThreadID) (native.Address, error)
	ThreadSetIP(tid native.ThreadID, addr native.Address) error
	ThreadSuspend(tid native.ThreadID) error
	ThreadResume(tid native.ThreadID) error
	ThreadGetContext(tid native.ThreadID, regSet int) (map[int]uint64, error)
	ThreadSetContext(tid native.ThreadID, regSet int, values map[int]uint64) error
}

// Machine is the portable native.Machine implementation.
type Machine struct {
	regs RegisterBackend
}

// New returns a Machine that patches pages directly and delegates register
// access to regs.
func New(regs RegisterBackend) *Machine {
	return &Machine{regs: regs}
}

func (m *Machine) BreakpointBytes() int {
	enc, _, err := trapEncoding()
	if err != nil {
		return 0
	}
	return len(enc)
}

// pageBounds returns the page-aligned start and length covering
// [addr, addr+size).
func pageBounds(addr native.Address, size int) (start uintptr, length int) {
	pageSize := uintptr(unix.Getpagesize())
	base := uintptr(addr)
	alignedStart := base &^ (pageSize - 1)
	end := base + uintptr(size)
	alignedEnd := (end + pageSize - 1) &^ (pageSize - 1)
	return alignedStart, int(alignedEnd - alignedStart)
}

func (m *Machine) Patch(address native.Address) (state []byte, landing native.Address, err error) {
	enc, offset, err := trapEncoding()
	if err != nil {
		return nil, 0, err
	}

	mem := unsafe_bytesAt(address, len(enc))
	saved := make([]byte, len(enc))
	copy(saved, mem)

	start, length := pageBounds(address, len(enc))
	page := unsafe_bytesAt(native.Address(start), length)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, 0, fmt.Errorf("selfdbg: softbp: mprotect rwx: %w", err)
	}

	copy(mem, enc)

	return saved, address + native.Address(offset), nil
}

func (m *Machine) Restore(state []byte, address native.Address) error {
	mem := unsafe_bytesAt(address, len(state))
	copy(mem, state)
	return nil
}

func (m *Machine) ThreadGetIP(tid native.ThreadID) (native.Address, error) {
	return m.regs.ThreadGetIP(tid)
}

func (m *Machine) ThreadSetIP(tid native.ThreadID, addr native.Address) error {
	return m.regs.ThreadSetIP(tid, addr)
}

func (m *Machine) ThreadSuspend(tid native.ThreadID) error { return m.regs.ThreadSuspend(tid) }
func (m *Machine) ThreadResume(tid native.ThreadID) error  { return m.regs.ThreadResume(tid) }

func (m *Machine) ThreadGetContext(tid native.ThreadID, regSet int) (map[int]uint64, error) {
	return m.regs.ThreadGetContext(tid, regSet)
}

func (m *Machine) ThreadSetContext(tid native.ThreadID, regSet int, values map[int]uint64) error {
	return m.regs.ThreadSetContext(tid, regSet, values)
}

// ReadMemory copies length bytes starting at addr out of the shared address
// space.
func (m *Machine) ReadMemory(addr native.Address, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	out := make([]byte, length)
	copy(out, unsafe_bytesAt(addr, length))
	return out, nil
}

// WriteMemory copies data into the shared address space starting at addr.
func (m *Machine) WriteMemory(addr native.Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	copy(unsafe_bytesAt(addr, len(data)), data)
	return nil
}

var _ native.Machine = (*Machine)(nil)
