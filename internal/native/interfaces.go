// Package native declares the two external-collaborator interfaces the
// rest of the controller consumes: the Machine layer (software breakpoint
// patching and per-thread register/run-state access) and the Kernel layer
// (task handle, thread enumeration, VM operations, and the exception port).
//
// Concrete implementations live in sibling packages selected by build tag
// and wired together by BuildKernel/BuildMachine: internal/native/softbp
// is a portable, pure-Go Machine; internal/native/machdarwin is a
// cgo-backed Kernel over real Mach primitives; internal/native/stub is
// the fallback used everywhere that concrete backend cannot build.
package native

import "time"

// ThreadID is a kernel-assigned thread identifier.
type ThreadID uint64

// Address is an address in the debugged task's address space. It is a
// distinct numeric type rather than a native pointer, since these values
// name memory in a task that may not even be addressable the same way from
// the controller's own stack.
type Address uint64

// Permissions is a bitset of page protections requested for an allocation.
type Permissions uint8

const (
	PermRead Permissions = 1 << iota
	PermWrite
	PermExecute
)

// Has reports whether p includes all bits of other.
func (p Permissions) Has(other Permissions) bool { return p&other == other }

// ExceptionKind classifies a caught exception. The concrete numeric values
// are assigned by the Kernel backend translating a native exception type;
// callers should not assume they match any particular platform's raw
// EXC_* constants.
type ExceptionKind int

const (
	ExceptionUnknown ExceptionKind = iota
	ExceptionBreakpoint
	ExceptionSingleStep
	ExceptionBadAccess
	ExceptionArithmetic
)

// Exception is a caught debug exception, as delivered by the Kernel's
// blocking receive and decoded by the exception server.
type Exception struct {
	ThreadID ThreadID
	Kind     ExceptionKind
	Data     []uint64
}

// Machine is the machine-specific collaborator: it knows how to patch and
// restore a software breakpoint's trap instruction, and how to read/write
// a single thread's run state. Implementations are architecture-specific,
// so the breakpoint engine and controller core never embed architecture
// knowledge themselves.
type Machine interface {
	// BreakpointBytes is the number of bytes the patch instruction occupies.
	BreakpointBytes() int

	// Patch writes the trap encoding at address and returns an opaque
	// snapshot sufficient to undo it, plus the instruction-pointer value
	// that will be observed at the resulting exception (the landing
	// address).
	Patch(address Address) (state []byte, landing Address, err error)

	// Restore undoes a previous Patch, writing state back at address.
	Restore(state []byte, address Address) error

	ThreadGetIP(tid ThreadID) (Address, error)
	ThreadSetIP(tid ThreadID, addr Address) error
	ThreadSuspend(tid ThreadID) error
	ThreadResume(tid ThreadID) error

	// ThreadGetContext / ThreadSetContext read and write a thread's full
	// register context, keyed by an opaque register-set id.
	ThreadGetContext(tid ThreadID, regSet int) (map[int]uint64, error)
	ThreadSetContext(tid ThreadID, regSet int, values map[int]uint64) error

	// ReadMemory / WriteMemory access the debugged task's address space
	// directly. Since controller and debuggee share one address space,
	// this is a same-process memory copy rather than a remote peek/poke.
	ReadMemory(addr Address, length int) ([]byte, error)
	WriteMemory(addr Address, data []byte) error
}

// Kernel is the task/thread/VM/exception-port collaborator. Its methods
// map directly onto the mach_* and POSIX-thread primitives a self-
// debugging controller consumes.
type Kernel interface {
	// TaskSelf returns an opaque handle for the current process's task.
	TaskSelf() (uintptr, error)

	// CurrentThreadID returns the kernel thread id of the calling
	// goroutine's underlying OS thread. Callers that need this to be
	// meaningful must have pinned the goroutine with runtime.LockOSThread
	// first (the exception server and utility-thread workers both do).
	CurrentThreadID() (ThreadID, error)

	// Threads returns the kernel thread ids of every thread currently in
	// the task. The result is a snapshot; it is not guaranteed to remain
	// valid across a subsequent resume.
	Threads(task uintptr) ([]ThreadID, error)

	SuspendThread(tid ThreadID) error
	ResumeThread(tid ThreadID) error

	// AllocateVM allocates size bytes anywhere in the task and returns
	// the base address the kernel chose.
	AllocateVM(task uintptr, size uint64) (Address, error)
	ProtectVM(task uintptr, addr Address, size uint64, perms Permissions) error
	DeallocateVM(task uintptr, addr Address, size uint64) error

	// CreateExceptionPort creates a receive-rights port on task and binds
	// it as the exception-handler port for every thread in threads,
	// covering breakpoint/trap exceptions.
	CreateExceptionPort(task uintptr, threads []ThreadID) (port uintptr, err error)

	// ReceiveException blocks until an exception message arrives on port
	// or the deadline elapses, and decodes it.
	ReceiveException(port uintptr, timeout time.Duration) (Exception, error)

	// ReplyException tells the kernel the given exception was handled.
	ReplyException(port uintptr, exc Exception) error

	// SharedLibraryInfoAddress returns task_info(TASK_DYLD_INFO)'s
	// all_image_info_addr for task.
	SharedLibraryInfoAddress(task uintptr) (Address, error)

	// TerminateThread forcibly terminates tid. Used only as a last-resort
	// teardown path; cooperative shutdown is preferred.
	TerminateThread(tid ThreadID) error
}

// ErrUnsupportedPlatform is returned by stub backends for every operation;
// it indicates the module was built without a concrete Kernel/Machine for
// the current platform.
type ErrUnsupportedPlatform string

func (e ErrUnsupportedPlatform) Error() string { return string(e) }
