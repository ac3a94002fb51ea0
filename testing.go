package selfdbg

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// MockKernel provides an in-memory implementation of native.Kernel for
// testing code that drives a Controller without a real Mach task to
// attach to. It tracks call counts for verification.
type MockKernel struct {
	mu sync.Mutex

	nextThreadID native.ThreadID
	threads      []native.ThreadID
	suspended    map[native.ThreadID]bool
	regions      map[native.Address]uint64
	nextBase     native.Address

	exceptions chan native.Exception
	replies    []native.Exception

	// Call counts, exported for assertions.
	ThreadsCalls    int
	SuspendCalls    int
	ResumeCalls     int
	AllocateCalls   int
	DeallocateCalls int
	ReceiveCalls    int
}

// NewMockKernel creates a mock kernel with the given simulated thread ids
// already present. Each id handed out by CurrentThreadID is added to the
// thread list as well, the way a real caller's own thread shows up in its
// task.
func NewMockKernel(threads ...native.ThreadID) *MockKernel {
	return &MockKernel{
		nextThreadID: 1,
		threads:      append([]native.ThreadID{}, threads...),
		suspended:    make(map[native.ThreadID]bool),
		regions:      make(map[native.Address]uint64),
		nextBase:     0x10000,
		exceptions:   make(chan native.Exception, 1),
	}
}

// Deliver queues an exception for the next ReceiveException call to return.
func (k *MockKernel) Deliver(exc native.Exception) {
	k.exceptions <- exc
}

// Replies returns every exception passed to ReplyException so far.
func (k *MockKernel) Replies() []native.Exception {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]native.Exception{}, k.replies...)
}

func (k *MockKernel) TaskSelf() (uintptr, error) { return 0xdead, nil }

func (k *MockKernel) CurrentThreadID() (native.ThreadID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextThreadID
	k.nextThreadID++
	k.threads = append(k.threads, id)
	return id, nil
}

func (k *MockKernel) Threads(uintptr) ([]native.ThreadID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ThreadsCalls++
	return append([]native.ThreadID{}, k.threads...), nil
}

func (k *MockKernel) SuspendThread(tid native.ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.SuspendCalls++
	k.suspended[tid] = true
	return nil
}

func (k *MockKernel) ResumeThread(tid native.ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ResumeCalls++
	k.suspended[tid] = false
	return nil
}

// IsSuspended reports whether tid was last left suspended.
func (k *MockKernel) IsSuspended(tid native.ThreadID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.suspended[tid]
}

func (k *MockKernel) AllocateVM(_ uintptr, size uint64) (native.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.AllocateCalls++
	base := k.nextBase
	k.nextBase += native.Address(size)
	k.regions[base] = size
	return base, nil
}

func (k *MockKernel) ProtectVM(_ uintptr, addr native.Address, size uint64, _ native.Permissions) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.regions[addr] != size {
		return NewAddressError("protect", addr, ErrCodeInvalidAllocation, "unknown region")
	}
	return nil
}

func (k *MockKernel) DeallocateVM(_ uintptr, addr native.Address, size uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.DeallocateCalls++
	if k.regions[addr] != size {
		return NewAddressError("deallocate", addr, ErrCodeInvalidAllocation, "unknown region")
	}
	delete(k.regions, addr)
	return nil
}

func (k *MockKernel) CreateExceptionPort(uintptr, []native.ThreadID) (uintptr, error) {
	return 0xface, nil
}

func (k *MockKernel) ReceiveException(_ uintptr, timeout time.Duration) (native.Exception, error) {
	k.mu.Lock()
	k.ReceiveCalls++
	k.mu.Unlock()
	select {
	case exc := <-k.exceptions:
		return exc, nil
	case <-time.After(timeout):
		return native.Exception{}, NewError("receive", ErrCodeKernel, "timed out")
	}
}

func (k *MockKernel) ReplyException(_ uintptr, exc native.Exception) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.replies = append(k.replies, exc)
	return nil
}

func (k *MockKernel) SharedLibraryInfoAddress(uintptr) (native.Address, error) {
	return 0x7fff00000000, nil
}

func (k *MockKernel) TerminateThread(native.ThreadID) error { return nil }

// MockMachine provides an in-memory implementation of native.Machine for
// testing the breakpoint engine without touching real process memory.
type MockMachine struct {
	mu sync.Mutex

	memory map[native.Address]byte
	ips    map[native.ThreadID]native.Address

	// FailPatch, when set, makes the next Patch call return this error.
	FailPatch error

	PatchCalls   int
	RestoreCalls int
}

// NewMockMachine creates an empty mock machine.
func NewMockMachine() *MockMachine {
	return &MockMachine{
		memory: make(map[native.Address]byte),
		ips:    make(map[native.ThreadID]native.Address),
	}
}

// SetIP seeds tid's current instruction pointer for a test scenario.
func (m *MockMachine) SetIP(tid native.ThreadID, addr native.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ips[tid] = addr
}

func (m *MockMachine) BreakpointBytes() int { return 1 }

func (m *MockMachine) Patch(address native.Address) ([]byte, native.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PatchCalls++
	if m.FailPatch != nil {
		err := m.FailPatch
		m.FailPatch = nil
		return nil, 0, err
	}
	original := m.memory[address]
	m.memory[address] = 0xCC
	return []byte{original}, address + 1, nil
}

func (m *MockMachine) Restore(state []byte, address native.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreCalls++
	if len(state) != 1 {
		return NewAddressError("restore", address, ErrCodeInvalidBreakpoint, "bad state length")
	}
	m.memory[address] = state[0]
	return nil
}

func (m *MockMachine) ThreadGetIP(tid native.ThreadID) (native.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ips[tid], nil
}

func (m *MockMachine) ThreadSetIP(tid native.ThreadID, addr native.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ips[tid] = addr
	return nil
}

func (m *MockMachine) ThreadSuspend(native.ThreadID) error { return nil }
func (m *MockMachine) ThreadResume(native.ThreadID) error  { return nil }

func (m *MockMachine) ThreadGetContext(native.ThreadID, int) (map[int]uint64, error) {
	return map[int]uint64{}, nil
}

func (m *MockMachine) ThreadSetContext(native.ThreadID, int, map[int]uint64) error {
	return nil
}

func (m *MockMachine) ReadMemory(addr native.Address, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = m.memory[addr+native.Address(i)]
	}
	return out, nil
}

func (m *MockMachine) WriteMemory(addr native.Address, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.memory[addr+native.Address(i)] = b
	}
	return nil
}

var (
	_ native.Kernel  = (*MockKernel)(nil)
	_ native.Machine = (*MockMachine)(nil)
)
