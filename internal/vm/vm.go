// Package vm implements allocation, protection, and deallocation
// bookkeeping for regions carved out of the debugged task's address space.
// It passes the exposed {Read, Write, Execute} permission set through to
// native.Kernel.ProtectVM, whose backend translates it into native
// protection bits, and tracks each live allocation by its base address
// behind a narrow allocate/protect/deallocate API.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// ErrUnknownAllocation is returned by Deallocate when address does not
// match any live allocation's base address.
var ErrUnknownAllocation = errors.New("selfdbg: vm: unknown allocation base")

// Region is a live allocation: its base address and byte size, the data
// required to release it later.
type Region struct {
	Base native.Address
	Size uint64
}

// Manager tracks allocations made in a single task through a Kernel.
type Manager struct {
	kernel native.Kernel
	task   uintptr

	mu        sync.Mutex
	allocated map[native.Address]Region
}

// New returns a Manager that allocates and protects memory in task through
// kernel.
func New(kernel native.Kernel, task uintptr) *Manager {
	return &Manager{
		kernel:    kernel,
		task:      task,
		allocated: make(map[native.Address]Region),
	}
}

// Allocate reserves size bytes anywhere in the task, applies perms, and
// records the resulting region keyed by its base address. If protection
// fails after a successful allocation, the region is deallocated before
// the error is surfaced — compensating deallocation, per the controller's
// propagation policy for this specific failure mode (contrast with
// breakpoint install failure, which leaves relaxed protection in place).
func (m *Manager) Allocate(size uint64, perms native.Permissions) (native.Address, error) {
	base, err := m.kernel.AllocateVM(m.task, size)
	if err != nil {
		return 0, fmt.Errorf("selfdbg: vm: allocate: %w", err)
	}

	if err := m.kernel.ProtectVM(m.task, base, size, perms); err != nil {
		if dErr := m.kernel.DeallocateVM(m.task, base, size); dErr != nil {
			return 0, fmt.Errorf("selfdbg: vm: protect failed (%v) and compensating deallocate also failed: %w", err, dErr)
		}
		return 0, fmt.Errorf("selfdbg: vm: protect: %w", err)
	}

	m.mu.Lock()
	m.allocated[base] = Region{Base: base, Size: size}
	m.mu.Unlock()

	return base, nil
}

// Deallocate releases the region previously returned by Allocate at
// address. It fails with ErrUnknownAllocation if address is not a
// recorded base.
func (m *Manager) Deallocate(address native.Address) error {
	m.mu.Lock()
	region, ok := m.allocated[address]
	if ok {
		delete(m.allocated, address)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownAllocation, address)
	}

	if err := m.kernel.DeallocateVM(m.task, region.Base, region.Size); err != nil {
		return fmt.Errorf("selfdbg: vm: deallocate %#x: %w", address, err)
	}
	return nil
}

// Lookup returns the recorded region for address, if any.
func (m *Manager) Lookup(address native.Address) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.allocated[address]
	return r, ok
}

// Regions returns a snapshot of every currently live allocation.
func (m *Manager) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Region, 0, len(m.allocated))
	for _, r := range m.allocated {
		out = append(out, r)
	}
	return out
}
