// Package breakpoint implements software breakpoint installation, removal,
// and landing-address bookkeeping on top of a native.Machine. It owns the
// two address indexes described by the controller's data model and keeps
// them consistent as one invariant: shared state, touched only under a
// lock that callers never see directly.
package breakpoint

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// ErrUnknownBreakpoint is returned by Remove when the given address has no
// installed breakpoint.
var ErrUnknownBreakpoint = errors.New("selfdbg: breakpoint: unknown address")

// record is the per-address bookkeeping entry. It exists in the by_address
// map iff Counter > 0.
type record struct {
	MachineState   []byte
	LandingAddress native.Address
	Counter        int
}

// Engine tracks installed software breakpoints for a single Machine.
// Every exported method is safe to call concurrently; the two maps are
// only ever mutated while mu is held.
type Engine struct {
	machine native.Machine

	mu        sync.Mutex
	byAddress map[native.Address]*record
	byLanding map[native.Address]native.Address
}

// New returns a breakpoint Engine patching through machine.
func New(machine native.Machine) *Engine {
	return &Engine{
		machine:   machine,
		byAddress: make(map[native.Address]*record),
		byLanding: make(map[native.Address]native.Address),
	}
}

// Install places or ref-counts a software breakpoint at address. The first
// install at a given address performs the actual instruction patch;
// subsequent installs just bump the reference count.
func (e *Engine) Install(address native.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.byAddress[address]; ok {
		rec.Counter++
		return nil
	}

	state, landing, err := e.machine.Patch(address)
	if err != nil {
		// Per the controller's propagation policy, a failed patch after
		// any protection widening the Machine performed does not attempt
		// to undo that widening here; the page is left as the Machine
		// left it.
		return fmt.Errorf("selfdbg: breakpoint: install %#x: %w", address, err)
	}

	rec := &record{MachineState: state, LandingAddress: landing, Counter: 1}
	e.byAddress[address] = rec
	e.byLanding[landing] = address
	return nil
}

// Remove decrements the reference count at address, restoring the original
// instruction bytes and dropping both index entries once the count reaches
// zero. It fails with ErrUnknownBreakpoint if address has no installed
// breakpoint.
func (e *Engine) Remove(address native.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.byAddress[address]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownBreakpoint, address)
	}

	rec.Counter--
	if rec.Counter >= 1 {
		return nil
	}

	if err := e.machine.Restore(rec.MachineState, address); err != nil {
		// The trap is still in place, so the record stays with its count.
		rec.Counter++
		return fmt.Errorf("selfdbg: breakpoint: restore %#x: %w", address, err)
	}

	delete(e.byAddress, address)
	if got, ok := e.byLanding[rec.LandingAddress]; !ok || got != address {
		// The two indexes have desynchronized, which should be impossible
		// given every mutation goes through this type.
		panic(fmt.Sprintf("selfdbg: breakpoint: by_landing[%#x] = %#x, want %#x", rec.LandingAddress, got, address))
	}
	delete(e.byLanding, rec.LandingAddress)
	return nil
}

// InstalledAt reports whether address currently carries an installed
// breakpoint (counter >= 1).
func (e *Engine) InstalledAt(address native.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byAddress[address]
	return ok
}

// Count returns the current reference count at address, or 0 if absent.
func (e *Engine) Count(address native.Address) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.byAddress[address]; ok {
		return rec.Counter
	}
	return 0
}

// originalAddress returns the breakpoint address whose landing value is
// landing, and whether one exists.
func (e *Engine) originalAddress(landing native.Address) (native.Address, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr, ok := e.byLanding[landing]
	return addr, ok
}

// RewindIfLanding inspects tid's current instruction pointer; if it equals
// a known landing address, it rewinds the thread's IP back to the original
// breakpoint address and returns true. If the IP does not match any
// landing address, the thread is left untouched and false is returned —
// this is the only place the by_landing index is consulted outside
// Install/Remove.
func (e *Engine) RewindIfLanding(tid native.ThreadID) (bool, error) {
	ip, err := e.machine.ThreadGetIP(tid)
	if err != nil {
		return false, fmt.Errorf("selfdbg: breakpoint: get ip: %w", err)
	}

	original, ok := e.originalAddress(ip)
	if !ok {
		return false, nil
	}

	if err := e.machine.ThreadSetIP(tid, original); err != nil {
		return false, fmt.Errorf("selfdbg: breakpoint: rewind ip: %w", err)
	}
	return true, nil
}
