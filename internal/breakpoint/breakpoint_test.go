package breakpoint

import (
	"errors"
	"testing"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// fakeMachine is a minimal in-memory native.Machine stand-in: Patch/Restore
// track a byte at each address rather than touching real memory, and
// thread IP is just a map keyed by ThreadID.
type fakeMachine struct {
	memory map[native.Address]byte
	ips    map[native.ThreadID]native.Address

	failPatch bool
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{
		memory: make(map[native.Address]byte),
		ips:    make(map[native.ThreadID]native.Address),
	}
}

func (f *fakeMachine) BreakpointBytes() int { return 1 }

func (f *fakeMachine) Patch(address native.Address) ([]byte, native.Address, error) {
	if f.failPatch {
		return nil, 0, errors.New("patch failed")
	}
	original := f.memory[address]
	f.memory[address] = 0xCC
	return []byte{original}, address + 1, nil
}

func (f *fakeMachine) Restore(state []byte, address native.Address) error {
	f.memory[address] = state[0]
	return nil
}

func (f *fakeMachine) ThreadGetIP(tid native.ThreadID) (native.Address, error) {
	return f.ips[tid], nil
}

func (f *fakeMachine) ThreadSetIP(tid native.ThreadID, addr native.Address) error {
	f.ips[tid] = addr
	return nil
}

func (f *fakeMachine) ThreadSuspend(tid native.ThreadID) error { return nil }
func (f *fakeMachine) ThreadResume(tid native.ThreadID) error  { return nil }

func (f *fakeMachine) ThreadGetContext(tid native.ThreadID, regSet int) (map[int]uint64, error) {
	return nil, nil
}

func (f *fakeMachine) ThreadSetContext(tid native.ThreadID, regSet int, values map[int]uint64) error {
	return nil
}

func (f *fakeMachine) ReadMemory(addr native.Address, length int) ([]byte, error) {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = f.memory[addr+native.Address(i)]
	}
	return out, nil
}

func (f *fakeMachine) WriteMemory(addr native.Address, data []byte) error {
	for i, b := range data {
		f.memory[addr+native.Address(i)] = b
	}
	return nil
}

var _ native.Machine = (*fakeMachine)(nil)

func TestRefCountedInstallAndRemove(t *testing.T) {
	m := newFakeMachine()
	m.memory[0x1000] = 0x90

	e := New(m)

	if err := e.Install(0x1000); err != nil {
		t.Fatalf("first install: %v", err)
	}
	if err := e.Install(0x1000); err != nil {
		t.Fatalf("second install: %v", err)
	}
	if m.memory[0x1000] != 0xCC {
		t.Fatalf("expected patched byte 0xCC, got %#x", m.memory[0x1000])
	}

	if err := e.Remove(0x1000); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if m.memory[0x1000] != 0xCC {
		t.Fatalf("expected byte still patched after one remove, got %#x", m.memory[0x1000])
	}
	if !e.InstalledAt(0x1000) {
		t.Fatal("expected breakpoint still installed after one remove")
	}

	if err := e.Remove(0x1000); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if m.memory[0x1000] != 0x90 {
		t.Fatalf("expected original byte restored, got %#x", m.memory[0x1000])
	}
	if e.InstalledAt(0x1000) {
		t.Fatal("expected breakpoint removed")
	}
}

func TestRemoveUnknownAddress(t *testing.T) {
	e := New(newFakeMachine())
	err := e.Remove(0xdead)
	if !errors.Is(err, ErrUnknownBreakpoint) {
		t.Fatalf("expected ErrUnknownBreakpoint, got %v", err)
	}
}

func TestRewindOnLandingAddress(t *testing.T) {
	m := newFakeMachine()
	e := New(m)

	if err := e.Install(0x2000); err != nil {
		t.Fatalf("install: %v", err)
	}

	const tid native.ThreadID = 7
	m.ips[tid] = 0x2001 // landing address for a 1-byte patch at 0x2000

	rewound, err := e.RewindIfLanding(tid)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if !rewound {
		t.Fatal("expected rewind to report true")
	}
	if m.ips[tid] != 0x2000 {
		t.Fatalf("expected ip rewound to 0x2000, got %#x", m.ips[tid])
	}
}

func TestNoRewindOnUnrelatedIP(t *testing.T) {
	m := newFakeMachine()
	e := New(m)

	if err := e.Install(0x2000); err != nil {
		t.Fatalf("install: %v", err)
	}

	const tid native.ThreadID = 7
	m.ips[tid] = 0x3333

	rewound, err := e.RewindIfLanding(tid)
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if rewound {
		t.Fatal("expected rewind to report false for unrelated ip")
	}
	if m.ips[tid] != 0x3333 {
		t.Fatalf("expected ip unchanged, got %#x", m.ips[tid])
	}
}

func TestInstallFailureLeavesNoRecord(t *testing.T) {
	m := newFakeMachine()
	m.failPatch = true
	e := New(m)

	if err := e.Install(0x4000); err == nil {
		t.Fatal("expected install failure")
	}
	if e.InstalledAt(0x4000) {
		t.Fatal("expected no record after failed install")
	}
}
