package vm

import (
	"errors"
	"testing"
	"time"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// fakeKernel implements native.Kernel with an in-memory bump allocator;
// only the VM-related methods are exercised here.
type fakeKernel struct {
	next       native.Address
	protectErr error
	live       map[native.Address]uint64
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{next: 0x10000, live: make(map[native.Address]uint64)}
}

func (k *fakeKernel) TaskSelf() (uintptr, error) { return 1, nil }

func (k *fakeKernel) CurrentThreadID() (native.ThreadID, error) { return 99, nil }

func (k *fakeKernel) Threads(task uintptr) ([]native.ThreadID, error) { return nil, nil }

func (k *fakeKernel) SuspendThread(tid native.ThreadID) error { return nil }
func (k *fakeKernel) ResumeThread(tid native.ThreadID) error  { return nil }

func (k *fakeKernel) AllocateVM(task uintptr, size uint64) (native.Address, error) {
	base := k.next
	k.next += native.Address(size)
	k.live[base] = size
	return base, nil
}

func (k *fakeKernel) ProtectVM(task uintptr, addr native.Address, size uint64, perms native.Permissions) error {
	return k.protectErr
}

func (k *fakeKernel) DeallocateVM(task uintptr, addr native.Address, size uint64) error {
	if _, ok := k.live[addr]; !ok {
		return errors.New("not allocated")
	}
	delete(k.live, addr)
	return nil
}

func (k *fakeKernel) CreateExceptionPort(task uintptr, threads []native.ThreadID) (uintptr, error) {
	return 0, nil
}

func (k *fakeKernel) ReceiveException(port uintptr, timeout time.Duration) (native.Exception, error) {
	return native.Exception{}, nil
}

func (k *fakeKernel) ReplyException(port uintptr, exc native.Exception) error { return nil }

func (k *fakeKernel) SharedLibraryInfoAddress(task uintptr) (native.Address, error) { return 0, nil }

func (k *fakeKernel) TerminateThread(tid native.ThreadID) error { return nil }

var _ native.Kernel = (*fakeKernel)(nil)

func TestAllocateAndDeallocate(t *testing.T) {
	k := newFakeKernel()
	m := New(k, 1)

	addr, err := m.Allocate(4096, native.PermRead|native.PermWrite)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, ok := m.Lookup(addr); !ok {
		t.Fatal("expected region recorded after allocate")
	}

	if err := m.Deallocate(addr); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if _, ok := m.Lookup(addr); ok {
		t.Fatal("expected region gone after deallocate")
	}
	if _, stillLive := k.live[addr]; stillLive {
		t.Fatal("expected kernel region released")
	}
}

func TestDeallocateUnknownAddress(t *testing.T) {
	m := New(newFakeKernel(), 1)
	err := m.Deallocate(0xbad)
	if !errors.Is(err, ErrUnknownAllocation) {
		t.Fatalf("expected ErrUnknownAllocation, got %v", err)
	}
}

func TestAllocateCompensatesOnProtectFailure(t *testing.T) {
	k := newFakeKernel()
	k.protectErr = errors.New("protect denied")
	m := New(k, 1)

	_, err := m.Allocate(4096, native.PermExecute)
	if err == nil {
		t.Fatal("expected allocate to fail")
	}
	if len(k.live) != 0 {
		t.Fatalf("expected compensating deallocate to release the region, got %d live", len(k.live))
	}
	if len(m.Regions()) != 0 {
		t.Fatal("expected no recorded region after failed allocate")
	}
}
