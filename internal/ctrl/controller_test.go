package ctrl

import (
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

type fakeKernel struct {
	mu      sync.Mutex
	nextTid native.ThreadID
	threads []native.ThreadID

	suspended []native.ThreadID
	resumed   []native.ThreadID
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{nextTid: 100, threads: []native.ThreadID{1, 2, 3}}
}

func (k *fakeKernel) TaskSelf() (uintptr, error) { return 1, nil }

func (k *fakeKernel) CurrentThreadID() (native.ThreadID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextTid++
	return k.nextTid, nil
}

func (k *fakeKernel) Threads(task uintptr) ([]native.ThreadID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]native.ThreadID, len(k.threads))
	copy(out, k.threads)
	return out, nil
}

func (k *fakeKernel) SuspendThread(tid native.ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.suspended = append(k.suspended, tid)
	return nil
}

func (k *fakeKernel) ResumeThread(tid native.ThreadID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resumed = append(k.resumed, tid)
	return nil
}

func (k *fakeKernel) AllocateVM(task uintptr, size uint64) (native.Address, error) { return 0, nil }
func (k *fakeKernel) ProtectVM(task uintptr, addr native.Address, size uint64, perms native.Permissions) error {
	return nil
}
func (k *fakeKernel) DeallocateVM(task uintptr, addr native.Address, size uint64) error { return nil }

func (k *fakeKernel) CreateExceptionPort(task uintptr, threads []native.ThreadID) (uintptr, error) {
	return 9, nil
}

func (k *fakeKernel) ReceiveException(port uintptr, timeout time.Duration) (native.Exception, error) {
	return native.Exception{}, nil
}

func (k *fakeKernel) ReplyException(port uintptr, exc native.Exception) error { return nil }

func (k *fakeKernel) SharedLibraryInfoAddress(task uintptr) (native.Address, error) {
	return 0xdead0000, nil
}

func (k *fakeKernel) TerminateThread(tid native.ThreadID) error { return nil }

var _ native.Kernel = (*fakeKernel)(nil)

func newTestController(t *testing.T) (*Controller, *fakeKernel) {
	t.Helper()
	k := newFakeKernel()
	c, err := New(k, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, k
}

func TestInterruptDuringWait(t *testing.T) {
	c, _ := newTestController(t)

	done := make(chan Event, 1)
	go func() {
		ev, err := c.WaitForEvent(nil)
		if err != nil {
			t.Errorf("WaitForEvent: %v", err)
		}
		done <- ev
	}()

	// Give the waiter a moment to actually block before interrupting.
	time.Sleep(20 * time.Millisecond)

	counter := 0
	c.Interrupt(func() { counter++ })

	select {
	case ev := <-done:
		if ev.Kind != EventInterrupted {
			t.Fatalf("event kind = %v, want EventInterrupted", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupt to wake WaitForEvent")
	}
	if counter != 1 {
		t.Fatalf("counter = %d, want 1", counter)
	}
}

func TestDepositAndWaitForEventReturnsException(t *testing.T) {
	c, _ := newTestController(t)

	exc := native.Exception{ThreadID: 55, Kind: native.ExceptionBadAccess}

	done := make(chan Event, 1)
	go func() {
		ev, err := c.WaitForEvent(nil)
		if err != nil {
			t.Errorf("WaitForEvent: %v", err)
		}
		done <- ev
	}()

	time.Sleep(20 * time.Millisecond)
	c.Deposit(exc)

	select {
	case ev := <-done:
		if ev.Kind != EventCaughtException {
			t.Fatalf("event kind = %v, want EventCaughtException", ev.Kind)
		}
		if ev.Exception.ThreadID != exc.ThreadID || ev.Exception.Kind != exc.Kind {
			t.Fatalf("exception = %+v, want %+v", ev.Exception, exc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deposited exception")
	}
}

func TestRunUtilityThreadRegistersAndExcludesFromEnumeration(t *testing.T) {
	c, _ := newTestController(t)

	ran := make(chan struct{})
	err := c.RunUtilityThread(func(i Interrupter) {
		close(ran)
	})
	if err != nil {
		t.Fatalf("RunUtilityThread: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("utility thread function never ran")
	}

	if !c.hasUtilityThread {
		t.Fatal("expected hasUtilityThread to be set")
	}
}

func TestGetThreadsExcludesSelf(t *testing.T) {
	c, k := newTestController(t)
	k.threads = []native.ThreadID{1, 2, 3, c.controllerThreadID}

	threads, err := c.GetThreads()
	if err != nil {
		t.Fatalf("GetThreads: %v", err)
	}
	for _, tid := range threads {
		if tid == c.controllerThreadID {
			t.Fatalf("expected controller thread id %v excluded, got %v", c.controllerThreadID, threads)
		}
	}
}

func TestSuspendAndResumeThreads(t *testing.T) {
	c, k := newTestController(t)

	if err := c.SuspendThreads(); err != nil {
		t.Fatalf("SuspendThreads: %v", err)
	}
	if len(k.suspended) != len(k.threads) {
		t.Fatalf("suspended %d threads, want %d", len(k.suspended), len(k.threads))
	}

	if err := c.ResumeThreads(); err != nil {
		t.Fatalf("ResumeThreads: %v", err)
	}
	if len(k.resumed) != len(k.threads) {
		t.Fatalf("resumed %d threads, want %d", len(k.resumed), len(k.threads))
	}
}

func TestGetSharedLibraryInfoAddress(t *testing.T) {
	c, _ := newTestController(t)
	addr, err := c.GetSharedLibraryInfoAddress()
	if err != nil {
		t.Fatalf("GetSharedLibraryInfoAddress: %v", err)
	}
	if addr != 0xdead0000 {
		t.Fatalf("addr = %#x, want 0xdead0000", addr)
	}
}
