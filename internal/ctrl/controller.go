// Package ctrl implements the controller core: the single mutex/condvar
// pair guarding the caught-exception slot and interrupt flag, the
// wait_for_event/interrupt/run_utility_thread operations built on top of
// it, and thread enumeration with self-exclusion. It owns the kernel
// handle and drives every other subsystem: Mach task and exception-port
// operations against the host process.
package ctrl

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ehrlich-b/go-selfdbg/internal/logging"
	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// EventKind classifies the result of a WaitForEvent call.
type EventKind int

const (
	EventCaughtException EventKind = iota
	EventInterrupted
)

// Event is what WaitForEvent returns: either a caught exception or a bare
// notification that an interrupt was processed.
type Event struct {
	Kind      EventKind
	Exception native.Exception
}

// InterruptHandler is invoked by WaitForEvent while still holding the
// controller's mutex, when an event turns out to be a plain interrupt
// rather than a caught exception.
type InterruptHandler func()

// Rewinder performs IP rewind on a caught breakpoint exception; it is
// satisfied by *breakpoint.Engine. Kept as a narrow interface here so ctrl
// does not need to import the breakpoint package's full surface.
type Rewinder interface {
	RewindIfLanding(tid native.ThreadID) (bool, error)
}

// State is the controller's singleton synchronized state: the caught
// exception slot, the interrupt flag, and the mutex/condvar pair guarding
// both, exactly ControllerState's sync_mutex/sync_cond/caught_exception/
// has_interrupt fields.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	hasCaughtException bool
	caughtException    native.Exception

	hasInterrupt bool
}

func newState() *State {
	s := &State{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Controller owns the task handle, the thread ids excluded from
// enumeration, and the synchronized State described above.
type Controller struct {
	kernel native.Kernel
	logger *logging.Logger

	task uintptr

	controllerThreadID native.ThreadID
	serverThreadID     native.ThreadID
	utilityThreadID    native.ThreadID
	hasUtilityThread   bool

	state *State

	rewinder Rewinder
}

// New acquires the current task handle and records the calling thread as
// the controller thread, which is excluded from every later enumeration —
// the constructor is the one call site from which "the thread that
// constructed the controller" can be observed.
func New(kernel native.Kernel, logger *logging.Logger) (*Controller, error) {
	if logger == nil {
		logger = logging.Default()
	}

	task, err := kernel.TaskSelf()
	if err != nil {
		return nil, fmt.Errorf("selfdbg: ctrl: task_self: %w", err)
	}

	tid, err := kernel.CurrentThreadID()
	if err != nil {
		return nil, fmt.Errorf("selfdbg: ctrl: identify controller thread: %w", err)
	}

	c := &Controller{
		kernel:             kernel,
		logger:             logger,
		task:               task,
		controllerThreadID: tid,
		serverThreadID:     tid, // equals controller id until the exception server starts
		state:              newState(),
	}
	return c, nil
}

// SetServerThreadID records the exception server's kernel thread id once
// it has started, so GetThreads can exclude it.
func (c *Controller) SetServerThreadID(tid native.ThreadID) { c.serverThreadID = tid }

// SetRewinder wires the breakpoint engine used to perform IP rewind on a
// caught breakpoint exception during WaitForEvent.
func (c *Controller) SetRewinder(r Rewinder) { c.rewinder = r }

// Task returns the controller's task handle, for collaborators (VM
// manager, exception server) that need to issue Kernel calls against it.
func (c *Controller) Task() uintptr { return c.task }

// Deposit is called by the exception server with each decoded exception.
// It implements the back-pressure contract directly: block while the slot
// is already full, write the new exception, and signal the condvar.
func (c *Controller) Deposit(exc native.Exception) {
	c.state.mu.Lock()
	for c.state.hasCaughtException {
		c.state.cond.Wait()
	}
	c.state.caughtException = exc
	c.state.hasCaughtException = true
	c.state.cond.Signal()
	c.state.mu.Unlock()
}

// WaitForEvent blocks until either an exception has been deposited or an
// interrupt has been posted, and returns which. On a caught exception, it
// performs breakpoint IP rewind (if a Rewinder is wired) before returning.
func (c *Controller) WaitForEvent(handler InterruptHandler) (Event, error) {
	c.state.mu.Lock()
	for !c.state.hasCaughtException && !c.state.hasInterrupt {
		c.state.cond.Wait()
	}

	if c.state.hasCaughtException {
		exc := c.state.caughtException
		c.state.hasCaughtException = false
		c.state.caughtException = native.Exception{}
		c.state.cond.Signal() // wake a server thread blocked on a full slot
		c.state.mu.Unlock()

		if c.rewinder != nil && exc.Kind == native.ExceptionBreakpoint {
			if _, err := c.rewinder.RewindIfLanding(exc.ThreadID); err != nil {
				return Event{}, fmt.Errorf("selfdbg: ctrl: ip rewind: %w", err)
			}
		}
		return Event{Kind: EventCaughtException, Exception: exc}, nil
	}

	if handler != nil {
		handler()
	}
	c.state.hasInterrupt = false
	c.state.mu.Unlock()
	return Event{Kind: EventInterrupted}, nil
}

// Interrupter is the capability handed to a utility thread's function and
// to any other foreign caller that needs to mutate controller state
// safely: it runs fn with exclusive access, under the controller's mutex,
// then wakes WaitForEvent.
type Interrupter struct {
	c *Controller
}

// Interrupt runs fn with the controller's mutex held, sets the interrupt
// flag, and signals the condvar. fn may safely read or mutate any state
// that is otherwise only touched from the controller thread.
func (c *Controller) Interrupt(fn func()) {
	c.state.mu.Lock()
	c.state.hasInterrupt = true
	if fn != nil {
		fn()
	}
	c.state.cond.Signal()
	c.state.mu.Unlock()
}

// Interrupt on the capability type delegates to the owning controller,
// satisfying the "interrupter can be used from within the utility
// thread's own function" requirement.
func (i Interrupter) Interrupt(fn func()) { i.c.Interrupt(fn) }

// RunUtilityThread starts exactly one worker goroutine. On entry the
// worker calls Interrupt to record its own kernel thread id (excluding it
// from future enumeration) before calling fn with an Interrupter. This
// call blocks until that registration interrupt has been processed, so
// the thread id is guaranteed known by the time RunUtilityThread returns.
func (c *Controller) RunUtilityThread(fn func(Interrupter)) error {
	if c.hasUtilityThread {
		return fmt.Errorf("selfdbg: ctrl: utility thread already running")
	}

	registered := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		tid, err := c.kernel.CurrentThreadID()
		if err != nil {
			registered <- fmt.Errorf("selfdbg: ctrl: identify utility thread: %w", err)
			return
		}
		c.Interrupt(func() {
			c.utilityThreadID = tid
			c.hasUtilityThread = true
		})
		registered <- nil
		fn(Interrupter{c: c})
	}()

	return <-registered
}

// GetThreads asks the kernel for every thread in the task, excluding the
// controller, exception-server, and (if running) utility threads. The
// result is a point-in-time snapshot.
func (c *Controller) GetThreads() ([]native.ThreadID, error) {
	all, err := c.kernel.Threads(c.task)
	if err != nil {
		return nil, fmt.Errorf("selfdbg: ctrl: threads: %w", err)
	}

	excluded := map[native.ThreadID]bool{
		c.controllerThreadID: true,
		c.serverThreadID:     true,
	}
	if c.hasUtilityThread {
		excluded[c.utilityThreadID] = true
	}

	out := make([]native.ThreadID, 0, len(all))
	for _, tid := range all {
		if !excluded[tid] {
			out = append(out, tid)
		}
	}
	return out, nil
}

// SuspendThreads suspends every thread returned by GetThreads. Any
// per-thread failure aborts the batch without rolling back threads
// already suspended, matching the controller's no-automatic-rollback
// policy for this operation.
func (c *Controller) SuspendThreads() error {
	threads, err := c.GetThreads()
	if err != nil {
		return err
	}
	for _, tid := range threads {
		if err := c.kernel.SuspendThread(tid); err != nil {
			return fmt.Errorf("selfdbg: ctrl: suspend thread %v: %w", tid, err)
		}
	}
	return nil
}

// ResumeThreads resumes every thread returned by GetThreads, with the same
// no-rollback failure policy as SuspendThreads.
func (c *Controller) ResumeThreads() error {
	threads, err := c.GetThreads()
	if err != nil {
		return err
	}
	for _, tid := range threads {
		if err := c.kernel.ResumeThread(tid); err != nil {
			return fmt.Errorf("selfdbg: ctrl: resume thread %v: %w", tid, err)
		}
	}
	return nil
}

// GetSharedLibraryInfoAddress returns task_info(TASK_DYLD_INFO)'s
// all_image_info_addr for the controller's task.
func (c *Controller) GetSharedLibraryInfoAddress() (native.Address, error) {
	addr, err := c.kernel.SharedLibraryInfoAddress(c.task)
	if err != nil {
		return 0, fmt.Errorf("selfdbg: ctrl: shared library info address: %w", err)
	}
	return addr, nil
}
