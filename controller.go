package selfdbg

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-selfdbg/internal/breakpoint"
	"github.com/ehrlich-b/go-selfdbg/internal/ctrl"
	"github.com/ehrlich-b/go-selfdbg/internal/exceptionserver"
	"github.com/ehrlich-b/go-selfdbg/internal/logging"
	"github.com/ehrlich-b/go-selfdbg/internal/native"
	"github.com/ehrlich-b/go-selfdbg/internal/vm"
)

// Re-exported types so callers never need to import internal/native
// directly to use the public surface.
type (
	ThreadID      = native.ThreadID
	Address       = native.Address
	Permissions   = native.Permissions
	ExceptionKind = native.ExceptionKind
	Exception     = native.Exception
	RegisterSet   = int
	RegisterID    = int
)

const (
	PermRead    = native.PermRead
	PermWrite   = native.PermWrite
	PermExecute = native.PermExecute
)

const (
	ExceptionUnknown    = native.ExceptionUnknown
	ExceptionBreakpoint = native.ExceptionBreakpoint
	ExceptionSingleStep = native.ExceptionSingleStep
	ExceptionBadAccess  = native.ExceptionBadAccess
	ExceptionArithmetic = native.ExceptionArithmetic
)

// ResumeAction names the per-thread action a Resume call applies.
type ResumeAction int

const (
	ResumeNone ResumeAction = iota
	ResumeStop
	ResumeContinue
	ResumeStep
)

func exceptionKindLabel(kind ExceptionKind) string {
	switch kind {
	case native.ExceptionBreakpoint:
		return "breakpoint"
	case native.ExceptionSingleStep:
		return "single_step"
	case native.ExceptionBadAccess:
		return "bad_access"
	case native.ExceptionArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// EventKind classifies what WaitForEvent returned.
type EventKind = ctrl.EventKind

const (
	EventCaughtException = ctrl.EventCaughtException
	EventInterrupted     = ctrl.EventInterrupted
)

// Event is what WaitForEvent returns.
type Event = ctrl.Event

// Interrupter is the capability handed to a utility thread's function.
type Interrupter = ctrl.Interrupter

// Controller is the public self-debugging controller: it wires the
// breakpoint engine, VM manager, exception server, and controller core
// together behind the single type external callers drive.
type Controller struct {
	kernel   native.Kernel
	machine  native.Machine
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer

	core   *ctrl.Controller
	engine *breakpoint.Engine
	vmMgr  *vm.Manager
	server *exceptionserver.Server

	cancel context.CancelFunc

	lastDepositNs atomic.Int64
}

// New wires a Controller over the given Kernel and Machine backends. If
// logger is nil, logging.Default() is used.
func New(kernel native.Kernel, machine native.Machine, logger *logging.Logger) (*Controller, error) {
	if logger == nil {
		logger = logging.Default()
	}

	core, err := ctrl.New(kernel, logger)
	if err != nil {
		return nil, fmt.Errorf("selfdbg: new controller: %w", err)
	}

	engine := breakpoint.New(machine)
	core.SetRewinder(engine)

	metrics := NewMetrics()
	c := &Controller{
		kernel:   kernel,
		machine:  machine,
		logger:   logger,
		metrics:  metrics,
		observer: NewMetricsObserver(metrics),
		core:     core,
		engine:   engine,
		vmMgr:    vm.New(kernel, core.Task()),
	}
	return c, nil
}

// Metrics returns the controller's metrics instance.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// SetObserver replaces the controller's event observer, which defaults to
// one recording into Metrics(). Tests substitute a NoOpObserver or a
// recording fake here to assert on dispatch without touching the real
// counters.
func (c *Controller) SetObserver(o Observer) {
	if o == nil {
		o = NoOpObserver{}
	}
	c.observer = o
}

// Attach binds an exception port to every thread currently in the task and
// starts the dedicated exception-server receive loop. ctx governs the
// server loop's lifetime; cancel it (or call Detach) to stop receiving.
func (c *Controller) Attach(ctx context.Context) error {
	threads, err := c.kernel.Threads(c.core.Task())
	if err != nil {
		return fmt.Errorf("selfdbg: attach: list threads: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.server = exceptionserver.New(c.kernel, c.core.Task(), threads, c.deposit, c.logger)
	if err := c.server.Initialize(); err != nil {
		cancel()
		return fmt.Errorf("selfdbg: attach: %w", err)
	}
	if err := c.server.Start(serverCtx); err != nil {
		cancel()
		return fmt.Errorf("selfdbg: attach: %w", err)
	}
	c.core.SetServerThreadID(c.server.ServerThreadID())
	return nil
}

// deposit wraps ctrl.Controller.Deposit with dispatch-latency timestamping
// for metrics: the time is recorded here and consumed in WaitForEvent.
func (c *Controller) deposit(exc native.Exception) {
	c.lastDepositNs.Store(time.Now().UnixNano())
	c.core.Deposit(exc)
}

// Detach stops the exception server's receive loop. It does not terminate
// or resume any controlled thread.
func (c *Controller) Detach() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Kill forcibly terminates every thread returned by Threads, a last-resort
// teardown path for when cooperative shutdown fails.
func (c *Controller) Kill() error {
	threads, err := c.Threads()
	if err != nil {
		return err
	}
	for _, tid := range threads {
		if err := c.kernel.TerminateThread(tid); err != nil {
			return fmt.Errorf("selfdbg: kill thread %v: %w", tid, err)
		}
	}
	return nil
}

// Threads enumerates every thread in the task, excluding the controller,
// exception-server, and utility threads.
func (c *Controller) Threads() ([]ThreadID, error) {
	return c.core.GetThreads()
}

// SuspendThreads suspends every controlled thread.
func (c *Controller) SuspendThreads() error { return c.core.SuspendThreads() }

// ResumeThreads resumes every controlled thread.
func (c *Controller) ResumeThreads() error { return c.core.ResumeThreads() }

// Resume applies action to tid. ResumeContinue and ResumeStep first set the
// thread's instruction pointer to from, when non-nil, before resuming it.
// Single-step sequencing itself (arming a temporary breakpoint at the next
// instruction, or a hardware trap flag) is left to the caller — Resume
// only exposes the suspend/set-ip/resume primitives a stepping loop is
// built from.
func (c *Controller) Resume(tid ThreadID, action ResumeAction, from *Address) error {
	switch action {
	case ResumeNone:
		return nil
	case ResumeStop:
		return c.machine.ThreadSuspend(tid)
	case ResumeContinue, ResumeStep:
		if from != nil {
			if err := c.machine.ThreadSetIP(tid, *from); err != nil {
				return fmt.Errorf("selfdbg: resume: set ip: %w", err)
			}
		}
		return c.machine.ThreadResume(tid)
	default:
		return fmt.Errorf("selfdbg: resume: unknown action %d", action)
	}
}

// InstallBreakpoint installs or reference-counts a software breakpoint at
// address.
func (c *Controller) InstallBreakpoint(address Address) error {
	wasNew := c.engine.Count(address) == 0
	if err := c.engine.Install(address); err != nil {
		return err
	}
	c.observer.ObserveBreakpointInstall(wasNew)
	return nil
}

// RemoveBreakpoint decrements the reference count of the breakpoint at
// address, restoring original bytes once it reaches zero.
func (c *Controller) RemoveBreakpoint(address Address) error {
	wasLast := c.engine.Count(address) == 1
	if err := c.engine.Remove(address); err != nil {
		return err
	}
	if wasLast {
		c.observer.ObserveBreakpointRemove()
	}
	return nil
}

// BreakpointInstalled reports whether address currently carries an
// installed breakpoint.
func (c *Controller) BreakpointInstalled(address Address) bool {
	return c.engine.InstalledAt(address)
}

// ReadRegister reads a single register by register-set and register id.
func (c *Controller) ReadRegister(tid ThreadID, regSet RegisterSet, reg RegisterID) (uint64, error) {
	ctx, err := c.machine.ThreadGetContext(tid, regSet)
	if err != nil {
		return 0, fmt.Errorf("selfdbg: read register: %w", err)
	}
	return ctx[reg], nil
}

// WriteRegister writes a single register by register-set and register id.
func (c *Controller) WriteRegister(tid ThreadID, regSet RegisterSet, reg RegisterID, value uint64) error {
	return c.machine.ThreadSetContext(tid, regSet, map[int]uint64{reg: value})
}

// ReadContext reads a thread's full register context for the given
// register set.
func (c *Controller) ReadContext(tid ThreadID, regSet RegisterSet) (map[RegisterID]uint64, error) {
	return c.machine.ThreadGetContext(tid, regSet)
}

// WriteContext writes a thread's full register context for the given
// register set.
func (c *Controller) WriteContext(tid ThreadID, regSet RegisterSet, values map[RegisterID]uint64) error {
	return c.machine.ThreadSetContext(tid, regSet, values)
}

// Allocate reserves size bytes in the task with the given permissions.
func (c *Controller) Allocate(size uint64, perms Permissions) (Address, error) {
	addr, err := c.vmMgr.Allocate(size, perms)
	c.metrics.RecordVMAllocate(size, err == nil)
	return addr, err
}

// Deallocate releases a region previously returned by Allocate.
func (c *Controller) Deallocate(address Address) error {
	err := c.vmMgr.Deallocate(address)
	if err == nil {
		c.metrics.RecordVMDeallocate()
	}
	return err
}

// ReadMemory copies length bytes from the task's address space at addr.
func (c *Controller) ReadMemory(addr Address, length int) ([]byte, error) {
	return c.machine.ReadMemory(addr, length)
}

// WriteMemory writes data into the task's address space at addr.
func (c *Controller) WriteMemory(addr Address, data []byte) error {
	return c.machine.WriteMemory(addr, data)
}

// WaitForEvent blocks until either a breakpoint/exception has been caught
// or an interrupt has been processed, recording dispatch-latency and
// exception-kind metrics for the caught-exception case.
func (c *Controller) WaitForEvent(handler func()) (Event, error) {
	ev, err := c.core.WaitForEvent(handler)
	if err != nil {
		return ev, err
	}
	if ev.Kind == EventCaughtException {
		depositedAt := c.lastDepositNs.Load()
		var latencyNs uint64
		if depositedAt > 0 {
			latencyNs = uint64(time.Now().UnixNano() - depositedAt)
		}
		c.observer.ObserveException(exceptionKindLabel(ev.Exception.Kind), latencyNs)
	} else {
		c.observer.ObserveInterrupt()
	}
	return ev, nil
}

// Interrupt runs fn under the controller's mutex and wakes WaitForEvent.
func (c *Controller) Interrupt(fn func()) { c.core.Interrupt(fn) }

// RunUtilityThread starts exactly one worker goroutine, blocking until it
// has registered its own thread id.
func (c *Controller) RunUtilityThread(fn func(Interrupter)) error {
	err := c.core.RunUtilityThread(fn)
	if err == nil {
		c.metrics.RecordUtilityThreadRegistration()
	}
	return err
}

// SharedLibraryInfoAddress returns task_info(TASK_DYLD_INFO)'s
// all_image_info_addr for the controller's task.
func (c *Controller) SharedLibraryInfoAddress() (Address, error) {
	return c.core.GetSharedLibraryInfoAddress()
}
