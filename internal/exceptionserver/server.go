// Package exceptionserver owns the exception port and runs the dedicated
// kernel-message receive loop described by the controller's design: bind
// a receive-rights port to a set of threads, then block in the kernel
// until an exception arrives, decode it, and hand it to the controller
// under back-pressure. The receive loop pins its goroutine to an OS
// thread and signals readiness over a started channel before entering
// its blocking receive; the back-pressure discipline allows exactly one
// outstanding exception at a time, handed off to the controller core
// and not replaced until it has been consumed.
package exceptionserver

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ehrlich-b/go-selfdbg/internal/logging"
	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// receiveTimeout bounds each blocking receive so the server loop can
// observe context cancellation promptly during shutdown.
const receiveTimeout = 200 * time.Millisecond

// Deposit is called by the server thread with each decoded exception. It
// must implement the controller's back-pressure contract itself: block
// until the previous exception has been drained, write the new one, and
// signal the condition variable — this package does not implement that
// synchronization, it only calls Deposit once per received exception, in
// order, from a single dedicated OS thread.
type Deposit func(native.Exception)

// Server owns the exception port for a fixed set of threads.
type Server struct {
	kernel  native.Kernel
	task    uintptr
	threads []native.ThreadID
	deposit Deposit
	logger  *logging.Logger

	port uintptr

	serverThreadID native.ThreadID
}

// New returns a Server that will bind an exception port covering threads
// in task, and deliver decoded exceptions to deposit.
func New(kernel native.Kernel, task uintptr, threads []native.ThreadID, deposit Deposit, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{kernel: kernel, task: task, threads: threads, deposit: deposit, logger: logger}
}

// Initialize creates the receive-rights port and binds it to every thread
// the Server was constructed with.
func (s *Server) Initialize() error {
	port, err := s.kernel.CreateExceptionPort(s.task, s.threads)
	if err != nil {
		return fmt.Errorf("selfdbg: exceptionserver: create port: %w", err)
	}
	s.port = port
	return nil
}

// ServerThreadID returns the kernel thread id of the running server loop,
// valid only after Start's started-channel handshake has completed.
func (s *Server) ServerThreadID() native.ThreadID { return s.serverThreadID }

// Start spawns the dedicated receive-loop goroutine and blocks until it
// has pinned itself to an OS thread and recorded its own thread id, using
// a started chan<- error handshake to guarantee the loop is actually
// running (and self-identified) before the caller proceeds.
func (s *Server) Start(ctx context.Context) error {
	started := make(chan error, 1)
	go s.loop(ctx, started)
	return <-started
}

func (s *Server) loop(ctx context.Context, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid, err := s.kernel.CurrentThreadID()
	if err != nil {
		started <- fmt.Errorf("selfdbg: exceptionserver: identify server thread: %w", err)
		return
	}
	s.serverThreadID = tid
	s.logger.Debug("exception server thread started", "thread", tid)
	started <- nil

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("exception server loop exiting")
			return
		default:
		}

		exc, err := s.kernel.ReceiveException(s.port, receiveTimeout)
		if err != nil {
			// A timeout is the expected, frequent case (it's how the loop
			// gets a chance to observe ctx.Done()). Receive errors are not
			// told apart or logged: the loop continues rather than tearing
			// down the server over a single bad receive.
			if ctx.Err() != nil {
				return
			}
			continue
		}

		s.logger.Debug("caught exception", "thread", exc.ThreadID, "kind", exc.Kind)
		s.deposit(exc)

		if err := s.kernel.ReplyException(s.port, exc); err != nil {
			s.logger.Warn("failed to reply to exception", "error", err)
		}
	}
}
