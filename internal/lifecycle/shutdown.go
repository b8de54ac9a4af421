// Package lifecycle provides the cooperative async-shutdown tree used by
// every owned resource in the engine (the control listener, the socket
// table, individual server sockets, transports). It is adapted from the
// chisel proxy's ShutdownHelper: pause/resume-guarded one-shot activation,
// a tree of children that are shut down and waited on, and context-bound
// shutdown.
package lifecycle

import (
	"context"
	"sync"

	"github.com/sammck-go/prxtunnel/internal/logging"
)

// OnceActivateFunc runs exactly once, with shutdown paused, to bring an
// object up. Returning an error aborts activation and begins shutdown.
type OnceActivateFunc func() error

// OnceShutdownHandler is implemented by the object a Helper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, to
	// perform synchronous teardown. completionErr is advisory; the return
	// value becomes the final shutdown status.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by anything that can be added as a child
// of a Helper.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper is embedded by every component that needs ordered async shutdown.
type Helper struct {
	logging.Logger

	Lock sync.Mutex

	handler OnceShutdownHandler

	pauseCount int
	activated  bool
	scheduled  bool
	started    bool
	done       bool
	err        error

	startedChan    chan struct{}
	handlerDone    chan struct{}
	doneChan       chan struct{}
	wg             sync.WaitGroup
}

// Init initializes a Helper in place. Must be called before any other method.
func (h *Helper) Init(logger logging.Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDone = make(chan struct{})
	h.doneChan = make(chan struct{})
}

func (h *Helper) asyncDoStartedShutdown() {
	h.DLogf("shutdown started")
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDone)
		h.wg.Wait()
		h.Lock.Lock()
		h.done = true
		h.Lock.Unlock()
		h.DLogf("shutdown done")
		close(h.doneChan)
	}()
}

// PauseShutdown increments the pause count, deferring any scheduled
// shutdown. Returns an error if shutdown has already started.
func (h *Helper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown decrements the pause count and, if it reaches zero and
// shutdown was scheduled while paused, starts it now.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panicf("ResumeShutdown called without a matching PauseShutdown")
		return
	}
	h.pauseCount--
	doNow := h.pauseCount == 0 && h.scheduled && !h.started
	if doNow {
		h.started = true
	}
	h.Lock.Unlock()
	if doNow {
		h.asyncDoStartedShutdown()
	}
}

// DoOnceActivate activates the object exactly once, running fn with
// shutdown paused. If fn fails, shutdown begins immediately;
// waitOnFail blocks until that shutdown completes before returning.
func (h *Helper) DoOnceActivate(fn OnceActivateFunc, waitOnFail bool) error {
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.started {
		h.Lock.Unlock()
		if waitOnFail {
			if err := h.WaitShutdown(); err != nil {
				return err
			}
		}
		return h.Errorf("shutdown already started; cannot activate")
	}
	h.pauseCount++
	h.Lock.Unlock()

	err := fn()
	if err == nil {
		h.Lock.Lock()
		h.activated = true
		h.Lock.Unlock()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// StartShutdown schedules shutdown with an advisory completion error. Safe
// to call more than once; only the first call's error is honored.
func (h *Helper) StartShutdown(completionErr error) {
	var doNow bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		doNow = h.pauseCount == 0
		h.started = doNow
	}
	h.Lock.Unlock()
	if doNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext begins shutdown with ctx.Err() when ctx is done.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *Helper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.started
}

// IsDoneShutdown reports whether shutdown has completed.
func (h *Helper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.done
}

// ShutdownDoneChan is closed when shutdown completes.
func (h *Helper) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// WaitShutdown blocks until shutdown completes and returns the final status.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown starts shutdown (if not already started) and waits for it.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close is the default io.Closer: shuts down with a nil advisory error.
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers child to be shut down after this Helper's own
// HandleOnceShutdown returns, and waited on before this Helper is considered
// fully shut down.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDone:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}

// AddShutdownChildChan waits on an externally-closed channel before this
// Helper's shutdown is considered complete.
func (h *Helper) AddShutdownChildChan(done <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-done
		h.wg.Done()
	}()
}
