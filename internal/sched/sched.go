// Package sched implements the single-worker, deadline-ordered task queue
// that every engine component runs its handlers on (spec §4.1). It is
// grounded on the original C engine's prx_sched.c: a "now" FIFO queue and
// a "later" queue ordered by absolute deadline, serviced by one worker
// thread that either drains due later-tasks, runs one now-task, or sleeps
// until the next deadline. The deadline queue uses container/heap, the
// same approach the retrieval pack's SagerNet-smux session scheduler uses
// for its shaper heap.
package sched

import (
	"container/heap"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/prxtunnel/internal/logging"
)

// TaskFunc is a unit of work queued on a Scheduler. ctx is the opaque
// value the caller queued the task with; it is never interpreted by the
// scheduler except for Clear/Release matching.
type TaskFunc func(ctx interface{})

// TaskID identifies a queued task for Kill.
type TaskID uint64

// ErrNilTask is returned by Queue when fn is nil.
var ErrNilTask = errors.New("sched: task function must not be nil")

type taskEntry struct {
	id       TaskID
	ctx      interface{}
	fn       TaskFunc
	deadline time.Time // zero value => belongs to the "now" FIFO
	queuedAt time.Time
	index    int // heap index, maintained by container/heap
}

// deadlineHeap orders "later" tasks by ascending deadline.
type deadlineHeap []*taskEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) {
	e := x.(*taskEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// worker is the shared state behind a tree of Scheduler handles that all
// delegate to the same single worker goroutine (spec: "Components acquire
// a child scheduler ... to share one worker").
type worker struct {
	logger logging.Logger

	mu     sync.Mutex
	now    []*taskEntry
	later  deadlineHeap
	byID   map[TaskID]*taskEntry
	nextID uint64

	refcount int32
	wakeup   chan struct{}
	exit     chan struct{}
	stopped  chan struct{}
}

// Scheduler is a reference-counted handle onto a shared worker. The root
// Scheduler is created with New; every call to NewChild increments the
// shared worker's refcount so the worker keeps running until every handle
// has released.
type Scheduler struct {
	w *worker
}

// New creates a root Scheduler with its own dedicated worker goroutine.
func New(logger logging.Logger) *Scheduler {
	w := &worker{
		logger:   logger,
		byID:     make(map[TaskID]*taskEntry),
		refcount: 1,
		wakeup:   make(chan struct{}, 1),
		exit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.run()
	return &Scheduler{w: w}
}

// NewChild returns a new handle sharing this Scheduler's worker, with its
// own refcount against it. Components that want their own lifecycle
// (so Release(ctx) only clears their own tasks) should hold their own
// child handle rather than sharing the parent's.
func (s *Scheduler) NewChild() *Scheduler {
	atomic.AddInt32(&s.w.refcount, 1)
	return &Scheduler{w: s.w}
}

func (w *worker) signal() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

// Queue schedules fn to run on the worker. delay == 0 appends to the
// FIFO "now" queue; otherwise fn runs no earlier than delay from now,
// ordered against other "later" tasks by absolute deadline.
func (s *Scheduler) Queue(fn TaskFunc, ctx interface{}, delay time.Duration) (TaskID, error) {
	if fn == nil {
		return 0, ErrNilTask
	}
	w := s.w
	w.mu.Lock()
	w.nextID++
	id := TaskID(w.nextID)
	e := &taskEntry{id: id, ctx: ctx, fn: fn, queuedAt: time.Now()}
	if delay > 0 {
		e.deadline = time.Now().Add(delay)
		heap.Push(&w.later, e)
	} else {
		w.now = append(w.now, e)
	}
	w.byID[id] = e
	w.mu.Unlock()
	w.signal()
	return id, nil
}

// Kill removes a pending task by id. No-op if the task already ran or
// never existed.
func (s *Scheduler) Kill(id TaskID) {
	w := s.w
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	if e.deadline.IsZero() {
		for i, c := range w.now {
			if c == e {
				w.now = append(w.now[:i], w.now[i+1:]...)
				break
			}
		}
	} else if e.index >= 0 {
		heap.Remove(&w.later, e.index)
	}
}

// Clear removes all pending tasks matching fn and ctx. Either may be nil
// to match any value of that field.
func (s *Scheduler) Clear(fn TaskFunc, ctx interface{}) {
	w := s.w
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearLocked(fn, ctx)
}

// fnPtrEqual compares two TaskFuncs by their underlying code pointer.
// TaskFunc values are not == comparable, but reflect.Value.Pointer()
// distinguishes distinct function literals/methods while still matching
// the same method value queued with different receivers/contexts, which
// is the usage pattern Clear/clear_by_task_type is meant for.
func fnPtrEqual(a, b TaskFunc) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func (w *worker) clearLocked(fn TaskFunc, ctx interface{}) {
	match := func(e *taskEntry) bool {
		if ctx != nil && e.ctx != ctx {
			return false
		}
		if fn != nil && !fnPtrEqual(fn, e.fn) {
			return false
		}
		return true
	}

	kept := w.now[:0]
	for _, e := range w.now {
		if match(e) {
			delete(w.byID, e.id)
		} else {
			kept = append(kept, e)
		}
	}
	w.now = kept

	var toRemove []int
	for i, e := range w.later {
		if match(e) {
			toRemove = append(toRemove, i)
		}
	}
	// Remove highest index first so earlier indices stay valid.
	for i := len(toRemove) - 1; i >= 0; i-- {
		e := w.later[toRemove[i]]
		delete(w.byID, e.id)
		heap.Remove(&w.later, e.index)
	}
}

// Release drops this handle's refcount on the shared worker. It always
// clears tasks bound to a non-nil ctx (the caller's own pending work)
// first; a nil ctx clears nothing. When the refcount reaches zero, the
// worker is told to exit after draining its current pass.
func (s *Scheduler) Release(ctx interface{}) {
	w := s.w
	if ctx != nil {
		w.mu.Lock()
		w.clearLocked(nil, ctx)
		w.mu.Unlock()
	}

	if atomic.AddInt32(&w.refcount, -1) == 0 {
		close(w.exit)
		w.signal()
	}
}

// AtExit blocks until the worker goroutine has exited.
func (s *Scheduler) AtExit() {
	<-s.w.stopped
}

func (w *worker) popDueLater(now time.Time) []*taskEntry {
	var due []*taskEntry
	for len(w.later) > 0 && !w.later[0].deadline.After(now) {
		e := heap.Pop(&w.later).(*taskEntry)
		delete(w.byID, e.id)
		due = append(due, e)
	}
	return due
}

func (w *worker) popOneNow() *taskEntry {
	if len(w.now) == 0 {
		return nil
	}
	e := w.now[0]
	w.now = w.now[1:]
	delete(w.byID, e.id)
	return e
}

func (w *worker) run() {
	defer close(w.stopped)
	for {
		now := time.Now()
		w.mu.Lock()
		due := w.popDueLater(now)
		var one *taskEntry
		if len(due) == 0 {
			one = w.popOneNow()
		}
		var waitFor time.Duration
		haveDeadline := false
		if len(w.later) > 0 {
			waitFor = w.later[0].deadline.Sub(now)
			haveDeadline = true
		}
		w.mu.Unlock()

		for _, e := range due {
			e.fn(e.ctx)
		}
		if one != nil {
			one.fn(one.ctx)
		}

		if len(due) > 0 || one != nil {
			continue
		}

		select {
		case <-w.exit:
			return
		default:
		}

		if haveDeadline {
			if waitFor < 0 {
				waitFor = 0
			}
			timer := time.NewTimer(waitFor)
			select {
			case <-w.wakeup:
			case <-timer.C:
			case <-w.exit:
				timer.Stop()
				return
			}
			timer.Stop()
		} else {
			select {
			case <-w.wakeup:
			case <-w.exit:
				return
			}
		}
	}
}
