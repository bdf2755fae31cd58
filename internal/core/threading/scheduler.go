package threading

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/gamehost/pkg/sequence"
)

// maxTimedTasks bounds how many timed tasks may be waiting before a repeating one is
// rescheduled from now instead of from its previous deadline. Missed repeats are
// skipped, never replayed.
const maxTimedTasks = 1000

// ScheduledDelegate is a unit of work queued on a Scheduler. The same delegate may be
// enqueued repeatedly; its pointer identity is what coalescing enqueues compare.
type ScheduledDelegate struct {
	task func()

	runAt  time.Time
	repeat time.Duration

	cancelled atomic.Bool
	completed atomic.Bool
	pending   bool // guarded by Scheduler.mu
}

// NewDelegate wraps fn so it can be enqueued and coalesced by identity.
func NewDelegate(fn func()) *ScheduledDelegate {
	return &ScheduledDelegate{task: fn}
}

// Cancel stops any future run. A run already in progress is not interrupted.
func (d *ScheduledDelegate) Cancel() {
	d.cancelled.Store(true)
}

func (d *ScheduledDelegate) Cancelled() bool {
	return d.cancelled.Load()
}

// Completed reports whether the delegate has run at least once.
func (d *ScheduledDelegate) Completed() bool {
	return d.completed.Load()
}

type SchedulerOption func(*Scheduler)

// WithClock replaces time.Now for delayed tasks.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler queues work for the thread that owns it. Enqueueing is safe from any
// goroutine; Update must only be called by the owner.
type Scheduler struct {
	mu        sync.Mutex
	queue     []*ScheduledDelegate
	timed     *sequence.PriorityQueue[*ScheduledDelegate]
	perUpdate []*ScheduledDelegate

	now func() time.Time
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		timed: sequence.NewPriorityQueue(func(a, b *ScheduledDelegate) bool {
			return a.runAt.Before(b.runAt)
		}),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add queues fn for the next Update and returns its delegate.
func (s *Scheduler) Add(fn func()) *ScheduledDelegate {
	d := NewDelegate(fn)
	s.Enqueue(d, true)
	return d
}

// Enqueue queues d for the next Update. With allowDuplicates false the call is
// a no-op while d is already waiting in the queue. It reports whether d was queued.
func (s *Scheduler) Enqueue(d *ScheduledDelegate, allowDuplicates bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !allowDuplicates && d.pending {
		return false
	}
	d.pending = true
	s.queue = append(s.queue, d)
	return true
}

// AddOnce is Enqueue with duplicates disallowed.
func (s *Scheduler) AddOnce(d *ScheduledDelegate) bool {
	return s.Enqueue(d, false)
}

// AddDelayed runs fn after delay. With repeat set it keeps running every delay;
// a repeating task with no delay runs once per Update.
func (s *Scheduler) AddDelayed(fn func(), delay time.Duration, repeat bool) *ScheduledDelegate {
	d := NewDelegate(fn)
	if repeat {
		d.repeat = delay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if repeat && delay <= 0 {
		s.perUpdate = append(s.perUpdate, d)
		return d
	}
	d.runAt = s.now().Add(delay)
	s.timed.Enqueue(d)
	return d
}

// Pending is the number of tasks waiting for the next Update, excluding timed tasks not yet due.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.perUpdate)
}

// Update runs every task queued before the call, in FIFO order. Tasks enqueued while it
// runs wait for the next Update. A task that fails does not stop the ones after it;
// all failures are returned joined.
func (s *Scheduler) Update() (int, error) {
	batch := s.collect()

	var (
		ran  int
		errs []error
	)
	for _, d := range batch {
		if d.Cancelled() {
			continue
		}
		if err := runDelegate(d); err != nil {
			errs = append(errs, err)
		}
		ran++
	}
	return ran, errors.Join(errs...)
}

func (s *Scheduler) collect() []*ScheduledDelegate {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for {
		d, ok := s.timed.Peek()
		if !ok || d.runAt.After(now) {
			break
		}
		s.timed.Dequeue()
		if d.Cancelled() {
			continue
		}
		s.queue = append(s.queue, d)

		if d.repeat > 0 {
			d.runAt = d.runAt.Add(d.repeat)
			if !d.runAt.After(now) || s.timed.Len() >= maxTimedTasks {
				d.runAt = now.Add(d.repeat)
			}
			s.timed.Enqueue(d)
		}
	}

	live := s.perUpdate[:0]
	for _, d := range s.perUpdate {
		if d.Cancelled() {
			continue
		}
		live = append(live, d)
		s.queue = append(s.queue, d)
	}
	clear(s.perUpdate[len(live):])
	s.perUpdate = live

	batch := s.queue
	for _, d := range batch {
		d.pending = false
	}
	s.queue = nil
	return batch
}

func runDelegate(d *ScheduledDelegate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	defer d.completed.Store(true)

	if d.task == nil {
		return fmt.Errorf("%w: nil scheduled task", ErrInvalidState)
	}
	d.task()
	return nil
}
