package threading

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/gamehost/internal/core/observability/log"
	"github.com/zeusync/gamehost/pkg/concurrent"
)

type ExecutionMode int32

const (
	// MultiThreaded runs every thread except the main one on its own goroutine.
	MultiThreaded ExecutionMode = iota
	// SingleThread steps every thread from the main loop, in registration order.
	SingleThread
)

func (m ExecutionMode) String() string {
	switch m {
	case MultiThreaded:
		return "multi_threaded"
	case SingleThread:
		return "single_thread"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "multi_threaded", "multithreaded", "multi":
		return MultiThreaded, nil
	case "single_thread", "singlethread", "single":
		return SingleThread, nil
	default:
		return MultiThreaded, fmt.Errorf("unknown execution mode %q", s)
	}
}

func (m ExecutionMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

func (m *ExecutionMode) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseExecutionMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// DefaultModeSwitchTimeout bounds how long a mode change waits for threads to pause.
const DefaultModeSwitchTimeout = 5 * time.Second

type RunnerOption func(*ThreadRunner)

func WithRunnerLogger(logger log.Log) RunnerOption {
	return func(r *ThreadRunner) { r.logger = logger }
}

// WithPacer makes the main thread adopt pacer's rates while in SingleThread mode.
func WithPacer(pacer *GameThread) RunnerOption {
	return func(r *ThreadRunner) { r.pacer = pacer }
}

// WithModeChanged is called after every completed mode transition.
func WithModeChanged(fn func(ExecutionMode)) RunnerOption {
	return func(r *ThreadRunner) { r.onModeChanged = fn }
}

func WithExecutionMode(mode ExecutionMode) RunnerOption {
	return func(r *ThreadRunner) { r.requested.Store(int32(mode)) }
}

// WithModeSwitchTimeout bounds the pause barrier of a mode change. A change whose
// threads do not pause in time is abandoned and the previous mode kept.
func WithModeSwitchTimeout(timeout time.Duration) RunnerOption {
	return func(r *ThreadRunner) { r.modeSwitchTimeout = timeout }
}

// ThreadRunner owns a set of threads and switches them between running on their own
// goroutines and being stepped from the main loop. The main thread is always stepped
// by whoever calls RunMainLoop.
type ThreadRunner struct {
	main          *GameThread
	pacer         *GameThread
	logger        log.Log
	onModeChanged func(ExecutionMode)

	modeSwitchTimeout time.Duration
	halted            context.Context
	halt              context.CancelFunc

	mu      sync.Mutex
	threads []*GameThread

	requested atomic.Int32

	modeMu    sync.Mutex
	active    ExecutionMode
	hasActive bool
}

func NewThreadRunner(main *GameThread, opts ...RunnerOption) *ThreadRunner {
	r := &ThreadRunner{
		main:              main,
		logger:            log.NewNop(),
		threads:           []*GameThread{main},
		modeSwitchTimeout: DefaultModeSwitchTimeout,
	}
	r.halted, r.halt = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ThreadRunner) MainThread() *GameThread {
	return r.main
}

// Threads returns every registered thread, main first.
func (r *ThreadRunner) Threads() []*GameThread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.threads)
}

// AddThread registers t. If a mode is active, t joins it immediately.
func (r *ThreadRunner) AddThread(t *GameThread) {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()

	r.mu.Lock()
	if slices.Contains(r.threads, t) {
		r.mu.Unlock()
		return
	}
	r.threads = append(r.threads, t)
	r.mu.Unlock()

	if r.hasActive {
		r.activate(t, r.active)
	}
}

// RemoveThread unregisters t without stopping it. The main thread cannot be removed.
func (r *ThreadRunner) RemoveThread(t *GameThread) bool {
	if t == r.main {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.threads, t)
	if i < 0 {
		return false
	}
	r.threads = slices.Delete(r.threads, i, i+1)
	return true
}

// SetExecutionMode requests a mode. It is applied at the start of the next RunMainLoop.
func (r *ThreadRunner) SetExecutionMode(mode ExecutionMode) {
	r.requested.Store(int32(mode))
}

func (r *ThreadRunner) ExecutionMode() ExecutionMode {
	return ExecutionMode(r.requested.Load())
}

// ActiveExecutionMode is the mode threads are currently running in, if any.
func (r *ThreadRunner) ActiveExecutionMode() (ExecutionMode, bool) {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()
	return r.active, r.hasActive
}

// Start applies the requested mode without stepping anything.
func (r *ThreadRunner) Start() {
	r.ensureExecutionMode()
}

// RunMainLoop runs one iteration of the main thread and, in SingleThread mode, one
// iteration of every other thread after it.
func (r *ThreadRunner) RunMainLoop() {
	mode := r.ensureExecutionMode()

	r.main.RunSingleFrame()
	if mode != SingleThread {
		return
	}
	for _, t := range r.Threads() {
		if t != r.main {
			t.RunSingleFrame()
		}
	}
}

// Suspend pauses every thread and forgets the active mode; the next RunMainLoop
// brings them back in the requested mode.
func (r *ThreadRunner) Suspend() {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()

	r.main.Pause()
	if err := r.pauseOthers(); err != nil {
		r.logger.Warn("suspend did not pause every thread", log.Error(err))
	}
	r.hasActive = false
}

// Halt abandons any pause barrier in progress and makes later ones give up at once.
// It is safe to call from any goroutine.
func (r *ThreadRunner) Halt() {
	r.halt()
}

// Stop exits every thread, last registered first, then joins them in parallel under a
// single deadline. Threads that miss it are logged and returned as ErrTimeout errors.
// The main thread is exited but never joined.
func (r *ThreadRunner) Stop(timeout time.Duration) error {
	r.Halt()
	r.modeMu.Lock()
	defer r.modeMu.Unlock()

	threads := r.Threads()
	for i := len(threads) - 1; i >= 0; i-- {
		threads[i].Exit()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return concurrent.ForEachJoined(threads[1:], func(t *GameThread) error {
		if err := t.Join(ctx); err != nil {
			r.logger.Warn("thread did not exit in time",
				log.String("thread", t.Name()),
				log.Duration("timeout", timeout),
			)
			return err
		}
		return nil
	})
}

func (r *ThreadRunner) ensureExecutionMode() ExecutionMode {
	r.modeMu.Lock()
	defer r.modeMu.Unlock()

	want := r.ExecutionMode()
	if r.hasActive && r.active == want {
		return want
	}

	if err := r.pauseOthers(); err != nil {
		r.logger.Warn("execution mode change abandoned",
			log.Stringer("mode", want),
			log.Duration("timeout", r.modeSwitchTimeout),
			log.Error(err),
		)
		if r.hasActive {
			r.requested.Store(int32(r.active))
			for _, t := range r.others() {
				r.activate(t, r.active)
			}
			return r.active
		}
	}

	r.active, r.hasActive = want, true
	if err := r.main.activate(false, true); err != nil && r.main.State() != ThreadExited {
		r.logger.Warn("main thread activation failed", log.Error(err))
	}
	for _, t := range r.Threads() {
		if t != r.main {
			r.activate(t, want)
		}
	}
	r.updateMainThreadRates(want)

	r.logger.Info("execution mode changed", log.Stringer("mode", want))
	if r.onModeChanged != nil {
		r.onModeChanged(want)
	}
	return want
}

// pauseOthers pauses every thread but main and blocks until none of them is
// mid-iteration. The wait is bounded by the mode switch timeout and ends early on Halt.
func (r *ThreadRunner) pauseOthers() error {
	others := r.others()
	for _, t := range others {
		t.Pause()
	}

	ctx, cancel := context.WithTimeout(r.halted, r.modeSwitchTimeout)
	defer cancel()
	for _, t := range others {
		if err := t.WaitUntilStopped(ctx); err != nil {
			return fmt.Errorf("%w: pause %s: %w", ErrTimeout, t.Name(), err)
		}
	}
	return nil
}

func (r *ThreadRunner) activate(t *GameThread, mode ExecutionMode) {
	var err error
	if mode == SingleThread {
		err = t.activate(false, false)
	} else {
		err = t.activate(true, t.Throttled())
	}
	if err != nil && t.State() != ThreadExited {
		r.logger.Warn("thread activation failed", log.String("thread", t.Name()), log.Error(err))
	}
}

func (r *ThreadRunner) updateMainThreadRates(mode ExecutionMode) {
	if mode == SingleThread && r.pacer != nil {
		r.main.SetActiveHz(r.pacer.ActiveHz())
		r.main.SetInactiveHz(r.pacer.InactiveHz())
		return
	}
	r.main.SetActiveHz(DefaultActiveHz)
	r.main.SetInactiveHz(DefaultInactiveHz)
}

func (r *ThreadRunner) others() []*GameThread {
	threads := r.Threads()
	return slices.DeleteFunc(threads, func(t *GameThread) bool { return t == r.main })
}
