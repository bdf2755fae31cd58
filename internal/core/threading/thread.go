package threading

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/gamehost/internal/core/observability/log"
)

type ThreadState int32

const (
	ThreadNotStarted ThreadState = iota
	ThreadRunning
	ThreadPaused
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadNotStarted:
		return "not_started"
	case ThreadRunning:
		return "running"
	case ThreadPaused:
		return "paused"
	case ThreadExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// VirtualHandle identifies a thread stepped cooperatively by a driver instead of owning a goroutine.
const VirtualHandle uint64 = 0

var nextHandle atomic.Uint64

// FrameFunc is the body of one iteration. A returned error is an unhandled fault.
type FrameFunc func() error

type ThreadOption func(*GameThread)

// WithFaultSink sets where unhandled faults go. Without one they are only logged.
func WithFaultSink(sink FaultSink) ThreadOption {
	return func(t *GameThread) { t.sink = sink }
}

func WithLogger(logger log.Log) ThreadOption {
	return func(t *GameThread) { t.logger = logger }
}

// WithOnThreadStart runs fn once on the thread, before its first iteration.
func WithOnThreadStart(fn func() error) ThreadOption {
	return func(t *GameThread) { t.onStart = fn }
}

func WithActiveHz(hz float64) ThreadOption {
	return func(t *GameThread) { t.SetActiveHz(hz) }
}

func WithInactiveHz(hz float64) ThreadOption {
	return func(t *GameThread) { t.SetInactiveHz(hz) }
}

// WithThrottling sets whether the thread's clock caps its rate when it runs on its own goroutine.
func WithThrottling(enabled bool) ThreadOption {
	return func(t *GameThread) { t.throttled = enabled }
}

// GameThread repeatedly runs its scheduler and frame body at a capped rate, either on a
// dedicated goroutine locked to an OS thread or stepped by a driver through RunSingleFrame.
type GameThread struct {
	name      string
	frame     FrameFunc
	scheduler *Scheduler
	clock     *ThrottledClock
	sink      FaultSink
	logger    log.Log
	onStart   func() error
	throttled bool

	activeHz   atomic.Uint64
	inactiveHz atomic.Uint64
	active     atomic.Bool

	initOnce      sync.Once
	initAttempted atomic.Bool
	initErr       error
	initialized   chan struct{}
	done          chan struct{}

	mu             sync.Mutex
	state          ThreadState
	handle         uint64
	native         bool
	alive          bool
	activated      bool
	inStep         bool
	exitRequested  bool
	pauseRequested bool
	changed        chan struct{}

	tasks    atomic.Uint64
	workTime atomic.Int64
}

func NewGameThread(name string, frame FrameFunc, opts ...ThreadOption) *GameThread {
	t := &GameThread{
		name:        name,
		frame:       frame,
		scheduler:   NewScheduler(),
		clock:       NewThrottledClock(DefaultActiveHz),
		logger:      log.NewNop(),
		throttled:   true,
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
		changed:     make(chan struct{}),
	}
	t.SetActiveHz(DefaultActiveHz)
	t.SetInactiveHz(DefaultInactiveHz)
	t.active.Store(true)
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(log.String("thread", name))
	return t
}

func (t *GameThread) Name() string {
	return t.name
}

func (t *GameThread) Scheduler() *Scheduler {
	return t.scheduler
}

func (t *GameThread) Clock() *ThrottledClock {
	return t.clock
}

func (t *GameThread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Handle is the id of the goroutine currently driving the thread, or VirtualHandle.
func (t *GameThread) Handle() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Native reports whether the thread runs on its own goroutine.
func (t *GameThread) Native() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.native
}

// Running reports whether the thread is running or still finishing an iteration.
func (t *GameThread) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == ThreadRunning || t.inStep
}

// Throttled is the throttling the thread uses when it runs on its own goroutine.
func (t *GameThread) Throttled() bool {
	return t.throttled
}

func (t *GameThread) ActiveHz() float64 {
	return math.Float64frombits(t.activeHz.Load())
}

// SetActiveHz takes effect on the next iteration.
func (t *GameThread) SetActiveHz(hz float64) {
	t.activeHz.Store(math.Float64bits(clampHz(hz)))
}

func (t *GameThread) InactiveHz() float64 {
	return math.Float64frombits(t.inactiveHz.Load())
}

func (t *GameThread) SetInactiveHz(hz float64) {
	t.inactiveHz.Store(math.Float64bits(clampHz(hz)))
}

// SetActive selects between ActiveHz and InactiveHz.
func (t *GameThread) SetActive(active bool) {
	t.active.Store(active)
}

func (t *GameThread) Active() bool {
	return t.active.Load()
}

// Initialized is closed once the start hook has completed successfully.
func (t *GameThread) Initialized() <-chan struct{} {
	return t.initialized
}

// Done is closed when the thread reaches ThreadExited.
func (t *GameThread) Done() <-chan struct{} {
	return t.done
}

// Start spawns the thread's goroutine. It fails with ErrInvalidState unless the thread
// has never been started.
func (t *GameThread) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ThreadNotStarted {
		return fmt.Errorf("%w: start %s: %s", ErrInvalidState, t.name, t.state)
	}
	t.activateLocked(true, t.throttled)
	return nil
}

// Initialize claims the thread for cooperative stepping through RunSingleFrame.
func (t *GameThread) Initialize(withThrottling bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ThreadNotStarted {
		return fmt.Errorf("%w: initialize %s: %s", ErrInvalidState, t.name, t.state)
	}
	t.activateLocked(false, withThrottling)
	return nil
}

// Pause stops the thread after the iteration in flight. A paused goroutine blocks until
// resumed or exited.
func (t *GameThread) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != ThreadRunning {
		return
	}
	if t.inStep {
		t.pauseRequested = true
		return
	}
	t.state = ThreadPaused
	t.notifyLocked()
}

// Resume continues a paused thread in the mode it was paused in.
func (t *GameThread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case ThreadRunning:
		t.pauseRequested = false
		return nil
	case ThreadPaused:
		t.activateLocked(t.native, t.clock.Throttling())
		return nil
	default:
		return fmt.Errorf("%w: resume %s: %s", ErrInvalidState, t.name, t.state)
	}
}

// activate runs the thread natively or cooperatively from NotStarted or Paused.
// A running thread must be paused before its mode can change.
func (t *GameThread) activate(native, throttle bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case ThreadExited:
		return fmt.Errorf("%w: activate %s: %s", ErrInvalidState, t.name, t.state)
	case ThreadRunning:
		if t.native != native {
			return fmt.Errorf("%w: activate %s: mode change while running", ErrInvalidState, t.name)
		}
		t.pauseRequested = false
		t.clock.SetThrottling(throttle)
		return nil
	}
	t.activateLocked(native, throttle)
	return nil
}

func (t *GameThread) activateLocked(native, throttle bool) {
	if t.exitRequested {
		return
	}
	if t.native != native {
		t.clock.Reset()
	}
	t.clock.SetThrottling(throttle)
	t.pauseRequested = false
	t.state = ThreadRunning
	t.native = native
	t.activated = true

	if !native {
		t.handle = VirtualHandle
	} else if !t.alive {
		t.alive = true
		t.handle = nextHandle.Add(1)
		go t.run(t.handle)
	}
	t.notifyLocked()
}

// Exit is idempotent. The iteration in flight completes before the thread reports ThreadExited.
func (t *GameThread) Exit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ThreadExited || t.exitRequested {
		return
	}
	t.exitRequested = true
	if !t.inStep {
		t.exitLocked()
	}
}

// ExitRequested reports whether Exit has been called or a fault occurred.
func (t *GameThread) ExitRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitRequested
}

// Interrupted reports whether the iteration in flight should wrap up because the thread
// is being paused or exited. Frame bodies that wait internally should poll it.
func (t *GameThread) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitRequested || t.pauseRequested
}

func (t *GameThread) exitLocked() {
	if t.state == ThreadExited {
		return
	}
	t.state = ThreadExited
	t.pauseRequested = false
	close(t.done)
	t.notifyLocked()
	t.logger.Debug("thread exited", log.Uint64("frames", t.clock.FrameCount()))
}

// Join waits until the thread has exited and its goroutine, if any, has returned.
func (t *GameThread) Join(ctx context.Context) error {
	err := t.waitFor(ctx, func() bool {
		return t.state == ThreadExited && !t.alive
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, t.name, err)
	}
	return nil
}

// WaitUntilInitialized blocks until the start hook has succeeded. It fails if the thread
// exits first.
func (t *GameThread) WaitUntilInitialized(ctx context.Context) error {
	select {
	case <-t.initialized:
		return nil
	default:
	}
	select {
	case <-t.initialized:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: %s exited before initializing", ErrInvalidState, t.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUntilStopped waits until the thread is neither running nor inside an iteration.
func (t *GameThread) WaitUntilStopped(ctx context.Context) error {
	return t.waitFor(ctx, func() bool {
		return t.state != ThreadRunning && !t.inStep
	})
}

// RunSingleFrame steps a cooperative thread once. It reports whether an iteration ran.
func (t *GameThread) RunSingleFrame() bool {
	t.mu.Lock()
	native := t.native
	t.mu.Unlock()

	if native {
		return false
	}
	return t.step()
}

func (t *GameThread) run(handle uint64) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.logger.Debug("thread started", log.Uint64("handle", handle))
	pprof.Do(context.Background(), pprof.Labels("thread", t.name), func(context.Context) {
		t.prepare()
		for t.park() {
			t.step()
		}
	})
}

// prepare runs the start hook before the first park, so a thread exited right after
// Start still initializes exactly once.
func (t *GameThread) prepare() {
	t.mu.Lock()
	if t.inStep {
		t.mu.Unlock()
		return
	}
	t.inStep = true
	t.mu.Unlock()

	var fault *FaultError
	if err := t.initialize(); err != nil {
		fault = newFault(t.name, err)
		t.reportFault(fault)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inStep = false
	t.settleLocked(fault != nil)
}

// park blocks while the thread is paused. It reports false once the goroutine should return.
func (t *GameThread) park() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.state == ThreadExited || !t.native {
			t.alive = false
			t.notifyLocked()
			return false
		}
		if t.state == ThreadRunning {
			return true
		}
		changed := t.changed
		t.mu.Unlock()
		<-changed
		t.mu.Lock()
	}
}

func (t *GameThread) step() bool {
	t.mu.Lock()
	if t.exitRequested {
		t.exitLocked()
		activated := t.activated
		t.mu.Unlock()
		if activated {
			t.initializeOnExit()
		}
		return false
	}
	if t.pauseRequested && t.state == ThreadRunning {
		t.pauseRequested = false
		t.state = ThreadPaused
		t.notifyLocked()
	}
	if t.state != ThreadRunning || t.inStep {
		t.mu.Unlock()
		return false
	}
	t.inStep = true
	t.mu.Unlock()

	fault := t.processFrame()
	if fault != nil {
		t.reportFault(fault)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inStep = false
	t.settleLocked(fault != nil)
	return true
}

// settleLocked applies the exit or pause requested while the thread was busy.
func (t *GameThread) settleLocked(faulted bool) {
	switch {
	case faulted || t.exitRequested:
		t.exitRequested = true
		t.exitLocked()
	case t.pauseRequested:
		t.pauseRequested = false
		t.state = ThreadPaused
	}
	t.notifyLocked()
}

func (t *GameThread) processFrame() (fault *FaultError) {
	defer func() {
		if r := recover(); r != nil {
			fault = newFault(t.name, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()

	if err := t.initialize(); err != nil {
		return newFault(t.name, err)
	}
	if t.ExitRequested() {
		return nil
	}

	if t.active.Load() {
		t.clock.SetMaximumHz(t.ActiveHz())
	} else {
		t.clock.SetMaximumHz(t.InactiveHz())
	}

	start := time.Now()
	ran, err := t.scheduler.Update()
	t.tasks.Add(uint64(ran))
	if err != nil {
		return newFault(t.name, err)
	}
	if t.frame != nil {
		if err := t.frame(); err != nil {
			return newFault(t.name, err)
		}
	}
	t.workTime.Add(int64(time.Since(start)))

	t.clock.ProcessFrame()
	return nil
}

func (t *GameThread) initialize() error {
	t.initOnce.Do(func() {
		t.initAttempted.Store(true)
		if t.onStart != nil {
			t.initErr = t.runStartHook()
		}
		if t.initErr == nil {
			close(t.initialized)
		}
	})
	return t.initErr
}

// initializeOnExit runs a start hook that was never reached because a cooperative
// thread exited before its first step.
func (t *GameThread) initializeOnExit() {
	if t.initAttempted.Load() {
		return
	}
	if err := t.initialize(); err != nil {
		t.reportFault(newFault(t.name, err))
	}
}

func (t *GameThread) runStartHook() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if err := t.onStart(); err != nil {
		return fmt.Errorf("thread start: %w", err)
	}
	return nil
}

func (t *GameThread) reportFault(fault *FaultError) {
	t.logger.Error("unhandled fault", log.Error(fault.Err))
	if t.sink != nil {
		t.sink(fault)
	}
}

func (t *GameThread) waitFor(ctx context.Context, cond func() bool) error {
	for {
		t.mu.Lock()
		if cond() {
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *GameThread) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// ThreadStats is a point-in-time view of a thread's counters.
type ThreadStats struct {
	Name            string
	Handle          uint64
	State           ThreadState
	Frames          uint64
	Tasks           uint64
	LastFrameTime   time.Duration
	AverageWorkTime time.Duration
	FramesPerSecond float64
	MaximumHz       float64
}

func (t *GameThread) Stats() ThreadStats {
	t.mu.Lock()
	state, handle := t.state, t.handle
	t.mu.Unlock()

	frames := t.clock.FrameCount()
	stats := ThreadStats{
		Name:            t.name,
		Handle:          handle,
		State:           state,
		Frames:          frames,
		Tasks:           t.tasks.Load(),
		LastFrameTime:   t.clock.ElapsedFrameTime(),
		FramesPerSecond: t.clock.FramesPerSecond(),
		MaximumHz:       t.clock.MaximumHz(),
	}
	if frames > 0 {
		stats.AverageWorkTime = time.Duration(t.workTime.Load() / int64(frames))
	}
	return stats
}
