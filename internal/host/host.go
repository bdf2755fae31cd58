package host

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/gamehost/internal/core/events/bus"
	"github.com/zeusync/gamehost/internal/core/observability/log"
	"github.com/zeusync/gamehost/internal/core/observability/report"
	"github.com/zeusync/gamehost/internal/core/threading"
	"github.com/zeusync/gamehost/internal/ipc"
)

const reportFlushTimeout = 2 * time.Second

// ExecutionState only ever moves from Idle through Running and Stopping to Stopped.
type ExecutionState int32

const (
	StateIdle ExecutionState = iota
	StateStopped
	StateStopping
	StateRunning
)

func (s ExecutionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStopped:
		return "stopped"
	case StateStopping:
		return "stopping"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Application is driven by the update thread.
type Application interface {
	// UpdateFrame advances the simulation by one frame. A nil snapshot publishes nothing.
	// The host publishes a copy; Root and Commands must not be mutated after returning.
	UpdateFrame() (*SceneSnapshot, error)
}

// ExitingHandler may be implemented by an Application to veto RequestExit.
type ExitingHandler interface {
	// OnExiting runs on the update thread. Returning true cancels the exit.
	OnExiting() bool
}

// Renderer is driven by the draw thread.
type Renderer interface {
	// InitializeSurface runs once on the draw thread before anything is rendered.
	InitializeSurface() error
	Render(snapshot *SceneSnapshot) error
}

// EventPump is driven by the input thread once per main loop iteration.
type EventPump interface {
	PumpEvents() error
}

// MessageTransport carries IPC envelopes between instances.
type MessageTransport interface {
	Bind() (bool, error)
	OnMessage(handler ipc.Handler)
	Send(ctx context.Context, env ipc.Envelope) error
	Close() error
}

// Dependencies are optional; nil fields fall back to headless or no-op implementations.
type Dependencies struct {
	Logger    log.Log
	Reporter  report.Reporter
	Transport MessageTransport
	Bus       bus.EventBus
	Renderer  Renderer
	Events    EventPump
}

// Host runs an Application on three threads: Input drives the main loop, Update
// produces scene snapshots and Draw renders the newest one.
type Host struct {
	cfg       Config
	app       Application
	renderer  Renderer
	events    EventPump
	logger    log.Log
	reporter  report.Reporter
	transport MessageTransport
	bus       bus.EventBus

	input  *threading.GameThread
	update *threading.GameThread
	draw   *threading.GameThread
	runner *threading.ThreadRunner

	snapshots *threading.TripleBuffer[*SceneSnapshot]
	drawn     atomic.Uint64

	state    atomic.Int32
	active   atomic.Bool
	primary  bool
	teardown *threading.ScheduledDelegate

	stopping     chan struct{}
	stopOnce     sync.Once
	stopped      chan struct{}
	teardownOnce sync.Once

	faultMu sync.Mutex
	fault   *threading.FaultError

	onMessage atomic.Pointer[func(ipc.Envelope)]
}

func New(cfg Config, app Application, deps Dependencies) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("%w: nil application", ErrInvalidConfig)
	}

	h := &Host{
		cfg:       cfg,
		app:       app,
		renderer:  deps.Renderer,
		events:    deps.Events,
		logger:    deps.Logger,
		reporter:  deps.Reporter,
		transport: deps.Transport,
		bus:       deps.Bus,
		snapshots: threading.NewTripleBuffer[*SceneSnapshot](),
		stopping:  make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	if h.renderer == nil {
		h.renderer = headlessRenderer{}
	}
	if h.logger == nil {
		h.logger = log.NewNop()
	}
	if h.reporter == nil {
		h.reporter = report.Nop{}
	}
	h.logger = h.logger.With(log.String("component", "host"), log.String("host", cfg.Name))
	h.active.Store(true)
	h.teardown = threading.NewDelegate(h.shutdown)

	common := []threading.ThreadOption{
		threading.WithFaultSink(h.onFault),
		threading.WithLogger(h.logger),
		threading.WithInactiveHz(cfg.InactiveHz),
	}
	h.input = threading.NewGameThread("Input", h.inputFrame, common...)
	h.draw = threading.NewGameThread("Draw", h.drawFrame, append(common,
		threading.WithActiveHz(cfg.DrawHz),
		threading.WithOnThreadStart(h.renderer.InitializeSurface),
	)...)
	h.update = threading.NewGameThread("Update", h.updateFrame, append(common,
		threading.WithActiveHz(cfg.UpdateHz),
		threading.WithOnThreadStart(h.waitForDraw),
	)...)

	h.runner = threading.NewThreadRunner(h.input,
		threading.WithRunnerLogger(h.logger),
		threading.WithPacer(h.update),
		threading.WithExecutionMode(cfg.ExecutionMode),
		threading.WithModeSwitchTimeout(cfg.ModeSwitchTimeout),
		threading.WithModeChanged(func(mode threading.ExecutionMode) {
			h.publish(bus.ExecutionModeChanged, mode)
		}),
	)
	// Draw is registered before Update so a single threaded loop initializes the
	// surface before Update waits on it.
	h.runner.AddThread(h.draw)
	h.runner.AddThread(h.update)

	if h.transport != nil {
		primary, err := h.transport.Bind()
		if err != nil {
			return nil, fmt.Errorf("bind ipc: %w", err)
		}
		h.primary = primary
		if primary {
			h.transport.OnMessage(h.receive)
		}
	}
	return h, nil
}

func (h *Host) State() ExecutionState {
	return ExecutionState(h.state.Load())
}

func (h *Host) Config() Config {
	return h.cfg
}

func (h *Host) InputThread() *threading.GameThread  { return h.input }
func (h *Host) UpdateThread() *threading.GameThread { return h.update }
func (h *Host) DrawThread() *threading.GameThread   { return h.draw }

// Stopped is closed once the host reaches StateStopped.
func (h *Host) Stopped() <-chan struct{} {
	return h.stopped
}

// LastDrawn is the sequence of the last snapshot the draw thread rendered.
func (h *Host) LastDrawn() uint64 {
	return h.drawn.Load()
}

// Fault is the first unhandled fault of any thread, or nil.
func (h *Host) Fault() error {
	h.faultMu.Lock()
	defer h.faultMu.Unlock()
	if h.fault == nil {
		return nil
	}
	return h.fault
}

// Run drives the input thread on the calling goroutine until the host stops, and
// returns the first unhandled fault of any thread. Cancelling ctx requests an exit.
func (h *Host) Run(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if h.State() == StateRunning {
			return ErrAlreadyRunning
		}
		return ErrAlreadyStopped
	}
	h.stateChanged(StateRunning)

	stop := context.AfterFunc(ctx, h.Exit)
	defer stop()

	h.runner.Start()
	for h.State() != StateStopped {
		h.runner.RunMainLoop()

		// Nothing drains the input scheduler once the input thread is gone.
		if h.input.State() == threading.ThreadExited && h.State() != StateStopped {
			h.Exit()
			h.shutdown()
		}
	}
	return h.Fault()
}

// Exit stops accepting work and schedules teardown on the input thread. Calls after
// the first have no effect.
func (h *Host) Exit() {
	if h.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		h.beginStopping()
		h.shutdown()
		return
	}
	if !h.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	h.beginStopping()
	h.input.Scheduler().AddOnce(h.teardown)
}

// RequestExit asks the application on the update thread whether it is ok to exit.
func (h *Host) RequestExit() {
	if h.State() != StateRunning {
		return
	}
	h.update.Scheduler().Add(func() {
		if handler, ok := h.app.(ExitingHandler); ok && handler.OnExiting() {
			h.logger.Info("exit cancelled by application")
			return
		}
		h.Exit()
	})
}

func (h *Host) beginStopping() {
	h.stopOnce.Do(func() { close(h.stopping) })
	h.runner.Halt()
	h.stateChanged(StateStopping)
	h.publish(bus.HostExiting, nil)
}

func (h *Host) shutdown() {
	h.teardownOnce.Do(func() {
		start := time.Now()
		if err := h.runner.Stop(h.cfg.JoinTimeout); err != nil {
			h.logger.Warn("continuing shutdown past unresponsive threads", log.Error(err))
		}
		if h.transport != nil {
			if err := h.transport.Close(); err != nil {
				h.logger.Warn("ipc close failed", log.Error(err))
			}
		}
		h.reporter.Flush(reportFlushTimeout)

		h.state.Store(int32(StateStopped))
		h.stateChanged(StateStopped)
		h.logger.Info("host stopped", log.Duration("elapsed", time.Since(start)))
		close(h.stopped)
		h.publish(bus.HostExited, nil)
	})
}

func (h *Host) onFault(fault *threading.FaultError) {
	h.faultMu.Lock()
	if h.fault == nil {
		h.fault = fault
	}
	h.faultMu.Unlock()

	h.reporter.Report(fault.Thread, fault)
	h.publish(bus.ThreadFaulted, fault)
	h.Exit()
}

// SetExecutionMode takes effect at the start of the next main loop iteration.
func (h *Host) SetExecutionMode(mode threading.ExecutionMode) {
	h.runner.SetExecutionMode(mode)
}

func (h *Host) ExecutionMode() threading.ExecutionMode {
	return h.runner.ExecutionMode()
}

// SetActive switches every thread between its active and inactive rate. It is
// applied on the update thread.
func (h *Host) SetActive(active bool) {
	h.update.Scheduler().Add(func() {
		if h.active.Swap(active) == active {
			return
		}
		for _, t := range h.runner.Threads() {
			t.SetActive(active)
		}
		if active {
			h.publish(bus.HostActivated, nil)
		} else {
			h.publish(bus.HostDeactivated, nil)
		}
	})
}

func (h *Host) Active() bool {
	return h.active.Load()
}

// SetUncapped lifts the update and draw rate caps, or restores the configured ones.
func (h *Host) SetUncapped(uncapped bool) {
	updateHz, drawHz := h.cfg.UpdateHz, h.cfg.DrawHz
	if uncapped {
		updateHz, drawHz = math.Inf(1), math.Inf(1)
	}
	h.update.SetActiveHz(updateHz)
	h.draw.SetActiveHz(drawHz)
}

// RegisterThread creates an extra thread that follows the host's mode switches,
// fault handling and shutdown.
func (h *Host) RegisterThread(name string, frame threading.FrameFunc, opts ...threading.ThreadOption) *threading.GameThread {
	opts = append([]threading.ThreadOption{
		threading.WithFaultSink(h.onFault),
		threading.WithLogger(h.logger),
	}, opts...)
	t := threading.NewGameThread(name, frame, opts...)
	h.runner.AddThread(t)
	return t
}

func (h *Host) Stats() []threading.ThreadStats {
	threads := h.runner.Threads()
	stats := make([]threading.ThreadStats, 0, len(threads))
	for _, t := range threads {
		stats = append(stats, t.Stats())
	}
	return stats
}

// IsPrimaryInstance reports whether this host owns the IPC address.
func (h *Host) IsPrimaryInstance() bool {
	return h.primary
}

// OnMessageReceived sets the handler for IPC messages. It is called on the update thread.
func (h *Host) OnMessageReceived(handler func(ipc.Envelope)) {
	h.onMessage.Store(&handler)
}

// SendMessageAsync sends env to the primary instance. The channel receives the result.
func (h *Host) SendMessageAsync(ctx context.Context, env ipc.Envelope) <-chan error {
	result := make(chan error, 1)
	if h.transport == nil {
		result <- ErrIPCNotSupported
		close(result)
		return result
	}
	go func() {
		defer close(result)
		result <- h.transport.Send(ctx, env)
	}()
	return result
}

func (h *Host) receive(env ipc.Envelope) *ipc.Envelope {
	h.update.Scheduler().Add(func() {
		if handler := h.onMessage.Load(); handler != nil && *handler != nil {
			(*handler)(env)
		}
	})
	h.publish(bus.MessageReceived, env)
	return nil
}

func (h *Host) inputFrame() error {
	if h.events == nil {
		return nil
	}
	return h.events.PumpEvents()
}

func (h *Host) updateFrame() error {
	snapshot, err := h.app.UpdateFrame()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	// The application may hand back the same snapshot again; Draw could still be reading it.
	stamped := *snapshot
	stamped.Sequence = h.snapshots.Published() + 1
	h.snapshots.Write(&stamped)
	return nil
}

// drawFrame renders the newest snapshot. Running on its own goroutine it idles until
// one arrives; stepped cooperatively it makes a single attempt.
func (h *Host) drawFrame() error {
	for {
		if handle, ok := h.snapshots.GetForRead(); ok {
			err := h.render(handle.Value())
			handle.Release()
			return err
		}
		if !h.draw.Native() || h.draw.Interrupted() {
			return nil
		}
		time.Sleep(h.cfg.DrawIdleInterval)
	}
}

func (h *Host) render(snapshot *SceneSnapshot) error {
	if snapshot == nil {
		return nil
	}
	if h.cfg.VerifySnapshots {
		if err := snapshot.Verify(); err != nil {
			return err
		}
	}
	if err := h.renderer.Render(snapshot); err != nil {
		return fmt.Errorf("render frame %d: %w", snapshot.Sequence, err)
	}
	h.drawn.Store(snapshot.Sequence)
	return nil
}

// waitForDraw holds the update thread until the draw thread has its surface.
func (h *Host) waitForDraw() error {
	timer := time.NewTimer(h.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-h.draw.Initialized():
		return nil
	case <-h.stopping:
		return nil
	case <-h.draw.Done():
		select {
		case <-h.draw.Initialized():
			return nil
		case <-h.stopping:
			return nil
		default:
		}
		return fmt.Errorf("%w: draw thread exited", ErrStartupBarrier)
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrStartupBarrier, h.cfg.StartupTimeout)
	}
}

func (h *Host) stateChanged(state ExecutionState) {
	h.logger.Info("host state changed", log.Stringer("state", state))
	h.publish(bus.HostStateChanged, state)
}

func (h *Host) publish(eventType bus.EventType, data any) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(bus.NewEvent(eventType, h.cfg.Name, data)); err != nil {
		h.logger.Warn("event handler failed", log.String("event", string(eventType)), log.Error(err))
	}
}

type headlessRenderer struct{}

func (headlessRenderer) InitializeSurface() error { return nil }

func (headlessRenderer) Render(*SceneSnapshot) error { return nil }
