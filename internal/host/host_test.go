package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zeusync/gamehost/internal/core/events/bus"
	"github.com/zeusync/gamehost/internal/core/observability/log"
	"github.com/zeusync/gamehost/internal/core/threading"
	"github.com/zeusync/gamehost/internal/ipc"
)

// countingApp publishes Root values 1..limit, one per frame, then idles.
type countingApp struct {
	limit   int
	next    atomic.Int64
	failAt  int64
	failErr error

	vetoes atomic.Int32
	veto   atomic.Bool
}

func (a *countingApp) UpdateFrame() (*SceneSnapshot, error) {
	n := a.next.Load() + 1
	if a.failAt > 0 && n == a.failAt {
		return nil, a.failErr
	}
	if a.limit > 0 && n > int64(a.limit) {
		return nil, nil
	}
	a.next.Store(n)
	return NewSceneSnapshot(int(n), []byte{byte(n), byte(n >> 8)}), nil
}

func (a *countingApp) OnExiting() bool {
	if a.veto.Load() {
		a.vetoes.Add(1)
		return true
	}
	return false
}

type recordingRenderer struct {
	initErr error
	block   chan struct{}

	mu   sync.Mutex
	seen []int
}

func (r *recordingRenderer) InitializeSurface() error {
	if r.block != nil {
		<-r.block
	}
	return r.initErr
}

func (r *recordingRenderer) Render(s *SceneSnapshot) error {
	r.mu.Lock()
	r.seen = append(r.seen, s.Root.(int))
	r.mu.Unlock()
	return nil
}

func (r *recordingRenderer) Seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

func (r *recordingRenderer) Last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return 0
	}
	return r.seen[len(r.seen)-1]
}

type recordingReporter struct {
	mu      sync.Mutex
	threads []string
}

func (r *recordingReporter) Report(thread string, _ error) {
	r.mu.Lock()
	r.threads = append(r.threads, thread)
	r.mu.Unlock()
}

func (r *recordingReporter) Flush(time.Duration) bool { return true }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.JoinTimeout = 2 * time.Second
	cfg.StartupTimeout = 2 * time.Second
	return cfg
}

func startHost(t *testing.T, h *Host) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- h.Run(context.Background()) }()
	// A host that faults on startup can pass through StateRunning too quickly to observe.
	require.Eventually(t, func() bool { return h.State() != StateIdle }, time.Second, time.Millisecond)
	return result
}

func waitResult(t *testing.T, result <-chan error, within time.Duration) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(within):
		t.Fatal("host did not stop in time")
		return nil
	}
}

func TestHostLifecycle(t *testing.T) {
	events := bus.New()
	var (
		mu     sync.Mutex
		states []ExecutionState
	)
	_, err := events.Subscribe(bus.HostStateChanged, func(e bus.Event) error {
		mu.Lock()
		states = append(states, e.Data.(ExecutionState))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	exited := make(chan struct{})
	_, _ = events.Subscribe(bus.HostExited, func(bus.Event) error {
		close(exited)
		return nil
	})

	h, err := New(testConfig(), &countingApp{limit: 10}, Dependencies{Bus: events})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, h.State())

	result := startHost(t, h)
	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyRunning)

	h.Exit()
	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))
	h.Exit()

	assert.Equal(t, StateStopped, h.State())
	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyStopped)
	<-exited
	<-h.Stopped()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ExecutionState{StateRunning, StateStopping, StateStopped}, states)

	for _, stats := range h.Stats() {
		assert.Equal(t, threading.ThreadExited, stats.State, stats.Name)
	}
}

func TestHostExitBeforeRun(t *testing.T) {
	h, err := New(testConfig(), &countingApp{}, Dependencies{})
	require.NoError(t, err)

	h.Exit()
	assert.Equal(t, StateStopped, h.State())
	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyStopped)
}

func TestHostContextCancelExits(t *testing.T) {
	h, err := New(testConfig(), &countingApp{}, Dependencies{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- h.Run(ctx) }()
	require.Eventually(t, func() bool { return h.State() == StateRunning }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, waitResult(t, result, 3*time.Second))
	assert.Equal(t, StateStopped, h.State())
}

func TestHostDeliversSnapshotsToDraw(t *testing.T) {
	const frames = 1000
	cfg := testConfig()
	cfg.UpdateHz = 1000
	cfg.DrawHz = 60
	cfg.VerifySnapshots = true

	app := &countingApp{limit: frames}
	renderer := &recordingRenderer{}
	h, err := New(cfg, app, Dependencies{Renderer: renderer})
	require.NoError(t, err)

	result := startHost(t, h)
	require.Eventually(t, func() bool { return renderer.Last() == frames }, 10*time.Second, 5*time.Millisecond)

	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))

	seen := renderer.Seen()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, frames, seen[len(seen)-1])
	assert.Equal(t, uint64(frames), h.LastDrawn())
	// Draw runs far slower than Update, so it skips frames instead of queueing them.
	assert.Less(t, len(seen), frames)
}

func TestHostSingleThreadedIsDeterministic(t *testing.T) {
	const frames = 50
	cfg := testConfig()
	cfg.ExecutionMode = threading.SingleThread

	renderer := &recordingRenderer{}
	h, err := New(cfg, &countingApp{limit: frames}, Dependencies{Renderer: renderer})
	require.NoError(t, err)

	result := startHost(t, h)
	require.Eventually(t, func() bool { return renderer.Last() == frames }, 5*time.Second, time.Millisecond)

	for _, thread := range []*threading.GameThread{h.InputThread(), h.UpdateThread(), h.DrawThread()} {
		assert.Equal(t, threading.VirtualHandle, thread.Handle(), thread.Name())
	}

	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))

	want := make([]int, frames)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, renderer.Seen())
}

func TestHostFaultStopsEverything(t *testing.T) {
	boom := errors.New("simulation diverged")
	reporter := &recordingReporter{}
	events := bus.New()
	var faulted atomic.Int32
	_, _ = events.Subscribe(bus.ThreadFaulted, func(bus.Event) error {
		faulted.Add(1)
		return nil
	})

	h, err := New(testConfig(), &countingApp{failAt: 5, failErr: boom}, Dependencies{
		Reporter: reporter,
		Bus:      events,
	})
	require.NoError(t, err)

	err = waitResult(t, startHost(t, h), 3*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, threading.ErrUnhandledFault)

	var fault *threading.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "Update", fault.Thread)

	assert.Equal(t, StateStopped, h.State())
	assert.Equal(t, []string{"Update"}, reporter.threads)
	assert.Equal(t, int32(1), faulted.Load())
}

func TestHostFaultOnInputThread(t *testing.T) {
	pumpErr := errors.New("window lost")
	h, err := New(testConfig(), &countingApp{}, Dependencies{Events: failingPump{err: pumpErr}})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- h.Run(context.Background()) }()

	err = waitResult(t, result, 3*time.Second)
	assert.ErrorIs(t, err, pumpErr)
	assert.Equal(t, StateStopped, h.State())
}

type failingPump struct{ err error }

func (p failingPump) PumpEvents() error { return p.err }

func TestHostBoundedShutdown(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig()
	cfg.JoinTimeout = 200 * time.Millisecond

	h, err := New(cfg, &countingApp{}, Dependencies{Logger: log.NewWithCore(core)})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once
	h.RegisterThread("Audio", func() error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	result := startHost(t, h)
	<-entered

	start := time.Now()
	h.Exit()
	require.NoError(t, waitResult(t, result, 2*time.Second))

	assert.Less(t, time.Since(start), cfg.JoinTimeout+300*time.Millisecond)
	assert.Equal(t, StateStopped, h.State())
	require.Equal(t, 1, logs.FilterMessage("thread did not exit in time").Len())
	entry := logs.FilterMessage("thread did not exit in time").All()[0]
	assert.Equal(t, "Audio", entry.ContextMap()["thread"])
}

func TestHostExitDuringStuckModeSwitch(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testConfig()
	cfg.JoinTimeout = 200 * time.Millisecond

	h, err := New(cfg, &countingApp{}, Dependencies{Logger: log.NewWithCore(core)})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	var once sync.Once
	h.RegisterThread("Audio", func() error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	result := startHost(t, h)
	<-entered

	h.SetExecutionMode(threading.SingleThread)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	h.Exit()
	require.NoError(t, waitResult(t, result, 2*time.Second))

	assert.Less(t, time.Since(start), cfg.JoinTimeout+300*time.Millisecond)
	assert.Equal(t, StateStopped, h.State())
	assert.Equal(t, 1, logs.FilterMessage("execution mode change abandoned").Len())
	assert.Equal(t, 1, logs.FilterMessage("thread did not exit in time").Len())
}

func TestHostStartupBarrierWaitsForDraw(t *testing.T) {
	renderer := &recordingRenderer{block: make(chan struct{})}
	app := &countingApp{}
	h, err := New(testConfig(), app, Dependencies{Renderer: renderer})
	require.NoError(t, err)

	result := startHost(t, h)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, app.next.Load())

	close(renderer.block)
	require.Eventually(t, func() bool { return app.next.Load() > 0 }, time.Second, time.Millisecond)

	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))
}

func TestHostStartupBarrierTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = 50 * time.Millisecond
	cfg.JoinTimeout = 100 * time.Millisecond

	renderer := &recordingRenderer{block: make(chan struct{})}
	defer close(renderer.block)
	h, err := New(cfg, &countingApp{}, Dependencies{Renderer: renderer})
	require.NoError(t, err)

	err = waitResult(t, startHost(t, h), 2*time.Second)
	assert.ErrorIs(t, err, ErrStartupBarrier)
}

func TestHostSurfaceFailure(t *testing.T) {
	surfaceErr := errors.New("no gpu")
	h, err := New(testConfig(), &countingApp{}, Dependencies{Renderer: &recordingRenderer{initErr: surfaceErr}})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- h.Run(context.Background()) }()

	err = waitResult(t, result, 3*time.Second)
	assert.ErrorIs(t, err, surfaceErr)
	assert.NotErrorIs(t, err, ErrStartupBarrier)
}

// reusingApp returns the same snapshot every frame.
type reusingApp struct {
	snapshot *SceneSnapshot
	frames   atomic.Int64
}

func (a *reusingApp) UpdateFrame() (*SceneSnapshot, error) {
	a.frames.Add(1)
	return a.snapshot, nil
}

func TestHostStampsACopyOfEachSnapshot(t *testing.T) {
	app := &reusingApp{snapshot: NewSceneSnapshot(7, []byte("scene"))}
	renderer := &recordingRenderer{}
	h, err := New(testConfig(), app, Dependencies{Renderer: renderer})
	require.NoError(t, err)

	result := startHost(t, h)
	require.Eventually(t, func() bool { return h.LastDrawn() > 5 }, 2*time.Second, time.Millisecond)
	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))

	assert.Zero(t, app.snapshot.Sequence)
	assert.Greater(t, app.frames.Load(), int64(5))
	for _, root := range renderer.Seen() {
		assert.Equal(t, 7, root)
	}
}

type corruptingApp struct{}

func (corruptingApp) UpdateFrame() (*SceneSnapshot, error) {
	s := NewSceneSnapshot(1, []byte("draw"))
	s.Commands = []byte("DRAW")
	return s, nil
}

func TestHostVerifiesSnapshots(t *testing.T) {
	cfg := testConfig()
	cfg.VerifySnapshots = true
	h, err := New(cfg, corruptingApp{}, Dependencies{})
	require.NoError(t, err)

	err = waitResult(t, startHost(t, h), 3*time.Second)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	var fault *threading.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "Draw", fault.Thread)
}

func TestHostRequestExitCanBeVetoed(t *testing.T) {
	app := &countingApp{}
	app.veto.Store(true)
	h, err := New(testConfig(), app, Dependencies{})
	require.NoError(t, err)

	result := startHost(t, h)
	h.RequestExit()
	require.Eventually(t, func() bool { return app.vetoes.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, h.State())

	app.veto.Store(false)
	h.RequestExit()
	require.NoError(t, waitResult(t, result, 3*time.Second))
	assert.Equal(t, StateStopped, h.State())
}

func TestHostActivation(t *testing.T) {
	events := bus.New()
	deactivated := make(chan struct{}, 1)
	_, _ = events.Subscribe(bus.HostDeactivated, func(bus.Event) error {
		deactivated <- struct{}{}
		return nil
	})

	cfg := testConfig()
	cfg.InactiveHz = 30
	h, err := New(cfg, &countingApp{}, Dependencies{Bus: events})
	require.NoError(t, err)
	result := startHost(t, h)

	h.SetActive(false)
	select {
	case <-deactivated:
	case <-time.After(time.Second):
		t.Fatal("deactivation not published")
	}
	assert.False(t, h.Active())
	for _, thread := range []*threading.GameThread{h.UpdateThread(), h.DrawThread(), h.InputThread()} {
		assert.False(t, thread.Active(), thread.Name())
	}
	require.Eventually(t, func() bool { return h.DrawThread().Clock().MaximumHz() == 30 }, time.Second, time.Millisecond)

	h.SetUncapped(true)
	assert.Equal(t, cfg.InactiveHz, h.UpdateThread().InactiveHz())

	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))
}

func TestHostSwitchesModeWhileRunning(t *testing.T) {
	events := bus.New()
	modes := make(chan threading.ExecutionMode, 4)
	_, _ = events.Subscribe(bus.ExecutionModeChanged, func(e bus.Event) error {
		modes <- e.Data.(threading.ExecutionMode)
		return nil
	})

	renderer := &recordingRenderer{}
	h, err := New(testConfig(), &countingApp{}, Dependencies{Bus: events, Renderer: renderer})
	require.NoError(t, err)
	result := startHost(t, h)
	assert.Equal(t, threading.MultiThreaded, <-modes)

	h.SetExecutionMode(threading.SingleThread)
	assert.Equal(t, threading.SingleThread, <-modes)
	before := renderer.Last()
	require.Eventually(t, func() bool { return renderer.Last() > before+10 }, 2*time.Second, time.Millisecond)

	h.SetExecutionMode(threading.MultiThreaded)
	assert.Equal(t, threading.MultiThreaded, <-modes)

	h.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))
}

func TestHostIPC(t *testing.T) {
	primaryTransport := ipc.New("127.0.0.1:0")
	cfg := testConfig()
	cfg.IPC = IPCConfig{Enabled: true, Addr: "127.0.0.1:0"}

	primary, err := New(cfg, &countingApp{}, Dependencies{Transport: primaryTransport})
	require.NoError(t, err)
	assert.True(t, primary.IsPrimaryInstance())

	received := make(chan ipc.Envelope, 1)
	primary.OnMessageReceived(func(env ipc.Envelope) {
		assert.NotEqual(t, threading.VirtualHandle, primary.UpdateThread().Handle())
		received <- env
	})
	result := startHost(t, primary)

	secondary, err := New(cfg, &countingApp{}, Dependencies{Transport: ipc.New(primaryTransport.Addr())})
	require.NoError(t, err)
	assert.False(t, secondary.IsPrimaryInstance())

	env, err := ipc.NewEnvelope("open", map[string]string{"path": "beatmap.osz"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, <-secondary.SendMessageAsync(ctx, env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	primary.Exit()
	require.NoError(t, waitResult(t, result, 3*time.Second))
	secondary.Exit()
}

func TestHostWithoutIPC(t *testing.T) {
	h, err := New(testConfig(), &countingApp{}, Dependencies{})
	require.NoError(t, err)
	assert.False(t, h.IsPrimaryInstance())

	env, _ := ipc.NewEnvelope("open", nil)
	assert.ErrorIs(t, <-h.SendMessageAsync(context.Background(), env), ErrIPCNotSupported)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateHz = 0
	_, err := New(cfg, &countingApp{}, Dependencies{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(testConfig(), nil, Dependencies{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
