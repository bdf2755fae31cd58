package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testObserver struct {
	mu        sync.Mutex
	published int
	delivered int
	lastErr   error
}

func (o *testObserver) OnPublish(Event) {
	o.mu.Lock()
	o.published++
	o.mu.Unlock()
}

func (o *testObserver) OnDelivered(_ Event, handlers int, err error, _ time.Duration) {
	o.mu.Lock()
	o.delivered += handlers
	o.lastErr = err
	o.mu.Unlock()
}

func TestPublishSubscribe(t *testing.T) {
	b := New()

	var got []Event
	_, err := b.Subscribe(HostActivated, func(e Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent(HostActivated, "host", nil)))
	require.NoError(t, b.Publish(NewEvent(HostDeactivated, "host", nil)))

	require.Len(t, got, 1)
	assert.Equal(t, HostActivated, got[0].Type)
	assert.Equal(t, "host", got[0].Source)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestDeliveryOrderAndWildcard(t *testing.T) {
	b := New()

	var order []string
	_, _ = b.SubscribeAll(func(Event) error { order = append(order, "all"); return nil })
	_, _ = b.Subscribe(HostExited, func(Event) error { order = append(order, "first"); return nil })
	_, _ = b.Subscribe(HostExited, func(Event) error { order = append(order, "second"); return nil })

	require.NoError(t, b.Publish(NewEvent(HostExited, "host", nil)))
	assert.Equal(t, []string{"first", "second", "all"}, order)
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	first := errors.New("first")

	calls := 0
	_, _ = b.Subscribe(ThreadFaulted, func(Event) error { calls++; return first })
	_, _ = b.Subscribe(ThreadFaulted, func(Event) error { calls++; panic("second") })
	_, _ = b.Subscribe(ThreadFaulted, func(Event) error { calls++; return nil })

	err := b.Publish(NewEvent(ThreadFaulted, "Update", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, 3, calls)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	sub, err := b.Subscribe(HostStateChanged, func(Event) error { calls++; return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, 1, b.SubscriberCount(HostStateChanged))

	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, sub.Cancel())
	require.NoError(t, b.Unsubscribe(nil))
	assert.False(t, sub.IsActive())
	assert.Zero(t, b.SubscriberCount(HostStateChanged))

	require.NoError(t, b.Publish(NewEvent(HostStateChanged, "host", nil)))
	assert.Zero(t, calls)
}

func TestSubscribeValidation(t *testing.T) {
	b := New()
	_, err := b.Subscribe(HostExiting, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	_, err = b.Subscribe("", func(Event) error { return nil })
	assert.Error(t, err)
}

func TestPublishAsync(t *testing.T) {
	b := New()
	handlerErr := errors.New("fail")
	_, _ = b.Subscribe(MessageReceived, func(Event) error { return handlerErr })

	select {
	case err := <-b.PublishAsync(NewEvent(MessageReceived, "ipc", []byte("hi"))):
		assert.ErrorIs(t, err, handlerErr)
	case <-time.After(time.Second):
		t.Fatal("async publish did not complete")
	}
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	_, _ = b.Subscribe(ExecutionModeChanged, func(Event) error { return nil })

	require.NoError(t, b.Publish(NewEvent(ExecutionModeChanged, "runner", nil)))
	assert.Zero(t, b.Metrics().Published)

	obs := &testObserver{}
	b.AddObserver(obs)
	require.NoError(t, b.Publish(NewEvent(ExecutionModeChanged, "runner", nil)))

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Equal(t, uint64(1), m.DeliveredHandlers)
	assert.Equal(t, uint64(1), m.SubscribersActive)
	assert.Equal(t, 1, obs.published)
	assert.Equal(t, 1, obs.delivered)

	b.RemoveObserver(obs)
	require.NoError(t, b.Publish(NewEvent(ExecutionModeChanged, "runner", nil)))
	assert.Equal(t, 1, obs.published)
}
