package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncBusRunsMatchingHandlersAndJoinsErrors(t *testing.T) {
	bus := NewSyncBus(nil)
	var membership, notify, other int
	bus.Subscribe(MessageSent, "membership", func(context.Context, Event) error {
		membership++
		return errors.New("directory down")
	})
	bus.Subscribe(MessageSent, "notification", func(context.Context, Event) error {
		notify++
		return nil
	})
	bus.Subscribe(ThreadArchived, "notification", func(context.Context, Event) error {
		other++
		return nil
	})

	err := bus.Publish(context.Background(), New(MessageSent, "thr_1", "msg_1", "u_1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "membership")
	assert.Equal(t, 1, membership)
	assert.Equal(t, 1, notify, "a failing handler must not stop the rest")
	assert.Zero(t, other)
}

func TestWatermillBusRetriesFailedHandler(t *testing.T) {
	bus, err := NewWatermillBus(nil, WatermillOptions{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	var attempts atomic.Int32
	delivered := make(chan Event, 1)
	bus.Subscribe(ThreadResolved, "notification", func(_ context.Context, event Event) error {
		if attempts.Add(1) == 1 {
			return errors.New("push gateway timeout")
		}
		delivered <- event
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))
	defer bus.Close()

	published := New(ThreadResolved, "thr_1", "", "u_1")
	require.NoError(t, bus.Publish(ctx, published))

	select {
	case got := <-delivered:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, "thr_1", got.ThreadID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not redelivered")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestWatermillBusGivesUpAfterRetries(t *testing.T) {
	bus, err := NewWatermillBus(nil, WatermillOptions{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	require.NoError(t, err)

	var failing atomic.Int32
	healthy := make(chan string, 2)
	bus.Subscribe(MessageSent, "always-fails", func(_ context.Context, event Event) error {
		failing.Add(1)
		return errors.New("broken")
	})
	bus.Subscribe(MessageSent, "healthy", func(_ context.Context, event Event) error {
		healthy <- event.MessageID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))
	defer bus.Close()

	require.NoError(t, bus.Publish(ctx, New(MessageSent, "thr_1", "msg_1", "u_1")))
	require.NoError(t, bus.Publish(ctx, New(MessageSent, "thr_1", "msg_2", "u_1")))

	for i := 0; i < 2; i++ {
		select {
		case <-healthy:
		case <-time.After(5 * time.Second):
			t.Fatal("healthy handler starved")
		}
	}
	require.Eventually(t, func() bool { return failing.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), failing.Load(), "exhausted messages must not be redelivered")
}
