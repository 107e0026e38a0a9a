package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (c *collector) HandleAlert(_ context.Context, alert model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *collector) seen() []model.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Alert(nil), c.alerts...)
}

func TestListener_DispatchDiscardsBadMessages(t *testing.T) {
	c := &collector{}
	l := NewListener(store.NewMemoryStore(), "alerts", c)
	ctx := context.Background()

	assert.False(t, l.Dispatch(ctx, "configure"))
	assert.False(t, l.Dispatch(ctx, "configure:p1:extra"))
	assert.False(t, l.Dispatch(ctx, "reboot:p1"))
	assert.True(t, l.Dispatch(ctx, "capture-init:p1"))

	assert.Equal(t, []model.Alert{{Event: model.EventCaptureInit, Product: "p1"}}, c.seen())
}

func TestListener_HandlerErrorDoesNotStopOthers(t *testing.T) {
	c := &collector{}
	failing := HandlerFunc(func(context.Context, model.Alert) error { return errors.New("boom") })
	l := NewListener(store.NewMemoryStore(), "alerts", failing, c)

	assert.True(t, l.Dispatch(context.Background(), "deconfigure:p1"))
	assert.Len(t, c.seen(), 1)
}

func TestListener_RunDeliversInOrder(t *testing.T) {
	bus := store.NewMemoryStore()
	c := &collector{}
	l := NewListener(bus, "alerts", c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// wait for the subscription before publishing
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, "alerts", "configure:probe")
		return len(c.seen()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	for _, msg := range []string{"capture-init:p1", "bogus", "capture-start:p1", "capture-stop:p1"} {
		require.NoError(t, bus.Publish(ctx, "alerts", msg))
	}
	require.Eventually(t, func() bool {
		seen := c.seen()
		return len(seen) > 0 && seen[len(seen)-1].Event == model.EventCaptureStop
	}, 2*time.Second, 10*time.Millisecond)

	var events []model.Event
	for _, a := range c.seen() {
		if a.Product == "p1" {
			events = append(events, a.Event)
		}
	}
	assert.Equal(t, []model.Event{model.EventCaptureInit, model.EventCaptureStart, model.EventCaptureStop}, events)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListener_RunEndsWhenSubscriptionCloses(t *testing.T) {
	bus := store.NewMemoryStore()
	l := NewListener(bus, "alerts")

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		_ = bus.Close()
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
