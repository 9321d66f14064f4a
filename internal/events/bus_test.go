package events_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/swing-backtester/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBus(t *testing.T, cfg events.EventBusConfig) *events.EventBus {
	t.Helper()
	bus := events.NewEventBus(zap.NewNop(), cfg)
	t.Cleanup(bus.Stop)
	return bus
}

func TestSubscribeByKind(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	var units, all int
	bus.Subscribe(func(events.Event) error {
		units++
		return nil
	}, events.OfKind(events.EventTypeUnitStarted))
	bus.Subscribe(func(events.Event) error {
		all++
		return nil
	})

	bus.PublishSync(events.NewUnitEvent(events.EventTypeUnitStarted, "b", "u"))
	bus.PublishSync(events.NewBatchEvent(events.EventTypeBatchSubmitted, "b", 1, 0, 0, 0))

	assert.Equal(t, 1, units)
	assert.Equal(t, 2, all)
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	var mu sync.Mutex
	var days []int
	bus.Subscribe(func(ev events.Event) error {
		mu.Lock()
		days = append(days, ev.(*events.UnitEvent).Day)
		mu.Unlock()
		return nil
	}, events.OfKind(events.EventTypeUnitProgress))

	for i := 1; i <= 50; i++ {
		ev := events.NewUnitEvent(events.EventTypeUnitProgress, "b", "u")
		ev.Day = i
		bus.Publish(ev)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(days) == 50
	}, 2*time.Second, 5*time.Millisecond)

	for i, d := range days {
		assert.Equal(t, i+1, d)
	}
}

func TestForBatchAndCancel(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	var got []string
	sub := bus.Subscribe(func(ev events.Event) error {
		got = append(got, events.BatchOf(ev))
		return nil
	}, events.ForBatch("keep"))

	bus.PublishSync(events.NewUnitEvent(events.EventTypeUnitStarted, "keep", "u"))
	bus.PublishSync(events.NewUnitEvent(events.EventTypeUnitStarted, "drop", "u"))
	bus.PublishSync(events.NewBatchEvent(events.EventTypeBatchCompleted, "keep", 1, 1, 0, 0))
	sub.Cancel()
	sub.Cancel()
	bus.PublishSync(events.NewUnitEvent(events.EventTypeUnitStarted, "keep", "u"))

	assert.Equal(t, []string{"keep", "keep"}, got)
	assert.False(t, sub.Active())
	assert.Equal(t, 0, bus.Stats().Subscribers)
}

func TestHandlerFailuresAreCounted(t *testing.T) {
	bus := newBus(t, events.DefaultEventBusConfig())

	var reached bool
	bus.Subscribe(func(events.Event) error { return errors.New("nope") })
	bus.Subscribe(func(events.Event) error { panic("boom") })
	bus.Subscribe(func(events.Event) error {
		reached = true
		return nil
	})

	bus.PublishSync(events.NewUnitEvent(events.EventTypeUnitFailed, "b", "u"))

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats.Failures)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.True(t, reached, "later subscribers still run")
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := newBus(t, events.EventBusConfig{BufferSize: 1})

	block := make(chan struct{})
	bus.Subscribe(func(events.Event) error {
		<-block
		return nil
	})

	for i := 0; i < 10; i++ {
		bus.Publish(events.NewUnitEvent(events.EventTypeUnitProgress, "b", "u"))
	}
	close(block)

	assert.Greater(t, bus.Stats().Dropped, int64(0))
}

func TestStopDrainsQueue(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(events.Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 20; i++ {
		bus.Publish(events.NewUnitEvent(events.EventTypeUnitProgress, "b", "u"))
	}
	bus.Stop()

	mu.Lock()
	assert.Equal(t, 20, count)
	mu.Unlock()

	bus.Publish(events.NewUnitEvent(events.EventTypeUnitProgress, "b", "u"))
	assert.Equal(t, int64(1), bus.Stats().Dropped)
}
