package event_bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSyncDeliversToSubscribers(t *testing.T) {
	bus := NewEventBus()

	var got []Event
	bus.Subscribe(EventGapDetected, NewBaseSubscriber("collector", func(e Event) error {
		got = append(got, e)
		return nil
	}))

	err := bus.PublishSync(Event{
		Type:   EventGapDetected,
		Source: "sync",
		Data:   GapData{Symbol: "BTC-USDT-SWAP", Timeframe: "1h", FromTS: 3600, ToTS: 7200},
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, EventGapDetected, got[0].Type)
	assert.False(t, got[0].Timestamp.IsZero())

	data, ok := got[0].Data.(GapData)
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-SWAP", data.Symbol)
}

func TestPublishSyncCollectsSubscriberError(t *testing.T) {
	bus := NewEventBus()

	subErr := errors.New("handler down")
	bus.Subscribe(EventSyncError, NewBaseSubscriber("bad", func(Event) error { return subErr }))

	calls := 0
	bus.Subscribe(EventSyncError, NewBaseSubscriber("good", func(Event) error {
		calls++
		return nil
	}))

	err := bus.PublishSync(Event{Type: EventSyncError})
	assert.ErrorIs(t, err, subErr)
	assert.Equal(t, 1, calls, "ошибка одного подписчика не мешает остальным")
}

func TestPublishRequiresRunningBus(t *testing.T) {
	bus := NewEventBus()

	err := bus.Publish(Event{Type: EventCandleMerged})
	require.Error(t, err)

	bus.Start()
	defer bus.Stop()

	require.NoError(t, bus.Publish(Event{Type: EventCandleMerged}))
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewEventBus(Config{BufferSize: 1, WorkerCount: 0})

	bus.mu.Lock()
	bus.running = true
	bus.mu.Unlock()

	require.NoError(t, bus.Publish(Event{Type: EventCandleMerged}))
	err := bus.Publish(Event{Type: EventCandleMerged})
	require.Error(t, err, "второе событие не влезает в буфер размера 1")

	metrics := bus.GetMetrics()
	assert.EqualValues(t, 1, metrics["events_published"])
	assert.EqualValues(t, 1, metrics["events_dropped"])
}
