package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFanout(t *testing.T) {
	bus := NewEventBus()
	a, unsubA := bus.Subscribe()
	defer unsubA()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	require.Equal(t, 2, bus.Len())
	bus.PublishMessage("hello")

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			assert.Equal(t, EventMessage, evt.Type)
			assert.Equal(t, "hello", evt.Data)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestEventBusDropsSlowConsumers(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	// Overflow the subscriber buffer without draining. Publish must not
	// block, and the overflow is dropped rather than queued.
	for i := 0; i < 70; i++ {
		bus.PublishSendResult(i)
	}
	require.Len(t, ch, 64)

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 64, drained)
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	unsub()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Len())

	// Publishing with no subscribers must be harmless.
	bus.Publish(Event{Type: EventStatus})
}

func TestEventBusStampsTimestamps(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: EventStatus, Timestamp: fixed})

	evt := <-ch
	assert.Equal(t, fixed, evt.Timestamp)
}
