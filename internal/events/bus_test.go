package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeQuarantineApplied)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeQuarantineApplied, "gateway", "agent-1", map[string]interface{}{"score": 90})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeQuarantineApplied, ev.Type)
		assert.Equal(t, "agent-1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeIgnoresNonMatchingType(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeQuarantineApplied)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeProxyAllowed, "gateway", "agent-1", nil)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAllEventsSubscriberReceivesEverything(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeInvokeAllowed, "broker", "agent-2", nil)
	bus.Emit(TypeProxyBlocked, "gateway", "agent-2", nil)

	first := <-ch
	second := <-ch
	assert.Equal(t, TypeInvokeAllowed, first.Type)
	assert.Equal(t, TypeProxyBlocked, second.Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormatIncludesTypeAndID(t *testing.T) {
	event := NewCloudEvent(TypeQuarantineApplied, "gateway", "agent-3", nil)
	payload, err := event.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "event: "+TypeQuarantineApplied)
	assert.Contains(t, string(payload), event.ID)
}

func TestSubscriberCount(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe(TypeInvokeAllowed)
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	assert.Equal(t, 2, bus.SubscriberCount())
}
