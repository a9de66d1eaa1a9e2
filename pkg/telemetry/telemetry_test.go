package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch1, unsub1 := hub.Subscribe()
	defer unsub1()
	ch2, unsub2 := hub.Subscribe()
	defer unsub2()

	hub.Publish(Event{Type: EventTaskStarted, TaskID: "t1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventTaskStarted, ev.Type)
			assert.Equal(t, "t1", ev.TaskID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	unsub()
	// Channel is closed on unsubscribe.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	hub.Publish(Event{Type: EventSessionCreated})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			hub.Publish(Event{Type: EventStepStarted})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	// The buffer holds what it can; the rest were dropped.
	assert.LessOrEqual(t, len(ch), 64)
	assert.Greater(t, len(ch), 0)
}

func TestCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe()
	hub.Close()

	_, open := <-ch
	assert.False(t, open)

	// Subscribe after close yields a closed channel.
	ch2, unsub := hub.Subscribe()
	defer unsub()
	_, open = <-ch2
	require.False(t, open)

	hub.Publish(Event{Type: EventTaskFailed})
}

func TestNilHubPublishIsSafe(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: EventTaskStarted})
}
