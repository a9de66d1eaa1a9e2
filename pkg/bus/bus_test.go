package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan *Message, 1)
	sub, err := b.Subscribe(context.Background(), SubjectTaskCompleted, func(msg *Message) {
		got <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), SubjectTaskCompleted, []byte(`{"task_id":"t1"}`)))

	select {
	case msg := <-got:
		assert.Equal(t, SubjectTaskCompleted, msg.Subject)
		assert.JSONEq(t, `{"task_id":"t1"}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan string, 4)
	_, err := b.Subscribe(context.Background(), "bookingd.task.*", func(msg *Message) {
		got <- msg.Subject
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectTaskCompleted, nil))
	require.NoError(t, b.Publish(context.Background(), SubjectTaskFailed, nil))
	require.NoError(t, b.Publish(context.Background(), SubjectPoolEvents, nil))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("wildcard delivery incomplete")
		}
	}
	assert.True(t, seen[SubjectTaskCompleted])
	assert.True(t, seen[SubjectTaskFailed])
	select {
	case s := <-got:
		t.Fatalf("unexpected delivery: %s", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan *Message, 1)
	sub, err := b.Subscribe(context.Background(), SubjectPoolEvents, func(msg *Message) {
		got <- msg
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), SubjectPoolEvents, []byte("x")))
	select {
	case <-got:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), SubjectPoolEvents, nil), ErrClosed)
	_, err := b.Subscribe(context.Background(), SubjectPoolEvents, func(*Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"bookingd.task.completed", "bookingd.task.completed", true},
		{"bookingd.task.*", "bookingd.task.failed", true},
		{"bookingd.task.*", "bookingd.pool.events", false},
		{"bookingd.>", "bookingd.task.completed", true},
		{"bookingd.task.*", "bookingd.task", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchSubject(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.(*MemoryBus)
	assert.True(t, ok)
}
