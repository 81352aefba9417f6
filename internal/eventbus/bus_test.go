package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobFired, JobID: "a"})
	b.Publish(Event{Type: JobFired, JobID: "b"}) // dropped

	e := <-ch
	require.Equal(t, "a", e.JobID)
	require.False(t, e.Time.IsZero())
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: JobFired})
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Event{Type: JobFired, JobID: fmt.Sprintf("j%d", i%2)})
	}
	all := h.Items("", 0)
	require.Len(t, all, 3)
	require.Equal(t, "j0", all[0].JobID) // i=4
	require.Equal(t, "j1", all[1].JobID) // i=3

	require.Len(t, h.Items("j0", 0), 2)
	require.Len(t, h.Items("", 1), 1)
}

func TestHistoryRunRecordsBusEvents(t *testing.T) {
	t.Parallel()
	b := New()
	h := NewHistory(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, b) }()

	require.Eventually(t, func() bool {
		b.Publish(Event{Type: TriggerAdded, JobID: "ping"})
		return len(h.Items("ping", 0)) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
