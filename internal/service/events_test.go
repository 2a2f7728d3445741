package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := NewQueue(8, nil)
	q.Post(Event{Kind: EventScanDue})
	q.Post(Event{Kind: EventStackStart})
	q.Post(Event{Kind: EventSendUplink})

	for _, want := range []Kind{EventScanDue, EventStackStart, EventSendUplink} {
		e, ok := q.TryNext()
		require.True(t, ok)
		require.Equal(t, want, e.Kind)
	}
	_, ok := q.TryNext()
	require.False(t, ok)
}

func TestQueueOverflowPurges(t *testing.T) {
	var purged []int
	q := NewQueue(4, func(n int) { purged = append(purged, n) })
	for i := 0; i < 4; i++ {
		q.Post(Event{Kind: EventStackHasWork})
	}
	q.Post(Event{Kind: EventScanDue})

	require.Equal(t, []int{4}, purged)
	require.Equal(t, 1, q.Len())
	e, _ := q.TryNext()
	require.Equal(t, EventScanDue, e.Kind)
}

func TestQueuePurge(t *testing.T) {
	calls := 0
	q := NewQueue(4, func(int) { calls++ })
	require.Equal(t, 0, q.Purge())
	require.Equal(t, 0, calls, "empty purge is not reported")

	q.Post(Event{Kind: EventScanDue})
	q.Post(Event{Kind: EventScanDue})
	require.Equal(t, 2, q.Purge())
	require.Equal(t, 1, calls)
	require.Equal(t, 0, q.Len())
}

func TestQueueNext(t *testing.T) {
	q := NewQueue(4, nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Post(Event{Kind: EventLongPress})
	}()
	e, err := q.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventLongPress, e.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "link-mode-restore", EventLinkModeRestore.String())
	require.Equal(t, "command", EventCommand.String())
	require.Equal(t, "unknown", Kind(0).String())
}
