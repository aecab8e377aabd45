package deadletter

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

func TestMoveToDeadLetter(t *testing.T) {
	events := eventstore.NewMemoryEventStore()
	store := NewMemoryStore(events)
	ctx := context.Background()

	event, err := events.Append(ctx, "agent-1", "V1_SCORE_COMPUTED", []byte(`{"score":1}`), eventstore.AppendOptions{})
	require.NoError(t, err)

	cause := errors.New("index write rejected")
	entry, err := store.MoveToDeadLetter(ctx, event, cause, 3)
	require.NoError(t, err)
	require.Equal(t, event.EventID, entry.OriginalEventID)
	require.Equal(t, "index write rejected", entry.ErrorMessage)
	require.NotEmpty(t, entry.StackTrace)
	require.Equal(t, 3, entry.RetryCount)
	require.Equal(t, models.DeadLetterStatusPending, entry.Status)

	// The original event row is retained, flipped to DEAD_LETTER
	original, err := events.GetByEventID(ctx, event.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusDeadLetter, original.Status)
	require.NotNil(t, original.ErrorMessage)
	require.Equal(t, "index write rejected", *original.ErrorMessage)
}

func TestRetryRoundTrip(t *testing.T) {
	events := eventstore.NewMemoryEventStore()
	store := NewMemoryStore(events)
	ctx := context.Background()

	event, err := events.Append(ctx, "agent-1", "V1_SCORE_COMPUTED", []byte(`{}`), eventstore.AppendOptions{})
	require.NoError(t, err)

	entry, err := store.MoveToDeadLetter(ctx, event, errors.New("boom"), 3)
	require.NoError(t, err)

	retried, err := store.Retry(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, retried)
	require.Equal(t, entry.RetryCount+1, retried.RetryCount)
	require.Equal(t, models.DeadLetterStatusRetrying, retried.Status)
	require.NotNil(t, retried.LastAttemptAt)

	// The original event is eligible for re-dispatch again
	original, err := events.GetByEventID(ctx, event.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusPending, original.Status)
}

func TestRetryUnknownID(t *testing.T) {
	store := NewMemoryStore(eventstore.NewMemoryEventStore())

	entry, err := store.Retry(context.Background(), 404)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestPendingEntriesOrdering(t *testing.T) {
	events := eventstore.NewMemoryEventStore()
	store := NewMemoryStore(events)
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 3; i++ {
		event, err := events.Append(ctx, "agent-1", "V1_AGENT_UPDATED", []byte(`{}`), eventstore.AppendOptions{})
		require.NoError(t, err)
		entry, err := store.MoveToDeadLetter(ctx, event, errors.New("boom"), 1)
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}

	pending, err := store.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, entry := range pending {
		require.Equal(t, ids[i], entry.ID)
	}

	// RETRYING entries drop out of the pending view
	_, err = store.Retry(ctx, ids[0])
	require.NoError(t, err)
	pending, err = store.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	limited, err := store.PendingEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, ids[1], limited[0].ID)
}

func TestUpdateStatus(t *testing.T) {
	events := eventstore.NewMemoryEventStore()
	store := NewMemoryStore(events)
	ctx := context.Background()

	event, err := events.Append(ctx, "agent-1", "V1_AGENT_UPDATED", []byte(`{}`), eventstore.AppendOptions{})
	require.NoError(t, err)
	entry, err := store.MoveToDeadLetter(ctx, event, errors.New("boom"), 1)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, entry.ID, models.DeadLetterStatusManualReview, "needs eyes"))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.Error(t, store.UpdateStatus(ctx, 999, models.DeadLetterStatusResolved, ""))
}
