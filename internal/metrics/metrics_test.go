package metrics

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

func seedStore(t *testing.T) (*eventstore.MemoryEventStore, *deadletter.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := eventstore.NewMemoryEventStore()
	deadLetters := deadletter.NewMemoryStore(store)

	for i := 0; i < 3; i++ {
		stored, err := store.Append(ctx, "agent-1", domain.ScoreComputed, []byte(`{}`), eventstore.AppendOptions{AggregateType: domain.AggregateAgent})
		require.NoError(t, err)
		require.NoError(t, store.MarkProcessed(ctx, stored.EventID))
	}

	_, err := store.Append(ctx, "feed-1", domain.PriceFeedUpdated, []byte(`{}`), eventstore.AppendOptions{AggregateType: domain.AggregatePriceFeed})
	require.NoError(t, err)

	failed, err := store.Append(ctx, "agent-2", domain.ScoreComputed, []byte(`{}`), eventstore.AppendOptions{AggregateType: domain.AggregateAgent})
	require.NoError(t, err)
	_, err = deadLetters.MoveToDeadLetter(ctx, failed, errors.New("handler exploded"), 1)
	require.NoError(t, err)

	return store, deadLetters
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	store, deadLetters := seedStore(t)

	collector := NewCollector(store, deadLetters, config.HealthConfig{})
	snapshot, err := collector.Collect(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(5), snapshot.TotalEvents)
	require.Equal(t, int64(3), snapshot.ProcessedEvents)
	require.Equal(t, int64(1), snapshot.PendingEvents)
	require.Equal(t, int64(1), snapshot.DeadLetterEvents)
	require.Equal(t, int64(1), snapshot.DeadLetterEntries)
	require.Equal(t, int64(4), snapshot.ByEventType[domain.ScoreComputed])
	require.Equal(t, int64(1), snapshot.ByEventType[domain.PriceFeedUpdated])
	require.Equal(t, int64(4), snapshot.ByAggregateType[domain.AggregateAgent])
	require.Equal(t, int64(5), snapshot.EventsLastMinute)
	require.GreaterOrEqual(t, snapshot.UptimeSeconds, 0.0)
}

func TestCheckHealthHealthy(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryEventStore()
	deadLetters := deadletter.NewMemoryStore(store)

	stored, err := store.Append(ctx, "agent-1", domain.ScoreComputed, []byte(`{}`), eventstore.AppendOptions{})
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, stored.EventID))

	collector := NewCollector(store, deadLetters, config.HealthConfig{
		MaxFailureRate:   0.10,
		MaxPendingEvents: 100,
		MaxDeadLetters:   10,
	})

	health, err := collector.CheckHealth(ctx)
	require.NoError(t, err)
	require.True(t, health.Healthy)
	require.Empty(t, health.Reasons)
	require.Zero(t, health.FailureRate)
}

func TestCheckHealthFailureRate(t *testing.T) {
	ctx := context.Background()
	store, deadLetters := seedStore(t)

	// 2 of 6 events failed or dead-lettered once the extra failure lands
	require.NoError(t, store.MarkFailed(ctx, mustAppend(t, store).EventID, "boom"))

	collector := NewCollector(store, deadLetters, config.HealthConfig{MaxFailureRate: 0.10})
	health, err := collector.CheckHealth(ctx)
	require.NoError(t, err)
	require.False(t, health.Healthy)
	require.Contains(t, health.Reasons, "failure rate above threshold")
}

func TestCheckHealthPendingBacklog(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryEventStore()
	deadLetters := deadletter.NewMemoryStore(store)

	for i := 0; i < 3; i++ {
		mustAppend(t, store)
	}

	collector := NewCollector(store, deadLetters, config.HealthConfig{MaxPendingEvents: 2})
	health, err := collector.CheckHealth(ctx)
	require.NoError(t, err)
	require.False(t, health.Healthy)
	require.Contains(t, health.Reasons, "too many pending events")
}

func TestCheckHealthDeadLetterBacklog(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryEventStore()
	deadLetters := deadletter.NewMemoryStore(store)

	for i := 0; i < 2; i++ {
		stored := mustAppend(t, store)
		_, err := deadLetters.MoveToDeadLetter(ctx, stored, errors.New("boom"), 0)
		require.NoError(t, err)
	}

	collector := NewCollector(store, deadLetters, config.HealthConfig{MaxDeadLetters: 1})
	health, err := collector.CheckHealth(ctx)
	require.NoError(t, err)
	require.False(t, health.Healthy)
	require.Contains(t, health.Reasons, "too many dead letters")
}

func TestZeroThresholdsDisableChecks(t *testing.T) {
	ctx := context.Background()
	store, deadLetters := seedStore(t)

	collector := NewCollector(store, deadLetters, config.HealthConfig{})
	health, err := collector.CheckHealth(ctx)
	require.NoError(t, err)
	require.True(t, health.Healthy)
}

func mustAppend(t *testing.T, store *eventstore.MemoryEventStore) *models.Event {
	t.Helper()
	stored, err := store.Append(context.Background(), "agent-x", domain.ScoreComputed, []byte(`{}`), eventstore.AppendOptions{})
	require.NoError(t, err)
	return stored
}
