package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

func testBusConfig() config.BusConfig {
	return config.BusConfig{
		RetryEnabled:      true,
		MaxRetries:        3,
		BaseRetryDelay:    10 * time.Millisecond,
		MaxRetryDelay:     time.Second,
		DeadLetterEnabled: true,
	}
}

func newTestBus(cfg config.BusConfig) (*Bus, *eventstore.MemoryEventStore, *deadletter.MemoryStore) {
	store := eventstore.NewMemoryEventStore()
	deadLetters := deadletter.NewMemoryStore(store)
	return New(store, deadLetters, cfg), store, deadLetters
}

func testEvent() domain.Event {
	return domain.NewEvent("agent-1", domain.AggregateAgent, domain.ScoreComputedData{
		AgentID: "agent-1",
		JobID:   "job-1",
		Score:   92.5,
	})
}

func TestPublishHappyPath(t *testing.T) {
	bus, store, _ := newTestBus(testBusConfig())
	ctx := context.Background()

	var calls int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("counter", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	stored, err := bus.Publish(ctx, testEvent())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusProcessed, after.Status)
}

func TestPublishNoHandlers(t *testing.T) {
	bus, store, _ := newTestBus(testBusConfig())
	ctx := context.Background()

	stored, err := bus.Publish(ctx, testEvent())
	require.NoError(t, err)

	// The event is durable but nothing consumed it
	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusPending, after.Status)
}

func TestWildcardHandler(t *testing.T) {
	bus, _, _ := newTestBus(testBusConfig())
	ctx := context.Background()

	var specific, wildcard int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("specific", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&specific, 1)
		return nil
	}))
	bus.Subscribe(Wildcard, NewHandler("audit", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&wildcard, 1)
		return nil
	}))

	_, err := bus.Publish(ctx, testEvent())
	require.NoError(t, err)

	other := domain.NewEvent("feed-1", domain.AggregatePriceFeed, domain.PriceFeedUpdatedData{FeedID: "feed-1"})
	_, err = bus.Publish(ctx, other)
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&specific))
	require.Equal(t, int32(2), atomic.LoadInt32(&wildcard))
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	cfg := testBusConfig()
	bus, store, deadLetters := newTestBus(cfg)
	ctx := context.Background()

	var calls int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("flaky", func(ctx context.Context, event *models.Event) error {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return errors.New("transient failure")
		}
		return nil
	}))

	start := time.Now()
	stored, err := bus.Publish(ctx, testEvent())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Backoff delays of base and base*2 ran between the attempts
	require.GreaterOrEqual(t, elapsed, cfg.BaseRetryDelay+2*cfg.BaseRetryDelay)

	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusProcessed, after.Status)

	count, err := deadLetters.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	cfg := testBusConfig()
	bus, store, deadLetters := newTestBus(cfg)
	ctx := context.Background()

	var calls int32
	handlerErr := errors.New("permanent failure")
	bus.Subscribe(domain.ScoreComputed, NewHandler("broken", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&calls, 1)
		return handlerErr
	}))

	stored, err := bus.Publish(ctx, testEvent())
	require.Error(t, err)
	require.ErrorIs(t, err, handlerErr)
	require.NotNil(t, stored)

	// Initial attempt plus maxRetries retries
	require.Equal(t, int32(cfg.MaxRetries+1), atomic.LoadInt32(&calls))

	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusDeadLetter, after.Status)
	require.Equal(t, 1, after.RetryCount)

	entries, err := deadLetters.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, stored.EventID, entries[0].OriginalEventID)
	require.Contains(t, entries[0].ErrorMessage, "permanent failure")
}

func TestDeadLetterDisabled(t *testing.T) {
	cfg := testBusConfig()
	cfg.DeadLetterEnabled = false
	cfg.MaxRetries = 0
	bus, store, deadLetters := newTestBus(cfg)
	ctx := context.Background()

	bus.Subscribe(domain.ScoreComputed, NewHandler("broken", func(ctx context.Context, event *models.Event) error {
		return errors.New("nope")
	}))

	stored, err := bus.Publish(ctx, testEvent())
	require.Error(t, err)

	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusFailed, after.Status)

	count, err := deadLetters.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestRetryDisabled(t *testing.T) {
	cfg := testBusConfig()
	cfg.RetryEnabled = false
	bus, _, _ := newTestBus(cfg)
	ctx := context.Background()

	var calls int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("broken", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("nope")
	}))

	_, err := bus.Publish(ctx, testEvent())
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOneFailingHandlerDoesNotRedeliverOthers(t *testing.T) {
	cfg := testBusConfig()
	cfg.MaxRetries = 1
	bus, _, _ := newTestBus(cfg)
	ctx := context.Background()

	var good, bad int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("good", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&good, 1)
		return nil
	}))
	bus.Subscribe(domain.ScoreComputed, NewHandler("bad", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&bad, 1)
		return errors.New("nope")
	}))

	_, err := bus.Publish(ctx, testEvent())
	require.Error(t, err)

	// The succeeding handler ran once; only the failing one was retried
	require.Equal(t, int32(1), atomic.LoadInt32(&good))
	require.Equal(t, int32(2), atomic.LoadInt32(&bad))
}

func TestHandlersRunConcurrently(t *testing.T) {
	bus, _, _ := newTestBus(testBusConfig())
	ctx := context.Background()

	first := make(chan struct{})
	second := make(chan struct{})

	rendezvous := func(mine, other chan struct{}) error {
		close(mine)
		select {
		case <-other:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer handler never started")
		}
	}

	bus.Subscribe(domain.ScoreComputed, NewHandler("first", func(ctx context.Context, event *models.Event) error {
		return rendezvous(first, second)
	}))
	bus.Subscribe(domain.ScoreComputed, NewHandler("second", func(ctx context.Context, event *models.Event) error {
		return rendezvous(second, first)
	}))

	_, err := bus.Publish(ctx, testEvent())
	require.NoError(t, err)
}

func TestPublishAllPartialFailure(t *testing.T) {
	cfg := testBusConfig()
	cfg.MaxRetries = 0
	bus, store, _ := newTestBus(cfg)
	ctx := context.Background()

	var calls int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("second-fails", func(ctx context.Context, event *models.Event) error {
		if atomic.AddInt32(&calls, 1) == 2 {
			return errors.New("nope")
		}
		return nil
	}))

	events := []domain.Event{testEvent(), testEvent(), testEvent()}
	stored, err := bus.PublishAll(ctx, events)
	require.Error(t, err)

	// Events before and including the failure were appended; the third never ran
	require.Len(t, stored, 2)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	version, err := store.CurrentVersion(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 2, version)
}

func TestUnsubscribe(t *testing.T) {
	bus, store, _ := newTestBus(testBusConfig())
	ctx := context.Background()

	var calls int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("once", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	_, err := bus.Publish(ctx, testEvent())
	require.NoError(t, err)

	bus.Unsubscribe(domain.ScoreComputed, "once")

	stored, err := bus.Publish(ctx, testEvent())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusPending, after.Status)
}

func TestRedispatcherDeliversRetriedDeadLetters(t *testing.T) {
	cfg := testBusConfig()
	cfg.MaxRetries = 0
	bus, store, deadLetters := newTestBus(cfg)
	ctx := context.Background()

	var failing int32 = 1
	var calls int32
	bus.Subscribe(domain.ScoreComputed, NewHandler("recovers", func(ctx context.Context, event *models.Event) error {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&failing) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}))

	stored, err := bus.Publish(ctx, testEvent())
	require.Error(t, err)

	entries, err := deadLetters.PendingEntries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Operator retries the dead letter; the downstream has recovered
	atomic.StoreInt32(&failing, 0)
	_, err = deadLetters.Retry(ctx, entries[0].ID)
	require.NoError(t, err)

	redispatcher := NewRedispatcher(store, bus, time.Second, 10)
	require.NoError(t, redispatcher.ProcessBatch(ctx))

	after, err := store.GetByEventID(ctx, stored.EventID)
	require.NoError(t, err)
	require.Equal(t, models.EventStatusProcessed, after.Status)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBackoffDelayCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second

	require.Equal(t, base, backoffDelay(base, max, 0))
	require.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 1))
	require.Equal(t, 400*time.Millisecond, backoffDelay(base, max, 2))
	require.Equal(t, max, backoffDelay(base, max, 10))
}
