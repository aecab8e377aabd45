package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

// Wildcard subscribes a handler to every event type
const Wildcard = "*"

// Handler consumes published events. Handlers are identified by name so
// they can be unsubscribed.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event *models.Event) error
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, event *models.Event) error
}

func (h handlerFunc) Name() string { return h.name }

func (h handlerFunc) Handle(ctx context.Context, event *models.Event) error {
	return h.fn(ctx, event)
}

// NewHandler wraps a function as a named Handler
func NewHandler(name string, fn func(ctx context.Context, event *models.Event) error) Handler {
	return handlerFunc{name: name, fn: fn}
}

// Bus is the in-process publish/subscribe dispatcher. Every published event
// is appended to the event store before any handler sees it; handlers run
// concurrently, each inside its own retry loop, and terminal failures are
// routed to the dead-letter store.
type Bus struct {
	store       eventstore.EventStore
	deadLetters deadletter.Store
	cfg         config.BusConfig

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates a new event bus. deadLetters may be nil when dead-lettering
// is disabled.
func New(store eventstore.EventStore, deadLetters deadletter.Store, cfg config.BusConfig) *Bus {
	return &Bus{
		store:       store,
		deadLetters: deadLetters,
		cfg:         cfg,
		handlers:    make(map[string][]Handler),
	}
}

// Subscribe registers a handler for an event type. Use Wildcard to receive
// every event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	log.Debug().
		Str("event_type", eventType).
		Str("handler", handler.Name()).
		Msg("Handler subscribed")
}

// Unsubscribe removes the named handler from an event type
func (b *Bus) Unsubscribe(eventType, handlerName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	for i, handler := range handlers {
		if handler.Name() == handlerName {
			b.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Publish appends the event to the store, then dispatches it to all
// type-specific and wildcard handlers. The returned stored event is non-nil
// whenever the append succeeded, even if handling failed afterwards.
func (b *Bus) Publish(ctx context.Context, event domain.Event) (*models.Event, error) {
	payload, err := event.Payload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize event payload")
	}
	metadata, err := event.MetadataBytes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize event metadata")
	}

	// Durability first: a crash after this point leaves a replayable
	// PENDING row, not a lost event.
	stored, err := b.store.Append(ctx, event.AggregateID, event.Type, payload, eventstore.AppendOptions{
		AggregateType:   event.AggregateType,
		Metadata:        metadata,
		ExpectedVersion: event.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}

	handlers := b.handlersFor(event.Type)
	if len(handlers) == 0 {
		log.Debug().
			Str("event_type", event.Type).
			Msg("No handlers registered, event left pending")
		return stored, nil
	}

	if err := b.process(ctx, stored, handlers); err != nil {
		return stored, err
	}

	return stored, nil
}

// PublishAll publishes events sequentially. The batch is not atomic: when
// event k fails, events 1..k-1 stay published. At-least-once, by design.
func (b *Bus) PublishAll(ctx context.Context, events []domain.Event) ([]*models.Event, error) {
	stored := make([]*models.Event, 0, len(events))
	for _, event := range events {
		s, err := b.Publish(ctx, event)
		if s != nil {
			stored = append(stored, s)
		}
		if err != nil {
			return stored, err
		}
	}

	return stored, nil
}

// Redispatch re-runs handler dispatch for an already-stored event. Used by
// the redispatcher for PENDING rows, including dead-letter retries.
func (b *Bus) Redispatch(ctx context.Context, stored *models.Event) error {
	handlers := b.handlersFor(stored.EventType)
	if len(handlers) == 0 {
		return nil
	}

	return b.process(ctx, stored, handlers)
}

// process dispatches to handlers and settles the stored event's status. Any
// failure past the append is offered to the dead-letter store before being
// returned; a secondary dead-letter failure is logged, never masking the
// original error.
func (b *Bus) process(ctx context.Context, stored *models.Event, handlers []Handler) error {
	if err := b.dispatch(ctx, stored, handlers); err != nil {
		b.routeToDeadLetter(ctx, stored, err)
		return err
	}

	if err := b.store.MarkProcessed(ctx, stored.EventID); err != nil {
		err = errors.Wrap(err, "failed to mark event processed")
		b.routeToDeadLetter(ctx, stored, err)
		return err
	}

	return nil
}

// dispatch runs all handlers concurrently, each in its own retry loop
func (b *Bus) dispatch(ctx context.Context, stored *models.Event, handlers []Handler) error {
	g := &errgroup.Group{}
	if b.cfg.Concurrency > 0 {
		g.SetLimit(b.cfg.Concurrency)
	}

	for _, handler := range handlers {
		handler := handler
		g.Go(func() error {
			return b.invokeWithRetry(ctx, handler, stored)
		})
	}

	if err := g.Wait(); err != nil {
		if markErr := b.store.MarkFailed(ctx, stored.EventID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("event_id", stored.EventID).Msg("Failed to mark event failed")
		}
		if incErr := b.store.IncrementRetryCount(ctx, stored.EventID); incErr != nil {
			log.Error().Err(incErr).Str("event_id", stored.EventID).Msg("Failed to increment retry count")
		}
		stored.RetryCount++
		return err
	}

	return nil
}

// invokeWithRetry retries a failing handler with exponential backoff. The
// delay runs before the next attempt, never after the last one.
func (b *Bus) invokeWithRetry(ctx context.Context, handler Handler, stored *models.Event) error {
	maxRetries := b.cfg.MaxRetries
	if !b.cfg.RetryEnabled {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(b.cfg.BaseRetryDelay, b.cfg.MaxRetryDelay, attempt-1))
		}

		if err := handler.Handle(ctx, stored); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("event_id", stored.EventID).
				Str("handler", handler.Name()).
				Int("attempt", attempt+1).
				Msg("Handler failed")
			continue
		}

		return nil
	}

	return errors.Wrapf(lastErr, "handler %s exhausted %d retries", handler.Name(), maxRetries)
}

func (b *Bus) routeToDeadLetter(ctx context.Context, stored *models.Event, cause error) {
	if !b.cfg.DeadLetterEnabled || b.deadLetters == nil {
		return
	}

	if _, err := b.deadLetters.MoveToDeadLetter(ctx, stored, cause, stored.RetryCount); err != nil {
		log.Error().
			Err(err).
			Str("event_id", stored.EventID).
			Msg("Failed to move event to dead letter")
	}
}

func (b *Bus) handlersFor(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	specific := b.handlers[eventType]
	wildcard := b.handlers[Wildcard]

	handlers := make([]Handler, 0, len(specific)+len(wildcard))
	handlers = append(handlers, specific...)
	handlers = append(handlers, wildcard...)
	return handlers
}

// backoffDelay computes base * 2^attempt, capped at max
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}

	return delay
}
