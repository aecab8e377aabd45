package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/cache"
	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/eventbus"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
	"example.com/backstage/services/scoring/internal/tracing"
)

// Cache is the subset of the redis cache the event service needs.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

const replayCacheTTL = 10 * time.Minute

// EventService is the boundary exposed to domain collaborators: publish
// events, replay aggregate state, manage snapshots.
type EventService struct {
	store             eventstore.EventStore
	bus               *eventbus.Bus
	cache             Cache
	tracer            tracing.Tracer
	snapshotInterval  int
	snapshotRetention int
}

// NewEventService wires an event service. Cache and tracer may be nil.
func NewEventService(store eventstore.EventStore, bus *eventbus.Bus, c Cache, tracer tracing.Tracer, cfg config.EventStoreConfig) *EventService {
	return &EventService{
		store:             store,
		bus:               bus,
		cache:             c,
		tracer:            tracer,
		snapshotInterval:  cfg.SnapshotInterval,
		snapshotRetention: cfg.SnapshotRetention,
	}
}

// PublishEvent publishes a domain event through the bus and takes an
// automatic snapshot when the aggregate's version crosses the configured
// interval. Snapshot failures are logged, never failing the publish.
func (s *EventService) PublishEvent(ctx context.Context, event domain.Event) (*models.Event, error) {
	if s.tracer != nil {
		txn := s.tracer.StartTransaction("event-service:publish")
		defer s.tracer.EndTransaction(txn)
		s.tracer.AddAttribute(txn, "aggregate_id", event.AggregateID)
		s.tracer.AddAttribute(txn, "event_type", event.Type)
	}

	stored, err := s.bus.Publish(ctx, event)
	if stored != nil && s.snapshotInterval > 0 && stored.Version%s.snapshotInterval == 0 {
		if _, snapErr := s.snapshotAt(ctx, stored.AggregateID, stored.AggregateType, stored.Version); snapErr != nil {
			log.Error().
				Err(snapErr).
				Str("aggregate_id", stored.AggregateID).
				Int("version", stored.Version).
				Msg("Automatic snapshot failed")
		}
	}

	return stored, err
}

// ReplayEvents folds an aggregate's state from its latest snapshot plus all
// later events. With no snapshot it folds from version 0. The folded state is
// cached per (aggregate, version).
func (s *EventService) ReplayEvents(ctx context.Context, aggregateID string) (map[string]interface{}, error) {
	if s.tracer != nil {
		txn := s.tracer.StartTransaction("event-service:replay")
		defer s.tracer.EndTransaction(txn)
		s.tracer.AddAttribute(txn, "aggregate_id", aggregateID)
	}

	version, err := s.store.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	cacheKey := cache.ReplayStateKey(aggregateID, version)
	if s.cache != nil {
		var cached map[string]interface{}
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	state := make(map[string]interface{})
	fromVersion := 0

	snapshot, err := s.store.LatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, &state); err != nil {
			return nil, errors.Wrap(err, "failed to decode snapshot state")
		}
		fromVersion = snapshot.Version
	}

	events, err := s.store.EventsFromVersion(ctx, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}

	if err := foldEvents(state, events); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, state, replayCacheTTL); err != nil {
			log.Warn().Err(err).Str("aggregate_id", aggregateID).Msg("Failed to cache replay state")
		}
	}

	return state, nil
}

// GetAggregateEvents returns all events for an aggregate in version order.
func (s *EventService) GetAggregateEvents(ctx context.Context, aggregateID string) ([]models.Event, error) {
	return s.store.EventsForAggregate(ctx, aggregateID)
}

// CurrentVersion returns the aggregate's latest version, 0 when it has none.
func (s *EventService) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	return s.store.CurrentVersion(ctx, aggregateID)
}

// CreateSnapshot explicitly snapshots an aggregate at its current version.
func (s *EventService) CreateSnapshot(ctx context.Context, aggregateID string) (*models.Snapshot, error) {
	version, err := s.store.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, errors.Errorf("aggregate %s has no events to snapshot", aggregateID)
	}

	events, err := s.store.EventsForAggregate(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	return s.snapshotFromEvents(ctx, aggregateID, events[0].AggregateType, version, events)
}

// snapshotAt folds events up to version and persists the snapshot, pruning
// older snapshots down to the configured retention.
func (s *EventService) snapshotAt(ctx context.Context, aggregateID, aggregateType string, version int) (*models.Snapshot, error) {
	events, err := s.store.EventsForAggregate(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	upTo := make([]models.Event, 0, len(events))
	for _, e := range events {
		if e.Version <= version {
			upTo = append(upTo, e)
		}
	}

	return s.snapshotFromEvents(ctx, aggregateID, aggregateType, version, upTo)
}

func (s *EventService) snapshotFromEvents(ctx context.Context, aggregateID, aggregateType string, version int, events []models.Event) (*models.Snapshot, error) {
	state := make(map[string]interface{})
	if err := foldEvents(state, events); err != nil {
		return nil, err
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode snapshot state")
	}

	lastTimestamp := time.Now().UTC()
	if len(events) > 0 {
		lastTimestamp = events[len(events)-1].Timestamp
	}

	snapshot, err := s.store.CreateSnapshot(ctx, aggregateID, aggregateType, version, stateBytes, len(events), lastTimestamp)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("aggregate_id", aggregateID).
		Int("version", version).
		Int("event_count", len(events)).
		Msg("Snapshot created")

	if s.snapshotRetention > 0 {
		if pruned, err := s.store.PruneSnapshots(ctx, aggregateID, s.snapshotRetention); err != nil {
			log.Warn().Err(err).Str("aggregate_id", aggregateID).Msg("Failed to prune snapshots")
		} else if pruned > 0 {
			log.Debug().Int64("pruned", pruned).Str("aggregate_id", aggregateID).Msg("Pruned old snapshots")
		}
	}

	return snapshot, nil
}

// foldEvents merges each event's JSON payload into state, later events
// overriding earlier keys.
func foldEvents(state map[string]interface{}, events []models.Event) error {
	for _, e := range events {
		if len(e.Payload) == 0 {
			continue
		}

		var payload map[string]interface{}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return errors.Wrapf(err, "failed to decode payload of event %s", e.EventID)
		}
		for k, v := range payload {
			state[k] = v
		}
	}

	return nil
}
