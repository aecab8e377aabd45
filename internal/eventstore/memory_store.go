package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/scoring/internal/models"
)

// MemoryEventStore implements EventStore in memory. It mirrors the GORM
// store's semantics, including the unique (aggregateID, version) guard, and
// backs the test suites that need full store behaviour without a database.
type MemoryEventStore struct {
	mu        sync.Mutex
	events    map[string][]*models.Event // keyed by aggregate ID, version order
	byEventID map[string]*models.Event
	snapshots map[string][]*models.Snapshot // keyed by aggregate ID, version order
	nextID    uint
}

// NewMemoryEventStore creates a new in-memory event store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events:    make(map[string][]*models.Event),
		byEventID: make(map[string]*models.Event),
		snapshots: make(map[string][]*models.Snapshot),
	}
}

// Append inserts the next event for an aggregate
func (s *MemoryEventStore) Append(ctx context.Context, aggregateID, eventType string, payload []byte, opts AppendOptions) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.events[aggregateID])
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current {
		return nil, &VersionConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: *opts.ExpectedVersion,
			ActualVersion:   current,
		}
	}

	s.nextID++
	now := time.Now().UTC()
	event := &models.Event{
		ID:            s.nextID,
		EventID:       uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: opts.AggregateType,
		EventType:     eventType,
		Payload:       payload,
		Metadata:      opts.Metadata,
		Version:       current + 1,
		Status:        models.EventStatusPending,
		Timestamp:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.events[aggregateID] = append(s.events[aggregateID], event)
	s.byEventID[event.EventID] = event

	copied := *event
	return &copied, nil
}

// CurrentVersion returns the latest version for an aggregate, 0 if none
func (s *MemoryEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events[aggregateID]), nil
}

// EventsForAggregate returns all events ordered by ascending version
func (s *MemoryEventStore) EventsForAggregate(ctx context.Context, aggregateID string) ([]models.Event, error) {
	return s.EventsFromVersion(ctx, aggregateID, 0)
}

// EventsFromVersion returns events with version > fromVersion, ascending
func (s *MemoryEventStore) EventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []models.Event
	for _, event := range s.events[aggregateID] {
		if event.Version > fromVersion {
			events = append(events, *event)
		}
	}

	return events, nil
}

// Query returns events matching the filter, timestamp descending
func (s *MemoryEventStore) Query(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Event
	for _, events := range s.events {
		for _, event := range events {
			if filter.AggregateID != "" && event.AggregateID != filter.AggregateID {
				continue
			}
			if filter.AggregateType != "" && event.AggregateType != filter.AggregateType {
				continue
			}
			if filter.EventType != "" && event.EventType != filter.EventType {
				continue
			}
			if filter.Status != "" && event.Status != filter.Status {
				continue
			}
			if !filter.From.IsZero() && event.Timestamp.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && event.Timestamp.After(filter.To) {
				continue
			}
			matched = append(matched, *event)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

// MarkProcessed marks an event as successfully handled
func (s *MemoryEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	return s.update(eventID, func(event *models.Event) {
		event.Status = models.EventStatusProcessed
		event.ErrorMessage = nil
	})
}

// MarkFailed records a handler failure on the event
func (s *MemoryEventStore) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	return s.update(eventID, func(event *models.Event) {
		event.Status = models.EventStatusFailed
		event.ErrorMessage = &errorMessage
	})
}

// MarkPending resets an event for re-dispatch
func (s *MemoryEventStore) MarkPending(ctx context.Context, eventID string) error {
	return s.update(eventID, func(event *models.Event) {
		event.Status = models.EventStatusPending
	})
}

// MarkDeadLetter moves an event to the dead-letter status
func (s *MemoryEventStore) MarkDeadLetter(ctx context.Context, eventID, errorMessage string) error {
	return s.update(eventID, func(event *models.Event) {
		event.Status = models.EventStatusDeadLetter
		event.ErrorMessage = &errorMessage
	})
}

// IncrementRetryCount bumps the handler-level retry counter
func (s *MemoryEventStore) IncrementRetryCount(ctx context.Context, eventID string) error {
	return s.update(eventID, func(event *models.Event) {
		event.RetryCount++
	})
}

func (s *MemoryEventStore) update(eventID string, apply func(*models.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.byEventID[eventID]
	if !ok {
		return ErrNotFound
	}

	apply(event)
	event.UpdatedAt = time.Now().UTC()
	return nil
}

// GetByEventID returns a copy of the stored event, for tests and redispatch
func (s *MemoryEventStore) GetByEventID(ctx context.Context, eventID string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.byEventID[eventID]
	if !ok {
		return nil, ErrNotFound
	}

	copied := *event
	return &copied, nil
}

// CreateSnapshot persists a snapshot and marks covered events
func (s *MemoryEventStore) CreateSnapshot(ctx context.Context, aggregateID, aggregateType string, version int, state []byte, eventCount int, lastEventTimestamp time.Time) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version < 1 || version > len(s.events[aggregateID]) {
		return nil, ErrNotFound
	}

	for _, existing := range s.snapshots[aggregateID] {
		if existing.Version == version {
			return nil, &VersionConflictError{
				AggregateID:     aggregateID,
				ExpectedVersion: version,
				ActualVersion:   version,
			}
		}
	}

	s.nextID++
	snapshot := &models.Snapshot{
		ID:                 s.nextID,
		AggregateID:        aggregateID,
		AggregateType:      aggregateType,
		Version:            version,
		State:              state,
		EventCount:         eventCount,
		LastEventTimestamp: lastEventTimestamp,
		CreatedAt:          time.Now().UTC(),
	}

	s.snapshots[aggregateID] = append(s.snapshots[aggregateID], snapshot)
	sort.Slice(s.snapshots[aggregateID], func(i, j int) bool {
		return s.snapshots[aggregateID][i].Version < s.snapshots[aggregateID][j].Version
	})

	for _, event := range s.events[aggregateID] {
		if event.Version <= version {
			event.IsSnapshotted = true
		}
	}

	copied := *snapshot
	return &copied, nil
}

// LatestSnapshot returns the most recent snapshot, nil if none
func (s *MemoryEventStore) LatestSnapshot(ctx context.Context, aggregateID string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[aggregateID]
	if len(snapshots) == 0 {
		return nil, nil
	}

	copied := *snapshots[len(snapshots)-1]
	return &copied, nil
}

// SnapshotAtOrBefore returns the newest snapshot with version <= version
func (s *MemoryEventStore) SnapshotAtOrBefore(ctx context.Context, aggregateID string, version int) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[aggregateID]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].Version <= version {
			copied := *snapshots[i]
			return &copied, nil
		}
	}

	return nil, nil
}

// PruneSnapshots deletes all but the keepCount most recent snapshots
func (s *MemoryEventStore) PruneSnapshots(ctx context.Context, aggregateID string, keepCount int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[aggregateID]
	if keepCount < 0 {
		keepCount = 0
	}
	if len(snapshots) <= keepCount {
		return 0, nil
	}

	deleted := int64(len(snapshots) - keepCount)
	s.snapshots[aggregateID] = append([]*models.Snapshot(nil), snapshots[len(snapshots)-keepCount:]...)
	return deleted, nil
}

// CountsByStatus returns event counts keyed by status
func (s *MemoryEventStore) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(func(event *models.Event) string { return event.Status }), nil
}

// CountsByEventType returns event counts keyed by event type
func (s *MemoryEventStore) CountsByEventType(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(func(event *models.Event) string { return event.EventType }), nil
}

// CountsByAggregateType returns event counts keyed by aggregate type
func (s *MemoryEventStore) CountsByAggregateType(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(func(event *models.Event) string { return event.AggregateType }), nil
}

func (s *MemoryEventStore) groupCount(key func(*models.Event) string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64)
	for _, events := range s.events {
		for _, event := range events {
			counts[key(event)]++
		}
	}

	return counts
}

// CountSince returns the number of events appended after the given time
func (s *MemoryEventStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, events := range s.events {
		for _, event := range events {
			if event.Timestamp.After(since) {
				count++
			}
		}
	}

	return count, nil
}
