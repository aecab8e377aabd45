package eventstore

import (
	"context"
	"time"

	"example.com/backstage/services/scoring/internal/models"
)

// AppendOptions carries the optional parameters for an append
type AppendOptions struct {
	AggregateType   string
	Metadata        []byte
	ExpectedVersion *int
}

// EventFilter describes a paginated event query. Zero values mean
// "not filtered". Results are ordered by timestamp descending.
type EventFilter struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Status        string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// EventStore is the append-only, optimistically versioned event log
type EventStore interface {
	// Append inserts the next event for an aggregate. When
	// opts.ExpectedVersion is set and differs from the aggregate's current
	// version, the append fails with a VersionConflictError and writes
	// nothing.
	Append(ctx context.Context, aggregateID, eventType string, payload []byte, opts AppendOptions) (*models.Event, error)

	// CurrentVersion returns the latest version for an aggregate, 0 if none
	CurrentVersion(ctx context.Context, aggregateID string) (int, error)

	// EventsForAggregate returns all events ordered by ascending version
	EventsForAggregate(ctx context.Context, aggregateID string) ([]models.Event, error)

	// EventsFromVersion returns events with version > fromVersion, ascending
	EventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]models.Event, error)

	// Query returns committed events matching the filter
	Query(ctx context.Context, filter EventFilter) ([]models.Event, error)

	// MarkProcessed marks an event as successfully handled
	MarkProcessed(ctx context.Context, eventID string) error

	// MarkFailed records a handler failure on the event
	MarkFailed(ctx context.Context, eventID, errorMessage string) error

	// MarkPending resets an event for re-dispatch
	MarkPending(ctx context.Context, eventID string) error

	// IncrementRetryCount bumps the handler-level retry counter
	IncrementRetryCount(ctx context.Context, eventID string) error

	// CreateSnapshot persists a snapshot and marks all events with
	// version <= the snapshot version as snapshotted, atomically.
	CreateSnapshot(ctx context.Context, aggregateID, aggregateType string, version int, state []byte, eventCount int, lastEventTimestamp time.Time) (*models.Snapshot, error)

	// LatestSnapshot returns the most recent snapshot, nil if none
	LatestSnapshot(ctx context.Context, aggregateID string) (*models.Snapshot, error)

	// SnapshotAtOrBefore returns the newest snapshot with version <= version
	SnapshotAtOrBefore(ctx context.Context, aggregateID string, version int) (*models.Snapshot, error)

	// PruneSnapshots deletes all but the keepCount most recent snapshots
	PruneSnapshots(ctx context.Context, aggregateID string, keepCount int) (int64, error)

	// CountsByStatus returns event counts keyed by status
	CountsByStatus(ctx context.Context) (map[string]int64, error)

	// CountsByEventType returns event counts keyed by event type
	CountsByEventType(ctx context.Context) (map[string]int64, error)

	// CountsByAggregateType returns event counts keyed by aggregate type
	CountsByAggregateType(ctx context.Context) (map[string]int64, error)

	// CountSince returns the number of events appended after the given time
	CountSince(ctx context.Context, since time.Time) (int64, error)
}
