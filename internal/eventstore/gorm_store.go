package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/scoring/internal/models"
)

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	db *gorm.DB
}

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

// Append inserts the next event for an aggregate. The unique
// (aggregate_id, version) index is what actually guards against two
// concurrent appends claiming the same version; the read-then-write check
// here only produces the friendlier conflict error.
func (s *GormEventStore) Append(ctx context.Context, aggregateID, eventType string, payload []byte, opts AppendOptions) (*models.Event, error) {
	current, err := s.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}

	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current {
		return nil, &VersionConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: *opts.ExpectedVersion,
			ActualVersion:   current,
		}
	}

	event := models.Event{
		EventID:       uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: opts.AggregateType,
		EventType:     eventType,
		Payload:       payload,
		Metadata:      opts.Metadata,
		Version:       current + 1,
		Status:        models.EventStatusPending,
		Timestamp:     time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent append won the version race
			return nil, &VersionConflictError{
				AggregateID:     aggregateID,
				ExpectedVersion: current + 1,
				ActualVersion:   current + 1,
			}
		}
		return nil, errors.Wrap(err, "failed to append event")
	}

	log.Info().
		Str("aggregate_id", aggregateID).
		Str("event_type", eventType).
		Int("version", event.Version).
		Msg("Event appended")

	return &event, nil
}

// CurrentVersion returns the latest version for an aggregate, 0 if none
func (s *GormEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_id = ?", aggregateID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to read current version")
	}

	return version, nil
}

// EventsForAggregate returns all events ordered by ascending version
func (s *GormEventStore) EventsForAggregate(ctx context.Context, aggregateID string) ([]models.Event, error) {
	return s.EventsFromVersion(ctx, aggregateID, 0)
}

// EventsFromVersion returns events with version > fromVersion, ascending
func (s *GormEventStore) EventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND version > ?", aggregateID, fromVersion).
		Order("version ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load events")
	}

	return events, nil
}

// Query returns committed events matching the filter
func (s *GormEventStore) Query(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{})

	if filter.AggregateID != "" {
		q = q.Where("aggregate_id = ?", filter.AggregateID)
	}
	if filter.AggregateType != "" {
		q = q.Where("aggregate_type = ?", filter.AggregateType)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		q = q.Where("timestamp >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("timestamp <= ?", filter.To)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var events []models.Event
	if err := q.Order("timestamp DESC").Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}

	return events, nil
}

// MarkProcessed marks an event as successfully handled
func (s *GormEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	return s.updateStatus(ctx, eventID, map[string]interface{}{
		"status":        models.EventStatusProcessed,
		"error_message": nil,
	})
}

// MarkFailed records a handler failure on the event
func (s *GormEventStore) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	return s.updateStatus(ctx, eventID, map[string]interface{}{
		"status":        models.EventStatusFailed,
		"error_message": &errorMessage,
	})
}

// MarkPending resets an event for re-dispatch
func (s *GormEventStore) MarkPending(ctx context.Context, eventID string) error {
	return s.updateStatus(ctx, eventID, map[string]interface{}{
		"status": models.EventStatusPending,
	})
}

func (s *GormEventStore) updateStatus(ctx context.Context, eventID string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update event status")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementRetryCount bumps the handler-level retry counter
func (s *GormEventStore) IncrementRetryCount(ctx context.Context, eventID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ?", eventID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to increment retry count")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// CreateSnapshot persists a snapshot and marks covered events, atomically
func (s *GormEventStore) CreateSnapshot(ctx context.Context, aggregateID, aggregateType string, version int, state []byte, eventCount int, lastEventTimestamp time.Time) (*models.Snapshot, error) {
	snapshot := models.Snapshot{
		AggregateID:        aggregateID,
		AggregateType:      aggregateType,
		Version:            version,
		State:              state,
		EventCount:         eventCount,
		LastEventTimestamp: lastEventTimestamp,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Event{}).
			Where("aggregate_id = ? AND version = ?", aggregateID, version).
			Count(&count).Error; err != nil {
			return errors.Wrap(err, "failed to verify snapshot version")
		}
		if count == 0 {
			return errors.Errorf("no event at version %d for aggregate %s", version, aggregateID)
		}

		if err := tx.Create(&snapshot).Error; err != nil {
			return errors.Wrap(err, "failed to create snapshot")
		}

		if err := tx.Model(&models.Event{}).
			Where("aggregate_id = ? AND version <= ?", aggregateID, version).
			Update("is_snapshotted", true).Error; err != nil {
			return errors.Wrap(err, "failed to mark snapshotted events")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("aggregate_id", aggregateID).
		Int("version", version).
		Int("event_count", eventCount).
		Msg("Snapshot created")

	return &snapshot, nil
}

// LatestSnapshot returns the most recent snapshot, nil if none
func (s *GormEventStore) LatestSnapshot(ctx context.Context, aggregateID string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load latest snapshot")
	}

	return &snapshot, nil
}

// SnapshotAtOrBefore returns the newest snapshot with version <= version
func (s *GormEventStore) SnapshotAtOrBefore(ctx context.Context, aggregateID string, version int) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND version <= ?", aggregateID, version).
		Order("version DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load snapshot")
	}

	return &snapshot, nil
}

// PruneSnapshots deletes all but the keepCount most recent snapshots
func (s *GormEventStore) PruneSnapshots(ctx context.Context, aggregateID string, keepCount int) (int64, error) {
	var keep []uint
	err := s.db.WithContext(ctx).
		Model(&models.Snapshot{}).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		Limit(keepCount).
		Pluck("id", &keep).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to select retained snapshots")
	}

	q := s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID)
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}

	result := q.Delete(&models.Snapshot{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to prune snapshots")
	}

	return result.RowsAffected, nil
}

// CountsByStatus returns event counts keyed by status
func (s *GormEventStore) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(ctx, "status")
}

// CountsByEventType returns event counts keyed by event type
func (s *GormEventStore) CountsByEventType(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(ctx, "event_type")
}

// CountsByAggregateType returns event counts keyed by aggregate type
func (s *GormEventStore) CountsByAggregateType(ctx context.Context) (map[string]int64, error) {
	return s.groupCount(ctx, "aggregate_type")
}

func (s *GormEventStore) groupCount(ctx context.Context, column string) (map[string]int64, error) {
	type row struct {
		Key   string
		Count int64
	}

	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Select(column + " AS key, COUNT(*) AS count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count events by %s", column)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Key] = r.Count
	}

	return counts, nil
}

// CountSince returns the number of events appended after the given time
func (s *GormEventStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("timestamp > ?", since).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count recent events")
	}

	return count, nil
}
