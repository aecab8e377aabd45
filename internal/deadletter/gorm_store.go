package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/scoring/internal/models"
)

// GormStore implements Store using GORM
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM dead-letter store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// MoveToDeadLetter persists the entry and flags the original event, atomically
func (s *GormStore) MoveToDeadLetter(ctx context.Context, event *models.Event, cause error, retryCount int) (*models.DeadLetterEntry, error) {
	entry := models.DeadLetterEntry{
		OriginalEventID: event.EventID,
		AggregateID:     event.AggregateID,
		EventType:       event.EventType,
		Payload:         event.Payload,
		Metadata:        event.Metadata,
		ErrorMessage:    cause.Error(),
		StackTrace:      fmt.Sprintf("%+v", cause),
		RetryCount:      retryCount,
		Status:          models.DeadLetterStatusPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return errors.Wrap(err, "failed to create dead letter entry")
		}

		errMsg := cause.Error()
		result := tx.Model(&models.Event{}).
			Where("event_id = ?", event.EventID).
			Updates(map[string]interface{}{
				"status":        models.EventStatusDeadLetter,
				"error_message": &errMsg,
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to flag original event")
		}
		if result.RowsAffected == 0 {
			return errors.Errorf("original event %s not found", event.EventID)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("error", cause.Error()).
		Msg("Event moved to dead letter")

	return &entry, nil
}

// PendingEntries returns PENDING entries oldest-first
func (s *GormStore) PendingEntries(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	var entries []models.DeadLetterEntry
	q := s.db.WithContext(ctx).
		Where("status = ?", models.DeadLetterStatusPending).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load pending dead letters")
	}

	return entries, nil
}

// Retry marks the entry RETRYING and resets the original event to PENDING
func (s *GormStore) Retry(ctx context.Context, id uint) (*models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, id).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		entry.RetryCount++
		entry.LastAttemptAt = &now
		entry.Status = models.DeadLetterStatusRetrying
		if err := tx.Save(&entry).Error; err != nil {
			return errors.Wrap(err, "failed to update dead letter entry")
		}

		if err := tx.Model(&models.Event{}).
			Where("event_id = ?", entry.OriginalEventID).
			Update("status", models.EventStatusPending).Error; err != nil {
			return errors.Wrap(err, "failed to reset original event")
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	log.Info().
		Uint("entry_id", id).
		Str("event_id", entry.OriginalEventID).
		Int("retry_count", entry.RetryCount).
		Msg("Dead letter entry queued for retry")

	return &entry, nil
}

// UpdateStatus sets an entry's status and, optionally, error message
func (s *GormStore) UpdateStatus(ctx context.Context, id uint, status, errorMessage string) error {
	updates := map[string]interface{}{"status": status}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}

	result := s.db.WithContext(ctx).
		Model(&models.DeadLetterEntry{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update dead letter status")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

// Count returns the total number of dead-letter entries
func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count dead letters")
	}

	return count, nil
}
