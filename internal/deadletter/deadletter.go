package deadletter

import (
	"context"

	"example.com/backstage/services/scoring/internal/models"
)

// Store holds events whose processing permanently failed, pending manual
// review or retry. Moving an event here and flagging the original row are
// always applied together; retrying resets the original row to PENDING so
// the redispatcher picks it up again.
type Store interface {
	// MoveToDeadLetter persists a dead-letter entry for the event and sets
	// the original event's status to DEAD_LETTER with the error message.
	MoveToDeadLetter(ctx context.Context, event *models.Event, cause error, retryCount int) (*models.DeadLetterEntry, error)

	// PendingEntries returns PENDING entries oldest-first
	PendingEntries(ctx context.Context, limit int) ([]models.DeadLetterEntry, error)

	// Retry increments the entry's retry count, stamps the attempt, sets the
	// entry status to RETRYING, and resets the original event to PENDING.
	// Returns (nil, nil) when the id does not exist; callers must check.
	Retry(ctx context.Context, id uint) (*models.DeadLetterEntry, error)

	// UpdateStatus sets an entry's status and, optionally, error message
	UpdateStatus(ctx context.Context, id uint, status, errorMessage string) error

	// Count returns the total number of dead-letter entries
	Count(ctx context.Context) (int64, error)
}
