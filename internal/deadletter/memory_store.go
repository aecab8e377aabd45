package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

// MemoryStore implements Store in memory, paired with a MemoryEventStore so
// the "entry write + original event flag" contract holds in tests too.
type MemoryStore struct {
	mu      sync.Mutex
	events  *eventstore.MemoryEventStore
	entries []*models.DeadLetterEntry
	nextID  uint
}

// NewMemoryStore creates a new in-memory dead-letter store
func NewMemoryStore(events *eventstore.MemoryEventStore) *MemoryStore {
	return &MemoryStore{events: events}
}

// MoveToDeadLetter persists the entry and flags the original event
func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, event *models.Event, cause error, retryCount int) (*models.DeadLetterEntry, error) {
	if err := s.events.MarkDeadLetter(ctx, event.EventID, cause.Error()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry := &models.DeadLetterEntry{
		ID:              s.nextID,
		OriginalEventID: event.EventID,
		AggregateID:     event.AggregateID,
		EventType:       event.EventType,
		Payload:         event.Payload,
		Metadata:        event.Metadata,
		ErrorMessage:    cause.Error(),
		StackTrace:      fmt.Sprintf("%+v", cause),
		RetryCount:      retryCount,
		Status:          models.DeadLetterStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	s.entries = append(s.entries, entry)

	copied := *entry
	return &copied, nil
}

// PendingEntries returns PENDING entries oldest-first
func (s *MemoryStore) PendingEntries(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.DeadLetterEntry
	for _, entry := range s.entries {
		if entry.Status != models.DeadLetterStatusPending {
			continue
		}
		entries = append(entries, *entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}

	return entries, nil
}

// Retry marks the entry RETRYING and resets the original event to PENDING
func (s *MemoryStore) Retry(ctx context.Context, id uint) (*models.DeadLetterEntry, error) {
	s.mu.Lock()
	var entry *models.DeadLetterEntry
	for _, candidate := range s.entries {
		if candidate.ID == id {
			entry = candidate
			break
		}
	}
	if entry == nil {
		s.mu.Unlock()
		return nil, nil
	}

	now := time.Now().UTC()
	entry.RetryCount++
	entry.LastAttemptAt = &now
	entry.Status = models.DeadLetterStatusRetrying
	copied := *entry
	s.mu.Unlock()

	if err := s.events.MarkPending(ctx, entry.OriginalEventID); err != nil {
		return nil, err
	}

	return &copied, nil
}

// UpdateStatus sets an entry's status and, optionally, error message
func (s *MemoryStore) UpdateStatus(ctx context.Context, id uint, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.ID == id {
			entry.Status = status
			if errorMessage != "" {
				entry.ErrorMessage = errorMessage
			}
			return nil
		}
	}

	return eventstore.ErrNotFound
}

// Count returns the total number of dead-letter entries
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.entries)), nil
}
