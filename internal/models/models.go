package models

import (
	"time"

	"gorm.io/gorm"
)

// Event statuses
const (
	EventStatusPending    = "PENDING"
	EventStatusProcessed  = "PROCESSED"
	EventStatusFailed     = "FAILED"
	EventStatusDeadLetter = "DEAD_LETTER"
)

// Dead letter entry statuses
const (
	DeadLetterStatusPending      = "PENDING"
	DeadLetterStatusRetrying     = "RETRYING"
	DeadLetterStatusResolved     = "RESOLVED"
	DeadLetterStatusManualReview = "MANUAL_REVIEW"
)

// Event represents a stored domain event.
// Rows are append-only; (aggregate_id, version) is enforced unique at the
// storage layer so concurrent appends cannot claim the same version.
type Event struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex" json:"event_id"`
	AggregateID   string    `gorm:"uniqueIndex:idx_events_aggregate_version;index:idx_events_aggregate_time" json:"aggregate_id"`
	AggregateType string    `gorm:"index" json:"aggregate_type"`
	EventType     string    `gorm:"index:idx_events_type_time" json:"event_type"`
	Payload       []byte    `json:"payload"`
	Metadata      []byte    `json:"metadata"`
	Version       int       `gorm:"uniqueIndex:idx_events_aggregate_version" json:"version"`
	Status        string    `gorm:"index" json:"status"`
	RetryCount    int       `json:"retry_count"`
	IsSnapshotted bool      `json:"is_snapshotted"`
	ErrorMessage  *string   `json:"error_message"`
	Timestamp     time.Time `gorm:"index:idx_events_aggregate_time;index:idx_events_type_time" json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot represents a materialized fold of an aggregate's events up to
// Version. It is a rebuildable cache, never the source of truth.
type Snapshot struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	AggregateID        string    `gorm:"uniqueIndex:idx_snapshots_aggregate_version" json:"aggregate_id"`
	AggregateType      string    `json:"aggregate_type"`
	Version            int       `gorm:"uniqueIndex:idx_snapshots_aggregate_version" json:"version"`
	State              []byte    `json:"state"`
	EventCount         int       `json:"event_count"`
	LastEventTimestamp time.Time `json:"last_event_timestamp"`
	CreatedAt          time.Time `json:"created_at"`
}

// DeadLetterEntry records a permanently failed event pending manual or
// automated reprocessing. OriginalEventID is a back-reference; the original
// Event row is retained.
type DeadLetterEntry struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	OriginalEventID string     `gorm:"index" json:"original_event_id"`
	AggregateID     string     `gorm:"index" json:"aggregate_id"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"payload"`
	Metadata        []byte     `json:"metadata"`
	ErrorMessage    string     `json:"error_message"`
	StackTrace      string     `json:"stack_trace"`
	RetryCount      int        `json:"retry_count"`
	Status          string     `gorm:"index" json:"status"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	LastAttemptAt   *time.Time `json:"last_attempt_at"`
}

// SetupModels runs the automatic migrations
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&Snapshot{},
		&DeadLetterEntry{},
	)
}
