package metrics

import (
	"context"
	"time"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

// Snapshot is a point-in-time view of the event pipeline.
type Snapshot struct {
	TotalEvents       int64            `json:"total_events"`
	PendingEvents     int64            `json:"pending_events"`
	ProcessedEvents   int64            `json:"processed_events"`
	FailedEvents      int64            `json:"failed_events"`
	DeadLetterEvents  int64            `json:"dead_letter_events"`
	DeadLetterEntries int64            `json:"dead_letter_entries"`
	ByEventType       map[string]int64 `json:"by_event_type"`
	ByAggregateType   map[string]int64 `json:"by_aggregate_type"`
	EventsLastMinute  int64            `json:"events_last_minute"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
	CollectedAt       time.Time        `json:"collected_at"`
}

// Health is the evaluated health status against configured thresholds.
type Health struct {
	Healthy     bool     `json:"healthy"`
	FailureRate float64  `json:"failure_rate"`
	Reasons     []string `json:"reasons,omitempty"`
	Snapshot    Snapshot `json:"snapshot"`
}

// Collector derives pipeline metrics from the event and dead-letter stores.
type Collector struct {
	store       eventstore.EventStore
	deadLetters deadletter.Store
	thresholds  config.HealthConfig
	startTime   time.Time
}

// NewCollector creates a metrics collector.
func NewCollector(store eventstore.EventStore, deadLetters deadletter.Store, thresholds config.HealthConfig) *Collector {
	return &Collector{
		store:       store,
		deadLetters: deadLetters,
		thresholds:  thresholds,
		startTime:   time.Now().UTC(),
	}
}

// Collect queries the stores and assembles a metrics snapshot.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	now := time.Now().UTC()

	byStatus, err := c.store.CountsByStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byEventType, err := c.store.CountsByEventType(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	byAggregateType, err := c.store.CountsByAggregateType(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	lastMinute, err := c.store.CountSince(ctx, now.Add(-time.Minute))
	if err != nil {
		return Snapshot{}, err
	}
	deadLetterEntries, err := c.deadLetters.Count(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		PendingEvents:     byStatus[models.EventStatusPending],
		ProcessedEvents:   byStatus[models.EventStatusProcessed],
		FailedEvents:      byStatus[models.EventStatusFailed],
		DeadLetterEvents:  byStatus[models.EventStatusDeadLetter],
		DeadLetterEntries: deadLetterEntries,
		ByEventType:       byEventType,
		ByAggregateType:   byAggregateType,
		EventsLastMinute:  lastMinute,
		UptimeSeconds:     now.Sub(c.startTime).Seconds(),
		CollectedAt:       now,
	}
	for _, count := range byStatus {
		snapshot.TotalEvents += count
	}

	return snapshot, nil
}

// CheckHealth evaluates the snapshot against the configured thresholds.
// A zero threshold disables its check.
func (c *Collector) CheckHealth(ctx context.Context) (Health, error) {
	snapshot, err := c.Collect(ctx)
	if err != nil {
		return Health{}, err
	}

	health := Health{
		Healthy:  true,
		Snapshot: snapshot,
	}

	if snapshot.TotalEvents > 0 {
		failed := snapshot.FailedEvents + snapshot.DeadLetterEvents
		health.FailureRate = float64(failed) / float64(snapshot.TotalEvents)
	}

	if c.thresholds.MaxFailureRate > 0 && health.FailureRate > c.thresholds.MaxFailureRate {
		health.Healthy = false
		health.Reasons = append(health.Reasons, "failure rate above threshold")
	}
	if c.thresholds.MaxPendingEvents > 0 && snapshot.PendingEvents > c.thresholds.MaxPendingEvents {
		health.Healthy = false
		health.Reasons = append(health.Reasons, "too many pending events")
	}
	if c.thresholds.MaxDeadLetters > 0 && snapshot.DeadLetterEntries > c.thresholds.MaxDeadLetters {
		health.Healthy = false
		health.Reasons = append(health.Reasons, "too many dead letters")
	}

	return health, nil
}
