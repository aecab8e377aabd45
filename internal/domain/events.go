package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType constants
const (
	AgentRegistered  = "V1_AGENT_REGISTERED"
	AgentUpdated     = "V1_AGENT_UPDATED"
	ScoreRequested   = "V1_SCORE_REQUESTED"
	ScoreComputed    = "V1_SCORE_COMPUTED"
	PriceFeedUpdated = "V1_PRICE_FEED_UPDATED"
	AuditRecorded    = "V1_AUDIT_RECORDED"
)

// Aggregate types
const (
	AggregateAgent     = "agent"
	AggregatePriceFeed = "price_feed"
	AggregateAudit     = "audit"
)

// EventData is the capability shared by all event payload variants
type EventData interface {
	EventType() string
}

// Event represents an immutable domain event. Fields are set at construction
// and never change; the ID is generated once and never reused.
type Event struct {
	ID              string            `json:"id"`
	AggregateID     string            `json:"aggregate_id"`
	AggregateType   string            `json:"aggregate_type"`
	Type            string            `json:"type"`
	Timestamp       time.Time         `json:"timestamp"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ExpectedVersion *int              `json:"expected_version,omitempty"`
	Data            EventData         `json:"data"`
}

// EventOption customizes an event at construction time
type EventOption func(*Event)

// WithMetadata attaches opaque metadata to the event
func WithMetadata(metadata map[string]string) EventOption {
	return func(e *Event) {
		e.Metadata = metadata
	}
}

// WithExpectedVersion sets the optimistic-concurrency expectation
func WithExpectedVersion(version int) EventOption {
	return func(e *Event) {
		v := version
		e.ExpectedVersion = &v
	}
}

// NewEvent creates a new domain event for the given aggregate
func NewEvent(aggregateID, aggregateType string, data EventData, opts ...EventOption) Event {
	event := Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          data.EventType(),
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}

	for _, opt := range opts {
		opt(&event)
	}

	return event
}

// Payload serializes the event data
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e.Data)
}

// MetadataBytes serializes the event metadata, nil when empty
func (e Event) MetadataBytes() ([]byte, error) {
	if len(e.Metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Metadata)
}

// AgentRegisteredData represents an agent registered event
type AgentRegisteredData struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	ModelHash string `json:"model_hash"`
	JSONCid   string `json:"json_cid"`
	OwnerID   string `json:"owner_id"`
}

func (AgentRegisteredData) EventType() string { return AgentRegistered }

// AgentUpdatedData represents an agent metadata update event
type AgentUpdatedData struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	ModelHash string `json:"model_hash"`
	JSONCid   string `json:"json_cid"`
}

func (AgentUpdatedData) EventType() string { return AgentUpdated }

// ScoreRequestedData represents a scoring request event
type ScoreRequestedData struct {
	AgentID     string `json:"agent_id"`
	RequestedBy string `json:"requested_by"`
	JobID       string `json:"job_id"`
}

func (ScoreRequestedData) EventType() string { return ScoreRequested }

// ScoreComputedData represents a completed scoring event
type ScoreComputedData struct {
	AgentID string  `json:"agent_id"`
	JobID   string  `json:"job_id"`
	Score   float64 `json:"score"`
	Model   string  `json:"model"`
}

func (ScoreComputedData) EventType() string { return ScoreComputed }

// PriceFeedUpdatedData represents an oracle price feed update event
type PriceFeedUpdatedData struct {
	FeedID    string  `json:"feed_id"`
	Pair      string  `json:"pair"`
	Price     float64 `json:"price"`
	Source    string  `json:"source"`
	FeedTime  int64   `json:"feed_time"`
}

func (PriceFeedUpdatedData) EventType() string { return PriceFeedUpdated }

// AuditRecordedData represents an audit trail event
type AuditRecordedData struct {
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Actor     string `json:"actor"`
	Detail    string `json:"detail"`
	Reference string `json:"reference"`
}

func (AuditRecordedData) EventType() string { return AuditRecorded }
