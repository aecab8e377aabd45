package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/eventbus"
)

// Scoring saga step names.
const (
	StepInitiateScoring = "initiate_scoring"
	StepAwaitResult     = "await_result"
	StepRecordAudit     = "record_audit"
	StepPublishScore    = "publish_score"
)

// ScoringClient talks to the external scoring engine.
type ScoringClient interface {
	// InitiateScoring starts a scoring job and returns its external reference.
	InitiateScoring(ctx context.Context, agentID, jobID string) (string, error)
	// ScoringResult fetches the job's current result. Done is false while the
	// job is still running.
	ScoringResult(ctx context.Context, ref string) (*ScoringResult, error)
	// CancelScoring asks the engine to abandon a job. Best effort.
	CancelScoring(ctx context.Context, ref string) error
}

// ScoringResult is the outcome of an external scoring job.
type ScoringResult struct {
	Ref   string
	Done  bool
	Score float64
	Model string
}

// ScoringSaga orchestrates one agent-scoring run: initiate the external job,
// poll until it completes, write an audit record and publish the score.
type ScoringSaga struct {
	client       ScoringClient
	bus          *eventbus.Bus
	orchestrator *Orchestrator
	pollAttempts int
	pollDelay    time.Duration
}

// NewScoringSaga wires a scoring saga factory. The orchestrator may be nil.
func NewScoringSaga(client ScoringClient, bus *eventbus.Bus, orchestrator *Orchestrator, pollAttempts int, pollDelay time.Duration) *ScoringSaga {
	if pollAttempts <= 0 {
		pollAttempts = 10
	}
	if pollDelay <= 0 {
		pollDelay = 500 * time.Millisecond
	}

	return &ScoringSaga{
		client:       client,
		bus:          bus,
		orchestrator: orchestrator,
		pollAttempts: pollAttempts,
		pollDelay:    pollDelay,
	}
}

// Run executes the scoring saga for one agent/job pair. Failed sagas stay
// registered with the orchestrator for inspection; completed ones are removed.
func (s *ScoringSaga) Run(ctx context.Context, agentID, jobID, requestedBy string) (map[string]interface{}, error) {
	sg := New("agent-scoring").
		AddStep(StepInitiateScoring, s.initiate, s.cancel).
		AddStep(StepAwaitResult, s.awaitResult, nil).
		AddStep(StepRecordAudit, s.recordAudit, s.compensateAudit).
		AddStep(StepPublishScore, s.publishScore, nil)

	if s.orchestrator != nil {
		s.orchestrator.Register(sg)
	}

	sagaCtx := map[string]interface{}{
		"agent_id":     agentID,
		"job_id":       jobID,
		"requested_by": requestedBy,
	}

	results, err := sg.Execute(ctx, sagaCtx)
	if err != nil {
		return nil, err
	}

	if s.orchestrator != nil {
		s.orchestrator.Remove(sg.ID())
	}

	return results, nil
}

func (s *ScoringSaga) initiate(ctx context.Context, sagaCtx map[string]interface{}) (interface{}, error) {
	agentID := stringValue(sagaCtx, "agent_id")
	jobID := stringValue(sagaCtx, "job_id")

	ref, err := s.client.InitiateScoring(ctx, agentID, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initiate scoring")
	}

	sagaCtx["scoring_ref"] = ref
	return ref, nil
}

func (s *ScoringSaga) cancel(ctx context.Context, result interface{}) error {
	ref, _ := result.(string)
	if ref == "" {
		return nil
	}

	log.Info().Str("scoring_ref", ref).Msg("Cancelling scoring job")
	return s.client.CancelScoring(ctx, ref)
}

// awaitResult polls the scoring engine with a bounded attempt count so a
// stuck job fails the saga instead of hanging it.
func (s *ScoringSaga) awaitResult(ctx context.Context, sagaCtx map[string]interface{}) (interface{}, error) {
	ref := stringValue(sagaCtx, "scoring_ref")

	for attempt := 0; attempt < s.pollAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(s.pollDelay)
		}

		result, err := s.client.ScoringResult(ctx, ref)
		if err != nil {
			return nil, errors.Wrap(err, "failed to fetch scoring result")
		}
		if result.Done {
			sagaCtx["score"] = result.Score
			sagaCtx["model"] = result.Model
			return result, nil
		}
	}

	return nil, errors.Errorf("scoring job %s did not complete after %d attempts", ref, s.pollAttempts)
}

func (s *ScoringSaga) recordAudit(ctx context.Context, sagaCtx map[string]interface{}) (interface{}, error) {
	agentID := stringValue(sagaCtx, "agent_id")

	event := domain.NewEvent(agentID, domain.AggregateAudit, domain.AuditRecordedData{
		Action:    "agent_scored",
		Subject:   agentID,
		Actor:     stringValue(sagaCtx, "requested_by"),
		Reference: stringValue(sagaCtx, "job_id"),
	})

	stored, err := s.bus.Publish(ctx, event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to record audit event")
	}

	return stored.EventID, nil
}

// compensateAudit cannot unpublish an append-only event; it records the
// reversal intent for the audit trail's consumers.
func (s *ScoringSaga) compensateAudit(ctx context.Context, result interface{}) error {
	eventID, _ := result.(string)
	log.Warn().Str("event_id", eventID).Msg("Scoring saga rolled back after audit was recorded")
	return nil
}

func (s *ScoringSaga) publishScore(ctx context.Context, sagaCtx map[string]interface{}) (interface{}, error) {
	agentID := stringValue(sagaCtx, "agent_id")
	score, _ := sagaCtx["score"].(float64)
	model, _ := sagaCtx["model"].(string)

	event := domain.NewEvent(agentID, domain.AggregateAgent, domain.ScoreComputedData{
		AgentID: agentID,
		JobID:   stringValue(sagaCtx, "job_id"),
		Score:   score,
		Model:   model,
	})

	stored, err := s.bus.Publish(ctx, event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to publish score event")
	}

	return stored.EventID, nil
}

func stringValue(sagaCtx map[string]interface{}, key string) string {
	v, _ := sagaCtx[key].(string)
	return v
}
