package saga

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Saga lifecycle states. A saga that failed and compensated remains in
// StateCompensating; StateFailed is reserved for callers that track a
// post-compensation marker themselves.
const (
	StateStarted      = "STARTED"
	StateRunning      = "RUNNING"
	StateCompensating = "COMPENSATING"
	StateCompleted    = "COMPLETED"
	StateFailed       = "FAILED"
)

// ExecuteFunc runs a saga step over the shared saga context and returns the
// step's result, which is what its CompensateFunc receives on rollback.
type ExecuteFunc func(ctx context.Context, sagaCtx map[string]interface{}) (interface{}, error)

// CompensateFunc undoes a completed step. Best effort: a returned error is
// logged and does not stop compensation of earlier steps.
type CompensateFunc func(ctx context.Context, result interface{}) error

type step struct {
	name       string
	execute    ExecuteFunc
	compensate CompensateFunc
}

// Status is a read-only snapshot of a saga for observability.
type Status struct {
	SagaID      string `json:"saga_id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Error       string `json:"error,omitempty"`
}

// Saga runs an ordered list of steps sequentially and compensates completed
// steps in reverse order when one fails.
type Saga struct {
	id    string
	name  string
	steps []step

	mu          sync.Mutex
	state       string
	currentStep int
	results     map[string]interface{}
	err         error
	compensated bool
}

// New creates a saga in state STARTED with no steps.
func New(name string) *Saga {
	return &Saga{
		id:          uuid.New().String(),
		name:        name,
		state:       StateStarted,
		currentStep: -1,
		results:     make(map[string]interface{}),
	}
}

// ID returns the saga's unique identifier.
func (s *Saga) ID() string {
	return s.id
}

// AddStep appends a step. The compensate func may be nil for steps that have
// nothing to undo. Returns the saga for chaining.
func (s *Saga) AddStep(name string, execute ExecuteFunc, compensate CompensateFunc) *Saga {
	s.steps = append(s.steps, step{name: name, execute: execute, compensate: compensate})
	return s
}

// Execute runs all steps in registration order over the shared saga context.
// On success it returns the step name to result mapping. On a step failure it
// compensates completed steps in reverse order and re-raises the original
// step error, never a compensation error.
func (s *Saga) Execute(ctx context.Context, sagaCtx map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	log.Info().
		Str("saga_id", s.id).
		Str("saga", s.name).
		Int("steps", len(s.steps)).
		Msg("Saga execution started")

	for i, st := range s.steps {
		s.mu.Lock()
		s.currentStep = i
		s.mu.Unlock()

		result, err := st.execute(ctx, sagaCtx)
		if err != nil {
			log.Error().
				Err(err).
				Str("saga_id", s.id).
				Str("saga", s.name).
				Str("step", st.name).
				Msg("Saga step failed")

			s.mu.Lock()
			s.err = err
			s.state = StateCompensating
			s.mu.Unlock()

			s.Compensate(ctx)
			return nil, err
		}

		s.mu.Lock()
		s.results[st.name] = result
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = StateCompleted
	results := make(map[string]interface{}, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	s.mu.Unlock()

	log.Info().
		Str("saga_id", s.id).
		Str("saga", s.name).
		Msg("Saga completed")

	return results, nil
}

// Compensate undoes completed steps from the current step down to the first,
// skipping steps without a recorded result or without a compensate func. It
// runs at most once per saga instance: a second call is a logged no-op.
func (s *Saga) Compensate(ctx context.Context) {
	s.mu.Lock()
	if s.compensated {
		s.mu.Unlock()
		log.Warn().
			Str("saga_id", s.id).
			Str("saga", s.name).
			Msg("Compensation already ran, ignoring")
		return
	}
	s.compensated = true
	from := s.currentStep
	s.mu.Unlock()

	for i := from; i >= 0; i-- {
		st := s.steps[i]

		s.mu.Lock()
		result, completed := s.results[st.name]
		s.mu.Unlock()

		if !completed || st.compensate == nil {
			continue
		}

		if err := st.compensate(ctx, result); err != nil {
			log.Error().
				Err(err).
				Str("saga_id", s.id).
				Str("saga", s.name).
				Str("step", st.name).
				Msg("Compensation step failed")
			continue
		}

		log.Info().
			Str("saga_id", s.id).
			Str("saga", s.name).
			Str("step", st.name).
			Msg("Compensated step")
	}
}

// Status returns a snapshot of the saga's state.
func (s *Saga) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		SagaID:      s.id,
		Name:        s.name,
		State:       s.state,
		CurrentStep: s.currentStep,
		TotalSteps:  len(s.steps),
	}
	if s.err != nil {
		status.Error = s.err.Error()
	}

	return status
}
