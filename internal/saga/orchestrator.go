package saga

import "sync"

// Orchestrator is a registry of in-flight sagas, used for observability and
// lookup. It plays no part in execution correctness.
type Orchestrator struct {
	mu    sync.RWMutex
	sagas map[string]*Saga
}

// NewOrchestrator creates an empty saga registry.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		sagas: make(map[string]*Saga),
	}
}

// Register tracks a saga by its id.
func (o *Orchestrator) Register(s *Saga) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sagas[s.ID()] = s
}

// Get looks up a registered saga.
func (o *Orchestrator) Get(id string) (*Saga, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sagas[id]
	return s, ok
}

// Remove drops a saga from the registry.
func (o *Orchestrator) Remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sagas, id)
}

// Active returns status snapshots for every registered saga.
func (o *Orchestrator) Active() []Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	statuses := make([]Status, 0, len(o.sagas))
	for _, s := range o.sagas {
		statuses = append(statuses, s.Status())
	}

	return statuses
}
