package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

// Redispatcher periodically re-offers PENDING events to the bus. This is
// the delivery path for dead-letter retries (which reset the original event
// to PENDING) and for events that were appended while no handler was
// registered.
type Redispatcher struct {
	store    eventstore.EventStore
	bus      *Bus
	interval time.Duration
	batch    int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewRedispatcher creates a new redispatcher
func NewRedispatcher(store eventstore.EventStore, bus *Bus, interval time.Duration, batch int) *Redispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}

	return &Redispatcher{
		store:    store,
		bus:      bus,
		interval: interval,
		batch:    batch,
		stopChan: make(chan struct{}),
	}
}

// Start starts the redispatch loop
func (r *Redispatcher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.running = true
	go r.loop()
}

// Stop stops the redispatch loop
func (r *Redispatcher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	r.running = false
	r.stopChan <- struct{}{}
}

func (r *Redispatcher) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.ProcessBatch(context.Background()); err != nil {
				log.Error().Err(err).Msg("Failed to redispatch pending events")
			}
		case <-r.stopChan:
			return
		}
	}
}

// ProcessBatch redispatches one batch of PENDING events, oldest first
func (r *Redispatcher) ProcessBatch(ctx context.Context) error {
	events, err := r.store.Query(ctx, eventstore.EventFilter{
		Status: models.EventStatusPending,
		Limit:  r.batch,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	// Query returns newest first; redispatch oldest first
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if err := r.bus.Redispatch(ctx, &event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.EventID).
				Msg("Failed to redispatch event")
			continue
		}
	}

	return nil
}
