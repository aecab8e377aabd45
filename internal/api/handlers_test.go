package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/domain"
	"example.com/backstage/services/scoring/internal/eventbus"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/metrics"
	"example.com/backstage/services/scoring/internal/saga"
	"example.com/backstage/services/scoring/internal/services"
)

type testEnv struct {
	server      *Server
	store       *eventstore.MemoryEventStore
	deadLetters *deadletter.MemoryStore
	events      *services.EventService
}

func newTestEnv(health config.HealthConfig) *testEnv {
	store := eventstore.NewMemoryEventStore()
	deadLetters := deadletter.NewMemoryStore(store)
	bus := eventbus.New(store, deadLetters, config.BusConfig{DeadLetterEnabled: true})
	events := services.NewEventService(store, bus, nil, nil, config.EventStoreConfig{SnapshotInterval: 100, SnapshotRetention: 5})
	collector := metrics.NewCollector(store, deadLetters, health)

	cfg := config.Config{}
	cfg.Server.Address = "127.0.0.1:0"

	server := NewServer(cfg, events, store, deadLetters, collector, saga.NewOrchestrator(), nil)
	return &testEnv{server: server, store: store, deadLetters: deadLetters, events: events}
}

func (e *testEnv) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) publish(t *testing.T, aggregateID string, data domain.EventData) {
	t.Helper()
	_, err := e.events.PublishEvent(context.Background(), domain.NewEvent(aggregateID, domain.AggregateAgent, data))
	require.NoError(t, err)
}

func TestPing(t *testing.T) {
	env := newTestEnv(config.HealthConfig{})
	w := env.request(t, http.MethodGet, "/ping")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pong", w.Body.String())
}

func TestQueryEvents(t *testing.T) {
	env := newTestEnv(config.HealthConfig{})
	env.publish(t, "agent-1", domain.ScoreComputedData{AgentID: "agent-1", Score: 90})
	env.publish(t, "agent-2", domain.ScoreComputedData{AgentID: "agent-2", Score: 75})

	w := env.request(t, http.MethodGet, "/api/v1/events?aggregate_id=agent-1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)

	w = env.request(t, http.MethodGet, "/api/v1/events?limit=bogus")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAggregateEndpoints(t *testing.T) {
	env := newTestEnv(config.HealthConfig{})
	env.publish(t, "agent-1", domain.ScoreComputedData{AgentID: "agent-1", JobID: "job-1", Score: 90})
	env.publish(t, "agent-1", domain.ScoreComputedData{AgentID: "agent-1", JobID: "job-2", Score: 95})

	w := env.request(t, http.MethodGet, "/api/v1/aggregates/agent-1/events")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, "/api/v1/aggregates/missing/events")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodGet, "/api/v1/aggregates/agent-1/replay")
	require.Equal(t, http.StatusOK, w.Code)

	var replay struct {
		Version int                    `json:"version"`
		State   map[string]interface{} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	require.Equal(t, 2, replay.Version)
	require.Equal(t, "job-2", replay.State["job_id"])

	w = env.request(t, http.MethodPost, "/api/v1/aggregates/agent-1/snapshots")
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodPost, "/api/v1/aggregates/missing/snapshots")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(config.HealthConfig{})

	stored, err := env.store.Append(ctx, "agent-1", domain.ScoreComputed, []byte(`{}`), eventstore.AppendOptions{})
	require.NoError(t, err)
	entry, err := env.deadLetters.MoveToDeadLetter(ctx, stored, errors.New("handler exploded"), 1)
	require.NoError(t, err)

	w := env.request(t, http.MethodGet, "/api/v1/deadletters")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)

	w = env.request(t, http.MethodPost, "/api/v1/deadletters/"+strconv.FormatUint(uint64(entry.ID), 10)+"/retry")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodPost, "/api/v1/deadletters/99999/retry")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(t, http.MethodPost, "/api/v1/deadletters/bogus/retry")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsAndHealthEndpoints(t *testing.T) {
	env := newTestEnv(config.HealthConfig{MaxPendingEvents: 1})
	env.publish(t, "agent-1", domain.ScoreComputedData{AgentID: "agent-1", Score: 90})

	w := env.request(t, http.MethodGet, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	require.Equal(t, int64(1), snapshot.TotalEvents)

	// No handlers subscribed, so published events stay pending; two of them
	// breach the threshold
	w = env.request(t, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, w.Code)

	env.publish(t, "agent-2", domain.ScoreComputedData{AgentID: "agent-2", Score: 70})
	w = env.request(t, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListSagas(t *testing.T) {
	env := newTestEnv(config.HealthConfig{})
	w := env.request(t, http.MethodGet, "/api/v1/sagas")
	require.Equal(t, http.StatusOK, w.Code)
}

