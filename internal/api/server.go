package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/metrics"
	"example.com/backstage/services/scoring/internal/saga"
	"example.com/backstage/services/scoring/internal/services"
	"example.com/backstage/services/scoring/internal/tracing"
)

// Server is the HTTP server for the API
type Server struct {
	cfg          config.Config
	router       *gin.Engine
	httpServer   *http.Server
	events       *services.EventService
	store        eventstore.EventStore
	deadLetters  deadletter.Store
	collector    *metrics.Collector
	orchestrator *saga.Orchestrator
}

// NewServer creates a new API server. Tracer and orchestrator may be nil.
func NewServer(
	cfg config.Config,
	events *services.EventService,
	store eventstore.EventStore,
	deadLetters deadletter.Store,
	collector *metrics.Collector,
	orchestrator *saga.Orchestrator,
	tracer tracing.Tracer,
) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		cfg:          cfg,
		router:       gin.New(),
		events:       events,
		store:        store,
		deadLetters:  deadLetters,
		collector:    collector,
		orchestrator: orchestrator,
	}

	server.setupMiddleware(tracer)
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware(tracer tracing.Tracer) {
	s.router.Use(RequestIDMiddleware())
	if s.cfg.Server.CorsEnabled {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())

	if tracer != nil {
		if app := tracer.Application(); app != nil {
			s.router.Use(nrgin.Middleware(app))
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	v1 := s.router.Group("/api/v1")

	v1.GET("/events", s.queryEvents)

	aggregates := v1.Group("/aggregates")
	{
		aggregates.GET("/:id/events", s.getAggregateEvents)
		aggregates.GET("/:id/replay", s.replayAggregate)
		aggregates.POST("/:id/snapshots", s.createSnapshot)
	}

	deadLetters := v1.Group("/deadletters")
	{
		deadLetters.GET("", s.listDeadLetters)
		deadLetters.POST("/:id/retry", s.retryDeadLetter)
	}

	v1.GET("/sagas", s.listSagas)
	v1.GET("/metrics", s.getMetrics)
	v1.GET("/health", s.getHealth)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: s.router,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Server.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine, used by tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
