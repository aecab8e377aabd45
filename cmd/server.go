package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/scoring/internal/api"
	"example.com/backstage/services/scoring/internal/cache"
	"example.com/backstage/services/scoring/internal/eventbus"
	"example.com/backstage/services/scoring/internal/metrics"
	"example.com/backstage/services/scoring/internal/saga"
	"example.com/backstage/services/scoring/internal/search"
	"example.com/backstage/services/scoring/internal/services"
	"example.com/backstage/services/scoring/internal/tracing"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	log.Info().Msg("Starting server")

	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	store, deadLetters, bus, redispatcher := buildPipeline(db, cfg)

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Index every published event into the search projection
	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search projection")
		} else {
			bus.Subscribe(eventbus.Wildcard, search.ProjectionHandler(elasticClient))
		}
	}

	var svcCache services.Cache
	if redisCache != nil {
		svcCache = redisCache
	}
	eventService := services.NewEventService(store, bus, svcCache, tracer, cfg.EventStore)
	collector := metrics.NewCollector(store, deadLetters, cfg.Health)
	orchestrator := saga.NewOrchestrator()

	// Re-offer PENDING events in the background
	redispatcher.Start()

	server := api.NewServer(cfg, eventService, store, deadLetters, collector, orchestrator, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	redispatcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis connection")
		}
	}
	if tracer != nil {
		tracer.Close()
	}

	log.Info().Msg("Server exited properly")
}
