package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/scoring/internal/cache"
	"example.com/backstage/services/scoring/internal/eventbus"
	"example.com/backstage/services/scoring/internal/messaging"
	"example.com/backstage/services/scoring/internal/metrics"
	"example.com/backstage/services/scoring/internal/search"
	"example.com/backstage/services/scoring/internal/services"
	"example.com/backstage/services/scoring/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to consume commands from Azure Service Bus and redispatch pending events`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}

	store, deadLetters, bus, _ := buildPipeline(db, cfg)

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

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

	// Consume commands from the Service Bus queue
	azureClient, err := messaging.NewAzureClient(cfg.Azure)
	if err != nil {
		return err
	}
	processor := messaging.NewProcessor(eventService)

	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Service Bus consumers")
		if err := azureClient.StartConsumers(ctx, processor); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// Scheduled jobs: redispatch fallback and periodic health logging
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		redispatcher := eventbus.NewRedispatcher(store, bus, cfg.Bus.RedispatchInterval, cfg.Bus.RedispatchBatch)
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Bus.RedispatchInterval),
			gocron.NewTask(func() {
				if err := redispatcher.ProcessBatch(ctx); err != nil {
					log.Error().Err(err).Msg("Failed to redispatch pending events")
				}
			}),
		)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(time.Minute),
			gocron.NewTask(func() {
				health, err := collector.CheckHealth(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Failed to evaluate pipeline health")
					return
				}
				if !health.Healthy {
					log.Warn().
						Strs("reasons", health.Reasons).
						Float64("failure_rate", health.FailureRate).
						Msg("Event pipeline unhealthy")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	if err := azureClient.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Service Bus connection")
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis connection")
		}
	}
	if tracer != nil {
		tracer.Close()
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
