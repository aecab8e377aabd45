package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/backstage/services/scoring/config"
	"example.com/backstage/services/scoring/internal/deadletter"
	"example.com/backstage/services/scoring/internal/eventbus"
	"example.com/backstage/services/scoring/internal/eventstore"
	"example.com/backstage/services/scoring/internal/models"
)

var (
	cfgPath string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "scoring-service",
	Short: "Agent scoring service built on event sourcing",
	Long:  `A service that tracks scoring agents through an append-only event log with saga-based orchestration of external scoring runs`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "directory containing config.yaml or app.env")
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)
}

func setupLogging(cfg config.Config) {
	if cfg.Environment == "development" || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// initDatabase opens the postgres connection and configures its pool.
// TranslateError is required so unique-index violations surface as
// gorm.ErrDuplicatedKey for the optimistic-concurrency check.
func initDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if cfg.DB.EnableMigrations {
		if err := models.SetupModels(db); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}

	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	lifetime := cfg.DB.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	sqlDB.SetConnMaxLifetime(lifetime)

	return db, nil
}

// buildPipeline wires the event store, dead-letter store, bus and
// redispatcher, the common core of the server and worker commands.
func buildPipeline(db *gorm.DB, cfg config.Config) (eventstore.EventStore, deadletter.Store, *eventbus.Bus, *eventbus.Redispatcher) {
	store := eventstore.NewGormEventStore(db)
	deadLetters := deadletter.NewGormStore(db)
	bus := eventbus.New(store, deadLetters, cfg.Bus)
	redispatcher := eventbus.NewRedispatcher(store, bus, cfg.Bus.RedispatchInterval, cfg.Bus.RedispatchBatch)

	return store, deadLetters, bus, redispatcher
}
