package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/snarg/voice-sentinel/internal/api"
	"github.com/snarg/voice-sentinel/internal/archive"
	"github.com/snarg/voice-sentinel/internal/config"
	"github.com/snarg/voice-sentinel/internal/database"
	"github.com/snarg/voice-sentinel/internal/metrics"
	"github.com/snarg/voice-sentinel/internal/mqttclient"
	"github.com/snarg/voice-sentinel/internal/session"
	"github.com/snarg/voice-sentinel/internal/storage"
	"github.com/snarg/voice-sentinel/internal/watch"
	"github.com/snarg/voice-sentinel/internal/workflow"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	listen        string
	databaseURL   string
	mqttBrokerURL string
	archiveDir    string
	watchDir      string
	backfill      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API: sessions, uploads, live recording over websocket and
server-sent events. The history database, MQTT fan-out, sample archive and
directory watcher start only when configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Overrides{
			HTTPAddr:      serveFlags.listen,
			DatabaseURL:   serveFlags.databaseURL,
			MQTTBrokerURL: serveFlags.mqttBrokerURL,
			ArchiveDir:    serveFlags.archiveDir,
			WatchDir:      serveFlags.watchDir,
		})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return serve(cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "HTTP listen address (env HTTP_ADDR)")
	f.StringVar(&serveFlags.databaseURL, "database-url", "", "PostgreSQL connection URL (env DATABASE_URL)")
	f.StringVar(&serveFlags.mqttBrokerURL, "mqtt-broker", "", "MQTT broker URL (env MQTT_BROKER_URL)")
	f.StringVar(&serveFlags.archiveDir, "archive-dir", "", "local archive directory (env ARCHIVE_DIR)")
	f.StringVar(&serveFlags.watchDir, "watch-dir", "", "directory to watch for audio files (env WATCH_DIR)")
	f.BoolVar(&serveFlags.backfill, "backfill", true, "analyze files already in the watch directory on startup")
}

func serve(cfg *config.Config) error {
	startTime := time.Now()

	log := newLogger(os.Stdout, cfg.LogLevel)
	log.Info().Str("version", version).Msg("voice-sentinel starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := api.HealthOptions{
		ClassifierURL: cfg.ClassifierURL,
		Version:       version,
		StartTime:     startTime,
	}
	var analyses api.AnalysisLister

	// Database
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		var err error
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		health.DB = db
		analyses = db
	}

	// MQTT
	var observers []workflow.Observer
	if cfg.MQTTBrokerURL != "" {
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Log:         log,
		})
		if err != nil {
			return fmt.Errorf("connect to mqtt broker: %w", err)
		}
		defer mqtt.Close()
		health.MQTT = mqtt
		observers = append(observers, mqtt.TransitionObserver())
	}

	// Archive
	bus := session.NewEventBus(1024)
	store, err := storage.New(ctx, cfg.S3, cfg.ArchiveDir, log.With().Str("component", "storage").Logger())
	if err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		return fmt.Errorf("init archive storage: %w", err)
	}
	var pool *archive.WorkerPool
	if store != nil || db != nil {
		opts := archive.WorkerPoolOptions{
			Store:     store,
			Workers:   cfg.ArchiveWorkers,
			QueueSize: cfg.ArchiveQueueSize,
			PublishEvent: func(sessionID string, payload any) {
				bus.Publish(session.EventArchived, sessionID, payload)
			},
			Log: log,
		}
		if db != nil {
			opts.DB = db
		}
		pool = archive.NewWorkerPool(opts)
		pool.Start()
		defer pool.Stop()
		health.Archive = pool
		observers = append(observers, pool.Observer())
	}

	// Sessions
	registry := session.NewRegistry(session.Options{
		Classifier:  newClassifier(cfg, log),
		Limits:      cfg.Limits(),
		IdleTimeout: cfg.SessionIdleTimeout,
		Bus:         bus,
		Observers:   observers,
		Log:         log,
	})
	registry.Start()
	defer registry.Stop()
	health.Sessions = registry.SessionCount

	var dbPool *pgxpool.Pool
	if db != nil {
		dbPool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(dbPool, registry))

	// Watch directory
	if cfg.WatchDir != "" {
		w := watch.New(watch.Options{
			Dir:      cfg.WatchDir,
			Registry: registry,
			Backfill: serveFlags.backfill,
			Log:      log,
		})
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Stop()
		health.Watcher = w
	}

	// HTTP Server
	srv := api.NewServer(api.ServerOptions{
		Config:   cfg,
		Sessions: registry,
		Analyses: analyses,
		Health:   health,
		Log:      log.With().Str("component", "http").Logger(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout; deferred stops run in reverse
	// order after the server drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("voice-sentinel stopped")
	return serveErr
}
