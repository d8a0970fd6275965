package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/conjunx/internal/api"
	"github.com/snarg/conjunx/internal/config"
	"github.com/snarg/conjunx/internal/database"
	"github.com/snarg/conjunx/internal/events"
	"github.com/snarg/conjunx/internal/hotfolder"
	"github.com/snarg/conjunx/internal/media"
	"github.com/snarg/conjunx/internal/metrics"
	"github.com/snarg/conjunx/internal/mqttclient"
	"github.com/snarg/conjunx/internal/render"
	"github.com/snarg/conjunx/internal/spool"
	"github.com/snarg/conjunx/internal/storage"
	"github.com/snarg/conjunx/internal/voicelines"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the render server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.logger(os.Stdout)

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(sigCtx, cfg, log)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&ctx.overrides.HTTPAddr, "listen", "", "HTTP listen address (default :8080)")
	flags.StringVar(&ctx.overrides.SpoolDir, "spool-dir", "", "Scratch directory for uploads and render workdirs")
	flags.StringVar(&ctx.overrides.OutputDir, "output-dir", "", "Directory for rendered videos")
	flags.StringVar(&ctx.overrides.DatabaseURL, "database-url", "", "PostgreSQL URL for the job ledger")
	flags.StringVar(&ctx.overrides.WatchDir, "watch-dir", "", "Directory watched for render request files")
	flags.IntVar(&ctx.overrides.Workers, "workers", 0, "Concurrent render workers")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	startTime := time.Now()
	log.Info().Str("version", version).Msg("conjunx starting")

	// Spool
	sp, err := spool.Open(cfg.SpoolDir, cfg.SpoolMaxAge, log)
	if err != nil {
		return err
	}
	defer sp.Close()

	// Output storage
	storeLog := log.With().Str("component", "storage").Logger()
	store, services, err := storage.New(storage.Options{
		S3:        cfg.S3,
		OutputDir: cfg.OutputDir,
		Retention: cfg.OutputRetention,
		MaxGB:     cfg.OutputMaxGB,
		Log:       storeLog,
	})
	if err != nil {
		return err
	}
	for _, svc := range services {
		svc.Start()
	}
	defer func() {
		for i := len(services) - 1; i >= 0; i-- {
			services[i].Stop()
		}
	}()
	log.Info().Str("type", store.Type()).Str("output_dir", cfg.OutputDir).Msg("output store ready")

	// Media tools
	for _, st := range media.CheckBinaries(cfg.FFmpegPath, cfg.FFprobePath) {
		if !st.Available {
			log.Warn().Str("binary", st.Name).Str("detail", st.Detail).Msg("media tool unavailable, renders will fail")
		}
	}
	editor := media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, cfg.EncodePreset, log.With().Str("component", "media").Logger())

	// Database (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		if n, err := db.MarkInterrupted(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to mark interrupted jobs")
		} else if n > 0 {
			log.Warn().Int64("jobs", n).Msg("marked jobs interrupted by previous shutdown")
		}
	}

	// MQTT (optional)
	var mq *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mq, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log,
		})
		if err != nil {
			return err
		}
		defer mq.Close()
	}

	// Render pipeline
	bus := events.NewEventBus(500)
	engine := render.NewEngine(sp, editor, store, voicelines.NewRandomPicker(cfg.RenderSeed), log.With().Str("component", "engine").Logger())
	pool := render.NewWorkerPool(render.WorkerPoolOptions{
		Runner:    engine,
		Workers:   cfg.RenderWorkers,
		QueueSize: cfg.RenderQueueSize,
		Timeout:   cfg.RenderTimeout,
		Notify:    newNotifier(bus, mq, db, log),
		Log:       log,
	})
	pool.Start()
	defer pool.Stop()

	if mq != nil {
		mq.SetRequestHandler(requestHandler(pool, log))
	}

	// Watch directory (optional)
	var watcher *hotfolder.Watcher
	if cfg.WatchDir != "" {
		watcher = hotfolder.New(cfg.WatchDir, pool, log)
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	// Metrics
	var dbPool *pgxpool.Pool
	if db != nil {
		dbPool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(dbPool, pool, bus))

	if db != nil && cfg.OutputRetention > 0 {
		go purgeLedger(ctx, db, cfg.OutputRetention, log)
	}

	// HTTP server
	healthOpts := api.HealthOptions{
		Jobs:        pool,
		StorageType: store.Type(),
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Version:     version,
		StartTime:   startTime,
	}
	srvOpts := api.ServerOptions{
		Config:    cfg,
		Jobs:      pool,
		Store:     store,
		Events:    bus,
		UploadDir: sp.Dir(),
		Log:       log.With().Str("component", "http").Logger(),
	}
	// Interfaces stay nil when the component is disabled.
	if db != nil {
		healthOpts.DB = db
		srvOpts.Ledger = db
	}
	if mq != nil {
		healthOpts.MQTT = mq
	}
	if watcher != nil {
		healthOpts.Watcher = watcher
	}
	srvOpts.Health = api.NewHealthHandler(healthOpts)
	srv := api.NewServer(srvOpts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout; deferred stops run after this.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("conjunx stopped")
	return runErr
}

// newNotifier fans job transitions out to SSE, MQTT, the ledger and metrics.
// The pool calls it from a single goroutine, in transition order.
func newNotifier(bus *events.EventBus, mq *mqttclient.Client, db *database.DB, log zerolog.Logger) render.NotifyFunc {
	return func(s render.Snapshot) {
		bus.PublishJob(s)
		if mq != nil {
			mq.PublishJob(s)
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := db.RecordJob(ctx, database.JobRowFromSnapshot(s)); err != nil {
				log.Warn().Err(err).Str("job_id", s.ID).Msg("failed to record job")
			}
			cancel()
		}
		observeJob(s)
	}
}

// observeJob records terminal transitions in the render metrics.
func observeJob(s render.Snapshot) {
	if !s.Status.Terminal() {
		return
	}
	metrics.RenderJobsTotal.WithLabelValues(string(s.Status), s.ErrorCode).Inc()
	if s.StartedAt != nil && s.FinishedAt != nil {
		metrics.RenderDuration.Observe(s.FinishedAt.Sub(*s.StartedAt).Seconds())
	}
}

// requestHandler enqueues render requests received over MQTT. Paths in the
// request must be absolute or relative to the server's working directory.
func requestHandler(pool *render.WorkerPool, log zerolog.Logger) mqttclient.MessageHandler {
	return func(topic string, payload []byte) {
		req, err := render.ParseRequest(payload)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid render request")
			return
		}
		snap, err := pool.Enqueue(req.Job(""))
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("render request rejected")
			return
		}
		log.Info().Str("job_id", snap.ID).Str("topic", topic).Msg("render request queued")
	}
}

// purgeLedger drops old ledger rows hourly.
func purgeLedger(ctx context.Context, db *database.DB, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.PurgeJobsOlderThan(ctx, retention)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("ledger purge failed")
		} else if n > 0 {
			log.Info().Int64("rows", n).Msg("ledger purged")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
