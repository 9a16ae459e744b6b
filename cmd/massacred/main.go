package main

import (
	"HalvingMassacre/internal/broadcast"
	"HalvingMassacre/internal/config"
	"HalvingMassacre/internal/core"
	"HalvingMassacre/internal/event"
	"HalvingMassacre/internal/ingestion"
	"HalvingMassacre/internal/observability"
	"HalvingMassacre/internal/persistence"
	"HalvingMassacre/internal/query"
	"HalvingMassacre/internal/server"
	"HalvingMassacre/internal/store"
	"HalvingMassacre/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "massacred",
		Short:        "Halving massacre game engine",
		SilenceUsage: true,
		RunE:         serveCmd,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "TOML config file (MASSACRE_* env vars override it)")
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the feeds and the HTTP API",
		RunE:  serveCmd,
	})
	return cmd
}

func serveCmd(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return run(cfg)
}

func run(cfg config.Config) error {
	observability.SetLogLevel(cfg.LogLevel)
	logFile := observability.SetupLogOutput(observability.LogFileConfig{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	})
	defer logFile.Close()

	log.Printf("INFO: halving massacre engine starting (store=%s)", cfg.StoreDriver)

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	var (
		st        store.Store
		db        *sql.DB
		logWorker *persistence.PublishLogWorker
		reporter  core.Reporter
		err       error
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err = openPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddProbe("postgres", db.PingContext)

		st = persistence.NewPostgres(db)
		logWorker = persistence.NewPublishLogWorker(db, cfg.PublishLogQueue, cfg.PublishLogBatchSize,
			cfg.PublishLogFlushTimeout.Duration, metrics)
		reporter = publishLogReporter{worker: logWorker}
	default:
		log.Println("WARN: in-memory store, state is lost on exit")
		st = store.NewMemory()
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")
	healthChecker.AddProbe("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// --- Engine ---
	signer, err := event.NewSigner(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	fanout := core.NewFanout(ingestion.NewJetStreamOutbox(js), signer, cfg.PublishTimeout.Duration, metrics, reporter)
	publisher := broadcast.NewStatePublisher(st, fanout, cfg.PublishInterval.Duration, cfg.PublishTimeout.Duration, metrics)

	engine, err := core.NewEngine(st, fanout, publisher, core.Config{
		TxTimeout:        cfg.TxTimeout.Duration,
		ReceiptCacheSize: cfg.ReceiptCacheSize,
		BlockCacheSize:   cfg.BlockCacheSize,
		ZapKeys:          event.ZapKeys{Gateway: cfg.GatewayKey, Issuer: signer.PubKey()},
	}, metrics)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	log.Printf("INFO: engine key %s", signer.PubKey())

	// --- Recovery: answer receipts stored before the last shutdown ---
	replayed, err := engine.ReplayUnanswered(ctx, cfg.ReplayLimit)
	if err != nil {
		log.Printf("WARN: replay unanswered receipts: %v", err)
	} else if replayed > 0 {
		log.Printf("INFO: replayed %d unanswered receipts", replayed)
	}

	// --- Ingestion ---
	dispatcher := ingestion.NewDispatcher(engine, ingestion.DefaultSubjects(), metrics)
	rawEventChan := make(chan ingestion.RawEvent, cfg.InboundQueue)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- gRPC + HTTP API ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		QueryService:  query.NewQueryService(st),
		Tickets:       engine,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		StartTime:     time.Now(),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Publish log worker
	workerDone := make(chan struct{})
	if logWorker != nil {
		go func() {
			defer close(workerDone)
			if err := logWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("publish log worker: %w", err)
			}
		}()
	} else {
		close(workerDone)
	}

	// 2. Debounced state publisher
	publisher.Start(ctx)

	// 3. NATS → engine
	go func() {
		if err := dispatcher.Run(ctx, rawEventChan); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// 4. WebSocket block feed
	if cfg.MempoolWSURL != "" {
		feed := ingestion.NewMempoolFeed(cfg.MempoolWSURL, dispatcher.Blocks, metrics)
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("mempool feed: %w", err)
			}
		}()
	}

	// 5. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 6. HTTP API
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 7. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	grpcServer.SetServing(true)
	log.Printf("INFO: ready (grpc=%s, http=%s, metrics=%s)", cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case runErr = <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", runErr)
	}

	// --- Graceful shutdown ---
	// Stop intake first, publish what is still dirty, then flush the log.
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	publisher.Stop()
	cancel()

	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		log.Println("WARN: publish log worker did not finish in time")
	}

	log.Println("INFO: shutdown complete")
	return runErr
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Println("INFO: Postgres connected")

	if cfg.MigrateOnBoot {
		if err := persistence.NewMigrator(db, migrations.FS).Up(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Println("INFO: migrations applied")
	}
	return db, nil
}

// publishLogReporter turns fan-out reports into publish log rows.
type publishLogReporter struct {
	worker *persistence.PublishLogWorker
}

func (r publishLogReporter) Report(rep core.PublishReport) {
	records := make([]persistence.PublishRecord, 0, len(rep.Results))
	for _, res := range rep.Results {
		rec := persistence.PublishRecord{
			MessageID:   res.MessageID,
			GameID:      rep.GameID,
			Label:       string(res.Label),
			Cause:       rep.Cause,
			OK:          res.Err == nil,
			PublishedAt: rep.At,
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		records = append(records, rec)
	}
	r.worker.Submit(records...)
}
