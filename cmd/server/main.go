// Package main is the entry point for the auditchain server binary.
// It dispatches three subcommands (serve, migrate and version) via a simple
// switch on os.Args so the server's CLI surface is readable in one place;
// operator tooling lives in cmd/auditctl. The serve command applies the schema
// on startup when database.auto_migrate is set, so freshly deployed containers
// never need a separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bizsuite/auditchain/internal/api"
	"github.com/bizsuite/auditchain/internal/api/admin"
	"github.com/bizsuite/auditchain/internal/audit"
	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/config"
	"github.com/bizsuite/auditchain/internal/db"
	"github.com/bizsuite/auditchain/internal/db/repositories"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/jobs"
	"github.com/bizsuite/auditchain/internal/middleware"
	"github.com/bizsuite/auditchain/internal/safego"
	"github.com/bizsuite/auditchain/internal/service"
	"github.com/bizsuite/auditchain/internal/storage"
	"github.com/bizsuite/auditchain/internal/stream"
	"github.com/bizsuite/auditchain/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/bizsuite/auditchain/internal/storage/azure"
	_ "github.com/bizsuite/auditchain/internal/storage/gcs"
	_ "github.com/bizsuite/auditchain/internal/storage/local"
	_ "github.com/bizsuite/auditchain/internal/storage/s3"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// A .env file is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("auditchain v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format and level.
	out, closeOut, err := telemetry.OpenOutput(cfg.Logging.Output)
	if err != nil {
		return err
	}
	defer closeOut()
	telemetry.SetupLoggerTo(out, cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chain store
	var (
		store       chain.Store
		tenantStats admin.TenantStatsSource
		pinger      api.Pinger
	)
	if cfg.Database.Driver == "memory" {
		slog.Warn("using the in-memory chain store; entries are lost on restart")
		store = chain.NewMemoryStore()
	} else {
		database, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		slog.Info("connected to database", "driver", cfg.Database.Driver, "auto_migrate", cfg.Database.AutoMigrate)

		if cfg.Database.Driver == db.DriverPostgres {
			if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
				slog.Warn("failed to get migration version", "error", err)
			} else {
				slog.Info("database schema version", "version", v, "dirty", dirty)
			}
		}

		telemetry.StartDBStatsCollector(ctx, database.DB, 30*time.Second)
		repo := repositories.NewChainRepository(database)
		store, tenantStats, pinger = repo, repo, database
	}

	// Shippers
	shippers, err := audit.NewMultiShipper(cfg.Shippers)
	if err != nil {
		return fmt.Errorf("failed to configure shippers: %w", err)
	}
	var shipper audit.Shipper
	if shippers.Len() > 0 {
		shipper = shippers
		slog.Info("audit shippers configured", "count", shippers.Len())
	}

	// Live stream
	var (
		hub       *stream.Hub
		publisher service.Publisher
	)
	if cfg.Stream.Enabled {
		hub = stream.NewHub(stream.Config{AllowedOrigins: cfg.Stream.AllowedOrigins})
		safego.Go("stream.hub", func() { hub.Run(ctx) })
		publisher = hub
	}

	svc := service.NewAuditService(store, chain.AppenderConfig{
		MaxAttempts: cfg.Chain.MaxAttempts,
		BaseDelay:   cfg.Chain.RetryBaseDelay,
		MaxDelay:    cfg.Chain.RetryMaxDelay,
	}, shipper, publisher)
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Error("failed to close shippers", "error", err)
		}
	}()

	// Archive storage
	var (
		archiver *export.Archiver
		objects  storage.Storage
	)
	if cfg.Archive.Enabled {
		archiver, objects, err = newArchiver(cfg, store)
		if err != nil {
			return err
		}
		slog.Info("archiving enabled", "backend", cfg.Storage.DefaultBackend, "prefix", cfg.Archive.Prefix)
	}

	// Rate limiting
	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		limiter, err = middleware.NewLimiter(cfg.Security.RateLimiting)
		if err != nil {
			return fmt.Errorf("failed to configure rate limiting: %w", err)
		}
		defer limiter.Close()
	}

	// Periodic verification
	if cfg.Jobs.Verification.Enabled {
		var jobArchiver jobs.ChainArchiver
		if cfg.Jobs.Verification.ArchiveAfter && archiver != nil {
			jobArchiver = archiver
		}
		job := jobs.NewChainVerificationJob(store, jobArchiver, cfg.Jobs.Verification.Interval)
		safego.Go("chain-verification", func() { job.Start(ctx) })
		defer job.Stop()
	}

	// Prometheus metrics are served on a dedicated port so the scrape path is
	// not reachable through the public API ingress.
	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Telemetry.Metrics.PrometheusPort)
	}

	router := api.NewRouter(api.Dependencies{
		Config:      cfg,
		Service:     svc,
		Version:     version,
		DB:          pinger,
		Hub:         hub,
		Archiver:    archiver,
		Objects:     objects,
		Limiter:     limiter,
		TenantStats: tenantStats,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr, "tls", cfg.Security.TLS.Enabled, "version", version)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newArchiver builds the archiver over the configured storage backend,
// signing manifests when a signing key is configured.
func newArchiver(cfg *config.Config, store chain.Store) (*export.Archiver, storage.Storage, error) {
	objects, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize archive storage: %w", err)
	}

	var signer *export.Signer
	if cfg.Archive.SigningKeyFile != "" {
		signer, err = export.LoadSigner(cfg.Archive.SigningKeyFile, cfg.Archive.SigningKeyPassphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load archive signing key: %w", err)
		}
		slog.Info("archive manifests will be signed", "key_id", signer.KeyID())
	}

	return export.NewArchiver(store, objects, signer, cfg.Archive.Prefix), objects, nil
}

func startMetricsServer(ctx context.Context, port int) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	// Use http.Server with timeouts (G114: bare http.ListenAndServe has no timeout support).
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	safego.Go("metrics-server", func() {
		slog.Info("starting Prometheus metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	})
	safego.Go("metrics-server-shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

func runMigrations(cfg *config.Config, direction string) error {
	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("the memory store has no schema to migrate")
	}

	// Migrate explicitly rather than through auto_migrate so "down" works.
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	database, err := db.Open(context.Background(), dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction) // #nosec G706 -- direction is an operator-supplied CLI argument
	if err := db.Migrate(context.Background(), database.DB, cfg.Database.Driver, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if cfg.Database.Driver == db.DriverPostgres {
		v, dirty, err := db.GetMigrationVersion(database.DB)
		if err != nil {
			return fmt.Errorf("failed to get migration version: %w", err)
		}
		log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
		return nil
	}
	log.Println("SQLite schema is up to date")
	return nil
}
