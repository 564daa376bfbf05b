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

	"github.com/spf13/pflag"
	"github.com/wbh1/tokenpool/internal/admission"
	"github.com/wbh1/tokenpool/internal/api"
	"github.com/wbh1/tokenpool/internal/config"
	"github.com/wbh1/tokenpool/internal/dispatch"
	"github.com/wbh1/tokenpool/internal/observability"
	"github.com/wbh1/tokenpool/internal/pool"
	"github.com/wbh1/tokenpool/internal/scheduler"
	"github.com/wbh1/tokenpool/internal/sealed"
	"github.com/wbh1/tokenpool/internal/storage/file"
	"github.com/wbh1/tokenpool/internal/storage/postgres"
	"github.com/wbh1/tokenpool/internal/storage/vault"
	"github.com/wbh1/tokenpool/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flags := pflag.NewFlagSet("tokenpool", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "Path to configuration file or glob pattern (required)")
	showVersion := flags.Bool("version", false, "Show version information")
	genKey := flags.Bool("gen-age-key", false, "Generate an age identity for sealed storage and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}

	if *showVersion {
		fmt.Printf("tokenpool version %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *genKey {
		identity, recipient, err := sealed.GenerateIdentity()
		if err != nil {
			log.Fatalf("Failed to generate identity: %v", err)
		}
		fmt.Printf("# public key: %s\n%s\n", recipient, identity)
		os.Exit(0)
	}

	if *configPath == "" {
		log.Fatal("Error: --config flag is required")
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		observability.GetLogger().Error("tokenpool exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	cleanup, err := observability.Setup(ctx, &observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		OTelEndpoint: cfg.Observability.OTelEndpoint,
		Enabled:      cfg.Observability.OTelEndpoint != "",
		LogLevel:     cfg.Observability.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer cleanup()

	logger := observability.GetLogger()
	logger.InfoContext(ctx, "Configuration loaded",
		slog.String("mode", cfg.Maintenance.Mode),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("seed_tokens", len(cfg.Pool.SeedTokens)),
	)

	policy := cfg.HealthPolicy()

	var poolOpts []pool.Option
	if cfg.CheckEnabled() {
		checkTimeout, err := config.ParseDuration(cfg.Upstream.CheckTimeout)
		if err != nil {
			return fmt.Errorf("invalid upstream check timeout: %w", err)
		}
		poolOpts = append(poolOpts, pool.WithChecker(dispatch.NewChecker(dispatch.CheckerConfig{
			BaseURL: cfg.Upstream.BaseURL,
			Path:    cfg.Upstream.CheckPath,
			Body:    []byte(cfg.Upstream.CheckBody),
			Timeout: checkTimeout,
		}, nil)))
		if cfg.Upstream.CheckOnAdd {
			poolOpts = append(poolOpts, pool.WithCheckOnAdd())
		}
		logger.InfoContext(ctx, "Upstream credential checks enabled",
			slog.Bool("check_on_add", cfg.Upstream.CheckOnAdd),
			slog.Bool("health_check", cfg.Maintenance.HealthCheck),
			slog.Int("min_healthy", cfg.Pool.MinHealthy),
		)
	}
	manager := pool.NewManager(policy, poolOpts...)

	persister, closeStorage, err := openPersister(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	if persister != nil {
		loaded, err := manager.Load(ctx, persister)
		if err != nil {
			return fmt.Errorf("failed to load pool: %w", err)
		}
		logger.InfoContext(ctx, "Pool loaded from storage", slog.Int("tokens", loaded))
	}

	if seeds := cfg.SeedTokens(); len(seeds) > 0 {
		result, err := manager.AddTokensBatch(ctx, seeds, models.Source(cfg.Pool.SeedSource))
		if err != nil {
			return fmt.Errorf("failed to seed pool: %w", err)
		}
		logger.InfoContext(ctx, "Seed tokens added",
			slog.Int("added", result.Added),
			slog.Int("duplicates", result.Duplicates),
			slog.Int("rejected", result.Rejected),
		)
	}

	sched := scheduler.NewScheduler(cfg, manager, persister)

	if cfg.Maintenance.Mode == config.ModeOneShot {
		return sched.Run(ctx)
	}

	upstreamTimeout, err := config.ParseDuration(cfg.Upstream.Timeout)
	if err != nil {
		return fmt.Errorf("invalid upstream timeout: %w", err)
	}
	requestTimeout, err := config.ParseDuration(cfg.Server.RequestTimeout)
	if err != nil {
		return fmt.Errorf("invalid request timeout: %w", err)
	}
	shutdownTimeout, err := config.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		return fmt.Errorf("invalid shutdown timeout: %w", err)
	}

	dispatcher := dispatch.New(manager, dispatch.Config{
		BaseURL:      cfg.Upstream.BaseURL,
		GeneratePath: cfg.Upstream.GeneratePath,
		Timeout:      upstreamTimeout,
	}, nil)

	router := api.NewRouter(manager, dispatcher, admission.New(cfg.AdmissionRules(), nil), api.Options{
		BasePath:        cfg.Server.BasePath,
		Timeout:         requestTimeout,
		AdminKey:        cfg.Server.AdminKey,
		NoCapacityRetry: policy.BaseCooldown,

		TrustedCallerHeader: cfg.Server.TrustedCallerHeader,
	})

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "HTTP server listening", slog.String("addr", cfg.Server.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	schedCtx, cancelSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "Scheduler stopped", slog.String("error", err.Error()))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "Initiating graceful shutdown")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "HTTP server shutdown failed", slog.String("error", err.Error()))
	}
	cancelSched()
	<-schedDone

	// Write back whatever changed since the last tick
	if persister != nil {
		if _, err := manager.Flush(shutdownCtx, persister); err != nil {
			logger.ErrorContext(shutdownCtx, "Final flush failed", slog.String("error", err.Error()))
			if runErr == nil {
				runErr = fmt.Errorf("failed to flush pool: %w", err)
			}
		}
	}

	logger.InfoContext(shutdownCtx, "Shutdown complete")
	return runErr
}

// openPersister builds the configured storage backend. Memory storage returns
// a nil persister.
func openPersister(ctx context.Context, cfg *config.Config) (pool.Persister, func(), error) {
	nop := func() {}

	switch cfg.Storage.Type {
	case config.StorageVault:
		client, err := vault.NewClient(&vault.Config{
			Address:   cfg.Storage.Vault.Address,
			RoleID:    cfg.Storage.Vault.RoleID,
			SecretID:  cfg.Storage.Vault.SecretID,
			MountPath: cfg.Storage.Vault.MountPath,
			Path:      cfg.Storage.Vault.Path,
		})
		if err != nil {
			return nil, nop, fmt.Errorf("failed to create vault client: %w", err)
		}
		return client, nop, nil

	case config.StorageFile:
		sealer, err := openSealer(ctx, cfg)
		if err != nil {
			return nil, nop, err
		}
		return file.New(cfg.Storage.File.Path, sealer), nop, nil

	case config.StoragePostgres:
		sealer, err := openSealer(ctx, cfg)
		if err != nil {
			return nil, nop, err
		}
		db, err := postgres.New(ctx, cfg.Storage.Postgres.DSN, sealer)
		if err != nil {
			return nil, nop, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nop, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		return db, db.Close, nil

	default:
		return nil, nop, nil
	}
}

// openSealer loads the age identity and logs its public half so operators can
// tell which key a deployment seals with
func openSealer(ctx context.Context, cfg *config.Config) (*sealed.Sealer, error) {
	sealer, err := sealed.New(cfg.Storage.AgeIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to load age identity: %w", err)
	}
	observability.GetLogger().InfoContext(ctx, "Sealing secrets at rest",
		slog.String("storage", cfg.Storage.Type),
		slog.String("recipient", sealer.Recipient()),
	)
	return sealer, nil
}
