package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/mssante/internal/api"
	"github.com/edvin/mssante/internal/bootstrap"
	"github.com/edvin/mssante/internal/config"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/db"
	"github.com/edvin/mssante/internal/logging"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/core", "Migration files directory")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Print migration status and exit")
	rewrapFlag := flag.Bool("rewrap-keys", false, "Re-seal vault private keys under the current key encryption key and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *migrateStatusFlag {
		if err := db.MigrationStatus(cfg.CoreDatabaseURL, *migrateDirFlag); err != nil {
			fmt.Fprintf(os.Stderr, "migration status: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate("core-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.CoreDatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.Open(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	defer deps.Close()

	if *rewrapFlag {
		total := 0
		for {
			n, err := deps.Vault.RewrapKeys(ctx, 100)
			if err != nil {
				logger.Fatal().Err(err).Int("rewrapped", total).Msg("key rewrap failed")
			}
			if n == 0 {
				break
			}
			total += n
		}
		logger.Info().Int("rewrapped", total).Msg("key rewrap complete")
		return
	}

	readyChecks := map[string]api.ReadyCheck{
		"core_db": deps.Pool.Ping,
	}
	if deps.Redis != nil {
		readyChecks["cache"] = deps.Redis.Health
	}

	opts := core.ServiceOptions{
		Mode:     cfg.PropagationMode,
		Cache:    deps.Cache,
		CacheTTL: cfg.CacheTTL,
		Quotas:   core.DomainQuotas{},
	}

	// Async mode hands steps to the worker; a Temporal client is only needed then.
	if cfg.PropagationMode == config.PropagationAsync {
		tlsConfig, err := cfg.TemporalTLS()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure temporal TLS")
		}
		dialOpts := temporalclient.Options{HostPort: cfg.TemporalAddress}
		if tlsConfig != nil {
			dialOpts.ConnectionOptions = temporalclient.ConnectionOptions{TLS: tlsConfig}
			logger.Info().Msg("temporal mTLS enabled")
		}
		tc, err := temporalclient.Dial(dialOpts)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to temporal")
		}
		defer tc.Close()

		opts.Notifier = core.NewTemporalNotifier(tc)
		readyChecks["temporal"] = func(ctx context.Context) error {
			_, err := tc.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
			return err
		}
	}

	services := core.NewServices(deps.Store, deps.Propagator, opts, logger)

	srv := api.NewServer(logger, api.Deps{
		Mailboxes:    services.Mailboxes,
		Delegations:  services.Delegations,
		Certificates: deps.Vault,
		Directory:    deps.Annuaire,
		ReadyChecks:  readyChecks,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPListenAddr).
			Str("propagation", cfg.PropagationMode).
			Msg("starting core API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}
