package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"

	"github.com/edvin/mssante/internal/activity"
	"github.com/edvin/mssante/internal/bootstrap"
	"github.com/edvin/mssante/internal/config"
	"github.com/edvin/mssante/internal/core"
	"github.com/edvin/mssante/internal/logging"
	"github.com/edvin/mssante/internal/metrics"
	"github.com/edvin/mssante/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("worker"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.Open(ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	defer deps.Close()

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

	taskQueue := core.TaskQueue()
	w := worker.New(tc, taskQueue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{&workflow.ErrorTypingInterceptor{}},
	})

	// Register activities
	w.RegisterActivity(activity.NewOutbox(deps.Propagator, cfg.OutboxBatchSize))
	w.RegisterActivity(activity.NewCertificateActivity(deps.Vault, logger))

	// Register workflows
	w.RegisterWorkflow(workflow.DrainOutboxWorkflow)
	w.RegisterWorkflow(workflow.SweepExpiredCertificatesWorkflow)
	w.RegisterWorkflow(workflow.CheckCertificateExpiryWorkflow)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, deps.Pool.Ping)
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("taskQueue", taskQueue).Msg("starting temporal worker")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("worker failed")
		}
	}()

	// Register cron schedules. Already-existing schedules are skipped so
	// that re-deploys do not fail.
	registerCronSchedules(ctx, tc, taskQueue, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	cancel()
}

type cronSchedule struct {
	id       string
	cron     string
	workflow any
	args     []any
}

func registerCronSchedules(ctx context.Context, tc temporalclient.Client, taskQueue string, logger zerolog.Logger) {
	schedules := []cronSchedule{
		{
			// Safety net for async mode and for inline steps whose lease ran out.
			id:       "outbox-drain-cron",
			cron:     "* * * * *",
			workflow: workflow.DrainOutboxWorkflow,
		},
		{
			id:       "cert-expiry-sweep-cron",
			cron:     "0 2 * * *",
			workflow: workflow.SweepExpiredCertificatesWorkflow,
		},
		{
			id:       "cert-expiry-check-cron",
			cron:     "0 6 * * *",
			workflow: workflow.CheckCertificateExpiryWorkflow,
			args:     []any{workflow.DefaultExpiryWindowDays},
		},
	}

	scheduleClient := tc.ScheduleClient()

	for _, s := range schedules {
		_, err := scheduleClient.Create(ctx, temporalclient.ScheduleOptions{
			ID: s.id,
			Spec: temporalclient.ScheduleSpec{
				CronExpressions: []string{s.cron},
			},
			Action: &temporalclient.ScheduleWorkflowAction{
				ID:        s.id,
				Workflow:  s.workflow,
				Args:      s.args,
				TaskQueue: taskQueue,
			},
		})
		switch {
		case scheduleExists(err):
			logger.Info().Str("id", s.id).Msg("cron schedule already exists, skipping")
		case err != nil:
			logger.Fatal().Err(err).Str("id", s.id).Msg("failed to create cron schedule")
		default:
			logger.Info().Str("id", s.id).Str("cron", s.cron).Msg("created cron schedule")
		}
	}
}

func scheduleExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already registered") || strings.Contains(msg, "AlreadyExists")
}
