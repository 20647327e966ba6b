package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/warden/events"
	"github.com/bluesky-social/warden/notifs"
	"github.com/bluesky-social/warden/tasks"
	"github.com/bluesky-social/warden/util/cliutil"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gorm.io/plugin/opentelemetry/tracing"
)

var cmdServe = &cli.Command{
	Name:   "serve",
	Usage:  "run the background daemon: deferred deletions, merges and notifications",
	Action: runServe,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics and pprof",
			Value:   ":2471",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "slack webhook URL for operator notifications (eg, failed tasks); logged if not set",
			EnvVars: []string{"WARDEN_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL"},
		},
		&cli.IntFlag{
			Name:    "task-parallelism",
			Usage:   "number of tasks to run at the same time",
			Value:   tasks.DefaultRunnerConfig().Parallelism,
			EnvVars: []string{"WARDEN_TASK_PARALLELISM"},
		},
		&cli.Float64Flag{
			Name:    "task-rate-limit",
			Usage:   "maximum task starts per second",
			Value:   tasks.DefaultRunnerConfig().TasksPerSecond,
			EnvVars: []string{"WARDEN_TASK_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "task-max-retries",
			Usage:   "retries before a task is marked failed and reported",
			Value:   tasks.DefaultRunnerConfig().MaxRetries,
			EnvVars: []string{"WARDEN_TASK_MAX_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "task-claim-timeout",
			Usage:   "how long a task may stay claimed before another worker takes it over",
			Value:   tasks.DefaultRunnerConfig().ClaimTimeout,
			EnvVars: []string{"WARDEN_TASK_CLAIM_TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:    "enable-db-tracing",
			EnvVars: []string{"WARDEN_ENABLE_DB_TRACING"},
		},
		&cli.BoolFlag{
			Name:    "jaeger",
			EnvVars: []string{"WARDEN_JAEGER"},
		},
		&cli.StringFlag{
			Name:    "otel-exporter-otlp-endpoint",
			EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "env",
			Value:   "dev",
			EnvVars: []string{"ENVIRONMENT"},
		},
	},
}

func runServe(cctx *cli.Context) error {
	ctx := cctx.Context
	logger := cliutil.ConfigLogger(cctx, os.Stdout)

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	shutdownTracing, err := setupOTEL(ctx, cctx)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}

	db, err := openDatabase(cctx)
	if err != nil {
		return err
	}
	if cctx.Bool("enable-db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return err
		}
	}

	evtman := events.NewEventManager()
	go evtman.Run()
	evts, unsubscribe, err := evtman.Subscribe(ctx, nil)
	if err != nil {
		return err
	}
	go func() {
		for evt := range evts {
			logger.Debug("account event", "kind", evt.Kind, "account", evt.AccountID, "actor", evt.ActorID)
		}
	}()

	eng, store, err := setupEngine(cctx, db, evtman)
	if err != nil {
		return err
	}

	runner := tasks.NewRunner(store, &tasks.RunnerConfig{
		Parallelism:    cctx.Int("task-parallelism"),
		TasksPerSecond: cctx.Float64("task-rate-limit"),
		MaxRetries:     cctx.Int("task-max-retries"),
		PollInterval:   time.Second,
		ClaimTimeout:   cctx.Duration("task-claim-timeout"),
	})
	eng.RegisterHandlers(runner)

	deliverer := &notifs.Deliverer{
		Mailer: &notifs.LogSender{Logger: logger.With("system", "notifs")},
	}
	if webhook := cctx.String("slack-webhook-url"); webhook != "" {
		deliverer.Operators = notifs.NewSlackSender(webhook)
	}
	runner.Handle(notifs.TaskKind, deliverer.HandleTask)

	// start metrics endpoint
	metricsServer := &http.Server{Addr: cctx.String("metrics-listen")}
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("starting metrics listener", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start metrics endpoint", "err", err)
			os.Exit(1)
		}
	}()

	go runner.Start()

	logger.Info("startup complete")
	<-signals
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping task runner", "err", err)
	}
	unsubscribe()
	evtman.Shutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error stopping metrics listener", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to shutdown trace exporter", "err", err)
	}

	logger.Info("shutdown complete")
	return nil
}
