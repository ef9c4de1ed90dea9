package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/spindle/config"
	"tangled.sh/tangled.sh/spindle/engine"
	"tangled.sh/tangled.sh/spindle/log"
	"tangled.sh/tangled.sh/spindle/notifier"
	"tangled.sh/tangled.sh/spindle/queue"
	"tangled.sh/tangled.sh/spindle/telemetry"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the pipeline server",
		Action: Run,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	t := telemetry.Noop()
	if cfg.Server.Dev || cfg.Server.OtelEndpoint != "" {
		t, err = telemetry.NewTelemetry(ctx, "spindle", cmd.Root().Version, telemetry.Options{
			Dev:      cfg.Server.Dev,
			Endpoint: cfg.Server.OtelEndpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer t.Shutdown(context.WithoutCancel(ctx))
	}

	stack, err := NewStack(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer stack.Close()

	n := notifier.New()
	runs := NewRegistry(n)

	opts := append(stack.EngineOptions(cfg.Pipelines),
		engine.WithTelemetry(t),
		engine.WithObserver(runs),
	)
	eng := engine.New(stack.Backend, l, opts...)

	jq := queue.NewQueue(cfg.Server.QueueSize, cfg.Server.Workers)
	// starts the job queue workers in the background
	jq.Start()
	defer jq.Stop()

	srv := New(ctx, l, eng, jq, runs, n, Options{
		WorkflowsDir: cfg.Server.WorkflowsDir,
		LogDir:       cfg.Pipelines.LogDir,
		Telemetry:    t,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("starting spindle server", "address", cfg.Server.ListenAddr, "backend", cfg.Pipelines.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		l.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			l.Error("shutdown", "error", err)
		}
	}

	return nil
}
