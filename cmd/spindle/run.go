package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/spindle/config"
	"tangled.sh/tangled.sh/spindle/engine"
	"tangled.sh/tangled.sh/spindle/log"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/server"
	"tangled.sh/tangled.sh/spindle/telemetry"
	"tangled.sh/tangled.sh/spindle/workflow"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run a workflow once against an event",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workflow",
				Aliases:  []string{"w"},
				Usage:    "workflow file",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "event",
				Aliases: []string{"e"},
				Usage:   "event descriptor file (JSON or YAML)",
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "event kind, when no event file is given",
				Value: workflow.TriggerKindManual,
			},
			&cli.StringFlag{
				Name:  "branch",
				Usage: "event branch, when no event file is given",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "local or docker; overrides SPINDLE_PIPELINES_BACKEND",
			},
			&cli.StringFlag{
				Name:  "summary",
				Usage: "write the JSON run summary to this file",
			},
			&cli.StringFlag{
				Name:  "cache",
				Usage: "memory, sqlite or redis; overrides SPINDLE_CACHE_PROVIDER",
			},
		},
		Action: run,
	}
}

func eventFromFlags(cmd *cli.Command) (models.Event, error) {
	if path := cmd.String("event"); path != "" {
		return models.LoadEvent(path)
	}
	ev := models.Event{
		Kind:   cmd.String("kind"),
		Branch: cmd.String("branch"),
	}
	return ev, ev.Validate()
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	if !validateFile(os.Stderr, cmd.String("workflow")) {
		return cli.Exit("", report.ExitValidation)
	}
	wf, _, err := workflow.LoadFile(cmd.String("workflow"))
	if err != nil {
		return cli.Exit(err.Error(), report.ExitValidation)
	}

	ev, err := eventFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if b := cmd.String("backend"); b != "" {
		cfg.Pipelines.Backend = b
	}
	if c := cmd.String("cache"); c != "" {
		cfg.Cache.Provider = c
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := server.NewStack(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer stack.Close()

	t := telemetry.Noop()
	if cfg.Server.OtelEndpoint != "" {
		t, err = telemetry.NewTelemetry(ctx, "spindle", cmd.Root().Version, telemetry.Options{Endpoint: cfg.Server.OtelEndpoint})
		if err != nil {
			return fmt.Errorf("failed to setup telemetry: %w", err)
		}
		defer t.Shutdown(context.WithoutCancel(ctx))
	}

	opts := append(stack.EngineOptions(cfg.Pipelines),
		engine.WithEcho(os.Stdout),
		engine.WithTelemetry(t),
	)
	eng := engine.New(stack.Backend, l, opts...)

	summary := eng.Run(ctx, wf, ev)

	if err := summary.WriteText(os.Stdout); err != nil {
		l.Error("writing report", "error", err)
	}
	if path := cmd.String("summary"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
		defer f.Close()
		if err := summary.WriteJSON(f); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	}

	if code := summary.ExitCode(); code != report.ExitSucceeded {
		return cli.Exit("", code)
	}
	return nil
}
