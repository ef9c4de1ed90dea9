// Package local runs jobs directly on the host, each in its own workspace
// directory with toolchains taken from a shared toolchain directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/spindle/engine"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/toolchain"
	"tangled.sh/tangled.sh/spindle/workflow"
)

// host variables a job inherits; everything else comes from the workflow
var passthrough = []string{"PATH", "USER", "LANG", "LC_ALL", "TMPDIR", "TERM"}

type Options struct {
	WorkspaceDir string
	ToolchainDir string
}

type Engine struct {
	opts     Options
	l        *slog.Logger
	cleanups engine.Cleanups
}

// ensure that we are satisfying the interface
var _ engine.Backend = (*Engine)(nil)

func New(l *slog.Logger, opts Options) (*Engine, error) {
	if opts.WorkspaceDir == "" {
		return nil, errors.New("workspace dir is required")
	}
	if err := os.MkdirAll(opts.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	return &Engine{
		opts: opts,
		l:    l.With("backend", "local"),
	}, nil
}

// SetupJob lays a job out as <workspace dir>/<job id>/{workspace,state,home}.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *workflow.Job) (*models.Environment, error) {
	e.l.Info("setting up job", "job", jid)

	env := &models.Environment{Vars: make(map[string]string)}

	if !job.Toolchain.IsZero() {
		available, err := toolchain.Installed(e.opts.ToolchainDir, job.Toolchain.Name)
		if err != nil {
			return nil, fmt.Errorf("listing toolchains: %w", err)
		}
		r, err := toolchain.Resolve(job.Toolchain, available)
		if err != nil {
			return nil, err
		}
		env.Toolchain = r.String()
		env.Path = toolchain.BinDirs(e.opts.ToolchainDir, r)
		e.l.Debug("resolved toolchain", "job", jid, "toolchain", env.Toolchain)
	}

	jobDir, err := securejoin.SecureJoin(e.opts.WorkspaceDir, jid.String())
	if err != nil {
		return nil, err
	}
	e.cleanups.Register(jid, func(context.Context) error {
		return os.RemoveAll(jobDir)
	})

	env.WorkDir = filepath.Join(jobDir, "workspace")
	env.StateDir = filepath.Join(jobDir, "state")
	home := filepath.Join(jobDir, "home")
	for _, dir := range []string{env.WorkDir, env.StateDir, home} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating job directories: %w", err)
		}
	}

	for _, k := range passthrough {
		if v, ok := os.LookupEnv(k); ok {
			env.Vars[k] = v
		}
	}
	env.Vars["HOME"] = home

	return env, nil
}

func (e *Engine) RunCommand(ctx context.Context, jid models.JobId, env *models.Environment, step *workflow.Step, vars map[string]string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, "bash", "-eo", "pipefail", "-c", step.Run)
	cmd.Dir = env.WorkDir
	cmd.Env = models.ConstructEnvs(vars).Slice()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	killProcessGroup(cmd)

	err := cmd.Run()
	if ctx.Err() != nil {
		e.l.Warn("step timed out; killed process", "job", jid, "step", step.DisplayName())
		return engine.ErrTimedOut
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &engine.StepFailure{Step: step.DisplayName(), ExitCode: exitErr.ExitCode()}
	}
	return err
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.l.Info("destroying job", "job", jid)
	return e.cleanups.Run(ctx, jid, e.l)
}
