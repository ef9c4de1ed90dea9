package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/workflow"
)

// Backend provisions isolated environments and runs command steps in them.
type Backend interface {
	// SetupJob prepares the workspace, toolchain and base environment of a
	// job. Everything it creates is released by DestroyJob, even when
	// SetupJob itself fails halfway.
	SetupJob(ctx context.Context, jid models.JobId, job *workflow.Job) (*models.Environment, error)
	// RunCommand runs the step's shell command with exactly vars as its
	// environment. A non-zero exit is reported as a *StepFailure, an
	// expired context as ErrTimedOut.
	RunCommand(ctx context.Context, jid models.JobId, env *models.Environment, step *workflow.Step, vars map[string]string, stdout, stderr io.Writer) error
	DestroyJob(ctx context.Context, jid models.JobId) error
}

type CleanupFunc func(context.Context) error

// Cleanups tracks what a backend has to undo per job.
type Cleanups struct {
	mu  sync.Mutex
	fns map[string][]CleanupFunc
}

func (c *Cleanups) Register(jid models.JobId, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fns == nil {
		c.fns = make(map[string][]CleanupFunc)
	}
	key := jid.String()
	c.fns[key] = append(c.fns[key], fn)
}

// Run undoes everything registered for jid, most recent first. Every
// cleanup runs even if an earlier one fails.
func (c *Cleanups) Run(ctx context.Context, jid models.JobId, l *slog.Logger) error {
	c.mu.Lock()
	key := jid.String()
	fns := c.fns[key]
	delete(c.fns, key)
	c.mu.Unlock()

	var errs []error
	for _, fn := range slices.Backward(fns) {
		if err := fn(ctx); err != nil {
			l.Error("failed to cleanup job resource", "job", jid, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cleanups) Pending(jid models.JobId) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns[jid.String()])
}
