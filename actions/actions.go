package actions

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"tangled.sh/tangled.sh/spindle/cache"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/workflow"
)

// Outputs are merged into the environment of the remaining steps of the
// job.
type Outputs map[string]string

type Action interface {
	Run(ctx context.Context, c *Context) (Outputs, error)
}

// ActionFunc adapts a function to an Action.
type ActionFunc func(ctx context.Context, c *Context) (Outputs, error)

func (f ActionFunc) Run(ctx context.Context, c *Context) (Outputs, error) {
	return f(ctx, c)
}

// PostJob is work an action schedules for after the last step of the job,
// such as saving a cache that was restored earlier.
type PostJob struct {
	Name   string
	Policy cache.SavePolicy
	Run    func(ctx context.Context) error
}

// Context is everything an action may touch while it runs.
type Context struct {
	Job   *workflow.Job
	Step  *workflow.Step
	Event models.Event
	Env   *models.Environment
	// Vars is the environment the step would run with.
	Vars  map[string]string
	Cache *cache.Manager

	// Stdout is the step's log stream.
	Stdout io.Writer
	Logger *slog.Logger

	Defer       func(PostJob)
	RecordCache func(report.CacheResult)
}

func (c *Context) printf(format string, args ...any) {
	if c.Stdout != nil {
		fmt.Fprintf(c.Stdout, format+"\n", args...)
	}
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Context) record(r report.CacheResult) {
	if c.RecordCache != nil {
		c.RecordCache(r)
	}
}

func (c *Context) deferJob(p PostJob) {
	if c.Defer != nil {
		c.Defer(p)
	}
}

// Builtin returns the actions every workflow can use.
func Builtin() map[string]Action {
	return map[string]Action{
		workflow.ActionCheckout:     ActionFunc(checkout),
		workflow.ActionRestoreCache: ActionFunc(restoreCache),
		workflow.ActionSaveCache:    ActionFunc(saveCache),
	}
}
