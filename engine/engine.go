package engine

import (
	"io"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/spindle/actions"
	"tangled.sh/tangled.sh/spindle/cache"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/secrets"
	"tangled.sh/tangled.sh/spindle/telemetry"
)

const (
	// how long teardown and post-job work may take once a job is over
	cleanupTimeout = 5 * time.Minute
	postJobTimeout = 10 * time.Minute
)

// Observer is told about every job state transition of a run.
type Observer interface {
	JobUpdated(rid models.RunId, job report.JobResult)
}

type Engine struct {
	backend Backend
	cache   *cache.Manager
	secrets secrets.Manager
	actions map[string]actions.Action
	l       *slog.Logger
	t       *telemetry.Telemetry
	obs     Observer

	logDir      string
	echo        io.Writer
	jobTimeout  time.Duration
	maxParallel int
}

type Option func(*Engine)

func WithCache(m *cache.Manager) Option {
	return func(e *Engine) {
		e.cache = m
	}
}

func WithSecrets(m secrets.Manager) Option {
	return func(e *Engine) {
		e.secrets = m
	}
}

// WithLogDir writes one JSON-lines log per job into dir.
func WithLogDir(dir string) Option {
	return func(e *Engine) {
		e.logDir = dir
	}
}

// WithEcho mirrors step output to w as it is logged.
func WithEcho(w io.Writer) Option {
	return func(e *Engine) {
		e.echo = w
	}
}

// WithJobTimeout bounds jobs that do not declare their own timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.jobTimeout = d
	}
}

// WithMaxParallelJobs limits how many jobs of a run execute at once. Zero
// means no limit.
func WithMaxParallelJobs(n int) Option {
	return func(e *Engine) {
		e.maxParallel = n
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.t = t
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.obs = o
	}
}

// WithAction registers or replaces the action behind a `uses` name.
func WithAction(name string, a actions.Action) Option {
	return func(e *Engine) {
		e.actions[name] = a
	}
}

func New(backend Backend, l *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		actions: actions.Builtin(),
		l:       l.With("component", "engine"),
		t:       telemetry.Noop(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cache == nil {
		e.cache = cache.NewManager(cache.NewMemoryStore(), e.l)
	}
	return e
}

func (e *Engine) notify(rid models.RunId, job report.JobResult) {
	if e.obs == nil {
		return
	}
	job.Steps = append([]report.StepResult(nil), job.Steps...)
	job.Cache = append([]report.CacheResult(nil), job.Cache...)
	e.obs.JobUpdated(rid, job)
}
