package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"tangled.sh/tangled.sh/spindle/actions"
	"tangled.sh/tangled.sh/spindle/log"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/secrets"
	"tangled.sh/tangled.sh/spindle/workflow"
)

// jobRun is the mutable state of one job while it executes.
type jobRun struct {
	e   *Engine
	rid models.RunId
	jid models.JobId
	wf  *workflow.Workflow
	job *workflow.Job
	ev  models.Event
	l   *slog.Logger

	env      *models.Environment
	secrets  map[string]string
	exported map[string]string
	logger   *models.JobLogger

	mu     sync.Mutex
	result report.JobResult
	post   []actions.PostJob
}

func newJobResult(job *workflow.Job) report.JobResult {
	r := report.JobResult{
		Name:         job.Name,
		Status:       models.JobStatusPending,
		AllowFailure: job.AllowFailure,
		Steps:        make([]report.StepResult, len(job.Steps)),
	}
	for i, s := range job.Steps {
		r.Steps[i] = report.StepResult{Name: s.DisplayName(), Status: models.StepStatusPending}
	}
	return r
}

// finishWithout ends a job that never ran: every step is skipped.
func finishWithout(r report.JobResult, status models.JobStatus, reason string) report.JobResult {
	r.Status = status
	r.Error = reason
	for i := range r.Steps {
		r.Steps[i].Status = models.StepStatusSkipped
	}
	return r
}

// runJob provisions, executes and tears down one job. It never returns an
// error: every failure is recorded on the job's result.
func (e *Engine) runJob(ctx context.Context, rid models.RunId, wf *workflow.Workflow, job *workflow.Job, ev models.Event) report.JobResult {
	jid := models.JobId{Run: rid, Name: job.Name}
	r := &jobRun{
		e:        e,
		rid:      rid,
		jid:      jid,
		wf:       wf,
		job:      job,
		ev:       ev,
		l:        e.l.With("job", jid.String()),
		exported: make(map[string]string),
		result:   newJobResult(job),
	}

	ctx, span := e.t.TraceStart(ctx, "job",
		attribute.String("workflow", wf.Name),
		attribute.String("job", job.Name),
	)
	defer span.End()

	timeout := job.Timeout.Std()
	if timeout == 0 {
		timeout = e.jobTimeout
	}
	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimedOut)
	}
	defer cancel()

	r.update(func(res *report.JobResult) {
		res.Status = models.JobStatusRunning
		res.StartedAt = time.Now()
	})
	r.l.Info("starting job")

	status, err := r.execute(jobCtx)

	r.update(func(res *report.JobResult) {
		res.Status = status
		res.FinishedAt = time.Now()
		if err != nil {
			res.Error = err.Error()
		}
	})
	r.logger.Close()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("status", string(status)))
	e.t.JobFinished(ctx, wf.Name, string(status))
	r.l.Info("job finished", "status", status)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *jobRun) update(fn func(res *report.JobResult)) {
	r.mu.Lock()
	fn(&r.result)
	snapshot := r.result
	r.mu.Unlock()
	r.e.notify(r.rid, snapshot)
}

func (r *jobRun) execute(ctx context.Context) (models.JobStatus, error) {
	e := r.e

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := e.backend.DestroyJob(cctx, r.jid); err != nil {
			r.l.Error("failed to destroy job", "error", err)
		}
	}()

	env, err := e.backend.SetupJob(ctx, r.jid, r.job)
	if err != nil {
		r.skipFrom(0)
		if ctx.Err() != nil && context.Cause(ctx) != ErrTimedOut {
			return models.JobStatusCancelled, ErrCancelled
		}
		return models.JobStatusFailed, &ProvisioningFailure{Job: r.job.Name, Err: err}
	}
	r.env = env
	r.update(func(res *report.JobResult) { res.Toolchain = env.Toolchain })

	if err := r.loadSecrets(ctx); err != nil {
		r.skipFrom(0)
		return models.JobStatusFailed, &ProvisioningFailure{Job: r.job.Name, Err: err}
	}

	if e.logDir != "" {
		opts := []models.JobLoggerOpt{models.WithMask(slices.Collect(maps.Values(r.secrets))...)}
		if e.echo != nil {
			opts = append(opts, models.WithEcho(e.echo))
		}
		logger, err := models.NewJobLogger(e.logDir, r.jid, opts...)
		if err != nil {
			r.skipFrom(0)
			return models.JobStatusFailed, &ProvisioningFailure{Job: r.job.Name, Err: err}
		}
		r.logger = logger
	}

	failed, stopErr := false, error(nil)
	for i := range r.job.Steps {
		if ctx.Err() != nil {
			r.skipFrom(i)
			if context.Cause(ctx) == ErrTimedOut {
				failed, stopErr = true, fmt.Errorf("job %w after %d of %d steps", ErrTimedOut, i, len(r.job.Steps))
			} else {
				stopErr = ErrCancelled
			}
			break
		}

		status, err := r.runStep(ctx, i)
		if status == models.StepStatusSucceeded {
			continue
		}

		failed = true
		if status == models.StepStatusCancelled {
			// a step that ran out of time always stops the job
			r.skipFrom(i + 1)
			stopErr = err
			break
		}
		if !r.job.Steps[i].ContinueOnError {
			r.skipFrom(i + 1)
			stopErr = err
			break
		}
	}

	cancelled := errors.Is(stopErr, ErrCancelled)
	if !cancelled {
		r.runPostJob(ctx, failed)
	}

	switch {
	case cancelled:
		return models.JobStatusCancelled, stopErr
	case failed && stopErr == nil:
		return models.JobStatusFailed, errors.New("one or more steps failed")
	case failed:
		return models.JobStatusFailed, stopErr
	}
	return models.JobStatusSucceeded, nil
}

func (r *jobRun) loadSecrets(ctx context.Context) error {
	if r.e.secrets == nil || r.ev.Repository == "" {
		return nil
	}
	unlocked, err := r.e.secrets.GetSecretsUnlocked(ctx, secrets.Repo(r.ev.Repository), r.wf.Name)
	if err != nil {
		return fmt.Errorf("loading secrets: %w", err)
	}
	r.secrets = secrets.AsEnv(unlocked)
	return nil
}

func (r *jobRun) skipFrom(idx int) {
	r.update(func(res *report.JobResult) {
		for i := idx; i < len(res.Steps); i++ {
			if !res.Steps[i].Status.IsFinish() {
				res.Steps[i].Status = models.StepStatusSkipped
			}
		}
	})
	for i := idx; i < len(r.job.Steps); i++ {
		_ = r.logger.Control(i, r.job.Steps[i].DisplayName(), models.StepStatusSkipped)
	}
}

// stepVars builds the environment of step idx. Later layers win: the
// backend's base environment, the workflow, the job, secrets, values
// exported by earlier steps, the step itself and finally the variables
// spindle defines.
func (r *jobRun) stepVars(idx int) map[string]string {
	step := &r.job.Steps[idx]
	vars := models.MergeEnv(
		r.env.Vars,
		r.wf.Environment,
		r.job.Environment,
		r.secrets,
		r.exported,
		step.Environment,
		map[string]string{
			"CI":                "true",
			"SPINDLE":           "true",
			"SPINDLE_WORKFLOW":  r.wf.Name,
			"SPINDLE_JOB":       r.job.Name,
			"SPINDLE_RUN_ID":    r.rid.String(),
			"SPINDLE_EVENT":     r.ev.Kind,
			"SPINDLE_BRANCH":    r.ev.BranchName(),
			"SPINDLE_COMMIT":    r.ev.Commit,
			"SPINDLE_WORKSPACE": r.env.StepWorkDir(),
			"SPINDLE_ENV":       filepath.ToSlash(filepath.Join(r.env.StepStateDir(), envFileName(idx))),
		},
	)
	return models.WithPath(vars, r.env.Path, os.Getenv("PATH"))
}

// stepContext lets a running step finish even if the run is cancelled,
// but never beyond its own timeout or the job's deadline.
func (r *jobRun) stepContext(ctx context.Context, step *workflow.Step) (context.Context, context.CancelFunc) {
	stepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cancels := []context.CancelFunc{cancel}

	if deadline, ok := ctx.Deadline(); ok {
		var c context.CancelFunc
		stepCtx, c = context.WithDeadlineCause(stepCtx, deadline, ErrTimedOut)
		cancels = append(cancels, c)
	}
	if d := step.Timeout.Std(); d > 0 {
		var c context.CancelFunc
		stepCtx, c = context.WithTimeoutCause(stepCtx, d, ErrTimedOut)
		cancels = append(cancels, c)
	}

	return stepCtx, func() {
		for _, c := range slices.Backward(cancels) {
			c()
		}
	}
}

func (r *jobRun) runStep(ctx context.Context, idx int) (models.StepStatus, error) {
	e := r.e
	step := &r.job.Steps[idx]
	name := step.DisplayName()
	l := log.SubLogger(r.l, fmt.Sprintf("step-%d", idx)).With("step", name)

	ctx, span := e.t.TraceStart(ctx, "step",
		attribute.String("job", r.job.Name),
		attribute.String("step", name),
		attribute.String("kind", step.Kind().String()),
	)
	defer span.End()

	r.update(func(res *report.JobResult) {
		res.Steps[idx].Status = models.StepStatusRunning
		res.Steps[idx].StartedAt = time.Now()
	})
	_ = r.logger.Control(idx, name, models.StepStatusRunning)

	stepCtx, cancel := r.stepContext(ctx, step)
	defer cancel()

	vars := r.stepVars(idx)
	stdout := r.logger.DataWriter(idx, "stdout")
	stderr := r.logger.DataWriter(idx, "stderr")

	var outputs map[string]string
	var err error
	switch step.Kind() {
	case workflow.StepKindCommand:
		l.Debug("running command")
		err = e.backend.RunCommand(stepCtx, r.jid, r.env, step, vars, stdout, stderr)
	case workflow.StepKindAction:
		l.Debug("running action", "uses", step.Uses)
		outputs, err = r.runAction(stepCtx, step, vars, stdout, l)
	}

	if err == nil && step.Kind() == workflow.StepKindCommand {
		exports, problems, rerr := readEnvFile(r.env.StateDir, idx)
		for _, p := range problems {
			fmt.Fprintf(stderr, "ignoring exported variable: %s\n", p)
		}
		if rerr != nil {
			l.Warn("reading exported variables", "error", rerr)
		}
		outputs = exports
	}
	maps.Copy(r.exported, outputs)

	status, exitCode := models.StepStatusSucceeded, 0
	var sf *StepFailure
	switch {
	case err == nil:
	case errors.Is(err, ErrTimedOut) || context.Cause(stepCtx) == ErrTimedOut:
		status, err = models.StepStatusCancelled, fmt.Errorf("step %q %w", name, ErrTimedOut)
	case errors.As(err, &sf):
		status, exitCode = models.StepStatusFailed, sf.ExitCode
	default:
		status = models.StepStatusFailed
	}

	r.update(func(res *report.JobResult) {
		res.Steps[idx].Status = status
		res.Steps[idx].ExitCode = exitCode
		res.Steps[idx].FinishedAt = time.Now()
		if err != nil {
			res.Steps[idx].Error = err.Error()
		}
	})
	_ = r.logger.Control(idx, name, status)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		l.Warn("step did not succeed", "status", status, "error", err)
	}
	e.t.StepFinished(ctx, r.wf.Name, string(status))

	return status, err
}

func (r *jobRun) runAction(ctx context.Context, step *workflow.Step, vars map[string]string, stdout io.Writer, l *slog.Logger) (map[string]string, error) {
	a, ok := r.e.actions[step.Uses]
	if !ok {
		return nil, fmt.Errorf("no action named %q", step.Uses)
	}

	actx := &actions.Context{
		Job:    r.job,
		Step:   step,
		Event:  r.ev,
		Env:    r.env,
		Vars:   vars,
		Cache:  r.e.cache,
		Stdout: stdout,
		Logger: l,
		Defer: func(p actions.PostJob) {
			r.mu.Lock()
			r.post = append(r.post, p)
			r.mu.Unlock()
		},
		RecordCache: func(c report.CacheResult) {
			r.update(func(res *report.JobResult) {
				res.Cache = append(res.Cache, c)
			})
		},
	}

	return a.Run(ctx, actx)
}

// runPostJob runs deferred action work whose policy allows it. It outlives
// the job's deadline: a job that timed out still saves its cache when it
// asked to.
func (r *jobRun) runPostJob(ctx context.Context, failed bool) {
	r.mu.Lock()
	post := slices.Clone(r.post)
	r.mu.Unlock()

	for _, p := range post {
		if !p.Policy.ShouldSave(failed) {
			r.l.Info("skipping post-job work", "name", p.Name, "policy", p.Policy)
			continue
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postJobTimeout)
		if err := p.Run(pctx); err != nil {
			r.l.Warn("post-job work failed", "name", p.Name, "error", err)
		}
		cancel()
	}
}
