package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/workflow"
)

// Run executes wf for ev under a fresh run id.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, ev models.Event) *report.Summary {
	return e.RunWithId(ctx, models.NewRunId(), wf, ev)
}

// RunWithId resolves the event against the workflow's triggers and, when
// one matches, runs every job once. Jobs start as soon as all the jobs they
// need are finished. Cancelling ctx stops the run at the next step
// boundary of every job.
func (e *Engine) RunWithId(ctx context.Context, rid models.RunId, wf *workflow.Workflow, ev models.Event) *report.Summary {
	l := e.l.With("run", rid, "workflow", wf.Name)
	s := &report.Summary{
		RunId:     rid,
		Workflow:  wf.Name,
		Event:     ev,
		StartedAt: time.Now(),
	}

	if matched := workflow.Resolve(ev, wf); len(matched) == 0 {
		l.Info("workflow not triggered", "event", ev.Kind, "branch", ev.BranchName())
		s.Status = models.PipelineStatusNotTriggered
		s.Error = models.ErrTriggerMismatch.Error()
		s.FinishedAt = time.Now()
		return s
	}

	order, err := wf.TopologicalOrder()
	if err != nil {
		// Load rejects these, so only hand-built workflows get here
		s.Status = models.PipelineStatusFailed
		s.Error = err.Error()
		s.FinishedAt = time.Now()
		return s
	}

	ctx, span := e.t.TraceStart(ctx, "pipeline",
		attribute.String("workflow", wf.Name),
		attribute.String("run", rid.String()),
	)
	defer span.End()

	index := make(map[string]int, len(wf.Jobs))
	done := make(map[string]chan struct{}, len(wf.Jobs))
	results := make([]report.JobResult, len(wf.Jobs))
	for i := range wf.Jobs {
		job := &wf.Jobs[i]
		index[job.Name] = i
		done[job.Name] = make(chan struct{})
		results[i] = newJobResult(job)
		e.notify(rid, results[i])
	}

	l.Info("starting run", "jobs", len(wf.Jobs))

	// launching in dependency order keeps a limited group from filling up
	// with jobs that wait on jobs that could never start
	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	for _, name := range order {
		i := index[name]
		job := &wf.Jobs[i]
		g.Go(func() error {
			defer close(done[name])

			for _, need := range job.Needs {
				<-done[need]
			}

			// each result is written by its own goroutine only, and read by
			// dependents after its done channel is closed
			if reason := blockedBy(job, results, index); reason != "" {
				results[i] = finishWithout(results[i], models.JobStatusSkipped, reason)
				e.notify(rid, results[i])
				e.t.JobFinished(ctx, wf.Name, string(models.JobStatusSkipped))
				l.Info("skipping job", "job", name, "reason", reason)
				return nil
			}
			if ctx.Err() != nil {
				results[i] = finishWithout(results[i], models.JobStatusCancelled, ErrCancelled.Error())
				e.notify(rid, results[i])
				return nil
			}

			results[i] = e.runJob(ctx, rid, wf, job, ev)
			return nil
		})
	}
	_ = g.Wait()

	s.Jobs = results
	s.Status = report.Aggregate(results, ctx.Err() != nil)
	s.FinishedAt = time.Now()
	span.SetAttributes(attribute.String("status", string(s.Status)))
	l.Info("run finished", "status", s.Status, "took", s.Duration())

	return s
}

// blockedBy explains why job cannot run because of its dependencies, or
// returns "" when it may run.
func blockedBy(job *workflow.Job, results []report.JobResult, index map[string]int) string {
	if job.RunOnDependencyFailure {
		return ""
	}
	for _, need := range job.Needs {
		if st := results[index[need]].Status; st != models.JobStatusSucceeded {
			return fmt.Sprintf("dependency %s %s", need, st)
		}
	}
	return ""
}
