// Package server accepts repository events over HTTP, runs the workflows
// they trigger on a worker queue and exposes the state of every run.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/spindle/engine"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/notifier"
	"tangled.sh/tangled.sh/spindle/queue"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/telemetry"
	"tangled.sh/tangled.sh/spindle/workflow"
)

var ErrQueueFull = errors.New("queue is full")

type Options struct {
	// WorkflowsDir holds the *.yml and *.yaml workflow definitions events
	// are resolved against.
	WorkflowsDir string
	// LogDir is where the engine writes job logs.
	LogDir    string
	Telemetry *telemetry.Telemetry
}

type Server struct {
	ctx  context.Context
	l    *slog.Logger
	eng  *engine.Engine
	jq   *queue.Queue
	runs *Registry
	n    *notifier.Notifier
	t    *telemetry.Telemetry
	opts Options
}

// New builds a server. eng must report to runs, see engine.WithObserver.
// Runs are bound to ctx: cancelling it cancels every run.
func New(ctx context.Context, l *slog.Logger, eng *engine.Engine, jq *queue.Queue, runs *Registry, n *notifier.Notifier, opts Options) *Server {
	t := opts.Telemetry
	if t == nil {
		t = telemetry.Noop()
	}
	return &Server{
		ctx:  ctx,
		l:    l.With("component", "server"),
		eng:  eng,
		jq:   jq,
		runs: runs,
		n:    n,
		t:    t,
		opts: opts,
	}
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	mux.Use(s.t.RequestInFlight())
	mux.Use(s.t.RequestDuration())

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Post("/events", s.Events)
	mux.Get("/runs", s.ListRuns)
	mux.Get("/runs/{id}", s.GetRun)
	mux.Post("/runs/{id}/cancel", s.CancelRun)
	mux.Get("/logs/{id}/{job}", s.Logs)
	mux.Get("/stream", s.Stream)
	return mux
}

type invalidWorkflow struct {
	Path   string   `json:"path"`
	Errors []string `json:"errors"`
}

// loadWorkflows reads every workflow definition. Invalid ones are returned
// separately and never scheduled.
func (s *Server) loadWorkflows() ([]*workflow.Workflow, []invalidWorkflow, error) {
	dir := s.opts.WorkflowsDir
	matches, err := doublestar.Glob(os.DirFS(dir), "*.{yml,yaml}")
	if err != nil {
		return nil, nil, err
	}

	var valid []*workflow.Workflow
	var invalid []invalidWorkflow
	for _, m := range matches {
		wf, diags, err := workflow.LoadFile(filepath.Join(dir, m))
		var verr *workflow.ValidationError
		switch {
		case errors.As(err, &verr):
			iw := invalidWorkflow{Path: m}
			for _, e := range diags.Errors {
				iw.Errors = append(iw.Errors, e.String())
			}
			invalid = append(invalid, iw)
			s.l.Warn("invalid workflow", "path", m, "error", err)
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return nil, nil, err
		default:
			for _, w := range diags.Warnings {
				s.l.Debug("workflow warning", "path", m, "warning", w.String())
			}
			valid = append(valid, wf)
		}
	}
	return valid, invalid, nil
}

// schedule queues a run of wf for ev. Earlier unfinished runs of the same
// workflow for the same repository and branch are cancelled first.
func (s *Server) schedule(wf *workflow.Workflow, ev models.Event) (models.RunId, error) {
	key := ev.SupersedeKey() + "#" + wf.Name
	for _, old := range s.runs.Supersede(key) {
		s.l.Info("superseded run", "run", old, "workflow", wf.Name)
	}

	rid := models.NewRunId()
	ctx, cancel := context.WithCancel(s.ctx)
	s.runs.Create(rid, wf.Name, ev, key, cancel)

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			defer cancel()
			summary := s.eng.RunWithId(ctx, rid, wf, ev)
			s.runs.Finish(rid, summary)
			if summary.Status == models.PipelineStatusFailed {
				return fmt.Errorf("run %s of %s failed", rid, wf.Name)
			}
			return nil
		},
		OnFail: func(err error) {
			s.l.Warn("pipeline run failed", "error", err)
		},
	})
	if !ok {
		cancel()
		s.runs.Finish(rid, &report.Summary{
			RunId:    rid,
			Workflow: wf.Name,
			Event:    ev,
			Status:   models.PipelineStatusCancelled,
			Error:    ErrQueueFull.Error(),
		})
		s.l.Error("failed to enqueue pipeline: queue is full", "workflow", wf.Name)
		return rid, ErrQueueFull
	}

	s.l.Info("pipeline enqueued successfully", "run", rid, "workflow", wf.Name)
	return rid, nil
}
