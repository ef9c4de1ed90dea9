package server

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/notifier"
	"tangled.sh/tangled.sh/spindle/report"
)

type run struct {
	summary report.Summary
	version uint64
	key     string
	cancel  context.CancelFunc
}

// Registry holds the live state of every run this server has scheduled.
// It observes the engine, so job transitions show up while a run is in
// progress.
type Registry struct {
	mu      sync.RWMutex
	runs    map[models.RunId]*run
	order   []models.RunId
	version uint64
	n       *notifier.Notifier
}

func NewRegistry(n *notifier.Notifier) *Registry {
	return &Registry{
		runs: make(map[models.RunId]*run),
		n:    n,
	}
}

// bump must be called with mu held.
func (r *Registry) bump(rn *run) {
	r.version++
	rn.version = r.version
}

// Create records a pending run. key groups runs that supersede each other.
func (r *Registry) Create(rid models.RunId, workflow string, ev models.Event, key string, cancel context.CancelFunc) {
	r.mu.Lock()
	rn := &run{
		summary: report.Summary{
			RunId:     rid,
			Workflow:  workflow,
			Event:     ev,
			Status:    models.PipelineStatusPending,
			StartedAt: time.Now(),
		},
		key:    key,
		cancel: cancel,
	}
	r.runs[rid] = rn
	r.order = append(r.order, rid)
	r.bump(rn)
	r.mu.Unlock()

	r.n.NotifyAll()
}

func (r *Registry) JobUpdated(rid models.RunId, job report.JobResult) {
	r.mu.Lock()
	rn, ok := r.runs[rid]
	if !ok {
		r.mu.Unlock()
		return
	}

	if rn.summary.Status == models.PipelineStatusPending {
		rn.summary.Status = models.PipelineStatusRunning
	}
	if existing, ok := rn.summary.Job(job.Name); ok {
		*existing = job
	} else {
		rn.summary.Jobs = append(rn.summary.Jobs, job)
	}
	r.bump(rn)
	r.mu.Unlock()

	r.n.NotifyAll()
}

// Finish replaces the live state of a run with its final summary.
func (r *Registry) Finish(rid models.RunId, s *report.Summary) {
	r.mu.Lock()
	rn, ok := r.runs[rid]
	if !ok {
		r.mu.Unlock()
		return
	}
	rn.summary = cloneSummary(*s)
	rn.cancel = nil
	r.bump(rn)
	r.mu.Unlock()

	r.n.NotifyAll()
}

// Cancel stops a run that has not finished yet. It reports whether there
// was anything to cancel.
func (r *Registry) Cancel(rid models.RunId) bool {
	r.mu.RLock()
	rn, ok := r.runs[rid]
	var cancel context.CancelFunc
	if ok {
		cancel = rn.cancel
	}
	r.mu.RUnlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Supersede cancels every unfinished run scheduled under key and returns
// their ids.
func (r *Registry) Supersede(key string) []models.RunId {
	r.mu.RLock()
	var cancels []context.CancelFunc
	var ids []models.RunId
	for _, rid := range r.order {
		rn := r.runs[rid]
		if rn.key == key && rn.cancel != nil {
			cancels = append(cancels, rn.cancel)
			ids = append(ids, rid)
		}
	}
	r.mu.RUnlock()

	for _, c := range cancels {
		c()
	}
	return ids
}

func (r *Registry) Get(rid models.RunId) (report.Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runs[rid]
	if !ok {
		return report.Summary{}, false
	}
	return cloneSummary(rn.summary), true
}

// List returns every run, newest first.
func (r *Registry) List() []report.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]report.Summary, 0, len(r.order))
	for _, rid := range slices.Backward(r.order) {
		out = append(out, cloneSummary(r.runs[rid].summary))
	}
	return out
}

// Since returns the runs that changed after cursor, oldest change first,
// and the cursor to continue from.
func (r *Registry) Since(cursor uint64) ([]report.Summary, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var changed []*run
	for _, rn := range r.runs {
		if rn.version > cursor {
			changed = append(changed, rn)
		}
	}
	slices.SortFunc(changed, func(a, b *run) int {
		return cmp.Compare(a.version, b.version)
	})

	out := make([]report.Summary, 0, len(changed))
	for _, rn := range changed {
		out = append(out, cloneSummary(rn.summary))
	}
	return out, r.version
}

func cloneSummary(s report.Summary) report.Summary {
	s.Jobs = slices.Clone(s.Jobs)
	for i := range s.Jobs {
		s.Jobs[i].Steps = slices.Clone(s.Jobs[i].Steps)
		s.Jobs[i].Cache = slices.Clone(s.Jobs[i].Cache)
	}
	return s
}
