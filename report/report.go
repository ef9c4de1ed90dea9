package report

import (
	"encoding/json"
	"io"
	"time"

	"tangled.sh/tangled.sh/spindle/models"
)

const (
	ExitSucceeded  = 0
	ExitFailed     = 1
	ExitCancelled  = 2
	ExitValidation = 3
)

type StepResult struct {
	Name       string            `json:"name"`
	Status     models.StepStatus `json:"status"`
	ExitCode   int               `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

func (s StepResult) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// CacheResult records what a job's cache steps did.
type CacheResult struct {
	Key   string `json:"key"`
	Match string `json:"match,omitempty"`
	// Saved is false both when the save was skipped by policy and when the
	// stored content was already identical.
	Saved bool   `json:"saved"`
	Size  int    `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

type JobResult struct {
	Name         string           `json:"name"`
	Status       models.JobStatus `json:"status"`
	AllowFailure bool             `json:"allow_failure,omitempty"`
	Toolchain    string           `json:"toolchain,omitempty"`
	Steps        []StepResult     `json:"steps"`
	Cache        []CacheResult    `json:"cache,omitempty"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at,omitzero"`
	FinishedAt   time.Time        `json:"finished_at,omitzero"`
}

func (j JobResult) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

type Summary struct {
	RunId      models.RunId          `json:"run_id"`
	Workflow   string                `json:"workflow"`
	Event      models.Event          `json:"event"`
	Status     models.PipelineStatus `json:"status"`
	Jobs       []JobResult           `json:"jobs"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at,omitzero"`
}

// Aggregate derives the pipeline status from its jobs: it succeeds only if
// every job that is not allowed to fail succeeded. A run whose context was
// cancelled before that happened is Cancelled rather than Failed.
func Aggregate(jobs []JobResult, cancelled bool) models.PipelineStatus {
	for _, j := range jobs {
		if j.AllowFailure || j.Status == models.JobStatusSucceeded {
			continue
		}
		if cancelled {
			return models.PipelineStatusCancelled
		}
		return models.PipelineStatusFailed
	}
	return models.PipelineStatusSucceeded
}

func ExitCode(status models.PipelineStatus) int {
	switch status {
	case models.PipelineStatusSucceeded, models.PipelineStatusNotTriggered:
		return ExitSucceeded
	case models.PipelineStatusCancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}

func (s *Summary) ExitCode() int {
	return ExitCode(s.Status)
}

func (s *Summary) Job(name string) (*JobResult, bool) {
	for i := range s.Jobs {
		if s.Jobs[i].Name == name {
			return &s.Jobs[i], true
		}
	}
	return nil, false
}

func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
