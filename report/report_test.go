package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/models"
)

func job(name string, status models.JobStatus, allowFailure bool) JobResult {
	return JobResult{Name: name, Status: status, AllowFailure: allowFailure}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		jobs      []JobResult
		cancelled bool
		want      models.PipelineStatus
	}{
		{
			name: "all succeeded",
			jobs: []JobResult{job("a", models.JobStatusSucceeded, false), job("b", models.JobStatusSucceeded, false)},
			want: models.PipelineStatusSucceeded,
		},
		{
			name: "required failure",
			jobs: []JobResult{job("a", models.JobStatusSucceeded, false), job("b", models.JobStatusFailed, false)},
			want: models.PipelineStatusFailed,
		},
		{
			name: "allowed failure",
			jobs: []JobResult{job("a", models.JobStatusSucceeded, false), job("b", models.JobStatusFailed, true)},
			want: models.PipelineStatusSucceeded,
		},
		{
			name: "skipped required job fails the pipeline",
			jobs: []JobResult{job("a", models.JobStatusFailed, true), job("b", models.JobStatusSkipped, false)},
			want: models.PipelineStatusFailed,
		},
		{
			name:      "cancelled run",
			jobs:      []JobResult{job("a", models.JobStatusCancelled, false), job("b", models.JobStatusSkipped, false)},
			cancelled: true,
			want:      models.PipelineStatusCancelled,
		},
		{
			name:      "cancelled after everything succeeded",
			jobs:      []JobResult{job("a", models.JobStatusSucceeded, false)},
			cancelled: true,
			want:      models.PipelineStatusSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.jobs, tt.cancelled))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(models.PipelineStatusSucceeded))
	assert.Equal(t, 0, ExitCode(models.PipelineStatusNotTriggered))
	assert.Equal(t, 1, ExitCode(models.PipelineStatusFailed))
	assert.Equal(t, 2, ExitCode(models.PipelineStatusCancelled))
}

func sampleSummary() *Summary {
	start := time.Now().Add(-time.Minute)
	return &Summary{
		RunId:    "run-1",
		Workflow: "ci",
		Event:    models.Event{Kind: "push", Ref: "refs/heads/main"},
		Status:   models.PipelineStatusFailed,
		Jobs: []JobResult{
			{
				Name:   "build",
				Status: models.JobStatusFailed,
				Steps: []StepResult{
					{Name: "compile", Status: models.StepStatusFailed, ExitCode: 2, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
					{Name: "package", Status: models.StepStatusSkipped},
				},
				Cache:     []CacheResult{{Key: "k1", Saved: true, Size: 2048}},
				StartedAt: start, FinishedAt: start.Add(2 * time.Second),
			},
		},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleSummary().WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "failed", decoded["status"])
	assert.Equal(t, "main", decoded["event"].(map[string]any)["branch"])

	jobs := decoded["jobs"].([]any)
	steps := jobs[0].(map[string]any)["steps"].([]any)
	assert.EqualValues(t, 2, steps[0].(map[string]any)["exit_code"])
	assert.Equal(t, "skipped", steps[1].(map[string]any)["status"])
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleSummary().WriteText(&buf))

	out := buf.String()
	assert.Contains(t, out, "workflow ci: failed")
	assert.Contains(t, out, "exit 2")
	assert.Contains(t, out, "saved 2.0 kB")
	assert.Contains(t, out, "1.5s")
}
