package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/notifier"
	"tangled.sh/tangled.sh/spindle/report"
)

func TestRegistryTracksJobs(t *testing.T) {
	n := notifier.New()
	ch := n.Subscribe()
	r := NewRegistry(n)

	r.Create("r1", "ci", models.Event{Kind: "push"}, "k", func() {})
	<-ch

	r.JobUpdated("r1", report.JobResult{Name: "build", Status: models.JobStatusRunning})
	r.JobUpdated("r1", report.JobResult{Name: "build", Status: models.JobStatusSucceeded})
	r.JobUpdated("unknown", report.JobResult{Name: "build"})

	s, ok := r.Get("r1")
	require.True(t, ok)
	assert.Equal(t, models.PipelineStatusRunning, s.Status)
	require.Len(t, s.Jobs, 1)
	assert.Equal(t, models.JobStatusSucceeded, s.Jobs[0].Status)

	// callers get copies
	s.Jobs[0].Status = models.JobStatusFailed
	again, _ := r.Get("r1")
	assert.Equal(t, models.JobStatusSucceeded, again.Jobs[0].Status)

	r.Finish("r1", &report.Summary{RunId: "r1", Workflow: "ci", Status: models.PipelineStatusSucceeded})
	s, _ = r.Get("r1")
	assert.Equal(t, models.PipelineStatusSucceeded, s.Status)
	assert.False(t, r.Cancel("r1"))
}

func TestRegistrySupersede(t *testing.T) {
	r := NewRegistry(notifier.New())

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel2()
	defer cancel3()

	r.Create("r1", "ci", models.Event{}, "repo#push#main#ci", cancel1)
	r.Create("r2", "ci", models.Event{}, "repo#push#main#ci", cancel2)
	r.Create("r3", "ci", models.Event{}, "repo#push#dev#ci", cancel3)
	r.Finish("r2", &report.Summary{RunId: "r2", Status: models.PipelineStatusSucceeded})

	ids := r.Supersede("repo#push#main#ci")
	assert.Equal(t, []models.RunId{"r1"}, ids)
	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err(), "finished runs are left alone")
	assert.NoError(t, ctx3.Err())
}

func TestRegistrySince(t *testing.T) {
	r := NewRegistry(notifier.New())
	r.Create("r1", "a", models.Event{}, "", func() {})
	r.Create("r2", "b", models.Event{}, "", func() {})

	runs, cursor := r.Since(0)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunId("r1"), runs[0].RunId)

	runs, _ = r.Since(cursor)
	assert.Empty(t, runs)

	r.JobUpdated("r1", report.JobResult{Name: "j", Status: models.JobStatusRunning})
	runs, _ = r.Since(cursor)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunId("r1"), runs[0].RunId)

	list := r.List()
	assert.Equal(t, models.RunId("r2"), list[0].RunId)
}
