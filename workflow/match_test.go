package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"tangled.sh/tangled.sh/spindle/models"
)

func TestResolve(t *testing.T) {
	wf := &Workflow{
		Triggers: Triggers{
			{Event: "push", Branches: StringList{"main", "release/*"}},
			{Event: "pull_request", Branches: StringList{"main"}},
			{Event: "push", Branches: StringList{"feature/**"}},
		},
	}

	tests := []struct {
		name    string
		ev      models.Event
		matched int
	}{
		{"push to main", models.Event{Kind: "push", Branch: "main"}, 1},
		{"push to release glob", models.Event{Kind: "push", Branch: "release/1.2"}, 1},
		{"glob does not cross slashes", models.Event{Kind: "push", Branch: "release/1.2/hotfix"}, 0},
		{"doublestar crosses slashes", models.Event{Kind: "push", Branch: "feature/a/b"}, 1},
		{"push via ref", models.Event{Kind: "push", Ref: "refs/heads/main"}, 1},
		{"tag ref never matches", models.Event{Kind: "push", Ref: "refs/tags/main"}, 0},
		{"pull request to main", models.Event{Kind: "pull_request", Branch: "main"}, 1},
		{"pull request to other", models.Event{Kind: "pull_request", Branch: "develop"}, 0},
		{"kind must match exactly", models.Event{Kind: "Push", Branch: "main"}, 0},
		{"unknown branch", models.Event{Kind: "push", Branch: "feature-x"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.ev, wf)
			assert.Len(t, got, tt.matched)
			assert.Equal(t, tt.matched > 0, wf.Match(tt.ev))
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	wf := &Workflow{
		Triggers: Triggers{
			{Event: "push", Branches: StringList{"main", "m*"}},
			{Event: "push", Branches: StringList{"**"}},
		},
	}
	ev := models.Event{Kind: "push", Branch: "main"}

	first := Resolve(ev, wf)
	for range 10 {
		assert.Equal(t, first, Resolve(ev, wf))
	}
	assert.Len(t, first, 2)
}

func TestResolveNoTriggers(t *testing.T) {
	wf := &Workflow{}
	assert.Empty(t, Resolve(models.Event{Kind: "push", Branch: "main"}, wf))
}
