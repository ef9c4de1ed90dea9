package workflow

import (
	"github.com/bmatcuk/doublestar/v4"
	"tangled.sh/tangled.sh/spindle/models"
)

// Resolve returns every trigger of w that ev activates. An empty result
// means the workflow does not run for this event.
func Resolve(ev models.Event, w *Workflow) []Trigger {
	var matched []Trigger
	for _, t := range w.Triggers {
		if t.Match(ev) {
			matched = append(matched, t)
		}
	}
	return matched
}

// if any of the triggers on a workflow is true, return true
func (w *Workflow) Match(ev models.Event) bool {
	return len(Resolve(ev, w)) > 0
}

func (t Trigger) Match(ev models.Event) bool {
	return t.MatchEvent(ev.Kind) && t.MatchBranch(ev.BranchName())
}

func (t Trigger) MatchEvent(kind string) bool {
	return t.Event == kind
}

// MatchBranch reports whether branch equals one of the patterns or matches
// it as a glob.
func (t Trigger) MatchBranch(branch string) bool {
	if branch == "" {
		return false
	}
	for _, pattern := range t.Branches {
		if pattern == branch {
			return true
		}
		if ok, err := doublestar.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}
