package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// Event is the repository event a pipeline run is resolved against.
type Event struct {
	Kind string `json:"kind" yaml:"kind"`
	// Ref is a full reference name such as refs/heads/main. Branch is
	// derived from it when not given.
	Ref        string `json:"ref,omitempty" yaml:"ref"`
	Branch     string `json:"branch,omitempty" yaml:"branch"`
	Commit     string `json:"commit,omitempty" yaml:"commit"`
	Repository string `json:"repository,omitempty" yaml:"repository"`
}

var (
	ErrMissingEventKind = errors.New("event kind is required")
	// ErrTriggerMismatch labels a run that did not happen because no
	// trigger matched. It is an outcome, not a failure.
	ErrTriggerMismatch = errors.New("event does not match any trigger")
)

// BranchName returns the branch the event refers to, or "" for refs that
// are not branches (tags, notes).
func (e Event) BranchName() string {
	if e.Branch != "" {
		return e.Branch
	}
	refName := plumbing.ReferenceName(e.Ref)
	if refName.IsBranch() {
		return refName.Short()
	}
	return ""
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.Kind == "" {
		return ErrMissingEventKind
	}
	return nil
}

// SupersedeKey groups events whose runs replace each other: a newer event
// for the same repository and branch makes an in-flight run obsolete.
func (e Event) SupersedeKey() string {
	return strings.Join([]string{e.Repository, e.Kind, e.BranchName()}, "#")
}

// ParseEvent decodes an event descriptor. JSON is a subset of YAML, so one
// decoder covers both.
func ParseEvent(contents []byte) (Event, error) {
	var ev Event
	if err := yaml.Unmarshal(contents, &ev); err != nil {
		return ev, fmt.Errorf("decoding event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func LoadEvent(path string) (Event, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Event{}, fmt.Errorf("reading event: %w", err)
	}
	ev, err := ParseEvent(contents)
	if err != nil {
		return ev, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return ev, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	p := plain(e)
	if p.Branch == "" {
		p.Branch = e.BranchName()
	}
	return json.Marshal(p)
}
