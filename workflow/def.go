package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// - a repository event is matched against the triggers of a workflow
// - a workflow consists of several jobs, these execute in parallel unless
//   one job needs another
// - each job consists of some execution steps, these execute serially

type (
	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name        string            `yaml:"name"`
		Triggers    Triggers          `yaml:"triggers"`
		Environment map[string]string `yaml:"environment"`
		Jobs        Jobs              `yaml:"jobs"`
	}

	Trigger struct {
		Event    string
		Branches StringList
	}

	// Triggers keeps the declaration order of the `triggers` mapping.
	Triggers []Trigger

	// Jobs keeps the declaration order of the `jobs` mapping.
	Jobs []Job

	Job struct {
		Name                   string            `yaml:"-"`
		Toolchain              Toolchain         `yaml:"toolchain"`
		Needs                  StringList        `yaml:"needs"`
		AllowFailure           bool              `yaml:"allow-failure"`
		RunOnDependencyFailure bool              `yaml:"run-on-dependency-failure"`
		CacheOnFailure         bool              `yaml:"cache-on-failure"`
		Timeout                Duration          `yaml:"timeout"`
		Environment            map[string]string `yaml:"environment"`
		Steps                  []Step            `yaml:"steps"`
	}

	// Toolchain is written either as `go@^1.22` or as a mapping with
	// `name` and `version`.
	Toolchain struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	}

	Duration time.Duration

	StringList []string
)

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindManual      string = "manual"
)

var knownTriggerKinds = []string{
	TriggerKindPush,
	TriggerKindPullRequest,
	TriggerKindManual,
}

// FromFile parses a workflow document without validating it. Use Load to
// get a workflow that is ready to be executed.
func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	if wf.Name == "" {
		wf.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	return wf, nil
}

// Job returns the job declared under name.
func (w *Workflow) Job(name string) (*Job, bool) {
	for i := range w.Jobs {
		if w.Jobs[i].Name == name {
			return &w.Jobs[i], true
		}
	}
	return nil, false
}

func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: triggers must be a mapping of event kind to branches", node.Line)
	}

	var out Triggers
	for i := 0; i+1 < len(node.Content); i += 2 {
		var branches StringList
		if err := node.Content[i+1].Decode(&branches); err != nil {
			return err
		}
		out = append(out, Trigger{
			Event:    node.Content[i].Value,
			Branches: branches,
		})
	}

	*t = out
	return nil
}

func (j *Jobs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping of job name to job", node.Line)
	}

	var out Jobs
	for i := 0; i+1 < len(node.Content); i += 2 {
		var job Job
		if err := node.Content[i+1].Decode(&job); err != nil {
			return err
		}
		job.Name = node.Content[i].Value
		out = append(out, job)
	}

	*j = out
	return nil
}

func (tc *Toolchain) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		name, version, _ := strings.Cut(node.Value, "@")
		tc.Name = strings.TrimSpace(name)
		tc.Version = strings.TrimSpace(version)
		return nil
	}

	type plain Toolchain
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*tc = Toolchain(p)
	return nil
}

// IsZero reports whether no toolchain was requested.
func (tc Toolchain) IsZero() bool {
	return tc.Name == ""
}

func (tc Toolchain) String() string {
	if tc.Version == "" {
		return tc.Name
	}
	return tc.Name + "@" + tc.Version
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		if stringType == "" {
			*s = nil
			return nil
		}
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
