package workflow

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bmatcuk/doublestar/v4"
)

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

type WarningKind string

var (
	InvalidConfiguration WarningKind = "invalid configuration"
	UnusedConfiguration  WarningKind = "unused configuration"
)

var (
	ErrNoTriggers      = errors.New("at least one trigger is required")
	ErrNoBranches      = errors.New("at least one branch pattern is required")
	ErrNoJobs          = errors.New("at least one job is required")
	ErrNoSteps         = errors.New("at least one step is required")
	ErrAmbiguousStep   = errors.New("a step must set exactly one of `run` and `uses`")
	ErrParamsOnCommand = errors.New("`with` is only valid on `uses` steps")
	ErrNegativeTimeout = errors.New("timeout must not be negative")
	ErrDuplicateName   = errors.New("declared more than once")
)

// ValidationError is returned for a malformed workflow definition; nothing
// may be executed from it.
type ValidationError struct {
	Name        string
	Diagnostics Diagnostics
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, d := range e.Diagnostics.Errors {
		msgs = append(msgs, d.String())
	}
	return fmt.Sprintf("invalid workflow %s: %s", e.Name, strings.Join(msgs, "; "))
}

var (
	// bash identifier syntax
	envIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	jobIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)
)

// Load parses and validates a workflow document. Warnings are returned even
// when the workflow is valid.
func Load(name string, contents []byte) (*Workflow, Diagnostics, error) {
	wf, err := FromFile(name, contents)
	if err != nil {
		var diags Diagnostics
		diags.AddError(name, err)
		return nil, diags, &ValidationError{Name: name, Diagnostics: diags}
	}

	diags := wf.Validate()
	if diags.IsErr() {
		return nil, diags, &ValidationError{Name: wf.Name, Diagnostics: diags}
	}

	return &wf, diags, nil
}

func LoadFile(path string) (*Workflow, Diagnostics, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, Diagnostics{}, fmt.Errorf("reading workflow: %w", err)
	}
	return Load(path, contents)
}

// Validate checks the workflow against the schema and decodes the
// parameters of every action step.
func (w *Workflow) Validate() Diagnostics {
	var d Diagnostics

	w.validateTriggers(&d)
	validateEnv(&d, "environment", w.Environment)

	if len(w.Jobs) == 0 {
		d.AddError("jobs", ErrNoJobs)
		return d
	}

	seen := map[string]bool{}
	for i := range w.Jobs {
		j := &w.Jobs[i]
		if seen[j.Name] {
			d.AddError("jobs."+j.Name, ErrDuplicateName)
			continue
		}
		seen[j.Name] = true
		w.validateJob(&d, j)
	}

	if cycle := w.findCycle(); cycle != nil {
		d.AddError("jobs", fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	return d
}

func (w *Workflow) validateTriggers(d *Diagnostics) {
	if len(w.Triggers) == 0 {
		d.AddError("triggers", ErrNoTriggers)
		return
	}

	seen := map[string]bool{}
	for _, t := range w.Triggers {
		path := "triggers." + t.Event
		if seen[t.Event] {
			d.AddError(path, ErrDuplicateName)
			continue
		}
		seen[t.Event] = true
		if !slices.Contains(knownTriggerKinds, t.Event) {
			d.AddError(path, fmt.Errorf("unknown event kind %q (known: %s)", t.Event, strings.Join(knownTriggerKinds, ", ")))
		}
		if len(t.Branches) == 0 {
			d.AddError(path, ErrNoBranches)
		}
		for _, p := range t.Branches {
			if !doublestar.ValidatePattern(p) {
				d.AddError(path, fmt.Errorf("invalid branch pattern %q", p))
			}
		}
	}
}

func (w *Workflow) validateJob(d *Diagnostics, j *Job) {
	path := "jobs." + j.Name

	if !jobIdent.MatchString(j.Name) {
		d.AddError(path, fmt.Errorf("invalid job name %q", j.Name))
	}
	if j.Timeout < 0 {
		d.AddError(path+".timeout", ErrNegativeTimeout)
	}
	validateEnv(d, path+".environment", j.Environment)

	if j.Toolchain.Name == "" && j.Toolchain.Version != "" {
		d.AddError(path+".toolchain", errors.New("toolchain version given without a name"))
	}
	if j.Toolchain.Version != "" {
		if _, err := semver.NewConstraint(j.Toolchain.Version); err != nil {
			d.AddWarning(path+".toolchain", InvalidConfiguration, fmt.Sprintf("%q is not a version constraint and only matches a version of that exact name", j.Toolchain.Version))
		}
	}

	seen := map[string]bool{}
	for _, need := range j.Needs {
		switch {
		case need == j.Name:
			d.AddError(path+".needs", fmt.Errorf("job cannot need itself"))
		case seen[need]:
			d.AddWarning(path+".needs", InvalidConfiguration, fmt.Sprintf("%s listed more than once", need))
		default:
			dep, ok := w.Job(need)
			if !ok {
				d.AddError(path+".needs", fmt.Errorf("needs undeclared job %q", need))
			} else if dep.AllowFailure && !j.RunOnDependencyFailure {
				d.AddWarning(path+".needs", InvalidConfiguration, fmt.Sprintf("%s may fail without failing the pipeline, which will skip this job", need))
			}
		}
		seen[need] = true
	}

	if len(j.Steps) == 0 {
		d.AddError(path+".steps", ErrNoSteps)
		return
	}

	restores := 0
	for i := range j.Steps {
		s := &j.Steps[i]
		spath := fmt.Sprintf("%s.steps[%d]", path, i)
		validateStep(d, spath, s)
		if s.Uses == ActionRestoreCache {
			restores++
		}
	}

	if restores > 1 {
		d.AddWarning(path, InvalidConfiguration, "more than one restore-cache step; each schedules its own save")
	}
	if j.CacheOnFailure && restores == 0 {
		d.AddWarning(path+".cache-on-failure", UnusedConfiguration, "job has no restore-cache step")
	}
}

func validateStep(d *Diagnostics, path string, s *Step) {
	if s.Timeout < 0 {
		d.AddError(path+".timeout", ErrNegativeTimeout)
	}
	validateEnv(d, path+".environment", s.Environment)

	hasRun := strings.TrimSpace(s.Run) != ""
	hasUses := s.Uses != ""
	if hasRun == hasUses {
		d.AddError(path, ErrAmbiguousStep)
		return
	}

	if hasRun {
		if len(s.Params) > 0 {
			d.AddError(path+".with", ErrParamsOnCommand)
		}
		return
	}

	action, problems := decodeAction(s.Uses, s.Params)
	for _, key := range sortedKeys(problems) {
		p := path + ".with"
		if key != "" {
			p += "." + key
		} else if action == nil && len(problems) == 1 {
			p = path + ".uses"
		}
		d.AddError(p, problems[key])
	}
	s.Action = action
}

func validateEnv(d *Diagnostics, path string, env map[string]string) {
	for _, k := range sortedKeys(env) {
		if !envIdent.MatchString(k) {
			d.AddError(path, fmt.Errorf("invalid variable name %q", k))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
