package workflow

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type StepKind int

const (
	// a literal shell invocation
	StepKindCommand StepKind = iota
	// a reference to a reusable action bundle
	StepKindAction
)

func (k StepKind) String() string {
	switch k {
	case StepKindAction:
		return "action"
	default:
		return "command"
	}
}

const (
	ActionCheckout     = "checkout"
	ActionRestoreCache = "restore-cache"
	ActionSaveCache    = "save-cache"
)

// Step is either a command (Run is set) or an action (Uses is set). Params
// holds the raw `with` mapping; Action holds the same parameters decoded
// against the action's schema once the workflow has been loaded.
type Step struct {
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Uses            string            `yaml:"uses"`
	Params          map[string]any    `yaml:"with"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	Timeout         Duration          `yaml:"timeout"`
	Environment     map[string]string `yaml:"environment"`

	Action ActionParams `yaml:"-"`
}

func (s Step) Kind() StepKind {
	if s.Uses != "" {
		return StepKindAction
	}
	return StepKindCommand
}

// DisplayName falls back to the action name or the first line of the
// command when the step is unnamed.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	return line
}

// ActionParams is implemented by the typed parameter set of every built-in
// action.
type ActionParams interface {
	ActionName() string
}

type CheckoutParams struct {
	// Repository overrides the clone source of the triggering event.
	Repository string
	// Ref overrides the branch or commit to check out.
	Ref        string
	Depth      int
	Submodules bool
	// Path is relative to the workspace.
	Path string
}

func (CheckoutParams) ActionName() string { return ActionCheckout }

// CacheParams drive both restore-cache and save-cache.
type CacheParams struct {
	Name        string
	Key         string
	Paths       []string
	HashFiles   []string
	RestoreKeys []string
	// IncludeToolchain mixes the job's toolchain into the key.
	IncludeToolchain bool
}

func (p CacheParams) ActionName() string { return p.Name }

type paramSchema struct {
	allowed  []string
	required []string
	decode   func(p params) (ActionParams, error)
}

var actionSchemas = map[string]paramSchema{
	ActionCheckout: {
		allowed: []string{"repository", "ref", "depth", "submodules", "path"},
		decode: func(p params) (ActionParams, error) {
			var c CheckoutParams
			var err error
			if c.Repository, err = p.str("repository"); err != nil {
				return nil, err
			}
			if c.Ref, err = p.str("ref"); err != nil {
				return nil, err
			}
			if c.Depth, err = p.integer("depth"); err != nil {
				return nil, err
			}
			if c.Depth < 0 {
				return nil, fmt.Errorf("depth: must not be negative")
			}
			if c.Submodules, err = p.boolean("submodules"); err != nil {
				return nil, err
			}
			if c.Path, err = p.str("path"); err != nil {
				return nil, err
			}
			return c, nil
		},
	},
	ActionRestoreCache: cacheSchema(ActionRestoreCache),
	ActionSaveCache:    cacheSchema(ActionSaveCache),
}

func cacheSchema(name string) paramSchema {
	return paramSchema{
		allowed:  []string{"key", "paths", "hash-files", "restore-keys", "include-toolchain"},
		required: []string{"key", "paths"},
		decode: func(p params) (ActionParams, error) {
			c := CacheParams{Name: name}
			var err error
			if c.Key, err = p.str("key"); err != nil {
				return nil, err
			}
			if c.Paths, err = p.list("paths"); err != nil {
				return nil, err
			}
			if c.HashFiles, err = p.list("hash-files"); err != nil {
				return nil, err
			}
			if c.RestoreKeys, err = p.list("restore-keys"); err != nil {
				return nil, err
			}
			if c.IncludeToolchain, err = p.boolean("include-toolchain"); err != nil {
				return nil, err
			}
			if name == ActionSaveCache && len(c.RestoreKeys) > 0 {
				return nil, fmt.Errorf("restore-keys: not supported by %s", name)
			}
			return c, nil
		},
	}
}

// KnownActions lists the built-in action names in a stable order.
func KnownActions() []string {
	names := make([]string, 0, len(actionSchemas))
	for name := range actionSchemas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// decodeAction validates the raw `with` mapping against the action's schema.
// Every problem found is returned, keyed by parameter name.
func decodeAction(uses string, raw map[string]any) (ActionParams, map[string]error) {
	schema, ok := actionSchemas[uses]
	if !ok {
		return nil, map[string]error{"": fmt.Errorf("unknown action %q (known: %s)", uses, strings.Join(KnownActions(), ", "))}
	}

	problems := map[string]error{}
	for key := range raw {
		if !slices.Contains(schema.allowed, key) {
			problems[key] = fmt.Errorf("unknown parameter for %s", uses)
		}
	}
	for _, key := range schema.required {
		if _, ok := raw[key]; !ok {
			problems[key] = fmt.Errorf("required by %s", uses)
		}
	}
	if len(problems) > 0 {
		return nil, problems
	}

	a, err := schema.decode(params(raw))
	if err != nil {
		return nil, map[string]error{"": err}
	}
	return a, nil
}

type params map[string]any

func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	}
	return "", fmt.Errorf("%s: expected a string, got %T", key, v)
}

func (p params) integer(key string) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, fmt.Errorf("%s: expected an integer, got %q", key, t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s: expected an integer, got %T", key, v)
}

func (p params) boolean(key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, fmt.Errorf("%s: expected a boolean, got %q", key, t)
		}
		return b, nil
	}
	return false, fmt.Errorf("%s: expected a boolean, got %T", key, v)
}

func (p params) list(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected a list of strings, found %T", key, e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: expected a string or a list of strings, got %T", key, v)
}
