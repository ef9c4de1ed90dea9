package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Environment is the scoped execution context a backend hands to the step
// executor for one job.
type Environment struct {
	// WorkDir is the checked out workspace steps run in.
	WorkDir string
	// StateDir holds engine bookkeeping, such as step env export files. It
	// is never part of the workspace.
	StateDir string
	// Vars are the variables every step of the job starts from.
	Vars map[string]string
	// Path lists toolchain binary directories, highest precedence first.
	Path []string
	// Toolchain is the resolved toolchain, e.g. go@1.22.4.
	Toolchain string

	// GuestWorkDir and GuestStateDir are where WorkDir and StateDir appear
	// to the step's process when it runs in a sandbox with its own
	// filesystem. Empty means the host paths are used as is.
	GuestWorkDir  string
	GuestStateDir string
}

func (e *Environment) StepWorkDir() string {
	if e.GuestWorkDir != "" {
		return e.GuestWorkDir
	}
	return e.WorkDir
}

func (e *Environment) StepStateDir() string {
	if e.GuestStateDir != "" {
		return e.GuestStateDir
	}
	return e.StateDir
}

type EnvVars []string

// ConstructEnvs converts a map into a docker-friendly
// []string{"KEY=value", ...} slice, sorted by key.
func ConstructEnvs(envs map[string]string) EnvVars {
	var dockerEnvs EnvVars
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		ev := fmt.Sprintf("%s=%s", k, envs[k])
		dockerEnvs = append(dockerEnvs, ev)
	}
	return dockerEnvs
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// MergeEnv layers maps left to right; later maps override earlier ones.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}

// WithPath prefixes the PATH variable in vars with dirs.
func WithPath(vars map[string]string, dirs []string, base string) map[string]string {
	if len(dirs) == 0 {
		return vars
	}
	if p, ok := vars["PATH"]; ok {
		base = p
	}
	parts := slices.Clone(dirs)
	if base != "" {
		parts = append(parts, base)
	}
	out := maps.Clone(vars)
	if out == nil {
		out = make(map[string]string)
	}
	out["PATH"] = strings.Join(parts, ":")
	return out
}
