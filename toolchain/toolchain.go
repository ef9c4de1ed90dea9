// Package toolchain picks a concrete toolchain version for a job from what a
// backend has available.
package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"tangled.sh/tangled.sh/spindle/workflow"
)

var (
	ErrNotAvailable = errors.New("no available version satisfies the constraint")
	ErrNotInstalled = errors.New("toolchain is not installed")
)

// Resolved is a toolchain version a backend can provide.
type Resolved struct {
	Name    string
	Version string
}

func (r Resolved) String() string {
	return r.Name + "@" + r.Version
}

// Resolve returns the highest version in available that satisfies spec.
// Entries that are not semantic versions are only selected by an exact
// string match. An empty constraint accepts any version.
func Resolve(spec workflow.Toolchain, available []string) (Resolved, error) {
	if spec.IsZero() {
		return Resolved{}, nil
	}

	var constraint *semver.Constraints
	if spec.Version != "" {
		c, err := semver.NewConstraint(spec.Version)
		if err != nil {
			for _, v := range available {
				if v == spec.Version {
					return Resolved{Name: spec.Name, Version: v}, nil
				}
			}
			return Resolved{}, fmt.Errorf("%s: invalid constraint %q: %w", spec.Name, spec.Version, err)
		}
		constraint = c
	}

	type candidate struct {
		raw     string
		version *semver.Version
	}
	var candidates []candidate
	for _, v := range available {
		if v == spec.Version {
			return Resolved{Name: spec.Name, Version: v}, nil
		}
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if constraint == nil || constraint.Check(sv) {
			candidates = append(candidates, candidate{v, sv})
		}
	}

	if len(candidates) == 0 {
		if len(available) == 0 {
			return Resolved{}, fmt.Errorf("%s: %w", spec.Name, ErrNotInstalled)
		}
		return Resolved{}, fmt.Errorf("%s %s (have %v): %w", spec.Name, spec.Version, available, ErrNotAvailable)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].version.GreaterThan(candidates[j].version)
	})

	return Resolved{Name: spec.Name, Version: candidates[0].raw}, nil
}

// Installed lists the versions of name under root, laid out as
// <root>/<name>/<version>/.
func Installed(root, name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	return versions, nil
}

// BinDirs returns the directories of an installed toolchain that belong on
// PATH: <version>/bin when present, otherwise the version directory itself.
func BinDirs(root string, r Resolved) []string {
	base := filepath.Join(root, r.Name, r.Version)
	bin := filepath.Join(base, "bin")
	if fi, err := os.Stat(bin); err == nil && fi.IsDir() {
		return []string{bin}
	}
	return []string{base}
}
