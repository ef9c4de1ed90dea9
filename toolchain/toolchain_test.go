package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/workflow"
)

func TestResolve(t *testing.T) {
	available := []string{"1.21.9", "1.22.1", "1.22.4", "1.23.0", "tip"}

	tests := []struct {
		name    string
		spec    workflow.Toolchain
		want    string
		wantErr error
	}{
		{"caret picks highest minor", workflow.Toolchain{Name: "go", Version: "^1.22"}, "1.23.0", nil},
		{"tilde stays on minor", workflow.Toolchain{Name: "go", Version: "~1.22"}, "1.22.4", nil},
		{"exact", workflow.Toolchain{Name: "go", Version: "1.21.9"}, "1.21.9", nil},
		{"no constraint picks highest", workflow.Toolchain{Name: "go"}, "1.23.0", nil},
		{"non semver exact", workflow.Toolchain{Name: "go", Version: "tip"}, "tip", nil},
		{"unsatisfiable", workflow.Toolchain{Name: "go", Version: ">=2"}, "", ErrNotAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.spec, available)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Version)
			assert.Equal(t, "go", got.Name)
		})
	}
}

func TestResolveNothingInstalled(t *testing.T) {
	_, err := Resolve(workflow.Toolchain{Name: "zig", Version: "0.13"}, nil)
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestResolveNoToolchain(t *testing.T) {
	got, err := Resolve(workflow.Toolchain{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Resolved{}, got)
}

func TestInstalledAndBinDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "go", "1.22.4", "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "go", "1.23.0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "go", "README"), nil, 0o644))

	versions, err := Installed(root, "go")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.22.4", "1.23.0"}, versions)

	missing, err := Installed(root, "node")
	require.NoError(t, err)
	assert.Empty(t, missing)

	assert.Equal(t, []string{filepath.Join(root, "go", "1.22.4", "bin")}, BinDirs(root, Resolved{Name: "go", Version: "1.22.4"}))
	assert.Equal(t, []string{filepath.Join(root, "go", "1.23.0")}, BinDirs(root, Resolved{Name: "go", Version: "1.23.0"}))
}
