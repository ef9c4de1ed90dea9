package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeKeyDeterministic(t *testing.T) {
	in := Inputs{
		Prefix:    "go-mod",
		Files:     map[string]string{"go.sum": "a", "sub/go.sum": "b"},
		Toolchain: "go@1.22.4",
		Extra:     map[string]string{"os": "linux"},
	}

	first := ComputeKey(in)
	for range 10 {
		assert.Equal(t, first, ComputeKey(in))
	}
	assert.Contains(t, first.String(), "go-mod-")
}

func TestComputeKeySensitivity(t *testing.T) {
	base := Inputs{
		Prefix:    "go-mod",
		Files:     map[string]string{"go.sum": "a"},
		Toolchain: "go@1.22.4",
	}
	baseKey := ComputeKey(base)

	variants := map[string]Inputs{
		"prefix":         {Prefix: "npm", Files: base.Files, Toolchain: base.Toolchain},
		"file digest":    {Prefix: "go-mod", Files: map[string]string{"go.sum": "b"}, Toolchain: base.Toolchain},
		"file path":      {Prefix: "go-mod", Files: map[string]string{"other.sum": "a"}, Toolchain: base.Toolchain},
		"extra file":     {Prefix: "go-mod", Files: map[string]string{"go.sum": "a", "x": "y"}, Toolchain: base.Toolchain},
		"toolchain":      {Prefix: "go-mod", Files: base.Files, Toolchain: "go@1.23.0"},
		"no toolchain":   {Prefix: "go-mod", Files: base.Files},
		"extra variable": {Prefix: "go-mod", Files: base.Files, Toolchain: base.Toolchain, Extra: map[string]string{"k": "v"}},
	}

	for name, in := range variants {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, baseKey, ComputeKey(in))
		})
	}
}

func TestComputeKeyFieldBoundaries(t *testing.T) {
	a := ComputeKey(Inputs{Prefix: "p", Extra: map[string]string{"a": "bc"}})
	b := ComputeKey(Inputs{Prefix: "p", Extra: map[string]string{"ab": "c"}})
	assert.NotEqual(t, a, b)
}

func TestComputeKeyPrefixOnly(t *testing.T) {
	assert.Equal(t, Key("k1"), ComputeKey(Inputs{Prefix: "k1"}))
}

func TestHashFiles(t *testing.T) {
	root := t.TempDir()
	write := func(p, contents string) {
		full := filepath.Join(root, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
	}
	write("go.sum", "one")
	write("tools/go.sum", "two")
	write("main.go", "package main")

	files, err := HashFiles(root, []string{"**/go.sum", "./go.sum"})
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, Digest([]byte("one")), files["go.sum"])
	assert.Equal(t, Digest([]byte("two")), files["tools/go.sum"])

	before := ComputeKey(Inputs{Prefix: "deps", Files: files})
	write("tools/go.sum", "three")
	files, err = HashFiles(root, []string{"**/go.sum"})
	require.NoError(t, err)
	assert.NotEqual(t, before, ComputeKey(Inputs{Prefix: "deps", Files: files}))
}

func TestHashFilesNoMatches(t *testing.T) {
	files, err := HashFiles(t.TempDir(), []string{"**/*.lock"})
	require.NoError(t, err)
	assert.Empty(t, files)
}
