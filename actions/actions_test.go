package actions

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/cache"
	"tangled.sh/tangled.sh/spindle/log"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/workflow"
)

type harness struct {
	ctx     *Context
	out     bytes.Buffer
	post    []PostJob
	results []report.CacheResult
}

func newHarness(t *testing.T, mgr *cache.Manager, job *workflow.Job, step *workflow.Step) *harness {
	h := &harness{}
	h.ctx = &Context{
		Job:    job,
		Step:   step,
		Env:    &models.Environment{WorkDir: t.TempDir(), Toolchain: "go@1.22.4"},
		Cache:  mgr,
		Stdout: &h.out,
		Logger: log.Discard(),
		Defer: func(p PostJob) {
			h.post = append(h.post, p)
		},
		RecordCache: func(r report.CacheResult) {
			h.results = append(h.results, r)
		},
	}
	return h
}

func cacheStep(t *testing.T, uses string, with map[string]any) *workflow.Step {
	t.Helper()
	s := &workflow.Step{Uses: uses, Params: with}
	wf := workflow.Workflow{
		Triggers: workflow.Triggers{{Event: "push", Branches: []string{"main"}}},
		Jobs:     workflow.Jobs{{Name: "j", Steps: []workflow.Step{*s}}},
	}
	d := wf.Validate()
	require.False(t, d.IsErr(), "%v", d.Errors)
	return &wf.Jobs[0].Steps[0]
}

func writeFile(t *testing.T, root, p, contents string) {
	t.Helper()
	full := filepath.Join(root, p)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
}

func TestRestoreMissThenPostJobSave(t *testing.T) {
	mgr := cache.NewManager(cache.NewMemoryStore(), log.Discard())
	step := cacheStep(t, workflow.ActionRestoreCache, map[string]any{
		"key":   "k1",
		"paths": []any{"deps"},
	})
	job := &workflow.Job{Name: "build"}
	h := newHarness(t, mgr, job, step)

	out, err := restoreCache(context.Background(), h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "false", out[OutputCacheHit])
	assert.Equal(t, "k1", out[OutputCacheKey])
	require.Len(t, h.post, 1)
	assert.Equal(t, cache.SaveOnSuccess, h.post[0].Policy)

	writeFile(t, h.ctx.Env.WorkDir, "deps/lib.txt", "built")
	require.NoError(t, h.post[0].Run(context.Background()))

	require.Len(t, h.results, 2)
	assert.Equal(t, "miss", h.results[0].Match)
	assert.True(t, h.results[1].Saved)

	// a second job restores what the first saved
	h2 := newHarness(t, mgr, job, step)
	out, err = restoreCache(context.Background(), h2.ctx)
	require.NoError(t, err)
	assert.Equal(t, "true", out[OutputCacheHit])
	got, err := os.ReadFile(filepath.Join(h2.ctx.Env.WorkDir, "deps/lib.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built", string(got))
}

func TestRestorePartialFromRestoreKeys(t *testing.T) {
	mgr := cache.NewManager(cache.NewMemoryStore(), log.Discard())
	step := cacheStep(t, workflow.ActionRestoreCache, map[string]any{
		"key":        "go-mod",
		"paths":      "deps",
		"hash-files": "go.sum",
	})
	job := &workflow.Job{Name: "build", CacheOnFailure: true}

	first := newHarness(t, mgr, job, step)
	writeFile(t, first.ctx.Env.WorkDir, "go.sum", "v1")
	_, err := restoreCache(context.Background(), first.ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.SaveAlways, first.post[0].Policy)
	writeFile(t, first.ctx.Env.WorkDir, "deps/a", "old")
	require.NoError(t, first.post[0].Run(context.Background()))

	second := newHarness(t, mgr, job, step)
	writeFile(t, second.ctx.Env.WorkDir, "go.sum", "v2")
	out, err := restoreCache(context.Background(), second.ctx)
	require.NoError(t, err)

	assert.Equal(t, "false", out[OutputCacheHit])
	assert.NotEqual(t, out[OutputCacheKey], out[OutputCacheMatchedKey])
	assert.Equal(t, "partial", second.results[0].Match)
	assert.FileExists(t, filepath.Join(second.ctx.Env.WorkDir, "deps/a"))
}

func TestSaveCacheNothingToCache(t *testing.T) {
	mgr := cache.NewManager(cache.NewMemoryStore(), log.Discard())
	step := cacheStep(t, workflow.ActionSaveCache, map[string]any{"key": "k", "paths": "missing"})
	h := newHarness(t, mgr, &workflow.Job{Name: "j"}, step)

	_, err := saveCache(context.Background(), h.ctx)
	require.NoError(t, err)
	require.Len(t, h.results, 1)
	assert.False(t, h.results[0].Saved)
	assert.Contains(t, h.out.String(), "nothing to cache")
}

func TestSaveCacheIncludesToolchain(t *testing.T) {
	mgr := cache.NewManager(cache.NewMemoryStore(), log.Discard())
	step := cacheStep(t, workflow.ActionSaveCache, map[string]any{
		"key":               "tools",
		"paths":             "bin",
		"include-toolchain": true,
	})
	h := newHarness(t, mgr, &workflow.Job{Name: "j"}, step)
	writeFile(t, h.ctx.Env.WorkDir, "bin/tool", "x")

	out, err := saveCache(context.Background(), h.ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.ComputeKey(cache.Inputs{Prefix: "tools", Toolchain: "go@1.22.4"}).String(), out[OutputCacheKey])
	assert.True(t, h.results[0].Saved)
}

func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	writeFile(t, dir, "README", "hello")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestCheckout(t *testing.T) {
	src, head := initRepo(t)

	step := cacheStep(t, workflow.ActionCheckout, map[string]any{"path": "src"})
	h := newHarness(t, nil, &workflow.Job{Name: "j"}, step)
	// point at the git dir so the clone works like one from a bare remote
	h.ctx.Event = models.Event{Kind: "push", Repository: filepath.Join(src, ".git")}

	out, err := checkout(context.Background(), h.ctx)
	require.NoError(t, err)
	assert.Equal(t, head, out[OutputCheckoutCommit])
	assert.FileExists(t, filepath.Join(h.ctx.Env.WorkDir, "src", "README"))
}

func TestCheckoutWithoutRepository(t *testing.T) {
	step := cacheStep(t, workflow.ActionCheckout, nil)
	h := newHarness(t, nil, &workflow.Job{Name: "j"}, step)
	h.ctx.Event = models.Event{Kind: "manual"}

	out, err := checkout(context.Background(), h.ctx)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Contains(t, h.out.String(), "skipping")
}

func TestIsCommitHash(t *testing.T) {
	assert.True(t, isCommitHash("0123456789abcdef0123456789abcdef01234567"))
	assert.False(t, isCommitHash("main"))
	assert.False(t, isCommitHash("0123456789abcdef0123456789abcdef0123456z"))
}
