package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tangled.sh/tangled.sh/spindle/cache"
	"tangled.sh/tangled.sh/spindle/report"
	"tangled.sh/tangled.sh/spindle/workflow"
)

const (
	OutputCacheHit        = "SPINDLE_CACHE_HIT"
	OutputCacheKey        = "SPINDLE_CACHE_KEY"
	OutputCacheMatchedKey = "SPINDLE_CACHE_MATCHED_KEY"
)

// cacheKey computes the key a cache step declares. Declared hash-files
// patterns always contribute, so the key differs from the bare prefix even
// when no file matched.
func cacheKey(c *Context, p workflow.CacheParams) (cache.Key, error) {
	in := cache.Inputs{Prefix: p.Key}

	if len(p.HashFiles) > 0 {
		files, err := cache.HashFiles(c.Env.WorkDir, p.HashFiles)
		if err != nil {
			return "", err
		}
		in.Files = files
		in.Extra = map[string]string{"hash-files": strings.Join(p.HashFiles, "\n")}
	}
	if p.IncludeToolchain {
		in.Toolchain = c.Env.Toolchain
	}

	return cache.ComputeKey(in), nil
}

// restoreCache restores the best matching entry into the workspace and
// schedules a save of the same paths once the job is done. Cache problems
// never fail the step.
func restoreCache(ctx context.Context, c *Context) (Outputs, error) {
	p, _ := c.Step.Action.(workflow.CacheParams)
	l := c.logger().With("step", c.Step.DisplayName())

	key, err := cacheKey(c, p)
	if err != nil {
		return nil, fmt.Errorf("computing cache key: %w", err)
	}

	out := Outputs{OutputCacheKey: key.String(), OutputCacheHit: "false"}
	result := report.CacheResult{Key: key.String(), Match: cache.Miss.String()}

	restored, err := c.Cache.Restore(ctx, key, cache.RestorePrefixes(p.Key, key, p.RestoreKeys))
	switch {
	case errors.Is(err, cache.ErrMiss):
		c.printf("cache miss for %s", key)
	case err != nil:
		return nil, err
	default:
		n, err := cache.Unpack(c.Env.WorkDir, restored.Data)
		if err != nil {
			l.Warn("unpacking cache entry", "key", restored.Key, "error", err)
			c.printf("could not restore %s: %v", restored.Key, err)
			break
		}
		c.printf("restored %d files from %s (%s match)", n, restored.Key, restored.Match)
		result.Match = restored.Match.String()
		out[OutputCacheMatchedKey] = restored.Key
		if restored.Match == cache.Exact {
			out[OutputCacheHit] = "true"
		}
	}
	c.record(result)

	c.deferJob(PostJob{
		Name:   "save cache " + key.String(),
		Policy: cache.PolicyFor(c.Job.CacheOnFailure),
		Run: func(ctx context.Context) error {
			r := save(ctx, c, key, p.Paths)
			c.record(r)
			if r.Error != "" {
				return errors.New(r.Error)
			}
			return nil
		},
	})

	return out, nil
}

func saveCache(ctx context.Context, c *Context) (Outputs, error) {
	p, _ := c.Step.Action.(workflow.CacheParams)

	key, err := cacheKey(c, p)
	if err != nil {
		return nil, fmt.Errorf("computing cache key: %w", err)
	}

	c.record(save(ctx, c, key, p.Paths))
	return Outputs{OutputCacheKey: key.String()}, nil
}

func save(ctx context.Context, c *Context, key cache.Key, paths []string) report.CacheResult {
	r := report.CacheResult{Key: key.String()}
	l := c.logger().With("key", key)

	data, err := cache.Pack(c.Env.WorkDir, paths)
	if errors.Is(err, cache.ErrNothingToCache) {
		c.printf("nothing to cache for %s", key)
		return r
	}
	if err != nil {
		l.Warn("packing cache entry", "error", err)
		r.Error = err.Error()
		return r
	}

	changed, err := c.Cache.Save(ctx, key, data)
	if err != nil {
		l.Warn("saving cache entry", "error", err)
		c.printf("could not save %s: %v", key, err)
		r.Error = err.Error()
		return r
	}

	r.Saved = changed
	r.Size = len(data)
	if changed {
		c.printf("saved %s", key)
	} else {
		c.printf("%s is up to date", key)
	}
	return r
}
