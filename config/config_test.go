package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(nil))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6555", cfg.Server.ListenAddr)
	assert.Equal(t, BackendLocal, cfg.Pipelines.Backend)
	assert.Equal(t, time.Hour, cfg.Pipelines.JobTimeout)
	assert.Equal(t, CacheSqlite, cfg.Cache.Provider)
	assert.EqualValues(t, 3, cfg.Cache.SaveAttempts)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"SPINDLE_PIPELINES_BACKEND":           "docker",
		"SPINDLE_PIPELINES_MAX_PARALLEL_JOBS": "4",
		"SPINDLE_PIPELINES_JOB_TIMEOUT":       "90s",
		"SPINDLE_CACHE_PROVIDER":              "redis",
		"SPINDLE_CACHE_REDIS_ADDR":            "cache:6379",
		"SPINDLE_SECRETS_DB_PATH":             "/tmp/secrets.db",
	}))
	require.NoError(t, err)

	assert.Equal(t, BackendDocker, cfg.Pipelines.Backend)
	assert.Equal(t, 4, cfg.Pipelines.MaxParallelJobs)
	assert.Equal(t, 90*time.Second, cfg.Pipelines.JobTimeout)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, "/tmp/secrets.db", cfg.Secrets.DBPath)
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"backend":  {"SPINDLE_PIPELINES_BACKEND": "firecracker"},
		"provider": {"SPINDLE_CACHE_PROVIDER": "s3"},
		"workers":  {"SPINDLE_SERVER_WORKERS": "0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}
}
