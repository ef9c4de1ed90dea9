package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr   string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	Dev          bool   `env:"DEV, default=false"`
	WorkflowsDir string `env:"WORKFLOWS_DIR, default=.spindle"`
	QueueSize    int    `env:"QUEUE_SIZE, default=100"`
	Workers      int    `env:"WORKERS, default=2"`
	// OtelEndpoint enables telemetry export when set, or always in dev.
	OtelEndpoint string `env:"OTEL_ENDPOINT"`
}

type Pipelines struct {
	Backend         string        `env:"BACKEND, default=local"`
	WorkspaceDir    string        `env:"WORKSPACE_DIR, default=/var/lib/spindle/workspaces"`
	ToolchainDir    string        `env:"TOOLCHAIN_DIR, default=/var/lib/spindle/toolchains"`
	LogDir          string        `env:"LOG_DIR, default=/var/log/spindle"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT, default=1h"`
	MaxParallelJobs int           `env:"MAX_PARALLEL_JOBS, default=0"`
	DockerRegistry  string        `env:"DOCKER_REGISTRY, default=docker.io/library"`
}

type Cache struct {
	Provider     string `env:"PROVIDER, default=sqlite"`
	DBPath       string `env:"DB_PATH, default=spindle.db"`
	RedisAddr    string `env:"REDIS_ADDR, default=localhost:6379"`
	MemoryBytes  int64  `env:"MEMORY_BYTES, default=67108864"`
	SaveAttempts uint   `env:"SAVE_ATTEMPTS, default=3"`
}

type Secrets struct {
	DBPath string `env:"DB_PATH, default=spindle.db"`
}

type Config struct {
	Server    Server    `env:",prefix=SPINDLE_SERVER_"`
	Pipelines Pipelines `env:",prefix=SPINDLE_PIPELINES_"`
	Cache     Cache     `env:",prefix=SPINDLE_CACHE_"`
	Secrets   Secrets   `env:",prefix=SPINDLE_SECRETS_"`
}

const (
	BackendLocal  = "local"
	BackendDocker = "docker"

	CacheMemory = "memory"
	CacheSqlite = "sqlite"
	CacheRedis  = "redis"
)

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Pipelines.Backend {
	case BackendLocal, BackendDocker:
	default:
		return fmt.Errorf("unknown backend %q", c.Pipelines.Backend)
	}

	switch c.Cache.Provider {
	case CacheMemory, CacheSqlite, CacheRedis:
	default:
		return fmt.Errorf("unknown cache provider %q", c.Cache.Provider)
	}

	if c.Pipelines.MaxParallelJobs < 0 {
		return fmt.Errorf("max parallel jobs must not be negative")
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("at least one worker is required")
	}
	return nil
}
