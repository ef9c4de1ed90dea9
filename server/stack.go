package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tangled.sh/tangled.sh/spindle/cache"
	"tangled.sh/tangled.sh/spindle/config"
	"tangled.sh/tangled.sh/spindle/db"
	"tangled.sh/tangled.sh/spindle/engine"
	"tangled.sh/tangled.sh/spindle/engines/docker"
	"tangled.sh/tangled.sh/spindle/engines/local"
	"tangled.sh/tangled.sh/spindle/secrets"
)

// Stack is what the engine is built on: a backend, a cache and a secrets
// store, chosen by configuration.
type Stack struct {
	Backend engine.Backend
	Cache   *cache.Manager
	Secrets secrets.Manager

	dbs     map[string]*db.DB
	closers []func() error
}

func NewStack(ctx context.Context, cfg *config.Config, l *slog.Logger) (*Stack, error) {
	s := &Stack{dbs: make(map[string]*db.DB)}

	if err := s.setupBackend(cfg.Pipelines, l); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.setupCache(ctx, cfg.Cache, l); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.setupSecrets(cfg.Secrets); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// database opens each sqlite file once, so the cache and secrets can share
// one.
func (s *Stack) database(path string) (*db.DB, error) {
	if d, ok := s.dbs[path]; ok {
		return d, nil
	}
	d, err := db.Make(path)
	if err != nil {
		return nil, fmt.Errorf("failed to setup db: %w", err)
	}
	s.dbs[path] = d
	s.closers = append(s.closers, d.Close)
	return d, nil
}

func (s *Stack) setupBackend(cfg config.Pipelines, l *slog.Logger) error {
	var err error
	switch cfg.Backend {
	case config.BackendDocker:
		s.Backend, err = docker.New(l, docker.Options{
			WorkspaceDir: cfg.WorkspaceDir,
			Registry:     cfg.DockerRegistry,
		})
	default:
		s.Backend, err = local.New(l, local.Options{
			WorkspaceDir: cfg.WorkspaceDir,
			ToolchainDir: cfg.ToolchainDir,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to setup %s backend: %w", cfg.Backend, err)
	}
	return nil
}

func (s *Stack) setupCache(ctx context.Context, cfg config.Cache, l *slog.Logger) error {
	var store cache.Store
	switch cfg.Provider {
	case config.CacheMemory:
		store = cache.NewMemoryStore()
	case config.CacheRedis:
		rs, err := cache.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.closers = append(s.closers, rs.Close)
		store = rs
	default:
		d, err := s.database(cfg.DBPath)
		if err != nil {
			return err
		}
		store = cache.NewSqliteStore(d)
	}

	// an in-process tier only helps in front of a remote or on-disk store
	if cfg.Provider != config.CacheMemory && cfg.MemoryBytes > 0 {
		tiered, err := cache.NewTieredStore(store, cfg.MemoryBytes)
		if err != nil {
			return fmt.Errorf("failed to setup cache tier: %w", err)
		}
		s.closers = append(s.closers, func() error {
			tiered.Close()
			return nil
		})
		store = tiered
	}

	s.Cache = cache.NewManager(store, l, cache.WithSaveAttempts(cfg.SaveAttempts))
	return nil
}

func (s *Stack) setupSecrets(cfg config.Secrets) error {
	d, err := s.database(cfg.DBPath)
	if err != nil {
		return err
	}
	m, err := secrets.NewSQLiteManager(d)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}
	s.Secrets = m
	return nil
}

// EngineOptions wires the stack and the pipeline settings into an engine.
func (s *Stack) EngineOptions(cfg config.Pipelines) []engine.Option {
	return []engine.Option{
		engine.WithCache(s.Cache),
		engine.WithSecrets(s.Secrets),
		engine.WithLogDir(cfg.LogDir),
		engine.WithJobTimeout(cfg.JobTimeout),
		engine.WithMaxParallelJobs(cfg.MaxParallelJobs),
	}
}

// Close releases everything in reverse order of creation.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
