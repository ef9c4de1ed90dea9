// Package docker runs every step of a job in a fresh container of the
// job's toolchain image. The workspace is a host directory bind mounted
// into each container, so it survives from one step to the next.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/spindle/engine"
	"tangled.sh/tangled.sh/spindle/models"
	"tangled.sh/tangled.sh/spindle/toolchain"
	"tangled.sh/tangled.sh/spindle/workflow"
)

const (
	guestWorkspaceDir = "/spindle/workspace"
	guestStateDir     = "/spindle/state"
	guestHomeDir      = "/spindle/home"

	DefaultRegistry = "docker.io/library"
	DefaultImage    = "docker.io/library/buildpack-deps:bookworm"
)

type Options struct {
	// WorkspaceDir holds the host side of every job's bind mounts.
	WorkspaceDir string
	// Registry is prefixed to toolchain names to form image references,
	// e.g. docker.io/library + go@1.22 gives docker.io/library/golang:1.22
	// when Aliases maps go to golang.
	Registry string
	// DefaultImage runs jobs that do not ask for a toolchain.
	DefaultImage string
	// Aliases maps toolchain names to image names.
	Aliases map[string]string
	// PullOutput receives the progress stream of image pulls.
	PullOutput io.Writer
}

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	opts   Options

	cleanups engine.Cleanups

	mu     sync.Mutex
	images map[string]string
}

// ensure that we are satisfying the interface
var _ engine.Backend = (*Engine)(nil)

// DefaultAliases maps common toolchain names to their official images.
var DefaultAliases = map[string]string{
	"go":     "golang",
	"nodejs": "node",
}

func New(l *slog.Logger, opts Options) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewWithClient(dcli, l, opts)
}

func NewWithClient(dcli client.APIClient, l *slog.Logger, opts Options) (*Engine, error) {
	if opts.WorkspaceDir == "" {
		return nil, errors.New("workspace dir is required")
	}
	if opts.Registry == "" {
		opts.Registry = DefaultRegistry
	}
	if opts.DefaultImage == "" {
		opts.DefaultImage = DefaultImage
	}
	if opts.Aliases == nil {
		opts.Aliases = DefaultAliases
	}
	if opts.PullOutput == nil {
		opts.PullOutput = io.Discard
	}
	if err := os.MkdirAll(opts.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	return &Engine{
		docker: dcli,
		l:      l.With("backend", "docker"),
		opts:   opts,
		images: make(map[string]string),
	}, nil
}

// imageRepo is the repository toolchain images of name are tagged in.
func (e *Engine) imageRepo(name string) string {
	if alias, ok := e.opts.Aliases[name]; ok {
		name = alias
	}
	return path.Join(e.opts.Registry, name)
}

// resolveImage picks the image for a job's toolchain. Tags already present
// locally are matched against the constraint first; an exact version that
// is not present is pulled.
func (e *Engine) resolveImage(ctx context.Context, tc workflow.Toolchain) (string, string, error) {
	if tc.IsZero() {
		return e.opts.DefaultImage, "", e.ensureImage(ctx, e.opts.DefaultImage)
	}

	repo := e.imageRepo(tc.Name)
	tags, err := e.localTags(ctx, repo)
	if err != nil {
		return "", "", fmt.Errorf("listing images: %w", err)
	}

	r, err := toolchain.Resolve(tc, tags)
	if err == nil {
		return repo + ":" + r.Version, r.String(), nil
	}

	version := tc.Version
	if version == "" {
		version = "latest"
	} else if !isPlainTag(version) {
		// a range can only be satisfied by images we already have
		return "", "", err
	}

	ref := repo + ":" + version
	if err := e.pull(ctx, ref); err != nil {
		return "", "", err
	}
	return ref, toolchain.Resolved{Name: tc.Name, Version: version}.String(), nil
}

// isPlainTag reports whether v names a single tag, like 1.22 or bookworm,
// rather than a range.
func isPlainTag(v string) bool {
	return !strings.ContainsAny(v, "^~<>=*|, ")
}

func (e *Engine) localTags(ctx context.Context, repo string) ([]string, error) {
	images, err := e.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repo)),
	})
	if err != nil {
		return nil, err
	}

	var tags []string
	for _, img := range images {
		for _, rt := range img.RepoTags {
			if tag, ok := strings.CutPrefix(rt, shortRepo(repo)+":"); ok {
				tags = append(tags, tag)
			}
		}
	}
	return tags, nil
}

// shortRepo strips the default registry the daemon leaves out of
// RepoTags.
func shortRepo(repo string) string {
	repo = strings.TrimPrefix(repo, "docker.io/")
	return strings.TrimPrefix(repo, "library/")
}

func (e *Engine) ensureImage(ctx context.Context, ref string) error {
	if _, err := e.docker.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	return e.pull(ctx, ref)
}

func (e *Engine) pull(ctx context.Context, ref string) error {
	e.l.Info("pulling image", "image", ref)
	reader, err := e.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		e.l.Error("image pull failed", "image", ref, "error", err)
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(e.opts.PullOutput, reader)
	return err
}

// SetupJob resolves the job's image, creates its host directories and
// gives it its own bridge network.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *workflow.Job) (*models.Environment, error) {
	e.l.Info("setting up job", "job", jid)

	ref, resolved, err := e.resolveImage(ctx, job.Toolchain)
	if err != nil {
		return nil, err
	}

	jobDir, err := securejoin.SecureJoin(e.opts.WorkspaceDir, jid.String())
	if err != nil {
		return nil, err
	}
	e.cleanups.Register(jid, func(context.Context) error {
		return os.RemoveAll(jobDir)
	})

	env := &models.Environment{
		WorkDir:       filepath.Join(jobDir, "workspace"),
		StateDir:      filepath.Join(jobDir, "state"),
		GuestWorkDir:  guestWorkspaceDir,
		GuestStateDir: guestStateDir,
		Toolchain:     resolved,
		Vars:          map[string]string{"HOME": guestHomeDir},
	}
	for _, dir := range []string{env.WorkDir, env.StateDir, filepath.Join(jobDir, "home")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating job directories: %w", err)
		}
	}

	_, err = e.docker.NetworkCreate(ctx, networkName(jid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return nil, fmt.Errorf("creating network: %w", err)
	}
	e.cleanups.Register(jid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(jid))
	})

	e.mu.Lock()
	e.images[jid.String()] = ref
	e.mu.Unlock()
	e.cleanups.Register(jid, func(context.Context) error {
		e.mu.Lock()
		delete(e.images, jid.String())
		e.mu.Unlock()
		return nil
	})

	return env, nil
}

func (e *Engine) RunCommand(ctx context.Context, jid models.JobId, env *models.Environment, step *workflow.Step, vars map[string]string, stdout, stderr io.Writer) error {
	e.mu.Lock()
	ref, ok := e.images[jid.String()]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s was not set up", jid)
	}

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      ref,
		Cmd:        []string{"bash", "-eo", "pipefail", "-c", step.Run},
		WorkingDir: env.StepWorkDir(),
		Tty:        false,
		Hostname:   "spindle",
		User:       fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Env:        models.ConstructEnvs(vars).Slice(),
	}, hostConfig(env), nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	e.l.Info("started container", "name", resp.ID, "step", step.DisplayName())

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, resp.ID, stdout, stderr)
	}()

	// wait for container completion or timeout
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			e.l.Warn("tailing step output", "container", resp.ID, "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step timed out; killing container", "container", resp.ID, "step", step.DisplayName())
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return engine.ErrTimedOut
	}

	if waitErr != nil {
		return waitErr
	}

	if state.ExitCode != 0 || state.OOMKilled {
		e.l.Warn("step failed", "job", jid, "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		sf := &engine.StepFailure{Step: step.DisplayName(), ExitCode: state.ExitCode}
		if state.OOMKilled {
			sf.Err = engine.ErrOOMKilled
		}
		return sf
	}

	return nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Debug("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(orDiscard(stdout), orDiscard(stderr), logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.l.Info("destroying job", "job", jid)
	return e.cleanups.Run(ctx, jid, e.l)
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("spindle-job-%s", jid)
}

func hostConfig(env *models.Environment) *container.HostConfig {
	home := filepath.Join(filepath.Dir(env.WorkDir), "home")
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: env.WorkDir,
				Target: env.StepWorkDir(),
			},
			{
				Type:   mount.TypeBind,
				Source: env.StateDir,
				Target: env.StepStateDir(),
			},
			{
				Type:   mount.TypeBind,
				Source: home,
				Target: guestHomeDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
