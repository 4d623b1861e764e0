// Package docker implements the engine.Engine interface using the
// Docker daemon to run ephemeral GitHub Actions runners as containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// DefaultImage is the locally built runner image.
const DefaultImage = "gh-runner:latest"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: gh-runner:latest
	Image string

	// Command overrides the image's default command (e.g.
	// ["/home/runner/run.sh"] for the upstream actions-runner image).
	Command []string

	// Pull pulls Image once at construction.  Leave it off for images
	// that are built locally.
	Pull bool

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket into each runner container.  This allows workflows to run
	// Docker commands (docker build, container actions, etc.).
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.  Only enable this if you trust the workflows
	// that will run on these runners.
	Dind bool

	// Socket is the host Docker socket path used when Dind is set.
	// Default: /var/run/docker.sock
	Socket string

	// StopTimeout is how long the daemon waits for a graceful stop
	// before killing the container.  Default: 10s.
	StopTimeout time.Duration
}

// dockerAPI is the subset of the Docker client the engine uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerRename(ctx context.Context, containerID, newContainerName string) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// Engine manages GitHub Actions runners as Docker containers.
type Engine struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine and connects to the daemon.  When
// cfg.Pull is set the runner image is pulled so it is available for
// container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	e := newEngine(client, cfg, logger)

	if e.cfg.Pull {
		if err := e.pull(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}

	return e, nil
}

func newEngine(client dockerAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Socket == "" {
		cfg.Socket = "/var/run/docker.sock"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ghrunners/engine/docker"),
	}
}

func (e *Engine) pull(ctx context.Context) error {
	e.logger.Info("pulling runner image", slog.String("image", e.cfg.Image))

	pull, err := e.client.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", e.cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	e.logger.Info("runner image ready", slog.String("image", e.cfg.Image))
	return nil
}

// StartRunner creates an unnamed container, renames it to
// "<prefix>-<containerID[:12]>" and starts it.
func (e *Engine) StartRunner(ctx context.Context, spec engine.RunnerSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.StartRunner")
	defer span.End()

	env := make([]string, 0, len(spec.Env)+2)
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}

	var (
		user    string
		hostCfg *container.HostConfig
	)
	if e.cfg.Dind {
		// Root works for the socket on both Linux and Docker Desktop.
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix://"+e.cfg.Socket,
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		hostCfg = &container.HostConfig{
			Binds: []string{e.cfg.Socket + ":" + e.cfg.Socket},
		}
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  e.cfg.Image,
			Cmd:    e.cfg.Command,
			User:   user,
			Env:    env,
			Labels: spec.Labels,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		"",  // named after creation
	)
	if err != nil {
		return "", fmt.Errorf("container create for %s: %w", spec.Prefix, err)
	}

	if len(resp.ID) < scope.SuffixLen {
		e.discard(ctx, resp.ID)
		return "", fmt.Errorf("container create for %s: short container id %q", spec.Prefix, resp.ID)
	}
	name := spec.Prefix + "-" + resp.ID[:scope.SuffixLen]
	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("docker.container_id", resp.ID),
	)

	if err := e.client.ContainerRename(ctx, resp.ID, name); err != nil {
		e.discard(ctx, resp.ID)
		return "", fmt.Errorf("container rename %s: %w", name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.discard(ctx, resp.ID)
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	e.logger.Info("runner started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	return name, nil
}

// discard force-removes a container that never became a usable runner.
func (e *Engine) discard(ctx context.Context, id string) {
	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("failed to clean up container",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
	}
}

// StopRunner stops the named container.  A missing container is not an
// error.
func (e *Engine) StopRunner(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.StopRunner")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name))

	timeout := int(e.cfg.StopTimeout / time.Second)
	err := e.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container stop %s: %w", name, err)
	}
	return nil
}

// DeleteRunner force-removes the named container.  A missing container is
// not an error.
func (e *Engine) DeleteRunner(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.DeleteRunner")
	defer span.End()
	span.SetAttributes(attribute.String("runner.name", name))

	e.logger.Info("destroying runner", slog.String("name", name))

	err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", name, err)
	}
	return nil
}

// ListRunners lists all containers, running or not, whose name starts
// with prefix.  The daemon's name filter is a substring match, so the
// prefix is re-checked here.
func (e *Engine) ListRunners(ctx context.Context, prefix string) ([]engine.Runner, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list %s: %w", prefix, err)
	}

	runners := make([]engine.Runner, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			if !strings.HasPrefix(n, prefix) {
				continue
			}
			runners = append(runners, engine.Runner{
				Name:    n,
				ID:      c.ID,
				Running: c.State == container.StateRunning,
				Created: time.Unix(c.Created, 0),
			})
			break
		}
	}
	return runners, nil
}

// ImageAvailable reports whether the runner image exists locally.
func (e *Engine) ImageAvailable(ctx context.Context) (bool, error) {
	images, err := e.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", e.cfg.Image)),
	})
	if err != nil {
		return false, fmt.Errorf("image list %s: %w", e.cfg.Image, err)
	}
	return len(images) > 0, nil
}

// Close closes the daemon connection.
func (e *Engine) Close() error {
	return e.client.Close()
}
