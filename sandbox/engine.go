package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/vbase/rce/config"
	"github.com/vbase/rce/runtime"
)

// Teardown budgets, independent of the request context: collection and
// removal must run even after the caller's deadline has passed.
const (
	collectTimeout = 15 * time.Second
	removeTimeout  = 30 * time.Second
)

// EngineAPI is the narrow allow-list of container engine operations the
// controller is permitted to use. Anything outside this set (exec into a
// running container, network reconfiguration, image builds) must never
// be assumed available.
type EngineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, options ...client.ImageInspectOption) (image.InspectResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
}

var _ EngineAPI = (*client.Client)(nil)

// NewEngineClient connects to the container engine using the standard
// environment variables (DOCKER_HOST and friends).
func NewEngineClient() (EngineAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return cli, nil
}

// ResourceProfile carries the bounds applied to one container. Values
// are clamped to configured maxima before they reach the controller.
type ResourceProfile struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	Timeout     time.Duration
}

// RunSpec describes one container invocation.
type RunSpec struct {
	Command   []string
	Stdin     string
	Resources ResourceProfile
}

// Controller drives the engine's control API through the full container
// lifecycle: create, start, bound-wait, collect, forced remove.
type Controller struct {
	api    EngineAPI
	cfg    *config.Config
	logger *zap.Logger
}

// NewController creates a lifecycle controller over the given engine API.
func NewController(logger *zap.Logger, cfg *config.Config, api EngineAPI) *Controller {
	return &Controller{
		api:    api,
		cfg:    cfg,
		logger: logger,
	}
}

// Ping verifies the engine control API is reachable.
func (c *Controller) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// ImageExists reports whether the image is present on the engine.
func (c *Controller) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	_, err := c.api.ImageInspect(ctx, imageRef)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: inspecting image %s: %v", ErrEngineUnavailable, imageRef, err)
}

// Run executes one container against a staged workspace and collects its
// outcome. The container is force-removed on every path; a removal
// failure is logged, never returned, so it cannot mask the real outcome.
func (c *Controller) Run(ctx context.Context, desc runtime.Descriptor, ws *Workspace, spec RunSpec) (RawOutcome, error) {
	hasStdin := spec.Stdin != ""
	pids := spec.Resources.PidsLimit
	tmpfsOpts := fmt.Sprintf("size=%dm,mode=1777,exec", c.cfg.Engine.TmpfsSizeMB)

	containerConfig := &container.Config{
		Image:           desc.Image,
		Cmd:             spec.Command,
		WorkingDir:      SandboxCodePath,
		User:            c.cfg.Engine.User,
		OpenStdin:       hasStdin,
		StdinOnce:       hasStdin,
		AttachStdin:     hasStdin,
		NetworkDisabled: c.cfg.Engine.NetworkDisabled,
	}

	networkMode := container.NetworkMode("bridge")
	if c.cfg.Engine.NetworkDisabled {
		networkMode = "none"
	}

	hostConfig := &container.HostConfig{
		Binds:          []string{ws.Path + ":" + SandboxCodePath + ":ro"},
		NetworkMode:    networkMode,
		ReadonlyRootfs: c.cfg.Engine.ReadOnlyRootfs,
		CapDrop:        c.cfg.Engine.DropCapabilities,
		SecurityOpt:    []string{"no-new-privileges:true"},
		// Writable scratch areas; exec is needed for compiled binaries,
		// the home mount for language runtime caches.
		Tmpfs: map[string]string{
			"/tmp":         tmpfsOpts,
			"/home/runner": tmpfsOpts,
		},
		Resources: container.Resources{
			Memory: spec.Resources.MemoryBytes,
			// Swap matched to the cap so paging cannot exceed the bound.
			MemorySwap: spec.Resources.MemoryBytes,
			NanoCPUs:   spec.Resources.NanoCPUs,
			PidsLimit:  &pids,
		},
	}

	created, err := c.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return RawOutcome{}, fmt.Errorf("%w: container create rejected: %v", ErrEngineUnavailable, err)
	}
	containerID := created.ID

	// Forced remove is the unconditional terminal step, on a fresh
	// context because the request context may already be dead.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if rmErr := c.api.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil {
			c.logger.Error("failed to remove container",
				zap.String("container_id", containerID),
				zap.Error(rmErr))
		}
	}()

	var hijack *types.HijackedResponse
	if hasStdin {
		resp, attachErr := c.api.ContainerAttach(ctx, containerID, container.AttachOptions{
			Stream: true,
			Stdin:  true,
		})
		if attachErr != nil {
			return RawOutcome{}, fmt.Errorf("%w: attaching stdin: %v", ErrEngineUnavailable, attachErr)
		}
		hijack = &resp
		defer hijack.Close()
	}

	if err := c.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return RawOutcome{}, fmt.Errorf("%w: container start failed: %v", ErrEngineUnavailable, err)
	}

	if hijack != nil {
		// Delivered concurrently so a program that never reads stdin
		// cannot wedge the controller.
		go func(h *types.HijackedResponse, stdin string) {
			if _, wErr := h.Conn.Write([]byte(stdin)); wErr != nil {
				c.logger.Warn("failed to deliver stdin", zap.String("container_id", containerID), zap.Error(wErr))
				return
			}
			if cwErr := h.CloseWrite(); cwErr != nil {
				c.logger.Warn("failed to close stdin", zap.String("container_id", containerID), zap.Error(cwErr))
			}
		}(hijack, spec.Stdin)
	}

	exitCode, timedOut, err := c.waitBounded(ctx, containerID, spec.Resources.Timeout)
	if err != nil {
		return RawOutcome{}, err
	}

	outcome, err := c.collect(containerID)
	if err != nil {
		return RawOutcome{}, err
	}
	outcome.ExitCode = exitCode
	outcome.TimedOut = timedOut

	return outcome, nil
}

// waitBounded waits for the container to stop, up to timeout. On expiry
// the container is killed and the outcome marked timed out.
func (c *Controller) waitBounded(ctx context.Context, containerID string, timeout time.Duration) (int64, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := c.api.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return 0, false, fmt.Errorf("%w: wait reported: %s", ErrEngineUnavailable, status.Error.Message)
		}
		return status.StatusCode, false, nil
	case err := <-errCh:
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			c.kill(containerID)
			return 0, true, nil
		}
		if ctx.Err() != nil {
			// Caller went away mid-execution; kill best-effort so the
			// deferred remove finds a stopped container.
			c.kill(containerID)
			return 0, false, ctx.Err()
		}
		return 0, false, fmt.Errorf("%w: waiting for container: %v", ErrEngineUnavailable, err)
	}
}

func (c *Controller) kill(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	if err := c.api.ContainerKill(killCtx, containerID, "KILL"); err != nil {
		c.logger.Warn("failed to kill container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

// collect reads both output streams up to the capture ceiling and the
// terminal state. It runs on a fresh context: output produced before a
// timeout cut must still be collected.
func (c *Controller) collect(containerID string) (RawOutcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	logs, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return RawOutcome{}, fmt.Errorf("%w: reading container logs: %v", ErrEngineUnavailable, err)
	}
	defer logs.Close()

	stdout := newCappedBuffer(c.cfg.Limits.MaxOutputBytes)
	stderr := newCappedBuffer(c.cfg.Limits.MaxOutputBytes)
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		return RawOutcome{}, fmt.Errorf("%w: demultiplexing container logs: %v", ErrEngineUnavailable, err)
	}

	outcome := RawOutcome{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}

	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return RawOutcome{}, fmt.Errorf("%w: inspecting container: %v", ErrEngineUnavailable, err)
	}
	if info.State != nil {
		outcome.OOMKilled = info.State.OOMKilled
	}

	return outcome, nil
}

// cappedBuffer accepts writes up to a ceiling and silently discards the
// rest, recording that truncation happened.
type cappedBuffer struct {
	buf       bytes.Buffer
	remaining int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{remaining: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > b.remaining {
		b.buf.Write(p[:b.remaining])
		b.remaining = 0
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	b.remaining -= int64(len(p))
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	return b.truncated
}
