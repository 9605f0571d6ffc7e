package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/itstheanurag/playground/internal/metrics"
	"github.com/rs/zerolog"
)

const containerWorkdir = "/workspace"

type DockerOptions struct {
	Image    string
	MemoryMB int
	// Network leaves container networking enabled; toolchains that fetch
	// package dependencies need it.
	Network bool
}

// containerSetupTimeout bounds creating and starting a container. The run
// timeout only starts once the container is running.
const containerSetupTimeout = 30 * time.Second

// DockerSandbox runs the toolchain inside a throwaway container with the
// session workspace bind-mounted at /workspace.
type DockerSandbox struct {
	cli    client.APIClient
	opts   DockerOptions
	logger *zerolog.Logger
}

func NewDockerSandbox(opts DockerOptions, logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newDockerSandbox(cli, opts, logger), nil
}

func newDockerSandbox(cli client.APIClient, opts DockerOptions, logger *zerolog.Logger) *DockerSandbox {
	return &DockerSandbox{cli: cli, opts: opts, logger: logger}
}

func (s *DockerSandbox) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, containerSetupTimeout)
	defer setupCancel()

	// Security: Limit PID count to prevent fork bombs
	pidsLimit := int64(128)
	memory := int64(s.opts.MemoryMB) * 1024 * 1024

	networkMode := container.NetworkMode("none")
	if s.opts.Network {
		networkMode = "bridge"
	}

	createStart := time.Now()
	resp, err := s.cli.ContainerCreate(setupCtx, &container.Config{
		Image:           s.opts.Image,
		Cmd:             cfg.Command,
		Env:             cfg.Env,
		Tty:             false,
		NetworkDisabled: !s.opts.Network,
		WorkingDir:      containerWorkdir,
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}, &container.HostConfig{
		Binds: []string{cfg.Dir + ":" + containerWorkdir},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // No swap allowed
			CPUQuota:   100000, // 1 CPU
			PidsLimit:  &pidsLimit,
		},
		NetworkMode: networkMode,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m,mode=1777",
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err := s.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn().Err(err).Str("container", resp.ID).Msg("failed to remove container")
		}
	}()

	if err := s.cli.ContainerStart(setupCtx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(createStart).Milliseconds()))

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	startTime := time.Now()
	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	timedOut := false
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case err := <-errCh:
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to wait for container: %w", err)
		}
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}

	if timedOut {
		// The deferred forced removal kills the container; stop it first so
		// the logs below are final.
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.cli.ContainerKill(killCtx, resp.ID, "KILL"); err != nil {
			s.logger.Warn().Err(err).Str("container", resp.ID).Msg("failed to kill container")
		}
		killCancel()
	}

	res, err := s.collectLogs(resp.ID, cfg.MaxOutputBytes)
	if err != nil {
		return nil, err
	}
	res.TimeMs = time.Since(startTime).Milliseconds()

	if timedOut {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
	}

	res.ExitCode = int(exitCode)
	if res.ExitCode != 0 {
		return res, &ProcessError{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}

func (s *DockerSandbox) collectLogs(id string, maxBytes int) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reader, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer reader.Close()

	stdout := newLimitedBuffer(maxBytes)
	stderr := newLimitedBuffer(maxBytes)
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		return nil, fmt.Errorf("failed to capture container logs: %w", err)
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Prepare pulls the toolchain image unless it is already present. Pull
// failures are reported inside the progress stream, so the stream is
// decoded rather than discarded.
func (s *DockerSandbox) Prepare(ctx context.Context) error {
	if _, _, err := s.cli.ImageInspectWithRaw(ctx, s.opts.Image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", s.opts.Image, err)
	}

	s.logger.Info().Str("image", s.opts.Image).Msg("pulling toolchain image")
	reader, err := s.cli.ImagePull(ctx, s.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.opts.Image, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.opts.Image, err)
	}

	s.logger.Info().Str("image", s.opts.Image).Msg("toolchain image ready")
	return nil
}
