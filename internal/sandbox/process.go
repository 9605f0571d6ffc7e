package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// pipeGrace bounds how long Wait keeps draining stdout/stderr after the
// process is gone, in case a stray descendant still holds the pipes.
const pipeGrace = 2 * time.Second

// inheritedVars are the only server environment variables a toolchain
// run sees. Everything else, including PLAYGROUND_* settings and values
// loaded from .env, stays with the server.
var inheritedVars = []string{"PATH", "HOME", "TMPDIR", "LANG"}

func inheritedEnv() []string {
	env := make([]string, 0, len(inheritedVars))
	for _, key := range inheritedVars {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// ProcessSandbox runs the toolchain as a local child process in its own
// process group. On timeout the whole group is killed.
type ProcessSandbox struct {
	logger *zerolog.Logger
}

func NewProcessSandbox(logger *zerolog.Logger) *ProcessSandbox {
	return &ProcessSandbox{logger: logger}
}

func (s *ProcessSandbox) Prepare(ctx context.Context) error {
	return nil
}

func (s *ProcessSandbox) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(inheritedEnv(), cfg.Env...)
	cmd.WaitDelay = pipeGrace
	setProcessGroup(cmd)

	stdout := newLimitedBuffer(cfg.MaxOutputBytes)
	stderr := newLimitedBuffer(cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command[0], err)
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		if err := killProcessGroup(cmd); err != nil {
			s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to kill process group")
		}
		<-done
		res := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			TimeMs:   time.Since(startTime).Milliseconds(),
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn().Int("pid", pid).Dur("timeout", cfg.Timeout).Msg("process killed after timeout")
			return res, fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
		}
		return res, fmt.Errorf("run cancelled: %w", ctx.Err())
	}

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		TimeMs: time.Since(startTime).Milliseconds(),
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		s.logger.Debug().Int("pid", pid).Msg("process exited but left its output pipes open")
		waitErr = nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ProcessError{
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
			}
		}
		return nil, fmt.Errorf("failed to wait for %s: %w", cfg.Command[0], waitErr)
	}

	return res, nil
}
