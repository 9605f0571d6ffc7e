package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the command did not exit within its
// timeout and was killed.
var ErrTimeout = errors.New("process timed out")

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimeMs   int64
}

// ProcessError reports a command that ran to completion with a non-zero
// exit status. It carries everything the command printed.
type ProcessError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process exited with status %d", e.ExitCode)
}

// Sandbox runs one toolchain command against a prepared workspace.
//
// Run returns a Result alongside ErrTimeout (output captured before the
// kill) and alongside *ProcessError. Any other error means the command
// could not be run at all and the Result is nil.
type Sandbox interface {
	Run(ctx context.Context, config RunConfig) (*Result, error)
	Prepare(ctx context.Context) error
}

type RunConfig struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr. Zero means unlimited.
	MaxOutputBytes int
}

func (c RunConfig) validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return errors.New("empty command")
	}
	if c.Dir == "" {
		return errors.New("empty working directory")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

const truncatedMarker = "\n... output truncated ...\n"

// limitedBuffer keeps at most max bytes and silently drops the rest, so a
// chatty command cannot exhaust memory. Writes always report success to
// keep the child from seeing EPIPE.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
