package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/playground/internal/metrics"
	"github.com/itstheanurag/playground/internal/sandbox"
	"github.com/itstheanurag/playground/internal/toolchain"
	"github.com/itstheanurag/playground/internal/workspace"
	"github.com/rs/zerolog"
)

// FailureKind classifies why a session did not succeed.
type FailureKind string

const (
	KindValidation FailureKind = "validation"
	KindResource   FailureKind = "resource"
	KindTimeout    FailureKind = "timeout"
	KindToolchain  FailureKind = "toolchain"
)

var projectNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type ExecutionResult struct {
	Success    bool        `json:"success"`
	Output     string      `json:"output"`
	Errors     string      `json:"errors"`
	SessionID  string      `json:"sessionId"`
	Error      string      `json:"error,omitempty"`
	Kind       FailureKind `json:"kind,omitempty"`
	ExitCode   int         `json:"exitCode"`
	DurationMs int64       `json:"durationMs"`
}

// GenerateResult is an ExecutionResult plus the project tree the
// toolchain generator produced.
type GenerateResult struct {
	ExecutionResult
	Name  string            `json:"name"`
	Files workspace.FileSet `json:"files,omitempty"`
}

type Options struct {
	MaxOutputBytes int
	// Env is appended to the server environment for every toolchain run.
	Env []string
	// NewID generates session ids; defaults to random UUIDs.
	NewID func() string
}

// Executor runs one toolchain operation per call in a private workspace
// and always removes that workspace before returning.
type Executor struct {
	registry   *toolchain.Registry
	workspaces *workspace.Manager
	sandbox    sandbox.Sandbox
	opts       Options
	logger     *zerolog.Logger
}

func NewExecutor(registry *toolchain.Registry, ws *workspace.Manager, sb sandbox.Sandbox, opts Options, logger *zerolog.Logger) *Executor {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Executor{
		registry:   registry,
		workspaces: ws,
		sandbox:    sb,
		opts:       opts,
		logger:     logger,
	}
}

// Execute runs op against files. The only error it returns is a
// validation error (wrapping workspace.ErrValidation) or an unknown
// operation; in both cases nothing was created on disk. Every other
// outcome is reported through the result.
func (e *Executor) Execute(ctx context.Context, op toolchain.Operation, files workspace.FileSet) (*ExecutionResult, error) {
	cmd, err := e.registry.Get(op)
	if err != nil {
		return nil, err
	}

	if err := e.workspaces.ValidateFiles(files); err != nil {
		metrics.SessionsTotal.WithLabelValues(string(op), string(KindValidation)).Inc()
		return nil, err
	}

	startTime := time.Now()
	sess := newSession(e.opts.NewID(), op, e.logger)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	result := e.execute(ctx, sess, cmd, files)

	result.DurationMs = time.Since(startTime).Milliseconds()
	e.record(op, result)
	return result, nil
}

func (e *Executor) execute(ctx context.Context, sess *Session, cmd toolchain.Command, files workspace.FileSet) *ExecutionResult {
	prepareStart := time.Now()

	dir, err := e.workspaces.Create(sess.ID)
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to create workspace")
		sess.transition(StateCleaned)
		return failure(sess, KindResource, "failed to prepare workspace", nil)
	}
	sess.Dir = dir
	defer e.cleanup(sess)

	if err := e.workspaces.WriteFiles(dir, files); err != nil {
		sess.logger.Error().Err(err).Msg("failed to write workspace files")
		return failure(sess, KindResource, "failed to prepare workspace", nil)
	}
	sess.transition(StatePopulated)
	metrics.SessionDuration.WithLabelValues(string(sess.Operation), "prepare").Observe(float64(time.Since(prepareStart).Milliseconds()))

	return e.run(ctx, sess, cmd.Argv(), cmd.Timeout)
}

// run invokes the toolchain once. Client disconnects do not cancel it;
// only the timeout does.
func (e *Executor) run(ctx context.Context, sess *Session, argv []string, timeout time.Duration) *ExecutionResult {
	sess.transition(StateExecuting)
	sess.logger.Info().Strs("argv", argv).Dur("timeout", timeout).Msg("running toolchain")

	res, err := e.sandbox.Run(context.WithoutCancel(ctx), sandbox.RunConfig{
		Command:        argv,
		Dir:            sess.Dir,
		Env:            e.opts.Env,
		Timeout:        timeout,
		MaxOutputBytes: e.opts.MaxOutputBytes,
	})
	sess.transition(StateCompleted)
	if res != nil {
		metrics.SessionDuration.WithLabelValues(string(sess.Operation), "run").Observe(float64(res.TimeMs))
	}

	var procErr *sandbox.ProcessError
	switch {
	case err == nil:
		return &ExecutionResult{
			Success:   true,
			Output:    res.Stdout,
			Errors:    res.Stderr,
			SessionID: sess.ID,
		}
	case errors.Is(err, sandbox.ErrTimeout):
		sess.logger.Warn().Dur("timeout", timeout).Msg("toolchain timed out")
		return failure(sess, KindTimeout, fmt.Sprintf("%s timed out after %s", sess.Operation, timeout), res)
	case errors.As(err, &procErr):
		sess.logger.Info().Int("exit_code", procErr.ExitCode).Msg("toolchain reported failure")
		r := failure(sess, KindToolchain, fmt.Sprintf("%s failed with exit code %d", sess.Operation, procErr.ExitCode), res)
		r.Output, r.Errors, r.ExitCode = procErr.Stdout, procErr.Stderr, procErr.ExitCode
		return r
	default:
		sess.logger.Error().Err(err).Msg("failed to run toolchain")
		return failure(sess, KindResource, "failed to run toolchain", res)
	}
}

// Generate runs the toolchain project generator for name in a private
// workspace and returns the generated files.
func (e *Executor) Generate(ctx context.Context, name string) (*GenerateResult, error) {
	if !projectNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: project name must match %s", workspace.ErrValidation, projectNamePattern)
	}
	cmd, err := e.registry.Get(toolchain.OpNew)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	sess := newSession(e.opts.NewID(), toolchain.OpNew, e.logger)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	out := &GenerateResult{Name: name}
	out.ExecutionResult = *e.generate(ctx, sess, cmd, name, out)
	out.DurationMs = time.Since(startTime).Milliseconds()
	e.record(toolchain.OpNew, &out.ExecutionResult)
	return out, nil
}

func (e *Executor) generate(ctx context.Context, sess *Session, cmd toolchain.Command, name string, out *GenerateResult) *ExecutionResult {
	dir, err := e.workspaces.Create(sess.ID)
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to create workspace")
		sess.transition(StateCleaned)
		return failure(sess, KindResource, "failed to prepare workspace", nil)
	}
	sess.Dir = dir
	defer e.cleanup(sess)
	sess.transition(StatePopulated)

	result := e.run(ctx, sess, cmd.Argv(name), cmd.Timeout)
	if !result.Success {
		return result
	}

	files, err := e.workspaces.ReadFiles(filepath.Join(dir, name))
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to read generated project")
		return failure(sess, KindResource, "failed to read generated project", nil)
	}
	out.Files = files
	return result
}

func (e *Executor) cleanup(sess *Session) {
	e.workspaces.Destroy(sess.Dir)
	sess.transition(StateCleaned)
}

func (e *Executor) record(op toolchain.Operation, r *ExecutionResult) {
	status := "success"
	if !r.Success {
		status = string(r.Kind)
	}
	metrics.SessionsTotal.WithLabelValues(string(op), status).Inc()
	metrics.SessionDuration.WithLabelValues(string(op), "total").Observe(float64(r.DurationMs))
}

func failure(sess *Session, kind FailureKind, msg string, res *sandbox.Result) *ExecutionResult {
	r := &ExecutionResult{
		Success:   false,
		SessionID: sess.ID,
		Error:     msg,
		Kind:      kind,
	}
	if res != nil {
		r.Output = res.Stdout
		r.Errors = res.Stderr
		r.ExitCode = res.ExitCode
	}
	return r
}
