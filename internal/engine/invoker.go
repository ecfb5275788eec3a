// Package engine runs external analysis engines as subprocesses and turns
// their output into structured results.
package engine

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"go.uber.org/zap"
)

const (
	opInvoke = "engine.Invoke"

	// stderrTail bounds how much stderr is carried in an execution error.
	stderrTail = 2048
	// waitDelay is how long pipes may stay open after the process is killed.
	waitDelay = 2 * time.Second
)

// Invocation describes one engine run. Path must already be validated.
type Invocation struct {
	Engine string
	Path   string
	Args   []string
	Prompt string
	// Timeout bounds the run. Zero means no limit.
	Timeout time.Duration
	// Env entries are appended to the parent environment.
	Env []string
	Dir string
}

// Invoker runs an engine and returns its raw stdout.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (string, error)
}

// ProcessInvoker executes engines with os/exec, writing the prompt to stdin.
type ProcessInvoker struct {
	logger *zap.Logger
}

// NewProcessInvoker creates a ProcessInvoker.
func NewProcessInvoker(logger *zap.Logger) *ProcessInvoker {
	return &ProcessInvoker{logger: logger.Named("invoker")}
}

// Invoke runs the engine. On timeout the process is killed and a retryable
// Timeout error returned; a non-zero exit yields a CLIExecution error carrying
// the tail of stderr.
func (p *ProcessInvoker) Invoke(ctx context.Context, inv Invocation) (string, error) {
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Path, inv.Args...)
	cmd.Stdin = strings.NewReader(inv.Prompt)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	p.logger.Debug("Starting engine", zap.String("engine", inv.Engine), zap.String("path", inv.Path), zap.Strings("args", inv.Args))
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		p.logger.Debug("Engine finished", zap.String("engine", inv.Engine), zap.Duration("duration", duration), zap.Int("stdout_bytes", stdout.Len()))
		return stdout.String(), nil
	}

	// The caller's own cancellation is not an engine failure.
	if ctx.Err() != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, opInvoke, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", apperrors.Timeout(opInvoke, runCtx.Err(), "%s did not finish within %s", inv.Engine, inv.Timeout).
			WithDetail("engine", inv.Engine).
			WithDetail("timeout_ms", inv.Timeout.Milliseconds())
	}

	e := apperrors.CLIExecution(opInvoke, err, "%s failed", inv.Engine).
		WithDetail("engine", inv.Engine).
		WithDetail("stderr", tail(stderr.String(), stderrTail))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.WithDetail("exit_code", exitErr.ExitCode())
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		// A missing or non-executable binary is never retried.
		e.Fatal = true
	}
	p.logger.Warn("Engine run failed",
		zap.String("engine", inv.Engine),
		zap.Duration("duration", duration),
		zap.Error(err))
	return "", e
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
