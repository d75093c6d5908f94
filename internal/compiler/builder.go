// Package compiler runs the real toolchain binary and captures its outcome.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/Norgate-AV/compcache/internal/codes"
)

// Commander interface for testing
type Commander interface {
	Run() error
}

// Command is one process to execute
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command for logs
func (c Command) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// WithArgs returns a copy of the command with different arguments
func (c Command) WithArgs(args []string) Command {
	c.Args = args
	return c
}

// Result is the captured outcome of a finished process
type Result struct {
	Status   codes.ExitStatus
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// LaunchError means the process never started (missing binary, permission denied).
// It is the only compiler failure surfaced to clients as a hard error.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitCode returns the shell's code for a command that could not be run
func (e *LaunchError) ExitCode() int {
	if errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, fs.ErrNotExist) {
		return codes.ExitNotFound
	}

	return codes.ExitLaunchFailure
}

// Stdio are the streams a process is attached to. A nil Stdin reads from
// the null device.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes commands with captured output
type Runner struct {
	execCommand func(ctx context.Context, cmd Command, stdio Stdio) Commander
}

// NewRunner creates a runner backed by os/exec
func NewRunner() *Runner {
	return &Runner{
		execCommand: func(ctx context.Context, c Command, stdio Stdio) Commander {
			cmd := exec.CommandContext(ctx, c.Path, c.Args...)
			cmd.Dir = c.Dir
			cmd.Env = c.Env
			cmd.Stdin = stdio.Stdin
			cmd.Stdout = stdio.Stdout
			cmd.Stderr = stdio.Stderr
			return cmd
		},
	}
}

// Run executes cmd and captures stdout, stderr and the exit status.
// A non-zero exit is a valid result, not an error; only launch failures return an error.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	var stdout, stderr bytes.Buffer

	start := time.Now()
	err := r.execCommand(ctx, cmd, Stdio{Stdout: &stdout, Stderr: &stderr}).Run()
	elapsed := time.Since(start)

	status, ok := codes.FromError(err)
	if !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, &LaunchError{Path: cmd.Path, Err: err}
	}

	return &Result{
		Status:   status,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: elapsed,
	}, nil
}

// Attach runs cmd connected to the given streams instead of capturing them.
// Used when the compiler must behave exactly as if invoked directly, for
// instance when it reads its source from stdin.
func (r *Runner) Attach(ctx context.Context, cmd Command, stdio Stdio) (codes.ExitStatus, error) {
	err := r.execCommand(ctx, cmd, stdio).Run()

	status, ok := codes.FromError(err)
	if !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return status, ctxErr
		}

		return status, &LaunchError{Path: cmd.Path, Err: err}
	}

	return status, nil
}

// Output runs cmd and returns stdout, failing on any non-zero exit.
// Used for helper invocations (version probes, preprocessing) whose failure
// means the compilation cannot be fingerprinted.
func (r *Runner) Output(ctx context.Context, cmd Command) ([]byte, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if !res.Status.IsSuccess() {
		return nil, fmt.Errorf("%s: %s: %s", cmd.Path, res.Status, firstLine(res.Stderr))
	}

	return res.Stdout, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
