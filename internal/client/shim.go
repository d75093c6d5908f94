package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/protocol"
)

// Shim stands in for the real compiler. Whatever path a request takes, the
// build tool sees the compiler's own streams and exit code.
type Shim struct {
	client *Client
	start  StartOptions
	stdio  compiler.Stdio
	runner *compiler.Runner
	logger *slog.Logger
}

// NewShim creates a shim that reaches the server through c, launching it
// with start when needed, and replays results on stdio
func NewShim(c *Client, start StartOptions, stdio compiler.Stdio) *Shim {
	return &Shim{
		client: c,
		start:  start,
		stdio:  stdio,
		runner: compiler.NewRunner(),
		logger: slog.Default().With("component", "shim"),
	}
}

// Run serves inv and returns the exit code to terminate with. An error means
// the compiler could not be launched at all.
func (s *Shim) Run(ctx context.Context, inv *invocation.Invocation) (int, error) {
	resp, err := s.client.Compile(ctx, inv)
	if errors.Is(err, ErrNotRunning) {
		if _, startErr := s.client.EnsureServer(ctx, s.start); startErr != nil {
			err = startErr
		} else {
			resp, err = s.client.Compile(ctx, inv)
		}
	}

	var serverErr *ServerError
	switch {
	case errors.As(err, &serverErr):
		return 0, serverErr

	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}

		s.logger.Warn("Cache server unavailable, compiling without cache", "err", err)
		return s.RunLocal(ctx, inv)
	}

	switch resp.Kind {
	case protocol.ResponseCompileFinished:
		return s.replay(resp.Compile)

	case protocol.ResponseUnhandled:
		s.logger.Debug("Not cacheable, running compiler directly", "reason", resp.Reason)
		return s.RunLocal(ctx, inv)

	default:
		s.logger.Warn("Unexpected response from cache server, compiling without cache", "kind", int(resp.Kind))
		return s.RunLocal(ctx, inv)
	}
}

// RunLocal runs the real compiler attached to the shim's own streams
func (s *Shim) RunLocal(ctx context.Context, inv *invocation.Invocation) (int, error) {
	status, err := s.runner.Attach(ctx, compiler.Command{
		Path: inv.Executable,
		Args: inv.Args,
		Dir:  inv.Cwd,
		Env:  inv.Env,
	}, s.stdio)
	if err != nil {
		return 0, err
	}

	return status.ShellCode(), nil
}

func (s *Shim) replay(res *protocol.CompileFinished) (int, error) {
	if s.stdio.Stdout != nil && len(res.Stdout) > 0 {
		if _, err := s.stdio.Stdout.Write(res.Stdout); err != nil {
			s.logger.Warn("Failed to write compiler stdout", "err", err)
		}
	}

	if s.stdio.Stderr != nil && len(res.Stderr) > 0 {
		if _, err := s.stdio.Stderr.Write(res.Stderr); err != nil {
			s.logger.Warn("Failed to write compiler stderr", "err", err)
		}
	}

	return res.Status.ShellCode(), nil
}
