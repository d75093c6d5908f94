package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Norgate-AV/compcache/internal/protocol"
)

const (
	// DefaultStartupTimeout bounds how long Start waits for a new server to answer
	DefaultStartupTimeout = 10 * time.Second

	pollInterval = 50 * time.Millisecond
)

// StartOptions describes how to launch a server process
type StartOptions struct {
	// Executable and Args run the server in the foreground, e.g. compcache server
	Executable string
	Args       []string
	Env        []string

	// LogFile receives anything the server writes to stdout or stderr
	LogFile string

	Timeout time.Duration
}

// EnsureServer returns the info of a running server, starting one if none answers
func (c *Client) EnsureServer(ctx context.Context, opts StartOptions) (*protocol.ServerInfo, error) {
	info, err := c.Stats(ctx)
	if err == nil {
		return info, nil
	}

	if !errors.Is(err, ErrNotRunning) {
		return nil, err
	}

	return c.Start(ctx, opts)
}

// Start launches a detached server and polls the socket until it answers.
// Losing a startup race to another client still succeeds.
func (c *Client) Start(ctx context.Context, opts StartOptions) (*protocol.ServerInfo, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	cmd := exec.Command(opts.Executable, opts.Args...)
	cmd.Env = opts.Env
	detach(cmd)

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open server log: %w", err)
		}
		defer f.Close()

		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if info, err := c.Stats(ctx); err == nil {
			return info, nil
		}

		select {
		case err := <-exited:
			if info, perr := c.Stats(ctx); perr == nil {
				return info, nil
			}
			return nil, fmt.Errorf("server exited during startup (%s)%s", exitDetail(err), logHint(opts.LogFile))

		case <-ctx.Done():
			return nil, fmt.Errorf("server did not answer within %s%s", timeout, logHint(opts.LogFile))

		case <-ticker.C:
		}
	}
}

func exitDetail(err error) string {
	if err == nil {
		return "exit status 0"
	}

	return err.Error()
}

func logHint(path string) string {
	if path == "" {
		return ""
	}

	return ", see " + path
}
