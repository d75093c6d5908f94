// Package client talks to the daemon on behalf of the shim and the operator
// commands, starting the daemon when it is not running.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/protocol"
)

const defaultDialTimeout = 2 * time.Second

// ErrNotRunning means no server answered on the socket
var ErrNotRunning = errors.New("server not running")

// ServerError is a hard failure reported by the server, such as a compiler
// that could not be launched
type ServerError struct {
	Message string

	// ExitCode is the code to exit with, zero if the server gave none
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client sends one request per connection to the server at a socket path
type Client struct {
	socket      string
	dialTimeout time.Duration
}

// Connect returns a client for the server listening on socket. No
// connection is made until a request is sent.
func Connect(socket string) *Client {
	return &Client{socket: socket, dialTimeout: defaultDialTimeout}
}

// Socket returns the socket path
func (c *Client) Socket() string {
	return c.socket
}

// Compile asks the server to serve inv. The response is either
// CompileFinished or Unhandled.
func (c *Client) Compile(ctx context.Context, inv *invocation.Invocation) (*protocol.Response, error) {
	return c.roundTrip(ctx, &protocol.Request{
		Kind: protocol.RequestCompile,
		Compile: &protocol.Compile{
			Executable: inv.Executable,
			Args:       inv.Args,
			Cwd:        inv.Cwd,
			Env:        inv.Env,
			Terminal:   inv.Terminal,
		},
	})
}

// Stats fetches the server's info and counters
func (c *Client) Stats(ctx context.Context) (*protocol.ServerInfo, error) {
	return c.info(ctx, protocol.RequestGetStats)
}

// ZeroStats resets the server's counters
func (c *Client) ZeroStats(ctx context.Context) (*protocol.ServerInfo, error) {
	return c.info(ctx, protocol.RequestZeroStats)
}

// Shutdown asks the server to exit once in-progress requests finish. The
// returned info is the server's final snapshot.
func (c *Client) Shutdown(ctx context.Context) (*protocol.ServerInfo, error) {
	return c.info(ctx, protocol.RequestShutdown)
}

func (c *Client) info(ctx context.Context, kind protocol.RequestKind) (*protocol.ServerInfo, error) {
	resp, err := c.roundTrip(ctx, &protocol.Request{Kind: kind})
	if err != nil {
		return nil, err
	}

	if resp.Info == nil {
		return nil, fmt.Errorf("%w: %s response without server info", protocol.ErrProtocol, kind)
	}

	return resp.Info, nil
}

func (c *Client) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}

	conn, err := dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Unblock the read if the caller gives up
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, err
	}

	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to read %s response: %w", req.Kind, err)
	}

	if resp.Kind == protocol.ResponseError {
		return nil, &ServerError{Message: resp.Error, ExitCode: resp.ExitCode}
	}

	return resp, nil
}
