// Package server is the long-lived daemon. It owns the process-wide state
// (stats, in-flight compiles, storage, idle timer) and serves protocol
// requests from client shims over a local stream socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/dispatch"
	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/protocol"
	"github.com/Norgate-AV/compcache/internal/stats"
	"github.com/Norgate-AV/compcache/internal/storage"
)

// requestReadTimeout bounds how long a connection may take to send its request
const requestReadTimeout = 30 * time.Second

// Compiler serves compile requests
type Compiler interface {
	Compile(ctx context.Context, inv *invocation.Invocation) (*dispatch.Result, error)
	InFlight() int64
}

// Options configures a Server
type Options struct {
	// IdleTimeout shuts the server down after this long without requests.
	// Zero disables auto-shutdown.
	IdleTimeout time.Duration

	// Version is reported in ServerInfo
	Version string
}

// Server serves one listener until shut down
type Server struct {
	id        string
	version   string
	startedAt time.Time

	compiler Compiler
	store    *storage.Store
	stats    *stats.Stats

	idleTimeout time.Duration
	active      atomic.Int64
	activity    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup

	logger *slog.Logger
}

// New creates a server. store is used only to describe the cache in ServerInfo.
func New(c Compiler, store *storage.Store, st *stats.Stats, opts Options) *Server {
	return &Server{
		id:          uuid.NewString(),
		version:     opts.Version,
		startedAt:   time.Now(),
		compiler:    c,
		store:       store,
		stats:       st,
		idleTimeout: opts.IdleTimeout,
		activity:    make(chan struct{}, 1),
		stop:        make(chan struct{}),
		logger:      slog.Default().With("component", "server"),
	}
}

// ID identifies this server process
func (s *Server) ID() string {
	return s.id
}

// Shutdown asks Serve to stop accepting and return once open connections finish.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Serve accepts connections on ln until ctx is done, a shutdown request
// arrives, or the idle timeout elapses. Requests already being handled run to
// completion before Serve returns. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var acceptErr error
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		acceptErr = s.acceptLoop(ctx, ln)
	}()

	var (
		timer *time.Timer
		idle  <-chan time.Time
	)
	if s.idleTimeout > 0 {
		timer = time.NewTimer(s.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	s.logger.Info("Server started", "id", s.id, "addr", ln.Addr().String(), "idle_timeout", s.idleTimeout.String())

	s.wait(ctx, acceptDone, idle, timer)

	_ = ln.Close()
	<-acceptDone
	s.conns.Wait()

	if acceptErr != nil {
		return fmt.Errorf("failed to accept connection: %w", acceptErr)
	}

	s.logger.Info("Server stopped", "uptime", time.Since(s.startedAt).Round(time.Second).String())
	return nil
}

// wait blocks until something asks the server to stop
func (s *Server) wait(ctx context.Context, acceptDone <-chan struct{}, idle <-chan time.Time, timer *time.Timer) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Server stopping", "reason", "context done")
			return

		case <-s.stop:
			s.logger.Info("Server stopping", "reason", "shutdown requested")
			return

		case <-acceptDone:
			return

		case <-s.activity:
			if timer != nil {
				timer.Reset(s.idleTimeout)
			}

		case <-idle:
			if s.active.Load()+s.compiler.InFlight() > 0 {
				timer.Reset(s.idleTimeout)
				continue
			}
			s.logger.Info("Server stopping", "reason", "idle timeout")
			return
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.conns.Add(1)
		s.active.Add(1)
		s.touch()

		go func() {
			defer s.conns.Done()
			defer func() {
				s.active.Add(-1)
				s.touch()
			}()

			s.handleConn(ctx, conn)
		}()
	}
}

// touch resets the idle timer
func (s *Server) touch() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// handleConn serves one request. Protocol errors end this connection only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}

		s.logger.Warn("Dropping connection", "err", err)
		if errors.Is(err, protocol.ErrProtocol) {
			_ = protocol.WriteResponse(conn, &protocol.Response{Kind: protocol.ResponseError, Error: err.Error()})
		}
		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	resp := s.handle(ctx, req)

	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.logger.Warn("Failed to write response", "request", req.Kind.String(), "err", err)
	}

	if req.Kind == protocol.RequestShutdown {
		s.Shutdown()
	}
}

func (s *Server) handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Kind {
	case protocol.RequestCompile:
		return s.handleCompile(ctx, req.Compile)

	case protocol.RequestGetStats:
		return &protocol.Response{Kind: protocol.ResponseStats, Info: s.Info()}

	case protocol.RequestZeroStats:
		s.stats.Reset()
		s.logger.Info("Statistics zeroed")
		return &protocol.Response{Kind: protocol.ResponseStats, Info: s.Info()}

	case protocol.RequestShutdown:
		return &protocol.Response{Kind: protocol.ResponseShutdownAck, Info: s.Info()}

	default:
		return &protocol.Response{Kind: protocol.ResponseError, Error: "unsupported request " + req.Kind.String()}
	}
}

func (s *Server) handleCompile(ctx context.Context, c *protocol.Compile) *protocol.Response {
	inv := invocation.New(c.Executable, c.Args, c.Cwd, c.Env)
	inv.Terminal = c.Terminal

	res, err := s.compiler.Compile(ctx, inv)
	if err != nil {
		s.logger.Warn("Compile request failed", "compiler", c.Executable, "err", err)

		resp := &protocol.Response{Kind: protocol.ResponseError, Error: err.Error()}
		var launch *compiler.LaunchError
		if errors.As(err, &launch) {
			resp.ExitCode = launch.ExitCode()
		}
		return resp
	}

	if res.Outcome == dispatch.OutcomePassThrough {
		return &protocol.Response{Kind: protocol.ResponseUnhandled, Reason: res.Reason}
	}

	return &protocol.Response{
		Kind: protocol.ResponseCompileFinished,
		Compile: &protocol.CompileFinished{
			Status:  res.Status,
			Stdout:  res.Stdout,
			Stderr:  res.Stderr,
			Outcome: outcome(res.Outcome),
		},
	}
}

func outcome(o dispatch.Outcome) protocol.Outcome {
	switch o {
	case dispatch.OutcomeHit:
		return protocol.OutcomeHit
	case dispatch.OutcomeShared:
		return protocol.OutcomeShared
	default:
		return protocol.OutcomeMiss
	}
}

// Info snapshots the server
func (s *Server) Info() *protocol.ServerInfo {
	info := &protocol.ServerInfo{
		ID:        s.id,
		Version:   s.version,
		PID:       os.Getpid(),
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt),
		InFlight:  s.compiler.InFlight(),
		Stats:     s.stats.Snapshot(),
	}

	if s.store != nil {
		backend := s.store.Backend()
		info.CacheLocation = backend.Location()

		if sizer, ok := backend.(storage.Sizer); ok {
			info.CacheSize = sizer.CurrentSize()
			info.MaxCacheSize = sizer.MaxSize()
		}
	}

	return info
}
