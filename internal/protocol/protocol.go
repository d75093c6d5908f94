// Package protocol defines the messages exchanged between the client shim and
// the daemon, and their framing on a local stream socket.
//
// Each message is a 4-byte big-endian length followed by that many bytes of
// protowire-encoded fields. A connection carries one request and one response.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Norgate-AV/compcache/internal/codes"
	"github.com/Norgate-AV/compcache/internal/stats"
)

// MaxFrameSize bounds a single message
const MaxFrameSize = 64 << 20

// ErrProtocol marks a malformed message. It is scoped to one connection.
var ErrProtocol = errors.New("protocol error")

// RequestKind selects the daemon operation
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestCompile
	RequestGetStats
	RequestShutdown
	RequestZeroStats
)

func (k RequestKind) String() string {
	switch k {
	case RequestCompile:
		return "compile"
	case RequestGetStats:
		return "get-stats"
	case RequestShutdown:
		return "shutdown"
	case RequestZeroStats:
		return "zero-stats"
	default:
		return "unknown"
	}
}

// ResponseKind identifies the response payload
type ResponseKind int

const (
	ResponseUnknown ResponseKind = iota
	ResponseCompileFinished
	ResponseUnhandled
	ResponseStats
	ResponseShutdownAck
	ResponseError
)

// Outcome classifies how a compile request was served
type Outcome int

const (
	OutcomeMiss Outcome = iota
	OutcomeHit
	OutcomeShared
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeShared:
		return "shared"
	default:
		return "miss"
	}
}

// Compile carries an invocation to the daemon
type Compile struct {
	Executable string
	Args       []string
	Cwd        string
	Env        []string
	Terminal   bool
}

// Request is a client to daemon message
type Request struct {
	Kind    RequestKind
	Compile *Compile
}

// CompileFinished carries the outcome of a cacheable compile
type CompileFinished struct {
	Status  codes.ExitStatus
	Stdout  []byte
	Stderr  []byte
	Outcome Outcome
}

// ServerInfo is a read-only snapshot of the daemon
type ServerInfo struct {
	ID        string
	Version   string
	PID       int
	StartedAt time.Time
	Uptime    time.Duration

	CacheLocation string
	CacheSize     int64
	MaxCacheSize  int64

	InFlight int64
	Stats    stats.Snapshot
}

// Response is a daemon to client message
type Response struct {
	Kind ResponseKind

	Compile *CompileFinished

	// Reason explains an Unhandled response
	Reason string

	// Info accompanies Stats and ShutdownAck
	Info *ServerInfo

	// Error describes a hard failure (compiler launch failure, internal error)
	Error string

	// ExitCode is the code the shim exits with for an Error, zero if unspecified
	ExitCode int
}

// WriteRequest encodes and frames req
func WriteRequest(w io.Writer, req *Request) error {
	return writeFrame(w, encodeRequest(req))
}

// ReadRequest reads one framed request
func ReadRequest(r io.Reader) (*Request, error) {
	b, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	return decodeRequest(b)
}

// WriteResponse encodes and frames resp
func WriteResponse(w io.Writer, resp *Response) error {
	return writeFrame(w, encodeResponse(resp))
}

// ReadResponse reads one framed response
func ReadResponse(r io.Reader) (*Response, error) {
	b, err := readFrame(r)
	if err != nil {
		return nil, err
	}

	return decodeResponse(b)
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: message of %d bytes exceeds limit", ErrProtocol, len(payload))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrProtocol)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds limit", ErrProtocol, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated message: %v", ErrProtocol, err)
	}

	return payload, nil
}
