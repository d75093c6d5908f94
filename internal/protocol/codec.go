package protocol

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Norgate-AV/compcache/internal/stats"
	"github.com/Norgate-AV/compcache/internal/wire"
)

// Request fields
const (
	reqKind    protowire.Number = 1
	reqCompile protowire.Number = 2

	compileExecutable protowire.Number = 1
	compileArg        protowire.Number = 2
	compileCwd        protowire.Number = 3
	compileEnv        protowire.Number = 4
	compileTerminal   protowire.Number = 5
)

// Response fields
const (
	respKind    protowire.Number = 1
	respCompile protowire.Number = 2
	respReason  protowire.Number = 3
	respInfo    protowire.Number = 4
	respError   protowire.Number = 5
	respExit    protowire.Number = 6

	finishedCode    protowire.Number = 1
	finishedSignal  protowire.Number = 2
	finishedStdout  protowire.Number = 3
	finishedStderr  protowire.Number = 4
	finishedOutcome protowire.Number = 5
)

// ServerInfo fields
const (
	infoID            protowire.Number = 1
	infoVersion       protowire.Number = 2
	infoPID           protowire.Number = 3
	infoStartedAt     protowire.Number = 4
	infoUptime        protowire.Number = 5
	infoCacheLocation protowire.Number = 6
	infoCacheSize     protowire.Number = 7
	infoMaxCacheSize  protowire.Number = 8
	infoInFlight      protowire.Number = 9
	infoStats         protowire.Number = 10
)

// stats.Snapshot fields
const (
	snapRequests         protowire.Number = 1
	snapExecuted         protowire.Number = 2
	snapDedupWaits       protowire.Number = 3
	snapCacheWrites      protowire.Number = 4
	snapCacheWriteErrors protowire.Number = 5
	snapCacheReadErrors  protowire.Number = 6
	snapCollisions       protowire.Number = 7
	snapHitTime          protowire.Number = 8
	snapMissTime         protowire.Number = 9
	snapLanguage         protowire.Number = 10
	snapReason           protowire.Number = 11

	langName         protowire.Number = 1
	langHits         protowire.Number = 2
	langMisses       protowire.Number = 3
	langErrors       protowire.Number = 4
	langNotCacheable protowire.Number = 5
	langFailures     protowire.Number = 6
	langForced       protowire.Number = 7

	reasonName  protowire.Number = 1
	reasonCount protowire.Number = 2
)

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

func encodeRequest(req *Request) []byte {
	var enc wire.Encoder
	enc.Uint(reqKind, uint64(req.Kind))

	if c := req.Compile; c != nil {
		enc.Message(reqCompile, func(e *wire.Encoder) {
			e.String(compileExecutable, c.Executable)
			e.Strings(compileArg, c.Args)
			e.String(compileCwd, c.Cwd)
			e.Strings(compileEnv, c.Env)
			e.Bool(compileTerminal, c.Terminal)
		})
	}

	return enc.Data()
}

func decodeRequest(b []byte) (*Request, error) {
	req := &Request{}

	err := wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case reqKind:
			req.Kind = RequestKind(f.Uint())
		case reqCompile:
			c := &Compile{}
			err := wire.Walk(f.Raw(), func(num protowire.Number, f wire.Field) error {
				switch num {
				case compileExecutable:
					c.Executable = f.String()
				case compileArg:
					c.Args = append(c.Args, f.String())
				case compileCwd:
					c.Cwd = f.String()
				case compileEnv:
					c.Env = append(c.Env, f.String())
				case compileTerminal:
					c.Terminal = f.Bool()
				}
				return nil
			})
			if err != nil {
				return err
			}
			req.Compile = c
		}
		return nil
	})
	if err != nil {
		return nil, malformed(err)
	}

	switch req.Kind {
	case RequestCompile:
		if req.Compile == nil || req.Compile.Executable == "" {
			return nil, fmt.Errorf("%w: compile request without an executable", ErrProtocol)
		}
	case RequestGetStats, RequestShutdown, RequestZeroStats:
	default:
		return nil, fmt.Errorf("%w: unknown request kind %d", ErrProtocol, req.Kind)
	}

	return req, nil
}

func encodeResponse(resp *Response) []byte {
	var enc wire.Encoder
	enc.Uint(respKind, uint64(resp.Kind))

	if c := resp.Compile; c != nil {
		enc.Message(respCompile, func(e *wire.Encoder) {
			e.Int(finishedCode, int64(c.Status.Code))
			e.Int(finishedSignal, int64(c.Status.Signal))
			e.Bytes(finishedStdout, c.Stdout)
			e.Bytes(finishedStderr, c.Stderr)
			e.Uint(finishedOutcome, uint64(c.Outcome))
		})
	}

	enc.String(respReason, resp.Reason)

	if resp.Info != nil {
		enc.Message(respInfo, func(e *wire.Encoder) {
			encodeInfo(e, resp.Info)
		})
	}

	enc.String(respError, resp.Error)
	enc.Int(respExit, int64(resp.ExitCode))

	return enc.Data()
}

func decodeResponse(b []byte) (*Response, error) {
	resp := &Response{}

	err := wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case respKind:
			resp.Kind = ResponseKind(f.Uint())
		case respCompile:
			c := &CompileFinished{}
			err := wire.Walk(f.Raw(), func(num protowire.Number, f wire.Field) error {
				switch num {
				case finishedCode:
					c.Status.Code = int(f.Int())
				case finishedSignal:
					c.Status.Signal = int(f.Int())
				case finishedStdout:
					c.Stdout = f.Bytes()
				case finishedStderr:
					c.Stderr = f.Bytes()
				case finishedOutcome:
					c.Outcome = Outcome(f.Uint())
				}
				return nil
			})
			if err != nil {
				return err
			}
			resp.Compile = c
		case respReason:
			resp.Reason = f.String()
		case respInfo:
			info, err := decodeInfo(f.Raw())
			if err != nil {
				return err
			}
			resp.Info = info
		case respError:
			resp.Error = f.String()
		case respExit:
			resp.ExitCode = int(f.Int())
		}
		return nil
	})
	if err != nil {
		return nil, malformed(err)
	}

	switch resp.Kind {
	case ResponseCompileFinished:
		if resp.Compile == nil {
			resp.Compile = &CompileFinished{}
		}
	case ResponseUnhandled, ResponseStats, ResponseShutdownAck, ResponseError:
	default:
		return nil, fmt.Errorf("%w: unknown response kind %d", ErrProtocol, resp.Kind)
	}

	return resp, nil
}

func encodeInfo(e *wire.Encoder, info *ServerInfo) {
	e.String(infoID, info.ID)
	e.String(infoVersion, info.Version)
	e.Int(infoPID, int64(info.PID))
	if !info.StartedAt.IsZero() {
		e.Int(infoStartedAt, info.StartedAt.UnixNano())
	}
	e.Int(infoUptime, int64(info.Uptime))
	e.String(infoCacheLocation, info.CacheLocation)
	e.Int(infoCacheSize, info.CacheSize)
	e.Int(infoMaxCacheSize, info.MaxCacheSize)
	e.Int(infoInFlight, info.InFlight)

	s := info.Stats
	e.Message(infoStats, func(e *wire.Encoder) {
		e.Int(snapRequests, s.Requests)
		e.Int(snapExecuted, s.Executed)
		e.Int(snapDedupWaits, s.DedupWaits)
		e.Int(snapCacheWrites, s.CacheWrites)
		e.Int(snapCacheWriteErrors, s.CacheWriteErrors)
		e.Int(snapCacheReadErrors, s.CacheReadErrors)
		e.Int(snapCollisions, s.Collisions)
		e.Int(snapHitTime, int64(s.HitTime))
		e.Int(snapMissTime, int64(s.MissTime))

		for name, c := range s.Languages {
			e.Message(snapLanguage, func(e *wire.Encoder) {
				e.String(langName, name)
				e.Int(langHits, c.Hits)
				e.Int(langMisses, c.Misses)
				e.Int(langErrors, c.Errors)
				e.Int(langNotCacheable, c.NotCacheable)
				e.Int(langFailures, c.CompileFailures)
				e.Int(langForced, c.ForcedRecompiles)
			})
		}

		for reason, n := range s.NotCacheableReasons {
			e.Message(snapReason, func(e *wire.Encoder) {
				e.String(reasonName, reason)
				e.Int(reasonCount, n)
			})
		}
	})
}

func decodeInfo(b []byte) (*ServerInfo, error) {
	info := &ServerInfo{
		Stats: stats.Snapshot{
			Languages:           map[string]stats.LanguageCounts{},
			NotCacheableReasons: map[string]int64{},
		},
	}

	err := wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case infoID:
			info.ID = f.String()
		case infoVersion:
			info.Version = f.String()
		case infoPID:
			info.PID = int(f.Int())
		case infoStartedAt:
			info.StartedAt = time.Unix(0, f.Int())
		case infoUptime:
			info.Uptime = time.Duration(f.Int())
		case infoCacheLocation:
			info.CacheLocation = f.String()
		case infoCacheSize:
			info.CacheSize = f.Int()
		case infoMaxCacheSize:
			info.MaxCacheSize = f.Int()
		case infoInFlight:
			info.InFlight = f.Int()
		case infoStats:
			return decodeSnapshot(f.Raw(), &info.Stats)
		}
		return nil
	})

	return info, err
}

func decodeSnapshot(b []byte, s *stats.Snapshot) error {
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case snapRequests:
			s.Requests = f.Int()
		case snapExecuted:
			s.Executed = f.Int()
		case snapDedupWaits:
			s.DedupWaits = f.Int()
		case snapCacheWrites:
			s.CacheWrites = f.Int()
		case snapCacheWriteErrors:
			s.CacheWriteErrors = f.Int()
		case snapCacheReadErrors:
			s.CacheReadErrors = f.Int()
		case snapCollisions:
			s.Collisions = f.Int()
		case snapHitTime:
			s.HitTime = time.Duration(f.Int())
		case snapMissTime:
			s.MissTime = time.Duration(f.Int())
		case snapLanguage:
			var name string
			var c stats.LanguageCounts
			err := wire.Walk(f.Raw(), func(num protowire.Number, f wire.Field) error {
				switch num {
				case langName:
					name = f.String()
				case langHits:
					c.Hits = f.Int()
				case langMisses:
					c.Misses = f.Int()
				case langErrors:
					c.Errors = f.Int()
				case langNotCacheable:
					c.NotCacheable = f.Int()
				case langFailures:
					c.CompileFailures = f.Int()
				case langForced:
					c.ForcedRecompiles = f.Int()
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Languages[name] = c
		case snapReason:
			var reason string
			var n int64
			err := wire.Walk(f.Raw(), func(num protowire.Number, f wire.Field) error {
				switch num {
				case reasonName:
					reason = f.String()
				case reasonCount:
					n = f.Int()
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.NotCacheableReasons[reason] = n
		}
		return nil
	})
}
