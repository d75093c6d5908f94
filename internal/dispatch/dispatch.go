// Package dispatch runs one compile request through the cache: classify,
// look up, deduplicate, compile, store, respond.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Norgate-AV/compcache/internal/cache"
	"github.com/Norgate-AV/compcache/internal/codes"
	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/dedup"
	"github.com/Norgate-AV/compcache/internal/fingerprint"
	"github.com/Norgate-AV/compcache/internal/invocation"
	"github.com/Norgate-AV/compcache/internal/stats"
	"github.com/Norgate-AV/compcache/internal/storage"
)

const tracerName = "github.com/Norgate-AV/compcache/internal/dispatch"

// Outcome classifies how a request was served
type Outcome int

const (
	// OutcomeMiss means the real compiler ran for this request
	OutcomeMiss Outcome = iota

	// OutcomeHit means the result came from storage
	OutcomeHit

	// OutcomeShared means the request waited on another request's compile
	OutcomeShared

	// OutcomePassThrough means the invocation is not cacheable and must be
	// run by the caller
	OutcomePassThrough
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeShared:
		return "shared"
	case OutcomePassThrough:
		return "pass-through"
	default:
		return "miss"
	}
}

// Result is the response to one compile request
type Result struct {
	Outcome Outcome
	Status  codes.ExitStatus
	Stdout  []byte
	Stderr  []byte

	// Reason explains a pass-through
	Reason string
}

// Deriver computes fingerprints
type Deriver interface {
	Derive(ctx context.Context, inv *invocation.Invocation) (*fingerprint.Derivation, error)
}

// Runner executes the real compiler
type Runner interface {
	Run(ctx context.Context, cmd compiler.Command) (*compiler.Result, error)
}

// compiled is what the owner of an in-flight compile publishes to its waiters
type compiled struct {
	entry *cache.Entry

	// restorable is false when the outputs could not be collected, so
	// waiters must compile for themselves
	restorable bool

	// stored is true when the entry was found in storage instead of compiled
	stored bool
}

// Dispatcher serves compile requests. It is safe for concurrent use.
type Dispatcher struct {
	deriver  Deriver
	store    *storage.Store
	runner   Runner
	stats    *stats.Stats
	inflight dedup.Group[*compiled]
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher
func New(deriver Deriver, store *storage.Store, runner Runner, st *stats.Stats) *Dispatcher {
	return &Dispatcher{
		deriver: deriver,
		store:   store,
		runner:  runner,
		stats:   st,
		tracer:  otel.Tracer(tracerName),
		logger:  slog.Default().With("component", "dispatch"),
		now:     time.Now,
	}
}

// InFlight returns the number of real compiles currently running
func (d *Dispatcher) InFlight() int64 {
	return d.inflight.InFlight()
}

// Compile serves one request.
//
// The only errors returned are compiler launch failures and cancellation;
// everything else, including storage failures, degrades to a real compile.
func (d *Dispatcher) Compile(ctx context.Context, inv *invocation.Invocation) (res *Result, err error) {
	ctx, span := d.tracer.Start(ctx, "compcache.compile",
		trace.WithAttributes(
			attribute.String("compiler", inv.Executable),
			attribute.String("family", inv.Family.String()),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer func() {
		if err != nil {
			span.SetStatus(otelcodes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
			span.SetStatus(otelcodes.Ok, "")
		}
		span.End()
	}()

	d.stats.Request()

	deriv, err := d.classify(ctx, inv)

	var (
		nc     *fingerprint.NotCacheableError
		derr   *fingerprint.DeriveError
		launch *compiler.LaunchError
	)

	switch {
	case errors.As(err, &nc):
		d.stats.NotCacheable(string(nc.Language), nc.Reason)
		return &Result{Outcome: OutcomePassThrough, Reason: nc.Reason}, nil

	case errors.As(err, &launch):
		d.stats.Error(string(invocation.LanguageUnknown))
		return nil, err

	case errors.As(err, &derr):
		d.logger.Warn("Fingerprinting failed, compiling uncached", "compiler", inv.Executable, "err", derr.Err)
		d.stats.Error(string(derr.Language))
		return d.compileUncached(ctx, derr.Command, string(derr.Language))

	case err != nil:
		return nil, err
	}

	span.SetAttributes(
		attribute.String("key", deriv.Key),
		attribute.String("language", string(deriv.Language)),
	)

	if res, ok := d.lookup(ctx, deriv); ok {
		return res, nil
	}

	return d.compile(ctx, deriv)
}

func (d *Dispatcher) classify(ctx context.Context, inv *invocation.Invocation) (*fingerprint.Derivation, error) {
	ctx, span := d.tracer.Start(ctx, "compcache.classify")
	defer span.End()

	return d.deriver.Derive(ctx, inv)
}

// lookup serves a hit from storage. Any failure reads as a miss.
func (d *Dispatcher) lookup(ctx context.Context, deriv *fingerprint.Derivation) (*Result, bool) {
	ctx, span := d.tracer.Start(ctx, "compcache.lookup")
	defer span.End()

	start := d.now()
	lang := string(deriv.Language)

	entry, err := d.store.Get(ctx, deriv.Key)
	if err != nil {
		var mismatch *cache.MismatchError
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case errors.As(err, &mismatch):
			d.stats.Collision()
		default:
			d.logger.Warn("Cache read failed, treating as miss", "key", deriv.Key, "err", err)
			d.stats.CacheReadError()
		}
		return nil, false
	}

	if !colorCompatible(entry, deriv) {
		d.logger.Debug("Cached diagnostics recorded in another color mode", "key", deriv.Key,
			"cached", entry.ColorMode, "requested", deriv.ColorMode)
		d.stats.ForcedRecompile(lang)
		return nil, false
	}

	if entry.Status.IsSuccess() {
		if err := cache.RestoreArtifacts(entry, deriv.Outputs); err != nil {
			d.logger.Warn("Failed to restore cached outputs, recompiling", "key", deriv.Key, "err", err)
			return nil, false
		}
	}

	d.stats.Hit(lang, d.now().Sub(start))
	span.SetAttributes(attribute.Bool("hit", true))

	return resultFrom(entry, OutcomeHit), true
}

// compile runs the real compiler once per fingerprint and color mode
// across concurrent requests
func (d *Dispatcher) compile(ctx context.Context, deriv *fingerprint.Derivation) (*Result, error) {
	// Requests in different color modes produce different streams
	slot := deriv.Key + "/" + deriv.ColorMode
	detached := context.WithoutCancel(ctx)

	r := d.inflight.Do(ctx, slot, func() (*compiled, error) {
		// A previous owner may have stored the entry after our lookup missed
		if entry, ok := d.recheck(detached, deriv); ok {
			return &compiled{entry: entry, restorable: true, stored: true}, nil
		}
		return d.compileAndStore(detached, deriv)
	})
	if r.Err != nil {
		return nil, r.Err
	}

	if r.Owner {
		if !r.Value.stored {
			return resultFrom(r.Value.entry, OutcomeMiss), nil
		}
		return d.serveStored(ctx, deriv, r.Value.entry, OutcomeHit)
	}

	d.stats.DedupWait()

	if r.Value.entry.Status.IsSuccess() && !r.Value.restorable {
		return d.compileUncached(ctx, deriv.Command, string(deriv.Language))
	}

	return d.serveStored(ctx, deriv, r.Value.entry, OutcomeShared)
}

// recheck reads the entry for deriv from inside its in-flight slot. Misses and
// failures were already counted by lookup, so they are only logged here.
func (d *Dispatcher) recheck(ctx context.Context, deriv *fingerprint.Derivation) (*cache.Entry, bool) {
	entry, err := d.store.Get(ctx, deriv.Key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Debug("Cache recheck failed", "key", deriv.Key, "err", err)
		}
		return nil, false
	}

	if !colorCompatible(entry, deriv) {
		return nil, false
	}

	d.logger.Debug("Entry stored by an earlier compile", "key", deriv.Key)
	return entry, true
}

// serveStored restores a finished entry's outputs for this request
func (d *Dispatcher) serveStored(ctx context.Context, deriv *fingerprint.Derivation, entry *cache.Entry, outcome Outcome) (*Result, error) {
	if entry.Status.IsSuccess() {
		if err := cache.RestoreArtifacts(entry, deriv.Outputs); err != nil {
			d.logger.Warn("Failed to restore shared outputs, compiling", "key", deriv.Key, "err", err)
			return d.compileUncached(ctx, deriv.Command, string(deriv.Language))
		}
	}

	d.stats.Hit(string(deriv.Language), 0)
	return resultFrom(entry, outcome), nil
}

// colorCompatible reports whether entry's diagnostics can be replayed for deriv
func colorCompatible(entry *cache.Entry, deriv *fingerprint.Derivation) bool {
	return entry.ColorMode == deriv.ColorMode || !deriv.ColorSensitive(entry.Stderr)
}

// compileAndStore is the owner's side of an in-flight compile. The slot is
// released only after the store has completed or failed.
func (d *Dispatcher) compileAndStore(ctx context.Context, deriv *fingerprint.Derivation) (*compiled, error) {
	ctx, span := d.tracer.Start(ctx, "compcache.execute")
	defer span.End()

	lang := string(deriv.Language)

	res, err := d.runner.Run(ctx, deriv.Command)
	if err != nil {
		d.stats.Error(lang)
		return nil, err
	}

	d.stats.Miss(lang, res.Duration)

	entry := &cache.Entry{
		Key:         deriv.Key,
		Language:    lang,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Status:      res.Status,
		ColorMode:   deriv.ColorMode,
		CompileTime: res.Duration,
		CreatedAt:   d.now(),
	}

	if !res.Status.IsSuccess() {
		d.stats.CompileFailure(lang)
	} else {
		artifacts, err := cache.CollectArtifacts(deriv.Outputs)
		if err != nil {
			d.logger.Warn("Compiler succeeded but outputs are missing, not caching", "key", deriv.Key, "err", err)
			return &compiled{entry: entry}, nil
		}
		entry.Artifacts = artifacts
	}

	_, storeSpan := d.tracer.Start(ctx, "compcache.store")
	err = d.store.Put(ctx, entry)
	storeSpan.End()

	d.stats.CacheWrite(err)
	if err != nil {
		d.logger.Warn("Cache write failed", "key", deriv.Key, "err", err)
	}

	return &compiled{entry: entry, restorable: true}, nil
}

// compileUncached runs cmd without touching storage
func (d *Dispatcher) compileUncached(ctx context.Context, cmd compiler.Command, lang string) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "compcache.execute", trace.WithAttributes(attribute.Bool("uncached", true)))
	defer span.End()

	res, err := d.runner.Run(context.WithoutCancel(ctx), cmd)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("Uncached compile finished", "language", lang, "status", res.Status.String())

	return &Result{
		Outcome: OutcomeMiss,
		Status:  res.Status,
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
	}, nil
}

func resultFrom(entry *cache.Entry, outcome Outcome) *Result {
	return &Result{
		Outcome: outcome,
		Status:  entry.Status,
		Stdout:  entry.Stdout,
		Stderr:  entry.Stderr,
	}
}
