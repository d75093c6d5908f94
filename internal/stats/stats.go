// Package stats aggregates per-language cache counters for the daemon.
package stats

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"
)

// OtherLanguage keys counters for invocations of unrecognized compilers
const OtherLanguage = "Other"

type languageCounters struct {
	hits         atomic.Int64
	misses       atomic.Int64
	errors       atomic.Int64
	notCacheable atomic.Int64
	failures     atomic.Int64
	forced       atomic.Int64
}

// Stats holds process-wide counters. All methods are safe for concurrent use;
// each counter is updated atomically with no cross-field consistency.
type Stats struct {
	mu        sync.RWMutex
	languages map[string]*languageCounters
	reasons   map[string]*atomic.Int64

	requests         atomic.Int64
	executed         atomic.Int64
	dedupWaits       atomic.Int64
	cacheWrites      atomic.Int64
	cacheWriteErrors atomic.Int64
	cacheReadErrors  atomic.Int64
	collisions       atomic.Int64
	hitTime          atomic.Int64
	missTime         atomic.Int64

	observer Observer
}

// Observer receives timing samples; the prometheus collector implements it
type Observer interface {
	ObserveHit(language string, d time.Duration)
	ObserveCompile(language string, d time.Duration)
}

// New creates an empty Stats
func New() *Stats {
	return &Stats{
		languages: make(map[string]*languageCounters),
		reasons:   make(map[string]*atomic.Int64),
	}
}

// SetObserver installs an observer for timing samples
func (s *Stats) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observer = o
}

func (s *Stats) language(name string) *languageCounters {
	if name == "" {
		name = OtherLanguage
	}

	s.mu.RLock()
	c, ok := s.languages[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.languages[name]; ok {
		return c
	}

	c = &languageCounters{}
	s.languages[name] = c
	return c
}

func (s *Stats) getObserver() Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.observer
}

// Request counts one compile request
func (s *Stats) Request() {
	s.requests.Add(1)
}

// Hit counts a cache hit and the time taken to serve it
func (s *Stats) Hit(language string, d time.Duration) {
	s.language(language).hits.Add(1)
	s.hitTime.Add(int64(d))

	if o := s.getObserver(); o != nil {
		o.ObserveHit(language, d)
	}
}

// Miss counts a cache miss and the real compile time that followed
func (s *Stats) Miss(language string, d time.Duration) {
	s.language(language).misses.Add(1)
	s.executed.Add(1)
	s.missTime.Add(int64(d))

	if o := s.getObserver(); o != nil {
		o.ObserveCompile(language, d)
	}
}

// Error counts a request that failed (compiler launch failure, preprocessing failure)
func (s *Stats) Error(language string) {
	s.language(language).errors.Add(1)
}

// NotCacheable counts a pass-through invocation and why it was not cached
func (s *Stats) NotCacheable(language, reason string) {
	s.language(language).notCacheable.Add(1)

	s.mu.RLock()
	c, ok := s.reasons[reason]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if c, ok = s.reasons[reason]; !ok {
			c = &atomic.Int64{}
			s.reasons[reason] = c
		}
		s.mu.Unlock()
	}

	c.Add(1)
}

// CompileFailure counts a non-zero compiler exit that was cached
func (s *Stats) CompileFailure(language string) {
	s.language(language).failures.Add(1)
}

// ForcedRecompile counts a hit discarded because its diagnostics color mode differed
func (s *Stats) ForcedRecompile(language string) {
	s.language(language).forced.Add(1)
}

// DedupWait counts a request served by waiting on another request's compile
func (s *Stats) DedupWait() {
	s.dedupWaits.Add(1)
}

// CacheWrite counts a storage write and whether it failed
func (s *Stats) CacheWrite(err error) {
	if err != nil {
		s.cacheWriteErrors.Add(1)
		return
	}

	s.cacheWrites.Add(1)
}

// CacheReadError counts a storage read that failed and was treated as a miss
func (s *Stats) CacheReadError() {
	s.cacheReadErrors.Add(1)
}

// Collision counts an entry rejected by its content check
func (s *Stats) Collision() {
	s.collisions.Add(1)
}

// Reset zeroes every counter
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.languages = make(map[string]*languageCounters)
	s.reasons = make(map[string]*atomic.Int64)

	for _, c := range []*atomic.Int64{
		&s.requests, &s.executed, &s.dedupWaits, &s.cacheWrites, &s.cacheWriteErrors,
		&s.cacheReadErrors, &s.collisions, &s.hitTime, &s.missTime,
	} {
		c.Store(0)
	}
}

// LanguageCounts are the counters for one compiled-language family
type LanguageCounts struct {
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	Errors           int64 `json:"errors"`
	NotCacheable     int64 `json:"not_cacheable"`
	CompileFailures  int64 `json:"compile_failures"`
	ForcedRecompiles int64 `json:"forced_recompiles"`
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Requests            int64                     `json:"requests"`
	Executed            int64                     `json:"executed"`
	DedupWaits          int64                     `json:"dedup_waits"`
	CacheWrites         int64                     `json:"cache_writes"`
	CacheWriteErrors    int64                     `json:"cache_write_errors"`
	CacheReadErrors     int64                     `json:"cache_read_errors"`
	Collisions          int64                     `json:"collisions"`
	HitTime             time.Duration             `json:"hit_time_ns"`
	MissTime            time.Duration             `json:"miss_time_ns"`
	Languages           map[string]LanguageCounts `json:"languages"`
	NotCacheableReasons map[string]int64          `json:"not_cacheable_reasons"`
}

// Snapshot copies the current counters
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Requests:            s.requests.Load(),
		Executed:            s.executed.Load(),
		DedupWaits:          s.dedupWaits.Load(),
		CacheWrites:         s.cacheWrites.Load(),
		CacheWriteErrors:    s.cacheWriteErrors.Load(),
		CacheReadErrors:     s.cacheReadErrors.Load(),
		Collisions:          s.collisions.Load(),
		HitTime:             time.Duration(s.hitTime.Load()),
		MissTime:            time.Duration(s.missTime.Load()),
		Languages:           make(map[string]LanguageCounts, len(s.languages)),
		NotCacheableReasons: make(map[string]int64, len(s.reasons)),
	}

	for name, c := range s.languages {
		snap.Languages[name] = LanguageCounts{
			Hits:             c.hits.Load(),
			Misses:           c.misses.Load(),
			Errors:           c.errors.Load(),
			NotCacheable:     c.notCacheable.Load(),
			CompileFailures:  c.failures.Load(),
			ForcedRecompiles: c.forced.Load(),
		}
	}

	for reason, c := range s.reasons {
		snap.NotCacheableReasons[reason] = c.Load()
	}

	return snap
}

// Total sums the per-language counters
func (s Snapshot) Total() LanguageCounts {
	var t LanguageCounts
	for _, c := range s.Languages {
		t.Hits += c.Hits
		t.Misses += c.Misses
		t.Errors += c.Errors
		t.NotCacheable += c.NotCacheable
		t.CompileFailures += c.CompileFailures
		t.ForcedRecompiles += c.ForcedRecompiles
	}

	return t
}

// Language returns the counters for one language (zero when never seen)
func (s Snapshot) Language(name string) LanguageCounts {
	return s.Languages[name]
}

// Format writes a human-readable table
func (s Snapshot) Format(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	total := s.Total()

	fmt.Fprintf(tw, "Compile requests\t%d\n", s.Requests)
	fmt.Fprintf(tw, "Compile requests executed\t%d\n", s.Executed)
	fmt.Fprintf(tw, "Cache hits\t%d\n", total.Hits)
	for _, name := range sortedKeys(s.Languages) {
		if c := s.Languages[name]; c.Hits > 0 {
			fmt.Fprintf(tw, "Cache hits (%s)\t%d\n", name, c.Hits)
		}
	}

	fmt.Fprintf(tw, "Cache misses\t%d\n", total.Misses)
	for _, name := range sortedKeys(s.Languages) {
		if c := s.Languages[name]; c.Misses > 0 {
			fmt.Fprintf(tw, "Cache misses (%s)\t%d\n", name, c.Misses)
		}
	}

	fmt.Fprintf(tw, "Forced recompiles\t%d\n", total.ForcedRecompiles)
	fmt.Fprintf(tw, "Waited on in-flight compile\t%d\n", s.DedupWaits)
	fmt.Fprintf(tw, "Cache writes\t%d\n", s.CacheWrites)
	fmt.Fprintf(tw, "Cache write errors\t%d\n", s.CacheWriteErrors)
	fmt.Fprintf(tw, "Cache read errors\t%d\n", s.CacheReadErrors)
	fmt.Fprintf(tw, "Rejected entries\t%d\n", s.Collisions)
	fmt.Fprintf(tw, "Compilation failures\t%d\n", total.CompileFailures)
	fmt.Fprintf(tw, "Errors\t%d\n", total.Errors)
	fmt.Fprintf(tw, "Non-cacheable calls\t%d\n", total.NotCacheable)
	for _, reason := range sortedKeys(s.NotCacheableReasons) {
		fmt.Fprintf(tw, "  %s\t%d\n", reason, s.NotCacheableReasons[reason])
	}

	fmt.Fprintf(tw, "Average cache hit time\t%s\n", average(s.HitTime, total.Hits))
	fmt.Fprintf(tw, "Average compile time\t%s\n", average(s.MissTime, total.Misses))

	return tw.Flush()
}

func average(sum time.Duration, n int64) string {
	if n == 0 {
		return "0s"
	}

	return (sum / time.Duration(n)).Round(time.Millisecond).String()
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
