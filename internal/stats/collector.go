package stats

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "compcache"

// Collector exports Stats as prometheus metrics
type Collector struct {
	stats    *Stats
	registry *prometheus.Registry
	server   *http.Server

	hitDuration     *prometheus.HistogramVec
	compileDuration *prometheus.HistogramVec

	requests     *prometheus.Desc
	hits         *prometheus.Desc
	misses       *prometheus.Desc
	errors       *prometheus.Desc
	notCacheable *prometheus.Desc
	failures     *prometheus.Desc
	forced       *prometheus.Desc
	writes       *prometheus.Desc
	writeErrors  *prometheus.Desc
	readErrors   *prometheus.Desc
	collisions   *prometheus.Desc
	dedupWaits   *prometheus.Desc
	reasons      *prometheus.Desc
}

// NewCollector creates a collector over s and registers it, and the Go runtime
// collectors, in a private registry. The collector also becomes s's Observer.
func NewCollector(s *Stats) (*Collector, error) {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	c := &Collector{
		stats:    s,
		registry: prometheus.NewRegistry(),
		hitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hit_duration_seconds",
			Help:      "Time to serve a cache hit",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"language"}),
		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Duration of real compiles run on a cache miss",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"language"}),

		requests:     desc("requests_total", "Compile requests received"),
		hits:         desc("cache_hits_total", "Cache hits", "language"),
		misses:       desc("cache_misses_total", "Cache misses", "language"),
		errors:       desc("errors_total", "Requests that failed", "language"),
		notCacheable: desc("not_cacheable_total", "Invocations passed through uncached", "language"),
		failures:     desc("compile_failures_total", "Failed compilations that were cached", "language"),
		forced:       desc("forced_recompiles_total", "Hits recompiled because the diagnostics color mode differed", "language"),
		writes:       desc("cache_writes_total", "Successful cache writes"),
		writeErrors:  desc("cache_write_errors_total", "Failed cache writes"),
		readErrors:   desc("cache_read_errors_total", "Failed cache reads treated as misses"),
		collisions:   desc("rejected_entries_total", "Entries evicted because their content check failed"),
		dedupWaits:   desc("dedup_waits_total", "Requests served by waiting on an in-flight compile"),
		reasons:      desc("not_cacheable_reasons_total", "Pass-through invocations by reason", "reason"),
	}

	for _, col := range []prometheus.Collector{
		c,
		c.hitDuration,
		c.compileDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}

	s.SetObserver(c)

	return c, nil
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.hits, c.misses, c.errors, c.notCacheable, c.failures, c.forced,
		c.writes, c.writeErrors, c.readErrors, c.collisions, c.dedupWaits, c.reasons,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.requests, snap.Requests)
	counter(c.writes, snap.CacheWrites)
	counter(c.writeErrors, snap.CacheWriteErrors)
	counter(c.readErrors, snap.CacheReadErrors)
	counter(c.collisions, snap.Collisions)
	counter(c.dedupWaits, snap.DedupWaits)

	for lang, lc := range snap.Languages {
		counter(c.hits, lc.Hits, lang)
		counter(c.misses, lc.Misses, lang)
		counter(c.errors, lc.Errors, lang)
		counter(c.notCacheable, lc.NotCacheable, lang)
		counter(c.failures, lc.CompileFailures, lang)
		counter(c.forced, lc.ForcedRecompiles, lang)
	}

	for reason, n := range snap.NotCacheableReasons {
		counter(c.reasons, n, reason)
	}
}

// ObserveHit implements Observer
func (c *Collector) ObserveHit(language string, d time.Duration) {
	c.hitDuration.WithLabelValues(language).Observe(d.Seconds())
}

// ObserveCompile implements Observer
func (c *Collector) ObserveCompile(language string, d time.Duration) {
	c.compileDuration.WithLabelValues(language).Observe(d.Seconds())
}

// Handler serves the registry in the prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on ln until ctx is done
func (c *Collector) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.server.Shutdown(shutdownCtx)
	}()

	slog.Default().Info("metrics endpoint listening", "component", "metrics", "addr", ln.Addr().String())

	if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
