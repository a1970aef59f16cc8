// Package monitor samples the serving engine's Prometheus endpoint for
// KV-cache usage and hit counters while a run is in progress.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	DefaultInterval = 5 * time.Second
	scrapeTimeout   = 3 * time.Second
)

// Series names exposed by the serving engine and its cache connector. The
// engine renamed several series between releases, so each quantity has
// more than one candidate.
var (
	usageSeries          = []string{"vllm:gpu_cache_usage_perc", "vllm:kv_cache_usage_perc"}
	waitingSeries        = []string{"vllm:num_requests_waiting"}
	prefixHitSeries      = []string{"vllm:prefix_cache_hits_total", "vllm:gpu_prefix_cache_hits_total", "vllm:gpu_prefix_cache_hits"}
	prefixQuerySeries    = []string{"vllm:prefix_cache_queries_total", "vllm:gpu_prefix_cache_queries_total", "vllm:gpu_prefix_cache_queries"}
	lmcacheHitSeries     = []string{"lmcache:num_hit_tokens_total", "lmcache:num_hit_tokens"}
	lmcacheRequestSeries = []string{"lmcache:num_requested_tokens_total", "lmcache:num_requested_tokens"}
)

// CacheStats aggregates the samples collected during a run.
type CacheStats struct {
	Samples int `json:"samples"`
	// Peak and average KV-cache usage in percent (0-100).
	UsagePeakPct *float64 `json:"usage_peak_pct,omitempty"`
	UsageAvgPct  *float64 `json:"usage_avg_pct,omitempty"`
	WaitingMax   *int     `json:"waiting_max,omitempty"`
	// Hit rates over the run, from counter deltas between the first and
	// last sample.
	PrefixCacheHitRate *float64 `json:"prefix_cache_hit_rate,omitempty"`
	LMCacheHitRate     *float64 `json:"lmcache_hit_rate,omitempty"`
}

type sample struct {
	values map[string]float64
}

func (s sample) first(names []string) (float64, bool) {
	for _, n := range names {
		if v, ok := s.values[n]; ok {
			return v, true
		}
	}
	return 0, false
}

// Scraper periodically polls a metrics endpoint. It is a task handle: the
// owner starts it, stops it, and can ask whether it has stopped.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	samples  []sample
	failures int

	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stats    *CacheStats
}

// NewScraper creates a scraper for metricsURL. A non-positive interval
// selects DefaultInterval.
func NewScraper(metricsURL string, interval time.Duration, logger *slog.Logger) *Scraper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: scrapeTimeout},
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins scraping in a background goroutine. Calls after the first
// are ignored.
func (s *Scraper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the scraper, waits for the background goroutine to exit and
// returns the aggregated statistics. It returns nil if no sample was
// collected. Stop may be called more than once.
func (s *Scraper) Stop() *CacheStats {
	s.stopOnce.Do(func() {
		if s.started.Load() {
			s.cancel()
			<-s.done
		}
		s.mu.Lock()
		s.stats = aggregate(s.samples)
		failures := s.failures
		s.mu.Unlock()
		s.stopped.Store(true)
		if failures > 0 {
			s.logger.Warn("cache monitor had failed scrapes", "url", s.metricsURL, "failures", failures)
		}
	})
	return s.stats
}

// Stopped reports whether Stop has completed.
func (s *Scraper) Stopped() bool {
	return s.stopped.Load()
}

func (s *Scraper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scrape(ctx)
	for {
		select {
		case <-ctx.Done():
			// One last sample so short runs still get a counter delta.
			s.scrape(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			s.scrape(ctx)
		}
	}
}

func (s *Scraper) scrape(ctx context.Context) {
	smp, err := s.fetch(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		s.logger.Debug("cache scrape failed", "url", s.metricsURL, "error", err)
		return
	}
	s.samples = append(s.samples, smp)
}

func (s *Scraper) fetch(ctx context.Context) (sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return sample{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return sample{}, fmt.Errorf("http %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics reads Prometheus text exposition and sums each family over
// its label sets.
func parseMetrics(r io.Reader) (sample, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return sample{}, fmt.Errorf("parse metrics: %w", err)
	}
	smp := sample{values: make(map[string]float64, len(families))}
	for name, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			total += metricValue(mf.GetType(), m)
		}
		smp.values[name] = total
	}
	return smp, nil
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	default:
		return m.GetUntyped().GetValue()
	}
}

func aggregate(samples []sample) *CacheStats {
	if len(samples) == 0 {
		return nil
	}
	st := &CacheStats{Samples: len(samples)}

	var usageSum, usagePeak float64
	var usageN int
	waitingMax := -1
	for _, smp := range samples {
		if v, ok := smp.first(usageSeries); ok {
			usageSum += v
			usageN++
			usagePeak = max(usagePeak, v)
		}
		if v, ok := smp.first(waitingSeries); ok {
			waitingMax = max(waitingMax, int(v))
		}
	}
	if usageN > 0 {
		// The engine reports usage as a fraction.
		peak := usagePeak * 100
		avg := usageSum / float64(usageN) * 100
		st.UsagePeakPct, st.UsageAvgPct = &peak, &avg
	}
	if waitingMax >= 0 {
		st.WaitingMax = &waitingMax
	}

	firstS, lastS := samples[0], samples[len(samples)-1]
	st.PrefixCacheHitRate = hitRate(firstS, lastS, prefixHitSeries, prefixQuerySeries)
	st.LMCacheHitRate = hitRate(firstS, lastS, lmcacheHitSeries, lmcacheRequestSeries)
	return st
}

func hitRate(first, last sample, hits, queries []string) *float64 {
	h0, ok1 := first.first(hits)
	h1, ok2 := last.first(hits)
	q0, ok3 := first.first(queries)
	q1, ok4 := last.first(queries)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil
	}
	dq := q1 - q0
	if dq <= 0 {
		return nil
	}
	rate := (h1 - h0) / dq
	return &rate
}
