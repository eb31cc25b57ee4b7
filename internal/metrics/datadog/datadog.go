// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// The backend buffers updates in memory and submits them on a ticker
// (default once per minute) plus one final flush on Close. Long-running
// daemons therefore produce a real time series instead of a single
// spike at shutdown.
//
// Concurrency model:
//   - any goroutine may call IncCounter/SetGauge/ObserveHistogram
//   - Flush snapshots and resets buffers under a mutex, then submits
//     out of lock
//   - the flush loop calls Flush periodically; Close stops the loop
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"auctus/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// ServiceName becomes tag "service:<name>" on every metric.
	// Defaults to "auctus".
	ServiceName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production never sets them; tests use them
	// to avoid real submission and nondeterministic clocks.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
// The SDK exposes a concrete *datadogV2.MetricsApi; depending on this
// interface instead keeps the backend testable without real HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

type labeled struct {
	name string
	tags string // canonical sorted "k:v,k:v"
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	submit metricsSubmitter
	ctx    context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[labeled]float64
	gauges   map[labeled]float64
	samples  map[labeled][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and
// starts its periodic flush goroutine. Close stops the loop and flushes
// one final time.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	service := opts.ServiceName
	if service == "" {
		service = "auctus"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "service:"+service)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		submit:     submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[labeled]float64),
		gauges:     make(map[labeled]float64),
		samples:    make(map[labeled][]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Close must be called at most once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

func canonicalTags(labels metrics.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	kv := make([]string, 0, len(labels))
	for k, v := range labels {
		kv = append(kv, k+":"+v)
	}
	sort.Strings(kv)
	return strings.Join(kv, ",")
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k := labeled{name: name, tags: canonicalTags(labels)}
	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// SetGauge implements metrics.Backend.
func (b *Backend) SetGauge(name string, value float64, labels metrics.Labels) {
	k := labeled{name: name, tags: canonicalTags(labels)}
	b.mu.Lock()
	b.gauges[k] = value
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := labeled{name: name, tags: canonicalTags(labels)}
	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

type snapshot struct {
	counters map[labeled]float64
	gauges   map[labeled]float64
	samples  map[labeled][]float64
}

func (s snapshot) isEmpty() bool {
	return len(s.counters) == 0 && len(s.gauges) == 0 && len(s.samples) == 0
}

// snapshotAndReset grabs buffered metrics and resets internal buffers.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{counters: b.counters, gauges: b.gauges, samples: b.samples}
	b.counters = make(map[labeled]float64)
	b.gauges = make(map[labeled]float64)
	b.samples = make(map[labeled][]float64)
	return s
}

// Flush submits buffered metrics and resets local buffers. Buffers are
// reset even if the submission fails, so a broken intake never blocks
// the hot path.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()
	series := b.buildSeries(snap, nowUnix)
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.submit.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed
// timestamp. It is pure (no locks, no network, no clocks), which keeps
// the naming/tagging contract unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	mk := func(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string) datadogV2.MetricSeries {
		return datadogV2.MetricSeries{
			Metric: metric,
			Type:   typ.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		}
	}

	series := make([]datadogV2.MetricSeries, 0, len(s.counters)+len(s.gauges)+len(s.samples)*6)

	for k, v := range s.counters {
		if v == 0 {
			continue
		}
		series = append(series, mk(ddName(k.name), datadogV2.METRICINTAKETYPE_COUNT, v, b.tagsFor(k)))
	}
	for k, v := range s.gauges {
		series = append(series, mk(ddName(k.name), datadogV2.METRICINTAKETYPE_GAUGE, v, b.tagsFor(k)))
	}
	for k, samples := range s.samples {
		if len(samples) == 0 {
			continue
		}
		cp := append([]float64(nil), samples...)
		sort.Float64s(cp)
		tags := b.tagsFor(k)
		name := ddName(k.name)
		series = append(series,
			mk(name+".p50", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, 0.50), tags),
			mk(name+".p90", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, 0.90), tags),
			mk(name+".p95", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, 0.95), tags),
			mk(name+".p99", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, 0.99), tags),
			mk(name+".max", datadogV2.METRICINTAKETYPE_GAUGE, cp[len(cp)-1], tags),
			mk(name+".samples", datadogV2.METRICINTAKETYPE_GAUGE, float64(len(cp)), tags),
		)
	}

	return series
}

func (b *Backend) tagsFor(k labeled) []string {
	out := make([]string, 0, len(b.baseTags)+4)
	out = append(out, b.baseTags...)
	if k.tags != "" {
		out = append(out, strings.Split(k.tags, ",")...)
	}
	return out
}

// ddName converts the internal metric name ("auctus_cache_hits_total")
// to dotted Datadog form ("auctus.cache.hits.total").
func ddName(name string) string {
	return strings.ReplaceAll(name, "_", ".")
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
