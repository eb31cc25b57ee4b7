// Package metrics defines the minimal metrics surface the Auctus core
// emits to. Components call the package-level helpers; daemons install
// a concrete backend (Datadog, or nothing) at startup.
//
// The interface is intentionally tiny so core packages never depend on
// a vendor SDK.
package metrics

import "sync/atomic"

// Labels are free-form metric tags.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	SetGauge(name string, value float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// nop discards everything. Installed by default.
type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) SetGauge(string, float64, Labels)         {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var backend atomic.Value

func init() {
	backend.Store(Backend(nop{}))
}

// SetBackend installs b as the process-wide backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nop{}
	}
	backend.Store(b)
}

func current() Backend {
	return backend.Load().(Backend)
}

// IncCounter increments a counter on the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// SetGauge sets a gauge on the installed backend.
func SetGauge(name string, value float64, labels Labels) {
	current().SetGauge(name, value, labels)
}

// ObserveHistogram records a sample on the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// Metric names emitted by the core. Kept here so dashboards have a
// single place to look.
const (
	CacheHits      = "auctus_cache_hits_total"
	CacheMisses    = "auctus_cache_misses_total"
	CacheEvictions = "auctus_cache_evictions_total"
	CacheBytes     = "auctus_cache_bytes"
	CacheEntries   = "auctus_cache_entries"

	ProfileTotal           = "auctus_profile_total"
	ProfileDurationSeconds = "auctus_profile_duration_seconds"

	SearchTotal           = "auctus_search_total"
	SearchDurationSeconds = "auctus_search_duration_seconds"

	HTTPRequestsTotal          = "auctus_http_requests_total"
	HTTPRequestDurationSeconds = "auctus_http_request_duration_seconds"
)
