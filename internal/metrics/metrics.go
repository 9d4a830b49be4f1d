package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	ResultSuccess = "success"
	ResultIgnored = "ignored"
	ResultRetry   = "retry"
	ResultFailure = "failure"
)

// Recorder collects the counters of one driver run on its own registry.
// A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	// Binds counts bind attempts by outcome
	Binds *prometheus.CounterVec

	// Searches counts search requests by outcome
	Searches *prometheus.CounterVec

	// Retries counts reconnects by the phase that triggered them
	Retries *prometheus.CounterVec

	// IgnoredErrors counts suppressed result codes
	IgnoredErrors *prometheus.CounterVec

	// SearchDuration tracks search round-trip latency
	SearchDuration prometheus.Histogram
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		Binds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldap_search_binds_total",
				Help: "Total number of bind attempts",
			},
			[]string{"result"},
		),
		Searches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldap_search_searches_total",
				Help: "Total number of search requests",
			},
			[]string{"result"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldap_search_retries_total",
				Help: "Total number of retries after a transient error",
			},
			[]string{"phase"},
		),
		IgnoredErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ldap_search_ignored_errors_total",
				Help: "Total number of result codes suppressed by the ignore list",
			},
			[]string{"code"},
		),
		SearchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ldap_search_search_duration_seconds",
				Help:    "Search latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Bind records a bind outcome.
func (r *Recorder) Bind(result string) {
	if r == nil {
		return
	}
	r.Binds.WithLabelValues(result).Inc()
}

// Search records a search outcome and its latency.
func (r *Recorder) Search(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.Searches.WithLabelValues(result).Inc()
	r.SearchDuration.Observe(d.Seconds())
}

// Retry records a retry triggered in phase.
func (r *Recorder) Retry(phase string) {
	if r == nil {
		return
	}
	r.Retries.WithLabelValues(phase).Inc()
}

// Ignored records a suppressed result code.
func (r *Recorder) Ignored(code string) {
	if r == nil {
		return
	}
	r.IgnoredErrors.WithLabelValues(code).Inc()
}

// WriteTextfile writes the current values in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
