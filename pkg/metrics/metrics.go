// Package metrics records table and sub-query statistics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/abeja-inc/table-splitter/pkg/data"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives one call per finished table request and per sub-query.
type Recorder interface {
	RecordTable(shape string, bins int, duration time.Duration, err error)
	RecordSubQuery(duration time.Duration, err error)
	RecordBackends(n int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordTable(string, int, time.Duration, error) {}
func (Noop) RecordSubQuery(time.Duration, error)           {}
func (Noop) RecordBackends(int)                            {}

// Prometheus exports the recorded values as prometheus collectors.
type Prometheus struct {
	tables           *prometheus.CounterVec
	tableDuration    *prometheus.HistogramVec
	binsPerTable     prometheus.Histogram
	subQueries       *prometheus.CounterVec
	subQueryDuration prometheus.Histogram
	backends         prometheus.Gauge
}

// NewPrometheus registers the collectors with reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Prometheus{
		tables: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesplitter_tables_total",
			Help: "Table requests by shape and outcome",
		}, []string{"shape", "outcome"}),
		tableDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tablesplitter_table_duration_seconds",
			Help:    "End to end table request duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"shape"}),
		binsPerTable: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablesplitter_bins_per_table",
			Help:    "Number of bins a table request was split into",
			Buckets: []float64{1, 2, 4, 9, 16, 36, 64, 144, 256, 1024},
		}),
		subQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablesplitter_subqueries_total",
			Help: "Sub-queries sent to the table service by outcome",
		}, []string{"outcome"}),
		subQueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablesplitter_subquery_duration_seconds",
			Help:    "Sub-query duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		backends: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablesplitter_backends",
			Help: "Table service backends currently in the pool",
		}),
	}
}

func (p *Prometheus) RecordTable(shape string, bins int, duration time.Duration, err error) {
	p.tables.WithLabelValues(shape, Outcome(err)).Inc()
	p.tableDuration.WithLabelValues(shape).Observe(duration.Seconds())
	if bins > 0 {
		p.binsPerTable.Observe(float64(bins))
	}
}

func (p *Prometheus) RecordSubQuery(duration time.Duration, err error) {
	p.subQueries.WithLabelValues(Outcome(err)).Inc()
	p.subQueryDuration.Observe(duration.Seconds())
}

func (p *Prometheus) RecordBackends(n int) {
	p.backends.Set(float64(n))
}

// Outcome maps err onto a low cardinality label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, data.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, data.ErrPartitionUnsupported):
		return "unsupported"
	case errors.Is(err, data.ErrMergeInconsistency):
		return "inconsistent"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, data.ErrSubQueryFailure):
		return "subquery_failed"
	default:
		return "error"
	}
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
