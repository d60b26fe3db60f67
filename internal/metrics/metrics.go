package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subgraph-lag-monitor/internal/history"
)

// Recorder publishes lag measurements and tick outcomes on a private registry.
type Recorder struct {
	registry     *prometheus.Registry
	lag          *prometheus.GaugeVec
	errors       *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

// NewRecorder registers the collector's metrics on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "subgraph_lag_blocks",
			Help: "Most recent successful lag measurement in blocks.",
		}, []string{"group", "series", "target"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subgraph_lag_measurement_errors_total",
			Help: "Measurements recorded as errors.",
		}, []string{"group", "series"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subgraph_lag_ticks_total",
			Help: "Collection ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "subgraph_lag_tick_duration_seconds",
			Help:    "Wall time of completed collection ticks.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	r.registry.MustRegister(r.lag, r.errors, r.ticks, r.tickDuration)
	return r
}

// Handler renders the registry for /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObservePoints records every entry appended for group in one tick.
// Errors increment the counter and leave the last good gauge value alone.
func (r *Recorder) ObservePoints(group string, points []history.Point) {
	if r == nil {
		return
	}
	for _, point := range points {
		if point.Entry.Delay.IsError() {
			r.errors.WithLabelValues(group, point.Series).Inc()
			continue
		}
		r.lag.WithLabelValues(group, point.Series, point.Target).Set(float64(point.Entry.Delay.Blocks()))
	}
}

// ObserveTick counts a tick outcome; skipped ticks carry no duration.
func (r *Recorder) ObserveTick(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		r.tickDuration.Observe(elapsed.Seconds())
	}
}
