package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var connectivityStates = []string{"connected", "timeout", "unavailable", "auth-failed"}

// PrometheusReporter records sync activity. It satisfies the certificate
// package's Recorder and feeds the transport's attempt observer.
type PrometheusReporter struct {
	cycles        *prometheus.CounterVec
	payloads      *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	connectivity  *prometheus.GaugeVec
	cycleDuration prometheus.Histogram
}

// NewPrometheusReporter registers the collectors with reg.
func NewPrometheusReporter(reg prometheus.Registerer) *PrometheusReporter {
	r := &PrometheusReporter{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certsync_cycles_total",
				Help: "Sync cycles by resulting connectivity state and trigger",
			},
			[]string{"state", "trigger"},
		),
		payloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certsync_payloads_total",
				Help: "Payloads processed by outcome: imported, duplicate or rejected",
			},
			[]string{"outcome"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certsync_fetch_attempts_total",
				Help: "X-dock fetch attempts by outcome",
			},
			[]string{"outcome"},
		),
		connectivity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certsync_connectivity_state",
				Help: "1 for the connectivity state of the latest sync cycle, 0 for the others",
			},
			[]string{"state"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certsync_cycle_duration_seconds",
				Help:    "Wall time of sync cycles",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
	}
	reg.MustRegister(r.cycles, r.payloads, r.attempts, r.connectivity, r.cycleDuration)
	return r
}

func (r *PrometheusReporter) ObserveCycle(state string, manual bool, duration time.Duration) {
	trigger := "scheduled"
	if manual {
		trigger = "manual"
	}
	r.cycles.WithLabelValues(state, trigger).Inc()
	r.cycleDuration.Observe(duration.Seconds())

	for _, s := range connectivityStates {
		value := 0.0
		if s == state {
			value = 1
		}
		r.connectivity.WithLabelValues(s).Set(value)
	}
}

func (r *PrometheusReporter) ObservePayload(outcome string) {
	r.payloads.WithLabelValues(outcome).Inc()
}

// ObserveAttempt matches transport.AttemptObserver.
func (r *PrometheusReporter) ObserveAttempt(outcome string) {
	r.attempts.WithLabelValues(outcome).Inc()
}

// WireUpHttpMetrics exposes gatherer on /metrics.
func (r *PrometheusReporter) WireUpHttpMetrics(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
