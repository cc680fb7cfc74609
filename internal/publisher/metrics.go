package publisher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the tracker's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	joins         *prometheus.CounterVec
	rounds        *prometheus.CounterVec
	roundDuration prometheus.Histogram
	clients       prometheus.Gauge
	files         prometheus.Gauge
	fragments     prometheus.Gauge
	queued        prometheus.Gauge
	ignored       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "joins_total",
			Help: "Join requests by outcome.",
		}, []string{"outcome"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "distribution_rounds_total",
			Help: "Distribution rounds by outcome.",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "distribution_round_seconds",
			Help:    "Time from DistributionStarted to DistributionEnded.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "clients",
			Help: "Registered clients.",
		}),
		files: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "files",
			Help: "Published files.",
		}),
		fragments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "fragments",
			Help: "Fragments with at least one owner.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "queued_operations",
			Help: "Joins and distributions waiting for the tracker to become idle.",
		}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fragnet", Subsystem: "tracker", Name: "ignored_events_total",
			Help: "Events dropped because no state was waiting for them.",
		}, []string{"topic"}),
	}

	if reg != nil {
		reg.MustRegister(m.joins, m.rounds, m.roundDuration, m.clients, m.files, m.fragments, m.queued, m.ignored)
	}

	return m
}

func (m *Metrics) join(outcome string) {
	if m != nil {
		m.joins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) round(outcome string, d time.Duration) {
	if m != nil {
		m.rounds.WithLabelValues(outcome).Inc()
		m.roundDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ignoredEvent(topic string) {
	if m != nil {
		m.ignored.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) sizes(clients, files, fragments, queued int) {
	if m != nil {
		m.clients.Set(float64(clients))
		m.files.Set(float64(files))
		m.fragments.Set(float64(fragments))
		m.queued.Set(float64(queued))
	}
}
