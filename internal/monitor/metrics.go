package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tipwatch/internal/session"
)

// Metrics are the Prometheus collectors updated by monitors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Polls        *prometheus.CounterVec
	PollLatency  prometheus.Histogram
	Messages     *prometheus.CounterVec
	Alerts       *prometheus.CounterVec
	Acquisitions *prometheus.CounterVec
	StatusChecks *prometheus.CounterVec
	Running      prometheus.Gauge
}

// NewMetrics registers the monitor collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tipwatch_feed_polls_total",
			Help: "Feed requests by result.",
		}, []string{"result"}), // ok, auth, timeout, error
		PollLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tipwatch_feed_poll_duration_seconds",
			Help:    "Feed request latency in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tipwatch_messages_classified_total",
			Help: "New feed messages by classified event.",
		}, []string{"event"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tipwatch_alerts_total",
			Help: "Alerts raised by kind.",
		}, []string{"kind"}),
		Acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tipwatch_credential_acquisitions_total",
			Help: "Session extractions by result.",
		}, []string{"result"}),
		StatusChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tipwatch_status_checks_total",
			Help: "Status checks by observed liveness.",
		}, []string{"liveness"}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "tipwatch_rooms_running",
			Help: "Number of running room monitors.",
		}),
	}
}

// WatchPool exports the extractor pool counters.
func WatchPool(reg prometheus.Registerer, p *session.Pool) {
	if reg == nil || p == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tipwatch_extractions_inflight",
		Help: "Session extractions currently running.",
	}, func() float64 { return float64(p.Stats().Inflight) }))
}

func (m *Metrics) poll(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(result).Inc()
	m.PollLatency.Observe(seconds)
}

func (m *Metrics) message(event string) {
	if m != nil {
		m.Messages.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) alert(kind string) {
	if m != nil {
		m.Alerts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) acquisition(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Acquisitions.WithLabelValues("ok").Inc()
	} else {
		m.Acquisitions.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) statusCheck(l string) {
	if m != nil {
		m.StatusChecks.WithLabelValues(l).Inc()
	}
}

func (m *Metrics) running(delta float64) {
	if m != nil {
		m.Running.Add(delta)
	}
}
