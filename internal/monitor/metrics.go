package monitor

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the collectors registered on the monitor's own registry.
type metrics struct {
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	riskLast        prometheus.Gauge
	psi             *prometheus.GaugeVec
	brier           prometheus.Gauge
	alerts          *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	decisionLatency prometheus.Histogram
	ingested        prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_requests_total",
				Help: "Requests handled, by route.",
			},
			[]string{"route"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_latency_seconds",
				Help:    "Request latency, by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		riskLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_risk_last",
			Help: "Last ingested calibrated score.",
		}),
		psi: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monitor_psi_feature",
				Help: "Population stability index per feature.",
			},
			[]string{"feature"},
		),
		brier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_brier_score",
			Help: "Brier score over labeled samples in the window.",
		}),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_alerts_total",
				Help: "Drift and calibration alerts raised.",
			},
			[]string{"alert_type"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fraud_decisions_total",
				Help: "Decisions made, by action.",
			},
			[]string{"action"},
		),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraud_decision_latency_seconds",
			Help:    "End-to-end decision latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_ingested_total",
			Help: "Scores ingested into the monitoring window.",
		}),
	}
	reg.MustRegister(
		m.requests, m.requestLatency, m.riskLast, m.psi, m.brier,
		m.alerts, m.decisions, m.decisionLatency, m.ingested,
	)
	return m
}

func (m *metrics) reset() {
	m.requests.Reset()
	m.requestLatency.Reset()
	m.psi.Reset()
	m.alerts.Reset()
	m.decisions.Reset()
	m.riskLast.Set(0)
	m.brier.Set(0)
}
