package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeDuration *prometheus.HistogramVec
	probeStatus   *prometheus.GaugeVec
	probeTotal    *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers the probe metrics. Call once at startup when
// Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		probeDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keywheel_probe_duration_seconds",
				Help:    "Duration of credential health probes in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"service", "probe_type"},
		)
		probeStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keywheel_credential_health_status",
				Help: "Latest probe outcome per credential (1=healthy, 0=unhealthy)",
			},
			[]string{"credential_id", "service"},
		)
		probeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywheel_probes_total",
				Help: "Total health probes performed",
			},
			[]string{"service", "outcome"},
		)
		metricsRegistered = true
	})
}

func recordProbe(service, probeType string, durationSeconds float64, success bool) {
	if !metricsRegistered {
		return
	}
	probeDuration.WithLabelValues(service, probeType).Observe(durationSeconds)
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	probeTotal.WithLabelValues(service, outcome).Inc()
}

func recordStatus(credentialID, service string, success bool) {
	if !metricsRegistered {
		return
	}
	v := 0.0
	if success {
		v = 1.0
	}
	probeStatus.WithLabelValues(credentialID, service).Set(v)
}
