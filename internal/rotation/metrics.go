package rotation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStartedTotal   *prometheus.CounterVec
	sessionsFinishedTotal  *prometheus.CounterVec
	gracePeriodProbesTotal *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers the rotation metrics. Call once at startup when
// Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		sessionsStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywheel_rotations_started_total",
				Help: "Total rotation sessions initiated",
			},
			[]string{"service"},
		)
		sessionsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywheel_rotations_finished_total",
				Help: "Total rotation sessions reaching a terminal state",
			},
			[]string{"service", "outcome"},
		)
		gracePeriodProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywheel_rotation_probes_total",
				Help: "Grace period probes against partner credentials",
			},
			[]string{"service", "outcome"},
		)
		metricsRegistered = true
	})
}

func recordStarted(service string) {
	if metricsRegistered && sessionsStartedTotal != nil {
		sessionsStartedTotal.WithLabelValues(service).Inc()
	}
}

func recordFinished(service, outcome string) {
	if metricsRegistered && sessionsFinishedTotal != nil {
		sessionsFinishedTotal.WithLabelValues(service, outcome).Inc()
	}
}

func recordProbe(service string, success bool) {
	if !metricsRegistered || gracePeriodProbesTotal == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	gracePeriodProbesTotal.WithLabelValues(service, outcome).Inc()
}
