package server

import (
	"github.com/MarcoPoloResearchLab/lobby/internal/presence"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

type serverMetrics struct {
	calls    *prometheus.CounterVec
	sessions prometheus.Gauge
}

func newServerMetrics(registerer prometheus.Registerer, dispatcher *RealtimeDispatcher) (*serverMetrics, error) {
	metrics := &serverMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Name:      "calls_total",
			Help:      "Client calls applied to the presence service, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobby",
			Name:      "websocket_sessions",
			Help:      "Open websocket sessions.",
		}),
	}
	collectors := []prometheus.Collector{
		metrics.calls,
		metrics.sessions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "lobby",
			Name:      "realtime_subscribers",
			Help:      "Registered realtime subscribers.",
		}, func() float64 {
			return float64(dispatcher.SubscriberCount())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "lobby",
			Name:      "realtime_dropped_total",
			Help:      "Change deliveries skipped because a subscriber buffer was full.",
		}, func() float64 {
			return float64(dispatcher.Dropped())
		}),
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *serverMetrics) observeCall(operation string, err error) {
	outcome := outcomeOK
	switch {
	case err == nil:
	case presence.IsValidation(err):
		outcome = outcomeRejected
	default:
		outcome = outcomeFailed
	}
	m.calls.WithLabelValues(operation, outcome).Inc()
}
