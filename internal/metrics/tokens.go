package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus del token endpoint. Paquete standalone para evitar
// ciclos de import entre el service y las capas HTTP.

var (
	TokenRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_requests_total",
		Help: "Requests al token endpoint por grant_type y resultado",
	}, []string{"grant_type", "result"})

	PollOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_poll_total",
		Help: "Resultados de polling CIBA/device",
	}, []string{"flow", "outcome"})

	IssueDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "token_issue_duration_seconds",
		Help:    "Duración de la emisión de tokens",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// Register registra las métricas en el registry dado (o el default si es nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{TokenRequests, PollOutcomes, IssueDuration} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
