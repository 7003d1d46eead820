package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ngnhng/reservation-ratelimiter/modules/server"
)

var _ server.RegistrableService = (*MetricsService)(nil)

// MetricsService serves the Prometheus scrape endpoint.
type MetricsService struct {
	gatherer prometheus.Gatherer
}

func NewMetricsService(g prometheus.Gatherer) *MetricsService {
	return &MetricsService{gatherer: g}
}

func (s *MetricsService) Register(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

func (s *MetricsService) Middlewares() []func(http.Handler) http.Handler { return nil }
