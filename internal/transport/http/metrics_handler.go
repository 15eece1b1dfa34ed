package http

import (
	"net/http"
)

// MetricsHandler serves the Prometheus exposition of the OpenTelemetry
// meter provider.
type MetricsHandler struct {
	exposition http.Handler
}

// NewMetricsHandler wraps the exporter's HTTP handler. A nil handler
// answers 404, as when the metric exporter is disabled.
func NewMetricsHandler(exposition http.Handler) *MetricsHandler {
	if exposition == nil {
		exposition = http.NotFoundHandler()
	}
	return &MetricsHandler{exposition: exposition}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.exposition.ServeHTTP(w, r)
}
