package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// InboundMetrics instruments the handlers of the external server.
type InboundMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.SummaryVec
	requestsTotal   *prometheus.CounterVec
}

func NewInboundMetrics(reg prometheus.Registerer) *InboundMetrics {
	m := &InboundMetrics{
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "portal_gateway_http_request_duration_seconds",
				Help: "Tracks the latencies for HTTP requests.",
			},
			[]string{"code", "handler", "method"},
		),
		requestSize: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name: "portal_gateway_http_request_size_bytes",
				Help: "Tracks the size of HTTP requests.",
			},
			[]string{"code", "handler", "method"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_gateway_http_requests_total",
				Help: "Tracks the number of HTTP requests.",
			}, []string{"code", "handler", "method"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requestDuration, m.requestSize, m.requestsTotal)
	}
	return m
}

// Handler instruments next under the given handler label.
func (m *InboundMetrics) Handler(handlerName string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handlerName}

	return promhttp.InstrumentHandlerDuration(m.requestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerRequestSize(m.requestSize.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(m.requestsTotal.MustCurryWith(labels),
				next,
			),
		),
	)
}
