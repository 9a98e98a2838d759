package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugRoutes adds the debug handlers to a mux.
func DebugRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	return mux
}

// HealthRoutes adds the health checks to a mux.
func HealthRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) { fmt.Fprintln(w, "ok") }))
	mux.Handle("/healthz/ready", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) { fmt.Fprintln(w, "ok") }))
	return mux
}

// MetricRoutes adds the metrics endpoint for the given gatherer to a mux.
func MetricRoutes(mux *http.ServeMux, g prometheus.Gatherer) *http.ServeMux {
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

type Paths struct {
	Paths []string `json:"paths"`
}

// PathIndex serves the list of paths a server exposes as JSON.
func PathIndex(paths ...string) http.HandlerFunc {
	body, _ := json.MarshalIndent(Paths{Paths: paths}, "", "  ")
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		w.Write(body)
	}
}
