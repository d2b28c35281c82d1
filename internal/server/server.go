// Package server assembles the coordinator's HTTP handler.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/edgepool/internal/api"
	"github.com/gaspardpetit/edgepool/internal/config"
)

type healthResponse struct {
	Status   string `json:"status"`
	Workers  int    `json:"workers"`
	InFlight int64  `json:"in_flight"`
}

// New constructs the HTTP handler for the coordinator. Metrics are served on
// the same listener when MetricsAddr matches the API port.
func New(cfg config.CoordinatorConfig, state *State, a *api.API, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}
	if state == nil {
		state = &State{}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   state.Get(),
			Workers:  a.Registry.Len(),
			InFlight: a.Dispatcher.InFlight(),
		}
		code := http.StatusOK
		if resp.Status != StateReady {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	a.Mount(r, cfg.APIKey)

	if gatherer != nil && cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// MetricsHandler serves gatherer on its own mux for a separate metrics listener.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
