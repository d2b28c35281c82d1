// Package agent is a reference worker: it serves the inference and health
// endpoints the coordinator calls and registers itself on startup.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/config"
	"github.com/gaspardpetit/edgepool/internal/inflight"
	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/transport"
)

const maxRequestBytes = 8 << 20

// Agent serves jobs for one worker.
type Agent struct {
	cfg      config.AgentConfig
	caps     registry.Capabilities
	jobs     inflight.Counter
	requests inflight.Counter
	draining atomic.Bool
	client   *http.Client
	// cpu reports host utilisation in [0,1]; replaced in tests.
	cpu   func(context.Context) (float64, error)
	delay func(int) time.Duration
	log   zerolog.Logger
}

// New builds an agent. An empty WorkerID is replaced with a random one.
func New(cfg config.AgentConfig, caps registry.Capabilities) *Agent {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	maxConcurrencyGauge.Set(float64(cfg.MaxConcurrency))
	return &Agent{
		cfg:    cfg,
		caps:   caps,
		client: &http.Client{},
		cpu:    hostCPU,
		delay:  Delay,
		log:    logx.Component("agent").With().Str("worker_id", cfg.WorkerID).Logger(),
	}
}

// ID returns the worker id advertised to the coordinator.
func (a *Agent) ID() string { return a.cfg.WorkerID }

// InFlight returns the number of jobs being processed.
func (a *Agent) InFlight() int64 { return a.jobs.Load() }

// WaitIdle blocks until no inference request is being served or ctx ends.
// Requests still being decoded count, not only running jobs.
func (a *Agent) WaitIdle(ctx context.Context) bool { return a.requests.WaitForZero(ctx) }

// StartDrain stops the agent from accepting jobs. Health checks report
// draining so the coordinator stops placing work here.
func (a *Agent) StartDrain() { a.draining.Store(true) }

// IsDraining reports whether StartDrain was called.
func (a *Agent) IsDraining() bool { return a.draining.Load() }

// Load is the larger of slot usage and host CPU utilisation, clamped to [0,1].
func (a *Agent) Load(ctx context.Context) float64 {
	load := float64(a.jobs.Load()) / float64(a.cfg.MaxConcurrency)
	if a.cpu != nil {
		if c, err := a.cpu(ctx); err == nil && c > load {
			load = c
		}
	}
	return min(max(load, 0), 1)
}

// Handler returns the worker HTTP surface.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(transport.HealthPath, a.health)
	r.With(a.requests.Middleware()).Post(transport.InferencePath, a.inference)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *Agent) health(w http.ResponseWriter, r *http.Request) {
	if a.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, transport.HealthResponse{Status: "draining"})
		return
	}
	load := a.Load(r.Context())
	writeJSON(w, http.StatusOK, transport.HealthResponse{Status: "ok", Load: &load})
}

func (a *Agent) inference(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+a.cfg.Token {
		writeJSON(w, http.StatusUnauthorized, transport.ErrorResponse{Error: "unauthorized"})
		return
	}
	var req transport.InferenceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if !slices.Contains(a.cfg.Models, req.Model) {
		writeJSON(w, http.StatusNotFound, transport.ErrorResponse{Error: fmt.Sprintf("model %q not served", req.Model)})
		return
	}
	if a.IsDraining() {
		jobsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusServiceUnavailable, transport.ErrorResponse{Error: "worker draining"})
		return
	}
	if !a.jobs.TryInc(int64(a.cfg.MaxConcurrency)) {
		jobsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusServiceUnavailable, transport.ErrorResponse{Error: "worker busy"})
		return
	}
	currentJobsGauge.Inc()
	start := time.Now()
	defer func() {
		a.jobs.Dec()
		currentJobsGauge.Dec()
		jobDuration.Observe(time.Since(start).Seconds())
	}()

	log := a.log.With().Str("task_id", req.TaskID).Str("model", req.Model).Logger()
	log.Debug().Msg("job started")
	out, status, err := a.run(r.Context(), req)
	if err != nil {
		jobsTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Int("status", status).Msg("job failed")
		writeJSON(w, status, transport.ErrorResponse{Error: err.Error()})
		return
	}
	jobsTotal.WithLabelValues("completed").Inc()
	log.Debug().Dur("duration", time.Since(start)).Msg("job completed")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// run forwards the payload to the backend, or echoes it when no backend is
// configured.
func (a *Agent) run(ctx context.Context, req transport.InferenceRequest) ([]byte, int, error) {
	if a.cfg.BackendURL == "" {
		out, err := json.Marshal(map[string]any{"model": req.Model, "echo": req.Payload})
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return out, http.StatusOK, nil
	}
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BackendURL, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(hreq)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := strings.TrimSpace(string(body))
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return nil, http.StatusBadGateway, fmt.Errorf("backend status %d: %s", resp.StatusCode, detail)
	}
	return body, http.StatusOK, nil
}
