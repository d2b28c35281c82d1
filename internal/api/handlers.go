// Package api exposes the coordinator's submission and administrative
// operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/dispatch"
	"github.com/gaspardpetit/edgepool/internal/placement"
	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/spi"
	"github.com/gaspardpetit/edgepool/internal/tasks"
)

const (
	maxBodyBytes       = 8 << 20
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

// API binds the HTTP handlers to the coordinator components.
type API struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	// Healthy marks which workers count as placeable; nil means status online.
	Healthy func(registry.Worker) bool
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// jobRequest is the body of POST /api/jobs.
type jobRequest struct {
	Model        string                 `json:"model"`
	Requirements placement.Requirements `json:"requirements"`
	Priority     float64                `json:"priority"`
	TimeoutMS    int64                  `json:"timeout_ms"`
	Payload      json.RawMessage        `json:"payload"`
}

// taskView is the wire form of a task. Results that are JSON are embedded
// as-is; anything else is returned as a string.
type taskView struct {
	tasks.View
	Result json.RawMessage `json:"result,omitempty"`
}

func viewOf(v tasks.View) taskView {
	out := taskView{View: v}
	if len(v.Result) > 0 {
		if json.Valid(v.Result) {
			out.Result = v.Result
		} else {
			out.Result, _ = json.Marshal(string(v.Result))
		}
	}
	return out
}

// SubmitJob handles POST /api/jobs.
func (a *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeValidated(w, r, "JobRequest", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	spec := dispatch.JobSpec{
		Model:        req.Model,
		Requirements: req.Requirements,
		Priority:     req.Priority,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
	}
	t, err := a.Dispatcher.Submit(spec, []byte(req.Payload))
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_job", err.Error())
		return
	case errors.Is(err, dispatch.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "draining", "")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.Header().Set("Location", "/api/jobs/"+t.ID)
	writeJSON(w, http.StatusAccepted, viewOf(t.View()))
}

// ListJobs handles GET /api/jobs.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	views := a.Dispatcher.List()
	out := make([]taskView, 0, len(views))
	for _, v := range views {
		out = append(out, viewOf(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) task(w http.ResponseWriter, r *http.Request) (*tasks.Task, bool) {
	t, ok := a.Dispatcher.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found", "")
	}
	return t, ok
}

// GetJob handles GET /api/jobs/{id}.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	if t, ok := a.task(w, r); ok {
		writeJSON(w, http.StatusOK, viewOf(t.View()))
	}
}

// WaitJob handles GET /api/jobs/{id}/wait. It answers 200 once the task is
// resolved and 202 if the wait timed out first.
func (a *API) WaitJob(w http.ResponseWriter, r *http.Request) {
	t, ok := a.task(w, r)
	if !ok {
		return
	}
	timeout := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid_timeout", v)
			return
		}
		timeout = min(d, maxWaitTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if _, err := t.Wait(ctx); err != nil {
		writeJSON(w, http.StatusAccepted, viewOf(t.View()))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t.View()))
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (a *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	t, ok := a.task(w, r)
	if !ok {
		return
	}
	if !a.Dispatcher.Cancel(t.ID) {
		writeError(w, http.StatusConflict, "task_resolved", string(t.Status()))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t.View()))
}

type workerRegistration struct {
	ID           string                `json:"id"`
	Host         string                `json:"host"`
	Port         int                   `json:"port"`
	Capabilities registry.Capabilities `json:"capabilities"`
}

type workerView struct {
	registry.Worker
	Healthy bool `json:"healthy"`
}

func (a *API) healthy(w registry.Worker) bool {
	if a.Healthy != nil {
		return a.Healthy(w)
	}
	return w.Status == registry.StatusOnline
}

// ListWorkers handles GET /api/workers.
func (a *API) ListWorkers(w http.ResponseWriter, r *http.Request) {
	snap := a.Registry.Snapshot()
	out := make([]workerView, 0, len(snap))
	for _, wk := range snap {
		out = append(out, workerView{Worker: wk, Healthy: a.healthy(wk)})
	}
	writeJSON(w, http.StatusOK, out)
}

// RegisterWorker handles POST /api/workers.
func (a *API) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRegistration
	if err := decodeValidated(w, r, "WorkerRegistration", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	wk := a.Registry.Register(req.ID, spi.Address{Host: req.Host, Port: req.Port}, req.Capabilities)
	logx.Log.Info().Str("worker_id", wk.ID).Str("addr", wk.Address.String()).Strs("models", wk.Capabilities.Models).Msg("worker registered")
	writeJSON(w, http.StatusCreated, workerView{Worker: wk, Healthy: a.healthy(wk)})
}

// UnregisterWorker handles DELETE /api/workers/{id}.
func (a *API) UnregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.Registry.Unregister(id) {
		writeError(w, http.StatusNotFound, "worker_not_found", "")
		return
	}
	logx.Log.Info().Str("worker_id", id).Msg("worker unregistered")
	w.WriteHeader(http.StatusNoContent)
}

// SetWorkerStatus handles PUT /api/workers/{id}/status.
func (a *API) SetWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Status registry.Status `json:"status"`
	}
	if err := decodeValidated(w, r, "StatusUpdate", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !a.Registry.SetStatus(id, req.Status) {
		writeError(w, http.StatusNotFound, "worker_not_found", "")
		return
	}
	wk, _ := a.Registry.Get(id)
	logx.Log.Info().Str("worker_id", id).Str("status", string(req.Status)).Msg("worker status set")
	writeJSON(w, http.StatusOK, workerView{Worker: wk, Healthy: a.healthy(wk)})
}

// Stats handles GET /api/stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Registry.Stats(a.healthy))
}

// Mount registers the API routes on r. All /api routes except the OpenAPI
// document require apiKey when it is set.
func (a *API) Mount(r chi.Router, apiKey string) {
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/openapi.json", OpenAPIHandler())
		ar.Group(func(g chi.Router) {
			g.Use(APIKeyMiddleware(apiKey))
			g.Post("/jobs", a.SubmitJob)
			g.Get("/jobs", a.ListJobs)
			g.Get("/jobs/{id}", a.GetJob)
			g.Get("/jobs/{id}/wait", a.WaitJob)
			g.Post("/jobs/{id}/cancel", a.CancelJob)
			g.Get("/jobs/{id}/watch", a.WatchJob)
			g.Get("/workers", a.ListWorkers)
			g.Post("/workers", a.RegisterWorker)
			g.Delete("/workers/{id}", a.UnregisterWorker)
			g.Put("/workers/{id}/status", a.SetWorkerStatus)
			g.Get("/stats", a.Stats)
		})
	})
}
