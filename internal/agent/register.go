package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gaspardpetit/edgepool/internal/registry"
)

type registration struct {
	ID           string                `json:"id"`
	Host         string                `json:"host"`
	Port         int                   `json:"port"`
	Capabilities registry.Capabilities `json:"capabilities"`
}

func (a *Agent) coordinatorURL(path string) string {
	return strings.TrimRight(a.cfg.CoordinatorURL, "/") + path
}

func (a *Agent) coordinatorRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.coordinatorURL(path), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.CoordinatorKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.CoordinatorKey)
	}
	return a.client.Do(req)
}

func (a *Agent) registerOnce(ctx context.Context) error {
	body, err := json.Marshal(registration{ID: a.cfg.WorkerID, Host: a.cfg.Host, Port: a.cfg.Port, Capabilities: a.caps})
	if err != nil {
		return err
	}
	resp, err := a.coordinatorRequest(ctx, http.MethodPost, "/api/workers", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("register: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// Register announces the worker to the coordinator, retrying on the backoff
// schedule until it succeeds or ctx ends.
func (a *Agent) Register(ctx context.Context) error {
	if err := retry(ctx, "register", a.delay, a.registerOnce); err != nil {
		return err
	}
	a.log.Info().Str("coordinator", a.cfg.CoordinatorURL).Int("cpu_cores", a.caps.CPUCores).Uint64("total_memory", a.caps.TotalMemory).Strs("models", a.caps.Models).Msg("registered with coordinator")
	return nil
}

// Unregister removes the worker from the coordinator. A worker the
// coordinator no longer knows is not an error.
func (a *Agent) Unregister(ctx context.Context) error {
	resp, err := a.coordinatorRequest(ctx, http.MethodDelete, "/api/workers/"+url.PathEscape(a.cfg.WorkerID), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unregister: status %d", resp.StatusCode)
	}
	return nil
}
