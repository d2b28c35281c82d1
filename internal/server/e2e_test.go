package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/edgepool/internal/agent"
	"github.com/gaspardpetit/edgepool/internal/api"
	"github.com/gaspardpetit/edgepool/internal/config"
	"github.com/gaspardpetit/edgepool/internal/dispatch"
	"github.com/gaspardpetit/edgepool/internal/health"
	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/transport"
)

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, _ := url.Parse(raw)
	h, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split %s: %v", raw, err)
	}
	n, _ := strconv.Atoi(p)
	return h, n
}

func TestE2EAgentRunsJob(t *testing.T) {
	reg := registry.New()
	mon := health.New(reg, transport.NewHTTPProber(), health.Options{Interval: time.Minute, Timeout: time.Second})
	disp := dispatch.New(reg, mon, nil, transport.NewHTTPExecutor("wtok"), dispatch.Options{})
	cfg := config.CoordinatorConfig{Port: 8080, APIKey: "key"}
	var st State
	st.Set(StateReady)
	coord := httptest.NewServer(New(cfg, &st, &api.API{Dispatcher: disp, Registry: reg, Healthy: mon.Healthy}, nil))
	defer coord.Close()

	// The agent listener must exist before registration so its port is known.
	agentSrv := httptest.NewUnstartedServer(nil)
	host, port := hostPort(t, "http://"+agentSrv.Listener.Addr().String())
	a := agent.New(config.AgentConfig{
		WorkerID:       "edge-1",
		Host:           host,
		Port:           port,
		CoordinatorURL: coord.URL,
		CoordinatorKey: "key",
		Token:          "wtok",
		Models:         []string{"gemma"},
		MaxConcurrency: 2,
	}, registry.Capabilities{CPUCores: 4, TotalMemory: 8 << 30, Models: []string{"gemma"}})
	agentSrv.Config.Handler = a.Handler()
	agentSrv.Start()
	defer agentSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	w, ok := reg.Get("edge-1")
	if !ok || w.Status != registry.StatusOnline || w.Address.Port != port {
		t.Fatalf("worker not registered: %+v", w)
	}
	if res, err := transport.NewHTTPProber().Probe(ctx, w.Address); err != nil || !res.Alive {
		t.Fatalf("agent health: %+v %v", res, err)
	}

	req, _ := http.NewRequest(http.MethodPost, coord.URL+"/api/jobs", strings.NewReader(`{"model":"gemma","requirements":{"threads":2},"payload":{"prompt":"hello"}}`))
	req.Header.Set("Authorization", "Bearer key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var sub struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sub)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || sub.ID == "" {
		t.Fatalf("submit status %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, coord.URL+"/api/jobs/"+sub.ID+"/wait?timeout=5s", nil)
	req.Header.Set("Authorization", "Bearer key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var done struct {
		Status   string `json:"status"`
		WorkerID string `json:"worker_id"`
		Result   struct {
			Model string          `json:"model"`
			Echo  json.RawMessage `json:"echo"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.Status != "completed" || done.WorkerID != "edge-1" || string(done.Result.Echo) != `{"prompt":"hello"}` {
		t.Fatalf("unexpected task %+v", done)
	}
	if w, _ := reg.Get("edge-1"); w.Load != 0 {
		t.Fatalf("load not released: %v", w.Load)
	}

	if err := a.Unregister(ctx); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("worker still registered")
	}
}
