package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/edgepool/internal/api"
	"github.com/gaspardpetit/edgepool/internal/config"
	"github.com/gaspardpetit/edgepool/internal/dispatch"
	"github.com/gaspardpetit/edgepool/internal/metrics"
	"github.com/gaspardpetit/edgepool/internal/registry"
)

func newHandler(t *testing.T, cfg config.CoordinatorConfig, state *State) *httptest.Server {
	t.Helper()
	reg := registry.New()
	disp := dispatch.New(reg, nil, nil, nil, dispatch.Options{})
	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	ts := httptest.NewServer(New(cfg, state, &api.API{Dispatcher: disp, Registry: reg}, preg))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	ts := newHandler(t, config.CoordinatorConfig{Port: 8080, MetricsAddr: ":8080"}, nil)
	if resp := get(t, ts.URL+"/metrics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	ts := newHandler(t, config.CoordinatorConfig{Port: 8080, MetricsAddr: ":9090"}, nil)
	if resp := get(t, ts.URL+"/metrics"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsHandler(t *testing.T) {
	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	ts := httptest.NewServer(MetricsHandler(preg))
	defer ts.Close()
	if resp := get(t, ts.URL+"/metrics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthzFollowsState(t *testing.T) {
	var st State
	ts := newHandler(t, config.CoordinatorConfig{Port: 8080}, &st)

	cases := []struct {
		set  func()
		want string
		code int
	}{
		{func() {}, StateNotReady, http.StatusServiceUnavailable},
		{func() { st.Set(StateReady) }, StateReady, http.StatusOK},
		{func() { st.StartDrain() }, StateDraining, http.StatusServiceUnavailable},
		{func() { st.Set(StateReady) }, StateDraining, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		tc.set()
		resp := get(t, ts.URL+"/healthz")
		var body healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.StatusCode != tc.code || body.Status != tc.want {
			t.Fatalf("got %d %q, want %d %q", resp.StatusCode, body.Status, tc.code, tc.want)
		}
	}
}

func TestStartDrainOnce(t *testing.T) {
	var st State
	if !st.StartDrain() {
		t.Fatalf("first drain should start")
	}
	if st.StartDrain() {
		t.Fatalf("second drain should report already draining")
	}
	if !st.IsDraining() {
		t.Fatalf("expected draining")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newHandler(t, config.CoordinatorConfig{Port: 8080, AllowedOrigins: []string{"https://ui.example"}}, nil)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/jobs", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Fatalf("allow origin = %q", got)
	}
}
