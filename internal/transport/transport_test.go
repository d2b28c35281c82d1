package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gaspardpetit/edgepool/internal/spi"
)

func addrOf(t *testing.T, srv *httptest.Server) spi.Address {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	host, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return spi.Address{Host: host, Port: p}
}

func TestExecuteSuccess(t *testing.T) {
	var got InferenceRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != InferencePath || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"text":"hello"}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor("secret")
	out, err := e.Execute(context.Background(), addrOf(t, srv), spi.Job{TaskID: "t1", Model: "gemma", Payload: []byte(`{"prompt":"hi"}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(out) != `{"text":"hello"}` {
		t.Fatalf("unexpected body %s", out)
	}
	if got.TaskID != "t1" || got.Model != "gemma" || string(got.Payload) != `{"prompt":"hi"}` {
		t.Fatalf("unexpected request %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth %q", auth)
	}
}

func TestExecuteNonJSONPayloadIsQuoted(t *testing.T) {
	var got InferenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()
	if _, err := NewHTTPExecutor("").Execute(context.Background(), addrOf(t, srv), spi.Job{Payload: []byte("plain text")}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(got.Payload) != `"plain text"` {
		t.Fatalf("unexpected payload %s", got.Payload)
	}
}

func TestExecuteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
	}))
	defer srv.Close()
	_, err := NewHTTPExecutor("").Execute(context.Background(), addrOf(t, srv), spi.Job{})
	var ee *spi.ExecutionError
	if !errors.As(err, &ee) || ee.Detail != "model not loaded" || ee.StatusCode != 500 {
		t.Fatalf("expected execution error, got %v", err)
	}

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := addrOf(t, closed)
	closed.Close()
	_, err = NewHTTPExecutor("").Execute(context.Background(), addr, spi.Job{})
	if !errors.Is(err, spi.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestExecuteHonoursDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExecutor("").Execute(ctx, addrOf(t, srv), spi.Job{})
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, spi.ErrTransport) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		alive   bool
		load    *float64
		wantErr bool
	}{
		{name: "load reported", status: 200, body: `{"status":"ok","load":0.25}`, alive: true, load: ptr(0.25)},
		{name: "no body", status: 200, alive: true},
		{name: "plain text", status: 200, body: "OK", alive: true},
		{name: "unhealthy", status: 503, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != HealthPath {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			res, err := NewHTTPProber().Probe(context.Background(), addrOf(t, srv))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if res.Alive != tt.alive {
				t.Fatalf("alive = %v", res.Alive)
			}
			if (res.Load == nil) != (tt.load == nil) || (res.Load != nil && *res.Load != *tt.load) {
				t.Fatalf("load = %v", res.Load)
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }
