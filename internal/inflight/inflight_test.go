package inflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("zero-value counter should be drained")
	}
	c.Inc()
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatalf("expected timeout while work is in flight")
	}
	go func() {
		c.Dec()
		c.Dec()
	}()
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("expected drain")
	}
	c.Dec()
	if c.Load() != 0 {
		t.Fatalf("counter went negative: %d", c.Load())
	}
}

func TestTryInc(t *testing.T) {
	var c Counter
	if !c.TryInc(2) || !c.TryInc(2) {
		t.Fatalf("expected two slots")
	}
	if c.TryInc(2) {
		t.Fatalf("limit exceeded")
	}
	c.Dec()
	if !c.TryInc(2) {
		t.Fatalf("slot not released")
	}
	if !c.TryInc(0) {
		t.Fatalf("zero limit means unlimited")
	}
}

func TestMiddlewareCounts(t *testing.T) {
	var c Counter
	var seen int64
	h := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = c.Load()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != 1 || c.Load() != 0 {
		t.Fatalf("seen %d, after %d", seen, c.Load())
	}
}
