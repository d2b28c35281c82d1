package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gaspardpetit/edgepool/internal/spi"
)

// HTTPProber checks GET /api/health. Any 2xx is alive; a JSON body with a
// "load" field reports the worker's load.
type HTTPProber struct {
	Client *http.Client
}

func NewHTTPProber() *HTTPProber { return &HTTPProber{Client: &http.Client{}} }

func (p *HTTPProber) Probe(ctx context.Context, addr spi.Address) (spi.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr.String()+HealthPath, nil)
	if err != nil {
		return spi.ProbeResult{}, err
	}
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return spi.ProbeResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return spi.ProbeResult{}, fmt.Errorf("health status %d", resp.StatusCode)
	}
	var hr HealthResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if len(body) > 0 && json.Unmarshal(body, &hr) == nil {
		return spi.ProbeResult{Alive: true, Load: hr.Load}, nil
	}
	return spi.ProbeResult{Alive: true}, nil
}
