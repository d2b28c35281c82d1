package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gaspardpetit/edgepool/internal/spi"
)

// maxResponseBytes caps how much of a worker response is read.
const maxResponseBytes = 64 << 20

// HTTPExecutor posts jobs to workers. The context bounds each call; the client
// itself has no timeout.
type HTTPExecutor struct {
	Client *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

func NewHTTPExecutor(token string) *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{}, Token: token}
}

func (e *HTTPExecutor) Execute(ctx context.Context, addr spi.Address, job spi.Job) ([]byte, error) {
	payload, err := rawPayload(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	body, err := json.Marshal(InferenceRequest{TaskID: job.TaskID, Model: job.Model, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr.String()+InferencePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w: %v", spi.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}
	resp, err := e.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("post %s: %w", addr, ctx.Err())
		}
		return nil, fmt.Errorf("post %s: %w: %v", addr, spi.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read %s: %w", addr, ctx.Err())
		}
		return nil, &spi.ExecutionError{StatusCode: resp.StatusCode, Detail: "read response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &spi.ExecutionError{StatusCode: resp.StatusCode, Detail: errorDetail(resp.StatusCode, data)}
	}
	return data, nil
}

func (e *HTTPExecutor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

// errorDetail prefers the worker's {"error": ...} message and falls back to
// the raw body, then to the status text.
func errorDetail(code int, body []byte) string {
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return er.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(code)
}
