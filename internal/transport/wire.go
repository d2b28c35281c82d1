// Package transport implements the worker collaborators over plain HTTP:
// POST /api/inference runs a job and GET /api/health reports liveness.
package transport

import "encoding/json"

const (
	InferencePath = "/api/inference"
	HealthPath    = "/api/health"
)

// InferenceRequest is the body posted to a worker.
type InferenceRequest struct {
	TaskID  string          `json:"task_id"`
	Model   string          `json:"model"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse is the body a worker returns with a non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /api/health. Load is optional.
type HealthResponse struct {
	Status string   `json:"status"`
	Load   *float64 `json:"load,omitempty"`
}

// rawPayload embeds p as JSON. Bytes that are not valid JSON are sent as a
// JSON string.
func rawPayload(p []byte) (json.RawMessage, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if json.Valid(p) {
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(string(p))
	if err != nil {
		return nil, err
	}
	return b, nil
}
