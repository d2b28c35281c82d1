package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/edgepool/core/logx"
)

//go:embed openapi.yaml
var openapiYAML []byte

var (
	specOnce sync.Once
	spec     *openapi3.T
	specJSON []byte
	specErr  error
)

// Spec returns the parsed and validated OpenAPI document.
func Spec() (*openapi3.T, error) {
	specOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData(openapiYAML)
		if err != nil {
			specErr = fmt.Errorf("load openapi: %w", err)
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			specErr = fmt.Errorf("validate openapi: %w", err)
			return
		}
		b, err := doc.MarshalJSON()
		if err != nil {
			specErr = fmt.Errorf("marshal openapi: %w", err)
			return
		}
		spec, specJSON = doc, b
	})
	return spec, specErr
}

// validateSchema checks a decoded JSON value against a named component schema.
func validateSchema(name string, v any) error {
	doc, err := Spec()
	if err != nil {
		return err
	}
	ref, ok := doc.Components.Schemas[name]
	if !ok || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", name)
	}
	return ref.Value.VisitJSON(v)
}

// OpenAPIHandler serves the OpenAPI document as JSON.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := Spec(); err != nil {
			writeError(w, http.StatusInternalServerError, "openapi_unavailable", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(specJSON); err != nil {
			logx.Log.Error().Err(err).Msg("write openapi")
		}
	}
}

// decodeValidated reads a JSON body, validates it against the named schema and
// decodes it into dst.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema string, dst any) error {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := validateSchema(schema, generic); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
