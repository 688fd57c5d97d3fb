package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPConfig configures an HTTP-backed adapter.
type HTTPConfig struct {
	// BaseURL is the backend endpoint commands are posted to.
	BaseURL string
	// Timeout bounds a single execution round-trip. Defaults to 30s.
	Timeout time.Duration
	// Headers are attached to every request, e.g. an API key.
	Headers map[string]string
}

// HTTP forwards commands to a remote backend as JSON. The backend is expected
// to answer with a {success, data, error} envelope; responses that do not
// carry the envelope are treated as opaque success data.
type HTTP struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

// NewHTTP creates an HTTP adapter.
func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		headers: cfg.Headers,
	}
}

type commandEnvelope struct {
	AppID    string                 `json:"app_id"`
	ActionID string                 `json:"action_id"`
	Params   map[string]interface{} `json:"params"`
	Context  Context                `json:"context"`
}

// Execute implements Adapter.
func (h *HTTP) Execute(ctx context.Context, appID, actionID string, params map[string]interface{}, cctx Context) (Result, error) {
	payload, err := json.Marshal(commandEnvelope{
		AppID:    appID,
		ActionID: actionID,
		Params:   params,
		Context:  cctx,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s.%s: %w", appID, actionID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = fmt.Sprintf("backend returned status %d", resp.StatusCode)
		}
		return Fail(msg), nil
	}

	return decodeResult(body)
}

// decodeResult maps a backend response body onto a Result. Bodies carrying
// the {success, ...} envelope are unpacked; anything else becomes the data
// of a successful result.
func decodeResult(body []byte) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Ok(string(body)), nil
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.Get("success").Exists() {
		var data interface{}
		if err := json.Unmarshal(body, &data); err != nil {
			return Result{}, fmt.Errorf("decode response: %w", err)
		}
		return Ok(data), nil
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("decode result envelope: %w", err)
	}
	return result, nil
}
