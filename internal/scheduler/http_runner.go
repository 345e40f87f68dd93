package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRunnerConfig configures the webhook-trigger runner.
type HTTPRunnerConfig struct {
	// TriggerURL receives a POST per suite run.
	TriggerURL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// HTTPTimeout bounds the trigger call. The queue applies its own
	// per-operation timeout on top of this.
	HTTPTimeout time.Duration
}

// HTTPRunner triggers suite runs by POSTing to a CI webhook endpoint.
// The body is {"suite": ..., "params": ...}; the response body is kept
// as the operation result.
type HTTPRunner struct {
	config HTTPRunnerConfig
	client *http.Client
}

// Compile-time interface check.
var _ Runner = (*HTTPRunner)(nil)

// NewHTTPRunner creates a webhook-trigger runner.
func NewHTTPRunner(config HTTPRunnerConfig) *HTTPRunner {
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPRunner{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// RunSuite POSTs the trigger request and returns the endpoint's response.
func (r *HTTPRunner) RunSuite(ctx context.Context, suite string, params json.RawMessage) (json.RawMessage, error) {
	trigger := struct {
		Suite  string          `json:"suite"`
		Params json.RawMessage `json:"params,omitempty"`
	}{Suite: suite, Params: params}

	body, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("encode trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.TriggerURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build trigger request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if r.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.AuthToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trigger suite %q: %w", suite, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTriggerResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read trigger response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("trigger suite %q: endpoint returned %d", suite, resp.StatusCode)
	}

	if len(respBody) == 0 || !json.Valid(respBody) {
		// Non-JSON trigger responses are still a success; wrap them so
		// the stored result stays valid JSON.
		wrapped, wrapErr := json.Marshal(struct {
			Raw string `json:"raw"`
		}{Raw: string(respBody)})
		if wrapErr != nil {
			return nil, fmt.Errorf("wrap trigger response: %w", wrapErr)
		}

		return wrapped, nil
	}

	return respBody, nil
}

// maxTriggerResponseSize caps how much of the CI endpoint's response is
// stored as the operation result.
const maxTriggerResponseSize = 64 * 1024
