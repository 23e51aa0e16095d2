package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"robofleet/internal/model"
	"robofleet/pkg/logger"
)

// ModelVersionHeader carries the active model version on fallback requests
const ModelVersionHeader = "X-Model-Version"

// HTTPFallback degraded-mode REST path: POST {baseURL}/predict with a JSON
// observation (image base64) returning a JSON action chunk.
type HTTPFallback struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFallback creates a fallback client for baseURL
func NewHTTPFallback(baseURL string, timeout time.Duration) *HTTPFallback {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFallback{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type fallbackError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Predict runs one inference over REST
func (f *HTTPFallback) Predict(ctx context.Context, obs *model.Observation, modelVersion string) (*model.ActionChunk, error) {
	body, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observation: %w", err)
	}

	url := f.baseURL + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if modelVersion != "" {
		req.Header.Set(ModelVersionHeader, modelVersion)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp fallbackError
		if err := json.Unmarshal(respData, &errResp); err == nil {
			if msg := errResp.Error + errResp.Detail; msg != "" {
				return nil, fmt.Errorf("fallback predict error (status %d): %s", resp.StatusCode, msg)
			}
		}
		return nil, fmt.Errorf("fallback predict error (status %d): %s", resp.StatusCode, string(respData))
	}

	var chunk model.ActionChunk
	if err := json.Unmarshal(respData, &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse predict response: %w", err)
	}
	logger.Debugf("fallback predict returned %d actions in %.1fms", len(chunk.Actions), chunk.InferenceTimeMs)
	return &chunk, nil
}

var _ Fallback = (*HTTPFallback)(nil)
