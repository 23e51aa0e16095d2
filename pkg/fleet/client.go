// Package fleet is the orchestrator side of the robot device API.
package fleet

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

const (
	SwitchPath  = "/api/v1/model/switch"
	MetricsPath = "/api/v1/metrics"
)

// ErrorResponse error body returned by robotd
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client calls robotd device APIs. Robots are addressed by the endpoint they
// advertise in the registry.
type Client struct {
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a device API client. Per-call deadlines come from ctx.
func NewClient(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SwitchModel asks the robot to load a model version. A robot that answered
// with status failed is not an error here; the caller inspects the response.
func (c *Client) SwitchModel(ctx context.Context, robot model.Robot, req model.SwitchModelRequest) (model.SwitchModelResponse, error) {
	var resp model.SwitchModelResponse
	url, err := endpointURL(robot, SwitchPath)
	if err != nil {
		return resp, err
	}
	respData, err := c.doRequest(ctx, http.MethodPost, url, req)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(respData, &resp); err != nil {
		return resp, fmt.Errorf("failed to parse switch response of robot %s: %w", robot.ID, err)
	}
	if resp.RobotID == "" {
		resp.RobotID = robot.ID
	}
	return resp, nil
}

// GetRobotVLAMetrics polls the robot's inference metrics
func (c *Client) GetRobotVLAMetrics(ctx context.Context, robot model.Robot) (model.RobotVLAMetrics, error) {
	var m model.RobotVLAMetrics
	url, err := endpointURL(robot, MetricsPath)
	if err != nil {
		return m, err
	}
	respData, err := c.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(respData, &m); err != nil {
		return m, fmt.Errorf("failed to parse metrics of robot %s: %w", robot.ID, err)
	}
	if m.RobotID == "" {
		m.RobotID = robot.ID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m, nil
}

func endpointURL(robot model.Robot, path string) (string, error) {
	base := strings.TrimRight(robot.Endpoint, "/")
	if base == "" {
		return "", fmt.Errorf("robot %s has no endpoint", robot.ID)
	}
	return base + path, nil
}

func (c *Client) doRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
		logger.Debugf("device API request: %s %s, body: %s", method, url, string(jsonData))
	} else {
		logger.Debugf("device API request: %s %s", method, url)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(respData, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("device API error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("device API error (status %d): %s", resp.StatusCode, string(respData))
	}
	return respData, nil
}
