// internal/client/api.go
// Package client provides API client functionality for the xleth controller
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"xleth/internal/api"
)

// APIClient represents a client for the xleth REST API
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates a new API client. addr is host:port or a full URL.
func NewAPIClient(addr string) *APIClient {
	base := addr
	if strings.HasPrefix(base, ":") {
		base = "localhost" + base
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &APIClient{
		BaseURL: strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetHealth calls the health endpoint
func (c *APIClient) GetHealth() (*api.HealthResponse, error) {
	var result api.HealthResponse
	if err := c.get("/api/v1/health", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMetrics returns the search and DAG counters
func (c *APIClient) GetMetrics() (*api.MetricsResponse, error) {
	var result api.MetricsResponse
	if err := c.get("/api/v1/metrics", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDevice returns the selected device
func (c *APIClient) GetDevice() (*api.DeviceResponse, error) {
	var result api.DeviceResponse
	if err := c.get("/api/v1/device", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSolution returns the last solution. A nil result with nil error means
// none has been found yet.
func (c *APIClient) GetSolution() (*api.SolutionResponse, error) {
	var result api.SolutionResponse
	if err := c.get("/api/v1/solution", &result); err != nil {
		if se, ok := err.(*StatusError); ok && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// Verify asks the controller to check a solution on the host
func (c *APIClient) Verify(req api.VerifyRequest) (bool, error) {
	var result api.VerifyResponse
	if err := c.post("/api/v1/verify", req, &result); err != nil {
		return false, err
	}
	return result.Valid, nil
}

// Stop cancels a running search
func (c *APIClient) Stop() (bool, error) {
	var result api.StopResponse
	if err := c.post("/api/v1/stop", struct{}{}, &result); err != nil {
		return false, err
	}
	return result.Stopped, nil
}

// StatusError is a non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Code, e.Message)
}

// post makes a POST request to the API
func (c *APIClient) post(endpoint string, data, out any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.HTTPClient.Post(c.BaseURL+endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// get makes a GET request to the API
func (c *APIClient) get(endpoint string, out any) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + endpoint)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	// Read response body first to provide better error messages
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := preview(respBody, 200)
		if json.Unmarshal(respBody, &errResp) == nil && (errResp.Error != "" || errResp.Message != "") {
			msg = errResp.Error
			if msg == "" {
				msg = errResp.Message
			}
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "json") {
		return fmt.Errorf("unexpected content type %q (expected JSON): %s", contentType, preview(respBody, 100))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w (response: %s)", err, preview(respBody, 100))
	}
	return nil
}

// preview truncates a body for error messages (avoid huge HTML dumps)
func preview(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
