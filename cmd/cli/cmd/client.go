package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"caeplane/pkg/api"
)

// PlaneClient handles API calls to the caeplane controller.
type PlaneClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewPlaneClient creates a new client with the given base URL and token.
func NewPlaneClient(baseURL, token string) *PlaneClient {
	return &PlaneClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			// Real executions wait on the portal.
			Timeout: 5 * time.Minute,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	EvidenceRef string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *PlaneClient) do(method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
		var e api.ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.ErrorCode != "" {
			apiErr.Code = e.ErrorCode
			apiErr.Message = e.Message
			apiErr.EvidenceRef = e.EvidenceRef
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// BuildPlan sends POST /plans.
func (c *PlaneClient) BuildPlan(req api.BuildPlanRequest) (*api.BuildPlanResponse, error) {
	var result api.BuildPlanResponse
	if err := c.do(http.MethodPost, "/plans", req, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPlan sends GET /plans/{id}.
func (c *PlaneClient) GetPlan(planID string) (*api.PlanResponse, error) {
	var result api.PlanResponse
	if err := c.do(http.MethodGet, "/plans/"+planID, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecutePlan sends POST /plans/{id}/execute. intent sets the real uploader
// intent header.
func (c *PlaneClient) ExecutePlan(planID string, req api.ExecutePlanRequest, intent bool) (*api.ExecutionResponse, error) {
	var headers map[string]string
	if intent {
		headers = map[string]string{api.RealUploaderIntentHeader: "true"}
	}
	var result api.ExecutionResponse
	if err := c.do(http.MethodPost, "/plans/"+planID+"/execute", req, headers, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartHeadfulRun sends POST /headful/runs.
func (c *PlaneClient) StartHeadfulRun(req api.StartHeadfulRunRequest) (*api.HeadfulRunResponse, error) {
	var result api.HeadfulRunResponse
	if err := c.do(http.MethodPost, "/headful/runs", req, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HeadfulAction sends POST /headful/runs/{id}/actions.
func (c *PlaneClient) HeadfulAction(runID string, req api.HeadfulActionRequest) (*api.HeadfulActionResponse, error) {
	var result api.HeadfulActionResponse
	if err := c.do(http.MethodPost, "/headful/runs/"+runID+"/actions", req, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HeadfulStatus sends GET /headful/runs/{id}.
func (c *PlaneClient) HeadfulStatus(runID string) (*api.HeadfulRunResponse, error) {
	var result api.HeadfulRunResponse
	if err := c.do(http.MethodGet, "/headful/runs/"+runID, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CloseHeadfulRun sends DELETE /headful/runs/{id}.
func (c *PlaneClient) CloseHeadfulRun(runID string) (*api.HeadfulRunResponse, error) {
	var result api.HeadfulRunResponse
	if err := c.do(http.MethodDelete, "/headful/runs/"+runID, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
