package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the pipelines API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Stage mirrors one stage execution in API payloads.
type Stage struct {
	OrderIndex int        `json:"order_index"`
	Name       string     `json:"stage_name"`
	Type       string     `json:"stage_type"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Logs       string     `json:"logs,omitempty"`
}

// Execution mirrors an execution in API payloads.
type Execution struct {
	ID            string     `json:"execution_id"`
	PipelineID    string     `json:"pipeline_id"`
	Status        string     `json:"status"`
	TriggeredBy   string     `json:"triggered_by"`
	EnvironmentID *string    `json:"environment_id,omitempty"`
	Logs          string     `json:"logs,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Stages        []Stage    `json:"stages"`
}

// Pipeline describes a stored pipeline definition.
type Pipeline struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Config    string    `json:"config"`
	Warning   string    `json:"config_warning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreatePipelineInput is the payload for CreatePipeline.
type CreatePipelineInput struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Config string `json:"config"`
}

// CreatePipeline stores a new pipeline definition.
func (c *Client) CreatePipeline(ctx context.Context, token string, input CreatePipelineInput) (Pipeline, error) {
	var pipeline Pipeline
	if err := c.do(ctx, http.MethodPost, "/pipelines", input, token, &pipeline); err != nil {
		return Pipeline{}, err
	}
	return pipeline, nil
}

// GetPipeline fetches a pipeline definition.
func (c *Client) GetPipeline(ctx context.Context, token, pipelineID string) (Pipeline, error) {
	var pipeline Pipeline
	if err := c.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(pipelineID), nil, token, &pipeline); err != nil {
		return Pipeline{}, err
	}
	return pipeline, nil
}

// UpdatePipelineConfig replaces a pipeline's configuration document.
func (c *Client) UpdatePipelineConfig(ctx context.Context, token, pipelineID, config string) (Pipeline, error) {
	var pipeline Pipeline
	body := map[string]string{"config": config}
	if err := c.do(ctx, http.MethodPut, "/pipelines/"+url.PathEscape(pipelineID), body, token, &pipeline); err != nil {
		return Pipeline{}, err
	}
	return pipeline, nil
}

// DispatchResult is returned when a run has been started.
type DispatchResult struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// Execute starts a run of the pipeline. environmentID may be empty.
func (c *Client) Execute(ctx context.Context, token, pipelineID, environmentID string) (DispatchResult, error) {
	body := map[string]string{}
	if environmentID != "" {
		body["environment_id"] = environmentID
	}
	var res DispatchResult
	if err := c.do(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(pipelineID)+"/execute", body, token, &res); err != nil {
		return DispatchResult{}, err
	}
	return res, nil
}

// GetExecution returns an execution with its stages.
func (c *Client) GetExecution(ctx context.Context, token, executionID string) (Execution, error) {
	var exec Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, token, &exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// LastExecution returns the pipeline's latest execution, or nil when it never ran.
func (c *Client) LastExecution(ctx context.Context, token, pipelineID string) (*Execution, error) {
	var resp struct {
		Execution *Execution `json:"last_execution"`
	}
	if err := c.do(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(pipelineID)+"/executions/last", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

// ListExecutions returns a pipeline's executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, token, pipelineID string, limit int) ([]Execution, error) {
	path := "/pipelines/" + url.PathEscape(pipelineID) + "/executions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var execs []Execution
	if err := c.do(ctx, http.MethodGet, path, nil, token, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// CancelExecution requests cancellation of a running execution.
func (c *Client) CancelExecution(ctx context.Context, token, executionID string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/cancel", nil, token, nil)
}

// WebsocketURL returns the URL of the execution event stream.
func (c *Client) WebsocketURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/executions"
}
