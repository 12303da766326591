package gobii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gobii_runner/internal/model"
)

// DefaultBaseURL is the public Gobii API endpoint
const DefaultBaseURL = "https://api.gobii.org"

const browserUsePath = "/tasks/browser-use/"

// TaskRef is the server view of a task
type TaskRef struct {
	ID     string
	Status model.TaskStatus
	Result *string
}

// CredentialSource supplies the API key for each request
type CredentialSource interface {
	Get(ctx context.Context) (string, bool, error)
}

// Client talks to the Gobii browser-use API
type Client struct {
	httpClient  *http.Client
	baseURL     string
	credentials CredentialSource
}

// Config holds client settings
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Credentials CredentialSource
}

// NewClient creates a new Gobii client
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		credentials: cfg.Credentials,
	}
}

// submitRequest is the POST body for a new browser-use task
type submitRequest struct {
	Prompt       string              `json:"prompt"`
	OutputSchema *model.OutputSchema `json:"output_schema,omitempty"`
}

// taskResponse is the body returned by both endpoints
type taskResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Submit creates a remote task for prompt
func (c *Client) Submit(ctx context.Context, prompt string, schema *model.OutputSchema) (TaskRef, error) {
	body, err := json.Marshal(submitRequest{Prompt: prompt, OutputSchema: schema})
	if err != nil {
		return TaskRef{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+browserUsePath, body)
}

// FetchStatus returns the current state of a remote task
func (c *Client) FetchStatus(ctx context.Context, id string) (TaskRef, error) {
	if id == "" {
		return TaskRef{}, fmt.Errorf("task id is required")
	}
	return c.do(ctx, http.MethodGet, c.baseURL+browserUsePath+url.PathEscape(id)+"/", nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (TaskRef, error) {
	apiKey, err := c.apiKey(ctx)
	if err != nil {
		return TaskRef{}, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return TaskRef{}, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TaskRef{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return TaskRef{}, &TransportError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TaskRef{}, &ServerError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return decodeTask(respBody)
}

func (c *Client) apiKey(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return "", &AuthError{Err: ErrMissingAPIKey}
	}
	key, ok, err := c.credentials.Get(ctx)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to load API key: %w", err)}
	}
	if !ok || strings.TrimSpace(key) == "" {
		return "", &AuthError{Err: ErrMissingAPIKey}
	}
	return key, nil
}

func decodeTask(body []byte) (TaskRef, error) {
	var tr taskResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TaskRef{}, &DecodeError{Err: err}
	}
	if tr.ID == "" {
		return TaskRef{}, &DecodeError{Err: fmt.Errorf("response has no task id")}
	}

	status, _ := model.ParseTaskStatus(tr.Status)
	ref := TaskRef{ID: tr.ID, Status: status}

	result, err := decodeResult(tr.Result)
	if err != nil {
		return TaskRef{}, &DecodeError{Err: err}
	}
	ref.Result = result
	return ref, nil
}

// decodeResult keeps string results verbatim and structured results as compact JSON
func decodeResult(raw json.RawMessage) (*string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("invalid result string: %w", err)
		}
		return &s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("invalid result payload: %w", err)
	}
	s := buf.String()
	return &s, nil
}
