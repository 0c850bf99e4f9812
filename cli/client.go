package main

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

	"github.com/xiaot623/fleetd/internal/domain"
)

// APIError is a non-2xx response from fleetd.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.Status)
}

// Client calls the fleetd operator API.
type Client struct {
	// Token is sent as a bearer token when set.
	Token string

	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error struct {
				Code      string `json:"code"`
				Message   string `json:"message"`
				Retryable bool   `json:"retryable"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
			apiErr.Retryable = payload.Error.Retryable
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListAgents lists agents matching filter.
func (c *Client) ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.RiskLevel != "" {
		q.Set("risk", string(filter.RiskLevel))
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	var resp struct {
		Agents []domain.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agents", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var agent domain.Agent
	err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id), nil, nil, &agent)
	return agent, err
}

// SetStatus moves an agent to status.
func (c *Client) SetStatus(ctx context.Context, id string, status domain.AgentStatus) (domain.Agent, error) {
	var agent domain.Agent
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/status", nil,
		domain.StatusChangeRequest{Status: status}, &agent)
	return agent, err
}

// PurgeAgent removes an agent.
func (c *Client) PurgeAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(id), nil, nil, nil)
}

// SubmitCommand submits a command or broadcast.
func (c *Client) SubmitCommand(ctx context.Context, req domain.SubmitRequest) (domain.CommandHandle, error) {
	var handle domain.CommandHandle
	err := c.do(ctx, http.MethodPost, "/v1/commands", nil, req, &handle)
	return handle, err
}

// GetCommand fetches a command by id.
func (c *Client) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	var cmd domain.Command
	err := c.do(ctx, http.MethodGet, "/v1/commands/"+url.PathEscape(id), nil, nil, &cmd)
	return cmd, err
}

// ListCommands lists commands matching filter.
func (c *Client) ListCommands(ctx context.Context, filter domain.CommandFilter) ([]domain.Command, error) {
	q := url.Values{}
	if filter.State != "" {
		q.Set("state", string(filter.State))
	}
	if filter.TargetID != "" {
		q.Set("target_id", filter.TargetID)
	}
	if filter.Pending {
		q.Set("pending", "true")
	}
	var resp struct {
		Commands []domain.Command `json:"commands"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/commands", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// Snapshot fetches the full fleet state.
func (c *Client) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, nil, &snap)
	return snap, err
}

// Stats fetches server statistics.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &stats)
	return stats, err
}

// AuthHeader carries the operator token, or nothing when none is set.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// StreamURL is the WebSocket address of the live stream.
func (c *Client) StreamURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/stream"
}
