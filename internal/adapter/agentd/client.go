// Package agentd provides a minimal HTTP client for the agent runtime
// daemon, which owns the worker pool and executes assignments.
package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Client implements domain.WorkerPool and domain.Executor against the
// agent runtime's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// execClient has no timeout: executions are long-lived and bounded
	// by the request context instead.
	execClient *http.Client
}

// New constructs a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		execClient: &http.Client{},
	}
}

// AvailableWorkers lists workers the pool considers assignable.
func (c *Client) AvailableWorkers(ctx domain.Context) ([]domain.Worker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/workers/available", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=agentd.available_workers: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=agentd.available_workers: status %d", resp.StatusCode)
	}
	var out struct {
		Workers []domain.Worker `json:"workers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=agentd.available_workers: %w", err)
	}
	return out.Workers, nil
}

// AssignWork tells the pool which item and role a worker now carries.
func (c *Client) AssignWork(ctx domain.Context, workerID, itemID string, role domain.WorkerRole) error {
	return c.post(ctx, fmt.Sprintf("/v1/workers/%s/assign", workerID), map[string]any{
		"work_item_id": itemID,
		"role":         role,
	})
}

// ReportError bumps the worker's error counter in the pool.
func (c *Client) ReportError(ctx domain.Context, workerID, message string) error {
	return c.post(ctx, fmt.Sprintf("/v1/workers/%s/errors", workerID), map[string]any{
		"message": message,
	})
}

// CanSpawnMore reports whether the pool has spawn capacity left.
func (c *Client) CanSpawnMore(ctx domain.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/workers/capacity", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var out struct {
		CanSpawn bool `json:"can_spawn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	return out.CanSpawn
}

// Spawn asks the pool for a fresh worker from the given template.
func (c *Client) Spawn(ctx domain.Context, templateID, sessionID string) (domain.Worker, error) {
	b, _ := json.Marshal(map[string]any{
		"template_id": templateID,
		"session_id":  sessionID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/workers", bytes.NewReader(b))
	if err != nil {
		return domain.Worker{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Worker{}, fmt.Errorf("op=agentd.spawn: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Worker{}, fmt.Errorf("op=agentd.spawn: status %d", resp.StatusCode)
	}
	var w domain.Worker
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return domain.Worker{}, fmt.Errorf("op=agentd.spawn: %w", err)
	}
	return w, nil
}

// Execute submits an assignment and blocks until the runtime reports a
// terminal result. The orchestrator calls this from a continuation
// goroutine, so blocking here never stalls the scheduling cycle.
func (c *Client) Execute(ctx domain.Context, ec domain.ExecutionContext) (domain.ExecutionResult, error) {
	b, err := json.Marshal(ec)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=agentd.execute: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/executions", bytes.NewReader(b))
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.execClient.Do(req)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=agentd.execute: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ExecutionResult{}, fmt.Errorf("op=agentd.execute: status %d", resp.StatusCode)
	}
	var res domain.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("op=agentd.execute: %w", err)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) error {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=agentd.post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=agentd.post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
