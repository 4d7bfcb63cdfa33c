// Package client provides a Go SDK for the aiorg HTTP API.
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

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// Client calls the aiorg HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3548"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3548").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// ListTenants returns all tenants.
func (c *Client) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	err := c.doJSON(ctx, http.MethodGet, "/tenants", nil, &out)
	return out, err
}

// CreateTenant creates a tenant. Pass a nil balance for the server default.
func (c *Client) CreateTenant(ctx context.Context, name string, balance *float64) (*models.Tenant, error) {
	body := map[string]any{"name": name}
	if balance != nil {
		body["balance"] = *balance
	}
	var out models.Tenant
	err := c.doJSON(ctx, http.MethodPost, "/tenants", body, &out)
	return &out, err
}

// GetTenant returns one tenant.
func (c *Client) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var out models.Tenant
	err := c.doJSON(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenantID), nil, &out)
	return &out, err
}

// Credit adds budget to a tenant and returns the new balance.
func (c *Client) Credit(ctx context.Context, tenantID string, amount float64) (balance float64, err error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/credit",
		map[string]float64{"amount": amount}, &out)
	return out.Balance, err
}

// CreatePurpose creates a purpose under a tenant.
func (c *Client) CreatePurpose(ctx context.Context, tenantID, name, description string) (*models.Purpose, error) {
	var out models.Purpose
	err := c.doJSON(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/purposes",
		map[string]string{"name": name, "description": description}, &out)
	return &out, err
}

// ListPurposes returns a tenant's purposes.
func (c *Client) ListPurposes(ctx context.Context, tenantID string) ([]models.Purpose, error) {
	var out []models.Purpose
	err := c.doJSON(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenantID)+"/purposes", nil, &out)
	return out, err
}

// NewTask describes a task to create.
type NewTask struct {
	Description      string   `json:"description"`
	PurposeID        *string  `json:"purpose_id,omitempty"`
	BusinessValue    float64  `json:"business_value"`
	TokensPlan       int64    `json:"tokens_plan"`
	PurposeRelevance float64  `json:"purpose_relevance"`
	DependsOn        []string `json:"depends_on,omitempty"`
}

// CreateTask creates a task, optionally behind prerequisites.
func (c *Client) CreateTask(ctx context.Context, tenantID string, nt NewTask) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/tasks", nt, &out)
	return &out, err
}

// ListTasks returns tasks for a tenant, newest first. Empty status lists all;
// limit 0 uses the server default.
func (c *Client) ListTasks(ctx context.Context, tenantID, status string, limit int) ([]models.Task, error) {
	path := "/tenants/" + url.PathEscape(tenantID) + "/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetTask returns a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Status       *string `json:"status,omitempty"`
	Owner        *string `json:"owner,omitempty"`
	Notes        *string `json:"notes,omitempty"`
	TokensActual *int64  `json:"tokens_actual,omitempty"`
	TokensPlan   *int64  `json:"tokens_plan,omitempty"`
	Description  *string `json:"description,omitempty"`
}

// UpdateTask patches a task. This is the worker callback: reporting status done
// with tokens_actual settles the spend against the tenant budget.
func (c *Client) UpdateTask(ctx context.Context, taskID string, p TaskPatch) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(taskID), p, &out)
	return &out, err
}

// CompleteTask marks a task done, reporting actual token spend.
func (c *Client) CompleteTask(ctx context.Context, taskID string, tokensActual int64) (*models.Task, error) {
	done := models.StatusDone
	return c.UpdateTask(ctx, taskID, TaskPatch{Status: &done, TokensActual: &tokensActual})
}

// FailTask marks a task failed with a note carrying the error context.
func (c *Client) FailTask(ctx context.Context, taskID, note string) (*models.Task, error) {
	failed := models.StatusFailed
	p := TaskPatch{Status: &failed}
	if note != "" {
		p.Notes = &note
	}
	return c.UpdateTask(ctx, taskID, p)
}

// AddDependency makes taskID wait for dependsOnTaskID.
func (c *Client) AddDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/dependencies",
		map[string]string{"depends_on_task_id": dependsOnTaskID}, nil)
}

// RemoveDependency deletes a prerequisite edge; the task may become ready
// on the daemon's next scheduling pass.
func (c *Client) RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID)+"/dependencies",
		map[string]string{"depends_on_task_id": dependsOnTaskID}, nil)
}

// Dependencies returns the prerequisites of a task.
func (c *Client) Dependencies(ctx context.Context, taskID string) ([]models.Dependency, error) {
	var out struct {
		DependsOn []models.Dependency `json:"depends_on"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/dependencies", nil, &out)
	return out.DependsOn, err
}

// Stats returns the backlog snapshot for a tenant.
func (c *Client) Stats(ctx context.Context, tenantID string) (*models.BacklogStats, error) {
	var out models.BacklogStats
	err := c.doJSON(ctx, http.MethodGet, "/tenants/"+url.PathEscape(tenantID)+"/stats", nil, &out)
	return &out, err
}

// RebuildGraph rebuilds the tenant's readiness index from the ledger store and
// returns the resulting node count.
func (c *Client) RebuildGraph(ctx context.Context, tenantID string) (nodes int, err error) {
	var out struct {
		Nodes int `json:"nodes"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/graph/rebuild", nil, &out)
	return out.Nodes, err
}
