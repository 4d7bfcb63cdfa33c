// Package models provides shared types for the ai-org HTTP API and external tools.
// These types mirror the API JSON and are stable for use by workers and other consumers.
package models

import "time"

// Tenant owns purposes, tasks, and a spending balance. Tenants are never
// deleted, only deactivated.
type Tenant struct {
	TenantID   string     `json:"tenant_id"`
	Name       string     `json:"name"`
	Balance    float64    `json:"balance"`
	MonthlyCap *float64   `json:"monthly_cap,omitempty"`
	Email      *string    `json:"email,omitempty"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// Purpose is a named project/initiative under a tenant. Immutable after
// creation except for the activation flag.
type Purpose struct {
	PurposeID   string    `json:"purpose_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Task is the unit of work. Notes double as a human-readable audit trail and
// carry error context into retries.
type Task struct {
	TaskID           string    `json:"task_id"`
	TenantID         string    `json:"tenant_id"`
	PurposeID        *string   `json:"purpose_id,omitempty"`
	Description      string    `json:"description"`
	BusinessValue    float64   `json:"business_value"`    // 0..10
	TokensPlan       int64     `json:"tokens_plan"`       // estimated cost basis
	TokensActual     int64     `json:"tokens_actual"`     // accumulated real cost
	PurposeRelevance float64   `json:"purpose_relevance"` // 0..1
	Status           string    `json:"status"`
	Owner            *string   `json:"owner,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	Retries          int       `json:"retries"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// Dependency is a directed edge: FromTaskID (prerequisite) must reach done
// before ToTaskID (dependent) may start.
type Dependency struct {
	ID         int64     `json:"id,omitempty"`
	FromTaskID string    `json:"from_task_id"`
	ToTaskID   string    `json:"to_task_id"`
	Kind       string    `json:"kind"`
	Origin     string    `json:"origin,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// TaskMetrics bundles the planning metrics supplied at task creation.
type TaskMetrics struct {
	BusinessValue    float64 `json:"business_value"`
	TokensPlan       int64   `json:"tokens_plan"`
	PurposeRelevance float64 `json:"purpose_relevance"`
}

// BacklogStats is the telemetry snapshot published on the slow cadence.
type BacklogStats struct {
	Todo          int     `json:"todo"`
	Blocked       int     `json:"blocked"`
	BudgetBlocked int     `json:"budget_blocked"`
	CriticalPath  int     `json:"critical_path"`
	BudgetLeft    float64 `json:"budget_left"`
}
