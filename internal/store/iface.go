package store

import (
	"context"
	"time"

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// TaskChanges is a partial update for a task. Nil fields are left untouched.
// Applying the same changes twice is a harmless no-op on the supplied fields
// (last-write-wins, not compare-and-swap).
type TaskChanges struct {
	Description      *string
	Status           *string
	Owner            *string
	Notes            *string
	BusinessValue    *float64
	TokensPlan       *int64
	TokensActual     *int64
	PurposeRelevance *float64
	Retries          *int
}

// Empty reports whether no field is set.
func (c TaskChanges) Empty() bool {
	return c.Description == nil && c.Status == nil && c.Owner == nil && c.Notes == nil &&
		c.BusinessValue == nil && c.TokensPlan == nil && c.TokensActual == nil &&
		c.PurposeRelevance == nil && c.Retries == nil
}

// Store is the authoritative persistence interface for tenants, purposes,
// tasks, and dependency edges. Implementations: the SQLite store (default)
// and *postgres.Store.
type Store interface {
	// Tenants
	CreateTenant(ctx context.Context, name string, balance float64) (models.Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	SetTenantActive(ctx context.Context, tenantID string, active bool) error
	// Balance ops are single atomic statements, deliberately outside any task
	// transaction; the Budget Ledger builds on them.
	TenantBalance(ctx context.Context, tenantID string) (float64, error)
	AdjustTenantBalance(ctx context.Context, tenantID string, delta float64) (before, after float64, err error)

	// Purposes
	CreatePurpose(ctx context.Context, tenantID, name, description string) (models.Purpose, error)
	ListPurposes(ctx context.Context, tenantID string) ([]models.Purpose, error)
	SetPurposeActive(ctx context.Context, purposeID string, active bool) error

	// Tasks
	CreateTask(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics) (models.Task, error)
	// CreateTaskWithDeps creates the task and its incoming dependency edges in
	// one transaction. Every id in dependsOn must already exist (ErrDanglingEdge).
	CreateTaskWithDeps(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics, dependsOn []string, origin string) (models.Task, error)
	GetTask(ctx context.Context, taskID string) (models.Task, error)
	UpdateTask(ctx context.Context, taskID string, ch TaskChanges) (models.Task, error)
	ListTasks(ctx context.Context, tenantID string, limit int) ([]models.Task, error)
	ListTasksByStatus(ctx context.Context, tenantID, status string, limit int) ([]models.Task, error)
	CountTasksByStatus(ctx context.Context, tenantID, status string) (int, error)
	ListRetryableFailed(ctx context.Context, tenantID string, maxRetries int, olderThan time.Time) ([]models.Task, error)

	// Dependencies
	AddDependency(ctx context.Context, fromID, toID, kind, origin string) error
	RemoveDependency(ctx context.Context, fromID, toID string) error
	ListDependencies(ctx context.Context, tenantID string) ([]models.Dependency, error)
	DependenciesOf(ctx context.Context, taskID string) ([]models.Dependency, error)
	DependentsOf(ctx context.Context, taskID string) ([]models.Dependency, error)

	// Lifecycle
	SeedDemo(ctx context.Context) error
	Close() error
}
