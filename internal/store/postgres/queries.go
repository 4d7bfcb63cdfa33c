package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

const taskCols = `task_id, tenant_id, purpose_id, description, business_value, tokens_plan, tokens_actual, purpose_relevance, status, owner, notes, retries, created_at, updated_at`

func newID() string   { return uuid.NewString() }
func shortID() string { return uuid.NewString()[:8] }

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		t         models.Task
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&t.TaskID, &t.TenantID, &t.PurposeID, &t.Description, &t.BusinessValue,
		&t.TokensPlan, &t.TokensActual, &t.PurposeRelevance, &t.Status, &t.Owner, &t.Notes,
		&t.Retries, &createdAt, &updatedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTenant(ctx context.Context, name string, balance float64) (models.Tenant, error) {
	if name == "" {
		return models.Tenant{}, errors.New("tenant name required")
	}
	if balance < 0 {
		balance = 0
	}
	id := newID()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO tenants(tenant_id, name, balance, is_active, created_at) VALUES($1, $2, $3, TRUE, $4)`, id, name, balance, now)
	if err != nil {
		return models.Tenant{}, err
	}
	return models.Tenant{TenantID: id, Name: name, Balance: balance, IsActive: true, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	row := s.Pool.QueryRow(ctx, `SELECT tenant_id, name, balance, monthly_cap, email, is_active, created_at, updated_at FROM tenants WHERE tenant_id = $1`, tenantID)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", tenantID, store.ErrNotFound)
	}
	return t, err
}

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var (
		t         models.Tenant
		createdAt int64
		updatedAt *int64
	)
	err := row.Scan(&t.TenantID, &t.Name, &t.Balance, &t.MonthlyCap, &t.Email, &t.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return models.Tenant{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if updatedAt != nil {
		u := time.Unix(*updatedAt, 0).UTC()
		t.UpdatedAt = &u
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.Pool.Query(ctx, `SELECT tenant_id, name, balance, monthly_cap, email, is_active, created_at, updated_at FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetTenantActive(ctx context.Context, tenantID string, active bool) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tenants SET is_active = $1, updated_at = $2 WHERE tenant_id = $3`, active, time.Now().UTC().Unix(), tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) TenantBalance(ctx context.Context, tenantID string) (float64, error) {
	var bal float64
	err := s.Pool.QueryRow(ctx, `SELECT balance FROM tenants WHERE tenant_id = $1`, tenantID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("tenant %s: %w", tenantID, store.ErrNotFound)
	}
	return bal, err
}

// AdjustTenantBalance applies delta atomically with a zero floor and returns
// the balance before and after.
func (s *Store) AdjustTenantBalance(ctx context.Context, tenantID string, delta float64) (before, after float64, err error) {
	// Single statement so concurrent debits serialize on the row lock.
	err = s.Pool.QueryRow(ctx, `
UPDATE tenants t
SET balance = GREATEST(0, t.balance + $1), updated_at = $2
FROM (SELECT tenant_id, balance AS old_balance FROM tenants WHERE tenant_id = $3 FOR UPDATE) o
WHERE t.tenant_id = o.tenant_id
RETURNING o.old_balance, t.balance`,
		delta, time.Now().UTC().Unix(), tenantID).Scan(&before, &after)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("tenant %s: %w", tenantID, store.ErrNotFound)
	}
	return before, after, err
}

func (s *Store) CreatePurpose(ctx context.Context, tenantID, name, description string) (models.Purpose, error) {
	if name == "" {
		return models.Purpose{}, errors.New("purpose name required")
	}
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return models.Purpose{}, err
	}
	id := shortID()
	now := time.Now().UTC().Unix()
	var desc *string
	if description != "" {
		desc = &description
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO purposes(purpose_id, tenant_id, name, description, is_active, created_at) VALUES($1, $2, $3, $4, TRUE, $5)`,
		id, tenantID, name, desc, now)
	if err != nil {
		return models.Purpose{}, err
	}
	return models.Purpose{PurposeID: id, TenantID: tenantID, Name: name, Description: desc, IsActive: true, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *Store) ListPurposes(ctx context.Context, tenantID string) ([]models.Purpose, error) {
	rows, err := s.Pool.Query(ctx, `SELECT purpose_id, tenant_id, name, description, is_active, created_at FROM purposes WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Purpose
	for rows.Next() {
		var (
			p         models.Purpose
			createdAt int64
		)
		if err := rows.Scan(&p.PurposeID, &p.TenantID, &p.Name, &p.Description, &p.IsActive, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetPurposeActive(ctx context.Context, purposeID string, active bool) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE purposes SET is_active = $1 WHERE purpose_id = $2`, active, purposeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purpose %s: %w", purposeID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics) (models.Task, error) {
	return s.CreateTaskWithDeps(ctx, tenantID, purposeID, description, m, nil, "")
}

func (s *Store) CreateTaskWithDeps(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics, dependsOn []string, origin string) (models.Task, error) {
	if description == "" {
		return models.Task{}, errors.New("description required")
	}
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return models.Task{}, err
	}
	if origin == "" {
		origin = models.DepOriginManual
	}
	id := shortID()
	now := time.Now().UTC().Unix()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.Task{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, dep := range dependsOn {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM tasks WHERE task_id = $1`, dep).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", dep, store.ErrDanglingEdge)
		}
		if err != nil {
			return models.Task{}, err
		}
	}

	_, err = tx.Exec(ctx, `INSERT INTO tasks(task_id, tenant_id, purpose_id, description, business_value, tokens_plan, tokens_actual, purpose_relevance, status, owner, notes, retries, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, 0, $7, 'todo', NULL, '', 0, $8, $8)`,
		id, tenantID, purposeID, description, m.BusinessValue, m.TokensPlan, m.PurposeRelevance, now)
	if err != nil {
		return models.Task{}, err
	}
	for _, dep := range dependsOn {
		if _, err := tx.Exec(ctx, `INSERT INTO task_dependencies(from_task_id, to_task_id, kind, origin, created_at) VALUES($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			dep, id, models.DepKindFinishStart, origin, now); err != nil {
			return models.Task{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}

	return models.Task{
		TaskID:           id,
		TenantID:         tenantID,
		PurposeID:        purposeID,
		Description:      description,
		BusinessValue:    m.BusinessValue,
		TokensPlan:       m.TokensPlan,
		PurposeRelevance: m.PurposeRelevance,
		Status:           models.StatusTodo,
		CreatedAt:        time.Unix(now, 0).UTC(),
		UpdatedAt:        time.Unix(now, 0).UTC(),
	}, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return t, err
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, ch store.TaskChanges) (models.Task, error) {
	if ch.Empty() {
		return s.GetTask(ctx, taskID)
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if ch.Description != nil {
		set("description", *ch.Description)
	}
	if ch.Status != nil {
		set("status", *ch.Status)
	}
	if ch.Owner != nil {
		set("owner", *ch.Owner)
	}
	if ch.Notes != nil {
		set("notes", *ch.Notes)
	}
	if ch.BusinessValue != nil {
		set("business_value", *ch.BusinessValue)
	}
	if ch.TokensPlan != nil {
		set("tokens_plan", *ch.TokensPlan)
	}
	if ch.TokensActual != nil {
		set("tokens_actual", *ch.TokensActual)
	}
	if ch.PurposeRelevance != nil {
		set("purpose_relevance", *ch.PurposeRelevance)
	}
	if ch.Retries != nil {
		set("retries", *ch.Retries)
	}
	set("updated_at", time.Now().UTC().Unix())
	args = append(args, taskID)

	tag, err := s.Pool.Exec(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE task_id = $%d`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return models.Task{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return s.GetTask(ctx, taskID)
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *Store) ListTasksByStatus(ctx context.Context, tenantID, status string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks WHERE tenant_id = $1 AND status = $2 ORDER BY created_at ASC LIMIT $3`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *Store) CountTasksByStatus(ctx context.Context, tenantID, status string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE tenant_id = $1 AND status = $2`, tenantID, status).Scan(&n)
	return n, err
}

func (s *Store) ListRetryableFailed(ctx context.Context, tenantID string, maxRetries int, olderThan time.Time) ([]models.Task, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks WHERE tenant_id = $1 AND status = 'failed' AND retries < $2 AND updated_at <= $3 ORDER BY updated_at ASC`,
		tenantID, maxRetries, olderThan.UTC().Unix())
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *Store) AddDependency(ctx context.Context, fromID, toID, kind, origin string) error {
	for _, id := range []string{fromID, toID} {
		var one int
		err := s.Pool.QueryRow(ctx, `SELECT 1 FROM tasks WHERE task_id = $1`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, store.ErrDanglingEdge)
		}
		if err != nil {
			return err
		}
	}
	if kind == "" {
		kind = models.DepKindFinishStart
	}
	if origin == "" {
		origin = models.DepOriginManual
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO task_dependencies(from_task_id, to_task_id, kind, origin, created_at) VALUES($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		fromID, toID, strings.ToUpper(kind), origin, time.Now().UTC().Unix())
	return err
}

func (s *Store) RemoveDependency(ctx context.Context, fromID, toID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM task_dependencies WHERE from_task_id = $1 AND to_task_id = $2`, fromID, toID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", fromID, toID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListDependencies(ctx context.Context, tenantID string) ([]models.Dependency, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT d.id, d.from_task_id, d.to_task_id, d.kind, d.origin, d.created_at
FROM task_dependencies d
JOIN tasks t ON t.task_id = d.to_task_id
WHERE t.tenant_id = $1
ORDER BY d.id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectDeps(rows)
}

func (s *Store) DependenciesOf(ctx context.Context, taskID string) ([]models.Dependency, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, from_task_id, to_task_id, kind, origin, created_at FROM task_dependencies WHERE to_task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return collectDeps(rows)
}

func (s *Store) DependentsOf(ctx context.Context, taskID string) ([]models.Dependency, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, from_task_id, to_task_id, kind, origin, created_at FROM task_dependencies WHERE from_task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return collectDeps(rows)
}

func collectDeps(rows pgx.Rows) ([]models.Dependency, error) {
	defer rows.Close()
	var out []models.Dependency
	for rows.Next() {
		var (
			d         models.Dependency
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.FromTaskID, &d.ToTaskID, &d.Kind, &d.Origin, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// SeedDemo creates the demo tenant with the default budget if no tenant exists.
func (s *Store) SeedDemo(ctx context.Context) error {
	tenants, err := s.ListTenants(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		if _, err := s.CreateTenant(ctx, "demo", models.DefaultBudgetUSD); err != nil {
			return err
		}
	}
	return nil
}
