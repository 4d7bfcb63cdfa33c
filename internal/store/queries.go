package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

const taskCols = `task_id, tenant_id, purpose_id, description, business_value, tokens_plan, tokens_actual, purpose_relevance, status, owner, notes, retries, created_at, updated_at`

// newID returns a fresh tenant id.
func newID() string {
	return uuid.NewString()
}

// shortID returns the 8-char id used for tasks and purposes.
func shortID() string {
	return uuid.NewString()[:8]
}

// scanTaskRow scans the current row of rows (columns must match taskCols order).
func scanTaskRow(rows interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var (
		id        string
		tenantID  string
		purposeID sql.NullString
		desc      string
		bv        float64
		plan      int64
		actual    int64
		relevance float64
		status    string
		owner     sql.NullString
		notes     string
		retries   int
		createdAt int64
		updatedAt int64
	)
	err := rows.Scan(&id, &tenantID, &purposeID, &desc, &bv, &plan, &actual, &relevance, &status, &owner, &notes, &retries, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	var pid, own *string
	if purposeID.Valid {
		pid = &purposeID.String
	}
	if owner.Valid {
		own = &owner.String
	}
	return &models.Task{
		TaskID:           id,
		TenantID:         tenantID,
		PurposeID:        pid,
		Description:      desc,
		BusinessValue:    bv,
		TokensPlan:       plan,
		TokensActual:     actual,
		PurposeRelevance: relevance,
		Status:           status,
		Owner:            own,
		Notes:            notes,
		Retries:          retries,
		CreatedAt:        time.Unix(createdAt, 0).UTC(),
		UpdatedAt:        time.Unix(updatedAt, 0).UTC(),
	}, nil
}

func toNull(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func (s *sqliteStore) CreateTenant(ctx context.Context, name string, balance float64) (models.Tenant, error) {
	if name == "" {
		return models.Tenant{}, errors.New("tenant name required")
	}
	if balance < 0 {
		balance = 0
	}
	id := newID()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tenants(tenant_id, name, balance, is_active, created_at) VALUES(?, ?, ?, 1, ?)`, id, name, balance, now)
	if err != nil {
		return models.Tenant{}, err
	}
	return models.Tenant{TenantID: id, Name: name, Balance: balance, IsActive: true, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *sqliteStore) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT tenant_id, name, balance, monthly_cap, email, is_active, created_at, updated_at FROM tenants WHERE tenant_id = ?`, tenantID)
	return scanTenantRow(row)
}

func scanTenantRow(row *sql.Row) (models.Tenant, error) {
	var (
		t         models.Tenant
		cap       sql.NullFloat64
		email     sql.NullString
		active    int
		createdAt int64
		updatedAt sql.NullInt64
	)
	err := row.Scan(&t.TenantID, &t.Name, &t.Balance, &cap, &email, &active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Tenant{}, fmt.Errorf("tenant: %w", ErrNotFound)
		}
		return models.Tenant{}, err
	}
	if cap.Valid {
		t.MonthlyCap = &cap.Float64
	}
	if email.Valid {
		t.Email = &email.String
	}
	t.IsActive = active != 0
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if updatedAt.Valid {
		u := time.Unix(updatedAt.Int64, 0).UTC()
		t.UpdatedAt = &u
	}
	return t, nil
}

func (s *sqliteStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT tenant_id, name, balance, monthly_cap, email, is_active, created_at, updated_at FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Tenant
	for rows.Next() {
		var (
			t         models.Tenant
			cap       sql.NullFloat64
			email     sql.NullString
			active    int
			createdAt int64
			updatedAt sql.NullInt64
		)
		if err := rows.Scan(&t.TenantID, &t.Name, &t.Balance, &cap, &email, &active, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if cap.Valid {
			t.MonthlyCap = &cap.Float64
		}
		if email.Valid {
			t.Email = &email.String
		}
		t.IsActive = active != 0
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		if updatedAt.Valid {
			u := time.Unix(updatedAt.Int64, 0).UTC()
			t.UpdatedAt = &u
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetTenantActive(ctx context.Context, tenantID string, active bool) error {
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `UPDATE tenants SET is_active = ?, updated_at = ? WHERE tenant_id = ?`, boolToInt(active), now, tenantID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) TenantBalance(ctx context.Context, tenantID string) (float64, error) {
	var bal float64
	err := s.stmtTenantBalance.QueryRowContext(ctx, tenantID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	return bal, err
}

// AdjustTenantBalance applies delta to the tenant balance in one transaction,
// clamping the result at zero. Returns the balance before and after.
func (s *sqliteStore) AdjustTenantBalance(ctx context.Context, tenantID string, delta float64) (before, after float64, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `SELECT balance FROM tenants WHERE tenant_id = ?`, tenantID).Scan(&before)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
		}
		return 0, 0, err
	}
	after = before + delta
	if after < 0 {
		after = 0
	}
	now := time.Now().UTC().Unix()
	if _, err = tx.ExecContext(ctx, `UPDATE tenants SET balance = ?, updated_at = ? WHERE tenant_id = ?`, after, now, tenantID); err != nil {
		return 0, 0, err
	}
	return before, after, tx.Commit()
}

func (s *sqliteStore) CreatePurpose(ctx context.Context, tenantID, name, description string) (models.Purpose, error) {
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
	_, err := s.DB.ExecContext(ctx, `INSERT INTO purposes(purpose_id, tenant_id, name, description, is_active, created_at) VALUES(?, ?, ?, ?, 1, ?)`,
		id, tenantID, name, toNull(desc), now)
	if err != nil {
		return models.Purpose{}, err
	}
	return models.Purpose{PurposeID: id, TenantID: tenantID, Name: name, Description: desc, IsActive: true, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *sqliteStore) ListPurposes(ctx context.Context, tenantID string) ([]models.Purpose, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT purpose_id, tenant_id, name, description, is_active, created_at FROM purposes WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.Purpose
	for rows.Next() {
		var (
			p         models.Purpose
			desc      sql.NullString
			active    int
			createdAt int64
		)
		if err := rows.Scan(&p.PurposeID, &p.TenantID, &p.Name, &desc, &active, &createdAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = &desc.String
		}
		p.IsActive = active != 0
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPurposeActive(ctx context.Context, purposeID string, active bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE purposes SET is_active = ? WHERE purpose_id = ?`, boolToInt(active), purposeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("purpose %s: %w", purposeID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics) (models.Task, error) {
	if description == "" {
		return models.Task{}, errors.New("description required")
	}
	if _, err := s.GetTenant(ctx, tenantID); err != nil {
		return models.Task{}, err
	}
	id := shortID()
	now := time.Now().UTC().Unix()
	if _, err := s.stmtCreateTask.ExecContext(ctx,
		id, tenantID, toNull(purposeID), description, m.BusinessValue, m.TokensPlan, m.PurposeRelevance, now, now); err != nil {
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

func (s *sqliteStore) CreateTaskWithDeps(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics, dependsOn []string, origin string) (models.Task, error) {
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

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Validate prerequisites before writing anything.
	for _, dep := range dependsOn {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, dep).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", dep, ErrDanglingEdge)
		}
		if err != nil {
			return models.Task{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(task_id, tenant_id, purpose_id, description, business_value, tokens_plan, tokens_actual, purpose_relevance, status, owner, notes, retries, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, 'todo', NULL, '', 0, ?, ?)`,
		id, tenantID, toNull(purposeID), description, m.BusinessValue, m.TokensPlan, m.PurposeRelevance, now, now)
	if err != nil {
		return models.Task{}, err
	}
	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(from_task_id, to_task_id, kind, origin, created_at) VALUES(?, ?, ?, ?, ?)`,
			dep, id, models.DepKindFinishStart, origin, now); err != nil {
			return models.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
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

func (s *sqliteStore) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	task, err := scanTaskRow(s.stmtGetTask.QueryRowContext(ctx, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return models.Task{}, err
	}
	return *task, nil
}

// UpdateTask applies the supplied field changes and bumps updated_at.
// Last-write-wins on the supplied fields; no compare-and-swap.
func (s *sqliteStore) UpdateTask(ctx context.Context, taskID string, ch TaskChanges) (models.Task, error) {
	if ch.Empty() {
		return s.GetTask(ctx, taskID)
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
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

	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE task_id = ?`, args...)
	if err != nil {
		return models.Task{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return s.GetTask(ctx, taskID)
}

func (s *sqliteStore) ListTasks(ctx context.Context, tenantID string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func (s *sqliteStore) ListTasksByStatus(ctx context.Context, tenantID, status string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.stmtTasksByStatus.QueryContext(ctx, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func (s *sqliteStore) CountTasksByStatus(ctx context.Context, tenantID, status string) (int, error) {
	var n int
	err := s.stmtCountByStatus.QueryRowContext(ctx, tenantID, status).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListRetryableFailed(ctx context.Context, tenantID string, maxRetries int, olderThan time.Time) ([]models.Task, error) {
	rows, err := s.stmtRetryableFailed.QueryContext(ctx, tenantID, maxRetries, olderThan.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddDependency(ctx context.Context, fromID, toID, kind, origin string) error {
	for _, id := range []string{fromID, toID} {
		var one int
		err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, ErrDanglingEdge)
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
	_, err := s.stmtAddDependency.ExecContext(ctx, fromID, toID, strings.ToUpper(kind), origin, time.Now().UTC().Unix())
	return err
}

func (s *sqliteStore) RemoveDependency(ctx context.Context, fromID, toID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_dependencies WHERE from_task_id = ? AND to_task_id = ?`, fromID, toID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", fromID, toID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ListDependencies(ctx context.Context, tenantID string) ([]models.Dependency, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT d.id, d.from_task_id, d.to_task_id, d.kind, d.origin, d.created_at
FROM task_dependencies d
JOIN tasks t ON t.task_id = d.to_task_id
WHERE t.tenant_id = ?
ORDER BY d.id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectDeps(rows)
}

func (s *sqliteStore) DependenciesOf(ctx context.Context, taskID string) ([]models.Dependency, error) {
	rows, err := s.stmtDependenciesOf.QueryContext(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectDeps(rows)
}

func (s *sqliteStore) DependentsOf(ctx context.Context, taskID string) ([]models.Dependency, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, from_task_id, to_task_id, kind, origin, created_at FROM task_dependencies WHERE from_task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectDeps(rows)
}

func collectDeps(rows *sql.Rows) ([]models.Dependency, error) {
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
func (s *sqliteStore) SeedDemo(ctx context.Context) error {
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
