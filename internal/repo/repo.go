// Package repo is the single write path for tasks. Every mutation lands in
// the ledger store first (transactional, authoritative) and is then mirrored
// into the readiness index best-effort: a mirror failure is logged and
// swallowed, and a rebuild heals the drift.
package repo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/3lC4pt41n/ai-org-prototype/internal/budget"
	"github.com/3lC4pt41n/ai-org-prototype/internal/graph"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// Re-exported so callers outside the store package match on one error set.
var (
	ErrNotFound     = store.ErrNotFound
	ErrDanglingEdge = store.ErrDanglingEdge
)

// Repo bridges the ledger store and the readiness index. The optional budget
// ledger, when set, is reconciled with the delta of tokens_actual on every
// update so a worker re-sending the same done report never double-charges.
type Repo struct {
	st      store.Store
	idx     graph.Index
	ledger  budget.Ledger
	pricing budget.Pricing
	log     *slog.Logger
}

// Option configures a Repo.
type Option func(*Repo)

// WithLedger attaches a budget ledger and the pricing used to convert token
// deltas to USD.
func WithLedger(l budget.Ledger, p budget.Pricing) Option {
	return func(r *Repo) {
		r.ledger = l
		r.pricing = p
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Repo) { r.log = log }
}

// New wires a store and an index together.
func New(st store.Store, idx graph.Index, opts ...Option) *Repo {
	r := &Repo{st: st, idx: idx, pricing: budget.DefaultPricing(), log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the underlying ledger store for read paths that bypass the
// bridge (listing, counting).
func (r *Repo) Store() store.Store { return r.st }

// Index exposes the readiness index for query-only consumers.
func (r *Repo) Index() graph.Index { return r.idx }

// Get returns the authoritative task row.
func (r *Repo) Get(ctx context.Context, taskID string) (models.Task, error) {
	return r.st.GetTask(ctx, taskID)
}

// Update applies a partial change in the ledger store, settles the budget
// delta, and mirrors the result into the index before returning.
func (r *Repo) Update(ctx context.Context, taskID string, ch store.TaskChanges) (models.Task, error) {
	var prevActual int64
	if ch.TokensActual != nil && r.ledger != nil {
		old, err := r.st.GetTask(ctx, taskID)
		if err != nil {
			return models.Task{}, err
		}
		prevActual = old.TokensActual
	}

	task, err := r.st.UpdateTask(ctx, taskID, ch)
	if err != nil {
		return models.Task{}, err
	}

	if ch.TokensActual != nil && r.ledger != nil {
		r.settleTokens(ctx, task.TenantID, taskID, *ch.TokensActual-prevActual)
	}

	r.mirrorTask(ctx, task)
	return task, nil
}

// settleTokens charges (or refunds) the USD value of a tokens_actual delta.
// The ledger clamps at zero, so an overage drains the balance rather than
// failing the worker callback.
func (r *Repo) settleTokens(ctx context.Context, tenantID, taskID string, deltaTokens int64) {
	if deltaTokens == 0 {
		return
	}
	cost := r.pricing.Cost(deltaTokens)
	var err error
	if cost > 0 {
		err = r.ledger.Debit(ctx, tenantID, cost)
		if errors.Is(err, budget.ErrBudgetExceeded) {
			// Spend already happened; drain what is left.
			err = r.ledger.SetBalance(ctx, tenantID, 0)
		}
	} else {
		err = r.ledger.Credit(ctx, tenantID, -cost)
	}
	if err != nil {
		r.log.Warn("budget settle failed", "task_id", taskID, "tenant_id", tenantID, "delta_tokens", deltaTokens, "error", err)
	}
}

// AddTask creates the task and its prerequisite edges in one transaction,
// then mirrors node and edges.
func (r *Repo) AddTask(ctx context.Context, tenantID string, purposeID *string, description string, m models.TaskMetrics, dependsOn []string, origin string) (models.Task, error) {
	task, err := r.st.CreateTaskWithDeps(ctx, tenantID, purposeID, description, m, dependsOn, origin)
	if err != nil {
		return models.Task{}, err
	}
	r.mirrorTask(ctx, task)
	for _, pre := range dependsOn {
		if err := r.idx.UpsertEdge(ctx, pre, task.TaskID, models.DepKindFinishStart); err != nil {
			r.log.Warn("index edge sync failed", "from", pre, "to", task.TaskID, "error", err)
		}
	}
	return task, nil
}

// Link records a prerequisite edge in store and index.
func (r *Repo) Link(ctx context.Context, fromID, toID, kind, origin string) error {
	if err := r.st.AddDependency(ctx, fromID, toID, kind, origin); err != nil {
		return err
	}
	if err := r.idx.UpsertEdge(ctx, fromID, toID, kind); err != nil {
		r.log.Warn("index edge sync failed", "from", fromID, "to", toID, "error", err)
	}
	return nil
}

// Unlink deletes a dependency edge from the ledger and mirrors the removal
// into the index. The downstream task may become ready on the next tick.
func (r *Repo) Unlink(ctx context.Context, fromID, toID string) error {
	if err := r.st.RemoveDependency(ctx, fromID, toID); err != nil {
		return err
	}
	if err := r.idx.RemoveEdge(ctx, fromID, toID); err != nil {
		r.log.Warn("index edge sync failed", "from", fromID, "to", toID, "error", err)
	}
	return nil
}

// RebuildIndex drops the tenant's shadow graph and replays every task and
// edge from the ledger store.
func (r *Repo) RebuildIndex(ctx context.Context, tenantID string) error {
	if err := r.idx.Reset(ctx, tenantID); err != nil {
		return err
	}
	tasks, err := r.st.ListTasks(ctx, tenantID, 0)
	if err != nil {
		return err
	}
	// ListTasks is newest-first; replay oldest-first so ready ordering
	// matches creation order.
	for i := len(tasks) - 1; i >= 0; i-- {
		if err := r.idx.UpsertTask(ctx, tasks[i].TaskID, propsOf(tasks[i])); err != nil {
			return err
		}
	}
	deps, err := r.st.ListDependencies(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if err := r.idx.UpsertEdge(ctx, d.FromTaskID, d.ToTaskID, d.Kind); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) mirrorTask(ctx context.Context, task models.Task) {
	if err := r.idx.UpsertTask(ctx, task.TaskID, propsOf(task)); err != nil {
		r.log.Warn("index task sync failed", "task_id", task.TaskID, "error", err)
	}
}

func propsOf(t models.Task) graph.TaskProps {
	tenant, status, desc := t.TenantID, t.Status, t.Description
	bv, rel := t.BusinessValue, t.PurposeRelevance
	plan, actual := t.TokensPlan, t.TokensActual
	return graph.TaskProps{
		TenantID:         &tenant,
		Status:           &status,
		Description:      &desc,
		BusinessValue:    &bv,
		TokensPlan:       &plan,
		TokensActual:     &actual,
		PurposeRelevance: &rel,
	}
}
