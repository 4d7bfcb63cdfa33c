// Package sched runs the per-tenant orchestration loop: seed an empty
// backlog, requeue retryable failures, gate ready tasks on the budget, and
// hand what fits to the worker queues. Every decision re-reads the ledger
// store; the readiness index only nominates candidates.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/3lC4pt41n/ai-org-prototype/internal/budget"
	"github.com/3lC4pt41n/ai-org-prototype/internal/dispatch"
	"github.com/3lC4pt41n/ai-org-prototype/internal/otel"
	"github.com/3lC4pt41n/ai-org-prototype/internal/planner"
	"github.com/3lC4pt41n/ai-org-prototype/internal/repo"
	"github.com/3lC4pt41n/ai-org-prototype/internal/router"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// Publisher receives scheduler events (SSE hub or a test recorder).
type Publisher interface {
	PublishJSON(v any)
}

// Options tunes one scheduler. Zero values fall back to defaults.
type Options struct {
	TickInterval      time.Duration
	TelemetryInterval time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	ReadyPageSize     int
	LowWater          float64
	Pricing           budget.Pricing
	// RequeueBudgetExceeded re-admits parked tasks whose estimate fits the
	// current balance, on the telemetry cadence.
	RequeueBudgetExceeded bool
}

// DefaultOptions match the shipped config defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:          2 * time.Second,
		TelemetryInterval:     10 * time.Second,
		MaxRetries:            models.DefaultMaxRetries,
		RetryDelay:            30 * time.Second,
		ReadyPageSize:         models.DefaultReadyPageSize,
		LowWater:              models.DefaultLowWaterUSD,
		Pricing:               budget.DefaultPricing(),
		RequeueBudgetExceeded: true,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.TelemetryInterval <= 0 {
		o.TelemetryInterval = d.TelemetryInterval
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ReadyPageSize <= 0 {
		o.ReadyPageSize = d.ReadyPageSize
	}
	if o.Pricing.PerKTokens <= 0 {
		o.Pricing = d.Pricing
	}
	return o
}

// Scheduler drives the loops. One Scheduler serves any number of tenants;
// Run is called once per tenant.
type Scheduler struct {
	Repo       *repo.Repo
	Ledger     budget.Ledger
	Seeder     planner.Seeder
	Classifier *router.Classifier
	Dispatcher dispatch.Dispatcher
	Hub        Publisher

	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	tenant map[string]*tenantState
}

type tenantState struct {
	seeded        bool
	lastTelemetry time.Time
}

// New builds a scheduler. Seeder and Hub may be nil.
func New(r *repo.Repo, ledger budget.Ledger, cls *router.Classifier, disp dispatch.Dispatcher, opts Options) *Scheduler {
	return &Scheduler{
		Repo:       r,
		Ledger:     ledger,
		Classifier: cls,
		Dispatcher: disp,
		opts:       opts.normalized(),
		log:        slog.Default(),
		tenant:     make(map[string]*tenantState),
	}
}

func (s *Scheduler) state(tenantID string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenant[tenantID]
	if !ok {
		st = &tenantState{}
		s.tenant[tenantID] = st
	}
	return st
}

// Run loops ticks for one tenant until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	s.log.Info("scheduler started", "tenant_id", tenantID, "interval", s.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped", "tenant_id", tenantID)
			return
		case <-ticker.C:
			s.Tick(ctx, tenantID)
		}
	}
}

// Tick runs one full pass for a tenant. Exported so tests and the CLI can
// drive the loop deterministically.
func (s *Scheduler) Tick(ctx context.Context, tenantID string) {
	st := s.state(tenantID)
	available := s.balance(ctx, tenantID)
	if available < s.opts.LowWater {
		otel.Alert(ctx, "budget_low", "tenant budget below low-water mark",
			"tenant_id", tenantID, "budget_left", available, "low_water", s.opts.LowWater)
	}

	s.maybeSeed(ctx, tenantID, st)
	s.sweepRetries(ctx, tenantID)

	telemetryDue := time.Since(st.lastTelemetry) >= s.opts.TelemetryInterval
	if telemetryDue {
		// The in-memory index can drift behind writes from other processes
		// (CLI, a second API consumer). Rebuild it on the slow cadence.
		if err := s.Repo.RebuildIndex(ctx, tenantID); err != nil {
			s.log.Warn("index rebuild failed", "tenant_id", tenantID, "error", err)
		}
	}
	if telemetryDue && s.opts.RequeueBudgetExceeded {
		s.sweepBudgetExceeded(ctx, tenantID, available)
	}

	s.dispatchReady(ctx, tenantID, available)

	if telemetryDue {
		s.publishTelemetry(ctx, tenantID)
		st.lastTelemetry = time.Now()
	}
}

// balance reads the ledger defensively: a read error or a negative value is
// treated as an exhausted budget, never as permission to dispatch.
func (s *Scheduler) balance(ctx context.Context, tenantID string) float64 {
	bal, err := s.Ledger.Balance(ctx, tenantID)
	if err != nil {
		s.log.Warn("balance read failed, treating as exhausted", "tenant_id", tenantID, "error", err)
		return 0
	}
	if bal < 0 {
		return 0
	}
	return bal
}

// maybeSeed plants the initial backlog exactly once: only a tenant with no
// tasks at all is seeded, so a drained backlog stays drained.
func (s *Scheduler) maybeSeed(ctx context.Context, tenantID string, st *tenantState) {
	if st.seeded || s.Seeder == nil {
		return
	}
	todo, err := s.Repo.Store().CountTasksByStatus(ctx, tenantID, models.StatusTodo)
	if err != nil {
		s.log.Warn("seed check failed", "tenant_id", tenantID, "error", err)
		return
	}
	if todo > 0 {
		st.seeded = true
		return
	}
	existing, err := s.Repo.Store().ListTasks(ctx, tenantID, 1)
	if err != nil {
		s.log.Warn("seed check failed", "tenant_id", tenantID, "error", err)
		return
	}
	if len(existing) > 0 {
		st.seeded = true
		return
	}

	purpose := s.tenantPurpose(ctx, tenantID)
	specs, err := s.Seeder.Seed(ctx, tenantID, purpose)
	if err != nil {
		s.log.Warn("seeding failed, will retry next tick", "tenant_id", tenantID, "error", err)
		return
	}
	tasks, err := planner.Insert(ctx, s.Repo, tenantID, nil, specs)
	if err != nil {
		s.log.Error("seed insert failed", "tenant_id", tenantID, "inserted", len(tasks), "error", err)
	}
	st.seeded = true
	s.log.Info("seeded backlog", "tenant_id", tenantID, "tasks", len(tasks))
	otel.RecordTaskOp(ctx, "seed", tenantID, models.StatusTodo)
}

func (s *Scheduler) tenantPurpose(ctx context.Context, tenantID string) string {
	purposes, err := s.Repo.Store().ListPurposes(ctx, tenantID)
	if err != nil {
		return ""
	}
	for _, p := range purposes {
		if p.IsActive {
			if p.Description != nil && *p.Description != "" {
				return p.Name + ": " + *p.Description
			}
			return p.Name
		}
	}
	return ""
}

const retryNoteMarker = " | auto-retry "

// stripRetryNote removes a previous auto-retry annotation so retries do not
// accumulate suffixes.
func stripRetryNote(notes string) string {
	if i := strings.LastIndex(notes, retryNoteMarker); i >= 0 {
		return notes[:i]
	}
	return notes
}

// sweepRetries requeues failed tasks that still have retry budget and have
// cooled down past the retry delay.
func (s *Scheduler) sweepRetries(ctx context.Context, tenantID string) {
	cutoff := time.Now().Add(-s.opts.RetryDelay)
	failed, err := s.Repo.Store().ListRetryableFailed(ctx, tenantID, s.opts.MaxRetries, cutoff)
	if err != nil {
		s.log.Warn("retry sweep failed", "tenant_id", tenantID, "error", err)
		return
	}
	for _, task := range failed {
		retries := task.Retries + 1
		status := models.StatusTodo
		notes := stripRetryNote(task.Notes) + fmt.Sprintf("%s%d/%d", retryNoteMarker, retries, s.opts.MaxRetries)
		if len(notes) > models.MaxNotesLen {
			notes = notes[len(notes)-models.MaxNotesLen:]
		}
		_, err := s.Repo.Update(ctx, task.TaskID, store.TaskChanges{
			Status:  &status,
			Retries: &retries,
			Notes:   &notes,
		})
		if err != nil {
			s.log.Warn("retry requeue failed", "task_id", task.TaskID, "error", err)
			continue
		}
		s.log.Info("requeued failed task", "task_id", task.TaskID, "retry", retries, "max", s.opts.MaxRetries)
		otel.RecordTaskOp(ctx, "requeue", tenantID, models.StatusTodo)
		s.publishTaskUpdate(tenantID, task.TaskID, models.StatusTodo)
	}
}

// sweepBudgetExceeded re-admits parked tasks whose estimate fits the balance
// read at tick start.
func (s *Scheduler) sweepBudgetExceeded(ctx context.Context, tenantID string, available float64) {
	parked, err := s.Repo.Store().ListTasksByStatus(ctx, tenantID, models.StatusBudgetExceeded, 0)
	if err != nil {
		s.log.Warn("budget sweep failed", "tenant_id", tenantID, "error", err)
		return
	}
	for _, task := range parked {
		if s.opts.Pricing.Cost(task.TokensPlan) > available {
			continue
		}
		status := models.StatusTodo
		if _, err := s.Repo.Update(ctx, task.TaskID, store.TaskChanges{Status: &status}); err != nil {
			s.log.Warn("budget requeue failed", "task_id", task.TaskID, "error", err)
			continue
		}
		s.log.Info("budget recovered, requeued task", "task_id", task.TaskID)
		otel.RecordTaskOp(ctx, "requeue_budget", tenantID, models.StatusTodo)
		s.publishTaskUpdate(tenantID, task.TaskID, models.StatusTodo)
	}
}

// dispatchReady pages through the ready set and dispatches what the budget
// covers. The available balance only bounds this single tick; the real debit
// happens when the worker reports actual tokens.
func (s *Scheduler) dispatchReady(ctx context.Context, tenantID string, available float64) {
	ready, err := s.Repo.Index().ReadySet(ctx, tenantID, s.opts.ReadyPageSize)
	if err != nil {
		s.log.Warn("ready query failed", "tenant_id", tenantID, "error", err)
		return
	}
	for _, cand := range ready {
		// Re-fetch the authoritative row; the mirror may trail reality.
		task, err := s.Repo.Get(ctx, cand.TaskID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("candidate fetch failed", "task_id", cand.TaskID, "error", err)
			continue
		}
		if task.Status != models.StatusTodo {
			continue
		}

		cost := s.opts.Pricing.Cost(task.TokensPlan)
		if available < cost {
			status := models.StatusBudgetExceeded
			note := "budget skip"
			if _, err := s.Repo.Update(ctx, task.TaskID, store.TaskChanges{Status: &status, Notes: &note}); err != nil {
				s.log.Warn("budget park failed", "task_id", task.TaskID, "error", err)
				continue
			}
			otel.Alert(ctx, "budget_exceeded", "task parked: estimate exceeds balance",
				"tenant_id", tenantID, "task_id", task.TaskID, "cost", cost, "available", available)
			otel.RecordTaskOp(ctx, "park", tenantID, models.StatusBudgetExceeded)
			s.publishTaskUpdate(tenantID, task.TaskID, models.StatusBudgetExceeded)
			continue
		}
		available -= cost

		role := s.Classifier.Classify(ctx, task.Description)
		status := models.StatusDoing
		if _, err := s.Repo.Update(ctx, task.TaskID, store.TaskChanges{Status: &status, Owner: &role}); err != nil {
			s.log.Warn("claim failed", "task_id", task.TaskID, "error", err)
			available += cost
			continue
		}
		if err := s.Dispatcher.Dispatch(ctx, tenantID, role, task.TaskID); err != nil {
			// Put the task back so the next tick retries the enqueue.
			todo := models.StatusTodo
			if _, uerr := s.Repo.Update(ctx, task.TaskID, store.TaskChanges{Status: &todo}); uerr != nil {
				s.log.Error("unclaim after dispatch failure failed", "task_id", task.TaskID, "error", uerr)
			}
			s.log.Warn("dispatch failed", "task_id", task.TaskID, "role", role, "error", err)
			available += cost
			continue
		}
		s.log.Info("dispatched task", "task_id", task.TaskID, "tenant_id", tenantID, "role", role, "cost", cost)
		otel.RecordDispatch(ctx, tenantID, role)
		otel.RecordTaskOp(ctx, "dispatch", tenantID, models.StatusDoing)
		s.publishTaskUpdate(tenantID, task.TaskID, models.StatusDoing)
	}
}

// publishTelemetry refreshes the gauges and logs one status line.
func (s *Scheduler) publishTelemetry(ctx context.Context, tenantID string) {
	idx := s.Repo.Index()
	blocked, err := idx.BlockedCount(ctx, tenantID)
	if err != nil {
		s.log.Warn("blocked count failed", "tenant_id", tenantID, "error", err)
	}
	critPath, err := idx.CriticalPathLength(ctx, tenantID)
	if err != nil {
		s.log.Warn("critical path failed", "tenant_id", tenantID, "error", err)
	}
	budgetBlocked, err := s.Repo.Store().CountTasksByStatus(ctx, tenantID, models.StatusBudgetExceeded)
	if err != nil {
		s.log.Warn("budget-blocked count failed", "tenant_id", tenantID, "error", err)
	}
	todo, _ := s.Repo.Store().CountTasksByStatus(ctx, tenantID, models.StatusTodo)
	left := s.balance(ctx, tenantID)

	otel.RecordBlocked(ctx, tenantID, blocked)
	otel.RecordCriticalPath(ctx, tenantID, critPath)
	otel.RecordBudgetBlocked(ctx, tenantID, budgetBlocked)
	otel.RecordBudgetLeft(ctx, tenantID, left)

	stats := models.BacklogStats{
		Todo:          todo,
		Blocked:       blocked,
		BudgetBlocked: budgetBlocked,
		CriticalPath:  critPath,
		BudgetLeft:    left,
	}
	s.log.Info("backlog status",
		"tenant_id", tenantID, "todo", stats.Todo, "blocked", stats.Blocked,
		"budget_blocked", stats.BudgetBlocked, "critical_path", stats.CriticalPath,
		"budget_left", stats.BudgetLeft)
	if s.Hub != nil {
		s.Hub.PublishJSON(map[string]any{"type": "telemetry", "tenant_id": tenantID, "stats": stats})
	}
}

func (s *Scheduler) publishTaskUpdate(tenantID, taskID, status string) {
	if s.Hub == nil {
		return
	}
	s.Hub.PublishJSON(map[string]any{"type": "task_update", "tenant_id": tenantID, "task_id": taskID, "status": status})
}
