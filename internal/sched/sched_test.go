package sched

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/3lC4pt41n/ai-org-prototype/internal/budget"
	"github.com/3lC4pt41n/ai-org-prototype/internal/dispatch"
	"github.com/3lC4pt41n/ai-org-prototype/internal/graph"
	"github.com/3lC4pt41n/ai-org-prototype/internal/planner"
	"github.com/3lC4pt41n/ai-org-prototype/internal/repo"
	"github.com/3lC4pt41n/ai-org-prototype/internal/router"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

type fixture struct {
	sched    *Scheduler
	repo     *repo.Repo
	store    store.Store
	ledger   *budget.StoreLedger
	recorder *dispatch.Recorder
	tenantID string
}

func newFixture(t *testing.T, balance float64, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	tenant, err := st.CreateTenant(ctx, "demo", balance)
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	ledger := budget.NewStoreLedger(st)
	r := repo.New(st, graph.NewMemory(), repo.WithLedger(ledger, opts.Pricing))
	rec := &dispatch.Recorder{}
	s := New(r, ledger, router.New(), rec, opts)
	return &fixture{sched: s, repo: r, store: st, ledger: ledger, recorder: rec, tenantID: tenant.TenantID}
}

func strp(s string) *string { return &s }

func addTodo(t *testing.T, f *fixture, desc string, tokensPlan int64, deps ...string) models.Task {
	t.Helper()
	task, err := f.repo.AddTask(context.Background(), f.tenantID, nil, desc, models.TaskMetrics{TokensPlan: tokensPlan}, deps, models.DepOriginManual)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	return task
}

func mustStatus(t *testing.T, f *fixture, taskID, want string) models.Task {
	t.Helper()
	task, err := f.repo.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get %s: %v", taskID, err)
	}
	if task.Status != want {
		t.Fatalf("task %s: want status %s, got %s", taskID, want, task.Status)
	}
	return task
}

func TestTick_dispatchesReadyWithinBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})

	dev := addTodo(t, f, "implement payments service", 1000)
	ux := addTodo(t, f, "design the settings ui", 1000)

	f.sched.Tick(ctx, f.tenantID)

	mustStatus(t, f, dev.TaskID, models.StatusDoing)
	got := mustStatus(t, f, ux.TaskID, models.StatusDoing)
	if got.Owner == nil || *got.Owner != models.RoleUxUI {
		t.Fatalf("owner should carry the classified role, got %+v", got.Owner)
	}

	items := f.recorder.Items()
	if len(items) != 2 {
		t.Fatalf("want 2 dispatches, got %+v", items)
	}
	roles := map[string]string{}
	for _, it := range items {
		roles[it.TaskID] = it.Role
	}
	if roles[dev.TaskID] != models.RoleDev || roles[ux.TaskID] != models.RoleUxUI {
		t.Fatalf("roles misrouted: %+v", roles)
	}
}

func TestTick_budgetGateParksTooExpensive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// 1 USD budget at 1 USD/1k tokens: the 5k task cannot fit, the 500 can.
	f := newFixture(t, 1.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})

	big := addTodo(t, f, "aaa migrate the warehouse", 5000)
	small := addTodo(t, f, "zzz patch the config", 500)

	f.sched.Tick(ctx, f.tenantID)

	mustStatus(t, f, big.TaskID, models.StatusBudgetExceeded)
	mustStatus(t, f, small.TaskID, models.StatusDoing)
	if items := f.recorder.Items(); len(items) != 1 || items[0].TaskID != small.TaskID {
		t.Fatalf("only the affordable task may dispatch, got %+v", items)
	}

	parked, err := f.repo.Get(ctx, big.TaskID)
	if err != nil {
		t.Fatalf("get parked: %v", err)
	}
	if parked.Notes != "budget skip" {
		t.Fatalf("parked task notes = %q, want %q", parked.Notes, "budget skip")
	}
}

func TestTick_budgetRecoveryRequeuesParked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0.1, Options{
		Pricing:               budget.Pricing{PerKTokens: 1.0},
		RequeueBudgetExceeded: true,
	})
	task := addTodo(t, f, "expensive research", 2000)

	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, task.TaskID, models.StatusBudgetExceeded)

	if err := f.ledger.Credit(ctx, f.tenantID, 5.0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	// Force the telemetry cadence that carries the budget sweep.
	f.sched.state(f.tenantID).lastTelemetry = time.Time{}
	f.sched.Tick(ctx, f.tenantID)

	mustStatus(t, f, task.TaskID, models.StatusDoing)
}

// Not parallel: swaps the process-wide default logger.
func TestTick_lowWaterAlertEveryTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.5, Options{Pricing: budget.Pricing{PerKTokens: 1.0}, LowWater: 1.0})
	// Keep telemetry off this tick; the exhaustion warning must not wait for it.
	f.sched.state(f.tenantID).lastTelemetry = time.Now()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	f.sched.Tick(ctx, f.tenantID)

	if out := buf.String(); !strings.Contains(out, "alert=budget_low") {
		t.Fatalf("no low-water alert on a non-telemetry tick: %q", out)
	}
}

func TestTick_retrySweepBoundedAndAnnotated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{
		Pricing:    budget.Pricing{PerKTokens: 1.0},
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	// The gate keeps the flaky task out of the ready set, so each tick
	// exercises only the retry sweep on it.
	gate := addTodo(t, f, "long running prerequisite", 100)
	task := addTodo(t, f, "flaky integration", 1000, gate.TaskID)

	fail := func(note string) {
		t.Helper()
		if _, err := f.repo.Update(ctx, task.TaskID, store.TaskChanges{
			Status: strp(models.StatusFailed),
			Notes:  strp(note),
		}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	fail("worker error: timeout")
	f.sched.Tick(ctx, f.tenantID)
	got := mustStatus(t, f, task.TaskID, models.StatusTodo)
	if got.Retries != 1 || !strings.HasSuffix(got.Notes, "| auto-retry 1/2") {
		t.Fatalf("first retry annotation wrong: retries=%d notes=%q", got.Retries, got.Notes)
	}

	fail(got.Notes)
	f.sched.Tick(ctx, f.tenantID)
	got = mustStatus(t, f, task.TaskID, models.StatusTodo)
	if got.Retries != 2 || !strings.HasSuffix(got.Notes, "| auto-retry 2/2") {
		t.Fatalf("second retry annotation wrong: %q", got.Notes)
	}
	// Annotations replace, never stack.
	if strings.Count(got.Notes, "auto-retry") != 1 {
		t.Fatalf("annotation accumulated: %q", got.Notes)
	}

	fail(got.Notes)
	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, task.TaskID, models.StatusFailed)
}

func TestTick_dependencyGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})

	a := addTodo(t, f, "prerequisite work", 500)
	b := addTodo(t, f, "dependent work", 500, a.TaskID)

	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, a.TaskID, models.StatusDoing)
	mustStatus(t, f, b.TaskID, models.StatusTodo)

	// Worker reports the prerequisite done; the dependent unlocks next tick.
	if _, err := f.repo.Update(ctx, a.TaskID, store.TaskChanges{Status: strp(models.StatusDone)}); err != nil {
		t.Fatalf("done: %v", err)
	}
	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, b.TaskID, models.StatusDoing)
}

func TestTick_staleReadyCandidateSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})
	task := addTodo(t, f, "cancelled before dispatch", 500)

	// Cancel in the store only; the index still nominates the task.
	if _, err := f.store.UpdateTask(ctx, task.TaskID, store.TaskChanges{Status: strp(models.StatusCancelled)}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Hold off the rebuild cadence so the index stays stale for this tick.
	f.sched.state(f.tenantID).lastTelemetry = time.Now()
	f.sched.Tick(ctx, f.tenantID)

	mustStatus(t, f, task.TaskID, models.StatusCancelled)
	if items := f.recorder.Items(); len(items) != 0 {
		t.Fatalf("stale candidate dispatched: %+v", items)
	}
}

func TestTick_rebuildPicksUpOutOfBandTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})

	// Write straight to the store, bypassing the mirror, the way the CLI does.
	task, err := f.store.CreateTask(ctx, f.tenantID, nil, "created out of band", models.TaskMetrics{TokensPlan: 500})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The first tick is telemetry-due, so the rebuild runs before dispatch.
	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, task.TaskID, models.StatusDoing)
}

func TestTick_dispatchFailureUnclaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})
	f.recorder.Err = errors.New("queue down")
	task := addTodo(t, f, "stranded work", 500)

	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, task.TaskID, models.StatusTodo)

	// Queue recovers, next tick picks the task up again.
	f.recorder.Err = nil
	f.sched.Tick(ctx, f.tenantID)
	mustStatus(t, f, task.TaskID, models.StatusDoing)
}

func TestTick_seedsEmptyBacklogOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})
	f.sched.Seeder = planner.StaticSeeder{Specs: []planner.TaskSpec{
		{ID: "t1", Description: "bootstrap repo", TokensPlan: 100},
		{ID: "t2", Description: "first feature", TokensPlan: 200, DependsOn: []string{"t1"}},
	}}

	f.sched.Tick(ctx, f.tenantID)
	tasks, _ := f.store.ListTasks(ctx, f.tenantID, 0)
	if len(tasks) != 2 {
		t.Fatalf("want 2 seeded tasks, got %d", len(tasks))
	}

	f.sched.Tick(ctx, f.tenantID)
	tasks, _ = f.store.ListTasks(ctx, f.tenantID, 0)
	if len(tasks) != 2 {
		t.Fatalf("reseeded: got %d tasks", len(tasks))
	}
}

func TestTick_noSeedWhenBacklogDrained(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 10.0, Options{Pricing: budget.Pricing{PerKTokens: 1.0}})
	f.sched.Seeder = planner.StaticSeeder{Specs: []planner.TaskSpec{
		{ID: "t1", Description: "should never appear", TokensPlan: 100},
	}}

	done := addTodo(t, f, "already finished", 100)
	if _, err := f.repo.Update(ctx, done.TaskID, store.TaskChanges{Status: strp(models.StatusDone)}); err != nil {
		t.Fatalf("done: %v", err)
	}

	f.sched.Tick(ctx, f.tenantID)
	tasks, _ := f.store.ListTasks(ctx, f.tenantID, 0)
	if len(tasks) != 1 {
		t.Fatalf("drained backlog was reseeded: %d tasks", len(tasks))
	}
}

func TestStripRetryNote(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"", ""},
		{"plain note", "plain note"},
		{"err | auto-retry 1/2", "err"},
		{"err | auto-retry 1/2 | auto-retry 2/2", "err | auto-retry 1/2"},
	}
	for _, tc := range cases {
		if got := stripRetryNote(tc.in); got != tc.want {
			t.Errorf("stripRetryNote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
