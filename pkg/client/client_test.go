package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/3lC4pt41n/ai-org-prototype/internal/httpapi"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	app, err := httpapi.NewApp(httpapi.ServerOptions{
		Home:            t.TempDir(),
		Addr:            "127.0.0.1:0",
		APIKey:          apiKey,
		PricePerKTokens: 1.0,
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = app.Store.Close()
	})
	return srv
}

func TestClient_endToEnd(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "")
	c := New(srv.URL, "")
	ctx := context.Background()

	ok, err := c.Health(ctx)
	if err != nil || !ok {
		t.Fatalf("health: ok=%v err=%v", ok, err)
	}

	balance := 10.0
	tenant, err := c.CreateTenant(ctx, "acme", &balance)
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if tenant.Balance != 10.0 {
		t.Fatalf("balance: %v", tenant.Balance)
	}

	p, err := c.CreatePurpose(ctx, tenant.TenantID, "launch", "ship v1")
	if err != nil || p.PurposeID == "" {
		t.Fatalf("create purpose: %+v err=%v", p, err)
	}

	base, err := c.CreateTask(ctx, tenant.TenantID, NewTask{
		Description: "set up repo",
		TokensPlan:  500,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	dep, err := c.CreateTask(ctx, tenant.TenantID, NewTask{
		Description: "write tests",
		TokensPlan:  300,
		DependsOn:   []string{base.TaskID},
	})
	if err != nil {
		t.Fatalf("create dependent task: %v", err)
	}

	deps, err := c.Dependencies(ctx, dep.TaskID)
	if err != nil || len(deps) != 1 || deps[0].FromTaskID != base.TaskID {
		t.Fatalf("dependencies: %+v err=%v", deps, err)
	}

	if err := c.RemoveDependency(ctx, dep.TaskID, base.TaskID); err != nil {
		t.Fatalf("remove dependency: %v", err)
	}
	deps, err = c.Dependencies(ctx, dep.TaskID)
	if err != nil || len(deps) != 0 {
		t.Fatalf("dependencies after removal: %+v err=%v", deps, err)
	}
	if err := c.AddDependency(ctx, dep.TaskID, base.TaskID); err != nil {
		t.Fatalf("re-add dependency: %v", err)
	}

	tasks, err := c.ListTasks(ctx, tenant.TenantID, models.StatusTodo, 0)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("list tasks: %d err=%v", len(tasks), err)
	}

	// Completing with 2000 actual tokens at $1.0/1k charges $2.
	done, err := c.CompleteTask(ctx, base.TaskID, 2000)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusDone || done.TokensActual != 2000 {
		t.Fatalf("completed task: %+v", done)
	}
	got, err := c.GetTenant(ctx, tenant.TenantID)
	if err != nil || got.Balance != 8.0 {
		t.Fatalf("balance after settle: %+v err=%v", got, err)
	}

	newBal, err := c.Credit(ctx, tenant.TenantID, 1.5)
	if err != nil || newBal != 9.5 {
		t.Fatalf("credit: %v err=%v", newBal, err)
	}

	stats, err := c.Stats(ctx, tenant.TenantID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Todo != 1 || stats.BudgetLeft != 9.5 {
		t.Fatalf("stats: %+v", stats)
	}

	nodes, err := c.RebuildGraph(ctx, tenant.TenantID)
	if err != nil || nodes != 2 {
		t.Fatalf("rebuild: nodes=%d err=%v", nodes, err)
	}
}

func TestClient_failTask(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "")
	c := New(srv.URL, "")
	ctx := context.Background()

	tenant, err := c.CreateTenant(ctx, "acme", nil)
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	task, err := c.CreateTask(ctx, tenant.TenantID, NewTask{Description: "flaky step"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	failed, err := c.FailTask(ctx, task.TaskID, "worker crashed")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != models.StatusFailed || failed.Notes != "worker crashed" {
		t.Fatalf("failed task: %+v", failed)
	}
}

func TestClient_apiErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "")
	c := New(srv.URL, "")
	ctx := context.Background()

	if _, err := c.GetTask(ctx, "no-such-task"); err == nil {
		t.Fatal("expected not found error")
	}
	if _, err := c.Credit(ctx, "no-such-tenant", 1); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestClient_apiKey(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, "sekret")
	ctx := context.Background()

	noKey := New(srv.URL, "")
	if _, err := noKey.ListTenants(ctx); err == nil {
		t.Fatal("expected unauthorized without key")
	}

	withKey := New(srv.URL, "sekret")
	if _, err := withKey.ListTenants(ctx); err != nil {
		t.Fatalf("authorized request failed: %v", err)
	}
}
