package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

func newTestApp(t *testing.T, opts ServerOptions) *App {
	t.Helper()
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}
	opts.Addr = "127.0.0.1:0"
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Store.Close() })
	return app
}

func doJSON(t *testing.T, app *App, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func createTenant(t *testing.T, app *App, name string, balance float64) models.Tenant {
	t.Helper()
	rec := doJSON(t, app, http.MethodPost, "/tenants", map[string]any{"name": name, "balance": balance})
	if rec.Code != http.StatusOK {
		t.Fatalf("create tenant: %d %s", rec.Code, rec.Body.String())
	}
	return decode[models.Tenant](t, rec)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	rec := doJSON(t, app, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestTenantLifecycleAndCredit(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	tenant := createTenant(t, app, "acme", 4.0)
	if tenant.Balance != 4.0 || !tenant.IsActive {
		t.Fatalf("tenant: %+v", tenant)
	}

	rec := doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/credit", map[string]any{"amount": 2.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("credit: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]any](t, rec)
	if bal, _ := resp["balance"].(float64); math.Abs(bal-6.5) > 1e-9 {
		t.Fatalf("balance after credit: %v", resp["balance"])
	}

	rec = doJSON(t, app, http.MethodPost, "/tenants/nope/credit", map[string]any{"amount": 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("credit unknown tenant: %d", rec.Code)
	}
	rec = doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/credit", map[string]any{"amount": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative credit: %d", rec.Code)
	}
}

func TestTaskCreateWithDependencies(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	tenant := createTenant(t, app, "acme", 10)

	rec := doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{
		"description": "set up schema", "tokens_plan": 500, "business_value": 8,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	first := decode[models.Task](t, rec)
	if first.Status != models.StatusTodo || len(first.TaskID) == 0 {
		t.Fatalf("task: %+v", first)
	}

	rec = doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{
		"description": "wire endpoints", "tokens_plan": 300, "depends_on": []string{first.TaskID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create dependent: %d %s", rec.Code, rec.Body.String())
	}
	second := decode[models.Task](t, rec)

	rec = doJSON(t, app, http.MethodGet, "/tasks/"+second.TaskID+"/dependencies", nil)
	deps := decode[map[string][]models.Dependency](t, rec)
	if len(deps["depends_on"]) != 1 || deps["depends_on"][0].FromTaskID != first.TaskID {
		t.Fatalf("dependencies: %+v", deps)
	}

	// Unknown prerequisite is rejected outright.
	rec = doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{
		"description": "dangling", "depends_on": []string{"no-such-task"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("dangling edge: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTaskDependencyRemoval(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	tenant := createTenant(t, app, "acme", 10)

	rec := doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{
		"description": "set up schema",
	})
	first := decode[models.Task](t, rec)
	rec = doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{
		"description": "wire endpoints", "depends_on": []string{first.TaskID},
	})
	second := decode[models.Task](t, rec)

	rec = doJSON(t, app, http.MethodDelete, "/tasks/"+second.TaskID+"/dependencies", map[string]any{
		"depends_on_task_id": first.TaskID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete edge: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, app, http.MethodGet, "/tasks/"+second.TaskID+"/dependencies", nil)
	deps := decode[map[string][]models.Dependency](t, rec)
	if len(deps["depends_on"]) != 0 {
		t.Fatalf("edge survived removal: %+v", deps)
	}

	// The edge is gone; a second delete reports not found.
	rec = doJSON(t, app, http.MethodDelete, "/tasks/"+second.TaskID+"/dependencies", map[string]any{
		"depends_on_task_id": first.TaskID,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat delete: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWorkerCallbackSettlesBudget(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{PricePerKTokens: 1.0})
	tenant := createTenant(t, app, "acme", 10)

	rec := doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{
		"description": "metered work", "tokens_plan": 1000,
	})
	task := decode[models.Task](t, rec)

	patch := map[string]any{"status": models.StatusDone, "tokens_actual": 3000, "owner": "worker-7"}
	rec = doJSON(t, app, http.MethodPatch, "/tasks/"+task.TaskID, patch)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}
	updated := decode[models.Task](t, rec)
	if updated.Status != models.StatusDone || updated.TokensActual != 3000 {
		t.Fatalf("updated: %+v", updated)
	}

	// A duplicate report must not charge twice.
	rec = doJSON(t, app, http.MethodPatch, "/tasks/"+task.TaskID, patch)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate patch: %d", rec.Code)
	}

	rec = doJSON(t, app, http.MethodGet, "/tenants/"+tenant.TenantID, nil)
	got := decode[models.Tenant](t, rec)
	if math.Abs(got.Balance-7.0) > 1e-9 {
		t.Fatalf("want 7.0 after single 3k-token charge, got %f", got.Balance)
	}
}

func TestTaskPatchValidation(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	tenant := createTenant(t, app, "acme", 10)
	rec := doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{"description": "x"})
	task := decode[models.Task](t, rec)

	if rec := doJSON(t, app, http.MethodPatch, "/tasks/"+task.TaskID, map[string]any{"status": "launched"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status accepted: %d", rec.Code)
	}
	if rec := doJSON(t, app, http.MethodPatch, "/tasks/"+task.TaskID, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch accepted: %d", rec.Code)
	}
	if rec := doJSON(t, app, http.MethodPatch, "/tasks/missing", map[string]any{"status": models.StatusDone}); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: %d", rec.Code)
	}
}

func TestStatsAndGraphRebuild(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	tenant := createTenant(t, app, "acme", 10)

	rec := doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{"description": "a", "tokens_plan": 100})
	a := decode[models.Task](t, rec)
	doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{"description": "b", "depends_on": []string{a.TaskID}})

	rec = doJSON(t, app, http.MethodGet, "/tenants/"+tenant.TenantID+"/stats", nil)
	stats := decode[models.BacklogStats](t, rec)
	if stats.Todo != 2 || stats.Blocked != 1 || stats.CriticalPath != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if math.Abs(stats.BudgetLeft-10) > 1e-9 {
		t.Fatalf("budget left: %f", stats.BudgetLeft)
	}

	rec = doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/graph/rebuild", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rebuild: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]any](t, rec)
	if n, _ := resp["nodes"].(float64); n != 2 {
		t.Fatalf("nodes after rebuild: %v", resp["nodes"])
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{APIKey: "sesame"})

	rec := doJSON(t, app, http.MethodGet, "/tenants", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d", rec.Code)
	}
	// Health is always open.
	if rec := doJSON(t, app, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health behind key: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	req.Header.Set("X-API-Key", "sesame")
	rr := httptest.NewRecorder()
	app.Server.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("with key: %d", rr.Code)
	}
}

func TestPlainMetricsFallback(t *testing.T) {
	t.Parallel()
	app := newTestApp(t, ServerOptions{})
	tenant := createTenant(t, app, "acme", 10)
	doJSON(t, app, http.MethodPost, "/tenants/"+tenant.TenantID+"/tasks", map[string]any{"description": "x"})

	rec := doJSON(t, app, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	want := fmt.Sprintf("aiorg_tasks_total{status=%q} 1", models.StatusTodo)
	if !bytes.Contains(rec.Body.Bytes(), []byte(want)) {
		t.Fatalf("metrics body missing %q:\n%s", want, rec.Body.String())
	}
}
