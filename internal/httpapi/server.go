// Package httpapi exposes the orchestration surface: tenant and task CRUD,
// the worker callback, budget credits, graph rebuilds, and the SSE event
// stream the dashboards consume.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/3lC4pt41n/ai-org-prototype/internal/budget"
	"github.com/3lC4pt41n/ai-org-prototype/internal/graph"
	"github.com/3lC4pt41n/ai-org-prototype/internal/otel"
	"github.com/3lC4pt41n/ai-org-prototype/internal/repo"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store/postgres"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboards on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home            string
	Addr            string
	Dev             bool
	APIKey          string       // if set, require X-API-Key header or query api_key
	DBDriver        string       // "sqlite" (default) or "postgres"
	DBURL           string       // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler  http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP     bool         // if true, wrap handler with otelhttp for request metrics
	PricePerKTokens float64      // USD per 1000 tokens; defaults when <= 0
}

// App bundles the server with the pieces the daemon wires into the scheduler.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	Store  store.Store
	Repo   *repo.Repo
	Index  *graph.Memory
	Ledger budget.Ledger
	Home   string
}

// NewApp opens the store, warms the readiness index, and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}
	_ = st.SeedDemo(context.Background())

	pricing := budget.DefaultPricing()
	if opts.PricePerKTokens > 0 {
		pricing.PerKTokens = opts.PricePerKTokens
	}
	ledger := budget.NewStoreLedger(st)
	idx := graph.NewMemory()
	rp := repo.New(st, idx, repo.WithLedger(ledger, pricing))

	// Warm the mirror so the first tick sees the full backlog.
	if tenants, err := st.ListTenants(context.Background()); err == nil {
		for _, t := range tenants {
			if rerr := rp.RebuildIndex(context.Background(), t.TenantID); rerr != nil {
				slog.Warn("index warmup failed", "tenant_id", t.TenantID, "error", rerr)
			}
		}
	}

	app := &App{Hub: hub, Store: st, Repo: rp, Index: idx, Ledger: ledger, Home: opts.Home}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handlePlainMetrics)
	}

	mux.HandleFunc("/events", hub.Handler())
	mux.HandleFunc("/tenants", app.handleTenants)
	mux.HandleFunc("/tenants/", app.handleTenantScoped)
	mux.HandleFunc("/tasks/", app.handleTask)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "aiorg")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// handlePlainMetrics is the fallback when no OTel exporter is wired.
func (a *App) handlePlainMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	tenants, _ := a.Store.ListTenants(r.Context())
	counts := map[string]int{}
	for _, t := range tenants {
		for _, status := range []string{models.StatusTodo, models.StatusDoing, models.StatusDone, models.StatusFailed, models.StatusBudgetExceeded} {
			n, _ := a.Store.CountTasksByStatus(r.Context(), t.TenantID, status)
			counts[status] += n
		}
	}
	_, _ = fmt.Fprintf(w, "# TYPE aiorg_tasks_total gauge\n")
	for _, status := range []string{models.StatusTodo, models.StatusDoing, models.StatusDone, models.StatusFailed, models.StatusBudgetExceeded} {
		_, _ = fmt.Fprintf(w, "aiorg_tasks_total{status=%q} %d\n", status, counts[status])
	}
}

// handleTenants serves /tenants: list and create.
func (a *App) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenants, err := a.Store.ListTenants(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, tenants)
	case http.MethodPost:
		var body struct {
			Name    string   `json:"name"`
			Balance *float64 `json:"balance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name required")
			return
		}
		balance := models.DefaultBudgetUSD
		if body.Balance != nil {
			balance = *body.Balance
			if balance < 0 {
				balance = 0
			}
		}
		t, err := a.Store.CreateTenant(r.Context(), body.Name, balance)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Hub.PublishJSON(map[string]any{"type": "tenant_update", "tenant_id": t.TenantID})
		writeJSON(w, t)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTenantScoped serves /tenants/{id} and its sub-resources.
func (a *App) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tenants/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	tenantID := parts[0]

	// /tenants/{id}
	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		t, err := a.Store.GetTenant(r.Context(), tenantID)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, t)
		return
	}

	switch parts[1] {
	case "credit":
		a.handleCredit(w, r, tenantID)
	case "purposes":
		a.handlePurposes(w, r, tenantID)
	case "tasks":
		a.handleTenantTasks(w, r, tenantID)
	case "stats":
		a.handleStats(w, r, tenantID)
	case "graph":
		if len(parts) >= 3 && parts[2] == "rebuild" {
			a.handleGraphRebuild(w, r, tenantID)
			return
		}
		writeJSONError(w, http.StatusNotFound, "not found")
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *App) handleCredit(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Amount <= 0 {
		writeJSONError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if _, err := a.Store.GetTenant(r.Context(), tenantID); errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err := a.Ledger.Credit(r.Context(), tenantID, body.Amount); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), tenantID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "budget_update", "tenant_id": tenantID, "balance": balance})
	writeJSON(w, map[string]any{"tenant_id": tenantID, "balance": balance})
}

func (a *App) handlePurposes(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		purposes, err := a.Store.ListPurposes(r.Context(), tenantID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, purposes)
	case http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Name == "" {
			writeJSONError(w, http.StatusBadRequest, "name required")
			return
		}
		p, err := a.Store.CreatePurpose(r.Context(), tenantID, body.Name, body.Description)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, p)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleTenantTasks(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, _ := fmt.Sscanf(l, "%d", &limit); n == 1 && limit > models.DefaultTaskListLimit {
				limit = models.DefaultTaskListLimit
			}
		}
		var tasks []models.Task
		var err error
		if status := r.URL.Query().Get("status"); status != "" {
			tasks, err = a.Store.ListTasksByStatus(r.Context(), tenantID, status, limit)
		} else {
			tasks, err = a.Store.ListTasks(r.Context(), tenantID, limit)
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, tasks)
	case http.MethodPost:
		var body struct {
			Description      string   `json:"description"`
			PurposeID        *string  `json:"purpose_id"`
			BusinessValue    float64  `json:"business_value"`
			TokensPlan       int64    `json:"tokens_plan"`
			PurposeRelevance float64  `json:"purpose_relevance"`
			DependsOn        []string `json:"depends_on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Description == "" {
			writeJSONError(w, http.StatusBadRequest, "description required")
			return
		}
		task, err := a.Repo.AddTask(r.Context(), tenantID, body.PurposeID, body.Description, models.TaskMetrics{
			BusinessValue:    body.BusinessValue,
			TokensPlan:       body.TokensPlan,
			PurposeRelevance: body.PurposeRelevance,
		}, body.DependsOn, models.DepOriginManual)
		if errors.Is(err, store.ErrDanglingEdge) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		otel.RecordTaskOp(r.Context(), "create", tenantID, task.Status)
		a.Hub.PublishJSON(map[string]any{"type": "task_update", "tenant_id": tenantID, "task_id": task.TaskID, "status": task.Status})
		writeJSON(w, task)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	todo, _ := a.Store.CountTasksByStatus(ctx, tenantID, models.StatusTodo)
	blocked, _ := a.Index.BlockedCount(ctx, tenantID)
	budgetBlocked, _ := a.Store.CountTasksByStatus(ctx, tenantID, models.StatusBudgetExceeded)
	critPath, _ := a.Index.CriticalPathLength(ctx, tenantID)
	left, _ := a.Ledger.Balance(ctx, tenantID)
	writeJSON(w, models.BacklogStats{
		Todo:          todo,
		Blocked:       blocked,
		BudgetBlocked: budgetBlocked,
		CriticalPath:  critPath,
		BudgetLeft:    left,
	})
}

func (a *App) handleGraphRebuild(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := a.Repo.RebuildIndex(r.Context(), tenantID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"ok": true, "nodes": a.Index.Snapshot()})
}

var patchableStatuses = map[string]bool{
	models.StatusTodo: true, models.StatusDoing: true, models.StatusDone: true,
	models.StatusFailed: true, models.StatusBlocked: true, models.StatusCancelled: true,
	models.StatusBudgetExceeded: true,
}

// handleTask serves /tasks/{id}: GET, PATCH (the worker callback), and the
// dependencies sub-resource.
func (a *App) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	taskID := parts[0]

	if len(parts) >= 2 && parts[1] == "dependencies" {
		a.handleTaskDependencies(w, r, taskID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := a.Repo.Get(r.Context(), taskID)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, task)
	case http.MethodPatch:
		var body struct {
			Status       *string  `json:"status"`
			Owner        *string  `json:"owner"`
			Notes        *string  `json:"notes"`
			TokensActual *int64   `json:"tokens_actual"`
			TokensPlan   *int64   `json:"tokens_plan"`
			Description  *string  `json:"description"`
			Retries      *int     `json:"retries"`
			BusinessVal  *float64 `json:"business_value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Status != nil && !patchableStatuses[*body.Status] {
			writeJSONError(w, http.StatusBadRequest, "unknown status "+*body.Status)
			return
		}
		if body.Notes != nil && len(*body.Notes) > models.MaxNotesLen {
			trimmed := (*body.Notes)[:models.MaxNotesLen]
			body.Notes = &trimmed
		}
		ch := store.TaskChanges{
			Status:        body.Status,
			Owner:         body.Owner,
			Notes:         body.Notes,
			TokensActual:  body.TokensActual,
			TokensPlan:    body.TokensPlan,
			Description:   body.Description,
			Retries:       body.Retries,
			BusinessValue: body.BusinessVal,
		}
		if ch.Empty() {
			writeJSONError(w, http.StatusBadRequest, "no fields to update")
			return
		}
		task, err := a.Repo.Update(r.Context(), taskID, ch)
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if body.Status != nil && *body.Status == models.StatusFailed {
			otel.RecordTaskFailed(r.Context(), task.TenantID)
		}
		otel.RecordTaskOp(r.Context(), "update", task.TenantID, task.Status)
		a.Hub.PublishJSON(map[string]any{"type": "task_update", "tenant_id": task.TenantID, "task_id": task.TaskID, "status": task.Status})
		writeJSON(w, task)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleTaskDependencies(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		deps, err := a.Store.DependenciesOf(r.Context(), taskID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"depends_on": deps})
	case http.MethodPost:
		var body struct {
			DependsOnTaskID string `json:"depends_on_task_id"`
			Kind            string `json:"kind"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.DependsOnTaskID == "" {
			writeJSONError(w, http.StatusBadRequest, "depends_on_task_id required")
			return
		}
		kind := body.Kind
		if kind == "" {
			kind = models.DepKindFinishStart
		}
		if err := a.Repo.Link(r.Context(), body.DependsOnTaskID, taskID, kind, models.DepOriginManual); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case http.MethodDelete:
		var body struct {
			DependsOnTaskID string `json:"depends_on_task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.DependsOnTaskID == "" {
			writeJSONError(w, http.StatusBadRequest, "depends_on_task_id required")
			return
		}
		if err := a.Repo.Unlink(r.Context(), body.DependsOnTaskID, taskID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
