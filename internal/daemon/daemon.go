// Package daemon runs the aiorg process: HTTP API, per-tenant scheduler
// loops, and the optional stub worker pool, with pid/lock file management for
// start/stop/status from the CLI.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3lC4pt41n/ai-org-prototype/internal/budget"
	"github.com/3lC4pt41n/ai-org-prototype/internal/config"
	"github.com/3lC4pt41n/ai-org-prototype/internal/dispatch"
	"github.com/3lC4pt41n/ai-org-prototype/internal/httpapi"
	"github.com/3lC4pt41n/ai-org-prototype/internal/otel"
	"github.com/3lC4pt41n/ai-org-prototype/internal/planner"
	"github.com/3lC4pt41n/ai-org-prototype/internal/router"
	"github.com/3lC4pt41n/ai-org-prototype/internal/sched"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = 3548
	}

	// Ensure dirs exist.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	// Optional pprof.
	startPprof(opts.PprofAddr)

	cfg, err := config.Load(opts.Home)
	if err != nil {
		return err
	}
	if opts.DBDriver == "" {
		opts.DBDriver = cfg.DBDriver
	}
	if opts.DBURL == "" {
		opts.DBURL = cfg.DBURL
	}
	if opts.LLMBaseURL == "" {
		opts.LLMBaseURL = cfg.LLMBaseURL
	}
	if opts.LLMAPIKey == "" {
		opts.LLMAPIKey = cfg.LLMAPIKey
	}
	if opts.LLMModel == "" {
		opts.LLMModel = cfg.LLMModel
	}

	// Ensure DB schema exists before serving (SQLite only; Postgres migrates on connect).
	if opts.DBDriver != "postgres" {
		if err := store.EnsureSchema(opts.Home); err != nil {
			return err
		}
	}

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early port check for clearer error.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	srvOpts := httpapi.ServerOptions{
		Home:            opts.Home,
		Addr:            addr,
		Dev:             opts.Dev,
		APIKey:          os.Getenv("AIORG_API_KEY"),
		DBDriver:        opts.DBDriver,
		DBURL:           opts.DBURL,
		PricePerKTokens: cfg.PricePerKTokens,
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "aiorg")
		if err != nil {
			slog.Warn("otel init failed, using plain metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		return err
	}
	if opts.EnableOtel {
		_ = otel.InitMetricsWithTaskCount(ctx, func() (todo, doing, done, failed int64) {
			tenants, _ := app.Store.ListTenants(context.Background())
			for _, t := range tenants {
				n, _ := app.Store.CountTasksByStatus(context.Background(), t.TenantID, models.StatusTodo)
				todo += int64(n)
				n, _ = app.Store.CountTasksByStatus(context.Background(), t.TenantID, models.StatusDoing)
				doing += int64(n)
				n, _ = app.Store.CountTasksByStatus(context.Background(), t.TenantID, models.StatusDone)
				done += int64(n)
				n, _ = app.Store.CountTasksByStatus(context.Background(), t.TenantID, models.StatusFailed)
				failed += int64(n)
			}
			return todo, doing, done, failed
		})
	}

	scheduler, queues := buildScheduler(app, cfg, opts)

	slog.Info("daemon starting", "addr", addr, "home", opts.Home, "db", opts.DBDriver)
	errCh := make(chan error, 1)
	go func() {
		// One scheduler loop per active tenant; the supervisor picks up
		// tenants created after boot.
		go superviseTenants(ctx, app, scheduler, queues, opts)
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildScheduler wires the scheduler from the app's repo/ledger, the config,
// and the optional LLM.
func buildScheduler(app *httpapi.App, cfg config.Config, opts StartOptions) (*sched.Scheduler, *dispatch.QueueSet) {
	classifier := router.New()
	var seeder planner.Seeder
	if opts.LLMBaseURL != "" && opts.LLMAPIKey != "" {
		llm := &planner.Client{BaseURL: opts.LLMBaseURL, APIKey: opts.LLMAPIKey, Model: opts.LLMModel}
		classifier = classifier.WithCompleter(llm)
		seeder = planner.NewLLMPlanner(llm)
	} else if opts.SeedDemo {
		seeder = planner.StaticSeeder{Specs: planner.DemoPlan()}
	}

	queues := dispatch.NewQueueSet(models.DefaultQueueBuffer)
	s := sched.New(app.Repo, app.Ledger, classifier, queues, sched.Options{
		TickInterval:          cfg.TickInterval,
		TelemetryInterval:     cfg.TelemetryInterval,
		MaxRetries:            cfg.MaxRetries,
		RetryDelay:            cfg.RetryDelay,
		ReadyPageSize:         cfg.ReadyPageSize,
		LowWater:              cfg.LowWaterMark,
		Pricing:               budgetPricing(cfg),
		RequeueBudgetExceeded: true,
	})
	s.Seeder = seeder
	s.Hub = app.Hub
	return s, queues
}

func budgetPricing(cfg config.Config) budget.Pricing {
	return budget.Pricing{PerKTokens: cfg.PricePerKTokens}
}

// superviseTenants keeps one scheduler loop (and optionally one stub worker
// pool) running per active tenant, rescanning for new tenants periodically.
func superviseTenants(ctx context.Context, app *httpapi.App, s *sched.Scheduler, queues *dispatch.QueueSet, opts StartOptions) {
	running := make(map[string]bool)
	var workers *dispatch.StubWorkers
	if opts.StubWorkers {
		workers = dispatch.NewStubWorkers(queues, app.Repo)
	}

	scan := func() {
		tenants, err := app.Store.ListTenants(ctx)
		if err != nil {
			slog.Warn("tenant scan failed", "err", err)
			return
		}
		for _, t := range tenants {
			if !t.IsActive || running[t.TenantID] {
				continue
			}
			running[t.TenantID] = true
			slog.Info("starting tenant loop", "tenant_id", t.TenantID, "name", t.Name)
			go s.Run(ctx, t.TenantID)
			if workers != nil {
				workers.Start(ctx, t.TenantID)
			}
		}
	}

	scan()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("aiorg already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.EnableOtel {
		args = append(args, "--otel")
	}
	if opts.StubWorkers {
		args = append(args, "--stub-workers")
	}
	if opts.SeedDemo {
		args = append(args, "--seed-demo")
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, err
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
