package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("AIORG_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestLoad_defaults(t *testing.T) {
	t.Setenv("USD_PER_1K_TOKENS", "")
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PricePerKTokens != 0.0025 {
		t.Fatalf("PricePerKTokens: got %v", cfg.PricePerKTokens)
	}
	if cfg.DefaultBudget != 10.0 {
		t.Fatalf("DefaultBudget: got %v", cfg.DefaultBudget)
	}
	if cfg.MaxRetries != 2 || cfg.RetryDelay != 30*time.Second {
		t.Fatalf("retry settings: got %d, %v", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("DBDriver: got %q", cfg.DBDriver)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	home := t.TempDir()
	body := []byte("price_per_1k_tokens: 0.01\nready_page_size: 5\ntick_interval: 1s\ndb_driver: postgres\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("USD_PER_1K_TOKENS", "0.002")
	t.Setenv("DATABASE_URL", "postgres://db/test")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Env overrides file.
	if cfg.PricePerKTokens != 0.002 {
		t.Fatalf("PricePerKTokens: got %v", cfg.PricePerKTokens)
	}
	if cfg.ReadyPageSize != 5 {
		t.Fatalf("ReadyPageSize: got %d", cfg.ReadyPageSize)
	}
	if cfg.TickInterval != time.Second {
		t.Fatalf("TickInterval: got %v", cfg.TickInterval)
	}
	if cfg.DBDriver != "postgres" || cfg.DBURL != "postgres://db/test" {
		t.Fatalf("db settings: got %q %q", cfg.DBDriver, cfg.DBURL)
	}
}

func TestLoad_badYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for malformed config.yaml")
	}
}
