// Package config resolves the aiorg home directory and loads config.yaml
// (pricing, budget defaults, scheduler tuning, store and LLM settings).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// Config holds daemon-wide settings. All fields have working defaults so an
// absent config.yaml is not an error.
type Config struct {
	// Pricing and budget.
	PricePerKTokens float64 `yaml:"price_per_1k_tokens"`
	DefaultBudget   float64 `yaml:"default_budget"`
	LowWaterMark    float64 `yaml:"low_water_mark"`

	// Scheduler tuning.
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	ReadyPageSize     int           `yaml:"ready_page_size"`

	// Store.
	DBDriver string `yaml:"db_driver"` // "sqlite" (default) or "postgres"
	DBURL    string `yaml:"db_url"`    // postgres DSN; or env DATABASE_URL

	// Optional LLM endpoint for the planner and classifier fallback
	// (OpenAI-compatible chat completions).
	LLMBaseURL string `yaml:"llm_base_url"`
	LLMModel   string `yaml:"llm_model"`
	LLMAPIKey  string `yaml:"-"` // env only, never persisted
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		PricePerKTokens:   models.DefaultPricePerKTokens,
		DefaultBudget:     models.DefaultBudgetUSD,
		LowWaterMark:      models.DefaultLowWaterUSD,
		MaxRetries:        models.DefaultMaxRetries,
		RetryDelay:        30 * time.Second,
		TickInterval:      2 * time.Second,
		TelemetryInterval: 10 * time.Second,
		ReadyPageSize:     models.DefaultReadyPageSize,
		DBDriver:          "sqlite",
		LLMModel:          "gpt-4o-mini",
	}
}

// Load reads config.yaml from home (if present), applies env overrides, and
// returns the result. A missing file yields Default().
func Load(home string) (Config, error) {
	cfg := Default()
	path := filepath.Join(home, "config.yaml")
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("USD_PER_1K_TOKENS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PricePerKTokens = f
		}
	}
	if v := os.Getenv("BUDGET_DEFAULT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultBudget = f
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.DBURL == "" {
		cfg.DBURL = v
	}
	if v := os.Getenv("AIORG_LLM_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("AIORG_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
}

func normalize(cfg *Config) {
	if cfg.PricePerKTokens <= 0 {
		cfg.PricePerKTokens = models.DefaultPricePerKTokens
	}
	if cfg.DefaultBudget < 0 {
		cfg.DefaultBudget = models.DefaultBudgetUSD
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = 10 * time.Second
	}
	if cfg.ReadyPageSize <= 0 {
		cfg.ReadyPageSize = models.DefaultReadyPageSize
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
}
