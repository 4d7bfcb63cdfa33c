package daemon

// StartOptions configures the daemon (home, port, scheduler tuning, DB, LLM).
type StartOptions struct {
	Home      string
	Port      int
	Dev       bool
	PprofAddr string
	DBDriver  string // "sqlite" (default) or "postgres"
	DBURL     string // for postgres: connection string (or DATABASE_URL env)
	// Planner/classifier LLM: when both URL and key resolve, the planner seeds
	// real backlogs and the classifier gets an LLM fallback.
	LLMBaseURL string // e.g. https://api.openai.com
	LLMAPIKey  string // OPENAI_API_KEY
	LLMModel   string // e.g. gpt-4o-mini
	EnableOtel bool   // OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
	// StubWorkers runs the in-process demo workers that drain every queue and
	// report done, so a fresh install shows the full task lifecycle.
	StubWorkers bool
	// SeedDemo uses the built-in demo plan for tenants with an empty backlog
	// when no LLM is configured.
	SeedDemo bool
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
