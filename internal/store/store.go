package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteStore is the SQLite implementation of Store (internal to this package).
type sqliteStore struct {
	DB *sql.DB
	// Prepared statements for hot paths (prepared at open, closed in Close).
	stmtGetTask         *sql.Stmt
	stmtCreateTask      *sql.Stmt
	stmtTasksByStatus   *sql.Stmt
	stmtCountByStatus   *sql.Stmt
	stmtTenantBalance   *sql.Stmt
	stmtDependenciesOf  *sql.Stmt
	stmtAddDependency   *sql.Stmt
	stmtRetryableFailed *sql.Stmt
}

// OpenOptions configures how to open the store (driver and location).
type OpenOptions struct {
	Driver string // "sqlite" (default) or "postgres"
	Home   string // for sqlite: directory containing protected/db.sqlite
	DSN    string // for sqlite file DSN; postgres uses postgres.Open
}

// Open opens the default SQLite store at home/protected/db.sqlite.
func Open(home string) (Store, error) {
	return openSQLite(home)
}

// OpenWithOptions opens a store based on driver and options. Driver "" or "sqlite" uses Home or DSN.
// For driver "postgres", the caller must use postgres.Open(dsn) from internal/store/postgres to avoid import cycles.
func OpenWithOptions(opts OpenOptions) (Store, error) {
	if opts.Driver == "postgres" {
		return nil, errors.New("for postgres use postgres.Open(dsn) from github.com/3lC4pt41n/ai-org-prototype/internal/store/postgres")
	}
	if opts.Home == "" && opts.DSN != "" {
		return openSQLiteDSN(opts.DSN)
	}
	return openSQLite(opts.Home)
}

// EnsureSchema opens the SQLite store once so migrations run, then closes it.
func EnsureSchema(home string) error {
	s, err := openSQLite(home)
	if err != nil {
		return err
	}
	return s.Close()
}

func openSQLite(home string) (*sqliteStore, error) {
	if home == "" {
		return nil, errors.New("home directory required")
	}
	dbPath := filepath.Join(home, "protected", "db.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	return openSQLiteDSN("file:" + dbPath + "?_pragma=busy_timeout(5000)")
}

func openSQLiteDSN(dsn string) (*sqliteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN required")
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	s := &sqliteStore{DB: db}
	if err := s.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initPragmas(ctx context.Context) error {
	for _, p := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA synchronous=NORMAL`,
	} {
		if _, err := s.DB.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies pending migrations (only those not already in schema_migrations).
func (s *sqliteStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return err
	}
	applied := make(map[int]bool)
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		_ = rows.Close()
	}

	type mig struct {
		version int
		name    string
		sql     string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			continue
		}
		if applied[v] {
			continue
		}
		body, _ := migrationsFS.ReadFile("migrations/" + f.Name())
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if _, err := s.DB.ExecContext(ctx, m.sql); err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		if _, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error
	prep := func(q string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var st *sql.Stmt
		st, err = s.DB.PrepareContext(ctx, q)
		return st
	}
	s.stmtGetTask = prep(`SELECT ` + taskCols + ` FROM tasks WHERE task_id = ?`)
	s.stmtCreateTask = prep(`INSERT INTO tasks(task_id, tenant_id, purpose_id, description, business_value, tokens_plan, tokens_actual, purpose_relevance, status, owner, notes, retries, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, 'todo', NULL, '', 0, ?, ?)`)
	s.stmtTasksByStatus = prep(`SELECT ` + taskCols + ` FROM tasks WHERE tenant_id = ? AND status = ? ORDER BY created_at ASC LIMIT ?`)
	s.stmtCountByStatus = prep(`SELECT COUNT(*) FROM tasks WHERE tenant_id = ? AND status = ?`)
	s.stmtTenantBalance = prep(`SELECT balance FROM tenants WHERE tenant_id = ?`)
	s.stmtDependenciesOf = prep(`SELECT id, from_task_id, to_task_id, kind, origin, created_at FROM task_dependencies WHERE to_task_id = ? ORDER BY id ASC`)
	s.stmtAddDependency = prep(`INSERT OR IGNORE INTO task_dependencies(from_task_id, to_task_id, kind, origin, created_at) VALUES(?, ?, ?, ?, ?)`)
	s.stmtRetryableFailed = prep(`SELECT ` + taskCols + ` FROM tasks WHERE tenant_id = ? AND status = 'failed' AND retries < ? AND updated_at <= ? ORDER BY updated_at ASC`)
	return err
}

// Close closes prepared statements and the database.
func (s *sqliteStore) Close() error {
	for _, st := range []*sql.Stmt{
		s.stmtGetTask, s.stmtCreateTask, s.stmtTasksByStatus, s.stmtCountByStatus,
		s.stmtTenantBalance, s.stmtDependenciesOf, s.stmtAddDependency, s.stmtRetryableFailed,
	} {
		if st != nil {
			_ = st.Close()
		}
	}
	return s.DB.Close()
}
