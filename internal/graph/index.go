// Package graph holds the readiness index: a disposable, graph-shaped mirror
// of task statuses and dependency edges, optimized for "which tasks have all
// prerequisites satisfied" and "longest unresolved chain" queries. It is never
// the source of truth for task content and can be rebuilt from the ledger
// store at any time.
package graph

import "context"

// TaskProps are the mirrored task fields. Nil fields are left untouched on
// upsert (MERGE semantics).
type TaskProps struct {
	TenantID         *string
	Status           *string
	Description      *string
	BusinessValue    *float64
	TokensPlan       *int64
	TokensActual     *int64
	PurposeRelevance *float64
}

// Entry is a shadow node returned by queries: just enough to re-fetch the
// authoritative task and classify its role.
type Entry struct {
	TaskID      string
	TenantID    string
	Status      string
	Description string
	TokensPlan  int64
}

// Index is the query/write surface of the readiness index. All writes are
// idempotent; all queries are advisory (dispatch re-reads the ledger store).
type Index interface {
	// UpsertTask creates the shadow node if absent, otherwise overwrites only
	// the supplied fields.
	UpsertTask(ctx context.Context, taskID string, props TaskProps) error
	// UpsertEdge merges a directed prerequisite edge, creating missing
	// endpoint shadow nodes first so ordering races cannot fail it.
	UpsertEdge(ctx context.Context, fromID, toID, kind string) error
	// RemoveEdge deletes an edge if present.
	RemoveEdge(ctx context.Context, fromID, toID string) error

	// ReadySet returns up to limit todo tasks with no incoming edge from a
	// not-done prerequisite, oldest first.
	ReadySet(ctx context.Context, tenantID string, limit int) ([]Entry, error)
	// BlockedCount counts todo tasks with at least one not-done prerequisite,
	// excluding tasks whose blocking work is already doing.
	BlockedCount(ctx context.Context, tenantID string) (int, error)
	// CriticalPathLength returns the edge count of the longest chain of todo
	// tasks. Observability only, never a scheduling input.
	CriticalPathLength(ctx context.Context, tenantID string) (int, error)

	// Reset drops every shadow node and edge for the tenant (including
	// edge-created shadows not yet claimed by a tenant) ahead of a rebuild.
	Reset(ctx context.Context, tenantID string) error
}
