package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

type node struct {
	tenantID         string
	status           string
	description      string
	businessValue    float64
	tokensPlan       int64
	tokensActual     int64
	purposeRelevance float64
	seq              int64
}

type edgeKey struct {
	from string
	to   string
}

// Memory is the in-process readiness index. A single mutex guards both maps;
// the graph is small (thousands of nodes) and every operation is O(degree)
// except CriticalPathLength, which memoizes a DFS over the todo subgraph.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]*node
	// in[to] lists prerequisite task ids; out[from] lists dependents.
	in    map[string][]string
	out   map[string][]string
	edges map[edgeKey]string
	seq   int64
}

// NewMemory returns an empty index.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]*node),
		in:    make(map[string][]string),
		out:   make(map[string][]string),
		edges: make(map[edgeKey]string),
	}
}

var _ Index = (*Memory)(nil)

func (m *Memory) ensureNode(taskID string) *node {
	n, ok := m.nodes[taskID]
	if !ok {
		m.seq++
		n = &node{seq: m.seq}
		m.nodes[taskID] = n
	}
	return n
}

func (m *Memory) UpsertTask(_ context.Context, taskID string, props TaskProps) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.ensureNode(taskID)
	if props.TenantID != nil {
		n.tenantID = *props.TenantID
	}
	if props.Status != nil {
		n.status = *props.Status
	}
	if props.Description != nil {
		n.description = *props.Description
	}
	if props.BusinessValue != nil {
		n.businessValue = *props.BusinessValue
	}
	if props.TokensPlan != nil {
		n.tokensPlan = *props.TokensPlan
	}
	if props.TokensActual != nil {
		n.tokensActual = *props.TokensActual
	}
	if props.PurposeRelevance != nil {
		n.purposeRelevance = *props.PurposeRelevance
	}
	return nil
}

func (m *Memory) UpsertEdge(_ context.Context, fromID, toID, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureNode(fromID)
	m.ensureNode(toID)
	k := edgeKey{from: fromID, to: toID}
	if _, ok := m.edges[k]; ok {
		m.edges[k] = kind
		return nil
	}
	m.edges[k] = kind
	m.in[toID] = append(m.in[toID], fromID)
	m.out[fromID] = append(m.out[fromID], toID)
	return nil
}

func (m *Memory) RemoveEdge(_ context.Context, fromID, toID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := edgeKey{from: fromID, to: toID}
	if _, ok := m.edges[k]; !ok {
		return nil
	}
	delete(m.edges, k)
	m.in[toID] = removeID(m.in[toID], fromID)
	m.out[fromID] = removeID(m.out[fromID], toID)
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (m *Memory) ReadySet(_ context.Context, tenantID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ready []Entry
	seqs := make(map[string]int64)
	for id, n := range m.nodes {
		if n.tenantID != tenantID || n.status != models.StatusTodo {
			continue
		}
		blocked := false
		for _, pre := range m.in[id] {
			p, ok := m.nodes[pre]
			// An edge from a node we have never mirrored keeps the task
			// out of the ready set until the rebuild catches up.
			if !ok || p.status != models.StatusDone {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		ready = append(ready, Entry{
			TaskID:      id,
			TenantID:    n.tenantID,
			Status:      n.status,
			Description: n.description,
			TokensPlan:  n.tokensPlan,
		})
		seqs[id] = n.seq
	}
	sort.Slice(ready, func(i, j int) bool { return seqs[ready[i].TaskID] < seqs[ready[j].TaskID] })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *Memory) BlockedCount(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for id, n := range m.nodes {
		if n.tenantID != tenantID || n.status != models.StatusTodo {
			continue
		}
		waiting := false
		inFlight := false
		for _, pre := range m.in[id] {
			p, ok := m.nodes[pre]
			if !ok || p.status != models.StatusDone {
				waiting = true
			}
			if ok && p.status == models.StatusDoing {
				inFlight = true
			}
		}
		// Tasks whose blocker is already being worked on are about to
		// unblock on their own and would only add noise to the gauge.
		if waiting && !inFlight {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CriticalPathLength(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Longest path in edges over the todo subgraph. Edges are validated
	// acyclic at insert time in the ledger store, but a stale mirror must not
	// hang the scheduler, so mid-visit nodes short-circuit to zero.
	memo := make(map[string]int)
	visiting := make(map[string]bool)
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		best := 0
		for _, next := range m.out[id] {
			nn, ok := m.nodes[next]
			if !ok || nn.tenantID != tenantID || nn.status != models.StatusTodo {
				continue
			}
			if d := depth(next) + 1; d > best {
				best = d
			}
		}
		visiting[id] = false
		memo[id] = best
		return best
	}
	longest := 0
	for id, n := range m.nodes {
		if n.tenantID != tenantID || n.status != models.StatusTodo {
			continue
		}
		if d := depth(id); d > longest {
			longest = d
		}
	}
	return longest, nil
}

func (m *Memory) Reset(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.nodes {
		if n.tenantID != tenantID && n.tenantID != "" {
			continue
		}
		delete(m.nodes, id)
		for _, pre := range m.in[id] {
			m.out[pre] = removeID(m.out[pre], id)
			delete(m.edges, edgeKey{from: pre, to: id})
		}
		for _, next := range m.out[id] {
			m.in[next] = removeID(m.in[next], id)
			delete(m.edges, edgeKey{from: id, to: next})
		}
		delete(m.in, id)
		delete(m.out, id)
	}
	return nil
}

// Snapshot returns the node count, for status output.
func (m *Memory) Snapshot() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}
