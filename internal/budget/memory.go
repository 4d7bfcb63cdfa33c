package budget

import (
	"context"
	"sync"

	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
)

// MemoryLedger is a mutex-guarded in-process ledger, used by tests and by the
// scheduler when it runs without a persistent store behind it. Unknown tenants
// read as zero balance, matching an exhausted budget rather than an error.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	known    map[string]bool
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]float64), known: make(map[string]bool)}
}

var _ Ledger = (*MemoryLedger)(nil)

func (l *MemoryLedger) Balance(_ context.Context, tenantID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known[tenantID] {
		return 0, store.ErrNotFound
	}
	return l.balances[tenantID], nil
}

func (l *MemoryLedger) Debit(_ context.Context, tenantID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known[tenantID] || l.balances[tenantID] < amount {
		return ErrBudgetExceeded
	}
	l.balances[tenantID] -= amount
	return nil
}

func (l *MemoryLedger) Credit(_ context.Context, tenantID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.known[tenantID] = true
	l.balances[tenantID] += amount
	return nil
}

func (l *MemoryLedger) SetBalance(_ context.Context, tenantID string, balance float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance < 0 {
		balance = 0
	}
	l.known[tenantID] = true
	l.balances[tenantID] = balance
	return nil
}
