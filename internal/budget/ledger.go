// Package budget tracks the per-tenant token budget in USD and prices planned
// work. The ledger is the single gate between a ready task and its dispatch:
// no reservation, no queue.
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// ErrBudgetExceeded is returned by Debit when the balance cannot cover the
// requested amount. The balance is left unchanged.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Ledger is the budget surface the scheduler and HTTP API consume.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (float64, error)
	// Debit charges amount, or returns ErrBudgetExceeded without charging when
	// the balance does not cover it.
	Debit(ctx context.Context, tenantID string, amount float64) error
	Credit(ctx context.Context, tenantID string, amount float64) error
	SetBalance(ctx context.Context, tenantID string, balance float64) error
}

// Pricing converts planned or actual token counts to USD.
type Pricing struct {
	PerKTokens float64
}

// DefaultPricing uses the built-in rate.
func DefaultPricing() Pricing {
	return Pricing{PerKTokens: models.DefaultPricePerKTokens}
}

// Cost prices a token count at the configured per-1k rate.
func (p Pricing) Cost(tokens int64) float64 {
	return float64(tokens) * p.PerKTokens / 1000.0
}

// StoreLedger keeps balances in the ledger store's tenants table. Each
// operation is one atomic floor-clamped statement; Debit refunds the clamped
// charge when the balance falls short, so a rejected dispatch leaves the
// balance where it was.
type StoreLedger struct {
	st store.Store
}

// NewStoreLedger wraps a store.
func NewStoreLedger(st store.Store) *StoreLedger {
	return &StoreLedger{st: st}
}

var _ Ledger = (*StoreLedger)(nil)

func (l *StoreLedger) Balance(ctx context.Context, tenantID string) (float64, error) {
	return l.st.TenantBalance(ctx, tenantID)
}

func (l *StoreLedger) Debit(ctx context.Context, tenantID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %f", amount)
	}
	before, after, err := l.st.AdjustTenantBalance(ctx, tenantID, -amount)
	if err != nil {
		return err
	}
	if before < amount {
		// The statement clamped at zero; put back what it took.
		if _, _, rerr := l.st.AdjustTenantBalance(ctx, tenantID, before-after); rerr != nil {
			return fmt.Errorf("restore after rejected debit: %w", rerr)
		}
		return ErrBudgetExceeded
	}
	return nil
}

func (l *StoreLedger) Credit(ctx context.Context, tenantID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative, got %f", amount)
	}
	_, _, err := l.st.AdjustTenantBalance(ctx, tenantID, amount)
	return err
}

func (l *StoreLedger) SetBalance(ctx context.Context, tenantID string, balance float64) error {
	if balance < 0 {
		balance = 0
	}
	cur, err := l.st.TenantBalance(ctx, tenantID)
	if err != nil {
		return err
	}
	_, _, err = l.st.AdjustTenantBalance(ctx, tenantID, balance-cur)
	return err
}
