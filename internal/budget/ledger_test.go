package budget

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
)

func TestPricing_cost(t *testing.T) {
	t.Parallel()
	p := DefaultPricing()
	if got := p.Cost(1000); math.Abs(got-0.0025) > 1e-9 {
		t.Fatalf("1k tokens: want 0.0025, got %f", got)
	}
	if got := p.Cost(0); got != 0 {
		t.Fatalf("0 tokens: want 0, got %f", got)
	}
	custom := Pricing{PerKTokens: 0.01}
	if got := custom.Cost(2500); math.Abs(got-0.025) > 1e-9 {
		t.Fatalf("custom rate: want 0.025, got %f", got)
	}
}

func TestMemoryLedger_debitAndExceed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLedger()
	if err := l.SetBalance(ctx, "demo", 1.0); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := l.Debit(ctx, "demo", 0.4); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := l.Debit(ctx, "demo", 0.7); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
	// A rejected debit leaves the balance untouched.
	bal, err := l.Balance(ctx, "demo")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if math.Abs(bal-0.6) > 1e-9 {
		t.Fatalf("want 0.6 after rejected debit, got %f", bal)
	}
}

func TestMemoryLedger_unknownTenant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLedger()
	if _, err := l.Balance(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := l.Debit(ctx, "nobody", 0.01); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded for unknown tenant, got %v", err)
	}
}

func TestMemoryLedger_setBalanceFloor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLedger()
	if err := l.SetBalance(ctx, "demo", -5); err != nil {
		t.Fatalf("set: %v", err)
	}
	bal, _ := l.Balance(ctx, "demo")
	if bal != 0 {
		t.Fatalf("want floor at 0, got %f", bal)
	}
}

func TestStoreLedger_debitRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	tenant, err := st.CreateTenant(ctx, "acme", 2.0)
	if err != nil {
		t.Fatalf("tenant: %v", err)
	}
	l := NewStoreLedger(st)

	if err := l.Debit(ctx, tenant.TenantID, 1.5); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := l.Debit(ctx, tenant.TenantID, 1.0); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
	bal, err := l.Balance(ctx, tenant.TenantID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if math.Abs(bal-0.5) > 1e-9 {
		t.Fatalf("want 0.5 after one debit and one rejection, got %f", bal)
	}

	if err := l.Credit(ctx, tenant.TenantID, 0.25); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.SetBalance(ctx, tenant.TenantID, 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	bal, _ = l.Balance(ctx, tenant.TenantID)
	if math.Abs(bal-10) > 1e-9 {
		t.Fatalf("want 10 after set, got %f", bal)
	}
}

func TestStoreLedger_negativeAmountsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	tenant, _ := st.CreateTenant(ctx, "acme", 1.0)
	l := NewStoreLedger(st)

	if err := l.Debit(ctx, tenant.TenantID, -1); err == nil {
		t.Fatal("want error for negative debit")
	}
	if err := l.Credit(ctx, tenant.TenantID, -1); err == nil {
		t.Fatal("want error for negative credit")
	}
}
