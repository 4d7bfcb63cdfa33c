package otel

import (
	"context"
	"testing"
)

func TestInitMetrics_RecordHelpers(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordTaskOp(ctx, "create", "demo", "todo")
	RecordTaskOp(ctx, "update", "demo", "doing")
	RecordDispatch(ctx, "demo", "dev")
	RecordTaskFailed(ctx, "demo")
	RecordBlocked(ctx, "demo", 3)
	RecordCriticalPath(ctx, "demo", 4)
	RecordBudgetBlocked(ctx, "demo", 1)
	RecordBudgetLeft(ctx, "demo", 9.5)
	Alert(ctx, "budget", "budget exhausted", "tenant", "demo")
}

func TestAddSSEConnection_RemoveSSEConnection(t *testing.T) {
	AddSSEConnection()
	AddSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection() // should not go negative
}

func TestInitMetricsWithTaskCount(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "taskcount-test")
	err := InitMetricsWithTaskCount(ctx, func() (todo, doing, done, failed int64) {
		return 1, 2, 3, 0
	})
	if err != nil {
		t.Fatalf("InitMetricsWithTaskCount: %v", err)
	}
}

func TestInitMetricsWithTaskCount_nilFunc(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "taskcount-nil-test")
	if err := InitMetricsWithTaskCount(ctx, nil); err != nil {
		t.Fatalf("InitMetricsWithTaskCount(nil): %v", err)
	}
}
