package otel

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	dispatchedCounter   metric.Int64Counter
	failedCounter       metric.Int64Counter
	alertsCounter       metric.Int64Counter
	blockedGauge        metric.Int64Gauge
	critPathGauge       metric.Int64Gauge
	budgetBlockedGauge  metric.Int64Gauge
	budgetLeftGauge     metric.Float64Gauge
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("aiorg_task_operations_total", metric.WithDescription("Total task operations (create, update, requeue, etc.)"))
		if err != nil {
			return
		}
		dispatchedCounter, err = m.Int64Counter("aiorg_tasks_dispatched_total", metric.WithDescription("Tasks dispatched to worker queues"))
		if err != nil {
			return
		}
		failedCounter, err = m.Int64Counter("aiorg_tasks_failed_total", metric.WithDescription("Worker-reported task failures"))
		if err != nil {
			return
		}
		alertsCounter, err = m.Int64Counter("aiorg_alerts_total", metric.WithDescription("Alerts triggered, by type"))
		if err != nil {
			return
		}
		blockedGauge, err = m.Int64Gauge("aiorg_tasks_blocked", metric.WithDescription("Todo tasks blocked by an unfinished prerequisite"))
		if err != nil {
			return
		}
		critPathGauge, err = m.Int64Gauge("aiorg_critical_path_length", metric.WithDescription("Longest unresolved dependency chain"))
		if err != nil {
			return
		}
		budgetBlockedGauge, err = m.Int64Gauge("aiorg_budget_blocked_tasks", metric.WithDescription("Tasks parked in budget_exceeded"))
		if err != nil {
			return
		}
		budgetLeftGauge, err = m.Float64Gauge("aiorg_budget_remaining_usd", metric.WithDescription("Remaining tenant budget in USD"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("aiorg_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("aiorg_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (create, update, requeue, etc.).
func RecordTaskOp(ctx context.Context, op string, tenant string, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrType.String(op),
		AttrTenant.String(tenant),
		AttrStatus.String(status),
	))
}

// RecordDispatch records one task handed to a worker queue.
func RecordDispatch(ctx context.Context, tenant, role string) {
	if dispatchedCounter != nil {
		dispatchedCounter.Add(ctx, 1, metric.WithAttributes(AttrTenant.String(tenant), AttrRole.String(role)))
	}
}

// RecordTaskFailed records one worker-reported failure.
func RecordTaskFailed(ctx context.Context, tenant string) {
	if failedCounter != nil {
		failedCounter.Add(ctx, 1, metric.WithAttributes(AttrTenant.String(tenant)))
	}
}

// RecordBlocked publishes the blocked-count gauge for a tenant.
func RecordBlocked(ctx context.Context, tenant string, n int) {
	if blockedGauge != nil {
		blockedGauge.Record(ctx, int64(n), metric.WithAttributes(AttrTenant.String(tenant)))
	}
}

// RecordCriticalPath publishes the critical-path-length gauge for a tenant.
func RecordCriticalPath(ctx context.Context, tenant string, n int) {
	if critPathGauge != nil {
		critPathGauge.Record(ctx, int64(n), metric.WithAttributes(AttrTenant.String(tenant)))
	}
}

// RecordBudgetBlocked publishes the budget-blocked gauge for a tenant.
func RecordBudgetBlocked(ctx context.Context, tenant string, n int) {
	if budgetBlockedGauge != nil {
		budgetBlockedGauge.Record(ctx, int64(n), metric.WithAttributes(AttrTenant.String(tenant)))
	}
}

// RecordBudgetLeft publishes the remaining-budget gauge for a tenant.
func RecordBudgetLeft(ctx context.Context, tenant string, usd float64) {
	if budgetLeftGauge != nil {
		budgetLeftGauge.Record(ctx, usd, metric.WithAttributes(AttrTenant.String(tenant)))
	}
}

// Alert emits a structured warning log and bumps the alerts counter.
// No alert is fatal to the caller.
func Alert(ctx context.Context, kind, msg string, args ...any) {
	slog.Warn(msg, append([]any{"alert", kind}, args...)...)
	if alertsCounter != nil {
		alertsCounter.Add(ctx, 1, metric.WithAttributes(AttrType.String(kind)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns (todo, doing, done, failed) counts. Used for the aiorg_tasks_total gauge.
type TaskCountFunc func() (todo, doing, done, failed int64)

// InitMetricsWithTaskCount creates instruments and optionally registers a callback for task gauges.
// Call after InitMeterProvider. If taskCount is nil, task gauges are not reported.
func InitMetricsWithTaskCount(ctx context.Context, taskCount TaskCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if taskCount == nil {
		return nil
	}
	m := Meter()
	tasksGauge, err := m.Float64ObservableGauge("aiorg_tasks_total", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		todo, doing, done, failed := taskCount()
		o.ObserveFloat64(tasksGauge, float64(todo), metric.WithAttributes(AttrStatus.String("todo")))
		o.ObserveFloat64(tasksGauge, float64(doing), metric.WithAttributes(AttrStatus.String("doing")))
		o.ObserveFloat64(tasksGauge, float64(done), metric.WithAttributes(AttrStatus.String("done")))
		o.ObserveFloat64(tasksGauge, float64(failed), metric.WithAttributes(AttrStatus.String("failed")))
		return nil
	}, tasksGauge)
	return err
}
