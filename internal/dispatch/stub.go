package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// TaskReporter is the slice of the repo the stub workers need.
type TaskReporter interface {
	Get(ctx context.Context, taskID string) (models.Task, error)
	Update(ctx context.Context, taskID string, ch store.TaskChanges) (models.Task, error)
}

// StubWorkers drains every role queue of a tenant and reports the work as
// done with the planned token count as actual usage. It exists so a fresh
// checkout demonstrates the full dispatch -> callback -> budget cycle without
// any external worker.
type StubWorkers struct {
	Queues *QueueSet
	Repo   TaskReporter
	log    *slog.Logger
	wg     sync.WaitGroup
}

// NewStubWorkers wires the pool.
func NewStubWorkers(q *QueueSet, r TaskReporter) *StubWorkers {
	return &StubWorkers{Queues: q, Repo: r, log: slog.Default()}
}

// Start launches one goroutine per role for the tenant. Returns immediately;
// workers stop when ctx is cancelled.
func (w *StubWorkers) Start(ctx context.Context, tenantID string) {
	for _, role := range models.Roles {
		ch := w.Queues.Queue(tenantID, role)
		w.wg.Add(1)
		go func(role string, ch <-chan Item) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-ch:
					if !ok {
						return
					}
					w.handle(ctx, item)
				}
			}
		}(role, ch)
	}
}

// Wait blocks until every worker goroutine has exited.
func (w *StubWorkers) Wait() { w.wg.Wait() }

func (w *StubWorkers) handle(ctx context.Context, item Item) {
	task, err := w.Repo.Get(ctx, item.TaskID)
	if err != nil {
		w.log.Warn("stub worker lost its task", "task_id", item.TaskID, "error", err)
		return
	}
	status := models.StatusDone
	owner := "stub:" + item.Role
	actual := task.TokensActual + task.TokensPlan
	notes := "completed by stub worker"
	_, err = w.Repo.Update(ctx, item.TaskID, store.TaskChanges{
		Status:       &status,
		Owner:        &owner,
		TokensActual: &actual,
		Notes:        &notes,
	})
	if err != nil {
		w.log.Warn("stub worker report failed", "task_id", item.TaskID, "error", err)
		return
	}
	w.log.Info("stub worker finished task", "task_id", item.TaskID, "role", item.Role, "tokens", task.TokensPlan)
}
