package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/3lC4pt41n/ai-org-prototype/internal/graph"
	"github.com/3lC4pt41n/ai-org-prototype/internal/repo"
	"github.com/3lC4pt41n/ai-org-prototype/internal/store"
	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

func TestQueueSet_routesByTenantAndRole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewQueueSet(4)

	if err := q.Dispatch(ctx, "alpha", models.RoleDev, "task-1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := q.Dispatch(ctx, "alpha", models.RoleQA, "task-2"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case item := <-q.Queue("alpha", models.RoleDev):
		if item.TaskID != "task-1" {
			t.Fatalf("wrong item on dev queue: %+v", item)
		}
	default:
		t.Fatal("dev queue empty")
	}
	if q.Depth("alpha", models.RoleQA) != 1 {
		t.Fatal("qa queue should hold one item")
	}
	if q.Depth("beta", models.RoleDev) != 0 {
		t.Fatal("other tenant's queue not isolated")
	}
}

func TestQueueSet_fullQueueRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewQueueSet(1)
	if err := q.Dispatch(ctx, "alpha", models.RoleDev, "a"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := q.Dispatch(ctx, "alpha", models.RoleDev, "b"); err == nil {
		t.Fatal("want error on full queue")
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := &Recorder{}
	_ = r.Dispatch(context.Background(), "t", models.RoleDev, "x")
	items := r.Items()
	if len(items) != 1 || items[0].TaskID != "x" {
		t.Fatalf("recorder lost the dispatch: %+v", items)
	}
}

func TestStubWorkers_reportDone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	tenant, _ := st.CreateTenant(ctx, "demo", 10.0)
	r := repo.New(st, graph.NewMemory())
	task, _ := r.AddTask(ctx, tenant.TenantID, nil, "stub target", models.TaskMetrics{TokensPlan: 700}, nil, models.DepOriginManual)

	q := NewQueueSet(4)
	workers := NewStubWorkers(q, r)
	workers.Start(ctx, tenant.TenantID)

	if err := q.Dispatch(ctx, tenant.TenantID, models.RoleDev, task.TaskID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := r.Get(ctx, task.TaskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == models.StatusDone {
			if got.TokensActual != 700 {
				t.Fatalf("want planned tokens reported as actual, got %d", got.TokensActual)
			}
			if got.Owner == nil || *got.Owner != "stub:dev" {
				t.Fatalf("owner not set: %+v", got.Owner)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never completed, status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	workers.Wait()
}
