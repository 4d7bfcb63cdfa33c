// Package dispatch hands ready tasks to workers. Delivery is fire-and-forget
// and at-least-once: a worker that crashes after dequeue leaves the task in
// doing until the retry sweep or an operator intervenes.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/3lC4pt41n/ai-org-prototype/pkg/models"
)

// Item is one unit of dispatched work.
type Item struct {
	TenantID string
	Role     string
	TaskID   string
}

// Dispatcher enqueues a task for a tenant's role queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, role, taskID string) error
}

// QueueSet is the in-process dispatcher: one buffered channel per tenant:role
// key, created on demand. A full queue rejects the dispatch so the scheduler
// can leave the task for the next tick instead of blocking.
type QueueSet struct {
	mu     sync.Mutex
	queues map[string]chan Item
	buffer int
}

// NewQueueSet returns a queue set with the given per-queue buffer
// (models.DefaultQueueBuffer when <= 0).
func NewQueueSet(buffer int) *QueueSet {
	if buffer <= 0 {
		buffer = models.DefaultQueueBuffer
	}
	return &QueueSet{queues: make(map[string]chan Item), buffer: buffer}
}

var _ Dispatcher = (*QueueSet)(nil)

func queueKey(tenantID, role string) string { return tenantID + ":" + role }

// Queue returns the channel for a tenant:role pair, creating it if needed.
func (q *QueueSet) Queue(tenantID, role string) <-chan Item {
	return q.queue(tenantID, role)
}

func (q *QueueSet) queue(tenantID, role string) chan Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := queueKey(tenantID, role)
	ch, ok := q.queues[key]
	if !ok {
		ch = make(chan Item, q.buffer)
		q.queues[key] = ch
	}
	return ch
}

func (q *QueueSet) Dispatch(ctx context.Context, tenantID, role, taskID string) error {
	select {
	case q.queue(tenantID, role) <- Item{TenantID: tenantID, Role: role, TaskID: taskID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue %s full", queueKey(tenantID, role))
	}
}

// Depth reports the current backlog of a queue, for status output.
func (q *QueueSet) Depth(tenantID, role string) int {
	return len(q.queue(tenantID, role))
}

// Recorder is a test dispatcher that remembers every dispatch.
type Recorder struct {
	mu    sync.Mutex
	items []Item
	// Err, when set, is returned by every Dispatch call.
	Err error
}

var _ Dispatcher = (*Recorder)(nil)

func (r *Recorder) Dispatch(_ context.Context, tenantID, role, taskID string) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Item{TenantID: tenantID, Role: role, TaskID: taskID})
	return nil
}

// Items returns a copy of everything dispatched so far.
func (r *Recorder) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}
