package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. Tasks are ordered by
// NotBefore and handed out only once due. It is safe for concurrent use.
type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    taskHeap
	seq      uint64
	capacity int

	// wake is signalled (non-blocking) whenever a task is added.
	wake chan struct{}
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = normalize(t, time.Now())

	for {
		q.mu.Lock()
		if len(q.tasks) < q.capacity {
			q.seq++
			heap.Push(&q.tasks, queued{task: t, seq: q.seq})
			q.mu.Unlock()
			q.signal()
			return nil
		}
		q.mu.Unlock()

		// Full: wait for a consumer to make room.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		now := time.Now()

		q.mu.Lock()
		wait := time.Duration(-1)
		if len(q.tasks) > 0 {
			head := q.tasks[0].task
			if head.Due(now) {
				item := heap.Pop(&q.tasks).(queued)
				more := len(q.tasks) > 0
				q.mu.Unlock()
				if more {
					// Pass the baton so another waiting consumer re-checks.
					q.signal()
				}
				return &item.task, nil
			}
			wait = head.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type queued struct {
	task Task
	seq  uint64
}

// taskHeap orders tasks by NotBefore, then by enqueue sequence.
type taskHeap []queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
