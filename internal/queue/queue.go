// Package queue orders pending tile load tasks by priority and admits them
// under a concurrency ceiling. A Queue is not safe for concurrent use; its
// owner serializes access.
package queue

import (
	"container/heap"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
)

type Task struct {
	ID         string
	Key        tile.Key
	Priority   tile.Priority
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	seq   uint64
	index int // position in the pending heap, -1 when not pending
}

// NewTask creates a task whose cancellation handle derives from parent.
func NewTask(parent context.Context, key tile.Key, priority tile.Priority, maxRetries int, now time.Time) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ID:         uuid.NewString(),
		Key:        key,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		index:      -1,
	}
}

// Context is done once the task has been cancelled.
func (t *Task) Context() context.Context {
	return t.ctx
}

func (t *Task) Cancel() {
	t.cancel()
}

type Queue struct {
	pending       taskHeap
	byKey         map[string]*Task
	active        map[string]*Task
	maxConcurrent int
	nextSeq       uint64
}

func New(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		byKey:         make(map[string]*Task),
		active:        make(map[string]*Task),
		maxConcurrent: maxConcurrent,
	}
}

// Enqueue adds task unless one already exists for the same key. In that
// case the existing task is returned, escalated if the new request has a
// higher priority; priorities are never lowered. The boolean reports
// whether task itself was added.
func (q *Queue) Enqueue(task *Task) (*Task, bool) {
	id := task.Key.String()

	if existing, ok := q.byKey[id]; ok {
		if task.Priority > existing.Priority {
			existing.Priority = task.Priority
			heap.Fix(&q.pending, existing.index)
		}
		return existing, false
	}
	if existing, ok := q.active[id]; ok {
		if task.Priority > existing.Priority {
			existing.Priority = task.Priority
		}
		return existing, false
	}

	task.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.pending, task)
	q.byKey[id] = task
	return task, true
}

// Dequeue moves the highest-priority pending task to the active set. It
// returns nil when nothing is pending or every concurrency slot is taken.
func (q *Queue) Dequeue() *Task {
	if len(q.active) >= q.maxConcurrent || q.pending.Len() == 0 {
		return nil
	}

	task := heap.Pop(&q.pending).(*Task)
	id := task.Key.String()
	delete(q.byKey, id)
	q.active[id] = task
	return task
}

// Remove forgets the task for key, pending or active, freeing its dedup
// slot and, if active, its concurrency slot.
func (q *Queue) Remove(key tile.Key) *Task {
	id := key.String()

	if task, ok := q.byKey[id]; ok {
		heap.Remove(&q.pending, task.index)
		delete(q.byKey, id)
		return task
	}
	if task, ok := q.active[id]; ok {
		delete(q.active, id)
		return task
	}
	return nil
}

// Get returns the outstanding task for key, if any.
func (q *Queue) Get(key tile.Key) (*Task, bool) {
	id := key.String()
	if task, ok := q.byKey[id]; ok {
		return task, true
	}
	task, ok := q.active[id]
	return task, ok
}

// Len is the number of pending tasks.
func (q *Queue) Len() int {
	return q.pending.Len()
}

func (q *Queue) ActiveCount() int {
	return len(q.active)
}

func (q *Queue) MaxConcurrent() int {
	return q.maxConcurrent
}

// Drain empties the pending set and returns its tasks in dequeue order.
// Active tasks are left for their owners to finish.
func (q *Queue) Drain() []*Task {
	out := make([]*Task, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		task := heap.Pop(&q.pending).(*Task)
		delete(q.byKey, task.Key.String())
		out = append(out, task)
	}
	return out
}

// Active returns a snapshot of the active tasks.
func (q *Queue) Active() []*Task {
	out := make([]*Task, 0, len(q.active))
	for _, task := range q.active {
		out = append(out, task)
	}
	return out
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}
