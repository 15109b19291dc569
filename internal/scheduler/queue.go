package scheduler

import "container/heap"

// Task is one pending proactive refresh: an identity key plus its token
// expiry. Tasks carry no credentials; the refresh callback re-reads the
// live store.
type Task struct {
	Key       string
	ExpiresAt int64

	index int
}

// Queue is a min-priority queue ordered by ExpiresAt with at most one task
// per key. Not safe for concurrent use; the scheduler serializes access.
type Queue struct {
	heap  taskHeap
	byKey map[string]*Task
}

func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]*Task)}
}

func (q *Queue) Len() int {
	return len(q.heap)
}

// Upsert adds the task for key or updates its expiry in place.
func (q *Queue) Upsert(key string, expiresAt int64) {
	if t, ok := q.byKey[key]; ok {
		t.ExpiresAt = expiresAt
		heap.Fix(&q.heap, t.index)
		return
	}
	t := &Task{Key: key, ExpiresAt: expiresAt}
	q.byKey[key] = t
	heap.Push(&q.heap, t)
}

func (q *Queue) Remove(key string) {
	t, ok := q.byKey[key]
	if !ok {
		return
	}
	delete(q.byKey, key)
	heap.Remove(&q.heap, t.index)
}

// Due pops every task whose expiry minus the buffer has been reached,
// ordered by ascending expiry.
func (q *Queue) Due(now, bufferMs int64) []Task {
	var due []Task
	for q.heap.Len() > 0 && q.heap[0].ExpiresAt-bufferMs <= now {
		t := heap.Pop(&q.heap).(*Task)
		delete(q.byKey, t.Key)
		due = append(due, *t)
	}
	return due
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].ExpiresAt != h[j].ExpiresAt {
		return h[i].ExpiresAt < h[j].ExpiresAt
	}
	return h[i].Key < h[j].Key
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
