// Package scheduler holds pending download jobs in priority order.
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/models"
)

type entry struct {
	job *models.Job
	seq uint64
}

type jobHeap []entry

func (h jobHeap) Len() int { return len(h) }

// Less orders by priority, then enqueue time, then insertion sequence.
func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.EnqueuedAt.Equal(b.job.EnqueuedAt) {
		return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority queue of jobs. Lower priority values are
// served first; equal priorities are served in enqueue order.
type Queue struct {
	sink   events.Sink
	notify chan struct{}
	heap   jobHeap
	seq    uint64
	mu     sync.Mutex
}

// New creates an empty queue. Depth changes are published to sink as
// queue_update events; sink may be nil.
func New(sink events.Sink) *Queue {
	return &Queue{
		sink:   sink,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue adds a job. A zero EnqueuedAt is stamped with the current time.
func (q *Queue) Enqueue(job *models.Job) {
	q.mu.Lock()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.seq++
	heap.Push(&q.heap, entry{job: job, seq: q.seq})
	depth := q.heap.Len()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	events.Emit(q.sink, events.QueueUpdate{QueueSize: depth})
}

// DequeueNext removes and returns the highest-priority job, waiting up to
// timeout for one to arrive. It returns false on timeout or when ctx ends.
func (q *Queue) DequeueNext(ctx context.Context, timeout time.Duration) (*models.Job, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if job, depth, ok := q.pop(); ok {
			events.Emit(q.sink, events.QueueUpdate{QueueSize: depth})
			return job, true
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) pop() (*models.Job, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil, 0, false
	}
	e := heap.Pop(&q.heap).(entry)
	depth := q.heap.Len()
	if depth > 0 {
		// Wake any other waiter; notify only holds one token.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return e.job, depth, true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Snapshot returns copies of the queued jobs in the order they would be dequeued.
func (q *Queue) Snapshot() []models.Job {
	q.mu.Lock()
	entries := append(jobHeap(nil), q.heap...)
	q.mu.Unlock()

	sort.Slice(entries, entries.Less)
	out := make([]models.Job, len(entries))
	for i, e := range entries {
		out[i] = *e.job
	}
	return out
}
