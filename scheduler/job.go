package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/warp/bakehouse/bakeday"
)

// JobStatus is the state of a persisted lock job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a durable "lock this bake day at RunAt" timer. One per bake day.
type Job struct {
	BakeDayID bakeday.ID
	RunAt     time.Time
	Status    JobStatus
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// JobStore persists jobs so timers survive a restart.
type JobStore interface {
	// SaveJob inserts or replaces the job for job.BakeDayID.
	SaveJob(ctx context.Context, job Job) error

	// PendingJobs returns pending jobs ordered by RunAt.
	PendingJobs(ctx context.Context) ([]Job, error)
}

// =============================================================================
// TIMER QUEUE - min-heap of jobs keyed by RunAt
// =============================================================================

type jobQueue struct {
	items []Job
	index map[bakeday.ID]int
}

func newJobQueue() *jobQueue {
	return &jobQueue{index: make(map[bakeday.ID]int)}
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool { return q.items[i].RunAt.Before(q.items[j].RunAt) }

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].BakeDayID] = i
	q.index[q.items[j].BakeDayID] = j
}

func (q *jobQueue) Push(x any) {
	job := x.(Job)
	q.index[job.BakeDayID] = len(q.items)
	q.items = append(q.items, job)
}

func (q *jobQueue) Pop() any {
	n := len(q.items)
	job := q.items[n-1]
	q.items = q.items[:n-1]
	delete(q.index, job.BakeDayID)
	return job
}

// upsert adds job or moves the existing job for the same bake day.
func (q *jobQueue) upsert(job Job) {
	if i, ok := q.index[job.BakeDayID]; ok {
		q.items[i] = job
		heap.Fix(q, i)
		return
	}
	heap.Push(q, job)
}

// peek returns the earliest job without removing it.
func (q *jobQueue) peek() (Job, bool) {
	if len(q.items) == 0 {
		return Job{}, false
	}
	return q.items[0], true
}

// popDue removes and returns every job with RunAt <= now.
func (q *jobQueue) popDue(now time.Time) []Job {
	var due []Job
	for len(q.items) > 0 && !q.items[0].RunAt.After(now) {
		due = append(due, heap.Pop(q).(Job))
	}
	return due
}
