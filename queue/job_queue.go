package queue

import (
	"sync"

	"github.com/jupark12/ydl-server/metrics"
	"github.com/jupark12/ydl-server/models"
)

// JobQueue is an unbounded, in-memory FIFO of download jobs with many
// producers and a single consumer. Nothing is persisted: jobs still queued
// when the process dies are lost.
type JobQueue struct {
	mu          sync.Mutex
	nonEmpty    *sync.Cond
	pendingJobs []*models.Job
}

// NewJobQueue creates a new, empty JobQueue
func NewJobQueue() *JobQueue {
	q := &JobQueue{
		pendingJobs: make([]*models.Job, 0),
	}
	q.nonEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job to the tail of the queue. It never blocks on the
// consumer and never fails.
func (q *JobQueue) Enqueue(job *models.Job) {
	q.mu.Lock()
	q.pendingJobs = append(q.pendingJobs, job)
	metrics.PendingJobs.Set(float64(q.countPending()))
	q.mu.Unlock()

	q.nonEmpty.Signal()
}

// Dequeue removes and returns the job at the head of the queue, blocking
// until one is available.
func (q *JobQueue) Dequeue() *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pendingJobs) == 0 {
		q.nonEmpty.Wait()
	}

	// Get the next job from the queue (FIFO)
	job := q.pendingJobs[0]
	q.pendingJobs[0] = nil
	q.pendingJobs = q.pendingJobs[1:]

	metrics.PendingJobs.Set(float64(q.countPending()))
	return job
}

// Len returns the number of pending jobs, sentinels excluded. The value is
// a snapshot and may be stale by the time the caller uses it.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countPending()
}

// Snapshot returns summaries of the pending jobs in queue order. Like Len,
// it is a best-effort view, not synchronized with later queue operations.
func (q *JobQueue) Snapshot() []models.JobSummary {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]models.JobSummary, 0, len(q.pendingJobs))
	for _, job := range q.pendingJobs {
		if job.IsSentinel() {
			continue
		}
		jobs = append(jobs, job.Summary())
	}
	return jobs
}

// DropPending removes every pending job and returns them in queue order.
func (q *JobQueue) DropPending() []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.pendingJobs
	q.pendingJobs = make([]*models.Job, 0)
	metrics.PendingJobs.Set(0)
	return dropped
}

func (q *JobQueue) countPending() int {
	n := 0
	for _, job := range q.pendingJobs {
		if !job.IsSentinel() {
			n++
		}
	}
	return n
}
