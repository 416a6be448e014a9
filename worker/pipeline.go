package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jupark12/ydl-server/models"
	"github.com/jupark12/ydl-server/queue"
)

// Pipeline owns the job queue and its single worker. Submissions go in
// through Enqueue; Shutdown stops the worker after its current job.
type Pipeline struct {
	queue  *queue.JobQueue
	worker *Worker
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// NewPipeline wires w to consume q.
func NewPipeline(q *queue.JobQueue, w *Worker, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		queue:  q,
		worker: w,
		logger: logger.With(slog.String("component", "pipeline")),
	}
}

// Start launches the worker. Downloads are aborted if Shutdown gives up
// waiting for them.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.worker.Start(ctx)
}

// Enqueue hands job to the worker. After Shutdown has begun the job is
// dropped instead.
func (p *Pipeline) Enqueue(job *models.Job) {
	p.mu.Lock()
	if !p.closed {
		p.queue.Enqueue(job)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.worker.drop(job)
}

// Pending returns a best-effort view of the queued jobs.
func (p *Pipeline) Pending() []models.JobSummary {
	return p.queue.Snapshot()
}

// Worker returns the pipeline's worker.
func (p *Pipeline) Worker() *Worker {
	return p.worker
}

// Shutdown drops every job still waiting in the queue, then sends the
// sentinel and waits for the worker to finish its in-flight job. If ctx
// expires first the in-flight download is cancelled and ctx's error is
// returned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	// closing, draining and sending the sentinel happen under one lock so
	// no accepted job can land behind the sentinel
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	dropped := p.queue.DropPending()
	if cancel != nil {
		p.queue.Enqueue(models.NewSentinel())
	}
	p.mu.Unlock()

	for _, job := range dropped {
		if !job.IsSentinel() {
			p.worker.drop(job)
		}
	}
	if len(dropped) > 0 {
		p.logger.Warn("Dropped pending jobs", slog.Int("count", len(dropped)))
	}

	if cancel == nil {
		// never started
		return nil
	}

	select {
	case <-p.worker.Done():
		cancel()
		p.logger.Info("Pipeline stopped")
		return nil
	case <-ctx.Done():
		cancel()
		p.logger.Error("Timed out waiting for the worker, aborting download",
			slog.String("error", ctx.Err().Error()),
		)
		return ctx.Err()
	}
}
