// Package history keeps an audit trail of finished download jobs. The queue
// itself is never rebuilt from it: the trail is write-only from the worker's
// point of view and read only by the history endpoint.
package history

import (
	"context"
	"time"

	"github.com/jupark12/ydl-server/models"
)

// Entry is one finished job.
type Entry struct {
	JobID        string           `json:"job_id"`
	Tenant       string           `json:"tenant"`
	SourceURL    string           `json:"source_url"`
	Preset       string           `json:"preset"`
	Outfile      string           `json:"outfile"`
	Status       models.JobStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
}

// NewEntry captures the final state of job. Jobs that never started
// (dropped at shutdown) use their creation time as start time.
func NewEntry(job *models.Job) Entry {
	started := job.StartedAt
	if started.IsZero() {
		started = job.CreatedAt
	}
	finished := job.CompletedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return Entry{
		JobID:        job.ID,
		Tenant:       job.RequesterID,
		SourceURL:    job.SourceURL,
		Preset:       job.Preset,
		Outfile:      job.Outfile(),
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		StartedAt:    started,
		FinishedAt:   finished,
	}
}

// Recorder stores finished jobs.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Reader lists a tenant's most recent entries, newest first.
type Reader interface {
	Recent(ctx context.Context, tenant string, limit int) ([]Entry, error)
}

// Store is the full history capability.
type Store interface {
	Recorder
	Reader
}

// Nop discards everything. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }
