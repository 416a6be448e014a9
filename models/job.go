package models

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/ydl-server/extractor"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusDropped    JobStatus = "dropped"
)

// Job represents one download waiting for, or owned by, the worker.
// DestinationPath is fixed when the job is created and never recomputed.
type Job struct {
	ID              string            `json:"id"`
	RequesterID     string            `json:"requester_id"`
	SourceURL       string            `json:"source_url"`
	Preset          string            `json:"preset"`
	Options         extractor.Options `json:"options"`
	DestinationPath string            `json:"-"`
	Owner           *Ownership        `json:"-"`
	Status          JobStatus         `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`

	// Logger is scoped to the media id and also writes the job's log file.
	Logger *slog.Logger `json:"-"`

	logFile  io.Closer
	sentinel bool
}

// NewJob creates a pending job that will write to destinationPath.
func NewJob(requesterID, sourceURL, preset string, opts extractor.Options, destinationPath string) *Job {
	opts.OutputPath = destinationPath
	return &Job{
		ID:              uuid.New().String(),
		RequesterID:     requesterID,
		SourceURL:       sourceURL,
		Preset:          preset,
		Options:         opts,
		DestinationPath: destinationPath,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
	}
}

// NewSentinel creates the shutdown signal for the worker. It has no
// requester and no URL.
func NewSentinel() *Job {
	return &Job{sentinel: true}
}

// IsSentinel reports whether j is the shutdown signal.
func (j *Job) IsSentinel() bool {
	return j == nil || j.sentinel
}

// Outfile returns the file name component of the destination path.
func (j *Job) Outfile() string {
	if j.DestinationPath == "" {
		return ""
	}
	return filepath.Base(j.DestinationPath)
}

// SetLogFile attaches the job's log file so the worker can close it.
func (j *Job) SetLogFile(f io.Closer) {
	j.logFile = f
}

// Close releases the job's log file, if any.
func (j *Job) Close() error {
	if j.logFile == nil {
		return nil
	}
	err := j.logFile.Close()
	j.logFile = nil
	return err
}

// Log returns the job logger, or fallback when the job has none.
func (j *Job) Log(fallback *slog.Logger) *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return fallback
}

// JobSummary is a read-only view of a job for observability endpoints.
type JobSummary struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	SourceURL   string    `json:"source_url"`
	Preset      string    `json:"preset"`
	Outfile     string    `json:"outfile"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summary copies the observable fields of j.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		RequesterID: j.RequesterID,
		SourceURL:   j.SourceURL,
		Preset:      j.Preset,
		Outfile:     j.Outfile(),
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
	}
}

// LogPath returns the path of the per-job log file for destinationPath:
// the destination with its extension replaced by ".log".
func LogPath(destinationPath string) string {
	return strings.TrimSuffix(destinationPath, filepath.Ext(destinationPath)) + ".log"
}
