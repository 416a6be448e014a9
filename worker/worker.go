package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jupark12/ydl-server/extractor"
	"github.com/jupark12/ydl-server/history"
	"github.com/jupark12/ydl-server/metrics"
	"github.com/jupark12/ydl-server/models"
	"github.com/jupark12/ydl-server/queue"
)

// State is the lifecycle state of the worker.
type State string

const (
	StateNew     State = "new"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// DefaultProgressInterval is the minimum time between two "downloading"
// log lines of one job.
const DefaultProgressInterval = 5 * time.Second

// recordTimeout bounds writes to the history store.
const recordTimeout = 5 * time.Second

// Notifier receives job state changes. models.WebSocketManager implements it.
type Notifier interface {
	Publish(event models.JobEvent)
}

type nopNotifier struct{}

func (nopNotifier) Publish(models.JobEvent) {}

// Worker is the single consumer of the job queue. It downloads one job at
// a time, in queue order, until it receives the sentinel.
type Worker struct {
	Queue      *queue.JobQueue
	Processing bool

	downloader       extractor.Downloader
	logger           *slog.Logger
	notifier         Notifier
	recorder         history.Recorder
	progressInterval time.Duration

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(q *queue.JobQueue, downloader extractor.Downloader, logger *slog.Logger) *Worker {
	return &Worker{
		Queue:            q,
		downloader:       downloader,
		logger:           logger.With(slog.String("component", "worker")),
		notifier:         nopNotifier{},
		recorder:         history.Nop{},
		progressInterval: DefaultProgressInterval,
		state:            StateNew,
		done:             make(chan struct{}),
	}
}

// SetNotifier sets where job events are published.
func (w *Worker) SetNotifier(n Notifier) {
	w.notifier = n
}

// SetRecorder sets where finished jobs are recorded.
func (w *Worker) SetRecorder(r history.Recorder) {
	w.recorder = r
}

// SetProgressInterval sets the minimum time between "downloading" log
// lines. Zero logs every progress update.
func (w *Worker) SetProgressInterval(d time.Duration) {
	w.progressInterval = d
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsProcessing reports whether a job is in flight.
func (w *Worker) IsProcessing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Processing
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Start begins processing jobs. Downloads run under ctx, so cancelling it
// aborts the job in flight; the loop itself only stops on the sentinel.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.state != StateNew {
		w.mu.Unlock()
		return
	}
	w.state = StateRunning
	w.mu.Unlock()

	w.logger.Info("Worker starting")
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		job := w.Queue.Dequeue()
		if job.IsSentinel() {
			w.mu.Lock()
			w.state = StateStopped
			w.Processing = false
			w.mu.Unlock()
			w.logger.Info("Worker stopped")
			return
		}

		w.mu.Lock()
		w.Processing = true
		w.mu.Unlock()

		w.handle(ctx, job)

		w.mu.Lock()
		w.Processing = false
		w.mu.Unlock()
	}
}

// handle processes one job and reports its outcome. It never lets a
// failure escape into the loop.
func (w *Worker) handle(ctx context.Context, job *models.Job) {
	defer job.Close()
	logger := job.Log(w.logger)

	job.Status = models.StatusProcessing
	job.StartedAt = time.Now()
	w.notifier.Publish(models.NewJobEvent(job, models.StatusProcessing))
	logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("url", job.SourceURL),
		slog.String("outfile", job.Outfile()),
	)

	err := w.process(ctx, job, logger)
	job.CompletedAt = time.Now()
	metrics.JobDuration.Observe(job.CompletedAt.Sub(job.StartedAt).Seconds())

	if err != nil {
		job.Status = models.StatusFailed
		job.ErrorMessage = err.Error()
		logger.Error("Failed to download",
			slog.String("url", job.SourceURL),
			slog.String("error", err.Error()),
		)
	} else {
		job.Status = models.StatusCompleted
		logger.Info("Download complete",
			slog.String("url", job.SourceURL),
			slog.String("path", job.DestinationPath),
		)
	}
	w.finish(job)
}

// process deletes any previous file at the destination, downloads, and
// hands the result to the tenant's owner. Panics from the downloader are
// returned as errors.
func (w *Worker) process(ctx context.Context, job *models.Job, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Download panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("download panicked: %v", r)
		}
	}()

	if err := removeExisting(job.DestinationPath); err != nil {
		return err
	}

	progress := newProgressLogger(logger, w.progressInterval, func(p extractor.Progress) {
		event := models.NewJobEvent(job, models.StatusProcessing)
		event.DownloadedBytes = p.DownloadedBytes
		event.TotalBytes = p.TotalBytes
		w.notifier.Publish(event)
	})

	if err := w.downloader.Download(ctx, job.SourceURL, job.Options, progress.Log); err != nil {
		return err
	}

	if job.Owner != nil {
		if err := os.Chown(job.DestinationPath, job.Owner.UID, job.Owner.GID); err != nil {
			return fmt.Errorf("change owner of %s: %w", job.DestinationPath, err)
		}
		logger.Debug("Changed file owner",
			slog.Int("uid", job.Owner.UID),
			slog.Int("gid", job.Owner.GID),
		)
	}
	return nil
}

// drop reports a job that was removed from the queue without running.
func (w *Worker) drop(job *models.Job) {
	defer job.Close()
	job.Status = models.StatusDropped
	job.CompletedAt = time.Now()
	job.Log(w.logger).Warn("Dropped queued job at shutdown",
		slog.String("job_id", job.ID),
		slog.String("url", job.SourceURL),
	)
	w.finish(job)
}

func (w *Worker) finish(job *models.Job) {
	metrics.JobsTotal.WithLabelValues(string(job.Status)).Inc()

	event := models.NewJobEvent(job, job.Status)
	event.Error = job.ErrorMessage
	w.notifier.Publish(event)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := w.recorder.Record(ctx, history.NewEntry(job)); err != nil {
		w.logger.Warn("Failed to record job history",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// removeExisting deletes a regular file at path. A missing file is fine;
// anything else at the path is left alone.
func removeExisting(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove existing %s: %w", path, err)
	}
	return nil
}

// progressLogger turns extractor progress into log lines. "downloading"
// updates are throttled; "finished" and "error" always get through.
type progressLogger struct {
	logger    *slog.Logger
	sometimes *rate.Sometimes
	onUpdate  func(extractor.Progress)
}

func newProgressLogger(logger *slog.Logger, interval time.Duration, onUpdate func(extractor.Progress)) *progressLogger {
	s := &rate.Sometimes{First: 1, Interval: interval}
	if interval <= 0 {
		s = &rate.Sometimes{Every: 1}
	}
	return &progressLogger{logger: logger, sometimes: s, onUpdate: onUpdate}
}

func (p *progressLogger) Log(update extractor.Progress) {
	switch update.Status {
	case extractor.ProgressError:
		p.logger.Error(fmt.Sprintf("Failed to download %q", update.Filename))
	case extractor.ProgressFinished:
		p.logger.Info(fmt.Sprintf("Finished downloading %q", update.Filename))
	case extractor.ProgressDownloading:
		p.sometimes.Do(func() {
			p.logger.Info(formatProgress(update))
			if p.onUpdate != nil {
				p.onUpdate(update)
			}
		})
	}
}

const mebibyte = 1 << 20

// formatProgress renders a progress update as
// "Downloaded 1.5/10.0 MB (15%, 0.50 MB/s)". Unknown values print as ???.
func formatProgress(p extractor.Progress) string {
	downloaded := fmt.Sprintf("%.1f", float64(p.DownloadedBytes)/mebibyte)
	total, percent, speed := "???", "???", "???"
	if p.TotalBytes > 0 {
		total = fmt.Sprintf("%.1f", float64(p.TotalBytes)/mebibyte)
		percent = fmt.Sprintf("%d", 100*p.DownloadedBytes/p.TotalBytes)
	}
	if p.BytesPerSecond > 0 {
		speed = fmt.Sprintf("%.2f", p.BytesPerSecond/mebibyte)
	}
	return fmt.Sprintf("Downloaded %s/%s MB (%s%%, %s MB/s)", downloaded, total, percent, speed)
}
