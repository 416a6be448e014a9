// Package submit validates download requests and turns them into queued
// jobs with a fixed destination path.
package submit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jupark12/ydl-server/extractor"
	"github.com/jupark12/ydl-server/metrics"
	"github.com/jupark12/ydl-server/models"
	"github.com/jupark12/ydl-server/sanitize"
)

// ErrMissingURL is returned when a submission has no URL.
var ErrMissingURL = errors.New("missing 'url' query param")

// Enqueuer accepts jobs for the download worker.
type Enqueuer interface {
	Enqueue(job *models.Job)
}

// HandlerFunc builds the log handler used for per-job loggers.
type HandlerFunc func(w io.Writer) slog.Handler

// Config holds the settings shared by all submissions.
type Config struct {
	// OutputTemplate is the file name template, e.g. "{title} [{id}]".
	OutputTemplate string
	// ArchiveFile, when set, is passed to the extractor so already
	// archived media is skipped.
	ArchiveFile string
	// Verbose turns on extractor debug output.
	Verbose bool
	// JobLog receives every job's log lines in addition to the job's own
	// log file.
	JobLog io.Writer
	// NewHandler formats per-job log lines. Defaults to a text handler.
	NewHandler HandlerFunc
}

// Result is the outcome of one submission. Outfile is nil unless the
// submission succeeded.
type Result struct {
	Success bool    `json:"success"`
	URL     string  `json:"url"`
	Preset  string  `json:"preset"`
	Format  string  `json:"format"`
	Outfile *string `json:"outfile"`
	Error   string  `json:"error,omitempty"`
}

// Service resolves submissions and enqueues them.
type Service struct {
	resolver extractor.Resolver
	presets  *models.PresetTable
	template *sanitize.Template
	queue    Enqueuer
	logger   *slog.Logger
	cfg      Config
}

// NewService creates a submission service.
func NewService(resolver extractor.Resolver, presets *models.PresetTable, queue Enqueuer, logger *slog.Logger, cfg Config) *Service {
	if cfg.JobLog == nil {
		cfg.JobLog = io.Discard
	}
	if cfg.NewHandler == nil {
		cfg.NewHandler = func(w io.Writer) slog.Handler {
			return slog.NewTextHandler(w, nil)
		}
	}
	return &Service{
		resolver: resolver,
		presets:  presets,
		template: sanitize.New(cfg.OutputTemplate),
		queue:    queue,
		logger:   logger.With(slog.String("component", "submit")),
		cfg:      cfg,
	}
}

// Submit resolves url for tenant with the preset named presetToken, falling
// back to the default preset for unknown tokens, and enqueues the download.
// Resolution failures are reported in the Result, not as an error; the only
// error is ErrMissingURL.
func (s *Service) Submit(ctx context.Context, tenant models.Tenant, url, presetToken string) (Result, error) {
	if url == "" {
		return Result{}, ErrMissingURL
	}

	preset, known := s.presets.Resolve(presetToken)
	if !known && presetToken != "" {
		s.logger.Debug("Unknown preset, using default",
			slog.String("requested", presetToken),
			slog.String("preset", preset.Name),
		)
	}

	opts := preset.Options()
	opts.ArchiveFile = s.cfg.ArchiveFile
	if s.cfg.Verbose {
		opts.Verbose = true
		opts.Quiet = false
	}
	s.logger.Debug("Extractor options",
		slog.String("url", url),
		slog.Any("options", opts),
	)

	result := Result{
		URL:    url,
		Preset: preset.Name,
		Format: preset.Format,
	}

	meta, err := s.resolver.Resolve(ctx, url, opts)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("unresolved").Inc()
		s.logger.Error("Could not add url to the download queue",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		result.Error = err.Error()
		return result, nil
	}
	s.logger.Debug("Resolved media", slog.Any("info", meta))

	outfile := s.template.WithExtension(preset.Extension).Format(meta)
	dest := tenant.Path(outfile)

	job := models.NewJob(tenant.Username, url, preset.Name, opts, dest)
	job.Owner = tenant.Owner
	s.attachLogger(job, meta.ID())

	s.queue.Enqueue(job)
	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("Added url to the download queue",
		slog.String("url", url),
		slog.String("tenant", tenant.Username),
		slog.String("job_id", job.ID),
	)

	result.Success = true
	result.Outfile = &outfile
	return result, nil
}

// attachLogger gives job a logger tagged with the media id that writes to
// the shared job log and to the job's own log file next to the output.
func (s *Service) attachLogger(job *models.Job, mediaID string) {
	w := s.cfg.JobLog
	logPath := models.LogPath(job.DestinationPath)

	if err := os.MkdirAll(filepath.Dir(job.DestinationPath), 0o755); err != nil {
		s.logger.Warn("Failed to create output directory",
			slog.String("path", job.DestinationPath),
			slog.String("error", err.Error()),
		)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("Failed to open job log file",
			slog.String("path", logPath),
			slog.String("error", err.Error()),
		)
	} else {
		w = io.MultiWriter(f, w)
		job.SetLogFile(f)
	}

	job.Logger = slog.New(s.cfg.NewHandler(w)).With(slog.String("logger", "youtubedl."+mediaID))
}
