package extractor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// progressFrequency is how often yt-dlp progress is sampled.
const progressFrequency = 500 * time.Millisecond

// YtDlp implements Extractor and Updater on top of the yt-dlp binary.
type YtDlp struct {
	logger *slog.Logger
}

// NewYtDlp creates a yt-dlp backed extractor.
func NewYtDlp(logger *slog.Logger) *YtDlp {
	return &YtDlp{logger: logger.With(slog.String("component", "ytdlp"))}
}

// Install makes sure a yt-dlp binary is available, downloading it into the
// user cache when it is missing from PATH.
func (y *YtDlp) Install(ctx context.Context) error {
	resolved, err := ytdlp.Install(ctx, &ytdlp.InstallOptions{})
	if err != nil {
		return fmt.Errorf("install yt-dlp: %w", err)
	}
	y.logger.Info("yt-dlp ready",
		slog.String("executable", resolved.Executable),
		slog.String("version", resolved.Version),
	)
	return nil
}

// Resolve runs yt-dlp without downloading and returns the info dict fields.
func (y *YtDlp) Resolve(ctx context.Context, url string, opts Options) (Metadata, error) {
	cmd := ytdlp.New().
		SkipDownload().
		PrintJSON()
	applyCommon(cmd, opts)

	res, err := cmd.Run(ctx, url)
	if err != nil {
		return nil, &ResolutionError{URL: url, Err: err}
	}

	meta, err := parseInfo(res.Stdout)
	if err != nil {
		return nil, &ResolutionError{URL: url, Err: err}
	}
	return meta, nil
}

// Download runs yt-dlp for url, writing the result to opts.OutputPath.
func (y *YtDlp) Download(ctx context.Context, url string, opts Options, onProgress ProgressFunc) error {
	if opts.OutputPath == "" {
		return &DownloadError{URL: url, Err: errors.New("no output path")}
	}

	cmd := ytdlp.New().
		Output(outputTemplate(opts.OutputPath))
	applyCommon(cmd, opts)

	for _, pp := range opts.PostProcessors {
		switch pp.Key {
		case KeyExtractAudio:
			cmd.ExtractAudio()
			if pp.PreferredCodec != "" {
				cmd.AudioFormat(pp.PreferredCodec)
			}
			if pp.PreferredQuality != "" {
				cmd.AudioQuality(pp.PreferredQuality)
			}
		default:
			y.logger.Warn("unsupported post-processor ignored", slog.String("key", pp.Key))
		}
	}

	if onProgress != nil {
		cmd.ProgressFunc(progressFrequency, func(update ytdlp.ProgressUpdate) {
			onProgress(convertProgress(update))
		})
	}

	if _, err := cmd.Run(ctx, url); err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	return nil
}

// Update runs the yt-dlp self-updater and returns its captured output.
func (y *YtDlp) Update(ctx context.Context) (UpdateResult, error) {
	res, err := ytdlp.New().Update(ctx)
	if res == nil {
		return UpdateResult{}, fmt.Errorf("update yt-dlp: %w", err)
	}
	out := UpdateResult{Output: res.Stdout, Error: res.Stderr}
	if err != nil {
		return out, fmt.Errorf("update yt-dlp: %w", err)
	}
	return out, nil
}

func applyCommon(cmd *ytdlp.Command, opts Options) {
	if opts.Format != "" {
		cmd.Format(opts.Format)
	}
	if opts.NoPlaylist {
		cmd.NoPlaylist()
	}
	if opts.ArchiveFile != "" {
		cmd.DownloadArchive(opts.ArchiveFile)
	}
	if opts.Verbose {
		cmd.Verbose()
	} else if opts.Quiet {
		cmd.Quiet().NoWarnings()
	}
}

// outputTemplate turns a concrete output path into a yt-dlp template that
// keeps the directory and base name but lets post-processors set the
// extension. The presets pick formats whose final extension matches.
func outputTemplate(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	base = strings.ReplaceAll(base, "%", "%%")
	return base + ".%(ext)s"
}

func convertProgress(update ytdlp.ProgressUpdate) Progress {
	p := Progress{
		Filename:        update.Filename,
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}

	switch update.Status {
	case ytdlp.ProgressStatusFinished:
		p.Status = ProgressFinished
	case ytdlp.ProgressStatusError:
		p.Status = ProgressError
	default:
		p.Status = ProgressDownloading
	}

	if !update.Started.IsZero() {
		if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
			p.BytesPerSecond = float64(update.DownloadedBytes) / elapsed
		}
	}
	return p
}

// parseInfo decodes the first JSON object printed by yt-dlp and keeps its
// scalar fields as strings.
func parseInfo(stdout string) (Metadata, error) {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("decode info json: %w", err)
		}

		meta := make(Metadata, len(raw))
		for key, val := range raw {
			switch v := val.(type) {
			case string:
				meta[key] = v
			case float64:
				meta[key] = strconv.FormatFloat(v, 'f', -1, 64)
			case bool:
				meta[key] = strconv.FormatBool(v)
			}
		}
		if meta.ID() == "" {
			return nil, errors.New("info json has no id")
		}
		return meta, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read yt-dlp output: %w", err)
	}
	return nil, errors.New("yt-dlp printed no info json")
}
