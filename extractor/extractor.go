// Package extractor defines the narrow capability the server needs from a
// media extraction engine: resolve a URL to metadata, download it with
// progress callbacks, and update the engine itself.
package extractor

import (
	"context"
	"fmt"
)

// PostProcessor describes one post-processing step applied after download.
type PostProcessor struct {
	Key              string `json:"key"`
	PreferredCodec   string `json:"preferred_codec,omitempty"`
	PreferredQuality string `json:"preferred_quality,omitempty"`
}

// KeyExtractAudio converts the downloaded media to an audio-only file.
const KeyExtractAudio = "FFmpegExtractAudio"

// Options is the resolved configuration bundle for one extractor call.
type Options struct {
	Format         string          `json:"format"`
	PostProcessors []PostProcessor `json:"postprocessors,omitempty"`
	// OutputPath is the absolute path of the final file, extension included.
	OutputPath  string `json:"output_path,omitempty"`
	ArchiveFile string `json:"archive_file,omitempty"`
	NoPlaylist  bool   `json:"no_playlist"`
	Quiet       bool   `json:"quiet"`
	Verbose     bool   `json:"verbose"`
}

// Metadata holds the scalar fields of a resolved media item, keyed by the
// extractor's field names (id, title, uploader, ...).
type Metadata map[string]string

// ID returns the media id, or an empty string.
func (m Metadata) ID() string {
	return m["id"]
}

// Title returns the media title, or an empty string.
func (m Metadata) Title() string {
	return m["title"]
}

// ProgressStatus is the state reported by a progress callback.
type ProgressStatus string

const (
	ProgressDownloading ProgressStatus = "downloading"
	ProgressFinished    ProgressStatus = "finished"
	ProgressError       ProgressStatus = "error"
)

// Progress is one progress notification pushed by a running download.
// TotalBytes and BytesPerSecond are zero when unknown.
type Progress struct {
	Status          ProgressStatus
	Filename        string
	DownloadedBytes int64
	TotalBytes      int64
	BytesPerSecond  float64
}

// ProgressFunc receives progress notifications during Download.
type ProgressFunc func(Progress)

// Resolver looks up metadata for a URL without downloading anything.
type Resolver interface {
	Resolve(ctx context.Context, url string, opts Options) (Metadata, error)
}

// Downloader performs a blocking download of url to opts.OutputPath.
type Downloader interface {
	Download(ctx context.Context, url string, opts Options, onProgress ProgressFunc) error
}

// Extractor is the full capability used by the server.
type Extractor interface {
	Resolver
	Downloader
}

// UpdateResult carries the captured output of an engine update.
type UpdateResult struct {
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Updater upgrades the extraction engine in place.
type Updater interface {
	Update(ctx context.Context) (UpdateResult, error)
}

// ResolutionError reports that a URL could not be resolved to media.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// DownloadError reports a failure while downloading or post-processing.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
