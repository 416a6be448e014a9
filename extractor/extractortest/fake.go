// Package extractortest provides a deterministic in-memory extractor for
// tests.
package extractortest

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/jupark12/ydl-server/extractor"
)

// ErrUnknownURL is returned by Resolve for URLs that were not registered.
var ErrUnknownURL = errors.New("unsupported url")

// Fake resolves registered URLs and "downloads" by writing a small file to
// the requested output path.
type Fake struct {
	mu sync.Mutex

	media map[string]extractor.Metadata

	// DownloadFunc overrides the default download behaviour when set.
	DownloadFunc func(ctx context.Context, url string, opts extractor.Options, onProgress extractor.ProgressFunc) error

	resolved   []string
	downloaded []string
	options    []extractor.Options
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{media: make(map[string]extractor.Metadata)}
}

// Add registers url so that Resolve returns meta for it.
func (f *Fake) Add(url string, meta extractor.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[url] = meta
}

// Resolve implements extractor.Resolver.
func (f *Fake) Resolve(ctx context.Context, url string, opts extractor.Options) (extractor.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resolved = append(f.resolved, url)
	f.options = append(f.options, opts)

	meta, ok := f.media[url]
	if !ok {
		return nil, &extractor.ResolutionError{URL: url, Err: ErrUnknownURL}
	}
	out := make(extractor.Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out, nil
}

// Download implements extractor.Downloader.
func (f *Fake) Download(ctx context.Context, url string, opts extractor.Options, onProgress extractor.ProgressFunc) error {
	f.mu.Lock()
	f.downloaded = append(f.downloaded, url)
	fn := f.DownloadFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, url, opts, onProgress)
	}
	return WriteFile(opts, onProgress, []byte(url))
}

// WriteFile writes content to opts.OutputPath, reporting progress along the
// way, the same way a real download ends up on disk.
func WriteFile(opts extractor.Options, onProgress extractor.ProgressFunc, content []byte) error {
	total := int64(len(content))
	if onProgress != nil {
		onProgress(extractor.Progress{
			Status:          extractor.ProgressDownloading,
			Filename:        opts.OutputPath,
			DownloadedBytes: total / 2,
			TotalBytes:      total,
		})
	}
	if err := os.WriteFile(opts.OutputPath, content, 0o644); err != nil {
		if onProgress != nil {
			onProgress(extractor.Progress{Status: extractor.ProgressError, Filename: opts.OutputPath})
		}
		return &extractor.DownloadError{URL: string(content), Err: err}
	}
	if onProgress != nil {
		onProgress(extractor.Progress{
			Status:          extractor.ProgressFinished,
			Filename:        opts.OutputPath,
			DownloadedBytes: total,
			TotalBytes:      total,
		})
	}
	return nil
}

// Resolved returns the URLs passed to Resolve, in call order.
func (f *Fake) Resolved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

// Downloaded returns the URLs passed to Download, in call order.
func (f *Fake) Downloaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downloaded...)
}

// ResolveOptions returns the options passed to Resolve, in call order.
func (f *Fake) ResolveOptions() []extractor.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]extractor.Options(nil), f.options...)
}

// Updater is a fake extractor.Updater.
type Updater struct {
	Result extractor.UpdateResult
	Err    error
	Calls  int
}

// Update implements extractor.Updater.
func (u *Updater) Update(ctx context.Context) (extractor.UpdateResult, error) {
	u.Calls++
	return u.Result, u.Err
}
