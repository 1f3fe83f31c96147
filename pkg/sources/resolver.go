package sources

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/fsutil"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

const (
	// DefaultTimeout bounds a single download attempt.
	DefaultTimeout = 60 * time.Second

	// ChunkSize is the copy buffer used when streaming downloads.
	ChunkSize = 1 << 20

	// FallbackFilename is used when a URL path has no usable last segment.
	FallbackFilename = "download.bin"
)

// SourceConfig declares where one raw input comes from.
type SourceConfig struct {
	Auto         bool     `yaml:"auto" json:"auto"`
	Path         string   `yaml:"path,omitempty" json:"path,omitempty"`
	Version      string   `yaml:"version,omitempty" json:"version,omitempty"`
	URL          string   `yaml:"url,omitempty" json:"url,omitempty"`
	FallbackURLs []string `yaml:"fallback_urls,omitempty" json:"fallback_urls,omitempty"`
}

// Configured reports whether Resolve has anything to work with: a local path,
// or automatic download with at least one candidate URL.
func (s SourceConfig) Configured(defaults []string) bool {
	if s.Path != "" {
		return true
	}
	return s.Auto && len(s.Candidates(defaults)) > 0
}

// Candidates returns the download URLs in the order they are tried:
// url, fallback_urls, then defaults. Empty entries and repeats are dropped.
func (s SourceConfig) Candidates(defaults []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(s.URL)
	for _, u := range s.FallbackURLs {
		add(u)
	}
	for _, u := range defaults {
		add(u)
	}
	return out
}

// Resolution is a resolved source: the local file and where it came from.
type Resolution struct {
	// Path is the file inside the destination directory.
	Path string

	// Origin is the local path or the URL that produced Path.
	Origin string

	// Downloaded is true when Path was fetched from a URL.
	Downloaded bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBaseDir sets the directory relative local paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(r *Resolver) { r.baseDir = dir }
}

// WithTimeout bounds each download attempt.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithFetcher registers or replaces the fetcher for a URL scheme.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(r *Resolver) { r.fetchers[strings.ToLower(scheme)] = f }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(logger *telemetry.Logger) Option {
	return func(r *Resolver) { r.logger = logger.NewComponentLogger("sources") }
}

// WithMetrics counts download attempts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithTracer wraps each attempt in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// WithAttemptRecorder persists every attempt.
func WithAttemptRecorder(rec AttemptRecorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// Resolver resolves source configurations to local files.
type Resolver struct {
	baseDir  string
	timeout  time.Duration
	fetchers map[string]Fetcher
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	recorder AttemptRecorder
	now      func() time.Time
}

// NewResolver creates a resolver with the http, https and file fetchers.
// SFTP is added with WithFetcher("sftp", NewSFTPFetcher(...)).
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		timeout: DefaultTimeout,
		fetchers: map[string]Fetcher{
			"http":  NewHTTPFetcher(nil),
			"https": NewHTTPFetcher(nil),
			"file":  FileFetcher{},
		},
		logger: telemetry.NewNopLogger(),
		tracer: telemetry.NewNoopTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the local path of the source, downloading it into destDir
// when needed.
func (r *Resolver) Resolve(ctx context.Context, src SourceConfig, destDir string, defaults []string) (string, error) {
	res, err := r.ResolveSource(ctx, src, destDir, defaults)
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// ResolveSource is Resolve, also reporting the origin of the file.
func (r *Resolver) ResolveSource(ctx context.Context, src SourceConfig, destDir string, defaults []string) (*Resolution, error) {
	if src.Path != "" {
		return r.resolveLocal(src.Path, destDir)
	}

	candidates := src.Candidates(defaults)
	if src.Auto && len(candidates) > 0 {
		return r.download(ctx, candidates, destDir)
	}

	return nil, engine.NewMissingSourceError("missing data source: set ingest.path or ingest.url with auto=true", nil)
}

func (r *Resolver) resolveLocal(p, destDir string) (*Resolution, error) {
	if !filepath.IsAbs(p) && r.baseDir != "" {
		p = filepath.Join(r.baseDir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, engine.NewNotFoundError("data source not found: "+abs, err).
			WithCode(engine.ErrCodeSourceNotFound).
			WithPath(abs)
	}

	dest := filepath.Join(destDir, filepath.Base(abs))
	if err := fsutil.CopyFile(abs, dest); err != nil {
		return nil, fmt.Errorf("copying %s into %s: %w", abs, destDir, err)
	}
	return &Resolution{Path: dest, Origin: abs}, nil
}

func (r *Resolver) download(ctx context.Context, candidates []string, destDir string) (*Resolution, error) {
	var failures *multierror.Error
	for _, raw := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dest, err := r.attempt(ctx, raw, destDir)
		if err == nil {
			return &Resolution{Path: dest, Origin: raw, Downloaded: true}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.WithFields(map[string]interface{}{
			"url":   raw,
			"error": err.Error(),
		}).Warn("download failed, trying next source")
		failures = multierror.Append(failures, fmt.Errorf("%s: %w", raw, err))
	}

	return nil, engine.NewNetworkError(
		fmt.Sprintf("all %d download sources failed", len(candidates)),
		failures.ErrorOrNil(),
	).WithCode(engine.ErrCodeDownloadFailed).WithDetail("urls", candidates)
}

func (r *Resolver) attempt(ctx context.Context, raw, destDir string) (string, error) {
	started := r.now()
	attempt := Attempt{URL: raw, StartedAt: started}
	attempt.RunID, attempt.Stage = engine.StageInfoFromContext(ctx)

	dest, bytes, err := r.fetchTo(ctx, raw, destDir, &attempt)

	attempt.Bytes = bytes
	attempt.Duration = r.now().Sub(started)
	if err != nil {
		attempt.Status = AttemptFailed
		attempt.Error = err.Error()
	} else {
		attempt.Status = AttemptSucceeded
	}
	r.metrics.RecordDownload(attempt.Scheme, string(attempt.Status), bytes)
	if r.recorder != nil {
		if recErr := r.recorder.RecordAttempt(context.WithoutCancel(ctx), attempt); recErr != nil {
			r.logger.WithError(recErr).Warn("failed to record download attempt")
		}
	}
	return dest, err
}

func (r *Resolver) fetchTo(ctx context.Context, raw, destDir string, attempt *Attempt) (string, int64, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid URL: %w", err)
	}
	attempt.Scheme = strings.ToLower(u.Scheme)

	ctx, span := r.tracer.StartFetchSpan(ctx, raw, attempt.Scheme)
	defer span.End()

	fetcher, ok := r.fetchers[attempt.Scheme]
	if !ok {
		err := fmt.Errorf("unsupported scheme %q", u.Scheme)
		telemetry.RecordError(span, err)
		return "", 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	dest := filepath.Join(destDir, FilenameFromURL(u))
	var written int64
	err = fsutil.WriteAtomic(dest, 0o644, func(w io.Writer) error {
		n, err := fetcher.Fetch(ctx, u, w)
		written = n
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", written, err
	}
	telemetry.RecordSuccess(span)
	return dest, written, nil
}

// FilenameFromURL returns the last path segment of u, or FallbackFilename.
func FilenameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	switch name {
	case "", ".", "/", "..":
		return FallbackFilename
	}
	return name
}
