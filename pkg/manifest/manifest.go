// Package manifest maintains the append-only provenance ledger: a single JSON
// array file with one record per artifact write.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/fsutil"
	"github.com/agendaterritorial/agenda/pkg/hashing"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

// TimestampFormat is the UTC timestamp layout of manifest records.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Artifact is one provenance record. Fields are declared in key order so the
// file keeps sorted keys; absent optional values are written as null.
type Artifact struct {
	Artifact       string  `json:"artifact"`
	Checksum       string  `json:"checksum"`
	InputsChecksum *string `json:"inputs_checksum"`
	Notes          *string `json:"notes"`
	Source         string  `json:"source"`
	TimestampUTC   string  `json:"timestamp_utc"`
	Version        *string `json:"version"`
}

// Load reads all records. A missing file is an empty manifest.
func Load(path string) ([]Artifact, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Artifact{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var records []Artifact
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, engine.NewValidationError("manifest is not a JSON array of records", err).
			WithCode(engine.ErrCodeManifestCorrupted).
			WithPath(path)
	}
	if records == nil {
		records = []Artifact{}
	}
	return records, nil
}

// Append adds one record, rewriting the whole file through a temp file and
// rename. Earlier records are preserved in content and order. Callers in the
// same process must serialize calls; Manifest does that.
func Append(path string, record Artifact) error {
	records, err := Load(path)
	if err != nil {
		return err
	}
	records = append(records, record)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Option configures a Manifest.
type Option func(*Manifest)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manifest) { m.now = now }
}

// WithMetrics counts appends.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manifest) { m.metrics = metrics }
}

// WithLogger logs each registered artifact at debug level.
func WithLogger(logger *telemetry.Logger) Option {
	return func(m *Manifest) { m.logger = logger.NewComponentLogger("manifest") }
}

// Manifest is the in-process handle on a manifest file. It implements
// engine.Ledger and serializes appends with a mutex, which is what keeps
// level-parallel runs from losing records.
type Manifest struct {
	path    string
	mu      sync.Mutex
	now     func() time.Time
	metrics *telemetry.Metrics
	logger  *telemetry.Logger
}

// New returns a handle on the manifest at path.
func New(path string, opts ...Option) *Manifest {
	m := &Manifest{
		path:   path,
		now:    time.Now,
		logger: telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return m.path
}

// Register checksums the artifact, fingerprints its inputs and appends a
// record.
func (m *Manifest) Register(_ context.Context, rec engine.ArtifactRecord) error {
	abs, err := filepath.Abs(rec.Path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", rec.Path, err)
	}
	checksum, err := hashing.HashFile(abs)
	if err != nil {
		return engine.NewNotFoundError("cannot checksum artifact", err).
			WithCode(engine.ErrCodeMissingArtifact).
			WithPath(abs)
	}

	var inputs *string
	if len(rec.Inputs) > 0 {
		fp, err := hashing.HashPaths(rec.Inputs)
		if err != nil {
			return err
		}
		inputs = &fp
	}

	record := Artifact{
		Artifact:       abs,
		Checksum:       checksum,
		InputsChecksum: inputs,
		Notes:          rec.Notes,
		Source:         rec.Source,
		TimestampUTC:   m.now().UTC().Format(TimestampFormat),
		Version:        rec.Version,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := Append(m.path, record); err != nil {
		return err
	}
	m.metrics.RecordManifestAppend()
	m.logger.WithFields(map[string]interface{}{
		"artifact": abs,
		"source":   rec.Source,
	}).Debug("artifact registered")
	return nil
}

// Records returns all records.
func (m *Manifest) Records() ([]Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Load(m.path)
}
