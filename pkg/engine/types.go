package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

// Producer is the uniform stage contract. It reads upstream artifacts, writes
// its own artifacts under the configured tree, registers each of them through
// the stage context, and returns their paths.
type Producer func(ctx context.Context, sc *StageContext) ([]string, error)

// StageDefinition describes one named unit of work. Definitions are immutable
// once registered.
type StageDefinition struct {
	// Name is the unique stage name, conventionally "<group>.<name>".
	Name string

	// Group is the command group the stage belongs to (ingest, build, ...).
	Group string

	// DependsOn lists hard dependencies. A stage is pruned when any of them
	// is inactive.
	DependsOn []string

	// After lists ordering-only dependencies on optional stages. The edge is
	// applied only when the referenced stage is active.
	After []string

	// Flag names the feature flag gating the stage. Empty means always on.
	Flag string

	// Target is the primary artifact consulted by the cache gate. Empty
	// disables caching for the stage.
	Target string

	// Produce is the stage body.
	Produce Producer
}

// DependencyType represents the type of a graph edge.
type DependencyType string

const (
	// DependencyRequire is a hard dependency.
	DependencyRequire DependencyType = "require"

	// DependencyOrder only constrains execution order.
	DependencyOrder DependencyType = "order"
)

// StageStatus is the outcome of a stage in a run.
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusCached    StageStatus = "cached"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusFailed    StageStatus = "failed"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StageResult records the outcome of one stage execution.
type StageResult struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Status    StageStatus   `json:"status"`
	Artifacts []string      `json:"artifacts,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// RunSummary aggregates the stage results of one run.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Target    string        `json:"target,omitempty"`
	Group     string        `json:"group,omitempty"`
	Status    RunStatus     `json:"status"`
	Stages    []StageResult `json:"stages"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Count returns the number of stages that finished with the given status.
func (s *RunSummary) Count(status StageStatus) int {
	n := 0
	for i := range s.Stages {
		if s.Stages[i].Status == status {
			n++
		}
	}
	return n
}

// ArtifactRecord is what a stage hands to the provenance ledger for each
// artifact it wrote.
type ArtifactRecord struct {
	// Path is the artifact path.
	Path string

	// Source identifies the origin: a stage name, a local path or a URL.
	Source string

	// Version is an optional source version label.
	Version *string

	// Notes is an optional free-form note.
	Notes *string

	// Inputs are the upstream paths folded into the input fingerprint.
	Inputs []string
}

// StageContext is passed to every producer.
type StageContext struct {
	// RunID identifies the run.
	RunID string

	// Stage is the running stage's name.
	Stage string

	// Explicit is true when the stage was targeted by name rather than
	// reached through a full or group run.
	Explicit bool

	// Logger is scoped to the run and stage.
	Logger *telemetry.Logger

	ledger Ledger

	mu         sync.Mutex
	registered map[string]bool
}

// NewStageContext creates a stage context bound to a ledger.
func NewStageContext(runID, stage string, explicit bool, logger *telemetry.Logger, ledger Ledger) *StageContext {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &StageContext{
		RunID:      runID,
		Stage:      stage,
		Explicit:   explicit,
		Logger:     logger,
		ledger:     ledger,
		registered: make(map[string]bool),
	}
}

// Register appends a provenance record for an artifact. A stage is not
// complete until every artifact it returns has been registered.
func (sc *StageContext) Register(ctx context.Context, rec ArtifactRecord) error {
	if sc.ledger == nil {
		return NewConfigurationError("no provenance ledger configured", nil).WithStage(sc.Stage)
	}
	if rec.Source == "" {
		rec.Source = sc.Stage
	}
	if err := sc.ledger.Register(ctx, rec); err != nil {
		return err
	}

	sc.mu.Lock()
	sc.registered[normalizePath(rec.Path)] = true
	sc.mu.Unlock()
	return nil
}

// Registered reports whether the path was registered through this context.
func (sc *StageContext) Registered(path string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.registered[normalizePath(path)]
}

// Require returns a not-found error naming the first path that does not
// exist. Producers call it before reading upstream artifacts, since a
// targeted run never materializes upstream stages.
func (sc *StageContext) Require(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return NewNotFoundError("missing upstream artifact "+p, err).
				WithCode(ErrCodeMissingArtifact).
				WithStage(sc.Stage).
				WithPath(p)
		}
	}
	return nil
}

func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

type stageInfoKey struct{}

type stageInfo struct {
	runID string
	stage string
}

// WithStageInfo annotates a context with the run and stage it belongs to.
func WithStageInfo(ctx context.Context, runID, stage string) context.Context {
	return context.WithValue(ctx, stageInfoKey{}, stageInfo{runID: runID, stage: stage})
}

// StageInfoFromContext returns the run and stage annotated on the context.
func StageInfoFromContext(ctx context.Context) (runID, stage string) {
	if info, ok := ctx.Value(stageInfoKey{}).(stageInfo); ok {
		return info.runID, info.stage
	}
	return "", ""
}
