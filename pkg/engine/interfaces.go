package engine

import "context"

// Ledger records artifact provenance. Implementations must serialize
// concurrent calls.
type Ledger interface {
	Register(ctx context.Context, rec ArtifactRecord) error
}

// Gate decides whether a stage is enabled by configuration.
type Gate interface {
	Enabled(def StageDefinition) (bool, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(def StageDefinition) (bool, error)

// Enabled implements Gate.
func (f GateFunc) Enabled(def StageDefinition) (bool, error) {
	return f(def)
}

// AllEnabled is a gate that enables every stage.
var AllEnabled Gate = GateFunc(func(StageDefinition) (bool, error) { return true, nil })

// RunRecorder persists run history. Recording failures never fail a run.
type RunRecorder interface {
	StartRun(ctx context.Context, summary *RunSummary) error
	RecordStage(ctx context.Context, result StageResult) error
	FinishRun(ctx context.Context, summary *RunSummary) error
}
