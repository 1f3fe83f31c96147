package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agendaterritorial/agenda/pkg/cache"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

// ExecutorConfig wires an executor to its collaborators.
type ExecutorConfig struct {
	// Registry holds the stage definitions. Required.
	Registry *Registry

	// Gate decides which stages are enabled. Defaults to AllEnabled.
	Gate Gate

	// Ledger receives provenance records. Required for stages that register
	// artifacts.
	Ledger Ledger

	// Recorder persists run history. Optional.
	Recorder RunRecorder

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Parallel bounds the number of stages run concurrently within one DAG
	// level. Values below 2 run stages sequentially.
	Parallel int

	// UseCache enables the presence-based cache gate.
	UseCache bool

	// NewRunID generates run identifiers. Defaults to random UUIDs.
	NewRunID func() string
}

// Executor runs stages from a registry in dependency order.
type Executor struct {
	cfg    ExecutorConfig
	logger *telemetry.Logger
}

// NewExecutor creates a new executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, NewConfigurationError("executor requires a stage registry", nil).
			WithCode(ErrCodeInvalidConfig)
	}
	if cfg.Gate == nil {
		cfg.Gate = AllEnabled
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = func() string { return uuid.New().String() }
	}

	return &Executor{
		cfg:    cfg,
		logger: cfg.Logger.NewComponentLogger("executor"),
	}, nil
}

// Inactive returns every stage that will not run, with the reason. A stage is
// inactive when the gate disables it or when any hard dependency is inactive.
func (e *Executor) Inactive() (map[string]string, error) {
	inactive := make(map[string]string)
	for _, def := range e.cfg.Registry.Definitions() {
		enabled, err := e.cfg.Gate.Enabled(def)
		if err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("failed to evaluate gate for stage %s", def.Name), err).
				WithCode(ErrCodeInvalidConfig).
				WithStage(def.Name)
		}
		if !enabled {
			if def.Flag != "" {
				inactive[def.Name] = fmt.Sprintf("disabled by %s", def.Flag)
			} else {
				inactive[def.Name] = "disabled by configuration"
			}
			continue
		}
		for _, dep := range def.DependsOn {
			if _, off := inactive[dep]; off {
				inactive[def.Name] = fmt.Sprintf("depends on disabled stage %s", dep)
				break
			}
		}
	}
	return inactive, nil
}

// Plan builds the execution graph of the active stages, optionally restricted
// to one group.
func (e *Executor) Plan(group string) (*ExecutionGraph, error) {
	inactive, err := e.Inactive()
	if err != nil {
		return nil, err
	}

	defs := make([]StageDefinition, 0)
	for _, def := range e.cfg.Registry.Definitions() {
		if _, off := inactive[def.Name]; off {
			continue
		}
		if group != "" && def.Group != group {
			continue
		}
		defs = append(defs, def)
	}

	return NewDAGBuilder().BuildGraph(defs)
}

// Run executes every active stage in topological order when target is empty,
// or exactly the named stage otherwise. A targeted run never materializes
// upstream stages; missing inputs surface from the producer as not-found
// errors.
func (e *Executor) Run(ctx context.Context, target string) (*RunSummary, error) {
	if target == "" {
		return e.runGraph(ctx, "")
	}
	return e.runTarget(ctx, target)
}

// RunGroup executes the active stages of one group, or a single stage of that
// group when target is set. Target may be a bare name ("ubigeo") or a full
// stage name ("build.ubigeo").
func (e *Executor) RunGroup(ctx context.Context, group, target string) (*RunSummary, error) {
	if len(e.cfg.Registry.Names(group)) == 0 {
		return nil, NewConfigurationError(fmt.Sprintf("unknown stage group: %s", group), nil).
			WithCode(ErrCodeUnknownStage)
	}
	if target == "" {
		return e.runGraph(ctx, group)
	}

	name := target
	if !strings.Contains(target, ".") {
		name = group + "." + target
	}
	def, ok := e.cfg.Registry.Get(name)
	if !ok || def.Group != group {
		return nil, NewConfigurationError(
			fmt.Sprintf("unknown %s target: %s (available: %s)", group, target, strings.Join(e.shortNames(group), ", ")), nil,
		).WithCode(ErrCodeUnknownStage)
	}
	return e.runTarget(ctx, name)
}

func (e *Executor) shortNames(group string) []string {
	names := e.cfg.Registry.Names(group)
	for i, n := range names {
		names[i] = strings.TrimPrefix(n, group+".")
	}
	return names
}

func (e *Executor) runTarget(ctx context.Context, name string) (*RunSummary, error) {
	def, ok := e.cfg.Registry.Get(name)
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("unknown stage: %s", name), nil).
			WithCode(ErrCodeUnknownStage)
	}

	inactive, err := e.Inactive()
	if err != nil {
		return nil, err
	}
	if reason, off := inactive[name]; off {
		return nil, NewConfigurationError(fmt.Sprintf("stage %s is %s", name, reason), nil).
			WithCode(ErrCodeStageDisabled).
			WithStage(name)
	}

	ctx, span, summary := e.beginRun(ctx, name, def.Group)
	result, err := e.executeStage(ctx, summary.RunID, def, true)
	summary.Stages = append(summary.Stages, result)
	e.finishRun(ctx, span, summary, err)
	return summary, err
}

func (e *Executor) runGraph(ctx context.Context, group string) (*RunSummary, error) {
	graph, err := e.Plan(group)
	if err != nil {
		return nil, err
	}

	ctx, span, summary := e.beginRun(ctx, "", group)
	e.logger.WithRunID(summary.RunID).
		WithFields(map[string]interface{}{"stages": len(graph.Nodes), "levels": graph.Depth}).
		Info("starting run")

	err = e.executeLevels(ctx, summary, graph)
	e.finishRun(ctx, span, summary, err)
	return summary, err
}

// executeLevels runs the graph level by level. Within a level, stages run in
// registration order, or concurrently when parallelism is enabled.
func (e *Executor) executeLevels(ctx context.Context, summary *RunSummary, graph *ExecutionGraph) error {
	for _, names := range graph.Levels {
		defs := make([]StageDefinition, 0, len(names))
		for _, name := range names {
			def, _ := e.cfg.Registry.Get(name)
			defs = append(defs, def)
		}

		if e.cfg.Parallel > 1 && len(defs) > 1 {
			results, err := e.executeLevelParallel(ctx, summary.RunID, defs)
			summary.Stages = append(summary.Stages, results...)
			if err != nil {
				return err
			}
			continue
		}

		for _, def := range defs {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := e.executeStage(ctx, summary.RunID, def, false)
			summary.Stages = append(summary.Stages, result)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// executeLevelParallel runs one level through a bounded worker group. The
// first failure cancels stages that have not started yet.
func (e *Executor) executeLevelParallel(ctx context.Context, runID string, defs []StageDefinition) ([]StageResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallel)

	results := make([]StageResult, len(defs))
	started := make([]bool, len(defs))
	for i, def := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			started[i] = true
			result, err := e.executeStage(gctx, runID, def, false)
			results[i] = result
			return err
		})
	}
	err := g.Wait()

	ran := make([]StageResult, 0, len(defs))
	for i := range results {
		if started[i] {
			ran = append(ran, results[i])
		}
	}
	if err != nil {
		return ran, err
	}
	return ran, detectCollisions(ran)
}

// detectCollisions fails when two stages of one level reported the same
// artifact path. Such stages overwrite each other and must not share a level.
func detectCollisions(results []StageResult) error {
	owner := make(map[string]string)
	for _, r := range results {
		for _, a := range r.Artifacts {
			p := normalizePath(a)
			if prev, seen := owner[p]; seen && prev != r.Stage {
				return NewDataError(
					fmt.Sprintf("stages %s and %s both produced %s", prev, r.Stage, a), nil,
				).WithCode(ErrCodeArtifactCollision).WithPath(a)
			}
			owner[p] = r.Stage
		}
	}
	return nil
}

// executeStage runs one stage through the cache gate and records its outcome.
func (e *Executor) executeStage(ctx context.Context, runID string, def StageDefinition, explicit bool) (StageResult, error) {
	logger := e.logger.WithRunID(runID).WithStage(def.Name)
	ctx = WithStageInfo(ctx, runID, def.Name)
	ctx, span := e.cfg.Tracer.StartStageSpan(ctx, runID, def.Name)
	defer span.End()

	start := time.Now()
	sc := NewStageContext(runID, def.Name, explicit, logger, e.cfg.Ledger)
	logger.Debug("stage started")

	var artifacts []string
	ran := false
	_, err := cache.MaybeSkip(logger, def.Target, e.cfg.UseCache, func() (string, error) {
		ran = true
		produced, perr := def.Produce(ctx, sc)
		artifacts = produced
		return def.Target, perr
	})
	if err == nil && ran {
		err = verifyRegistered(sc, artifacts)
	}

	result := StageResult{
		RunID:     runID,
		Stage:     def.Name,
		Artifacts: artifacts,
		StartedAt: start,
		Duration:  time.Since(start),
	}

	switch {
	case err != nil:
		err = attachStage(err, def.Name)
		result.Status = StageStatusFailed
		result.Error = err.Error()
		e.cfg.Metrics.RecordError(string(KindOf(err)))
		telemetry.RecordError(span, err)
		logger.WithError(err).Error("stage failed")
	case !ran:
		result.Status = StageStatusCached
		e.cfg.Metrics.RecordCacheHit(def.Name)
		telemetry.RecordSuccess(span)
	case len(artifacts) == 0:
		result.Status = StageStatusSkipped
		telemetry.RecordSuccess(span)
		logger.Debug("stage produced no artifacts")
	default:
		result.Status = StageStatusSucceeded
		telemetry.RecordSuccess(span)
		logger.WithFields(map[string]interface{}{
			"artifacts": len(artifacts),
			"duration":  result.Duration.String(),
		}).Info("stage completed")
	}

	span.SetAttributes(
		telemetry.AttrStageStatus.String(string(result.Status)),
		telemetry.AttrArtifacts.Int(len(artifacts)),
	)
	e.cfg.Metrics.RecordStageRun(def.Name, string(result.Status), result.Duration)
	if e.cfg.Recorder != nil {
		if rerr := e.cfg.Recorder.RecordStage(ctx, result); rerr != nil {
			logger.WithError(rerr).Warn("failed to record stage history")
		}
	}

	return result, err
}

// verifyRegistered enforces that every returned artifact has a manifest record.
func verifyRegistered(sc *StageContext, artifacts []string) error {
	for _, a := range artifacts {
		if !sc.Registered(a) {
			return NewDataError(fmt.Sprintf("artifact %s was produced but not registered", a), nil).
				WithCode(ErrCodeUnregistered).
				WithPath(a)
		}
	}
	return nil
}

func attachStage(err error, stage string) error {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.Stage = stage
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("stage %s failed: %w", stage, err)
}

func (e *Executor) beginRun(ctx context.Context, target, group string) (context.Context, trace.Span, *RunSummary) {
	summary := &RunSummary{
		RunID:     e.cfg.NewRunID(),
		Target:    target,
		Group:     group,
		Status:    RunStatusRunning,
		Stages:    make([]StageResult, 0),
		StartedAt: time.Now().UTC(),
	}

	ctx, span := e.cfg.Tracer.StartRunSpan(ctx, summary.RunID, target)
	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.StartRun(ctx, summary); err != nil {
			e.logger.WithRunID(summary.RunID).WithError(err).Warn("failed to record run start")
		}
	}
	return ctx, span, summary
}

func (e *Executor) finishRun(ctx context.Context, span trace.Span, summary *RunSummary, err error) {
	defer span.End()

	summary.Duration = time.Since(summary.StartedAt)

	switch {
	case err == nil:
		summary.Status = RunStatusSucceeded
		telemetry.RecordSuccess(span)
	case errors.Is(err, context.Canceled):
		summary.Status = RunStatusCancelled
		telemetry.RecordError(span, err)
	default:
		summary.Status = RunStatusFailed
		telemetry.RecordError(span, err)
	}

	e.cfg.Metrics.RecordRunCompleted(string(summary.Status))
	if e.cfg.Recorder != nil {
		// The run context may already be cancelled; history is still written.
		if rerr := e.cfg.Recorder.FinishRun(context.WithoutCancel(ctx), summary); rerr != nil {
			e.logger.WithRunID(summary.RunID).WithError(rerr).Warn("failed to record run completion")
		}
	}

	e.logger.WithRunID(summary.RunID).WithFields(map[string]interface{}{
		"status":    summary.Status,
		"succeeded": summary.Count(StageStatusSucceeded),
		"cached":    summary.Count(StageStatusCached),
		"skipped":   summary.Count(StageStatusSkipped),
		"failed":    summary.Count(StageStatusFailed),
	}).Info("run finished")
}
