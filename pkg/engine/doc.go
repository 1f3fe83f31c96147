// Package engine is the staged build core of the indicator pipeline.
//
// # Overview
//
// A pipeline is a set of named stages registered in a Registry. Each stage
// declares hard dependencies (DependsOn), ordering-only dependencies on
// optional stages (After), an optional feature flag, an optional cache
// target, and a Producer. The Executor turns the active stages into a
// leveled DAG and runs them:
//
//  1. Gate - feature flags and rules decide which stages are enabled
//  2. Prune - a stage whose hard dependency is disabled is disabled too
//  3. Plan - Kahn levels, registration order within a level
//  4. Execute - cache gate, producer, provenance check, history record
//
// # Targeted runs
//
// Run(ctx, "build.ubigeo") executes exactly that stage. Upstream stages are
// not materialized; a producer that finds an input missing returns a
// not-found error naming the path (StageContext.Require). Targeting a
// disabled stage is a configuration error.
//
// # Provenance
//
// Producers register every artifact through StageContext.Register before
// returning it. The executor fails the stage when a returned artifact has no
// record.
//
// # Parallelism
//
// Sequential by default. With Parallel > 1 the stages of one level run
// through a bounded errgroup; two stages of a level reporting the same
// artifact path fail the run with a data error.
//
// # Errors
//
// All failures are PipelineError values classified by ErrorKind. Use the
// Is* helpers or errors.Is with a code-bearing sentinel:
//
//	if errors.Is(err, &engine.PipelineError{Kind: engine.KindConfiguration, Code: engine.ErrCodeStageDisabled}) {
//	    ...
//	}
package engine
