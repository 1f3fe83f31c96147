// Package telemetry provides logging, tracing and metrics for pipeline commands.
//
// # Architecture
//
// Three pillars, bundled in a Telemetry value per command:
//
//  1. Structured Logging - zerolog, console on stderr plus an optional JSON run log
//  2. Tracing - OpenTelemetry spans for runs, stages and source downloads
//  3. Metrics - a Prometheus registry dumped to a node exporter textfile
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.File = "logs/run_20240101_000000.log"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Component loggers carry a "component" field; the executor adds run_id and
// stage:
//
//	logger := tel.Logger.NewComponentLogger("executor").WithRunID(runID)
//	logger.WithStage("build.ubigeo").Info("stage completed")
//
// # Metrics
//
// Metrics are nil-safe, so packages accept a *Metrics without checking whether
// collection is enabled:
//
//	tel.Metrics.RecordStageRun("build.ubigeo", "succeeded", d)
//	tel.Metrics.RecordCacheHit("build.ubigeo")
//	tel.Metrics.RecordDownload("https", "failed", 0)
//
// Batch commands exit before a scraper could reach them, so Shutdown writes
// the registry to MetricsConfig.Textfile instead of serving /metrics.
package telemetry
