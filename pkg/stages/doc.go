// Package stages is the stage catalogue of the indicator pipeline.
//
// Stages are grouped by command:
//
//   - ingest: copy or download each raw source into raw/<dataset>
//   - build: clean territorial codes, output and population, build the
//     territorial dimension, harmonize output to the base codes through the
//     crosswalk, then the optional domain features, the core indicators and
//     the analytic panel
//   - model: concentration and growth contribution tables
//   - policy: vulnerability index, its weight sensitivity and targeting
//     scenarios
//   - render: figure data tables
//   - paper: markdown documents and the variable dictionary
//
// Every producer reads its inputs from the artifact tree configured in
// config.PathsConfig, writes its outputs atomically and registers each of
// them with the provenance ledger before returning. Raw tables are delimited
// text or .xlsx workbooks; legacy .xls and geometry sources must be exported
// first. Written tables are CSV.
//
// Optional domain builders skip quietly when their raw directory is empty,
// unless the stage was targeted by name. Core builders always fail on
// missing inputs.
package stages
