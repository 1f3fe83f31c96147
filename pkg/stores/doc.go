// Package stores keeps the run history of the pipeline in SQLite: one row per
// run, per stage outcome and per download attempt. The history is an audit
// trail only; the provenance manifest remains the record of artifacts.
package stores
