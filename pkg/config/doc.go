// Package config loads the pipeline configuration file.
//
// The file is YAML. Every section except project has defaults, unknown keys
// are rejected, and struct constraints are checked with validator tags:
//
//	project:
//	  name: agenda_2026
//	  mode: real            # the only accepted mode
//	  years: {start: 2007, end: 2023}
//	  iae_def: A1           # A1, A2 or A3
//	paths:
//	  data_dir: data        # relative to this file
//	flags:
//	  enable_ntl: false
//	  rules:
//	    build.panel_analitico: "enable_geo or not enable_clima"
//	ingest:
//	  ubigeo: {auto: true}
//	  pib_subnacional:
//	    path: inputs/pib_departamental.csv
//	    version: "2024"
//	download:
//	  timeout: 60s
//	execution:
//	  parallel: 1
//
// Feature flags gate optional stages. flags.rules refines the decision per
// stage with a Starlark boolean expression over the flag names; a stage runs
// only when both its flag and its rule are true. Config.Gate returns the
// engine.Gate implementing this.
package config
