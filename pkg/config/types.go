package config

import (
	"time"

	"github.com/agendaterritorial/agenda/pkg/sources"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

// Config is the pipeline configuration file.
type Config struct {
	Project   ProjectConfig     `yaml:"project"`
	Paths     PathsConfig       `yaml:"paths"`
	Flags     FlagsConfig       `yaml:"flags"`
	Ingest    IngestConfig      `yaml:"ingest" validate:"dive,keys,oneof=pib_subnacional ubigeo limites poblacion ntl transporte mineria bosques clima bcrp,endkeys"`
	QC        QCConfig          `yaml:"qc"`
	Cache     CacheConfig       `yaml:"cache"`
	Download  DownloadConfig    `yaml:"download"`
	Execution ExecutionConfig   `yaml:"execution"`
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// path is the absolute path of the loaded file.
	path string
}

// ProjectConfig identifies the study.
type ProjectConfig struct {
	Name string `yaml:"name" validate:"required"`

	// Mode must be "real"; demo runs are not supported.
	Mode     string `yaml:"mode" validate:"required,eq=real"`
	Seed     int64  `yaml:"seed"`
	Years    Years  `yaml:"years"`
	BaseYear int    `yaml:"base_year" validate:"gte=1900"`

	// IAEDef selects the economic activity index definition.
	IAEDef string `yaml:"iae_def" validate:"oneof=A1 A2 A3"`
}

// Years is the inclusive study window.
type Years struct {
	Start int `yaml:"start" validate:"required,gte=1900"`
	End   int `yaml:"end" validate:"required,gte=1900,gtefield=Start"`
}

// PathsConfig locates the artifact tree. Relative paths are resolved against
// the directory of the configuration file.
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" validate:"required"`
	RawDir       string `yaml:"raw_dir" validate:"required"`
	StagingDir   string `yaml:"staging_dir" validate:"required"`
	ProcessedDir string `yaml:"processed_dir" validate:"required"`
	GeoDir       string `yaml:"geo_dir" validate:"required"`
	OutputsDir   string `yaml:"outputs_dir" validate:"required"`
	DistDir      string `yaml:"dist_dir" validate:"required"`
	LogsDir      string `yaml:"logs_dir" validate:"required"`
	Manifest     string `yaml:"manifest" validate:"required"`
	History      string `yaml:"history" validate:"required"`
}

// FlagsConfig holds the feature flags. Every flag defaults to true.
type FlagsConfig struct {
	EnableGeo         bool `yaml:"enable_geo"`
	EnableNTL         bool `yaml:"enable_ntl"`
	EnableTransporte  bool `yaml:"enable_transporte"`
	EnableMineria     bool `yaml:"enable_mineria"`
	EnableBosques     bool `yaml:"enable_bosques"`
	EnableClima       bool `yaml:"enable_clima"`
	EnableShocksMacro bool `yaml:"enable_shocks_macro"`
	EnableModels      bool `yaml:"enable_models"`
	EnablePolicy      bool `yaml:"enable_policy"`
	EnableFigures     bool `yaml:"enable_figures"`
	EnablePaper       bool `yaml:"enable_paper"`

	// Rules maps a stage name to a Starlark expression over the flag names.
	// A stage with a rule runs only when its flag and its rule are both true.
	Rules map[string]string `yaml:"rules"`
}

// Values returns the flags keyed by their configuration names.
func (f FlagsConfig) Values() map[string]bool {
	return map[string]bool{
		"enable_geo":          f.EnableGeo,
		"enable_ntl":          f.EnableNTL,
		"enable_transporte":   f.EnableTransporte,
		"enable_mineria":      f.EnableMineria,
		"enable_bosques":      f.EnableBosques,
		"enable_clima":        f.EnableClima,
		"enable_shocks_macro": f.EnableShocksMacro,
		"enable_models":       f.EnableModels,
		"enable_policy":       f.EnablePolicy,
		"enable_figures":      f.EnableFigures,
		"enable_paper":        f.EnablePaper,
	}
}

// IngestConfig maps a dataset name to its source.
type IngestConfig map[string]sources.SourceConfig

// Source returns the source for a dataset; unconfigured datasets get the
// zero value.
func (ic IngestConfig) Source(name string) sources.SourceConfig {
	return ic[name]
}

// QCConfig holds data quality thresholds.
type QCConfig struct {
	MaxAggGapPct        float64 `yaml:"max_agg_gap_pct" validate:"gte=0,lte=1"`
	MissingThresholdPct float64 `yaml:"missing_threshold_pct" validate:"gte=0,lte=1"`
	OutlierP            float64 `yaml:"outlier_p" validate:"gt=0,lte=1"`
}

// CacheConfig controls the presence-based cache gate.
type CacheConfig struct {
	UseCache bool `yaml:"use_cache"`
}

// DownloadConfig controls source downloads.
type DownloadConfig struct {
	// Timeout bounds each download attempt.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// SFTP holds credentials for sftp:// sources. Nil disables the scheme.
	SFTP *sources.SFTPConfig `yaml:"sftp"`
}

// ExecutionConfig controls the executor.
type ExecutionConfig struct {
	// Parallel is the number of stages of one DAG level run at once.
	// One keeps execution sequential.
	Parallel int `yaml:"parallel" validate:"min=1,max=64"`
}

// Default returns a configuration with every default applied and no
// project section.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:     "agenda_2026",
			Mode:     "real",
			Seed:     123,
			BaseYear: 2023,
			IAEDef:   "A1",
		},
		Paths: PathsConfig{
			DataDir:      "data",
			RawDir:       "data/raw",
			StagingDir:   "data/staging",
			ProcessedDir: "data/processed",
			GeoDir:       "data/geo",
			OutputsDir:   "outputs",
			DistDir:      "dist",
			LogsDir:      "logs",
			Manifest:     "data/manifest.json",
			History:      "data/history.db",
		},
		Flags: FlagsConfig{
			EnableGeo:         true,
			EnableNTL:         true,
			EnableTransporte:  true,
			EnableMineria:     true,
			EnableBosques:     true,
			EnableClima:       true,
			EnableShocksMacro: true,
			EnableModels:      true,
			EnablePolicy:      true,
			EnableFigures:     true,
			EnablePaper:       true,
		},
		Ingest: IngestConfig{},
		QC: QCConfig{
			MaxAggGapPct:        0.5,
			MissingThresholdPct: 0.02,
			OutlierP:            0.999,
		},
		Cache:     CacheConfig{UseCache: true},
		Download:  DownloadConfig{Timeout: 60 * time.Second},
		Execution: ExecutionConfig{Parallel: 1},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Path returns the absolute path of the loaded file.
func (c *Config) Path() string {
	return c.path
}
