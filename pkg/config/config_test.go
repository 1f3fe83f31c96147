package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/sources"
)

const minimalConfig = `
project:
  name: agenda_test
  mode: real
  years: {start: 2010, end: 2020}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dir := filepath.Dir(path)
	if cfg.Paths.Manifest != filepath.Join(dir, "data", "manifest.json") {
		t.Errorf("Expected manifest relative to config dir, got %s", cfg.Paths.Manifest)
	}
	if !cfg.Cache.UseCache {
		t.Error("Expected cache enabled by default")
	}
	if cfg.Download.Timeout != 60*time.Second {
		t.Errorf("Expected 60s download timeout, got %v", cfg.Download.Timeout)
	}
	if cfg.Execution.Parallel != 1 {
		t.Errorf("Expected sequential execution, got %d", cfg.Execution.Parallel)
	}
	for name, on := range cfg.Flags.Values() {
		if !on {
			t.Errorf("Expected %s to default to true", name)
		}
	}
	if cfg.Project.IAEDef != "A1" || cfg.Project.BaseYear != 2023 {
		t.Errorf("Unexpected project defaults: %+v", cfg.Project)
	}
	if cfg.BaseDir() != dir {
		t.Errorf("Expected base dir %s, got %s", dir, cfg.BaseDir())
	}
}

func TestLoad_Sections(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
flags:
  enable_ntl: false
ingest:
  ubigeo:
    auto: true
    fallback_urls: [https://mirror.example.org/ubigeo.csv]
  pib_subnacional:
    path: inputs/pib.csv
    version: "2024"
download:
  timeout: 5s
execution:
  parallel: 4
cache:
  use_cache: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Flags.EnableNTL || !cfg.Flags.EnableClima {
		t.Errorf("Expected only enable_ntl off, got %+v", cfg.Flags)
	}
	want := sources.SourceConfig{Auto: true, FallbackURLs: []string{"https://mirror.example.org/ubigeo.csv"}}
	if diff := cmp.Diff(want, cfg.Ingest.Source("ubigeo")); diff != "" {
		t.Errorf("Ingest mismatch (-want +got):\n%s", diff)
	}
	if cfg.Ingest.Source("pib_subnacional").Path != "inputs/pib.csv" {
		t.Errorf("Expected ingest path kept as written, got %q", cfg.Ingest.Source("pib_subnacional").Path)
	}
	if diff := cmp.Diff(sources.SourceConfig{}, cfg.Ingest.Source("bosques")); diff != "" {
		t.Errorf("Expected zero source for unconfigured dataset (-want +got):\n%s", diff)
	}
	if cfg.Download.Timeout != 5*time.Second || cfg.Execution.Parallel != 4 || cfg.Cache.UseCache {
		t.Errorf("Unexpected sections: %+v %+v %+v", cfg.Download, cfg.Execution, cfg.Cache)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"demo mode", strings.Replace(minimalConfig, "mode: real", "mode: demo", 1), "Mode"},
		{"years reversed", strings.Replace(minimalConfig, "end: 2020", "end: 2000", 1), "End"},
		{"years too early", strings.Replace(minimalConfig, "start: 2010", "start: 1800", 1), "Start"},
		{"missing years", "project: {name: x, mode: real}\n", "Years"},
		{"bad iae", minimalConfig + "  iae_def: A9\n", "IAEDef"},
		{"unknown dataset", minimalConfig + "ingest:\n  petroleo: {auto: true}\n", "Ingest"},
		{"zero parallel", minimalConfig + "execution:\n  parallel: 0\n", "Parallel"},
		{"unknown key", minimalConfig + "extra: 1\n", "invalid configuration file"},
		{"bad rule", minimalConfig + "flags:\n  rules:\n    build.ntl: \"enable_ntl and\"\n", "build.ntl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !engine.IsConfiguration(err) {
				t.Fatalf("Expected configuration error, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error to mention %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got: %v", err)
	}
}

func TestLoad_LogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestFlagGate_Enabled(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + `
flags:
  enable_ntl: false
  rules:
    build.panel_analitico: "enable_ntl or enable_clima"
    model.concentracion: "enable_ntl and enable_models"
`))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	gate := cfg.Gate()

	tests := []struct {
		def  engine.StageDefinition
		want bool
	}{
		{engine.StageDefinition{Name: "build.ubigeo"}, true},
		{engine.StageDefinition{Name: "build.ntl", Flag: "enable_ntl"}, false},
		{engine.StageDefinition{Name: "build.clima", Flag: "enable_clima"}, true},
		{engine.StageDefinition{Name: "build.panel_analitico"}, true},
		{engine.StageDefinition{Name: "model.concentracion", Flag: "enable_models"}, false},
	}
	for _, tt := range tests {
		got, err := gate.Enabled(tt.def)
		if err != nil {
			t.Fatalf("%s: expected no error, got: %v", tt.def.Name, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.def.Name, tt.want, got)
		}
	}

	if _, err := gate.Enabled(engine.StageDefinition{Name: "x", Flag: "enable_nothing"}); !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error for unknown flag, got: %v", err)
	}
}
