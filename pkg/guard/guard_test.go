package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/manifest"
)

func newGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(context.Background(), nil)
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	return g
}

func strPtr(s string) *string { return &s }

func writeManifest(t *testing.T, records ...manifest.Artifact) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	for _, r := range records {
		if err := manifest.Append(path, r); err != nil {
			t.Fatalf("Failed to append record: %v", err)
		}
	}
	return path
}

func TestGuard_ValidateConfig_RealModeNoManifest(t *testing.T) {
	g := newGuard(t)
	if err := g.ValidateConfig(context.Background(), "real", filepath.Join(t.TempDir(), "manifest.json")); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestGuard_ValidateConfig_NonRealMode(t *testing.T) {
	g := newGuard(t)
	for _, mode := range []string{"demo", "", "REAL"} {
		err := g.ValidateConfig(context.Background(), mode, filepath.Join(t.TempDir(), "manifest.json"))
		if !errors.Is(err, &engine.PipelineError{Kind: engine.KindConfiguration, Code: engine.ErrCodeNonRealMode}) {
			t.Errorf("mode %q: expected non-real mode error, got: %v", mode, err)
		}
	}
}

func TestGuard_ValidateConfig_CleanManifest(t *testing.T) {
	g := newGuard(t)
	path := writeManifest(t,
		manifest.Artifact{Artifact: "/data/raw/ubigeo.csv", Source: "https://www.datosabiertos.gob.pe/ubigeo.csv"},
		manifest.Artifact{Artifact: "/data/processed/dim_ubigeo.csv", Source: "build.dim_ubigeo", Notes: strPtr("demografia oficial")},
	)
	if err := g.ValidateConfig(context.Background(), "real", path); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestGuard_ValidateConfig_DemoArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		record manifest.Artifact
	}{
		{"synthetic note", manifest.Artifact{Artifact: "/a", Source: "build.ubigeo", Notes: strPtr("Synthetic sample")}},
		{"demo source", manifest.Artifact{Artifact: "/b", Source: "demo_generator"}},
		{"synthetic source", manifest.Artifact{Artifact: "/c", Source: "Synthetic/pib"}},
		{"demo word in note", manifest.Artifact{Artifact: "/d", Source: "s", Notes: strPtr("from a demo run")}},
	}
	g := newGuard(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, manifest.Artifact{Artifact: "/ok", Source: "ingest.ubigeo"}, tt.record)
			err := g.ValidateConfig(context.Background(), "real", path)
			if !errors.Is(err, &engine.PipelineError{Kind: engine.KindValidation, Code: engine.ErrCodeDemoArtifacts}) {
				t.Fatalf("Expected demo artifacts error, got: %v", err)
			}
		})
	}
}

func TestGuard_Evaluate_DemoInsideWordIsNotMarked(t *testing.T) {
	g := newGuard(t)
	violations, err := g.Evaluate(context.Background(), "real", []manifest.Artifact{
		{Artifact: "/a", Source: "ingest.poblacion", Notes: strPtr("datos demograficos")},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("Expected no violations, got %+v", violations)
	}
}

func TestGuard_ValidateConfig_CorruptedManifest(t *testing.T) {
	g := newGuard(t)
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := writeRaw(path, "{"); err != nil {
		t.Fatal(err)
	}
	if err := g.ValidateConfig(context.Background(), "real", path); !engine.IsValidation(err) {
		t.Errorf("Expected validation error, got: %v", err)
	}
}

func TestGuard_ValidateConfig_ModeBeforeManifest(t *testing.T) {
	g := newGuard(t)
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := writeRaw(path, "{"); err != nil {
		t.Fatal(err)
	}
	err := g.ValidateConfig(context.Background(), "demo", path)
	if !errors.Is(err, &engine.PipelineError{Kind: engine.KindConfiguration, Code: engine.ErrCodeNonRealMode}) {
		t.Fatalf("Expected non-real mode error, got: %v", err)
	}
}

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
