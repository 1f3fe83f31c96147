package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

type countingProducer struct {
	calls  int
	target string
	err    error
}

func (p *countingProducer) produce() (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.target, os.WriteFile(p.target, []byte("built"), 0o644)
}

func TestMaybeSkip_MissingTargetProduces(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.csv")
	p := &countingProducer{target: target}

	got, err := MaybeSkip(telemetry.NewNopLogger(), target, true, p.produce)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != target || p.calls != 1 {
		t.Errorf("Expected one produce call returning %s, got %d calls and %s", target, p.calls, got)
	}
}

func TestMaybeSkip_ExistingTargetSkips(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.csv")
	if err := os.WriteFile(target, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &countingProducer{target: target}

	got, err := MaybeSkip(nil, target, true, p.produce)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.calls != 0 {
		t.Errorf("Expected producer not to run, got %d calls", p.calls)
	}
	if got != target {
		t.Errorf("Expected %s, got %s", target, got)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "stale" {
		t.Errorf("Expected target untouched, got %q", data)
	}
}

func TestMaybeSkip_DisabledAlwaysProduces(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.csv")
	if err := os.WriteFile(target, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &countingProducer{target: target}

	if _, err := MaybeSkip(nil, target, false, p.produce); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("Expected 1 produce call, got %d", p.calls)
	}
}

func TestMaybeSkip_PropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	p := &countingProducer{target: filepath.Join(t.TempDir(), "out.csv"), err: wantErr}

	if _, err := MaybeSkip(nil, p.target, true, p.produce); !errors.Is(err, wantErr) {
		t.Errorf("Expected %v, got: %v", wantErr, err)
	}
}

func TestHit_EmptyTarget(t *testing.T) {
	if Hit("", true) {
		t.Error("Expected empty target never to hit")
	}
}
