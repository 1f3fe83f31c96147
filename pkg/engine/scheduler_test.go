package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// mockLedger records provenance in memory.
type mockLedger struct {
	mu      sync.Mutex
	records []ArtifactRecord
}

func (m *mockLedger) Register(_ context.Context, rec ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockLedger) paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, filepath.Base(r.Path))
	}
	return out
}

// mockRecorder counts history calls.
type mockRecorder struct {
	mu       sync.Mutex
	started  int
	stages   []StageResult
	finished []RunStatus
}

func (m *mockRecorder) StartRun(context.Context, *RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *mockRecorder) RecordStage(_ context.Context, r StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, r)
	return nil
}

func (m *mockRecorder) FinishRun(_ context.Context, s *RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, s.Status)
	return nil
}

// execTrace records the order in which producers ran.
type execTrace struct {
	mu    sync.Mutex
	order []string
}

func (tr *execTrace) add(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.order = append(tr.order, name)
}

func (tr *execTrace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.order...)
}

// writer returns a producer that writes and registers dir/<file>.
func writer(tr *execTrace, dir, file string, inputs ...string) Producer {
	return func(ctx context.Context, sc *StageContext) ([]string, error) {
		tr.add(sc.Stage)
		for _, in := range inputs {
			if err := sc.Require(filepath.Join(dir, in)); err != nil {
				return nil, err
			}
		}
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, []byte(sc.Stage), 0o644); err != nil {
			return nil, err
		}
		if err := sc.Register(ctx, ArtifactRecord{Path: path}); err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
}

func newTestExecutor(t *testing.T, reg *Registry, ledger Ledger, mutate func(*ExecutorConfig)) *Executor {
	t.Helper()
	cfg := ExecutorConfig{Registry: reg, Ledger: ledger, UseCache: true}
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	return exec
}

func flagGate(off ...string) Gate {
	return GateFunc(func(def StageDefinition) (bool, error) {
		for _, f := range off {
			if def.Flag == f {
				return false, nil
			}
		}
		return true, nil
	})
}

func TestNewExecutor_RequiresRegistry(t *testing.T) {
	if _, err := NewExecutor(ExecutorConfig{}); !IsConfiguration(err) {
		t.Fatalf("Expected configuration error, got: %v", err)
	}
}

func TestExecutor_Run_TopologicalOrder(t *testing.T) {
	dir := t.TempDir()
	tr := &execTrace{}
	reg := NewRegistry()
	err := reg.RegisterAll(
		StageDefinition{Name: "ingest.a", Produce: writer(tr, dir, "a.csv")},
		StageDefinition{Name: "build.b", DependsOn: []string{"ingest.a"}, Produce: writer(tr, dir, "b.csv", "a.csv")},
		StageDefinition{Name: "build.c", DependsOn: []string{"build.b"}, Produce: writer(tr, dir, "c.csv", "b.csv")},
		StageDefinition{Name: "ingest.d", Produce: writer(tr, dir, "d.csv")},
	)
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	ledger := &mockLedger{}
	recorder := &mockRecorder{}
	exec := newTestExecutor(t, reg, ledger, func(c *ExecutorConfig) { c.Recorder = recorder })

	summary, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"ingest.a", "ingest.d", "build.b", "build.c"}
	if diff := cmp.Diff(want, tr.get()); diff != "" {
		t.Errorf("Execution order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.csv", "d.csv", "b.csv", "c.csv"}, ledger.paths()); diff != "" {
		t.Errorf("Manifest order mismatch (-want +got):\n%s", diff)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded run, got %s", summary.Status)
	}
	if summary.Count(StageStatusSucceeded) != 4 {
		t.Errorf("Expected 4 succeeded stages, got %d", summary.Count(StageStatusSucceeded))
	}
	if recorder.started != 1 || len(recorder.stages) != 4 || len(recorder.finished) != 1 {
		t.Errorf("Expected 1 start, 4 stages, 1 finish; got %d, %d, %d",
			recorder.started, len(recorder.stages), len(recorder.finished))
	}
}

func TestExecutor_Run_TargetDoesNotMaterializeUpstream(t *testing.T) {
	dir := t.TempDir()
	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.RegisterAll(
		StageDefinition{Name: "ingest.a", Produce: writer(tr, dir, "a.csv")},
		StageDefinition{Name: "build.b", DependsOn: []string{"ingest.a"}, Produce: writer(tr, dir, "b.csv", "a.csv")},
	)
	ledger := &mockLedger{}
	exec := newTestExecutor(t, reg, ledger, nil)

	_, err := exec.Run(context.Background(), "build.b")
	if !IsNotFound(err) {
		t.Fatalf("Expected not-found error, got: %v", err)
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Path != filepath.Join(dir, "a.csv") {
		t.Errorf("Expected error to name the missing path, got: %v", err)
	}
	if diff := cmp.Diff([]string{"build.b"}, tr.get()); diff != "" {
		t.Errorf("Expected only the target to run (-want +got):\n%s", diff)
	}
	if len(ledger.paths()) != 0 {
		t.Errorf("Expected no manifest records, got %v", ledger.paths())
	}
}

func TestExecutor_Run_DisabledTargetRefused(t *testing.T) {
	dir := t.TempDir()
	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.Register(StageDefinition{Name: "ingest.limites", Flag: "enable_geo", Produce: writer(tr, dir, "limites.zip")})
	ledger := &mockLedger{}
	exec := newTestExecutor(t, reg, ledger, func(c *ExecutorConfig) { c.Gate = flagGate("enable_geo") })

	_, err := exec.Run(context.Background(), "ingest.limites")
	if !errors.Is(err, &PipelineError{Kind: KindConfiguration, Code: ErrCodeStageDisabled}) {
		t.Fatalf("Expected stage disabled error, got: %v", err)
	}
	if len(tr.get()) != 0 {
		t.Errorf("Expected disabled producer not to run, got %v", tr.get())
	}
	if len(ledger.paths()) != 0 {
		t.Errorf("Expected no manifest records, got %v", ledger.paths())
	}
}

func TestExecutor_Run_DisabledStagesPruned(t *testing.T) {
	dir := t.TempDir()
	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.RegisterAll(
		StageDefinition{Name: "ingest.limites", Flag: "enable_geo", Produce: writer(tr, dir, "limites.zip")},
		StageDefinition{Name: "build.dim_territorio", DependsOn: []string{"ingest.limites"}, Produce: writer(tr, dir, "dim.csv")},
		StageDefinition{Name: "build.core", Produce: writer(tr, dir, "core.csv")},
		StageDefinition{Name: "build.panel", DependsOn: []string{"build.core"}, After: []string{"build.dim_territorio"}, Produce: writer(tr, dir, "panel.csv")},
	)
	exec := newTestExecutor(t, reg, &mockLedger{}, func(c *ExecutorConfig) { c.Gate = flagGate("enable_geo") })

	if _, err := exec.Run(context.Background(), ""); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([]string{"build.core", "build.panel"}, tr.get()); diff != "" {
		t.Errorf("Execution mismatch (-want +got):\n%s", diff)
	}

	inactive, err := exec.Inactive()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if inactive["build.dim_territorio"] != "depends on disabled stage ingest.limites" {
		t.Errorf("Unexpected prune reason: %q", inactive["build.dim_territorio"])
	}

	_, err = exec.Run(context.Background(), "build.dim_territorio")
	if !errors.Is(err, &PipelineError{Kind: KindConfiguration, Code: ErrCodeStageDisabled}) {
		t.Errorf("Expected pruned target to be refused, got: %v", err)
	}
}

func TestExecutor_Run_CacheGate(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.Register(StageDefinition{Name: "build.a", Target: target, Produce: writer(tr, dir, "a.csv")})

	ledger := &mockLedger{}
	exec := newTestExecutor(t, reg, ledger, nil)
	summary, err := exec.Run(context.Background(), "build.a")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if summary.Stages[0].Status != StageStatusCached {
		t.Errorf("Expected cached status, got %s", summary.Stages[0].Status)
	}
	if len(tr.get()) != 0 || len(ledger.paths()) != 0 {
		t.Errorf("Expected producer to be skipped, ran %v", tr.get())
	}

	exec = newTestExecutor(t, reg, ledger, func(c *ExecutorConfig) { c.UseCache = false })
	if _, err := exec.Run(context.Background(), "build.a"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(tr.get()) != 1 || len(ledger.paths()) != 1 {
		t.Errorf("Expected producer to run once with cache disabled, ran %v", tr.get())
	}
}

func TestExecutor_Run_UnregisteredArtifact(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	_ = reg.Register(StageDefinition{Name: "build.a", Produce: func(ctx context.Context, sc *StageContext) ([]string, error) {
		return []string{filepath.Join(dir, "a.csv")}, nil
	}})

	_, err := newTestExecutor(t, reg, &mockLedger{}, nil).Run(context.Background(), "")
	if !errors.Is(err, &PipelineError{Kind: KindData, Code: ErrCodeUnregistered}) {
		t.Fatalf("Expected unregistered artifact error, got: %v", err)
	}
}

func TestExecutor_Run_FailureStopsRun(t *testing.T) {
	dir := t.TempDir()
	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.RegisterAll(
		StageDefinition{Name: "build.a", Produce: func(ctx context.Context, sc *StageContext) ([]string, error) {
			tr.add(sc.Stage)
			return nil, NewDataError("unmatched keys", nil)
		}},
		StageDefinition{Name: "build.b", DependsOn: []string{"build.a"}, Produce: writer(tr, dir, "b.csv")},
	)

	recorder := &mockRecorder{}
	summary, err := newTestExecutor(t, reg, &mockLedger{}, func(c *ExecutorConfig) { c.Recorder = recorder }).
		Run(context.Background(), "")
	if !IsData(err) {
		t.Fatalf("Expected data error, got: %v", err)
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Stage != "build.a" {
		t.Errorf("Expected error to carry the stage, got %q", pe.Stage)
	}
	if diff := cmp.Diff([]string{"build.a"}, tr.get()); diff != "" {
		t.Errorf("Execution mismatch (-want +got):\n%s", diff)
	}
	if summary.Status != RunStatusFailed {
		t.Errorf("Expected failed run, got %s", summary.Status)
	}
	if diff := cmp.Diff([]RunStatus{RunStatusFailed}, recorder.finished); diff != "" {
		t.Errorf("Recorder mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutor_Run_Cancelled(t *testing.T) {
	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.Register(StageDefinition{Name: "build.a", Produce: writer(tr, t.TempDir(), "a.csv")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newTestExecutor(t, reg, &mockLedger{}, nil).Run(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if summary.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled run, got %s", summary.Status)
	}
	if len(tr.get()) != 0 {
		t.Errorf("Expected no stage to run, got %v", tr.get())
	}
}

func TestExecutor_RunGroup(t *testing.T) {
	dir := t.TempDir()
	tr := &execTrace{}
	reg := NewRegistry()
	_ = reg.RegisterAll(
		StageDefinition{Name: "ingest.a", Produce: writer(tr, dir, "a.csv")},
		StageDefinition{Name: "build.b", DependsOn: []string{"ingest.a"}, Produce: writer(tr, dir, "b.csv")},
		StageDefinition{Name: "build.c", DependsOn: []string{"build.b"}, Produce: writer(tr, dir, "c.csv")},
	)
	exec := newTestExecutor(t, reg, &mockLedger{}, nil)

	if _, err := exec.RunGroup(context.Background(), "build", ""); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if diff := cmp.Diff([]string{"build.b", "build.c"}, tr.get()); diff != "" {
		t.Errorf("Execution mismatch (-want +got):\n%s", diff)
	}

	if _, err := exec.RunGroup(context.Background(), "build", "c"); err != nil {
		t.Fatalf("Expected bare target to resolve, got: %v", err)
	}

	_, err := exec.RunGroup(context.Background(), "build", "missing")
	if !errors.Is(err, &PipelineError{Kind: KindConfiguration, Code: ErrCodeUnknownStage}) {
		t.Errorf("Expected unknown target error, got: %v", err)
	}
	_, err = exec.RunGroup(context.Background(), "build", "ingest.a")
	if !IsConfiguration(err) {
		t.Errorf("Expected cross-group target to be rejected, got: %v", err)
	}
	_, err = exec.RunGroup(context.Background(), "nope", "")
	if !IsConfiguration(err) {
		t.Errorf("Expected unknown group error, got: %v", err)
	}
}

func TestExecutor_Run_ParallelLevel(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	var inFlight, maxInFlight int32
	slow := func(file string) Producer {
		return func(ctx context.Context, sc *StageContext) ([]string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)

			path := filepath.Join(dir, file)
			if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
				return nil, err
			}
			return []string{path}, sc.Register(ctx, ArtifactRecord{Path: path})
		}
	}

	reg := NewRegistry()
	_ = reg.RegisterAll(
		StageDefinition{Name: "build.ntl", Produce: slow("ntl.csv")},
		StageDefinition{Name: "build.clima", Produce: slow("clima.csv")},
		StageDefinition{Name: "build.bosques", Produce: slow("bosques.csv")},
	)
	ledger := &mockLedger{}
	exec := newTestExecutor(t, reg, ledger, func(c *ExecutorConfig) { c.Parallel = 3 })

	summary, err := exec.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if summary.Count(StageStatusSucceeded) != 3 {
		t.Errorf("Expected 3 succeeded stages, got %d", summary.Count(StageStatusSucceeded))
	}
	if len(ledger.paths()) != 3 {
		t.Errorf("Expected 3 manifest records, got %d", len(ledger.paths()))
	}
	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Errorf("Expected concurrent execution, max in flight was %d", maxInFlight)
	}
}

func TestExecutor_Run_ParallelCollision(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	reg := NewRegistry()
	_ = reg.RegisterAll(
		StageDefinition{Name: "build.a", Produce: writer(&execTrace{}, dir, "shared.csv")},
		StageDefinition{Name: "build.b", Produce: writer(&execTrace{}, dir, "shared.csv")},
	)
	exec := newTestExecutor(t, reg, &mockLedger{}, func(c *ExecutorConfig) { c.Parallel = 2 })

	_, err := exec.Run(context.Background(), "")
	if !errors.Is(err, &PipelineError{Kind: KindData, Code: ErrCodeArtifactCollision}) {
		t.Fatalf("Expected artifact collision error, got: %v", err)
	}
}
