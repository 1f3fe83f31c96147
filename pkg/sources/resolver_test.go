package sources

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/agendaterritorial/agenda/pkg/engine"
	"github.com/agendaterritorial/agenda/pkg/telemetry"
)

type attemptLog struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (l *attemptLog) RecordAttempt(_ context.Context, a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

func bufferLogger(buf *bytes.Buffer) *telemetry.Logger {
	return telemetry.NewLoggerFromZerolog(zerolog.New(buf))
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/missing.csv", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/broken.csv", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/data/ubigeo.csv", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ubigeo,nombre\n010101,Chachapoyas\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolver_Local_Idempotent(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "ubigeo.csv"), []byte("ubigeo\n010101\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "raw")
	r := NewResolver(WithBaseDir(base))

	first, err := r.Resolve(context.Background(), SourceConfig{Path: "ubigeo.csv"}, dest, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	second, err := r.Resolve(context.Background(), SourceConfig{Path: "ubigeo.csv"}, dest, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if first != second || first != filepath.Join(dest, "ubigeo.csv") {
		t.Errorf("Expected stable destination, got %s and %s", first, second)
	}
	data, _ := os.ReadFile(first)
	if string(data) != "ubigeo\n010101\n" {
		t.Errorf("Expected copied content, got %q", data)
	}
}

func TestResolver_Local_SameFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ubigeo.csv")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewResolver().Resolve(context.Background(), SourceConfig{Path: src}, dir, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != src {
		t.Errorf("Expected %s, got %s", src, got)
	}
}

func TestResolver_Local_Missing(t *testing.T) {
	_, err := NewResolver().Resolve(context.Background(),
		SourceConfig{Path: filepath.Join(t.TempDir(), "nope.csv"), Auto: true, URL: "http://127.0.0.1:1/x"},
		t.TempDir(), nil)
	if !engine.IsNotFound(err) {
		t.Fatalf("Expected not found error, got: %v", err)
	}
}

func TestResolver_MissingSource(t *testing.T) {
	tests := []struct {
		name string
		src  SourceConfig
	}{
		{"empty", SourceConfig{}},
		{"url without auto", SourceConfig{URL: "https://example.org/a.csv"}},
		{"auto without urls", SourceConfig{Auto: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().Resolve(context.Background(), tt.src, t.TempDir(), nil)
			if !engine.IsMissingSource(err) {
				t.Fatalf("Expected missing source error, got: %v", err)
			}
			if !strings.Contains(err.Error(), "set ingest.path or ingest.url with auto=true") {
				t.Errorf("Expected operator hint, got: %v", err)
			}
		})
	}
}

func TestResolver_FallbackSucceeds(t *testing.T) {
	srv := newServer(t)
	var logs bytes.Buffer
	history := &attemptLog{}
	r := NewResolver(WithLogger(bufferLogger(&logs)), WithAttemptRecorder(history))
	dest := t.TempDir()

	src := SourceConfig{
		Auto:         true,
		URL:          srv.URL + "/missing.csv",
		FallbackURLs: []string{srv.URL + "/broken.csv"},
	}
	ctx := engine.WithStageInfo(context.Background(), "run-1", "ingest.ubigeo")
	res, err := r.ResolveSource(ctx, src, dest, []string{srv.URL + "/data/ubigeo.csv"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if res.Path != filepath.Join(dest, "ubigeo.csv") {
		t.Errorf("Expected file named after URL, got %s", res.Path)
	}
	if res.Origin != srv.URL+"/data/ubigeo.csv" || !res.Downloaded {
		t.Errorf("Unexpected resolution: %+v", res)
	}
	if n := strings.Count(logs.String(), "download failed, trying next source"); n != 2 {
		t.Errorf("Expected 2 warnings, got %d:\n%s", n, logs.String())
	}

	var statuses []AttemptStatus
	for _, a := range history.attempts {
		statuses = append(statuses, a.Status)
		if a.RunID != "run-1" || a.Stage != "ingest.ubigeo" || a.Scheme != "http" {
			t.Errorf("Expected attempt tagged with run and stage, got %+v", a)
		}
	}
	want := []AttemptStatus{AttemptFailed, AttemptFailed, AttemptSucceeded}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("Attempts mismatch (-want +got):\n%s", diff)
	}

	entries, _ := os.ReadDir(dest)
	if len(entries) != 1 {
		t.Errorf("Expected only the downloaded file in destination, got %d entries", len(entries))
	}
}

func TestResolver_AllFail(t *testing.T) {
	srv := newServer(t)
	r := NewResolver()

	src := SourceConfig{Auto: true, URL: srv.URL + "/missing.csv"}
	_, err := r.Resolve(context.Background(), src, t.TempDir(), []string{
		srv.URL + "/broken.csv",
		"gopher://example.org/x",
	})
	if !engine.IsNetwork(err) {
		t.Fatalf("Expected network error, got: %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"404", "500", "unsupported scheme"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected error to mention %q, got: %s", want, msg)
		}
	}
	if !errors.Is(err, &engine.PipelineError{Kind: engine.KindNetwork, Code: engine.ErrCodeDownloadFailed}) {
		t.Errorf("Expected download failed code, got: %v", err)
	}
}

func TestResolver_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := NewResolver(WithTimeout(50 * time.Millisecond))
	_, err := r.Resolve(context.Background(), SourceConfig{Auto: true, URL: srv.URL + "/slow.csv"}, t.TempDir(), nil)
	if !engine.IsNetwork(err) {
		t.Fatalf("Expected network error after timeout, got: %v", err)
	}
}

func TestResolver_FileScheme(t *testing.T) {
	mirror := filepath.Join(t.TempDir(), "limites.geojson")
	if err := os.WriteFile(mirror, []byte(`{"type":"FeatureCollection"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	u := url.URL{Scheme: "file", Path: mirror}

	got, err := NewResolver().Resolve(context.Background(), SourceConfig{Auto: true, URL: u.String()}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if filepath.Base(got) != "limites.geojson" {
		t.Errorf("Expected mirror file name, got %s", got)
	}
}

func TestSourceConfig_Candidates(t *testing.T) {
	src := SourceConfig{URL: "a", FallbackURLs: []string{"b", "a", ""}}
	if diff := cmp.Diff([]string{"a", "b", "c"}, src.Candidates([]string{"c", "b"})); diff != "" {
		t.Errorf("Candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := map[string]string{
		"https://example.org/data/pib%20dep.csv":   "pib dep.csv",
		"https://example.org/":                     FallbackFilename,
		"https://example.org":                      FallbackFilename,
		"https://example.org/api/series/json?x=1": "json",
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := FilenameFromURL(u); got != want {
			t.Errorf("FilenameFromURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSFTPConfig_Validate(t *testing.T) {
	dir := t.TempDir()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewSFTPFetcher(SFTPConfig{}); err == nil {
		t.Error("Expected error without private key")
	}
	if _, err := NewSFTPFetcher(SFTPConfig{PrivateKeyPath: keyPath}); err == nil {
		t.Error("Expected error without known_hosts")
	}

	cfg := SFTPConfig{PrivateKeyPath: keyPath, InsecureSkipHostKey: true}
	if _, err := NewSFTPFetcher(cfg); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	clientCfg, err := cfg.clientConfig("inei")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if clientCfg.User != "inei" || len(clientCfg.Auth) != 1 {
		t.Errorf("Unexpected client config: user=%s auth=%d", clientCfg.User, len(clientCfg.Auth))
	}
}

func TestSFTPAddress(t *testing.T) {
	u, _ := url.Parse("sftp://mirror.example.org/pub/pib.csv")
	if got := sftpAddress(u); got != "mirror.example.org:22" {
		t.Errorf("Expected default port, got %s", got)
	}
	u, _ = url.Parse("sftp://user@mirror.example.org:2222/pub/pib.csv")
	if got := sftpAddress(u); got != "mirror.example.org:2222" {
		t.Errorf("Expected explicit port, got %s", got)
	}
}
