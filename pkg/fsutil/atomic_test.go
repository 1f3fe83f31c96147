package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAtomic_FailureKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	if err := WriteFileAtomic(path, []byte("a,b\n"), 0o644); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	boom := errors.New("boom")
	err := WriteAtomic(path, 0o644, func(w io.Writer) error {
		if _, err := w.Write([]byte("partial")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected the writer error, got: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(data) != "a,b\n" {
		t.Errorf("Expected previous content, got %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected temp files cleaned up, got %d entries", len(entries))
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.csv")
	if err := os.WriteFile(src, []byte("x\n1\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "raw", "dst.csv")
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("Expected copy, got: %v", err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("Expected mtime %v, got %v", mtime, info.ModTime())
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("Expected mode 0640, got %v", info.Mode().Perm())
	}

	if err := CopyFile(dst, dst); err != nil {
		t.Errorf("Expected self copy to be a no-op, got: %v", err)
	}
	if !Exists(dst) || Exists(filepath.Join(dir, "missing")) {
		t.Error("Exists reported the wrong result")
	}
}
