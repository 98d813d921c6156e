package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}

	chunk := []byte(strings.Repeat("x", 600*1024) + "\n")
	for i := 0; i < 5; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write #%d failed: %v", i, err)
		}
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, p := range []string{path, BackupPath(path, 1), BackupPath(path, 2)} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}
	if _, err := os.Stat(BackupPath(path, 3)); !os.IsNotExist(err) {
		t.Errorf("expected no third backup, stat err = %v", err)
	}
}

func TestRotatingWriterCompress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}

	chunk := []byte(strings.Repeat("y", 700*1024) + "\n")
	for i := 0; i < 2; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(BackupPath(path, 1) + ".gz"); err != nil {
		t.Errorf("expected compressed backup: %v", err)
	}
	if _, err := os.Stat(BackupPath(path, 1)); !os.IsNotExist(err) {
		t.Errorf("uncompressed backup should be removed, stat err = %v", err)
	}
}

func TestRotatingWriterNoRotationWhenDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.log")
	rw, err := NewRotatingWriter(path, RotationConfig{})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	defer rw.Close()

	if _, err := rw.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := rw.Size(); got != 6 {
		t.Errorf("Size() = %d, want 6", got)
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "foreman.log"), RotationConfig{})
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	_ = rw.Close()

	if _, err := rw.Write([]byte("late")); err == nil {
		t.Error("expected error writing to closed writer")
	}
}
