package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig holds configuration for log rotation.
type RotationConfig struct {
	// MaxSizeMB is the file size that triggers rotation. 0 disables rotation.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotationConfig returns the rotation settings used when the config
// file does not override them.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3}
}

// RotatingWriter is an io.WriteCloser over a log file that rotates the
// file once it grows past the configured size. It is safe for concurrent use.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	cfg  RotationConfig

	file *os.File
	size int64

	// compressions tracks background gzip jobs so Close can wait for them.
	compressions sync.WaitGroup
}

// NewRotatingWriter opens (or creates) path for appending.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{path: path, cfg: cfg}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(rw.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) limit() int64 {
	return int64(rw.cfg.MaxSizeMB) << 20
}

// Write appends p, rotating first if p would push the file over the limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if lim := rw.limit(); lim > 0 && rw.size > 0 && rw.size+int64(len(p)) > lim {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "foreman: log rotation failed: %v\n", err)
			if rw.file == nil {
				return 0, err
			}
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// rotate shifts foreman.log.N files up by one and starts a fresh file.
// The caller must hold the mutex.
func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return err
	}
	rw.file = nil

	rw.shiftBackups()

	first := BackupPath(rw.path, 1)
	if rw.cfg.MaxBackups <= 0 {
		if err := os.Remove(rw.path); err != nil && !os.IsNotExist(err) {
			return rw.reopenAfter(err)
		}
		return rw.open()
	}
	if err := os.Rename(rw.path, first); err != nil {
		return rw.reopenAfter(err)
	}
	if rw.cfg.Compress {
		rw.compressions.Add(1)
		go func() {
			defer rw.compressions.Done()
			if err := gzipFile(first); err != nil {
				fmt.Fprintf(os.Stderr, "foreman: compress %s: %v\n", first, err)
			}
		}()
	}
	return rw.open()
}

func (rw *RotatingWriter) reopenAfter(cause error) error {
	if err := rw.open(); err != nil {
		return fmt.Errorf("%w (reopen: %v)", cause, err)
	}
	return cause
}

func (rw *RotatingWriter) shiftBackups() {
	for _, ext := range []string{"", ".gz"} {
		_ = os.Remove(BackupPath(rw.path, rw.cfg.MaxBackups) + ext)
	}
	for i := rw.cfg.MaxBackups - 1; i >= 1; i-- {
		for _, ext := range []string{"", ".gz"} {
			from := BackupPath(rw.path, i) + ext
			if _, err := os.Stat(from); err == nil {
				_ = os.Rename(from, BackupPath(rw.path, i+1)+ext)
			}
		}
	}
}

// BackupPath returns the name of the n-th rotated file for path.
func BackupPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Size returns the current size of the active log file in bytes.
func (rw *RotatingWriter) Size() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.size
}

// Close waits for pending compressions and closes the active file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	f := rw.file
	rw.file = nil
	rw.mu.Unlock()

	rw.compressions.Wait()
	if f == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
