package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uhyunpark/hypersettle/pkg/chain"
)

// FileWAL is an append-only line log. The node keeps two: block commits and
// accepted transaction submissions. Write errors are counted, not returned,
// since neither log is on the commit path.
type FileWAL struct {
	mu     sync.Mutex
	f      *os.File
	failed int
}

func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		w.failed++
		return
	}
	if _, err := fmt.Fprintln(w.f, line); err != nil {
		w.failed++
	}
}

// Failed reports appends that did not reach the file.
func (w *FileWAL) Failed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Close syncs and closes the file; later appends are counted as failed.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	syncErr := w.f.Sync()
	err := w.f.Close()
	w.f = nil
	if syncErr != nil {
		return syncErr
	}
	return err
}

var _ chain.WAL = (*FileWAL)(nil)
