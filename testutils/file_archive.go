package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/migadu/bouncer/storage"
)

// FileArchive stores archived messages as files under a directory, using
// the same keys as the S3 archive.
type FileArchive struct {
	mu      sync.Mutex
	baseDir string
	err     error
	keys    []string
}

// NewFileArchive creates an archive rooted at baseDir.
func NewFileArchive(baseDir string) *FileArchive {
	return &FileArchive{baseDir: baseDir}
}

// FailWith makes every following Archive call return err. A nil err clears it.
func (a *FileArchive) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

// Archive writes raw to disk and returns its key.
func (a *FileArchive) Archive(ctx context.Context, raw []byte, date time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return "", a.err
	}

	key := storage.ObjectKey("bounces", raw, date)
	path := filepath.Join(a.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to write archive file: %w", err)
	}

	a.keys = append(a.keys, key)
	return key, nil
}

// Keys returns the keys archived so far, in order.
func (a *FileArchive) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

// Read returns the archived content of key.
func (a *FileArchive) Read(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(a.baseDir, filepath.FromSlash(key)))
}
