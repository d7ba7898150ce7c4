// Package workspace provides request-scoped temporary directories.
//
// A Dir is acquired once per request and released exactly once, no matter
// whether the request succeeded, failed or timed out.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const memoryBackedDir = "/dev/shm"

// DefaultRoot returns the memory-backed temp area when it is usable and the
// system temp directory otherwise.
func DefaultRoot() string {
	if fi, err := os.Stat(memoryBackedDir); err == nil && fi.IsDir() {
		f, err := os.CreateTemp(memoryBackedDir, ".probe-")
		if err == nil {
			name := f.Name()
			_ = f.Close()
			_ = os.Remove(name)
			return memoryBackedDir
		}
	}

	return os.TempDir()
}

// Dir is a private temporary directory owned by a single request.
type Dir struct {
	path     string
	mutex    sync.Mutex
	files    map[string]struct{}
	released bool
}

// New creates a uniquely named directory below root.
// An empty root resolves to DefaultRoot().
func New(root, prefix string) (*Dir, error) {
	if root == "" {
		root = DefaultRoot()
	}

	path, err := os.MkdirTemp(root, prefix)
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return &Dir{path: path, files: map[string]struct{}{}}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.path
}

// Path returns the path of a file inside the directory and tracks it for release.
func (d *Dir) Path(name string) string {
	p := filepath.Join(d.path, filepath.Base(name))

	d.mutex.Lock()
	d.files[p] = struct{}{}
	d.mutex.Unlock()

	return p
}

// Remove deletes a tracked file ahead of Release.
// A file that does not exist is not an error.
func (d *Dir) Remove(path string) error {
	d.mutex.Lock()
	delete(d.files, path)
	d.mutex.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp file: %w", err)
	}

	return nil
}

// Release unlinks all tracked files and removes the directory.
// Subsequent calls are no-ops. The returned duration is the time spent.
func (d *Dir) Release() (time.Duration, error) {
	start := time.Now()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.released {
		return 0, nil
	}

	d.released = true

	var errs []error

	for f := range d.files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove temp file: %w", err))
		}
	}

	d.files = nil

	err := os.Remove(d.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		// untracked leftovers, e.g. partial converter output
		slog.Debug(fmt.Sprintf("temp dir %s not empty, removing recursively", d.path))

		if err := os.RemoveAll(d.path); err != nil {
			errs = append(errs, fmt.Errorf("remove temp dir: %w", err))
		}
	}

	return time.Since(start), errors.Join(errs...)
}
