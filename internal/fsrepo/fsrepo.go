// Package fsrepo implements the file-per-entity persistence described in
// base spec §4.2: a typed single-value text file whose save is durable
// (write-tempfile, flush, rename-into-place) and whose load deserialises or
// reports absence to the caller.
//
// Grounded on original_source/utils/src/file_system/fs_repository.rs, which
// has the identical new/from_file_path/save/get/get_mut shape; rendered here
// using YAML (matching the teacher's internal/kit/manifest.go and base spec
// §6's "realm config, text (YAML)" layout) instead of the original's
// serde_yaml-via-Rust equivalent, which is the same library family.
package fsrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrNotExist is returned by Load when the backing file does not exist; the
// caller decides whether to create a default value or fail.
var ErrNotExist = os.ErrNotExist

// FileRepository holds one YAML-encoded value durably backed by a file.
type FileRepository[T any] struct {
	path string
	data T
}

// New creates a repository holding data and immediately saves it to path.
func New[T any](path string, data T) (*FileRepository[T], error) {
	r := &FileRepository[T]{path: path, data: data}
	if err := r.Save(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load reads and decodes the repository at path. It returns ErrNotExist
// (wrapped) if the file is absent.
func Load[T any](path string) (*FileRepository[T], error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("fsrepo: load %s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("fsrepo: load %s: %w", path, err)
	}
	var data T
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("fsrepo: decode %s: %w", path, err)
	}
	return &FileRepository[T]{path: path, data: data}, nil
}

// Get returns the current in-memory value.
func (r *FileRepository[T]) Get() T { return r.data }

// Set replaces the in-memory value. Callers must call Save to persist it.
func (r *FileRepository[T]) Set(v T) { r.data = v }

// Save durably persists the current value: write to a tempfile in the same
// directory, fsync it, then rename over the target path. The rename is
// atomic on the same filesystem, so a crash never leaves a half-written
// config behind.
func (r *FileRepository[T]) Save() error {
	out, err := yaml.Marshal(r.data)
	if err != nil {
		return fmt.Errorf("fsrepo: encode %s: %w", r.path, err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsrepo: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("fsrepo: write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsrepo: fsync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsrepo: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("fsrepo: rename %s -> %s: %w", tmpPath, r.path, err)
	}
	return nil
}

// DiscoverUUIDDirs lists the immediate subdirectories of root whose name
// parses as a UUID, per base spec §4.5.6's startup-recovery scan. Entries
// that do not parse as a UUID are skipped (not errors) since the workdir may
// contain unrelated files.
func DiscoverUUIDDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsrepo: scan %s: %w", root, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
