package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dojoworks/dojo/internal/apperr"
)

const metaSuffix = ".meta.json"

// FS stores blobs as files under a root directory. Writes are atomic:
// data lands in a temp file in the same directory and is renamed into
// place, so readers never observe a partial value. Metadata sits in a
// sibling .meta.json file.
type FS struct {
	root string
	log  *zap.Logger
}

// NewFS builds an FS store rooted at dir, creating it if needed.
func NewFS(dir string, log *zap.Logger) (*FS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FS{root: dir, log: log}, nil
}

// Put implements Store.
func (f *FS) Put(_ context.Context, key string, data []byte, meta map[string]string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return apperr.External("blob", fmt.Errorf("create blob subdir: %w", err))
	}
	if err := writeAtomic(path, data); err != nil {
		return apperr.External("blob", err)
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return apperr.External("blob", fmt.Errorf("encode metadata: %w", err))
		}
		if err := writeAtomic(path+metaSuffix, raw); err != nil {
			return apperr.External("blob", err)
		}
	}
	return nil
}

// Get implements Store.
func (f *FS) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound(fmt.Sprintf("blob %q", key))
	}
	if err != nil {
		return nil, apperr.External("blob", err)
	}
	return data, nil
}

// Delete implements Store. Both the blob and its metadata sidecar are
// removed; a failure on one does not skip the other.
func (f *FS) Delete(_ context.Context, key string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	var errs error
	for _, p := range []string{path, path + metaSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return apperr.External("blob", errs)
	}
	return nil
}

// Size implements Store.
func (f *FS) Size(_ context.Context, key string) (int64, error) {
	path, err := f.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, apperr.NotFound(fmt.Sprintf("blob %q", key))
	}
	if err != nil {
		return 0, apperr.External("blob", err)
	}
	return info.Size(), nil
}

// Meta returns the metadata stored alongside key, or an empty map.
func (f *FS) Meta(_ context.Context, key string) (map[string]string, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, apperr.External("blob", err)
	}
	meta := map[string]string{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, apperr.External("blob", fmt.Errorf("decode metadata: %w", err))
	}
	return meta, nil
}

func (f *FS) resolve(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(f.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return "", apperr.Security(fmt.Sprintf("blob key %q escapes store root", key))
	}
	return path, nil
}

// writeAtomic writes data to a temp file next to path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename blob into place: %w", err)
	}
	return nil
}
