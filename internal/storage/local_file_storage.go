package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempFilePrefix = ".tmp-"

// LocalFileStorage is a Backend that keeps payloads as regular files under
// dataDir. Writes land in a temporary file in the destination directory
// and are renamed into place, so readers never observe a partial payload.
type LocalFileStorage struct {
	dataDir string
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

// filePath computes the full filesystem path for the storage path p.
func (s *LocalFileStorage) filePath(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(cleaned)), nil
}

func (s *LocalFileStorage) Read(ctx context.Context, p string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	objPath, err := s.filePath(p)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(objPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *LocalFileStorage) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objPath, err := s.filePath(p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(objPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return err
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	// The temp file shares the destination directory, so the rename is
	// atomic and never crosses filesystems.
	if err := os.Rename(tempPath, objPath); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return nil
}

func (s *LocalFileStorage) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	objPath, err := s.filePath(p)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(objPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalFileStorage) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objPath, err := s.filePath(p)
	if err != nil {
		return err
	}

	if err := os.Remove(objPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalFileStorage) Touch(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	objPath, err := s.filePath(p)
	if err != nil {
		return false, err
	}

	now := time.Now()
	err = os.Chtimes(objPath, now, now)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List walks the directory tree below prefix. Temporary files left behind
// by interrupted writes are skipped.
func (s *LocalFileStorage) List(ctx context.Context, prefix string, fn func(Entry) error) error {
	root := s.dataDir
	if prefix != "" {
		cleaned, err := CleanPath(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return err
		}
		root = filepath.Join(s.dataDir, filepath.FromSlash(cleaned))
	}

	err := filepath.WalkDir(root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(s.dataDir, walkPath)
		if err != nil {
			return err
		}
		return fn(Entry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	})
	return err
}
