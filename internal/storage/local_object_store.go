package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalObjectStore keeps objects as plain files under a base directory. Used
// for local deployments and tests.
type LocalObjectStore struct {
	baseDir string
}

var _ ObjectStore = (*LocalObjectStore)(nil)

func NewLocalObjectStore(dir string) (*LocalObjectStore, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}

	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", baseDir, err)
	}

	return &LocalObjectStore{baseDir: baseDir}, nil
}

func (s *LocalObjectStore) fullpath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *LocalObjectStore) PutObject(ctx context.Context, key string, data io.Reader) error {
	path := s.fullpath(key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", s.baseDir, key, err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s/%s: %w", s.baseDir, key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, data); err != nil {
		return fmt.Errorf("failed to write file %s/%s: %w", s.baseDir, key, err)
	}

	return nil
}

func (s *LocalObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(s.fullpath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file %s/%s: %w", s.baseDir, key, err)
	}
	return file, nil
}

func (s *LocalObjectStore) DeleteObjects(ctx context.Context, prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return fmt.Errorf("refusing to delete with empty prefix")
	}
	if err := os.RemoveAll(s.fullpath(prefix)); err != nil {
		return fmt.Errorf("failed to delete objects in %s/%s: %w", s.baseDir, prefix, err)
	}
	return nil
}

func (s *LocalObjectStore) DownloadObject(ctx context.Context, key, filename string) error {
	src, err := s.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(filename), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for download %s: %w", filepath.Dir(filename), err)
	}

	dst, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy object %s to %s: %w", key, filename, err)
	}

	return nil
}
