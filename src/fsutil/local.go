// Package fsutil stores archive objects as files under a local directory.
package fsutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalObjectStore lays objects out as <root>/<bucket>/<object>
type LocalObjectStore struct {
	root string
}

func NewLocalObjectStore(root string) (*LocalObjectStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalObjectStore{root: root}, nil
}

func (s *LocalObjectStore) path(bucket, object string) (string, error) {
	p := filepath.Join(s.root, bucket, filepath.FromSlash(object))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("object %q escapes the archive directory", bucket+"/"+object)
	}
	return p, nil
}

// PutObject writes data atomically; the content type is not recorded
func (s *LocalObjectStore) PutObject(_ context.Context, bucket, object, _ string, data []byte) error {
	p, err := s.path(bucket, object)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

func (s *LocalObjectStore) GetObject(_ context.Context, bucket, object string) ([]byte, error) {
	p, err := s.path(bucket, object)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// List returns the object names in bucket, slash separated and sorted
func (s *LocalObjectStore) List(bucket string) ([]string, error) {
	dir := filepath.Join(s.root, bucket)
	var names []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return names, err
}
