// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// sidecarSuffix marks the JSON file holding an object's content type and metadata.
const sidecarSuffix = ".meta.json"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
	now     func() time.Time
}

var _ tracker.BlobStore = (*BlobStore)(nil)

type sidecar struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	marker := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(marker, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return nil, fmt.Errorf("clean up marker file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(cfg.BaseDir), now: time.Now}, nil
}

// resolve maps key to a path inside baseDir, rejecting traversal.
func (s *BlobStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// PutObject writes the body and its metadata sidecar and returns a file:// URI.
func (s *BlobStore) PutObject(
	_ context.Context,
	key, contentType string,
	r io.Reader,
	metadata map[string]string,
) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	meta, err := json.Marshal(sidecar{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(full+sidecarSuffix, meta, 0o600); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return "file://" + full, nil
}

// PresignGet returns a file:// URL carrying the expiry for symmetry with
// remote stores. Nothing enforces it.
func (s *BlobStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("presign %s: %w", key, tracker.ErrObjectNotFound)
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	return fmt.Sprintf("file://%s?expires=%d", full, s.now().Add(ttl).Unix()), nil
}

// List walks the tree under prefix and returns objects in key order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]tracker.ObjectInfo, error) {
	var out []tracker.ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, sidecarSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, tracker.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.baseDir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Metadata reads the sidecar written with key.
func (s *BlobStore) Metadata(key string) (string, map[string]string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", nil, err
	}
	// #nosec G304 -- path is resolved inside baseDir.
	raw, err := os.ReadFile(full + sidecarSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("metadata %s: %w", key, tracker.ErrObjectNotFound)
		}
		return "", nil, fmt.Errorf("read metadata: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return "", nil, fmt.Errorf("decode metadata: %w", err)
	}
	return sc.ContentType, sc.Metadata, nil
}
