// Package memory stores artifacts and records in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

var _ tracker.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(
	_ context.Context,
	key, contentType string,
	r io.Reader,
	metadata map[string]string,
) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{
		data:        data,
		contentType: contentType,
		metadata:    meta,
		modified:    time.Now().UTC(),
	}
	return "memory://" + key, nil
}

// PresignGet returns a pseudo URL for an existing key.
func (s *BlobStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("presign %s: %w", key, tracker.ErrObjectNotFound)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, int64(ttl.Seconds())), nil
}

// List returns objects under prefix in key order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]tracker.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, tracker.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Object returns a copy of the stored bytes, content type and metadata.
func (s *BlobStore) Object(key string) ([]byte, string, map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", nil, false
	}
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return append([]byte(nil), obj.data...), obj.contentType, meta, true
}
