// Package memory retains exports in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/treexport/internal/storage"
)

// Stored is a retained object as kept by BlobStore.
type Stored struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
	Data               []byte
}

// BlobStore stores exports in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Stored
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Stored)}
}

// PutObject copies obj.Body and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, key string, obj storage.Object) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Stored{
		ContentType:        obj.ContentType,
		ContentDisposition: obj.ContentDisposition,
		Metadata:           maps.Clone(obj.Metadata),
		Data:               data,
	}
	return "memory://" + key, nil
}

// Get returns a copy of the object stored under key.
func (s *BlobStore) Get(key string) (Stored, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Stored{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = maps.Clone(obj.Metadata)
	return obj, true
}

// Keys lists stored keys in lexical order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
