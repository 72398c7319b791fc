package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

type memoryObject struct {
	contentType string
	data        []byte
}

// MemoryStore is a thread-safe ObjectStore for development and tests.
type MemoryStore struct {
	bucket string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memoryObject),
	}
}

func (s *MemoryStore) Upload(_ context.Context, path, contentType string, data []byte) error {
	if path == "" {
		return ErrInvalidPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[path]; ok {
		return fmt.Errorf("%w: %s", ErrObjectExists, path)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[path] = memoryObject{contentType: contentType, data: buf}
	return nil
}

func (s *MemoryStore) Download(_ context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[path]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, obj.contentType, nil
}

func (s *MemoryStore) Remove(_ context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		delete(s.objects, p)
	}
	return nil
}

func (s *MemoryStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}

	u := url.URL{
		Scheme:   "memory",
		Host:     s.bucket,
		Path:     "/" + path,
		RawQuery: url.Values{"expires": {fmt.Sprint(time.Now().Add(ttl).Unix())}}.Encode(),
	}
	return u.String(), nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
