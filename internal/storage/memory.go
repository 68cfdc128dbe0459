package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryObjectStore is the in-process backend for development and tests.
// Blobs are byte slices; signed URLs are opaque tokens that tests exchange
// for a Put.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{buckets: make(map[string]map[string][]byte)}
}

func (s *MemoryObjectStore) Name() string { return "memory" }

func (s *MemoryObjectStore) EnsureBucket(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (s *MemoryObjectStore) SignedUploadURL(ctx context.Context, bucket, path string) (string, error) {
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s/%s?token=%s", bucket, path, uuid.NewString()), nil
}

func (s *MemoryObjectStore) SignedDownloadURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.buckets[bucket][path]; !ok {
		return "", ErrObjectNotFound
	}
	return fmt.Sprintf("memory://%s/%s?token=%s&ttl=%d", bucket, path, uuid.NewString(), int(ttl.Seconds())), nil
}

func (s *MemoryObjectStore) Stat(ctx context.Context, bucket, path string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.buckets[bucket][path]
	if !ok {
		return 0, ErrObjectNotFound
	}
	return int64(len(data)), nil
}

// Put writes a blob directly, standing in for the client's upload against
// the signed URL.
func (s *MemoryObjectStore) Put(bucket, path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string][]byte)
	}
	s.buckets[bucket][path] = data
}
