package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	stamps  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		stamps:  make(map[string]time.Time),
	}
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	if bucket == "" || key == "" {
		return ObjectInfo{}, fmt.Errorf("bucket and key are required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.objects[memoryKey(bucket, key)] = data
	s.stamps[memoryKey(bucket, key)] = now
	s.mu.Unlock()
	return ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data)), LastModified: now}, nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[memoryKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	s.mu.RLock()
	data, ok := s.objects[memoryKey(bucket, key)]
	stamp := s.stamps[memoryKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data)), LastModified: stamp}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, memoryKey(bucket, key))
	delete(s.stamps, memoryKey(bucket, key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if _, err := s.Stat(ctx, bucket, key); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s/%s", bucket, key), nil
}
