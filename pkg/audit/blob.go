package audit

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tillerhq/tiller/pkg/canonical"
)

var ErrBlobNotFound = errors.New("blob not found")

const blobPointerPrefix = "sha256:"

// BlobStore is content-addressed storage for exported evidence packs. Store
// returns a "sha256:<hex>" pointer; storing the same bytes twice is a no-op.
type BlobStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
	Exists(ctx context.Context, pointer string) (bool, error)
}

func blobPointer(data []byte) string {
	return blobPointerPrefix + canonical.HashBytes(data)
}

func parseBlobPointer(pointer string) (string, error) {
	if !strings.HasPrefix(pointer, blobPointerPrefix) {
		return "", errors.New("invalid blob pointer: expected sha256: prefix")
	}
	return strings.TrimPrefix(pointer, blobPointerPrefix), nil
}

// MemoryBlobStore keeps blobs in process memory. Suitable for tests and the
// degraded bootstrap mode.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore returns an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Store(ctx context.Context, data []byte) (string, error) {
	pointer := blobPointer(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[pointer]; !ok {
		clone := make([]byte, len(data))
		copy(clone, data)
		s.blobs[pointer] = clone
	}
	return pointer, nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[pointer]
	if !ok {
		return nil, ErrBlobNotFound
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

func (s *MemoryBlobStore) Exists(ctx context.Context, pointer string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[pointer]
	return ok, nil
}
