package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get for unknown artifact IDs.
var ErrNotFound = errors.New("artifact: not found")

// Store is the content-addressable payload store. Payloads are immutable once
// written; identical content maps to the same ID. Readers may Get concurrently
// with writes on other stages — a payload is fully written before its ref is
// visible anywhere.
type Store interface {
	// Put stores the payload and returns its ref.
	Put(ctx context.Context, payload []byte, kind Kind, warnings []string) (*Ref, error)
	// Get returns the payload bytes for id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Release drops one reference to id. Backends may delete eagerly or leave
	// the payload orphaned for garbage collection.
	Release(ctx context.Context, id string) error
}

// MemoryStore is the in-process, reference-counted Store used when no blob
// backend is configured, and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payloads map[string][]byte
	refs     map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payloads: make(map[string][]byte),
		refs:     make(map[string]int),
	}
}

// ContentID returns the sha256 hex digest used as the artifact ID.
func ContentID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (s *MemoryStore) Put(_ context.Context, payload []byte, kind Kind, warnings []string) (*Ref, error) {
	id := ContentID(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payloads[id]; !ok {
		s.payloads[id] = append([]byte(nil), payload...)
	}
	s.refs[id]++

	return &Ref{ID: id, Kind: kind, Size: int64(len(payload)), Warnings: warnings}, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), p...), nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[id] <= 1 {
		delete(s.refs, id)
		delete(s.payloads, id)
		return nil
	}
	s.refs[id]--
	return nil
}

// Len returns the number of distinct payloads held (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payloads)
}
