// Package memory is the in-process RunStore used when no database is
// configured, and by tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/engine"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*engine.RunState
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]*engine.RunState)}
}

func (s *RunStore) Create(_ context.Context, st *engine.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[st.ID] = st.Clone()
	return nil
}

func (s *RunStore) Save(_ context.Context, st *engine.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[st.ID] = st.Clone()
	return nil
}

func (s *RunStore) Load(_ context.Context, id uuid.UUID) (*engine.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[id]
	if !ok {
		return nil, engine.ErrRunNotFound
	}
	return st.Clone(), nil
}

func (s *RunStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return engine.ErrRunNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *RunStore) List(_ context.Context, limit, offset int) ([]*engine.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*engine.RunState, 0, len(s.runs))
	for _, st := range s.runs {
		all = append(all, st)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]*engine.RunState, len(all))
	for i, st := range all {
		out[i] = st.Clone()
	}
	return out, nil
}
