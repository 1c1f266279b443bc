// Package store layers the engine's RunStore contract over postgres.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
	"github.com/tabulate-labs/tabulator/internal/store/postgres"
	"github.com/tabulate-labs/tabulator/pkg/apierr"
)

type Store struct {
	*postgres.Queries
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Queries: postgres.New(pool),
		pool:    pool,
	}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) WithTx(ctx context.Context, fn func(*postgres.Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RunStore adapts the postgres queries to the engine's RunStore contract.
// The stage map is stored as one jsonb document per run; the engine is the
// single writer, so each Save is a full-snapshot replace.
type RunStore struct {
	s *Store
}

func NewRunStore(s *Store) *RunStore {
	return &RunStore{s: s}
}

func (r *RunStore) Create(ctx context.Context, st *engine.RunState) error {
	rec, err := toRecord(st)
	if err != nil {
		return err
	}
	return r.s.CreateRun(ctx, rec)
}

func (r *RunStore) Save(ctx context.Context, st *engine.RunState) error {
	rec, err := toRecord(st)
	if err != nil {
		return err
	}
	return r.s.UpdateRun(ctx, rec)
}

func (r *RunStore) Load(ctx context.Context, id uuid.UUID) (*engine.RunState, error) {
	rec, err := r.s.GetRun(ctx, id)
	if err != nil {
		if apierr.IsNotFound(err) {
			return nil, engine.ErrRunNotFound
		}
		return nil, err
	}
	return fromRecord(rec)
}

func (r *RunStore) Delete(ctx context.Context, id uuid.UUID) error {
	n, err := r.s.DeleteRun(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

func (r *RunStore) List(ctx context.Context, limit, offset int) ([]*engine.RunState, error) {
	if limit <= 0 {
		limit = 20
	}
	recs, err := r.s.ListRuns(ctx, int32(limit), int32(offset))
	if err != nil {
		return nil, err
	}
	out := make([]*engine.RunState, 0, len(recs))
	for _, rec := range recs {
		st, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func toRecord(st *engine.RunState) (postgres.RunRecord, error) {
	stages, err := json.Marshal(st.Stages)
	if err != nil {
		return postgres.RunRecord{}, fmt.Errorf("marshal stages: %w", err)
	}
	return postgres.RunRecord{
		ID:        st.ID,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
		Stages:    stages,
	}, nil
}

func fromRecord(rec postgres.RunRecord) (*engine.RunState, error) {
	stages := make(map[registry.StageID]*engine.StageInstance)
	if err := json.Unmarshal(rec.Stages, &stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	return &engine.RunState{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Stages:    stages,
	}, nil
}
