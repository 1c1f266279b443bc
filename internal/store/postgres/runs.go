package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunRecord is the durable form of a run: one row per run, stage map as jsonb.
type RunRecord struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
	Stages    []byte // jsonb stage map
}

func (q *Queries) CreateRun(ctx context.Context, rec RunRecord) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO runs (id, created_at, updated_at, stages)
		 VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.CreatedAt, rec.UpdatedAt, rec.Stages)
	return err
}

func (q *Queries) UpdateRun(ctx context.Context, rec RunRecord) error {
	_, err := q.db.Exec(ctx,
		`UPDATE runs SET updated_at = $2, stages = $3 WHERE id = $1`,
		rec.ID, rec.UpdatedAt, rec.Stages)
	return err
}

func (q *Queries) GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error) {
	var rec RunRecord
	err := q.db.QueryRow(ctx,
		`SELECT id, created_at, updated_at, stages FROM runs WHERE id = $1`,
		id).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &rec.Stages)
	return rec, err
}

func (q *Queries) DeleteRun(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListRuns(ctx context.Context, limit, offset int32) ([]RunRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, created_at, updated_at, stages
		 FROM runs
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &rec.Stages); err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
