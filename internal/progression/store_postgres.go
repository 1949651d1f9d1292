package progression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// Schema is the idempotent DDL for the progress table. The primary key is
// the (user, kind, id) triple; the conditional upsert against it is the
// engine's compare-and-swap.
const Schema = `
CREATE TABLE IF NOT EXISTS progress (
	user_id TEXT NOT NULL,
	activity_kind TEXT NOT NULL,
	activity_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	response_data JSONB,
	unlocked_by_rule BIGINT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, activity_kind, activity_id)
);
`

// PostgresProgressStore is a PostgreSQL-backed ProgressStore. Guards are
// expressed inside the upsert statement itself, so atomicity rests on
// Postgres row-level conflict handling rather than any lock in this
// process.
type PostgresProgressStore struct {
	pool *pgxpool.Pool
}

// NewPostgresProgressStore creates a PostgreSQL-backed progress store.
func NewPostgresProgressStore(pool *pgxpool.Pool) (*PostgresProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresProgressStore{pool: pool}, nil
}

const progressColumns = `user_id, activity_kind, activity_id, status, started_at, completed_at, response_data, unlocked_by_rule`

func (s *PostgresProgressStore) Fetch(ctx context.Context, userID string, ref ActivityRef) (Progress, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+progressColumns+`
		 FROM progress
		 WHERE user_id = $1 AND activity_kind = $2 AND activity_id = $3`,
		userID, ref.Kind, ref.ID,
	)
	rec, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("fetch progress %s %s: %w", userID, ref, err)
	}
	return rec, true, nil
}

func (s *PostgresProgressStore) FetchMany(ctx context.Context, userID string, kind Kind, ids []int64) (map[int64]Progress, error) {
	out := make(map[int64]Progress, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+progressColumns+`
		 FROM progress
		 WHERE user_id = $1 AND activity_kind = $2 AND activity_id = ANY($3)`,
		userID, kind, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch progress batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out[rec.Activity.ID] = rec
	}
	return out, rows.Err()
}

func (s *PostgresProgressStore) Upsert(ctx context.Context, rec Progress, guard Guard) (Progress, error) {
	if rec.UserID == "" {
		return Progress{}, fmt.Errorf("user_id is required")
	}
	if !rec.Activity.Kind.Valid() {
		return Progress{}, fmt.Errorf("invalid activity kind %q", rec.Activity.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var data *string
	if rec.ResponseData != nil {
		encoded, err := json.Marshal(rec.ResponseData)
		if err != nil {
			return Progress{}, fmt.Errorf("encode response data: %w", err)
		}
		payload := string(encoded)
		data = &payload
	}

	var startedAt *time.Time
	if !rec.StartedAt.IsZero() {
		startedAt = &rec.StartedAt
	}

	var query string
	switch guard {
	case GuardNotCompleted:
		// The WHERE clause on the conflict update is the guard: when the
		// stored row is already completed no row is updated, RETURNING
		// yields nothing, and the caller sees a rejection.
		query = `
			INSERT INTO progress (` + progressColumns + `, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, now())
			ON CONFLICT (user_id, activity_kind, activity_id) DO UPDATE SET
				status = EXCLUDED.status,
				started_at = COALESCE(progress.started_at, EXCLUDED.started_at),
				completed_at = COALESCE(EXCLUDED.completed_at, progress.completed_at),
				response_data = COALESCE(EXCLUDED.response_data, progress.response_data),
				unlocked_by_rule = COALESCE(EXCLUDED.unlocked_by_rule, progress.unlocked_by_rule),
				updated_at = now()
			WHERE progress.status <> 'completed'
			RETURNING ` + progressColumns
	case GuardAbsent:
		query = `
			INSERT INTO progress (` + progressColumns + `, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, now())
			ON CONFLICT (user_id, activity_kind, activity_id) DO NOTHING
			RETURNING ` + progressColumns
	default:
		return Progress{}, fmt.Errorf("unknown guard %v", guard)
	}

	row := s.pool.QueryRow(ctx, query,
		rec.UserID, rec.Activity.Kind, rec.Activity.ID, rec.Status,
		startedAt, rec.CompletedAt, data, rec.UnlockedByRule,
	)
	stored, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, ErrGuardRejected
	}
	if err != nil {
		return Progress{}, fmt.Errorf("upsert progress %s %s: %w", rec.UserID, rec.Activity, err)
	}
	return stored, nil
}

func scanProgress(row pgx.Row) (Progress, error) {
	var rec Progress
	var startedAt *time.Time
	var raw []byte
	if err := row.Scan(&rec.UserID, &rec.Activity.Kind, &rec.Activity.ID, &rec.Status,
		&startedAt, &rec.CompletedAt, &raw, &rec.UnlockedByRule); err != nil {
		return Progress{}, err
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.ResponseData); err != nil {
			return Progress{}, fmt.Errorf("decode response data: %w", err)
		}
	}
	return rec, nil
}
