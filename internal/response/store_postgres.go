package response

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

// Schema is the idempotent DDL for the responses table. The value column is
// JSONB so a response can be a boolean, string, number, list, or null.
const Schema = `
CREATE TABLE IF NOT EXISTS responses (
	user_id TEXT NOT NULL,
	question_id BIGINT NOT NULL,
	value JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, question_id)
);
`

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed response store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) GetResponse(ctx context.Context, userID string, questionID int64) (any, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM responses WHERE user_id = $1 AND question_id = $2`,
		userID, questionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get response %s/%d: %w", userID, questionID, err)
	}
	if len(raw) == 0 {
		return nil, true, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("decode response %s/%d: %w", userID, questionID, err)
	}
	return value, true, nil
}

// Put records a response value. Exposed for seeding and tests; the engine
// itself never writes responses.
func (s *PostgresStore) Put(ctx context.Context, userID string, questionID int64, value any) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO responses (user_id, question_id, value, updated_at)
		 VALUES ($1, $2, $3::jsonb, now())
		 ON CONFLICT (user_id, question_id) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()`,
		userID, questionID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("put response %s/%d: %w", userID, questionID, err)
	}
	return nil
}
