package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// Schema is the idempotent DDL for catalog tables.
const Schema = `
CREATE TABLE IF NOT EXISTS modules (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	sequence_order INT NOT NULL,
	requires_all_submodules BOOLEAN NOT NULL DEFAULT false,
	allows_branching BOOLEAN NOT NULL DEFAULT false,
	is_active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS submodules (
	id BIGINT PRIMARY KEY,
	module_id BIGINT NOT NULL REFERENCES modules(id),
	parent_submodule_id BIGINT REFERENCES submodules(id),
	branch_name TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	sequence_order INT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_submodules_module ON submodules (module_id);

CREATE TABLE IF NOT EXISTS branching_rules (
	id BIGINT PRIMARY KEY,
	source_module_id BIGINT NOT NULL REFERENCES modules(id),
	source_submodule_id BIGINT REFERENCES submodules(id),
	target_submodule_id BIGINT REFERENCES submodules(id),
	target_branch TEXT NOT NULL DEFAULT '',
	condition_type TEXT NOT NULL,
	condition_config JSONB NOT NULL DEFAULT '{}',
	priority INT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_rules_source ON branching_rules (source_module_id, source_submodule_id);
CREATE INDEX IF NOT EXISTS idx_rules_target ON branching_rules (target_submodule_id);
`

// PostgresStore is a PostgreSQL-backed ActivityStore and RuleStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed catalog store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) GetModule(ctx context.Context, id int64) (Module, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var m Module
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, sequence_order, requires_all_submodules, allows_branching, is_active
		 FROM modules
		 WHERE id = $1 AND is_active`,
		id,
	).Scan(&m.ID, &m.Name, &m.Description, &m.SequenceOrder, &m.RequiresAllSubmodules, &m.AllowsBranching, &m.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Module{}, ErrNotFound
	}
	if err != nil {
		return Module{}, fmt.Errorf("get module %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListModules(ctx context.Context) ([]Module, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, sequence_order, requires_all_submodules, allows_branching, is_active
		 FROM modules
		 WHERE is_active
		 ORDER BY sequence_order ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var out []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.SequenceOrder,
			&m.RequiresAllSubmodules, &m.AllowsBranching, &m.IsActive); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSubmodule(ctx context.Context, id int64) (Submodule, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var sub Submodule
	err := s.pool.QueryRow(ctx,
		`SELECT id, module_id, parent_submodule_id, branch_name, name, description, sequence_order, is_active
		 FROM submodules
		 WHERE id = $1 AND is_active`,
		id,
	).Scan(&sub.ID, &sub.ModuleID, &sub.ParentSubmoduleID, &sub.BranchName,
		&sub.Name, &sub.Description, &sub.SequenceOrder, &sub.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submodule{}, ErrNotFound
	}
	if err != nil {
		return Submodule{}, fmt.Errorf("get submodule %d: %w", id, err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmodules(ctx context.Context, moduleID int64) ([]Submodule, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, module_id, parent_submodule_id, branch_name, name, description, sequence_order, is_active
		 FROM submodules
		 WHERE module_id = $1 AND is_active
		 ORDER BY sequence_order ASC, id ASC`,
		moduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list submodules: %w", err)
	}
	defer rows.Close()

	return scanSubmodules(rows)
}

func (s *PostgresStore) ApplicableRules(ctx context.Context, moduleID int64, submoduleID *int64) ([]Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var rows pgx.Rows
	var err error
	if submoduleID != nil {
		rows, err = s.pool.Query(ctx, ruleSelect+
			` WHERE is_active AND source_module_id = $1 AND source_submodule_id = $2
			 ORDER BY priority DESC, id ASC`,
			moduleID, *submoduleID,
		)
	} else {
		rows, err = s.pool.Query(ctx, ruleSelect+
			` WHERE is_active AND source_module_id = $1 AND source_submodule_id IS NULL
			 ORDER BY priority DESC, id ASC`,
			moduleID,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query applicable rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

func (s *PostgresStore) RulesTargeting(ctx context.Context, sub Submodule) ([]Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, ruleSelect+
		` WHERE is_active
		   AND (target_submodule_id = $1
		        OR (target_branch <> '' AND target_branch = $2 AND source_module_id = $3))
		 ORDER BY priority DESC, id ASC`,
		sub.ID, sub.BranchName, sub.ModuleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query targeting rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

const ruleSelect = `SELECT id, source_module_id, source_submodule_id,
	COALESCE(target_submodule_id, 0), target_branch,
	condition_type, condition_config, priority, is_active
	FROM branching_rules`

func scanRules(rows pgx.Rows) ([]Rule, error) {
	var out []Rule
	for rows.Next() {
		var r Rule
		var raw []byte
		if err := rows.Scan(&r.ID, &r.SourceModuleID, &r.SourceSubmoduleID,
			&r.TargetSubmoduleID, &r.TargetBranch,
			&r.ConditionType, &raw, &r.Priority, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		// Tolerate unknown condition types at read time: the evaluator
		// treats a nil condition as false rather than aborting the batch.
		if cond, err := DecodeCondition(r.ConditionType, raw); err == nil {
			r.Condition = cond
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSubmodules(rows pgx.Rows) ([]Submodule, error) {
	var out []Submodule
	for rows.Next() {
		var sub Submodule
		if err := rows.Scan(&sub.ID, &sub.ModuleID, &sub.ParentSubmoduleID, &sub.BranchName,
			&sub.Name, &sub.Description, &sub.SequenceOrder, &sub.IsActive); err != nil {
			return nil, fmt.Errorf("scan submodule: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
