// Package postgres provides the Postgres-backed run ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/store"
)

const defaultTable = "scrape_runs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const runColumns = `id, type, status, arguments, hash, started_at, completed_at, failed_at, failed_error_message, created_at, updated_at`

// Config controls the Postgres connection pool used by the ledger.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RunStore implements store.RunRepository on a single Postgres table.
type RunStore struct {
	pool   pool
	table  string
	ids    scrape.IDGenerator
	hasher scrape.Hasher
	clock  scrape.Clock
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects to Postgres and verifies the connection.
func NewRunStore(
	ctx context.Context,
	cfg Config,
	ids scrape.IDGenerator,
	hasher scrape.Hasher,
	clock scrape.Clock,
) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(p, cfg.Table, ids, hasher, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(
	p pool,
	table string,
	ids scrape.IDGenerator,
	hasher scrape.Hasher,
	clock scrape.Clock,
) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table, ids: ids, hasher: hasher, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Insert stores a pending run.
func (s *RunStore) Insert(ctx context.Context, run scrape.Run) (scrape.Run, error) {
	prepared, err := store.PrepareInsert(run, s.ids, s.hasher, s.clock)
	if err != nil {
		return scrape.Run{}, err
	}
	argsJSON, err := json.Marshal(prepared.Arguments)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("marshal arguments: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, type, status, arguments, hash, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		prepared.ID,
		string(prepared.Type),
		string(prepared.Status),
		argsJSON,
		prepared.Hash,
		prepared.CreatedAt,
		prepared.UpdatedAt,
	); err != nil {
		return scrape.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return prepared, nil
}

// LatestPerHash returns the newest run per hash ordered by updated_at ascending.
func (s *RunStore) LatestPerHash(ctx context.Context, queueType scrape.QueueType) ([]scrape.Run, error) {
	query := fmt.Sprintf(`
SELECT %[2]s FROM (
	SELECT DISTINCT ON (hash) %[2]s
	FROM %[1]s
	WHERE type = $1
	ORDER BY hash, created_at DESC, updated_at DESC, id DESC
) latest
ORDER BY updated_at ASC, id ASC`, s.table, runColumns)
	rows, err := s.pool.Query(ctx, query, string(queueType))
	if err != nil {
		return nil, fmt.Errorf("query latest runs: %w", err)
	}
	defer rows.Close()

	var out []scrape.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest runs: %w", err)
	}
	return out, nil
}

// UpdateStatus applies a status transition. Unknown IDs update zero rows and are not an error.
func (s *RunStore) UpdateStatus(ctx context.Context, update store.StatusUpdate) error {
	if err := store.ValidateUpdate(update); err != nil {
		return err
	}
	sets := []string{"status = $2", "updated_at = $3"}
	args := []any{update.ID, string(update.Status), update.At}
	switch update.Status {
	case scrape.RunProcessing:
		sets = append(sets, "started_at = $3")
	case scrape.RunProcessed:
		sets = append(sets, "completed_at = $3")
	case scrape.RunFailed:
		sets = append(sets, "failed_at = $3", "failed_error_message = $4")
		args = append(args, update.ErrorMessage)
	case scrape.RunPending:
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, s.table, strings.Join(sets, ", "))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// Get returns a run by id.
func (s *RunStore) Get(ctx context.Context, id string) (scrape.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Run{}, store.ErrNotFound
		}
		return scrape.Run{}, err
	}
	return run, nil
}

// Reset deletes runs for queueType, or every run when queueType is nil.
func (s *RunStore) Reset(ctx context.Context, queueType *scrape.QueueType) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if queueType == nil {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	} else {
		tag, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE type = $1`, s.table), string(*queueType))
	}
	if err != nil {
		return 0, fmt.Errorf("reset runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (scrape.Run, error) {
	var (
		run       scrape.Run
		runType   string
		status    string
		arguments []byte
	)
	if err := row.Scan(
		&run.ID,
		&runType,
		&status,
		&arguments,
		&run.Hash,
		&run.StartedAt,
		&run.CompletedAt,
		&run.FailedAt,
		&run.FailedErrorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Run{}, err
		}
		return scrape.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Type = scrape.QueueType(runType)
	run.Status = scrape.RunStatus(status)
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &run.Arguments); err != nil {
			return scrape.Run{}, fmt.Errorf("decode run arguments: %w", err)
		}
	}
	return run, nil
}
