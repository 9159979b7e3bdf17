package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// Schema is the SQL DDL for the adjacency_records table backing [PostgresStore].
const Schema = `
CREATE TABLE IF NOT EXISTS adjacency_records (
    token    TEXT PRIMARY KEY,
    prefix   TEXT NOT NULL,
    payload  JSONB NOT NULL,
    cached_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_adjacency_records_prefix ON adjacency_records(prefix);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the optional durable [Store] backend for the Token
// Cache, storing one row per token with a JSONB adjacency payload.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a PostgresStore over db. Callers must invoke
// Migrate once before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the adjacency_records table and indexes if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("tokencache: pgstore: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, token hlsf.Token) (*hlsf.AdjacencyRecord, error) {
	const query = `SELECT payload FROM adjacency_records WHERE token = $1`
	var payload []byte
	err := s.db.QueryRow(ctx, query, string(token)).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokencache: pgstore: get %q: %w", token, err)
	}
	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "pgstore: decode "+string(token), err)
	}
	return w.toRecord(), nil
}

func (s *PostgresStore) Put(ctx context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord) error {
	payload, err := json.Marshal(fromRecord(record))
	if err != nil {
		return fmt.Errorf("tokencache: pgstore: marshal %q: %w", token, err)
	}
	const query = `
		INSERT INTO adjacency_records (token, prefix, payload, cached_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token) DO UPDATE SET payload = $3, cached_at = now()`
	if _, err := s.db.Exec(ctx, query, string(token), token.Prefix(), payload); err != nil {
		if isQuotaError(err) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("tokencache: pgstore: put %q: %w", token, err)
	}
	return nil
}

func (s *PostgresStore) Has(ctx context.Context, token hlsf.Token) (bool, error) {
	const query = `SELECT 1 FROM adjacency_records WHERE token = $1`
	var dummy int
	err := s.db.QueryRow(ctx, query, string(token)).Scan(&dummy)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tokencache: pgstore: has %q: %w", token, err)
	}
	return true, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]hlsf.Token, error) {
	var rows pgx.Rows
	var err error
	if prefix == "" {
		rows, err = s.db.Query(ctx, `SELECT token FROM adjacency_records ORDER BY token`)
	} else {
		rows, err = s.db.Query(ctx, `SELECT token FROM adjacency_records WHERE prefix = $1 ORDER BY token`, prefix)
	}
	if err != nil {
		return nil, fmt.Errorf("tokencache: pgstore: list: %w", err)
	}
	defer rows.Close()

	var out []hlsf.Token
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, fmt.Errorf("tokencache: pgstore: list scan: %w", err)
		}
		out = append(out, hlsf.Token(tok))
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveMany(ctx context.Context, tokens []hlsf.Token) error {
	strs := make([]string, len(tokens))
	for i, t := range tokens {
		strs[i] = string(t)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM adjacency_records WHERE token = ANY($1)`, strs); err != nil {
		return fmt.Errorf("tokencache: pgstore: remove_many: %w", err)
	}
	return nil
}

func (s *PostgresStore) All(ctx context.Context) ([]*hlsf.AdjacencyRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT payload FROM adjacency_records ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("tokencache: pgstore: all: %w", err)
	}
	defer rows.Close()

	var out []*hlsf.AdjacencyRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tokencache: pgstore: all scan: %w", err)
		}
		var w wireRecord
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "pgstore: decode row", err)
		}
		out = append(out, w.toRecord())
	}
	return out, rows.Err()
}

// isQuotaError reports whether err indicates the database has exhausted
// its storage quota (e.g. disk_full / out_of_memory SQLSTATE classes).
func isQuotaError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53100", "53200", "53300": // disk_full, out_of_memory, too_many_connections
			return true
		}
	}
	return false
}
