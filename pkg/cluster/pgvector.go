package cluster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// ANNPrefilter narrows the candidate neighbor set Cluster considers for a
// token before computing full affinity, so label propagation over a large
// graph doesn't have to score every direct/one-hop pair. Cluster works
// without one; wiring a prefilter only matters once the index is too big
// to score exhaustively.
type ANNPrefilter interface {
	TopK(ctx context.Context, embedding []float32, k int) ([]hlsf.Token, error)
}

// PostgresPrefilter queries a pgvector table for the k nearest tokens to a
// query embedding by cosine distance (the `<=>` operator).
type PostgresPrefilter struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresPrefilter returns a prefilter querying table, which must carry
// a "token text" column and an "embedding vector" column.
func NewPostgresPrefilter(pool *pgxpool.Pool, table string) *PostgresPrefilter {
	return &PostgresPrefilter{pool: pool, table: table}
}

// TopK returns the k tokens whose embeddings are closest to embedding,
// ordered by ascending cosine distance.
func (p *PostgresPrefilter) TopK(ctx context.Context, embedding []float32, k int) ([]hlsf.Token, error) {
	q := fmt.Sprintf(`SELECT token FROM %s ORDER BY embedding <=> $1 LIMIT $2`, p.table)

	queryVec := pgvector.NewVector(embedding)
	rows, err := p.pool.Query(ctx, q, queryVec, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hlsf.Token
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		out = append(out, hlsf.Token(tok))
	}
	return out, rows.Err()
}
