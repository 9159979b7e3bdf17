package tokencache

import (
	"context"
	"errors"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// ErrQuotaExceeded is returned by Store.Put when the durable backend has no
// room left. The Token Cache falls back to its in-memory overlay and emits
// a one-time warning rather than propagating this to the caller.
var ErrQuotaExceeded = errors.New("tokencache: quota exceeded")

// ErrNotFound is returned by Store.Get for an absent token.
var ErrNotFound = errors.New("tokencache: not found")

// Store is the durable key/value backend behind the Token Cache. Keys are
// Tokens; values are *hlsf.AdjacencyRecord.
type Store interface {
	Get(ctx context.Context, token hlsf.Token) (*hlsf.AdjacencyRecord, error)
	Put(ctx context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord) error
	Has(ctx context.Context, token hlsf.Token) (bool, error)
	List(ctx context.Context, prefix string) ([]hlsf.Token, error)
	RemoveMany(ctx context.Context, tokens []hlsf.Token) error
	// All returns every record currently held, for index rebuilds and the
	// Global Connection Rule's snapshot merge.
	All(ctx context.Context) ([]*hlsf.AdjacencyRecord, error)
}
