// Package tokencache implements the Token Cache: an in-memory overlay over
// a durable [Store], enforcing the Global Connection Rule on every write
// and reporting whether a put grew a record's adjacency.
package tokencache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// globalConnectFloor is the minimum weight the Global Connection Rule
// guarantees between every pair of records in the live snapshot.
const globalConnectFloor = 0.05

// PutOptions configures one Put call.
type PutOptions struct {
	// DeferReload skips immediately re-reading the record back out of the
	// durable store after writing (callers that already hold the record
	// they just wrote can set this to avoid a redundant round trip).
	DeferReload bool
}

// Cache is the Token Cache: an in-memory overlay with get/put/has/list/
// remove_many/index_rebuild operations, optionally mirrored to a durable
// backing Store.
type Cache struct {
	overlay *MemStore
	durable Store

	mu        sync.Mutex // guards the GCR snapshot pass
	cacheHits atomic.Int64

	quotaWarned atomic.Bool
}

// New creates a Cache backed by durable. If durable is nil, the overlay
// alone is authoritative (suitable for tests and ephemeral runs).
func New(durable Store) *Cache {
	return &Cache{
		overlay: NewMemStore(),
		durable: durable,
	}
}

// Get returns the in-memory overlay value if present; else reads the
// durable store; returns (nil, false) if absent in both. Never returns an
// error: decode errors are treated as a miss. Increments the session
// cache-hit counter on a hit.
func (c *Cache) Get(ctx context.Context, token hlsf.Token) (*hlsf.AdjacencyRecord, bool) {
	if r, err := c.overlay.Get(ctx, token); err == nil {
		c.cacheHits.Add(1)
		return r, true
	}
	if c.durable == nil {
		return nil, false
	}
	r, err := c.durable.Get(ctx, token)
	if err != nil {
		return nil, false
	}
	c.cacheHits.Add(1)
	return r, true
}

// Has reports whether token is present in the overlay or durable store.
func (c *Cache) Has(ctx context.Context, token hlsf.Token) bool {
	if ok, _ := c.overlay.Has(ctx, token); ok {
		return true
	}
	if c.durable == nil {
		return false
	}
	ok, _ := c.durable.Has(ctx, token)
	return ok
}

// HasAdjacency reports whether token is cached with at least one
// relationship. An offline/error stub (TotalRelationships == 0) does not
// count, so callers deciding whether a real record still needs fetching
// can tell it apart from an actually-resolved token.
func (c *Cache) HasAdjacency(ctx context.Context, token hlsf.Token) bool {
	rec, ok := c.Get(ctx, token)
	return ok && rec.TotalRelationships > 0
}

// List returns every known token, optionally restricted to prefix.
func (c *Cache) List(ctx context.Context, prefix string) []hlsf.Token {
	seen := make(map[hlsf.Token]bool)
	var out []hlsf.Token
	add := func(toks []hlsf.Token) {
		for _, t := range toks {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	overlayToks, _ := c.overlay.List(ctx, prefix)
	add(overlayToks)
	if c.durable != nil {
		durableToks, _ := c.durable.List(ctx, prefix)
		add(durableToks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveMany deletes tokens from both the overlay and the durable store.
func (c *Cache) RemoveMany(ctx context.Context, tokens []hlsf.Token) error {
	_ = c.overlay.RemoveMany(ctx, tokens)
	if c.durable != nil {
		return c.durable.RemoveMany(ctx, tokens)
	}
	return nil
}

// Put writes record for token: stamps CachedAt if unset, applies the
// Global Connection Rule against the current snapshot, persists to the
// durable store (falling back silently to the overlay on quota
// exhaustion), and reports whether the adjacency grew relative to the
// prior stored record.
func (c *Cache) Put(ctx context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord, opts PutOptions) (bool, error) {
	if err := record.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prior, _ := c.Get(ctx, token)

	next := record.Clone()
	next.Token = token
	if next.CachedAt.IsZero() {
		next.CachedAt = nowFunc()
	}

	changed := c.applyGlobalConnectionRule(ctx, token, next)

	grew := hlsf.Grew(prior, next, hlsf.GrowthEpsilon)

	if err := c.writeThrough(ctx, token, next); err != nil {
		return grew, err
	}
	for tok, rec := range changed {
		if tok == token {
			continue
		}
		_ = c.writeThrough(ctx, tok, rec)
	}

	if !opts.DeferReload {
		_, _ = c.Get(ctx, token)
	}
	return grew, nil
}

// writeThrough persists rec to the durable store (if any) and the overlay,
// falling back to overlay-only on quota exhaustion.
func (c *Cache) writeThrough(ctx context.Context, token hlsf.Token, rec *hlsf.AdjacencyRecord) error {
	_ = c.overlay.Put(ctx, token, rec)
	if c.durable == nil {
		return nil
	}
	if err := c.durable.Put(ctx, token, rec); err != nil {
		if err == ErrQuotaExceeded {
			if !c.quotaWarned.Swap(true) {
				slog.Warn("tokencache: durable store quota exceeded, falling back to in-memory overlay",
					"token", string(token))
			}
			return nil
		}
		return err
	}
	return nil
}

// applyGlobalConnectionRule ensures a global-connect edge exists in both
// directions between next and every other record in the live snapshot,
// with weight max(existing, globalConnectFloor). The rule is idempotent:
// it only touches edges whose weight is strictly below the floor or
// missing entirely. Returns the set of other records it modified, keyed by
// token, so the caller can re-persist them.
func (c *Cache) applyGlobalConnectionRule(ctx context.Context, token hlsf.Token, next *hlsf.AdjacencyRecord) map[hlsf.Token]*hlsf.AdjacencyRecord {
	snapshot := c.snapshot(ctx)
	changed := make(map[hlsf.Token]*hlsf.AdjacencyRecord)

	for _, other := range snapshot {
		if other.Token == token {
			continue
		}
		if ensureGlobalConnect(next, other.Token) {
			changed[token] = next
		}
		otherCopy, ok := changed[other.Token]
		if !ok {
			otherCopy = other.Clone()
		}
		if ensureGlobalConnect(otherCopy, token) {
			changed[other.Token] = otherCopy
		}
	}
	next.Recompute()
	next.SortBuckets()
	for _, rec := range changed {
		rec.Recompute()
		rec.SortBuckets()
	}
	return changed
}

// ensureGlobalConnect adds or strengthens a global-connect edge from r to
// neighbor so its weight is at least globalConnectFloor. Returns whether r
// was modified.
func ensureGlobalConnect(r *hlsf.AdjacencyRecord, neighbor hlsf.Token) bool {
	edges := r.Relationships[hlsf.RelGlobalConnect]
	for i, e := range edges {
		if e.Neighbor == neighbor {
			if e.Weight < globalConnectFloor {
				edges[i].Weight = globalConnectFloor
				r.Relationships[hlsf.RelGlobalConnect] = edges
				return true
			}
			return false
		}
	}
	r.Relationships[hlsf.RelGlobalConnect] = append(edges, hlsf.Edge{Neighbor: neighbor, Weight: globalConnectFloor})
	return true
}

// snapshot returns the current set of live records: the overlay's records
// plus, when a durable store is configured, everything it holds that is
// not already overlaid.
func (c *Cache) snapshot(ctx context.Context) []*hlsf.AdjacencyRecord {
	overlayAll, _ := c.overlay.All(ctx)
	seen := make(map[hlsf.Token]bool, len(overlayAll))
	out := make([]*hlsf.AdjacencyRecord, 0, len(overlayAll))
	for _, r := range overlayAll {
		seen[r.Token] = true
		out = append(out, r)
	}
	if c.durable != nil {
		durableAll, _ := c.durable.All(ctx)
		for _, r := range durableAll {
			if !seen[r.Token] {
				out = append(out, r)
			}
		}
	}
	return out
}

// IndexRebuild walks the durable store (falling back to the overlay) and
// returns a sorted token index.
func (c *Cache) IndexRebuild(ctx context.Context) ([]hlsf.Token, error) {
	records := c.snapshot(ctx)
	out := make([]hlsf.Token, len(records))
	for i, r := range records {
		out[i] = r.Token
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CacheHits returns the session cache-hit counter.
func (c *Cache) CacheHits() int64 {
	return c.cacheHits.Load()
}

// nowFunc is overridable in tests for deterministic CachedAt stamping.
var nowFunc = defaultNow
