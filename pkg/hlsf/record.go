package hlsf

import (
	"sort"
	"strings"
	"time"
)

// AdjacencyRecord is the typed weighted out-edge list for one token.
//
// Invariants enforced by Validate:
//   - for each relation bucket, weights are monotonically non-increasing
//     and ties are broken by ascending neighbor string;
//   - no (relation, neighbor) pair repeats anywhere in the record;
//   - every neighbor string is trimmed and non-empty;
//   - TotalRelationships equals the sum of all bucket lengths;
//   - AttentionScore lies in [0, 1].
type AdjacencyRecord struct {
	Token              Token
	CachedAt           time.Time
	AttentionScore     float64
	TotalRelationships int
	Relationships      map[RelKey][]Edge

	// Offline is set by the Adjacency Fetcher when the LLM collaborator
	// could not be reached; the record carries no relationships.
	Offline bool

	// Error holds a non-empty description when the record resulted from a
	// parse failure; the record is still stored but never counted as growth.
	Error string
}

// NewRecord returns an empty, well-formed record for token.
func NewRecord(token Token) *AdjacencyRecord {
	return &AdjacencyRecord{
		Token:         token,
		CachedAt:      time.Time{},
		Relationships: make(map[RelKey][]Edge),
	}
}

// Clone returns a deep copy of r.
func (r *AdjacencyRecord) Clone() *AdjacencyRecord {
	out := &AdjacencyRecord{
		Token:              r.Token,
		CachedAt:           r.CachedAt,
		AttentionScore:     r.AttentionScore,
		TotalRelationships: r.TotalRelationships,
		Offline:            r.Offline,
		Error:              r.Error,
		Relationships:      make(map[RelKey][]Edge, len(r.Relationships)),
	}
	for rel, edges := range r.Relationships {
		cp := make([]Edge, len(edges))
		copy(cp, edges)
		out.Relationships[rel] = cp
	}
	return out
}

// Recompute recalculates TotalRelationships from the current buckets. Call
// after any direct mutation of Relationships.
func (r *AdjacencyRecord) Recompute() {
	total := 0
	for _, edges := range r.Relationships {
		total += len(edges)
	}
	r.TotalRelationships = total
}

// SortBuckets re-sorts every relation bucket by descending weight, ties
// broken by ascending neighbor — the canonical ordering required
// everywhere edges are emitted.
func (r *AdjacencyRecord) SortBuckets() {
	for rel := range r.Relationships {
		edges := r.Relationships[rel]
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].Weight != edges[j].Weight {
				return edges[i].Weight > edges[j].Weight
			}
			return edges[i].Neighbor < edges[j].Neighbor
		})
		r.Relationships[rel] = edges
	}
}

// Validate checks the structural invariants described on AdjacencyRecord.
func (r *AdjacencyRecord) Validate() error {
	seen := make(map[RelKey]map[Token]bool)
	total := 0
	for rel, edges := range r.Relationships {
		seen[rel] = make(map[Token]bool, len(edges))
		prevWeight := 1.0
		prevNeighbor := Token("")
		for i, e := range edges {
			if strings.TrimSpace(string(e.Neighbor)) == "" {
				return NewCoreError(KindInvalidToken, "adjacency record: empty neighbor under "+string(rel))
			}
			if seen[rel][e.Neighbor] {
				return NewCoreError(KindInvalidToken, "adjacency record: duplicate neighbor "+string(e.Neighbor)+" under "+string(rel))
			}
			seen[rel][e.Neighbor] = true
			if i > 0 {
				if e.Weight > prevWeight {
					return NewCoreError(KindInvalidToken, "adjacency record: non-monotonic weights under "+string(rel))
				}
				if e.Weight == prevWeight && e.Neighbor < prevNeighbor {
					return NewCoreError(KindInvalidToken, "adjacency record: tie-break order violated under "+string(rel))
				}
			}
			prevWeight, prevNeighbor = e.Weight, e.Neighbor
		}
		total += len(edges)
	}
	if total != r.TotalRelationships {
		return NewCoreError(KindInvalidToken, "adjacency record: total_relationships mismatch")
	}
	if r.AttentionScore < 0 || r.AttentionScore > 1 {
		return NewCoreError(KindInvalidToken, "adjacency record: attention_score out of range")
	}
	return nil
}

// Grew reports whether new has strictly more information than old, per the
// "adjacency grew" definition: some (rel, neighbor) edge is new, or an
// existing edge's weight increased by more than epsilon.
func Grew(old, new *AdjacencyRecord, epsilon float64) bool {
	if old == nil {
		return new != nil && new.TotalRelationships > 0
	}
	if new == nil {
		return false
	}
	for rel, edges := range new.Relationships {
		oldByNeighbor := map[Token]float64{}
		for _, e := range old.Relationships[rel] {
			oldByNeighbor[e.Neighbor] = e.Weight
		}
		for _, e := range edges {
			prev, ok := oldByNeighbor[e.Neighbor]
			if !ok {
				return true
			}
			if e.Weight-prev > epsilon {
				return true
			}
		}
	}
	return false
}

// GrowthEpsilon is the tolerance used by Grew when comparing weights.
const GrowthEpsilon = 1e-6
