// Package pruner applies weight floors, per-type edge caps, and a global
// relationship budget to an Adjacency Record, producing a deterministically
// ordered, trimmed copy.
package pruner

import (
	"sort"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// DefaultPruneWeightThreshold is applied to any relation without an
// explicit override; also the weight the Synthetic Branch Generator
// assigns to deterministic fallback neighbors.
const DefaultPruneWeightThreshold = 0.18

const defaultFloor = DefaultPruneWeightThreshold

// Options configures one Limit call.
type Options struct {
	// EdgesPerTypeCap bounds how many edges may survive under each
	// relation bucket.
	EdgesPerTypeCap int

	// PriorityTokens marks neighbors that must be favored in the first
	// selection pass and, for global-connect injection, guaranteed
	// reachability targets.
	PriorityTokens map[hlsf.Token]bool

	// RelationshipBudget caps the total surviving edge instances across
	// all buckets. hlsf.Infinite (-1) means unbounded.
	RelationshipBudget int

	// WeightFloor is the default floor for relations without an override;
	// the caller's configured prune threshold. Defaults to 0.18 if 0.
	WeightFloor float64

	// FloorOverrides supplies per-relation floors that take precedence
	// over WeightFloor (e.g. global-connect: 0, hidden-adjacency: 0.05).
	FloorOverrides map[hlsf.RelKey]float64
}

type tuple struct {
	rel      hlsf.RelKey
	neighbor hlsf.Token
	weight   float64
	priority bool
}

// floorFor returns the effective weight floor for rel under opts.
func (o Options) floorFor(rel hlsf.RelKey) float64 {
	if f, ok := o.FloorOverrides[rel]; ok {
		return f
	}
	if rel == hlsf.RelGlobalConnect {
		return 0
	}
	if rel == hlsf.RelHiddenAdjacency {
		return 0.05
	}
	floor := o.WeightFloor
	if floor == 0 {
		floor = defaultFloor
	}
	if floor < defaultFloor {
		floor = defaultFloor
	}
	return floor
}

// Limit prunes record according to opts and returns a new record; the
// input is never mutated. Limit is deterministic and idempotent:
// Limit(Limit(r, opts), opts) == Limit(r, opts).
func Limit(record *hlsf.AdjacencyRecord, opts Options) *hlsf.AdjacencyRecord {
	out := hlsf.NewRecord(record.Token)
	out.CachedAt = record.CachedAt
	out.AttentionScore = record.AttentionScore
	out.Offline = record.Offline
	out.Error = record.Error

	// Step 1: flatten.
	var tuples []tuple
	for rel, edges := range record.Relationships {
		for _, e := range edges {
			tuples = append(tuples, tuple{
				rel:      rel,
				neighbor: e.Neighbor,
				weight:   e.Weight,
				priority: opts.PriorityTokens[e.Neighbor] && e.Neighbor != record.Token,
			})
		}
	}

	// Step 2: drop below floor.
	filtered := tuples[:0]
	for _, tp := range tuples {
		if tp.weight >= opts.floorFor(tp.rel) {
			filtered = append(filtered, tp)
		}
	}
	tuples = filtered

	// Step 3: sort by weight desc, neighbor asc.
	sort.SliceStable(tuples, func(i, j int) bool {
		if tuples[i].weight != tuples[j].weight {
			return tuples[i].weight > tuples[j].weight
		}
		return tuples[i].neighbor < tuples[j].neighbor
	})

	// Step 4: selection.
	edgesPerTypeCap := opts.EdgesPerTypeCap
	if edgesPerTypeCap <= 0 {
		edgesPerTypeCap = len(tuples)
	}
	relationshipBudget := opts.RelationshipBudget
	hardEdgeLimit := edgesPerTypeCap
	if relationshipBudget >= 0 {
		half := relationshipBudget / 2
		if half < hardEdgeLimit {
			hardEdgeLimit = half
		}
	}

	var selected []tuple
	typeCounts := make(map[hlsf.RelKey]int)

	// Pass a: priority tuples first.
	for _, tp := range tuples {
		if !tp.priority {
			continue
		}
		if typeCounts[tp.rel] >= edgesPerTypeCap {
			continue
		}
		if len(selected) >= hardEdgeLimit {
			break
		}
		selected = append(selected, tp)
		typeCounts[tp.rel]++
	}
	// Pass b: remaining tuples.
	for _, tp := range tuples {
		if tp.priority {
			continue
		}
		if typeCounts[tp.rel] >= edgesPerTypeCap {
			continue
		}
		if len(selected) >= hardEdgeLimit {
			break
		}
		selected = append(selected, tp)
		typeCounts[tp.rel]++
	}

	// Step 5: synthetic global-connect injection — only when the record
	// itself is a priority anchor, ensuring reachability to every other
	// priority token not already present.
	if opts.PriorityTokens[record.Token] {
		present := make(map[hlsf.Token]bool)
		for _, tp := range selected {
			if tp.rel == hlsf.RelGlobalConnect {
				present[tp.neighbor] = true
			}
		}
		var priorityTokensSorted []hlsf.Token
		for tok := range opts.PriorityTokens {
			if tok != record.Token {
				priorityTokensSorted = append(priorityTokensSorted, tok)
			}
		}
		sort.Slice(priorityTokensSorted, func(i, j int) bool { return priorityTokensSorted[i] < priorityTokensSorted[j] })
		for _, tok := range priorityTokensSorted {
			if present[tok] {
				continue
			}
			if relationshipBudget >= 0 && len(selected) >= relationshipBudget {
				break
			}
			selected = append(selected, tuple{rel: hlsf.RelGlobalConnect, neighbor: tok, weight: 0.001})
		}
	}

	// Step 6: bucket, resort, recompute.
	for _, tp := range selected {
		out.Relationships[tp.rel] = append(out.Relationships[tp.rel], hlsf.Edge{Neighbor: tp.neighbor, Weight: tp.weight})
	}
	out.SortBuckets()
	out.Recompute()
	return out
}

