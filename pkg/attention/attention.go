// Package attention implements the Attention Scorer: a pure function
// over an Adjacency Record's edges that summarizes how much weight the
// token carries relative to its fan-out.
package attention

import (
	"context"
	"math"

	"github.com/hlsf-engine/hlsf-core/internal/observe"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/relation"
)

// Score computes attention = (Σ weight·priority(rel)) / max(1, edge_count),
// rounded to 3 decimals, and returns a copy of rec with AttentionScore and
// TotalRelationships set. The input is never mutated; the operation is
// idempotent — scoring an already-scored record reproduces the same value.
func Score(rec *hlsf.AdjacencyRecord) *hlsf.AdjacencyRecord {
	out := rec.Clone()

	var weighted float64
	edgeCount := 0
	for rel, edges := range out.Relationships {
		priority := relation.Priority(rel)
		for _, e := range edges {
			weighted += e.Weight * priority
			edgeCount++
		}
	}

	denom := edgeCount
	if denom < 1 {
		denom = 1
	}
	out.AttentionScore = round3(weighted / float64(denom))
	out.TotalRelationships = edgeCount
	return out
}

// ScoreAll scores every record in records, returning a new map. Emits one
// AttentionScore histogram observation per record when metrics is non-nil.
func ScoreAll(ctx context.Context, records map[hlsf.Token]*hlsf.AdjacencyRecord, metrics *observe.Metrics) map[hlsf.Token]*hlsf.AdjacencyRecord {
	out := make(map[hlsf.Token]*hlsf.AdjacencyRecord, len(records))
	for tok, rec := range records {
		scored := Score(rec)
		out[tok] = scored
		if metrics != nil {
			metrics.AttentionScore.Record(ctx, scored.AttentionScore)
		}
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
