package tokencache

import (
	"time"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// wireChunk is the on-disk / wire JSON shape of a Cache Chunk, using the
// same prefix/token_count/tokens fields as the Remote Chunk Store's chunk
// documents so chunk files interoperate between the two.
type wireChunk struct {
	Prefix     string            `json:"prefix"`
	TokenCount int               `json:"token_count"`
	Tokens     []wireRecord      `json:"tokens"`
}

type wireEdge struct {
	Token  hlsf.Token `json:"token"`
	Weight float64    `json:"weight"`
}

type wireRecord struct {
	Token              hlsf.Token                `json:"token"`
	CachedAt           time.Time                 `json:"cached_at"`
	AttentionScore     float64                   `json:"attention_score"`
	TotalRelationships int                        `json:"total_relationships"`
	Relationships      map[hlsf.RelKey][]wireEdge `json:"relationships"`
	Offline            bool                       `json:"offline,omitempty"`
	Error              string                     `json:"error,omitempty"`
}

func fromRecord(r *hlsf.AdjacencyRecord) wireRecord {
	w := wireRecord{
		Token:              r.Token,
		CachedAt:           r.CachedAt,
		AttentionScore:     r.AttentionScore,
		TotalRelationships: r.TotalRelationships,
		Offline:            r.Offline,
		Error:              r.Error,
		Relationships:      make(map[hlsf.RelKey][]wireEdge, len(r.Relationships)),
	}
	for rel, edges := range r.Relationships {
		we := make([]wireEdge, len(edges))
		for i, e := range edges {
			we[i] = wireEdge{Token: e.Neighbor, Weight: e.Weight}
		}
		w.Relationships[rel] = we
	}
	return w
}

func (w wireRecord) toRecord() *hlsf.AdjacencyRecord {
	r := hlsf.NewRecord(w.Token)
	r.CachedAt = w.CachedAt
	r.AttentionScore = w.AttentionScore
	r.TotalRelationships = w.TotalRelationships
	r.Offline = w.Offline
	r.Error = w.Error
	for rel, edges := range w.Relationships {
		es := make([]hlsf.Edge, len(edges))
		for i, e := range edges {
			es[i] = hlsf.Edge{Neighbor: e.Token, Weight: e.Weight}
		}
		r.Relationships[rel] = es
	}
	return r
}
