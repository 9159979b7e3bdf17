package hlsf

import "time"

// CacheChunk is one shard of the Token Cache / Remote Chunk Store keyed by
// the single-character prefix rule (Token.Prefix).
type CacheChunk struct {
	Prefix     string
	TokenCount int
	Tokens     []*AdjacencyRecord // sorted by Token ascending
}

// ManifestChunkRef is one entry in a Manifest's chunk list.
type ManifestChunkRef struct {
	Prefix     string `json:"prefix"`
	Href       string `json:"href"`
	TokenCount int    `json:"token_count"`
}

// Manifest describes a remote chunked adjacency store.
type Manifest struct {
	Version             string             `json:"version"`
	GeneratedAt         time.Time          `json:"generated_at"`
	Source              string             `json:"source,omitempty"`
	TotalTokens         int                `json:"total_tokens"`
	TotalRelationships  int                `json:"total_relationships"`
	ChunkPrefixLength   int                `json:"chunk_prefix_length"`
	Chunks              []ManifestChunkRef `json:"chunks"`
	TokenIndexHref      string             `json:"token_index_href,omitempty"`
	TokenIndex          []Token            `json:"token_index,omitempty"`
}

// ChunkForToken resolves which manifest prefix serves t: the exact prefix
// if present, else "_", else the first chunk by insertion order.
func (m *Manifest) ChunkForToken(t Token) string {
	want := t.Prefix()
	hasUnderscore := false
	for _, c := range m.Chunks {
		if c.Prefix == want {
			return want
		}
		if c.Prefix == "_" {
			hasUnderscore = true
		}
	}
	if hasUnderscore {
		return "_"
	}
	if len(m.Chunks) > 0 {
		return m.Chunks[0].Prefix
	}
	return want
}
