// Package chunkstore implements the Remote Chunk Store: a sharded
// read-through store keyed by Token prefix, serving records the Token
// Cache has not yet seen and mirroring new work back to a manifest.
package chunkstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/hlsf-engine/hlsf-core/internal/observe"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/tokencache"
)

// maxPreloadConcurrency is the hard ceiling on parallel chunk fetches,
// regardless of configured concurrency or hardware thread count.
const maxPreloadConcurrency = 6

// TokenSink is the subset of the Token Cache's contract the Remote Chunk
// Store needs to ingest preloaded records. *tokencache.Cache satisfies
// this interface.
type TokenSink interface {
	Has(ctx context.Context, token hlsf.Token) bool

	// HasAdjacency reports whether token is cached with a non-empty
	// adjacency record (TotalRelationships > 0). An offline/empty stub
	// written by an earlier miss must not count — PreloadTokens needs to
	// overwrite it once a real chunk is available.
	HasAdjacency(ctx context.Context, token hlsf.Token) bool

	Put(ctx context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord, opts tokencache.PutOptions) (bool, error)
}

// Recorder is the local source of truth used by AttachRecorder when no
// remote manifest URL is configured: an in-process chunk producer (e.g.
// the file-mirrored Token Cache) that can stand in for a remote store.
type Recorder interface {
	Chunks(ctx context.Context) ([]*hlsf.CacheChunk, error)
}

// Store is the Remote Chunk Store.
type Store struct {
	httpClient *http.Client
	metrics    *observe.Metrics

	mu       sync.RWMutex
	manifest *hlsf.Manifest
	chunks   map[string]*hlsf.CacheChunk // prefix -> loaded chunk
	ready    bool
	recorder Recorder
}

// New creates an unconfigured Store. Call Configure or AttachRecorder
// before PreloadTokens.
func New(httpClient *http.Client, metrics *observe.Metrics) *Store {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Store{
		httpClient: httpClient,
		metrics:    metrics,
		chunks:     make(map[string]*hlsf.CacheChunk),
	}
}

// Configure fetches the manifest at manifestURL, parses its chunk list,
// resets the in-memory chunk cache, and marks the store ready.
func (s *Store) Configure(ctx context.Context, manifestURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return hlsf.WrapCoreError(hlsf.KindInvalidManifest, "chunkstore: build request", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return hlsf.WrapCoreError(hlsf.KindInvalidManifest, "chunkstore: fetch manifest", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return hlsf.WrapCoreError(hlsf.KindInvalidManifest, "chunkstore: read manifest body", err)
	}

	manifest, err := ParseManifest(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.manifest = manifest
	s.chunks = make(map[string]*hlsf.CacheChunk)
	s.ready = true
	s.recorder = nil
	s.mu.Unlock()
	return nil
}

// AttachRecorder configures the store from a local Recorder instead of a
// remote manifest URL, deriving a manifest from its in-memory chunks.
func (s *Store) AttachRecorder(ctx context.Context, rec Recorder) error {
	chunks, err := rec.Chunks(ctx)
	if err != nil {
		return hlsf.WrapCoreError(hlsf.KindInvalidManifest, "chunkstore: attach recorder", err)
	}

	manifest := &hlsf.Manifest{
		Version:           "2.1",
		GeneratedAt:       time.Now().UTC(),
		ChunkPrefixLength: 1,
	}
	s.mu.Lock()
	s.manifest = manifest
	s.chunks = make(map[string]*hlsf.CacheChunk, len(chunks))
	for _, c := range chunks {
		s.chunks[c.Prefix] = c
		manifest.Chunks = append(manifest.Chunks, hlsf.ManifestChunkRef{Prefix: c.Prefix, TokenCount: c.TokenCount})
		manifest.TotalTokens += c.TokenCount
	}
	sort.Slice(manifest.Chunks, func(i, j int) bool { return manifest.Chunks[i].Prefix < manifest.Chunks[j].Prefix })
	s.ready = true
	s.recorder = rec
	s.mu.Unlock()
	return nil
}

// Ready reports whether the store has a usable manifest.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// PreloadResult reports the outcome of a PreloadTokens call.
type PreloadResult struct {
	Loaded int // tokens newly ingested into the sink
	Hits   int // tokens already present in the sink, skipped
}

// PreloadTokens deduplicates tokens, partitions them by chunk prefix,
// fetches at most K chunks in parallel (K derived from
// remoteChunkConcurrency, capped at maxPreloadConcurrency, minimum 1), and
// ingests each chunk's records into sink — but only for tokens sink does
// not already hold with non-empty adjacency.
func (s *Store) PreloadTokens(ctx context.Context, tokens []hlsf.Token, sink TokenSink, remoteChunkConcurrency int) (PreloadResult, error) {
	if !s.Ready() {
		return PreloadResult{}, hlsf.NewCoreError(hlsf.KindInvalidManifest, "chunkstore: not configured")
	}

	s.mu.RLock()
	manifest := s.manifest
	s.mu.RUnlock()

	prefixes := make(map[string]bool)
	dedup := make(map[hlsf.Token]bool)
	for _, tok := range tokens {
		if dedup[tok] {
			continue
		}
		dedup[tok] = true
		if manifest != nil {
			prefixes[manifest.ChunkForToken(tok)] = true
		} else {
			prefixes[tok.Prefix()] = true
		}
	}

	k := remoteChunkConcurrency
	if k <= 0 {
		k = runtime.NumCPU()
	}
	if k > maxPreloadConcurrency {
		k = maxPreloadConcurrency
	}
	if k < 1 {
		k = 1
	}

	prefixList := make([]string, 0, len(prefixes))
	for p := range prefixes {
		prefixList = append(prefixList, p)
	}
	sort.Strings(prefixList)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k)
	fetchedChunks := make([]*hlsf.CacheChunk, len(prefixList))
	for i, prefix := range prefixList {
		i, prefix := i, prefix
		g.Go(func() error {
			chunk, err := s.fetchChunk(gctx, prefix)
			if err != nil {
				return err
			}
			fetchedChunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PreloadResult{}, err
	}

	var result PreloadResult
	for _, chunk := range fetchedChunks {
		if chunk == nil {
			continue
		}
		for _, rec := range chunk.Tokens {
			if !dedup[rec.Token] {
				continue
			}
			if sink.HasAdjacency(ctx, rec.Token) {
				result.Hits++
				continue
			}
			if _, err := sink.Put(ctx, rec.Token, rec, tokencache.PutOptions{DeferReload: true}); err != nil {
				continue
			}
			result.Loaded++
		}
	}
	return result, nil
}

// fetchChunk returns the chunk for prefix (already resolved against the
// manifest's fallback rule), using the in-memory chunk cache to avoid
// refetching it within the store's lifetime.
func (s *Store) fetchChunk(ctx context.Context, prefix string) (*hlsf.CacheChunk, error) {
	s.mu.RLock()
	cached, ok := s.chunks[prefix]
	recorder := s.recorder
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	start := time.Now()
	var chunk *hlsf.CacheChunk
	var err error
	if recorder != nil {
		chunk, err = s.fetchFromRecorder(ctx, prefix)
	} else {
		chunk, err = s.fetchFromHref(ctx, prefix)
	}
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			s.metrics.RecordFetchError(ctx, "rcs")
		}
		s.metrics.ChunkFetchDuration.Record(ctx, time.Since(start).Seconds())
		s.metrics.RecordFetch(ctx, "rcs", status)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.chunks[prefix] = chunk
	s.mu.Unlock()
	return chunk, nil
}

func (s *Store) fetchFromRecorder(ctx context.Context, prefix string) (*hlsf.CacheChunk, error) {
	chunks, err := s.recorder.Chunks(ctx)
	if err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "chunkstore: recorder chunks", err)
	}
	for _, c := range chunks {
		if c.Prefix == prefix {
			return c, nil
		}
	}
	return &hlsf.CacheChunk{Prefix: prefix}, nil
}

func (s *Store) fetchFromHref(ctx context.Context, prefix string) (*hlsf.CacheChunk, error) {
	s.mu.RLock()
	manifest := s.manifest
	s.mu.RUnlock()
	if manifest == nil {
		return nil, hlsf.NewCoreError(hlsf.KindInvalidManifest, "chunkstore: no manifest")
	}

	var href string
	for _, c := range manifest.Chunks {
		if c.Prefix == prefix {
			href = c.Href
			break
		}
	}
	if href == "" {
		return &hlsf.CacheChunk{Prefix: prefix}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "chunkstore: build chunk request", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "chunkstore: fetch chunk "+prefix, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "chunkstore: read chunk body "+prefix, err)
	}
	return ParseChunk(body)
}

// ListTokens returns every token currently present in loaded chunks.
func (s *Store) ListTokens() []hlsf.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []hlsf.Token
	for _, c := range s.chunks {
		for _, r := range c.Tokens {
			out = append(out, r.Token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Metadata returns the currently configured manifest, or nil if unconfigured.
func (s *Store) Metadata() *hlsf.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

// invalidationMessage is the wire shape of a manifest invalidation push:
// the upstream store tells us a prefix's chunk changed so our next fetch
// re-pulls it instead of serving the stale cached copy.
type invalidationMessage struct {
	Prefix string `json:"prefix"`
}

// WatchManifest dials wsURL and applies invalidation pushes as they arrive,
// dropping the named prefix from the in-memory chunk cache so the next
// PreloadTokens/fetchChunk call re-fetches it. It blocks until ctx is
// cancelled or the connection fails, and is meant to be run in its own
// goroutine alongside the polling Configure/PreloadTokens path.
func (s *Store) WatchManifest(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return hlsf.WrapCoreError(hlsf.KindInvalidManifest, "chunkstore: dial manifest watch", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch stopped")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return hlsf.WrapCoreError(hlsf.KindInvalidManifest, "chunkstore: manifest watch read", err)
		}
		var msg invalidationMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Prefix == "" {
			slog.Warn("chunkstore: dropping malformed invalidation push", "raw", string(data))
			continue
		}
		s.mu.Lock()
		delete(s.chunks, msg.Prefix)
		s.mu.Unlock()
		slog.Debug("chunkstore: invalidated cached chunk", "prefix", msg.Prefix)
	}
}

// wireManifest mirrors the manifest JSON shape. ParseManifest tries a
// strict decode first and falls back to gjson extraction of the chunk list
// for malformed documents.
type wireManifest struct {
	Version            string                  `json:"version"`
	GeneratedAt        time.Time               `json:"generated_at"`
	Source             string                  `json:"source"`
	TotalTokens        int                     `json:"total_tokens"`
	TotalRelationships int                     `json:"total_relationships"`
	ChunkPrefixLength  int                     `json:"chunk_prefix_length"`
	Chunks             []hlsf.ManifestChunkRef `json:"chunks"`
	TokenIndexHref     string                  `json:"token_index_href"`
}

// ParseManifest decodes a manifest document, falling back to a permissive
// gjson-based extraction of the chunk list if strict JSON decoding fails.
func ParseManifest(body []byte) (*hlsf.Manifest, error) {
	var w wireManifest
	if err := json.Unmarshal(body, &w); err == nil {
		return &hlsf.Manifest{
			Version:            w.Version,
			GeneratedAt:        w.GeneratedAt,
			Source:             w.Source,
			TotalTokens:        w.TotalTokens,
			TotalRelationships: w.TotalRelationships,
			ChunkPrefixLength:  w.ChunkPrefixLength,
			Chunks:             w.Chunks,
			TokenIndexHref:     w.TokenIndexHref,
		}, nil
	}

	result := gjson.ParseBytes(body)
	if !result.Get("chunks").IsArray() {
		return nil, hlsf.NewCoreError(hlsf.KindInvalidManifest, "chunkstore: manifest has no chunks array")
	}
	m := &hlsf.Manifest{
		Version:           result.Get("version").String(),
		ChunkPrefixLength:  1,
		TotalTokens:        int(result.Get("total_tokens").Int()),
		TotalRelationships: int(result.Get("total_relationships").Int()),
	}
	for _, c := range result.Get("chunks").Array() {
		m.Chunks = append(m.Chunks, hlsf.ManifestChunkRef{
			Prefix:     c.Get("prefix").String(),
			Href:       c.Get("href").String(),
			TokenCount: int(c.Get("token_count").Int()),
		})
	}
	return m, nil
}

// ParseChunk decodes a chunk document strictly; a malformed chunk is
// rejected with a KindInvalidChunk error, with no permissive fallback.
func ParseChunk(body []byte) (*hlsf.CacheChunk, error) {
	type wireEdge struct {
		Token  hlsf.Token `json:"token"`
		Weight float64    `json:"weight"`
	}
	type wireRecord struct {
		Token              hlsf.Token                 `json:"token"`
		AttentionScore     float64                    `json:"attention_score"`
		TotalRelationships int                         `json:"total_relationships"`
		Relationships      map[hlsf.RelKey][]wireEdge `json:"relationships"`
	}
	type wireChunk struct {
		Prefix     string       `json:"prefix"`
		TokenCount int          `json:"token_count"`
		Tokens     []wireRecord `json:"tokens"`
	}

	var w wireChunk
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "chunkstore: decode chunk", err)
	}

	chunk := &hlsf.CacheChunk{Prefix: w.Prefix, TokenCount: w.TokenCount}
	for _, wr := range w.Tokens {
		rec := hlsf.NewRecord(wr.Token)
		rec.AttentionScore = wr.AttentionScore
		rec.TotalRelationships = wr.TotalRelationships
		for rel, edges := range wr.Relationships {
			es := make([]hlsf.Edge, len(edges))
			for i, e := range edges {
				es[i] = hlsf.Edge{Neighbor: e.Token, Weight: e.Weight}
			}
			rec.Relationships[rel] = es
		}
		chunk.Tokens = append(chunk.Tokens, rec)
	}
	return chunk, nil
}
