package chunkstore_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hlsf-engine/hlsf-core/pkg/chunkstore"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/tokencache"
)

type fakeSink struct {
	cache *tokencache.Cache
}

func newFakeSink() *fakeSink {
	return &fakeSink{cache: tokencache.New(nil)}
}

func (f *fakeSink) Has(ctx context.Context, token hlsf.Token) bool {
	return f.cache.Has(ctx, token)
}

func (f *fakeSink) HasAdjacency(ctx context.Context, token hlsf.Token) bool {
	return f.cache.HasAdjacency(ctx, token)
}

func (f *fakeSink) Put(ctx context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord, opts tokencache.PutOptions) (bool, error) {
	return f.cache.Put(ctx, token, record, opts)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"version":             "2.1",
			"generated_at":        "2026-01-01T00:00:00Z",
			"total_tokens":        2,
			"chunk_prefix_length": 1,
			"chunks": []map[string]any{
				{"prefix": "a", "href": "/chunks/a.json", "token_count": 1},
				{"prefix": "b", "href": "/chunks/b.json", "token_count": 1},
			},
		})
	})
	mux.HandleFunc("/chunks/a.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"prefix":      "a",
			"token_count": 1,
			"tokens": []map[string]any{
				{
					"token":               "apple",
					"attention_score":     0.4,
					"total_relationships": 1,
					"relationships": map[string]any{
						"≡": []map[string]any{{"token": "fruit", "weight": 0.8}},
					},
				},
			},
		})
	})
	mux.HandleFunc("/chunks/b.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"prefix":      "b",
			"token_count": 1,
			"tokens": []map[string]any{
				{"token": "banana", "attention_score": 0.3, "total_relationships": 0},
			},
		})
	})
	return httptest.NewServer(mux)
}

func TestStore_ConfigureAndPreload(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	store := chunkstore.New(srv.Client(), nil)
	ctx := context.Background()
	if err := store.Configure(ctx, srv.URL+"/manifest.json"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !store.Ready() {
		t.Fatal("expected store to be ready after Configure")
	}

	sink := newFakeSink()
	result, err := store.PreloadTokens(ctx, []hlsf.Token{"apple", "banana"}, sink, 0)
	if err != nil {
		t.Fatalf("PreloadTokens: %v", err)
	}
	if result.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", result.Loaded)
	}

	got, ok := sink.cache.Get(ctx, "apple")
	if !ok {
		t.Fatal("expected apple to be ingested into sink")
	}
	if len(got.Relationships["≡"]) != 1 {
		t.Errorf("apple relationships = %+v, want 1 entry", got.Relationships)
	}
}

func TestStore_PreloadSkipsTokensAlreadyCachedWithAdjacency(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	store := chunkstore.New(srv.Client(), nil)
	ctx := context.Background()
	if err := store.Configure(ctx, srv.URL+"/manifest.json"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	sink := newFakeSink()
	pre := hlsf.NewRecord("apple")
	pre.Relationships["≡"] = []hlsf.Edge{{Neighbor: "core", Weight: 0.5}}
	pre.Recompute()
	if _, err := sink.cache.Put(ctx, "apple", pre, tokencache.PutOptions{}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	result, err := store.PreloadTokens(ctx, []hlsf.Token{"apple", "banana"}, sink, 0)
	if err != nil {
		t.Fatalf("PreloadTokens: %v", err)
	}
	if result.Hits != 1 {
		t.Errorf("Hits = %d, want 1", result.Hits)
	}
	if result.Loaded != 1 {
		t.Errorf("Loaded = %d, want 1", result.Loaded)
	}
	got, _ := sink.cache.Get(ctx, "apple")
	if len(got.Relationships["≡"]) != 1 || got.Relationships["≡"][0].Neighbor != "core" {
		t.Errorf("expected the pre-seeded non-empty record to survive untouched, got %+v", got.Relationships)
	}
}

func TestStore_PreloadOverwritesEmptyCachedStub(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	store := chunkstore.New(srv.Client(), nil)
	ctx := context.Background()
	if err := store.Configure(ctx, srv.URL+"/manifest.json"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	sink := newFakeSink()
	stub := hlsf.NewRecord("apple")
	stub.Offline = true
	stub.Recompute()
	if _, err := sink.cache.Put(ctx, "apple", stub, tokencache.PutOptions{}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	result, err := store.PreloadTokens(ctx, []hlsf.Token{"apple", "banana"}, sink, 0)
	if err != nil {
		t.Fatalf("PreloadTokens: %v", err)
	}
	if result.Hits != 0 {
		t.Errorf("Hits = %d, want 0 (an empty offline stub must not count as a hit)", result.Hits)
	}
	if result.Loaded != 2 {
		t.Errorf("Loaded = %d, want 2", result.Loaded)
	}
	got, ok := sink.cache.Get(ctx, "apple")
	if !ok {
		t.Fatal("expected apple to be ingested into sink")
	}
	if got.Offline || len(got.Relationships["≡"]) != 1 {
		t.Errorf("expected the real chunk record to overwrite the offline stub, got %+v", got)
	}
}

func TestStore_PreloadBeforeConfigureErrors(t *testing.T) {
	store := chunkstore.New(nil, nil)
	_, err := store.PreloadTokens(context.Background(), []hlsf.Token{"apple"}, newFakeSink(), 0)
	if err == nil {
		t.Fatal("expected error preloading before Configure")
	}
}

func TestStore_AttachRecorder(t *testing.T) {
	chunk := &hlsf.CacheChunk{
		Prefix:     "a",
		TokenCount: 1,
		Tokens:     []*hlsf.AdjacencyRecord{hlsf.NewRecord("apple")},
	}
	rec := recorderFunc(func(ctx context.Context) ([]*hlsf.CacheChunk, error) {
		return []*hlsf.CacheChunk{chunk}, nil
	})

	store := chunkstore.New(nil, nil)
	ctx := context.Background()
	if err := store.AttachRecorder(ctx, rec); err != nil {
		t.Fatalf("AttachRecorder: %v", err)
	}
	if !store.Ready() {
		t.Fatal("expected store to be ready after AttachRecorder")
	}

	sink := newFakeSink()
	result, err := store.PreloadTokens(ctx, []hlsf.Token{"apple"}, sink, 0)
	if err != nil {
		t.Fatalf("PreloadTokens: %v", err)
	}
	if result.Loaded != 1 {
		t.Errorf("Loaded = %d, want 1", result.Loaded)
	}
}

type recorderFunc func(ctx context.Context) ([]*hlsf.CacheChunk, error)

func (f recorderFunc) Chunks(ctx context.Context) ([]*hlsf.CacheChunk, error) {
	return f(ctx)
}
