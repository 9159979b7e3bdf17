package fetcher_test

import (
	"context"
	"testing"

	"github.com/hlsf-engine/hlsf-core/pkg/fetcher"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/provider/llm"
	"github.com/hlsf-engine/hlsf-core/pkg/tokencache"
)

type stubProvider struct {
	complete func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (s *stubProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (s *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return s.complete(ctx, req)
}

func (s *stubProvider) CountTokens(messages []llm.Message) (int, error) { return 0, nil }

func (s *stubProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

func TestFetcher_FetchFromCacheHit(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)
	rec := hlsf.NewRecord("alpha")
	rec.Relationships["≡"] = []hlsf.Edge{{Neighbor: "beta", Weight: 0.9}}
	rec.Recompute()
	if _, err := cache.Put(ctx, "alpha", rec, tokencache.PutOptions{}); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	f := fetcher.New(cache, nil, nil, nil)
	got, err := f.Fetch(ctx, "alpha", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got.Relationships["≡"]) != 1 {
		t.Errorf("expected cached relationships to survive, got %+v", got.Relationships)
	}
}

func TestFetcher_FetchFromLLM(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)

	provider := &stubProvider{
		complete: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{
				Content: `{"token": "apple", "relationships": {"≡": [{"token": "fruit", "weight": 0.8}]}}`,
			}, nil
		},
	}

	f := fetcher.New(cache, nil, provider, nil)
	got, err := f.Fetch(ctx, "apple", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got.Relationships["≡"]) != 1 || got.Relationships["≡"][0].Neighbor != "fruit" {
		t.Errorf("got relationships = %+v, want one fruit edge", got.Relationships)
	}
	if !cache.Has(ctx, "apple") {
		t.Error("expected successful LLM fetch to be written through to the cache")
	}
}

func TestFetcher_NoProviderReturnsOffline(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)
	f := fetcher.New(cache, nil, nil, nil)

	got, err := f.Fetch(ctx, "orphan", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !got.Offline {
		t.Error("expected offline record when no LLM provider is configured")
	}
}

func TestFetcher_ParseFailureReturnsErrorRecord(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)
	provider := &stubProvider{
		complete: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return &llm.CompletionResponse{Content: "not json at all"}, nil
		},
	}
	f := fetcher.New(cache, nil, provider, nil)

	got, err := f.Fetch(ctx, "garble", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Error != "Parse failed" {
		t.Errorf("got.Error = %q, want %q", got.Error, "Parse failed")
	}
	if cache.Has(ctx, "garble") {
		t.Error("a parse-failure record must not be written to the cache")
	}
}

func TestFetcher_VariantFilterDropsFakeWords(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)

	call := 0
	provider := &stubProvider{
		complete: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			call++
			if call == 1 {
				return &llm.CompletionResponse{
					Content: `{"token": "run", "relationships": {"≈": [{"token": "runn", "weight": 0.5}, {"token": "running", "weight": 0.6}]}}`,
				}, nil
			}
			// is-real-word validator calls.
			if req.Messages[0].Content == "runn" {
				return &llm.CompletionResponse{Content: "false"}, nil
			}
			return &llm.CompletionResponse{Content: "true"}, nil
		},
	}

	f := fetcher.New(cache, nil, provider, nil)
	got, err := f.Fetch(ctx, "run", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	edges := got.Relationships[hlsf.RelVariant]
	if len(edges) != 1 || edges[0].Neighbor != "running" {
		t.Errorf("variant edges = %+v, want only 'running' to survive", edges)
	}
}

func TestFetcher_RequestSyntheticNeighborsParsesAndMemoizes(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)

	calls := 0
	provider := &stubProvider{
		complete: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			return &llm.CompletionResponse{Content: "wolf\nmoon\n"}, nil
		},
	}
	f := fetcher.New(cache, nil, provider, nil)

	got := f.RequestSyntheticNeighbors(ctx, "lonely", "head-1", 2)
	if len(got) != 2 || got[0] != "wolf" || got[1] != "moon" {
		t.Errorf("got = %v, want [wolf moon]", got)
	}

	// Second call for the same (token, context-head) must hit the memo,
	// not re-ask the LLM.
	f.RequestSyntheticNeighbors(ctx, "lonely", "head-1", 2)
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (memoized)", calls)
	}
}

func TestFetcher_RequestSyntheticNeighborsNilWithoutProvider(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)
	f := fetcher.New(cache, nil, nil, nil)

	got := f.RequestSyntheticNeighbors(ctx, "lonely", "", 2)
	if got != nil {
		t.Errorf("got = %v, want nil when no LLM is configured", got)
	}
}

func TestFetcher_SymbolTokenShortCircuits(t *testing.T) {
	ctx := context.Background()
	cache := tokencache.New(nil)
	f := fetcher.New(cache, nil, nil, nil)

	got, err := f.Fetch(ctx, "sym:42", "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.TotalRelationships != 0 {
		t.Errorf("expected empty record for symbol token, got %+v", got)
	}
}
