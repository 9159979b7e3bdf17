// Package fetcher implements the Adjacency Fetcher: the TC → RCS → LLM
// state machine that resolves one token to an [hlsf.AdjacencyRecord],
// applying the Variant Filter and retry/backoff policy around the
// external LLM collaborator.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hlsf-engine/hlsf-core/internal/observe"
	"github.com/hlsf-engine/hlsf-core/internal/resilience"
	"github.com/hlsf-engine/hlsf-core/pkg/chunkstore"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/provider/llm"
	"github.com/hlsf-engine/hlsf-core/pkg/relation"
	"github.com/hlsf-engine/hlsf-core/pkg/tokencache"
)

// MaxRetryAttempts and NetworkRetryBackoff are the retry/backoff constants
// from the engine's design notes.
const (
	MaxRetryAttempts   = 3
	RetryBaseDelay     = 500 * time.Millisecond
	NetworkRetryBackoff = 5 * time.Second
)

// systemPrompt is sent verbatim ahead of every relationship-discovery
// request, describing the 50 glyphs the model must choose among.
func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a semantic relationship extractor. Given a single token, ")
	b.WriteString("respond with a JSON object shaped exactly as:\n")
	b.WriteString(`{"token": "<token>", "relationships": {"<glyph>": [{"token": "<neighbor>", "weight": <0..1>}]}}` + "\n")
	b.WriteString("Use only the following relationship glyphs:\n")
	for _, key := range relation.Catalog() {
		fmt.Fprintf(&b, "%s = %s\n", key, relation.English(key))
	}
	return b.String()
}

// Fetcher resolves tokens via the Token Cache, falling back to the Remote
// Chunk Store, falling back to the external LLM collaborator.
type Fetcher struct {
	cache   *tokencache.Cache
	remote  *chunkstore.Store
	llm     llm.Provider
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics

	offlineUntil time.Time
	mu           sync.Mutex

	variantMemo map[hlsf.Token]bool // per-neighbor-token is-real-word cache
	variantMu   sync.Mutex

	syntheticMemo map[string][]hlsf.Token // per-(token, context-head) synthetic neighbor cache
	syntheticMu   sync.Mutex
}

// New creates a Fetcher. provider may be nil, meaning the engine runs
// permanently in offline mode (every miss returns an offline record).
func New(cache *tokencache.Cache, remote *chunkstore.Store, provider llm.Provider, metrics *observe.Metrics) *Fetcher {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "adjacency-fetcher-llm",
		MaxFailures: MaxRetryAttempts,
		ResetTimeout: NetworkRetryBackoff,
	})
	return &Fetcher{
		cache:         cache,
		remote:        remote,
		llm:           provider,
		breaker:       breaker,
		metrics:       metrics,
		variantMemo:   make(map[hlsf.Token]bool),
		syntheticMemo: make(map[string][]hlsf.Token),
	}
}

// Fetch resolves token through the Cached → RemoteWarm → Llm state
// machine described in the engine's design notes.
func (f *Fetcher) Fetch(ctx context.Context, token hlsf.Token, conversationHead string) (*hlsf.AdjacencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, hlsf.ErrAbort
	}
	start := time.Now()
	rec, source, err := f.fetch(ctx, token, conversationHead)
	if f.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			f.metrics.RecordFetchError(ctx, source)
		}
		f.metrics.FetchDuration.Record(ctx, time.Since(start).Seconds())
		f.metrics.RecordFetch(ctx, source, status)
	}
	return rec, err
}

func (f *Fetcher) fetch(ctx context.Context, token hlsf.Token, conversationHead string) (*hlsf.AdjacencyRecord, string, error) {
	if token.IsSymbol() {
		return hlsf.NewRecord(token), "tc", nil
	}

	// Cached.
	if rec, ok := f.cache.Get(ctx, token); ok {
		filtered, changed := f.applyVariantFilter(ctx, rec)
		if changed {
			if _, err := f.cache.Put(ctx, token, filtered, tokencache.PutOptions{}); err != nil {
				return nil, "tc", err
			}
		}
		return filtered, "tc", nil
	}

	// RemoteWarm.
	if f.remote != nil && f.remote.Ready() {
		if _, err := f.remote.PreloadTokens(ctx, []hlsf.Token{token}, f.cache, 0); err == nil {
			if rec, ok := f.cache.Get(ctx, token); ok {
				filtered, _ := f.applyVariantFilter(ctx, rec)
				return filtered, "rcs", nil
			}
		}
	}

	// Llm.
	rec, err := f.fetchFromLLM(ctx, token, conversationHead)
	if err != nil {
		return nil, "llm", err
	}
	filtered, _ := f.applyVariantFilter(ctx, rec)
	if !filtered.Offline && filtered.Error == "" {
		if _, err := f.cache.Put(ctx, token, filtered, tokencache.PutOptions{}); err != nil {
			return filtered, "llm", err
		}
	}
	return filtered, "llm", nil
}

func (f *Fetcher) fetchFromLLM(ctx context.Context, token hlsf.Token, conversationHead string) (*hlsf.AdjacencyRecord, error) {
	if f.llm == nil || f.isOffline() {
		return &hlsf.AdjacencyRecord{Token: token, Offline: true, Relationships: map[hlsf.RelKey][]hlsf.Edge{}}, nil
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: string(token)},
		},
		Temperature: 0,
	}

	var resp *llm.CompletionResponse
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, hlsf.ErrAbort
		}
		err := f.breaker.Execute(func() error {
			var callErr error
			resp, callErr = f.llm.Complete(ctx, req)
			return callErr
		})
		if err == nil {
			break
		}
		if isTerminalAuthError(err) {
			return nil, hlsf.WrapCoreError(hlsf.KindNetworkOffline, "adjacency fetcher: llm auth failure", err)
		}
		if isNetworkError(err) {
			f.enterOffline()
			return &hlsf.AdjacencyRecord{Token: token, Offline: true, Relationships: map[hlsf.RelKey][]hlsf.Edge{}}, nil
		}
		attempt++
		if attempt >= MaxRetryAttempts {
			return nil, hlsf.WrapCoreError(hlsf.KindNetworkOffline, "adjacency fetcher: llm retries exhausted", err)
		}
		delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
		select {
		case <-ctx.Done():
			return nil, hlsf.ErrAbort
		case <-time.After(delay):
		}
	}

	rec, parseErr := parseLLMResponse(token, resp.Content)
	if parseErr != nil {
		return &hlsf.AdjacencyRecord{Token: token, Error: "Parse failed", Relationships: map[hlsf.RelKey][]hlsf.Edge{}}, nil
	}
	return rec, nil
}

func (f *Fetcher) isOffline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Now().Before(f.offlineUntil)
}

func (f *Fetcher) enterOffline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offlineUntil = time.Now().Add(NetworkRetryBackoff)
}

func isNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network error") || strings.Contains(msg, "failed to fetch")
}

func isTerminalAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden")
}

// parseLLMResponse extracts the first top-level JSON object from content
// and decodes it into an AdjacencyRecord, normalizing relation glyphs via
// the Relation Registry. Extraction and field access go through gjson so
// that chatty prose around the object (a common small-model failure mode)
// does not prevent a parse.
func parseLLMResponse(token hlsf.Token, content string) (*hlsf.AdjacencyRecord, error) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return nil, fmt.Errorf("fetcher: no JSON object in response")
	}
	object := gjson.Parse(content[start:])
	if !object.Get("relationships").Exists() {
		return nil, fmt.Errorf("fetcher: response has no relationships object")
	}

	rec := hlsf.NewRecord(token)
	object.Get("relationships").ForEach(func(glyph, edges gjson.Result) bool {
		key, ok := relation.Normalize(glyph.String())
		if !ok {
			return true
		}
		edges.ForEach(func(_, edge gjson.Result) bool {
			neighbor := edge.Get("token").String()
			if strings.TrimSpace(neighbor) == "" {
				return true
			}
			rec.Relationships[key] = append(rec.Relationships[key], hlsf.Edge{
				Neighbor: hlsf.Normalize(neighbor),
				Weight:   edge.Get("weight").Float(),
			})
			return true
		})
		return true
	})
	rec.Recompute()
	rec.SortBuckets()
	return rec, nil
}

// applyVariantFilter removes "variant" (≈) edges whose neighbor the
// is-real-word validator rejects. Decisions are memoized per neighbor
// token for the lifetime of the Fetcher. Returns the (possibly new)
// record and whether any edge was dropped.
func (f *Fetcher) applyVariantFilter(ctx context.Context, rec *hlsf.AdjacencyRecord) (*hlsf.AdjacencyRecord, bool) {
	edges := rec.Relationships[hlsf.RelVariant]
	if len(edges) == 0 {
		return rec, false
	}

	kept := make([]hlsf.Edge, 0, len(edges))
	changed := false
	for _, e := range edges {
		if f.isRealWord(ctx, e.Neighbor) {
			kept = append(kept, e)
		} else {
			changed = true
		}
	}
	if !changed {
		return rec, false
	}

	out := rec.Clone()
	if len(kept) == 0 {
		delete(out.Relationships, hlsf.RelVariant)
	} else {
		out.Relationships[hlsf.RelVariant] = kept
	}
	out.Recompute()
	out.SortBuckets()
	return out, true
}

// isRealWord asks (and memoizes) whether neighbor is a real word. Falls
// back to true (keep the edge) when no LLM is configured, since the
// filter cannot run without a collaborator to ask.
func (f *Fetcher) isRealWord(ctx context.Context, neighbor hlsf.Token) bool {
	f.variantMu.Lock()
	if v, ok := f.variantMemo[neighbor]; ok {
		f.variantMu.Unlock()
		return v
	}
	f.variantMu.Unlock()

	if f.llm == nil {
		return true
	}

	resp, err := f.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Answer only 'true' or 'false': is this a real word in common usage?",
		Messages:     []llm.Message{{Role: "user", Content: string(neighbor)}},
	})
	real := true
	if err == nil {
		real = strings.Contains(strings.ToLower(resp.Content), "true")
	} else {
		slog.Debug("fetcher: is-real-word validator failed, keeping edge", "neighbor", string(neighbor), "error", err)
	}

	f.variantMu.Lock()
	f.variantMemo[neighbor] = real
	f.variantMu.Unlock()
	return real
}

// RequestSyntheticNeighbors asks the LLM collaborator for `needed` short,
// distinct neighbor names for the Synthetic Branch Generator's top-up
// step, memoized per (token, context-head) so repeat expansion rounds
// don't re-ask. Returns nil when no LLM is configured, the fetcher is in
// its offline backoff window, or the request fails — signaling the
// caller to fall back to deterministic names.
func (f *Fetcher) RequestSyntheticNeighbors(ctx context.Context, token hlsf.Token, conversationHead string, needed int) []hlsf.Token {
	if f.llm == nil || needed <= 0 {
		return nil
	}
	key := string(token) + "\x00" + conversationHead

	f.syntheticMu.Lock()
	cached, ok := f.syntheticMemo[key]
	f.syntheticMu.Unlock()
	if ok {
		if len(cached) > needed {
			return cached[:needed]
		}
		return cached
	}

	if f.isOffline() {
		return nil
	}

	resp, err := f.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf("Respond with exactly %d short, distinct words or short phrases semantically related to the given token, one per line, with no numbering or punctuation.", needed),
		Messages:     []llm.Message{{Role: "user", Content: string(token)}},
	})
	if err != nil {
		slog.Debug("fetcher: synthetic branch generator LLM request failed, falling back to deterministic names", "token", string(token), "error", err)
		return nil
	}

	var names []hlsf.Token
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, hlsf.Normalize(line))
		if len(names) >= needed {
			break
		}
	}
	if len(names) == 0 {
		return nil
	}

	f.syntheticMu.Lock()
	f.syntheticMemo[key] = names
	f.syntheticMu.Unlock()
	return names
}
