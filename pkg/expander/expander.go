// Package expander implements the Recursive Expander: a FIFO frontier
// scheduler that walks out from a set of seed tokens via the Adjacency
// Fetcher, pruning and branch-enforcing each record, until the visited
// set satisfies a connectivity goal or every budget is exhausted.
package expander

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hlsf-engine/hlsf-core/internal/observe"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/pruner"
)

// MaxDepth is the hard ceiling on recursion depth (spec's MAX_DEPTH).
const MaxDepth = hlsf.MaxRecursionDepth

// Fetcher is the subset of *fetcher.Fetcher the expander depends on.
// Kept as an interface to avoid a dependency on the concrete LLM plumbing
// in tests and to allow DB-staged fetches to be swapped in.
type Fetcher interface {
	Fetch(ctx context.Context, token hlsf.Token, conversationHead string) (*hlsf.AdjacencyRecord, error)
}

// SyntheticRequester is implemented by Fetchers that can ask the LLM
// collaborator for synthetic neighbor names on the Synthetic Branch
// Generator's behalf. A Fetcher that doesn't implement it (or that
// returns no names) is treated as LLM-unavailable for this step, and
// ensureBranching falls back to deterministic Greek-letter names.
type SyntheticRequester interface {
	RequestSyntheticNeighbors(ctx context.Context, token hlsf.Token, conversationHead string, needed int) []hlsf.Token
}

// Options configures one Expand run.
type Options struct {
	Depth               int  // recursion budget, clamped to [0, MaxDepth]
	EdgesPerLevel       int  // hlsf.Infinite (-1) means "pruned by budget"
	Concurrency         int  // batch size popped from the frontier each round
	SpawnLimit          int  // Synthetic Branch Generator floor
	StopWhenConnected   bool
	RequireCompleteGraph bool
	ConversationHead    string
	RelationshipBudget  int
	EdgesPerTypeCap     int
	MaxNodes            int // hard cap on visited-token count; <= 0 means unbounded
	MaxEdges            int // hard cap on cumulative edge instances; <= 0 means unbounded
}

// Provenance tracks how each visited token's record was obtained.
type Provenance struct {
	CacheHits    []hlsf.Token
	LLMGenerated []hlsf.Token
	Offline      []hlsf.Token
	Errors       map[hlsf.Token]string
	Synthetic    []hlsf.Token
}

// Result is the outcome of one Expand run.
type Result struct {
	Records    map[hlsf.Token]*hlsf.AdjacencyRecord
	Provenance Provenance
	Connected  bool
}

type frontierItem struct {
	token     hlsf.Token
	remaining int
}

// Expander drives the frontier scheduler.
type Expander struct {
	fetch   Fetcher
	metrics *observe.Metrics
}

// New creates an Expander around fetch.
func New(fetch Fetcher, metrics *observe.Metrics) *Expander {
	return &Expander{fetch: fetch, metrics: metrics}
}

// Expand walks out from seeds per opts, returning every visited token's
// pruned-and-branch-enforced record.
func (x *Expander) Expand(ctx context.Context, seeds []hlsf.Token, opts Options) (*Result, error) {
	depth := opts.Depth
	if depth > MaxDepth {
		depth = MaxDepth
	}
	if depth < 0 {
		depth = 0
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	priority := make(map[hlsf.Token]bool, len(seeds))
	var queue []frontierItem
	visited := make(map[hlsf.Token]bool)
	queued := make(map[hlsf.Token]bool)
	for _, s := range dedupeTokens(seeds) {
		priority[s] = true
		queue = append(queue, frontierItem{token: s, remaining: depth})
		queued[s] = true
	}

	result := &Result{
		Records: make(map[hlsf.Token]*hlsf.AdjacencyRecord),
		Provenance: Provenance{
			Errors: make(map[hlsf.Token]string),
		},
	}

	var mu sync.Mutex
	nodeCap := opts.MaxNodes > 0
	edgeCap := opts.MaxEdges > 0
	edgeCount := 0
	drained := false

	for len(queue) > 0 && !drained {
		if err := ctx.Err(); err != nil {
			return result, hlsf.ErrAbort
		}

		batchSize := concurrency
		if batchSize > len(queue) {
			batchSize = len(queue)
		}
		batch := queue[:batchSize]
		queue = queue[batchSize:]

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range batch {
			item := item
			if visited[item.token] {
				continue
			}
			g.Go(func() error {
				rec, err := x.fetch.Fetch(gctx, item.token, opts.ConversationHead)

				mu.Lock()
				defer mu.Unlock()
				if drained {
					return nil
				}
				visited[item.token] = true

				if err != nil {
					if err == hlsf.ErrAbort {
						return err
					}
					result.Provenance.Errors[item.token] = err.Error()
					return nil
				}
				if rec.Offline {
					result.Provenance.Offline = append(result.Provenance.Offline, item.token)
				} else if rec.Error != "" {
					result.Provenance.Errors[item.token] = rec.Error
				} else {
					result.Provenance.LLMGenerated = append(result.Provenance.LLMGenerated, item.token)
				}

				limited := pruner.Limit(rec, pruner.Options{
					EdgesPerTypeCap:    effectiveEdgesPerLevel(opts),
					PriorityTokens:     priority,
					RelationshipBudget: opts.RelationshipBudget,
				})
				enforced, synthesized := x.ensureBranching(gctx, limited, opts.SpawnLimit, opts.ConversationHead)
				if synthesized {
					result.Provenance.Synthetic = append(result.Provenance.Synthetic, item.token)
				}

				recordEdges := 0
				for _, edges := range enforced.Relationships {
					recordEdges += len(edges)
				}

				// Budget cap: once maxNodes or maxEdges would be exceeded by
				// admitting this record, the scheduler drains the remaining
				// frontier instead of visiting it.
				if nodeCap && len(result.Records) >= opts.MaxNodes {
					drained = true
					return nil
				}
				if edgeCap && edgeCount+recordEdges > opts.MaxEdges {
					drained = true
					return nil
				}

				result.Records[item.token] = enforced
				edgeCount += recordEdges

				if item.remaining > 0 {
					spawned := 0
					for _, edges := range enforced.Relationships {
						for _, e := range edges {
							if spawned >= opts.SpawnLimit && opts.SpawnLimit > 0 {
								break
							}
							if visited[e.Neighbor] || queued[e.Neighbor] {
								continue
							}
							queue = append(queue, frontierItem{token: e.Neighbor, remaining: item.remaining - 1})
							queued[e.Neighbor] = true
							spawned++
						}
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		if drained {
			queue = nil
		}

		if opts.StopWhenConnected {
			connected := isSatisfied(result.Records, seeds, opts.RequireCompleteGraph)
			if connected {
				result.Connected = true
				break
			}
		}
	}

	if !result.Connected && opts.StopWhenConnected {
		result.Connected = isSatisfied(result.Records, seeds, opts.RequireCompleteGraph)
	}
	return result, nil
}

// effectiveEdgesPerLevel resolves hlsf.Infinite to the Pruner's
// "unbounded, prune by budget alone" behavior (EdgesPerTypeCap <= 0).
func effectiveEdgesPerLevel(opts Options) int {
	if opts.EdgesPerLevel < 0 {
		return 0
	}
	return opts.EdgesPerLevel
}

// ensureBranching tops up rec's neighbor count to spawnLimit when fewer
// real neighbors exist. It first asks the LLM collaborator (via the
// Fetcher, if it implements SyntheticRequester) for `needed` synthetic
// neighbor names, memoized per (token, context-head); any shortfall is
// topped up with deterministic global-connect names "<token> α",
// "<token> β", … at the prune weight floor.
func (x *Expander) ensureBranching(ctx context.Context, rec *hlsf.AdjacencyRecord, spawnLimit int, conversationHead string) (*hlsf.AdjacencyRecord, bool) {
	if spawnLimit <= 0 {
		return rec, false
	}
	existing := 0
	for _, edges := range rec.Relationships {
		existing += len(edges)
	}
	if existing >= spawnLimit {
		return rec, false
	}
	needed := spawnLimit - existing

	out := rec.Clone()
	names := x.requestSyntheticNeighbors(ctx, rec.Token, conversationHead, needed)
	for i := 0; i < needed; i++ {
		var neighbor hlsf.Token
		if i < len(names) {
			neighbor = names[i]
		} else {
			neighbor = deterministicSyntheticName(rec.Token, i)
		}
		out.Relationships[hlsf.RelGlobalConnect] = append(out.Relationships[hlsf.RelGlobalConnect], hlsf.Edge{
			Neighbor: neighbor,
			Weight:   pruner.DefaultPruneWeightThreshold,
		})
	}
	out.Recompute()
	out.SortBuckets()
	return out, true
}

// requestSyntheticNeighbors delegates to the Fetcher's SyntheticRequester
// step when available, returning nil (triggering the deterministic
// fallback) when the Fetcher doesn't implement it or the LLM declines to
// answer.
func (x *Expander) requestSyntheticNeighbors(ctx context.Context, token hlsf.Token, conversationHead string, needed int) []hlsf.Token {
	requester, ok := x.fetch.(SyntheticRequester)
	if !ok {
		return nil
	}
	return requester.RequestSyntheticNeighbors(ctx, token, conversationHead, needed)
}

// deterministicSyntheticName is the Synthetic Branch Generator's
// LLM-unavailable fallback: a Greek-letter-suffixed name derived from
// token alone, so it's reproducible across runs.
func deterministicSyntheticName(token hlsf.Token, i int) hlsf.Token {
	greekLetters := []string{"α", "β", "γ", "δ", "ε", "ζ", "η", "θ", "ι", "κ"}
	letter := greekLetters[i%len(greekLetters)]
	suffix := ""
	if i >= len(greekLetters) {
		suffix = fmt.Sprintf("%d", i/len(greekLetters)+1)
	}
	return hlsf.Token(fmt.Sprintf("%s %s%s", token, letter, suffix))
}

// isSatisfied implements the scheduler's stop condition: if
// requireCompleteGraph, every pair of visited tokens must have a direct
// edge in either direction; otherwise all seeds must share one connected
// component within the visited records.
func isSatisfied(records map[hlsf.Token]*hlsf.AdjacencyRecord, seeds []hlsf.Token, requireCompleteGraph bool) bool {
	if len(records) == 0 {
		return false
	}
	if requireCompleteGraph {
		tokens := make([]hlsf.Token, 0, len(records))
		for t := range records {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		for i := range tokens {
			for j := range tokens {
				if i == j {
					continue
				}
				if !hasEdge(records, tokens[i], tokens[j]) {
					return false
				}
			}
		}
		return true
	}

	adjacency := make(map[hlsf.Token][]hlsf.Token)
	for tok, rec := range records {
		for _, edges := range rec.Relationships {
			for _, e := range edges {
				if _, ok := records[e.Neighbor]; ok {
					adjacency[tok] = append(adjacency[tok], e.Neighbor)
					adjacency[e.Neighbor] = append(adjacency[e.Neighbor], tok)
				}
			}
		}
	}

	if len(seeds) == 0 {
		return true
	}
	start := seeds[0]
	seen := map[hlsf.Token]bool{start: true}
	stack := []hlsf.Token{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range adjacency[cur] {
			if !seen[n] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	for _, s := range seeds {
		if _, ok := records[s]; !ok {
			continue
		}
		if !seen[s] {
			return false
		}
	}
	return true
}

func hasEdge(records map[hlsf.Token]*hlsf.AdjacencyRecord, a, b hlsf.Token) bool {
	if rec, ok := records[a]; ok {
		for _, edges := range rec.Relationships {
			for _, e := range edges {
				if e.Neighbor == b {
					return true
				}
			}
		}
	}
	if rec, ok := records[b]; ok {
		for _, edges := range rec.Relationships {
			for _, e := range edges {
				if e.Neighbor == a {
					return true
				}
			}
		}
	}
	return false
}

func dedupeTokens(tokens []hlsf.Token) []hlsf.Token {
	seen := make(map[hlsf.Token]bool, len(tokens))
	out := make([]hlsf.Token, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
