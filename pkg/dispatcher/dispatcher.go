// Package dispatcher implements the Command Dispatcher & Budget Governor:
// it holds the active Performance Profile, derives the runtime caps every
// other component borrows, resolves run anchors, and orchestrates one
// Graph Assembler → Affinity Clusterer → Dimension Layout Planner pass.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/hlsf-engine/hlsf-core/internal/config"
	"github.com/hlsf-engine/hlsf-core/internal/observe"
	"github.com/hlsf-engine/hlsf-core/pkg/attention"
	"github.com/hlsf-engine/hlsf-core/pkg/chunkstore"
	"github.com/hlsf-engine/hlsf-core/pkg/cluster"
	"github.com/hlsf-engine/hlsf-core/pkg/expander"
	"github.com/hlsf-engine/hlsf-core/pkg/graph"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/layout"
	"github.com/hlsf-engine/hlsf-core/pkg/sessionmem"
	"github.com/hlsf-engine/hlsf-core/pkg/tokencache"
)

// RuntimeCaps are the budgets CD derives from the active Performance
// Profile and pushes down to TC, RE, and P. CD is the sole mutator.
type RuntimeCaps struct {
	LiveTokenCap            int
	MaxEdges                int
	MaxRelationshipCount    int
	PruneWeightThreshold    float64
	RecursionDepth          int
	EdgesPerLevel           int
	SpawnLimit              int
	HiddenAdjacencyCap      int
	HiddenAttentionPerToken int
	RelationTypeCap         int
	RemoteChunkConcurrency  int
	BranchingFactor         int
}

// DeriveRuntimeCaps computes RuntimeCaps from a Performance Profile:
// liveTokenCap = maxNodes, maxEdges passes the profile's edge ceiling
// straight through to the frontier scheduler, maxRelationshipCount =
// resolveBudget(maxRelationships) falling back to maxEdges when
// unbounded, pruneWeightThreshold = max(input, 0).
func DeriveRuntimeCaps(p config.PerformanceProfile) RuntimeCaps {
	return RuntimeCaps{
		LiveTokenCap:            p.MaxNodes,
		MaxEdges:                p.MaxEdges,
		MaxRelationshipCount:    hlsf.ResolveBudget(p.MaxRelationships, p.MaxEdges),
		PruneWeightThreshold:    math.Max(p.PruneWeightThreshold, 0),
		RecursionDepth:          p.AdjacencyRecursionDepth,
		EdgesPerLevel:           p.AdjacencyEdgesPerLevel,
		SpawnLimit:              p.AdjacencySpawnLimit,
		HiddenAdjacencyCap:      p.HiddenAdjacencyCap,
		HiddenAttentionPerToken: p.HiddenAdjacencyDegree,
		RelationTypeCap:         p.MaxRelationTypes,
		RemoteChunkConcurrency:  p.RemoteChunkConcurrency,
		BranchingFactor:         p.BranchingFactor,
	}
}

// Governor holds the active Performance Profile and the RuntimeCaps
// derived from it. Safe for concurrent use; Apply is the sole mutator,
// matching the "CD is the only mutator" invariant every other component
// relies on.
type Governor struct {
	mu      sync.RWMutex
	profile config.PerformanceProfile
	caps    RuntimeCaps
}

// NewGovernor derives an initial RuntimeCaps snapshot from profile.
func NewGovernor(profile config.PerformanceProfile) *Governor {
	return &Governor{profile: profile, caps: DeriveRuntimeCaps(profile)}
}

// Apply replaces the active profile and rederives RuntimeCaps, returning
// the new snapshot. Called from a config.Watcher's onChange callback when
// config.ConfigDiff.PerformanceChanged is set.
func (g *Governor) Apply(profile config.PerformanceProfile) RuntimeCaps {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile = profile
	g.caps = DeriveRuntimeCaps(profile)
	return g.caps
}

// Caps returns the current RuntimeCaps snapshot.
func (g *Governor) Caps() RuntimeCaps {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.caps
}

// GlyphResolver reverse-resolves a rendered glyph back to the token the
// Glyph Ledger most recently associated it with. Satisfied by
// *glyphledger.Ledger; kept as an interface here so dispatcher has no
// import-time dependency on the ledger's storage details.
type GlyphResolver interface {
	ReverseLookup(glyph string, weight float64) (hlsf.Token, bool)
}

// Router is the Command Dispatcher: it wires together every other
// component and exposes RunHlsf as the single entry point a transport
// (CLI, bot command, RPC handler) calls per request.
type Router struct {
	Governor *Governor

	Remote   *chunkstore.Store
	Cache    *tokencache.Cache
	Expander *expander.Expander
	Memory   *sessionmem.Memory
	Glyphs   GlyphResolver
	Metrics  *observe.Metrics

	defaultAnchorCap int
}

// New builds a Router. exp wraps the Adjacency Fetcher it runs against;
// Glyphs may be nil (glyph-based anchor resolution is then skipped).
func New(governor *Governor, remote *chunkstore.Store, cache *tokencache.Cache, exp *expander.Expander, mem *sessionmem.Memory, glyphs GlyphResolver, metrics *observe.Metrics) *Router {
	return &Router{
		Governor:         governor,
		Remote:           remote,
		Cache:            cache,
		Expander:         exp,
		Memory:           mem,
		Glyphs:           glyphs,
		Metrics:          metrics,
		defaultAnchorCap: 8,
	}
}

// RunArgs are the parsed flags for one RunHlsf invocation.
type RunArgs struct {
	Conversation string
	Tokens       []string
	Glyphs       []string
	Depth        float64
	Types        int // hlsf.Infinite means "all"
	EdgesPerType int // hlsf.Infinite means "all"
	Scope        string // "run" or "db"
}

// RunResult is the rendering payload RunHlsf produces.
type RunResult struct {
	Anchors []hlsf.Token
	Graph   *graph.Graph
	Cluster *cluster.Result
	Layout  *layout.Result
}

// NewCommand builds the cobra command tree for runHlsf, suitable for
// embedding in any cobra root command (a standalone CLI, or a subcommand
// of a larger tool). The returned *RunResult is delivered via resultFn
// since cobra's RunE only returns an error.
func (r *Router) NewCommand(ctx context.Context, resultFn func(*RunResult)) *cobra.Command {
	var args RunArgs
	var typesFlag, eptFlag string

	cmd := &cobra.Command{
		Use:   "hlsf",
		Short: "Assemble, cluster, and lay out a semantic-adjacency graph",
		RunE: func(cmd *cobra.Command, positional []string) error {
			args.Types = parseCountFlag(typesFlag, hlsf.Infinite)
			args.EdgesPerType = parseCountFlag(eptFlag, hlsf.Infinite)
			result, err := r.RunHlsf(ctx, args)
			if err != nil {
				return err
			}
			if resultFn != nil {
				resultFn(result)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&args.Conversation, "conversation", "", "conversation/session ID to resolve anchors from")
	cmd.Flags().StringSliceVar(&args.Tokens, "tokens", nil, "explicit anchor tokens")
	cmd.Flags().StringSliceVar(&args.Glyphs, "glyphs", nil, "anchor glyphs, resolved via the Glyph Ledger's reverse map")
	cmd.Flags().Float64Var(&args.Depth, "depth", 2, "recursion depth (fractional remainder controls the partial final level)")
	cmd.Flags().StringVar(&typesFlag, "types", "", "relation-type cap per token, or \"all\"")
	cmd.Flags().StringVar(&eptFlag, "ept", "", "edges-per-type cap, or \"all\"")
	cmd.Flags().StringVar(&args.Scope, "scope", "run", "layout scope: run|db")

	return cmd
}

func parseCountFlag(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if strings.EqualFold(raw, "all") {
		return hlsf.Infinite
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// RunHlsf resolves anchors, runs the Recursive Expander out from them, then
// Attention Scorer → Graph Assembler → Affinity Clusterer → Dimension
// Layout Planner over the expanded index. Remote Chunk Store bootstrap is
// the caller's responsibility — Remote is already configured by the time
// Router is constructed.
func (r *Router) RunHlsf(ctx context.Context, args RunArgs) (*RunResult, error) {
	caps := r.Governor.Caps()

	known := r.currentIndex(ctx)
	anchors, err := r.resolveAnchors(args, known, caps)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("dispatcher: no anchors resolved")
	}

	expanded := known
	if r.Expander != nil {
		result, err := r.Expander.Expand(ctx, anchors, expander.Options{
			Depth:              int(args.Depth),
			EdgesPerLevel:      caps.EdgesPerLevel,
			Concurrency:        caps.BranchingFactor,
			SpawnLimit:         caps.SpawnLimit,
			StopWhenConnected:  true,
			RelationshipBudget: caps.MaxRelationshipCount,
			EdgesPerTypeCap:    caps.RelationTypeCap,
			MaxNodes:           caps.LiveTokenCap,
			MaxEdges:           caps.MaxEdges,
		})
		if err != nil {
			return nil, fmt.Errorf("dispatcher: expand: %w", err)
		}
		expanded = result.Records
		if r.Cache != nil {
			for tok, rec := range expanded {
				if _, err := r.Cache.Put(ctx, tok, rec, tokencache.PutOptions{}); err != nil {
					return nil, fmt.Errorf("dispatcher: cache put %q: %w", tok, err)
				}
			}
		}
	}

	augmented, focusTokens := expanded, []hlsf.Token(nil)
	if r.Memory != nil {
		augmented, focusTokens = r.Memory.ApplyConversationOverlay(expanded)
	}

	scored := attention.ScoreAll(ctx, augmented, r.Metrics)

	relationTypeCap := resolveCountFlag(args.Types, caps.RelationTypeCap)
	edgesPerType := resolveCountFlag(args.EdgesPerType, 0)

	g := graph.Assemble(ctx, anchors, args.Depth, scored, graph.Options{
		RelationTypeCap:         relationTypeCap,
		EdgesPerType:            edgesPerType,
		HiddenCap:               caps.HiddenAdjacencyCap,
		HiddenAttentionPerToken: caps.HiddenAttentionPerToken,
	})

	clusterResult := cluster.Cluster(ctx, g, cluster.Options{})

	layoutScope := "db"
	if args.Scope == "run" {
		layoutScope = "state"
	}
	sessionTokens := make(map[hlsf.Token]bool, len(g.Nodes))
	for tok := range g.Nodes {
		sessionTokens[tok] = true
	}
	layoutResult := layout.Plan(scored, clusterResult, layout.Options{
		Scope:         layoutScope,
		SessionTokens: sessionTokens,
		FocusTokens:   focusTokens,
	})

	return &RunResult{Anchors: anchors, Graph: g, Cluster: clusterResult, Layout: layoutResult}, nil
}

// resolveCountFlag resolves an int flag that may carry hlsf.Infinite
// ("all") against fallback, which itself may be hlsf.Infinite.
func resolveCountFlag(flag, fallback int) int {
	if flag == hlsf.Infinite {
		return fallback
	}
	return flag
}

// currentIndex snapshots every record currently held by the Token Cache.
// Used only to rank defaultAnchors; the Recursive Expander call that
// follows anchor resolution is what actually grows the index a run
// assembles against.
func (r *Router) currentIndex(ctx context.Context) map[hlsf.Token]*hlsf.AdjacencyRecord {
	out := make(map[hlsf.Token]*hlsf.AdjacencyRecord)
	if r.Cache == nil {
		return out
	}
	tokens, err := r.Cache.IndexRebuild(ctx)
	if err != nil {
		return out
	}
	for _, tok := range tokens {
		if rec, ok := r.Cache.Get(ctx, tok); ok {
			out[tok] = rec
		}
	}
	return out
}

// resolveAnchors walks the anchor resolution chain: explicit tokens, then
// glyph→ledger reverse map, then session conversation tokens, then
// defaultAnchors.
func (r *Router) resolveAnchors(args RunArgs, index map[hlsf.Token]*hlsf.AdjacencyRecord, caps RuntimeCaps) ([]hlsf.Token, error) {
	if len(args.Tokens) > 0 {
		out := make([]hlsf.Token, len(args.Tokens))
		for i, t := range args.Tokens {
			out[i] = hlsf.Normalize(t)
		}
		return out, nil
	}

	if len(args.Glyphs) > 0 && r.Glyphs != nil {
		var out []hlsf.Token
		for _, glyph := range args.Glyphs {
			if tok, ok := r.Glyphs.ReverseLookup(glyph, 1.0); ok {
				out = append(out, tok)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	if args.Conversation != "" && r.Memory != nil {
		for _, p := range r.Memory.Prompts() {
			if p.ID == args.Conversation && len(p.Seeds) > 0 {
				return p.Seeds, nil
			}
		}
	}

	return defaultAnchors(index, r.defaultAnchorCap), nil
}

// defaultAnchors returns the top-anchorCap tokens ranked by (edge count,
// distinct relation-type count), ties broken lexically.
func defaultAnchors(index map[hlsf.Token]*hlsf.AdjacencyRecord, anchorCap int) []hlsf.Token {
	type scored struct {
		tok      hlsf.Token
		edges    int
		relTypes int
	}
	var candidates []scored
	for tok, rec := range index {
		relTypes := 0
		for _, edges := range rec.Relationships {
			if len(edges) > 0 {
				relTypes++
			}
		}
		candidates = append(candidates, scored{tok: tok, edges: rec.TotalRelationships, relTypes: relTypes})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].edges != candidates[j].edges {
			return candidates[i].edges > candidates[j].edges
		}
		if candidates[i].relTypes != candidates[j].relTypes {
			return candidates[i].relTypes > candidates[j].relTypes
		}
		return candidates[i].tok < candidates[j].tok
	})
	if len(candidates) > anchorCap {
		candidates = candidates[:anchorCap]
	}
	out := make([]hlsf.Token, len(candidates))
	for i, c := range candidates {
		out[i] = c.tok
	}
	return out
}
