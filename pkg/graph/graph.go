// Package graph implements the Graph Assembler: a breadth-first builder
// that expands a set of anchor tokens out to a bounded depth against an
// in-memory adjacency index, then overlays a Hidden-Adjacency Subnet to
// guarantee full connectivity.
package graph

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
	"github.com/hlsf-engine/hlsf-core/pkg/relation"
)

// yieldEvery is how often the BFS loop checks ctx for cancellation,
// matching the "explicit yield every 1000 expansions" design note.
const yieldEvery = 1000

// Node is one token's position in the assembled graph.
type Node struct {
	Token  hlsf.Token
	Layer  int
	Degree int
}

// EdgeTriple is one directed, typed link in the assembled graph.
type EdgeTriple struct {
	From   hlsf.Token
	Rel    hlsf.RelKey
	To     hlsf.Token
	Weight float64
	Depth  int
	Hidden bool
}

// Graph is the output of one Assemble run.
type Graph struct {
	Nodes map[hlsf.Token]*Node
	Links []EdgeTriple

	// HiddenTokens are neighbors visible in the index but capped out of
	// Links by per-type/relation caps at expansion time.
	HiddenTokens map[hlsf.Token][]hlsf.Token
}

// Options configures one Assemble run.
type Options struct {
	RelationTypeCap int // keep the N strongest relation types per token
	EdgesPerType    int // keep the N strongest edges per relation type

	HiddenCap               int // Hidden-Adjacency Subnet seed cap, default 128
	HiddenAttentionPerToken int // top-N neighbors kept per token in the subnet
}

type queueItem struct {
	from, to hlsf.Token
	rel      hlsf.RelKey
	weight   float64
	depth    int
}

type linkKey struct {
	from hlsf.Token
	rel  hlsf.RelKey
	to   hlsf.Token
}

// Assemble builds a graph rooted at anchors (resolved case-insensitively
// against index) out to depth (a float: the fractional remainder controls
// whether the final partial level is enqueued or only recorded).
func Assemble(ctx context.Context, anchors []hlsf.Token, depth float64, index map[hlsf.Token]*hlsf.AdjacencyRecord, opts Options) *Graph {
	if opts.RelationTypeCap <= 0 {
		opts.RelationTypeCap = len(index) + 1
	}
	if opts.EdgesPerType <= 0 {
		opts.EdgesPerType = 1 << 30
	}
	if opts.HiddenCap <= 0 {
		opts.HiddenCap = 128
	}
	if opts.HiddenAttentionPerToken <= 0 {
		opts.HiddenAttentionPerToken = 3
	}

	g := &Graph{
		Nodes:        make(map[hlsf.Token]*Node),
		HiddenTokens: make(map[hlsf.Token][]hlsf.Token),
	}
	expanded := make(map[hlsf.Token]bool)
	seen := make(map[linkKey]bool)
	intDepth := int(math.Floor(depth))
	fractional := depth - math.Floor(depth)

	lowerIndex := make(map[string]hlsf.Token, len(index))
	for t := range index {
		lowerIndex[strings.ToLower(string(t))] = t
	}
	resolve := func(tok hlsf.Token) (hlsf.Token, bool) {
		if _, ok := index[tok]; ok {
			return tok, true
		}
		if resolved, ok := lowerIndex[strings.ToLower(string(tok))]; ok {
			return resolved, true
		}
		return tok, false
	}

	var queue []queueItem
	expansions := 0

	ensureNode := func(tok hlsf.Token, layer int) {
		if n, ok := g.Nodes[tok]; ok {
			if layer < n.Layer {
				n.Layer = layer
			}
			return
		}
		g.Nodes[tok] = &Node{Token: tok, Layer: layer}
	}

	expand := func(token hlsf.Token, d int) {
		expanded[token] = true
		rec, ok := index[token]
		if !ok {
			return
		}
		matrix := buildMatrix(rec, opts.RelationTypeCap, opts.EdgesPerType)
		for rel, items := range matrix.visible {
			for _, item := range items {
				ensureNode(item.Neighbor, d+1)
				key := linkKey{from: token, rel: rel, to: item.Neighbor}
				if !seen[key] {
					seen[key] = true
					g.Links = append(g.Links, EdgeTriple{From: token, Rel: rel, To: item.Neighbor, Weight: item.Weight, Depth: d + 1})
					g.Nodes[token].Degree++
				}
				if d+1 > intDepth || (d+1 == intDepth && fractional <= 0) {
					continue
				}
				if d+1 == intDepth+1 && fractional <= 0 {
					continue
				}
				queue = append(queue, queueItem{from: token, to: item.Neighbor, rel: rel, weight: item.Weight, depth: d + 1})
			}
		}
		for rel, hidden := range matrix.hidden {
			_ = rel
			g.HiddenTokens[token] = append(g.HiddenTokens[token], hidden...)
		}
	}

	sortedAnchors := append([]hlsf.Token(nil), anchors...)
	sort.Slice(sortedAnchors, func(i, j int) bool { return sortedAnchors[i] < sortedAnchors[j] })
	for _, a := range sortedAnchors {
		resolved, ok := resolve(a)
		if !ok {
			continue
		}
		ensureNode(resolved, 0)
		expand(resolved, 0)
		expansions++
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth > intDepth {
			continue
		}
		if expanded[item.to] {
			continue
		}
		expand(item.to, item.depth)
		expansions++
		if expansions%yieldEvery == 0 {
			if err := ctx.Err(); err != nil {
				return g
			}
		}
	}

	applyHiddenAdjacencySubnet(g, index, opts)
	repairConnectivity(g)

	return g
}

// applyHiddenAdjacencySubnet seeds up to opts.HiddenCap visited tokens
// (lexically first, for determinism) and, for each, inserts symmetric
// hidden-adjacency edges to its top HiddenAttentionPerToken neighbors by
// weight·priority(rel) — independent of the relation-type/edges-per-type
// caps already applied by expand.
func applyHiddenAdjacencySubnet(g *Graph, index map[hlsf.Token]*hlsf.AdjacencyRecord, opts Options) {
	var seeds []hlsf.Token
	for tok := range g.Nodes {
		seeds = append(seeds, tok)
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i] < seeds[j] })
	if len(seeds) > opts.HiddenCap {
		seeds = seeds[:opts.HiddenCap]
	}

	type scored struct {
		neighbor hlsf.Token
		rel      hlsf.RelKey
		weight   float64
		score    float64
	}
	for _, seed := range seeds {
		rec, ok := index[seed]
		if !ok {
			continue
		}
		var candidates []scored
		for rel, edges := range rec.Relationships {
			p := relation.Priority(rel)
			for _, e := range edges {
				candidates = append(candidates, scored{neighbor: e.Neighbor, rel: rel, weight: e.Weight, score: e.Weight * p})
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].neighbor < candidates[j].neighbor
		})
		if len(candidates) > opts.HiddenAttentionPerToken {
			candidates = candidates[:opts.HiddenAttentionPerToken]
		}
		for _, c := range candidates {
			if _, ok := g.Nodes[c.neighbor]; !ok {
				g.Nodes[c.neighbor] = &Node{Token: c.neighbor, Layer: -1}
			}
			insertHiddenEdge(g, seed, c.neighbor, c.weight)
			insertHiddenEdge(g, c.neighbor, seed, c.weight)
		}
	}
}

func insertHiddenEdge(g *Graph, from, to hlsf.Token, weight float64) {
	key := linkKey{from: from, rel: hlsf.RelHiddenAdjacency, to: to}
	for _, l := range g.Links {
		if l.From == from && l.Rel == hlsf.RelHiddenAdjacency && l.To == to {
			return
		}
	}
	_ = key
	g.Links = append(g.Links, EdgeTriple{From: from, Rel: hlsf.RelHiddenAdjacency, To: to, Weight: weight, Hidden: true})
	if n, ok := g.Nodes[from]; ok {
		n.Degree++
	}
}

// repairConnectivity ensures every node is reachable from every other by
// treating links as undirected; it wires any disconnected component to the
// main one with a single hidden-adjacency edge at weight 0.05, chosen
// between the lexically-lowest token of each side for determinism.
func repairConnectivity(g *Graph) {
	adj := make(map[hlsf.Token][]hlsf.Token, len(g.Nodes))
	for _, l := range g.Links {
		adj[l.From] = append(adj[l.From], l.To)
		adj[l.To] = append(adj[l.To], l.From)
	}

	var all []hlsf.Token
	for tok := range g.Nodes {
		all = append(all, tok)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	if len(all) < 2 {
		return
	}

	visited := make(map[hlsf.Token]bool, len(all))
	var components [][]hlsf.Token
	for _, start := range all {
		if visited[start] {
			continue
		}
		var comp []hlsf.Token
		stack := []hlsf.Token{start}
		visited[start] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, cur)
			for _, nb := range adj[cur] {
				if !visited[nb] {
					visited[nb] = true
					stack = append(stack, nb)
				}
			}
		}
		sort.Slice(comp, func(i, j int) bool { return comp[i] < comp[j] })
		components = append(components, comp)
	}
	if len(components) <= 1 {
		return
	}

	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	anchor := components[0][0]
	for _, comp := range components[1:] {
		other := comp[0]
		insertHiddenEdge(g, anchor, other, 0.05)
		insertHiddenEdge(g, other, anchor, 0.05)
		adj[anchor] = append(adj[anchor], other)
		adj[other] = append(adj[other], anchor)
	}
}

type matrixItem struct {
	Neighbor hlsf.Token
	Weight   float64
}

type matrix struct {
	visible map[hlsf.RelKey][]matrixItem
	hidden  map[hlsf.RelKey][]hlsf.Token
}

// buildMatrix keeps the relationTypeCap strongest relation types (by their
// strongest edge) and, under each kept type, the edgesPerType strongest
// items; everything else becomes "hidden".
func buildMatrix(rec *hlsf.AdjacencyRecord, relationTypeCap, edgesPerType int) matrix {
	type relStrength struct {
		rel      hlsf.RelKey
		strength float64
	}
	var rels []relStrength
	for rel, edges := range rec.Relationships {
		if len(edges) == 0 {
			continue
		}
		rels = append(rels, relStrength{rel: rel, strength: edges[0].Weight})
	}
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].strength != rels[j].strength {
			return rels[i].strength > rels[j].strength
		}
		return rels[i].rel < rels[j].rel
	})
	if len(rels) > relationTypeCap {
		rels = rels[:relationTypeCap]
	}
	kept := make(map[hlsf.RelKey]bool, len(rels))
	for _, r := range rels {
		kept[r.rel] = true
	}

	m := matrix{visible: make(map[hlsf.RelKey][]matrixItem), hidden: make(map[hlsf.RelKey][]hlsf.Token)}
	for rel, edges := range rec.Relationships {
		if !kept[rel] {
			for _, e := range edges {
				m.hidden[rel] = append(m.hidden[rel], e.Neighbor)
			}
			continue
		}
		for i, e := range edges {
			if i < edgesPerType {
				m.visible[rel] = append(m.visible[rel], matrixItem{Neighbor: e.Neighbor, Weight: e.Weight})
			} else {
				m.hidden[rel] = append(m.hidden[rel], e.Neighbor)
			}
		}
	}
	return m
}

// IsComplete reports whether, for every distinct pair a≠b in visited, both
// (a→b) and (b→a) exist in g's adjacency map derived from any relation.
func IsComplete(g *Graph, visited []hlsf.Token) bool {
	if len(visited) < 2 {
		return true
	}
	pairs := make(map[linkKey]bool, len(g.Links))
	for _, l := range g.Links {
		pairs[linkKey{from: l.From, to: l.To}] = true
	}
	for i := range visited {
		for j := range visited {
			if i == j {
				continue
			}
			if !pairs[linkKey{from: visited[i], to: visited[j]}] {
				return false
			}
		}
	}
	return true
}
