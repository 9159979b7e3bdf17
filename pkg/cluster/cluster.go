// Package cluster implements the Affinity Clusterer: label propagation
// over a 2-hop neighbor graph, using a blend of cosine and Jaccard
// similarity between tokens' neighbor signatures.
package cluster

import (
	"context"
	"math"
	"sort"

	"github.com/hlsf-engine/hlsf-core/pkg/graph"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// DefaultThreshold and DefaultIterations are applied when Options leaves
// either at its zero value.
const (
	DefaultThreshold  = 0.35
	DefaultIterations = 8

	minThreshold, maxThreshold   = 0.1, 0.8
	minIterations, maxIterations = 1, 20
)

// Options configures one Cluster run.
type Options struct {
	Threshold  float64
	Iterations int

	// Prefilter and Embeddings are optional: when both are set, each
	// token's label-propagation candidate set is widened with the
	// prefilter's nearest neighbors by embedding, not just its direct and
	// one-hop graph neighbors — useful once the graph is too large to
	// score exhaustively. Errors from Prefilter are non-fatal: Cluster
	// falls back to the graph-only candidate set for that token.
	Prefilter  ANNPrefilter
	Embeddings map[hlsf.Token][]float32
	PrefilterK int
}

func (o Options) resolve() Options {
	if o.Threshold == 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Threshold < minThreshold {
		o.Threshold = minThreshold
	}
	if o.Threshold > maxThreshold {
		o.Threshold = maxThreshold
	}
	if o.Iterations == 0 {
		o.Iterations = DefaultIterations
	}
	if o.Iterations < minIterations {
		o.Iterations = minIterations
	}
	if o.Iterations > maxIterations {
		o.Iterations = maxIterations
	}
	return o
}

// signature is one token's bag-of-neighbors weight map plus the set of
// neighbor tokens, built from direct and one-hop graph edges. A token with
// any neighbor appears in its own signature, through that neighbor's edge
// back to it.
type signature struct {
	weights map[hlsf.Token]float64
	set     map[hlsf.Token]bool
}

// Result is the output of one Cluster run: a contiguous integer cluster id
// per token.
type Result struct {
	Labels map[hlsf.Token]int
}

// Cluster runs affinity-based label propagation over g and returns a
// contiguous cluster id per node. Deterministic: all tie-breaks fall back
// to ascending token ordering.
func Cluster(ctx context.Context, g *graph.Graph, opts Options) *Result {
	opts = opts.resolve()

	var tokens []hlsf.Token
	for tok := range g.Nodes {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	direct := make(map[hlsf.Token]map[hlsf.Token]float64, len(tokens))
	for _, tok := range tokens {
		direct[tok] = make(map[hlsf.Token]float64)
	}
	for _, l := range g.Links {
		direct[l.From][l.To] += l.Weight
		direct[l.To][l.From] += l.Weight
	}

	signatures := make(map[hlsf.Token]*signature, len(tokens))
	for _, tok := range tokens {
		sig := &signature{weights: make(map[hlsf.Token]float64), set: make(map[hlsf.Token]bool)}
		for n, w := range direct[tok] {
			sig.weights[n] += w
			sig.set[n] = true
		}
		for n := range direct[tok] {
			for n2, w2 := range direct[n] {
				sig.weights[n2] += w2
				sig.set[n2] = true
			}
		}
		signatures[tok] = sig
	}

	label := make(map[hlsf.Token]hlsf.Token, len(tokens))
	for _, tok := range tokens {
		label[tok] = tok
	}

	prefilterK := opts.PrefilterK
	if prefilterK <= 0 {
		prefilterK = 8
	}
	candidateSet := make(map[hlsf.Token]map[hlsf.Token]bool, len(tokens))
	neighborsOf := func(tok hlsf.Token) []hlsf.Token {
		if cached, ok := candidateSet[tok]; ok {
			return sortedKeys(cached)
		}
		cands := make(map[hlsf.Token]bool)
		for n := range direct[tok] {
			cands[n] = true
			for n2 := range direct[n] {
				if n2 != tok {
					cands[n2] = true
				}
			}
		}
		if opts.Prefilter != nil {
			if emb, ok := opts.Embeddings[tok]; ok {
				if near, err := opts.Prefilter.TopK(ctx, emb, prefilterK); err == nil {
					for _, n := range near {
						if n != tok {
							cands[n] = true
						}
					}
				}
			}
		}
		candidateSet[tok] = cands
		return sortedKeys(cands)
	}

	for pass := 0; pass < opts.Iterations; pass++ {
		changed := false
		for _, tok := range tokens {
			best := label[tok]
			bestScore := -1.0
			scoreByLabel := make(map[hlsf.Token]float64)
			for _, n := range neighborsOf(tok) {
				nSig, ok := signatures[n]
				if !ok {
					continue
				}
				aff := affinity(signatures[tok], nSig)
				if aff < opts.Threshold {
					continue
				}
				scoreByLabel[label[n]] += aff
			}
			var candidateLabels []hlsf.Token
			for l := range scoreByLabel {
				candidateLabels = append(candidateLabels, l)
			}
			sort.Slice(candidateLabels, func(i, j int) bool { return candidateLabels[i] < candidateLabels[j] })
			for _, l := range candidateLabels {
				s := scoreByLabel[l]
				if s > bestScore || (s == bestScore && l < best) {
					bestScore = s
					best = l
				}
			}
			if best != label[tok] {
				label[tok] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	var distinctLabels []hlsf.Token
	seen := make(map[hlsf.Token]bool)
	for _, tok := range tokens {
		l := label[tok]
		if !seen[l] {
			seen[l] = true
			distinctLabels = append(distinctLabels, l)
		}
	}
	sort.Slice(distinctLabels, func(i, j int) bool { return distinctLabels[i] < distinctLabels[j] })
	idOf := make(map[hlsf.Token]int, len(distinctLabels))
	for i, l := range distinctLabels {
		idOf[l] = i
	}

	labels := make(map[hlsf.Token]int, len(tokens))
	for _, tok := range tokens {
		labels[tok] = idOf[label[tok]]
	}
	return &Result{Labels: labels}
}

// affinity = 0.6·cosine + 0.4·jaccard over a's and b's signatures.
func affinity(a, b *signature) float64 {
	return 0.6*cosine(a, b) + 0.4*jaccard(a, b)
}

func cosine(a, b *signature) float64 {
	var dot, normA, normB float64
	for tok, wa := range a.weights {
		normA += wa * wa
		if wb, ok := b.weights[tok]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b.weights {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sortedKeys(m map[hlsf.Token]bool) []hlsf.Token {
	out := make([]hlsf.Token, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func jaccard(a, b *signature) float64 {
	if len(a.set) == 0 && len(b.set) == 0 {
		return 0
	}
	inter := 0
	for tok := range a.set {
		if b.set[tok] {
			inter++
		}
	}
	union := len(a.set) + len(b.set) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
