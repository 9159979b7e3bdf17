// Package layout implements the Dimension Layout Planner: it turns a
// clustered token index into a set of polar placements (angle, radius,
// level, cell) suitable for a circular/sector rendering surface.
package layout

import (
	"math"
	"sort"

	"github.com/hlsf-engine/hlsf-core/pkg/cluster"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

const (
	level0Radius = 1.0
	level1Radius = 2.0
	level2Radius = 3.0

	level2SectorCount = 12
)

// Placement is one token's position on the layout surface.
type Placement struct {
	Token     hlsf.Token
	Angle     float64
	Radius    float64
	Level     int
	CellIndex int
}

// Options configures one Plan run.
type Options struct {
	// Scope selects the index projection: "state" restricts to
	// SessionTokens, falling back to "db" (the full index) if that
	// projection is empty; "db" always uses the full index.
	Scope         string
	SessionTokens map[hlsf.Token]bool
	FocusTokens   []hlsf.Token
}

// Result is the output of one Plan run.
type Result struct {
	Placements          map[hlsf.Token]Placement
	ActiveTypes         []hlsf.RelKey
	Anchors             []hlsf.Token
	LevelCount          int
	LastLevelComponents int
}

// Plan builds a layout for index, with cluster assignments from clusters
// (may be nil: clusterToAnchors then falls back to an anchor's own
// signature similarity only). Deterministic: every tie is broken by
// ascending token ordering.
func Plan(index map[hlsf.Token]*hlsf.AdjacencyRecord, clusters *cluster.Result, opts Options) *Result {
	projected := projectScope(index, opts)

	activeTypes := activeRelationTypes(projected)
	d := 2 * len(activeTypes)
	if len(opts.FocusTokens) > d {
		d = len(opts.FocusTokens)
	}
	if d < 1 {
		d = 1
	}

	anchors := selectAnchors(projected, d)
	anchors = leadWithFocusTokens(anchors, opts.FocusTokens, d)

	assignment := clusterToAnchors(projected, anchors, clusters)

	placements, levelCount, lastLevelComponents := placeLevels(anchors, assignment, projected)

	return &Result{
		Placements:          placements,
		ActiveTypes:         activeTypes,
		Anchors:             anchors,
		LevelCount:          levelCount,
		LastLevelComponents: lastLevelComponents,
	}
}

func projectScope(index map[hlsf.Token]*hlsf.AdjacencyRecord, opts Options) map[hlsf.Token]*hlsf.AdjacencyRecord {
	if opts.Scope != "state" || len(opts.SessionTokens) == 0 {
		return index
	}
	projected := make(map[hlsf.Token]*hlsf.AdjacencyRecord)
	for tok, rec := range index {
		if opts.SessionTokens[tok] {
			projected[tok] = rec
		}
	}
	if len(projected) == 0 {
		return index
	}
	return projected
}

func activeRelationTypes(index map[hlsf.Token]*hlsf.AdjacencyRecord) []hlsf.RelKey {
	seen := make(map[hlsf.RelKey]bool)
	for _, rec := range index {
		for rel, edges := range rec.Relationships {
			if len(edges) > 0 {
				seen[rel] = true
			}
		}
	}
	var out []hlsf.RelKey
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// selectAnchors scores each token by 0.4·freq + 0.3·out + 0.2·in +
// 0.1·avgCosineSignature (all normalized to [0,1] across the projection)
// and returns the top d by score, ties broken lexically.
func selectAnchors(index map[hlsf.Token]*hlsf.AdjacencyRecord, d int) []hlsf.Token {
	inDegree := make(map[hlsf.Token]int)
	outDegree := make(map[hlsf.Token]int)
	freq := make(map[hlsf.Token]int)
	for tok, rec := range index {
		for _, edges := range rec.Relationships {
			outDegree[tok] += len(edges)
			for _, e := range edges {
				inDegree[e.Neighbor]++
			}
		}
		freq[tok] = rec.TotalRelationships
	}

	maxFreq, maxOut, maxIn := 1, 1, 1
	for tok := range index {
		if freq[tok] > maxFreq {
			maxFreq = freq[tok]
		}
		if outDegree[tok] > maxOut {
			maxOut = outDegree[tok]
		}
		if inDegree[tok] > maxIn {
			maxIn = inDegree[tok]
		}
	}

	type scored struct {
		tok   hlsf.Token
		score float64
	}
	var candidates []scored
	for tok, rec := range index {
		normFreq := float64(freq[tok]) / float64(maxFreq)
		normOut := float64(outDegree[tok]) / float64(maxOut)
		normIn := float64(inDegree[tok]) / float64(maxIn)
		avgCosine := avgEdgeWeight(rec)
		score := 0.4*normFreq + 0.3*normOut + 0.2*normIn + 0.1*avgCosine
		candidates = append(candidates, scored{tok: tok, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].tok < candidates[j].tok
	})
	if len(candidates) > d {
		candidates = candidates[:d]
	}
	out := make([]hlsf.Token, len(candidates))
	for i, c := range candidates {
		out[i] = c.tok
	}
	return out
}

// avgEdgeWeight stands in for "avgCosineSignature" against the anchor's
// own neighbors, since selectAnchors scores a token before any anchor
// assignment exists to compare cosine signatures against.
func avgEdgeWeight(rec *hlsf.AdjacencyRecord) float64 {
	var sum float64
	n := 0
	for _, edges := range rec.Relationships {
		for _, e := range edges {
			sum += e.Weight
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// leadWithFocusTokens puts every focus token first (deduplicated, in the
// caller's focus-token order, whether or not it was already in anchors),
// follows them with the remaining anchors, and truncates the list to d
// entries.
func leadWithFocusTokens(anchors, focusTokens []hlsf.Token, d int) []hlsf.Token {
	if len(focusTokens) == 0 {
		return anchors
	}
	present := make(map[hlsf.Token]bool, len(anchors))
	for _, a := range anchors {
		present[a] = true
	}
	var led []hlsf.Token
	seenFocus := make(map[hlsf.Token]bool, len(focusTokens))
	for _, f := range focusTokens {
		if seenFocus[f] {
			continue
		}
		seenFocus[f] = true
		led = append(led, f)
	}
	for _, a := range anchors {
		if !seenFocus[a] {
			led = append(led, a)
		}
	}
	if len(led) > d {
		led = led[:d]
	}
	return led
}

// clusterToAnchors joins each non-anchor token in index to the anchor
// maximizing cosine similarity between their direct-neighbor weight
// vectors. When clusters is non-nil, candidate anchors are first
// restricted to those sharing the token's Affinity Clusterer label,
// falling back to the full anchor set when none share it.
func clusterToAnchors(index map[hlsf.Token]*hlsf.AdjacencyRecord, anchors []hlsf.Token, clusters *cluster.Result) map[hlsf.Token][]hlsf.Token {
	anchorSet := make(map[hlsf.Token]bool, len(anchors))
	for _, a := range anchors {
		anchorSet[a] = true
	}

	assignment := make(map[hlsf.Token][]hlsf.Token, len(anchors))
	for _, a := range anchors {
		assignment[a] = []hlsf.Token{a}
	}

	var members []hlsf.Token
	for tok := range index {
		if !anchorSet[tok] {
			members = append(members, tok)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	for _, tok := range members {
		candidates := anchors
		if clusters != nil {
			if sameLabel := anchorsSharingLabel(anchors, clusters, tok); len(sameLabel) > 0 {
				candidates = sameLabel
			}
		}

		best := ""
		bestScore := -1.0
		for _, a := range candidates {
			s := cosineSignature(index[tok], index[a])
			if s > bestScore || (s == bestScore && (best == "" || a < best)) {
				bestScore = s
				best = string(a)
			}
		}
		if best == "" {
			continue
		}
		assignment[hlsf.Token(best)] = append(assignment[hlsf.Token(best)], tok)
	}

	for a := range assignment {
		sort.Slice(assignment[a], func(i, j int) bool { return assignment[a][i] < assignment[a][j] })
	}
	return assignment
}

func anchorsSharingLabel(anchors []hlsf.Token, clusters *cluster.Result, tok hlsf.Token) []hlsf.Token {
	label, ok := clusters.Labels[tok]
	if !ok {
		return nil
	}
	var out []hlsf.Token
	for _, a := range anchors {
		if clusters.Labels[a] == label {
			out = append(out, a)
		}
	}
	return out
}

func cosineSignature(a, b *hlsf.AdjacencyRecord) float64 {
	if a == nil || b == nil {
		return 0
	}
	wa := weightVector(a)
	wb := weightVector(b)
	var dot, normA, normB float64
	for tok, v := range wa {
		normA += v * v
		if v2, ok := wb[tok]; ok {
			dot += v * v2
		}
	}
	for _, v := range wb {
		normB += v * v
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func weightVector(rec *hlsf.AdjacencyRecord) map[hlsf.Token]float64 {
	out := make(map[hlsf.Token]float64)
	for _, edges := range rec.Relationships {
		for _, e := range edges {
			out[e.Neighbor] += e.Weight
		}
	}
	return out
}

// placeLevels assigns (angle, radius, level, cellIndex) to every anchor
// and its cluster members. Level 0 holds anchors only, evenly spaced on
// a circle. Level 1 holds, per anchor, its top-D cluster members (ranked
// by neighbor-signature cosine similarity to the anchor) on a sector
// polygon centered on the anchor's Level-0 angle; the anchor itself keeps
// its Level-0 placement. Level 2 buckets any remaining cluster members
// into level2SectorCount fixed-span sectors around the full circle.
func placeLevels(anchors []hlsf.Token, assignment map[hlsf.Token][]hlsf.Token, index map[hlsf.Token]*hlsf.AdjacencyRecord) (map[hlsf.Token]Placement, int, int) {
	placements := make(map[hlsf.Token]Placement)
	d := len(anchors)
	if d == 0 {
		return placements, 0, 0
	}

	anchorAngle := make(map[hlsf.Token]float64, d)
	for i, a := range anchors {
		angle := normalizeAngle(2 * math.Pi * float64(i) / float64(d))
		anchorAngle[a] = angle
		placements[a] = Placement{Token: a, Angle: angle, Radius: level0Radius, Level: 0, CellIndex: i}
	}

	levelCount := 1
	var overflow []hlsf.Token

	for _, a := range anchors {
		members := assignment[a]
		var nonAnchor []hlsf.Token
		for _, m := range members {
			if m != a {
				nonAnchor = append(nonAnchor, m)
			}
		}
		sort.Slice(nonAnchor, func(i, j int) bool {
			wi := cosineSignature(index[nonAnchor[i]], index[a])
			wj := cosineSignature(index[nonAnchor[j]], index[a])
			if wi != wj {
				return wi > wj
			}
			return nonAnchor[i] < nonAnchor[j]
		})

		visible := nonAnchor
		if len(visible) > d {
			overflow = append(overflow, visible[d:]...)
			visible = visible[:d]
		}

		span := 2 * math.Pi / float64(d)
		base := anchorAngle[a] - span/2
		n := len(visible)
		for i, tok := range visible {
			var angle float64
			if n == 1 {
				angle = anchorAngle[a]
			} else {
				angle = base + span*float64(i)/float64(n-1)
			}
			placements[tok] = Placement{Token: tok, Angle: normalizeAngle(angle), Radius: level1Radius, Level: 1, CellIndex: i}
		}
		if n > 0 {
			levelCount = 2
		}
	}

	lastLevelComponents := 0
	if len(overflow) > 0 {
		levelCount = 3
		sort.Slice(overflow, func(i, j int) bool { return overflow[i] < overflow[j] })
		sectorSpan := 2 * math.Pi / float64(level2SectorCount)
		seenCell := make(map[int]bool)
		for i, tok := range overflow {
			cell := i % level2SectorCount
			seenCell[cell] = true
			angle := normalizeAngle(sectorSpan*float64(cell) + sectorSpan/2)
			placements[tok] = Placement{Token: tok, Angle: angle, Radius: level2Radius, Level: 2, CellIndex: cell}
		}
		lastLevelComponents = len(seenCell)
	} else if levelCount == 2 {
		total := 0
		for _, a := range anchors {
			if len(assignment[a]) > 1 {
				total++
			}
		}
		lastLevelComponents = total
	} else {
		lastLevelComponents = len(anchors)
	}

	return placements, levelCount, lastLevelComponents
}

func normalizeAngle(a float64) float64 {
	twoPi := 2 * math.Pi
	for a < 0 {
		a += twoPi
	}
	for a >= twoPi {
		a -= twoPi
	}
	return a
}
