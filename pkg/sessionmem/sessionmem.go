// Package sessionmem implements Session Memory: a bounded prompt ring and
// an insertion-ordered adjacency-summary map that together let the
// Graph Assembler and Dimension Layout Planner see recent conversation
// context without Token Cache ever being mutated directly.
package sessionmem

import (
	"sort"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

const (
	// MaxPrompts bounds the prompt ring; the oldest entry is evicted once
	// the ring would exceed this length.
	MaxPrompts = 100

	// MaxSummaries bounds the insertion-ordered adjacency-summary map.
	MaxSummaries = 50

	// MaxFocusTokens bounds applyConversationOverlay's returned focus set.
	MaxFocusTokens = 12

	defaultSummaryLimit         = 20
	defaultSummaryEdgesPerToken = 6
)

// Prompt is one recorded user/assistant turn.
type Prompt struct {
	ID        string
	Text      string
	Tokens    []hlsf.Token
	Seeds     []hlsf.Token
	RecordedAt time.Time
}

// AdjacencySummary is a deep-copied, pruned adjacency index captured under
// one label (typically a prompt or turn ID).
type AdjacencySummary struct {
	Label      string
	Records    map[hlsf.Token]*hlsf.AdjacencyRecord
	RecordedAt time.Time
}

// SummaryOptions configures one recordAdjacencySummary call.
type SummaryOptions struct {
	// Limit caps how many top-by-attention records are kept. Defaults to 20.
	Limit int
	// EdgesPerToken caps each kept record's relationship buckets. Defaults to 6.
	EdgesPerToken int
	// WeightFloor drops edges below this weight from each kept record.
	WeightFloor float64
}

func (o SummaryOptions) resolve() SummaryOptions {
	if o.Limit <= 0 {
		o.Limit = defaultSummaryLimit
	}
	if o.EdgesPerToken <= 0 {
		o.EdgesPerToken = defaultSummaryEdgesPerToken
	}
	return o
}

// Memory holds one session's bounded prompt ring and adjacency summaries.
// All methods are safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	prompts  []*Prompt
	summaries *orderedmap.OrderedMap[string, *AdjacencySummary]
}

// New returns an empty Memory.
func New() *Memory {
	return &Memory{
		summaries: orderedmap.New[string, *AdjacencySummary](),
	}
}

// RecordPrompt inserts a prompt at the tail of the ring, evicting the head
// once the ring would exceed MaxPrompts entries.
func (m *Memory) RecordPrompt(id, text string, tokens, seeds []hlsf.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, &Prompt{
		ID:         id,
		Text:       text,
		Tokens:     append([]hlsf.Token(nil), tokens...),
		Seeds:      append([]hlsf.Token(nil), seeds...),
		RecordedAt: time.Time{},
	})
	if len(m.prompts) > MaxPrompts {
		m.prompts = m.prompts[len(m.prompts)-MaxPrompts:]
	}
}

// Prompts returns a copy of the current ring, oldest first.
func (m *Memory) Prompts() []*Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Prompt, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// RecordAdjacencySummary deep-copies the opts.Limit top-by-attention
// entries from index (ties by ascending token), prunes each copy's
// relationships by opts.WeightFloor and opts.EdgesPerToken, and inserts
// the result under label into the insertion-ordered summary map, evicting
// the oldest summary once the map would exceed MaxSummaries entries.
func (m *Memory) RecordAdjacencySummary(label string, index map[hlsf.Token]*hlsf.AdjacencyRecord, opts SummaryOptions) {
	opts = opts.resolve()

	type scored struct {
		tok hlsf.Token
		rec *hlsf.AdjacencyRecord
	}
	var all []scored
	for tok, rec := range index {
		all = append(all, scored{tok: tok, rec: rec})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rec.AttentionScore != all[j].rec.AttentionScore {
			return all[i].rec.AttentionScore > all[j].rec.AttentionScore
		}
		return all[i].tok < all[j].tok
	})
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}

	kept := make(map[hlsf.Token]*hlsf.AdjacencyRecord, len(all))
	for _, s := range all {
		kept[s.tok] = pruneForSummary(s.rec, opts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.summaries.Set(label, &AdjacencySummary{Label: label, Records: kept, RecordedAt: time.Time{}})
	for m.summaries.Len() > MaxSummaries {
		oldest := m.summaries.Oldest()
		if oldest == nil {
			break
		}
		m.summaries.Delete(oldest.Key)
	}
}

func pruneForSummary(rec *hlsf.AdjacencyRecord, opts SummaryOptions) *hlsf.AdjacencyRecord {
	out := rec.Clone()
	for rel, edges := range out.Relationships {
		var kept []hlsf.Edge
		for _, e := range edges {
			if e.Weight >= opts.WeightFloor {
				kept = append(kept, e)
			}
			if len(kept) >= opts.EdgesPerToken {
				break
			}
		}
		if len(kept) == 0 {
			delete(out.Relationships, rel)
			continue
		}
		out.Relationships[rel] = kept
	}
	out.Recompute()
	return out
}

// ApplyConversationOverlay merges every stored summary into a clone of
// index (adding any summary edge not already present in the corresponding
// record, or the whole record if the token is new to index) and returns
// the augmented index plus up to MaxFocusTokens tokens, chosen by highest
// attention across the most recently recorded summary each token
// appears in.
func (m *Memory) ApplyConversationOverlay(index map[hlsf.Token]*hlsf.AdjacencyRecord) (map[hlsf.Token]*hlsf.AdjacencyRecord, []hlsf.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	augmented := make(map[hlsf.Token]*hlsf.AdjacencyRecord, len(index))
	for tok, rec := range index {
		augmented[tok] = rec.Clone()
	}

	latestAttention := make(map[hlsf.Token]float64)
	for pair := m.summaries.Oldest(); pair != nil; pair = pair.Next() {
		for tok, rec := range pair.Value.Records {
			existing, ok := augmented[tok]
			if !ok {
				augmented[tok] = rec.Clone()
			} else {
				mergeMissingEdges(existing, rec)
			}
			latestAttention[tok] = rec.AttentionScore
		}
	}

	var focusCandidates []hlsf.Token
	for tok := range latestAttention {
		focusCandidates = append(focusCandidates, tok)
	}
	sort.Slice(focusCandidates, func(i, j int) bool {
		if latestAttention[focusCandidates[i]] != latestAttention[focusCandidates[j]] {
			return latestAttention[focusCandidates[i]] > latestAttention[focusCandidates[j]]
		}
		return focusCandidates[i] < focusCandidates[j]
	})
	if len(focusCandidates) > MaxFocusTokens {
		focusCandidates = focusCandidates[:MaxFocusTokens]
	}

	return augmented, focusCandidates
}

func mergeMissingEdges(existing, summary *hlsf.AdjacencyRecord) {
	for rel, edges := range summary.Relationships {
		present := make(map[hlsf.Token]bool, len(existing.Relationships[rel]))
		for _, e := range existing.Relationships[rel] {
			present[e.Neighbor] = true
		}
		for _, e := range edges {
			if !present[e.Neighbor] {
				existing.Relationships[rel] = append(existing.Relationships[rel], e)
			}
		}
	}
	existing.SortBuckets()
	existing.Recompute()
}
