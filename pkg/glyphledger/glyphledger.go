// Package glyphledger implements the Glyph Ledger: a deterministic
// token→glyph assignment derived from a token's attention score and hash,
// plus a persistent weighted many-to-one reverse map used to resolve a
// rendered glyph back to the token it most recently stood for.
package glyphledger

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// glyphLibrary is the fixed, ordered set of printable symbols glyphs are
// assigned from. Declared the same way pkg/relation's catalog is: a
// package-level literal, never computed, so an index into it is stable
// across runs and across persisted ledgers.
var glyphLibrary = []string{
	"☀", "☁", "☂", "☃", "☄", "★", "☆", "☇", "☈", "☉",
	"☊", "☋", "☌", "☍", "☎", "☏", "☐", "☑", "☒", "☓",
	"☖", "☗", "☘", "☙", "☚", "☛", "☜", "☝", "☞", "☟",
	"☢", "☣", "☤", "☥", "☦", "☧", "☨", "☩", "☪", "☫",
	"☬", "☭", "☮", "☯", "☸", "☹", "☺", "☻", "☼", "☽",
	"☾", "☿", "♀", "♁", "♂", "♃", "♄", "♅", "♆", "♇",
	"♈", "♉", "♊", "♋", "♌", "♍", "♎", "♏", "♐", "♑",
	"♒", "♓", "♔", "♕", "♖", "♗", "♘", "♙",
}

// observation is one recorded (token, weight) pair under a glyph.
type observation struct {
	Token      hlsf.Token `json:"token"`
	Weight     float64    `json:"w"`
	RecordedAt time.Time  `json:"t"`
}

// Ledger is the Glyph Ledger. Safe for concurrent use; if a persist path
// is set via NewWithPersistence, every Record call mirrors the ledger to
// disk: each glyph's observation list is patched into the file's JSON with
// sjson, and the whole file is then written back.
type Ledger struct {
	mu           sync.Mutex
	observations map[string][]observation

	persistPath string
}

// New returns an in-memory-only Ledger.
func New() *Ledger {
	return &Ledger{observations: make(map[string][]observation)}
}

func now() time.Time {
	return time.Now().UTC()
}

// NewWithPersistence returns a Ledger that mirrors every Record to the
// JSON file at path, loading any existing observations from it first.
func NewWithPersistence(path string) (*Ledger, error) {
	l := &Ledger{observations: make(map[string][]observation), persistPath: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("glyphledger: read %q: %w", path, err)
	}
	if err := loadSnapshot(data, l.observations); err != nil {
		return nil, fmt.Errorf("glyphledger: decode %q: %w", path, err)
	}
	return l, nil
}

// Assign computes the complex coordinate `c = magnitude·e^(iφ)` for token
// at the given attention score and returns the glyph library's entry for
// it, along with the magnitude and phase (radians) used.
func Assign(token hlsf.Token, attentionScore float64) (glyph string, magnitude, phase float64) {
	magnitude = clamp01(attentionScore)
	phase = float64(hash32(token)%360) * math.Pi / 180
	idx := glyphIndex(magnitude, phase)
	return glyphLibrary[idx], magnitude, phase
}

func glyphIndex(magnitude, phase float64) int {
	m7 := int(math.Floor(magnitude * 7))
	p10 := int(math.Floor(phase * 10 / (2 * math.Pi)))
	idx := (m7*10 + p10) % len(glyphLibrary)
	if idx < 0 {
		idx += len(glyphLibrary)
	}
	return idx
}

func hash32(token hlsf.Token) uint32 {
	h := fnv.New32a()
	h.Write([]byte(token))
	return h.Sum32()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Record assigns token's glyph from attentionScore and appends a
// (glyph, token, weight) observation to the ledger. Idempotent: recording
// the same (glyph, token, weight) twice leaves a single observation with
// its timestamp refreshed to the latest call, matching the "content-
// addressable and idempotent under repeated inserts" invariant.
func (l *Ledger) Record(token hlsf.Token, attentionScore float64) (glyph string, err error) {
	glyph, _, _ = Assign(token, attentionScore)
	weight := clamp01(attentionScore)

	l.mu.Lock()
	defer l.mu.Unlock()

	obs := l.observations[glyph]
	for i, o := range obs {
		if o.Token == token && o.Weight == weight {
			obs[i].RecordedAt = now()
			l.observations[glyph] = obs
			return glyph, l.persist()
		}
	}
	l.observations[glyph] = append(obs, observation{Token: token, Weight: weight, RecordedAt: now()})
	return glyph, l.persist()
}

// ReverseLookup implements `ledger_best_token`: it returns the token whose
// recorded weight under glyph is closest to weight, ties broken by most
// recent observation. Satisfies dispatcher.GlyphResolver.
func (l *Ledger) ReverseLookup(glyph string, weight float64) (hlsf.Token, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	obs := l.observations[glyph]
	if len(obs) == 0 {
		return "", false
	}

	best := obs[0]
	bestDist := math.Abs(weight - best.Weight)
	for _, o := range obs[1:] {
		dist := math.Abs(weight - o.Weight)
		if dist < bestDist || (dist == bestDist && o.RecordedAt.After(best.RecordedAt)) {
			best, bestDist = o, dist
		}
	}
	return best.Token, true
}

// Glyphs returns every glyph with at least one recorded observation,
// sorted for deterministic iteration.
func (l *Ledger) Glyphs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.observations))
	for g := range l.observations {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// loadSnapshot decodes a full ledger JSON file into dst.
func loadSnapshot(data []byte, dst map[string][]observation) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &dst)
}

// persist mirrors the ledger to disk if a persist path was configured.
// Called with l.mu held.
func (l *Ledger) persist() error {
	if l.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.persistPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("glyphledger: read %q: %w", l.persistPath, err)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	for glyph, obs := range l.observations {
		patched, err := sjson.SetBytes(data, glyph, obs)
		if err != nil {
			return fmt.Errorf("glyphledger: patch %q: %w", glyph, err)
		}
		data = patched
	}
	if err := os.WriteFile(l.persistPath, data, 0o644); err != nil {
		return fmt.Errorf("glyphledger: write %q: %w", l.persistPath, err)
	}
	return nil
}
