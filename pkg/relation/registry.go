// Package relation holds the fixed catalog of 50 semantic relationship
// glyphs: their English names, per-type priorities used by the Attention
// Scorer, and a normalize function that accepts a glyph, an "glyph english"
// pair, or the bare English phrase, falling back to fuzzy matching for
// near-miss CLI input.
package relation

import (
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// entry pairs one canonical relation glyph with its metadata. Declared the
// same way internal/config.ValidProviderNames declares its fixed list: a
// package-level literal, never computed.
type entry struct {
	key      hlsf.RelKey
	english  string
	priority float64
}

// catalog is the explicit, stable list of the 50 canonical relationship
// glyphs. Order here is semantic grouping, not alphabetical — alphabetical
// order by display name is derived only for UI summaries (see English),
// never used for matching or iteration semantics.
var catalog = []entry{
	{"≈", "variant", 0.55},
	{"≡", "synonym", 0.90},
	{"≠", "antonym", 0.85},
	{"∈", "instance-of", 0.70},
	{"∉", "not-instance-of", 0.30},
	{"⊂", "hyponym", 0.75},
	{"⊃", "hypernym", 0.75},
	{"⊆", "meronym", 0.65},
	{"⊇", "holonym", 0.65},
	{"∪", "union-with", 0.40},
	{"∩", "overlaps-with", 0.45},
	{"→", "causes", 0.80},
	{"←", "caused-by", 0.80},
	{"↔", "mutually-causes", 0.70},
	{"⇒", "implies", 0.65},
	{"⇐", "implied-by", 0.65},
	{"⇔", "equivalent-to", 0.85},
	{"∴", "therefore", 0.50},
	{"∵", "because", 0.50},
	{"∝", "proportional-to", 0.45},
	{"∞", "unbounded-by", 0.25},
	{"∅", "lacks", 0.30},
	{"∀", "universally-associated-with", 0.35},
	{"∃", "exemplified-by", 0.55},
	{"¬", "negates", 0.75},
	{"∧", "co-occurs-with", 0.50},
	{"∨", "alternative-to", 0.45},
	{"⊕", "complements", 0.55},
	{"⊗", "conflicts-with", 0.60},
	{"⊥", "contrasts-with", 0.40},
	{"∥", "parallels", 0.40},
	{"∠", "associated-with", 0.30},
	{"△", "precedes", 0.50},
	{"□", "follows", 0.50},
	{"○", "surrounds", 0.35},
	{"◇", "contained-in", 0.60},
	{"★", "exemplifies", 0.55},
	{"☆", "aspires-to", 0.30},
	{"♦", "symbolizes", 0.40},
	{"♣", "derived-from", 0.65},
	{"♠", "opposes", 0.70},
	{"♥", "favored-by", 0.35},
	{"✦", "located-in", 0.55},
	{"✧", "located-near", 0.35},
	{"✪", "occurs-during", 0.45},
	{"✫", "occurs-before", 0.45},
	{"✬", "occurs-after", 0.45},
	{"✭", "owned-by", 0.55},
	{"✮", "used-for", 0.60},
	{"✯", "part-of-process", 0.50},
}

// defaultPriority is returned by Priority for an unrecognized glyph.
const defaultPriority = 0.3

// fuzzyThreshold is the minimum Jaro-Winkler similarity accepted by
// Normalize's fuzzy fallback.
const fuzzyThreshold = 0.90

var (
	englishByKey map[hlsf.RelKey]string
	priorityByKey map[hlsf.RelKey]float64
	keyByEnglish map[string]hlsf.RelKey
	aliasToKey   map[string]hlsf.RelKey
)

func init() {
	englishByKey = make(map[hlsf.RelKey]string, len(catalog))
	priorityByKey = make(map[hlsf.RelKey]float64, len(catalog))
	keyByEnglish = make(map[string]hlsf.RelKey, len(catalog))
	for _, e := range catalog {
		englishByKey[e.key] = e.english
		priorityByKey[e.key] = e.priority
		keyByEnglish[e.english] = e.key
	}

	// Common alias spellings accepted by normalize in addition to the
	// canonical English display name.
	aliasToKey = map[string]hlsf.RelKey{
		"variants":       "≈",
		"synonyms":       "≡",
		"same-as":        "≡",
		"antonyms":       "≠",
		"opposite-of":    "≠",
		"instance":       "∈",
		"is-a":           "∈",
		"subtype-of":     "⊂",
		"supertype-of":   "⊃",
		"part":           "⊆",
		"has-part":       "⊇",
		"causes-to":      "→",
		"result-of":      "←",
		"equivalent":     "⇔",
		"equals":         "⇔",
		"conflicts":      "⊗",
		"opposes-to":     "♠",
		"located":        "✦",
		"near":           "✧",
		"before":         "✫",
		"after":          "✬",
		"owned":          "✭",
		"used-for-task":  "✮",
	}
}

// Catalog returns the 50 canonical relation keys in their stable,
// explicit declaration order — never alphabetical.
func Catalog() []hlsf.RelKey {
	out := make([]hlsf.RelKey, len(catalog))
	for i, e := range catalog {
		out[i] = e.key
	}
	return out
}

// English returns the display name for glyph, or "" if unknown.
func English(glyph hlsf.RelKey) string {
	return englishByKey[glyph]
}

// Priority returns the fixed per-type priority multiplier for glyph, used
// by the Attention Scorer. Unknown glyphs (including the two distinguished
// synthetic relations unless special-cased by the caller) default to 0.3.
func Priority(glyph hlsf.RelKey) float64 {
	if p, ok := priorityByKey[glyph]; ok {
		return p
	}
	return defaultPriority
}

// IsVariant reports whether glyph is the distinguished "variant" relation
// subject to the Adjacency Fetcher's variant filter.
func IsVariant(glyph hlsf.RelKey) bool {
	return glyph == "≈"
}

// Normalize accepts a raw string that is either a canonical glyph, an
// "glyph english" pair (as round-tripped through a summary string), or the
// bare English phrase (exact or a known alias), and returns the canonical
// RelKey. Failing an exact match, it falls back to Jaro-Winkler fuzzy
// matching against the 50 display names plus alias table, accepting the
// best match only above fuzzyThreshold. Returns ("", false) if nothing
// matches closely enough.
func Normalize(raw string) (hlsf.RelKey, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	if _, ok := englishByKey[hlsf.RelKey(trimmed)]; ok {
		return hlsf.RelKey(trimmed), true
	}

	fields := strings.Fields(trimmed)
	if len(fields) > 1 {
		if _, ok := englishByKey[hlsf.RelKey(fields[0])]; ok {
			return hlsf.RelKey(fields[0]), true
		}
		trimmed = strings.Join(fields[1:], " ")
	}

	lower := strings.ToLower(trimmed)
	if key, ok := keyByEnglish[lower]; ok {
		return key, true
	}
	if key, ok := aliasToKey[lower]; ok {
		return key, true
	}

	return fuzzyNormalize(lower)
}

// fuzzyNormalize scores lower against every known display name and alias
// using Jaro-Winkler similarity, returning the best match above threshold.
func fuzzyNormalize(lower string) (hlsf.RelKey, bool) {
	var best hlsf.RelKey
	bestScore := 0.0

	consider := func(name string, key hlsf.RelKey) {
		score := matchr.JaroWinkler(lower, name, true)
		if score > bestScore {
			bestScore = score
			best = key
		}
	}
	for name, key := range keyByEnglish {
		consider(name, key)
	}
	for name, key := range aliasToKey {
		consider(name, key)
	}

	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return "", false
}
