// Package hlsf holds the shared data model for the semantic-adjacency
// engine: tokens, edges, adjacency records, cache chunks, manifests, and
// the performance profile that every other package borrows immutably.
package hlsf

import "strings"

// Token is a normalized lowercase string, the canonical key across every
// store in the system. A Token carrying a colon-prefixed category tag
// (e.g. "sym:42") is a symbol token: opaque to the Adjacency Fetcher,
// which returns an empty record for it.
type Token string

// Normalize lowercases and trims s, returning the canonical Token form.
// Empty input normalizes to the empty Token.
func Normalize(s string) Token {
	return Token(strings.ToLower(strings.TrimSpace(s)))
}

// IsSymbol reports whether t carries the symbol-token category tag.
func (t Token) IsSymbol() bool {
	return strings.HasPrefix(string(t), "sym:")
}

// Empty reports whether t normalizes to nothing.
func (t Token) Empty() bool {
	return strings.TrimSpace(string(t)) == ""
}

// Prefix returns the Cache Chunk / Remote Chunk Store shard prefix for t:
// the lowercase first character when it falls in a-z or 0-9, else "_".
func (t Token) Prefix() string {
	s := string(t)
	if s == "" {
		return "_"
	}
	c := s[0]
	switch {
	case c >= 'a' && c <= 'z':
		return string(c)
	case c >= '0' && c <= '9':
		return string(c)
	default:
		return "_"
	}
}
