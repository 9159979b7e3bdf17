package tokencache

import (
	"context"
	"sort"
	"sync"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store]. It backs the Token Cache's
// fast-path overlay, and also serves as a Quota-free fallback Store when no
// durable backend is configured. The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	records map[hlsf.Token]*hlsf.AdjacencyRecord
}

// NewMemStore returns an initialised MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[hlsf.Token]*hlsf.AdjacencyRecord)}
}

func (s *MemStore) Get(_ context.Context, token hlsf.Token) (*hlsf.AdjacencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[token]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemStore) Put(_ context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = make(map[hlsf.Token]*hlsf.AdjacencyRecord)
	}
	s.records[token] = record.Clone()
	return nil
}

func (s *MemStore) Has(_ context.Context, token hlsf.Token) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[token]
	return ok, nil
}

func (s *MemStore) List(_ context.Context, prefix string) ([]hlsf.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []hlsf.Token
	for tok := range s.records {
		if prefix == "" || tok.Prefix() == prefix {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) RemoveMany(_ context.Context, tokens []hlsf.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range tokens {
		delete(s.records, tok)
	}
	return nil
}

func (s *MemStore) All(_ context.Context) ([]*hlsf.AdjacencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*hlsf.AdjacencyRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}
