package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hlsf-engine/hlsf-core/pkg/hlsf"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore is a durable [Store] that mirrors the Token Cache to disk as
// one JSON file per Cache Chunk prefix ("a".json .. "z".json, "0".json ..
// "9".json, "_".json), matching the Remote Chunk Store's on-disk shape so
// the two can share chunk files directly.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tokencache: filestore: mkdir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(prefix string) string {
	return filepath.Join(s.dir, prefix+".json")
}

func (s *FileStore) loadChunk(prefix string) (map[hlsf.Token]*hlsf.AdjacencyRecord, error) {
	data, err := os.ReadFile(s.path(prefix))
	if os.IsNotExist(err) {
		return map[hlsf.Token]*hlsf.AdjacencyRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokencache: filestore: read %s: %w", prefix, err)
	}
	var wire wireChunk
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, hlsf.WrapCoreError(hlsf.KindInvalidChunk, "filestore: decode "+prefix, err)
	}
	out := make(map[hlsf.Token]*hlsf.AdjacencyRecord, len(wire.Tokens))
	for _, rec := range wire.Tokens {
		out[rec.Token] = rec.toRecord()
	}
	return out, nil
}

func (s *FileStore) saveChunk(prefix string, records map[hlsf.Token]*hlsf.AdjacencyRecord) error {
	tokens := make([]hlsf.Token, 0, len(records))
	for tok := range records {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	wire := wireChunk{Prefix: prefix, TokenCount: len(tokens)}
	for _, tok := range tokens {
		wire.Tokens = append(wire.Tokens, fromRecord(records[tok]))
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("tokencache: filestore: encode %s: %w", prefix, err)
	}
	if err := os.WriteFile(s.path(prefix), data, 0o644); err != nil {
		return fmt.Errorf("tokencache: filestore: write %s: %w", prefix, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, token hlsf.Token) (*hlsf.AdjacencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, err := s.loadChunk(token.Prefix())
	if err != nil {
		return nil, err
	}
	r, ok := chunk[token]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *FileStore) Put(_ context.Context, token hlsf.Token, record *hlsf.AdjacencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := token.Prefix()
	chunk, err := s.loadChunk(prefix)
	if err != nil {
		return err
	}
	chunk[token] = record.Clone()
	return s.saveChunk(prefix, chunk)
}

func (s *FileStore) Has(ctx context.Context, token hlsf.Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, err := s.loadChunk(token.Prefix())
	if err != nil {
		return false, err
	}
	_, ok := chunk[token]
	return ok, nil
}

func (s *FileStore) List(_ context.Context, prefix string) ([]hlsf.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prefixes []string
	if prefix != "" {
		prefixes = []string{prefix}
	} else {
		prefixes = s.allPrefixes()
	}
	var out []hlsf.Token
	for _, p := range prefixes {
		chunk, err := s.loadChunk(p)
		if err != nil {
			return nil, err
		}
		for tok := range chunk {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *FileStore) RemoveMany(_ context.Context, tokens []hlsf.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPrefix := make(map[string][]hlsf.Token)
	for _, tok := range tokens {
		byPrefix[tok.Prefix()] = append(byPrefix[tok.Prefix()], tok)
	}
	for prefix, toks := range byPrefix {
		chunk, err := s.loadChunk(prefix)
		if err != nil {
			return err
		}
		for _, tok := range toks {
			delete(chunk, tok)
		}
		if err := s.saveChunk(prefix, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) All(_ context.Context) ([]*hlsf.AdjacencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*hlsf.AdjacencyRecord
	for _, p := range s.allPrefixes() {
		chunk, err := s.loadChunk(p)
		if err != nil {
			return nil, err
		}
		for _, r := range chunk {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *FileStore) allPrefixes() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			out = append(out, name[:len(name)-len(".json")])
		}
	}
	return out
}
