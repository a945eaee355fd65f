// Package chromem implements the VectorStore interface on top of chromem-go,
// a pure Go embedded vector database. A shadow record map carries the typed
// metadata chromem cannot hold, and serves enumeration for sweeps and
// snapshots.
package chromem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/salesops-ai/sentinel/memory"
)

// Store wraps a single chromem collection.
type Store struct {
	col *chromem.Collection

	mu      sync.RWMutex
	records map[string]memory.Record
}

// New creates a chromem-backed store.
func New() (*Store, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(
		"memories",
		nil, // no collection metadata
		nil, // embeddings are provided by the caller
	)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Store{col: col, records: make(map[string]memory.Record)}, nil
}

// Upsert inserts or replaces a record in both chromem and the shadow map.
func (s *Store) Upsert(id string, vector []float32, metadata map[string]any) error {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	text, _ := meta[memory.MetaText].(string)
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		// chromem AddDocument does not replace; delete the stale copy first.
		if err := s.col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("replace document: %w", err)
		}
	}
	if err := s.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vec,
	}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	s.records[id] = memory.Record{MemoryID: id, Vector: vec, Metadata: meta}
	return nil
}

// Get returns a copy of one record from the shadow map.
func (s *Store) Get(id string) (memory.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return memory.Record{}, false
	}
	return copyRecord(rec), true
}

// Delete removes a record from chromem and the shadow map.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return
	}
	_ = s.col.Delete(context.Background(), nil, nil, id)
	delete(s.records, id)
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Items returns a copy of every record.
func (s *Store) Items() []memory.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	return out
}

// Query asks chromem for every document ranked against the query vector,
// then applies the metadata filter, minScore cut, and topK truncation using
// the shadow records. Collections here are small enough that ranking all
// documents is cheaper than teaching chromem about typed filters.
func (s *Store) Query(vector []float32, topK int, filter map[string]any, minScore float64) []memory.QueryResult {
	s.mu.RLock()
	total := len(s.records)
	s.mu.RUnlock()
	if total == 0 {
		return nil
	}

	results, err := s.col.QueryEmbedding(context.Background(), vector, total, nil, nil)
	if err != nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []memory.QueryResult
	for _, r := range results {
		rec, ok := s.records[r.ID]
		if !ok {
			continue
		}
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		score := float64(r.Similarity)
		if score < minScore {
			continue
		}
		text, _ := rec.Metadata[memory.MetaText].(string)
		out = append(out, memory.QueryResult{
			MemoryID: rec.MemoryID,
			Text:     text,
			Score:    math.Round(score*10000) / 10000,
			Metadata: copyRecord(rec).Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func copyRecord(rec memory.Record) memory.Record {
	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	meta := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	return memory.Record{MemoryID: rec.MemoryID, Vector: vec, Metadata: meta}
}
