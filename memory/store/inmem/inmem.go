// Package inmem implements the VectorStore interface with a mutex-guarded
// map and exact cosine-similarity scan. It is the default backend for local
// runs and tests.
package inmem

import (
	"math"
	"sort"
	"sync"

	"github.com/salesops-ai/sentinel/memory"
)

// Store is a thread-safe in-memory vector store.
type Store struct {
	mu    sync.RWMutex
	items map[string]memory.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]memory.Record)}
}

// Upsert inserts or replaces a record. The vector and metadata are copied so
// callers cannot mutate stored state afterward.
func (s *Store) Upsert(id string, vector []float32, metadata map[string]any) error {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = memory.Record{MemoryID: id, Vector: vec, Metadata: meta}
	return nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (memory.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return memory.Record{}, false
	}
	return copyRecord(rec), true
}

// Delete removes a record.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Items returns a copy of every record.
func (s *Store) Items() []memory.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Record, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, copyRecord(rec))
	}
	return out
}

// Query scans all records, scores them by cosine similarity, and returns the
// topK results with score >= minScore matching the metadata filter exactly.
func (s *Store) Query(vector []float32, topK int, filter map[string]any, minScore float64) []memory.QueryResult {
	type scored struct {
		score float64
		rec   memory.Record
	}

	s.mu.RLock()
	var candidates []scored
	for _, rec := range s.items {
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		score := cosineSimilarity(vector, rec.Vector)
		if score < minScore {
			continue
		}
		candidates = append(candidates, scored{score: score, rec: rec})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]memory.QueryResult, 0, len(candidates))
	for _, c := range candidates {
		text, _ := c.rec.Metadata[memory.MetaText].(string)
		results = append(results, memory.QueryResult{
			MemoryID: c.rec.MemoryID,
			Text:     text,
			Score:    math.Round(c.score*10000) / 10000,
			Metadata: copyRecord(c.rec).Metadata,
		})
	}
	return results
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// cosineSimilarity returns the normalized dot product of two vectors.
// A zero-norm vector scores 0 against anything rather than dividing by zero.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
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
