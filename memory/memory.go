package memory

import (
	"context"
	"time"
)

// Metadata keys the Bank manages on every record. Callers may add arbitrary
// keys of their own; these four are reserved.
const (
	MetaText      = "text"
	MetaCreatedAt = "created_at"
	MetaExpiresAt = "expires_at"
)

// Record is one stored (vector, metadata) pair. The vector store owns records
// exclusively; callers receive copies.
type Record struct {
	MemoryID string         `json:"memory_id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

// QueryResult is an ephemeral read-only projection returned by similarity
// queries. It is never persisted.
type QueryResult struct {
	MemoryID string         `json:"memory_id"`
	Text     string         `json:"text"`
	Score    float64        `json:"_score"`
	Metadata map[string]any `json:"metadata"`
}

// VectorStore is the storage backend capability. Implementations must be safe
// for concurrent upsert/query/delete; the explanation stage fans out.
//
// Implementations: inmem.Store (evicting in-memory store), chromem.Store
// (embedded chromem-go database).
type VectorStore interface {
	// Upsert inserts or replaces the record with the given id.
	Upsert(id string, vector []float32, metadata map[string]any) error

	// Get returns a copy of one record.
	Get(id string) (Record, bool)

	// Query returns records sorted by descending cosine similarity,
	// truncated to topK, filtered to score >= minScore and to exact
	// metadata equality on every key in filter.
	Query(vector []float32, topK int, filter map[string]any, minScore float64) []QueryResult

	// Delete removes a record. Unknown ids are a no-op.
	Delete(id string)

	// Count returns the number of live records.
	Count() int

	// Items returns a copy of every record, for sweeps and snapshots.
	Items() []Record
}

// Embedder converts text to vector embeddings.
//
// Implementations: mock.Embedder (deterministic, for tests and offline runs),
// onnx.Embedder (all-MiniLM-L6-v2 via ONNX Runtime, behind the onnx tag).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// parseTimestamp reads an RFC 3339 metadata timestamp, tolerating records
// written with a trailing Z or an explicit offset.
func parseTimestamp(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err == nil
}
