package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// SchemaVersion identifies the snapshot file layout.
const SchemaVersion = "1.1"

// Config tunes the Bank.
type Config struct {
	// SnapshotPath is where Save writes the durable JSON snapshot.
	SnapshotPath string

	// AuditPath is the JSONL audit trail for memory operations.
	AuditPath string

	// StorePII disables redaction when true. Default is to redact.
	StorePII bool

	// MaxMemories caps live entries; oldest-created entries are evicted
	// past the cap. Default 1000.
	MaxMemories int

	// EmbedCacheSize bounds the embedding cache entry count. Default 4096.
	EmbedCacheSize int64
}

// Bank is the semantic memory controller: it embeds text, redacts PII,
// sweeps expired entries, enforces the capacity bound, audits every
// operation, and persists snapshots atomically.
type Bank struct {
	embedder Embedder
	store    VectorStore
	cfg      Config

	cache   *ristretto.Cache
	audit   *observability.JSONLWriter
	metrics observability.Metrics
	logger  *logrus.Entry

	// serializes sweep/save against each other; store-level access is
	// already guarded by the store's own lock
	mu sync.Mutex
}

// Option configures the Bank.
type Option func(*Bank)

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) Option {
	return func(b *Bank) { b.metrics = m }
}

// WithLogger sets the component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(b *Bank) { b.logger = l }
}

// NewBank creates a Bank and restores the snapshot at cfg.SnapshotPath if one
// exists. A missing or unreadable snapshot starts the bank empty; snapshot
// problems never fail construction.
func NewBank(embedder Embedder, store VectorStore, cfg Config, opts ...Option) (*Bank, error) {
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 1000
	}
	if cfg.EmbedCacheSize <= 0 {
		cfg.EmbedCacheSize = 4096
	}

	b := &Bank{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		metrics:  observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = observability.NewLogger("MemoryBank", "")
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.EmbedCacheSize * 10,
		MaxCost:     cfg.EmbedCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	b.cache = cache

	if cfg.AuditPath != "" {
		w, err := observability.NewJSONLWriter(cfg.AuditPath)
		if err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
		b.audit = w
	}

	b.load()
	return b, nil
}

func (b *Bank) auditOp(op string, details map[string]any) {
	if b.audit == nil {
		return
	}
	entry := map[string]any{
		"timestamp": core.Now(),
		"op":        op,
	}
	for k, v := range details {
		entry[k] = v
	}
	// Audit failures are logged, never propagated.
	if err := b.audit.Append(entry); err != nil {
		b.logger.WithError(err).Error("memory audit write failed")
	}
}

func (b *Bank) embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := b.cache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	b.cache.Set(text, vec, 1)
	return vec, nil
}

// Remember stores text under a fresh UUID. See Upsert.
func (b *Bank) Remember(ctx context.Context, text string, metadata map[string]any, ttl time.Duration) (string, error) {
	return b.Upsert(ctx, uuid.New().String(), text, metadata, ttl)
}

// Upsert redacts, embeds, and stores text under the given id, replacing any
// existing entry with that id. A zero ttl means the entry never expires.
func (b *Bank) Upsert(ctx context.Context, id, text string, metadata map[string]any, ttl time.Duration) (string, error) {
	if text == "" {
		return "", core.Classifiedf(core.KindValidation, "memory text cannot be empty")
	}
	b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "upsert"})

	b.Sweep()

	start := time.Now()
	clean := text
	if !b.cfg.StorePII {
		clean = RedactPII(text)
	}

	meta := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetaText] = clean
	meta[MetaCreatedAt] = core.Now()
	if ttl > 0 {
		meta[MetaExpiresAt] = core.Timestamp(time.Now().Add(ttl))
	}

	vec, err := b.embed(ctx, clean)
	if err != nil {
		b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "error"})
		return "", fmt.Errorf("embed memory: %w", err)
	}
	if err := b.store.Upsert(id, vec, meta); err != nil {
		b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "error"})
		return "", fmt.Errorf("store memory: %w", err)
	}

	b.Sweep()

	latency := float64(time.Since(start).Microseconds()) / 1000.0
	b.metrics.ObserveLatency("salesops_memory_upsert", nil, time.Since(start))
	b.auditOp("upsert", map[string]any{"memory_id": id, "latency_ms": latency})
	return id, nil
}

// Recall embeds the query and returns up to topK results with
// score >= minScore, restricted to entries matching filter exactly.
// Expired entries are excluded even if the sweep has not removed them yet.
func (b *Bank) Recall(ctx context.Context, query string, topK int, filter map[string]any, minScore float64) ([]QueryResult, error) {
	b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "query"})
	start := time.Now()

	vec, err := b.embed(ctx, query)
	if err != nil {
		b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "error"})
		return nil, fmt.Errorf("embed query: %w", err)
	}

	raw := b.store.Query(vec, topK, filter, minScore)

	now := time.Now()
	results := raw[:0]
	for _, r := range raw {
		if exp, ok := parseTimestamp(r.Metadata[MetaExpiresAt]); ok && exp.Before(now) {
			continue
		}
		results = append(results, r)
	}

	b.Sweep()

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.MemoryID
	}
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	b.metrics.ObserveLatency("salesops_memory_query", nil, time.Since(start))
	b.auditOp("query", map[string]any{
		"query_len":    len(query),
		"result_count": len(results),
		"ids":          ids,
		"latency_ms":   latency,
	})
	return results, nil
}

// Delete removes one entry.
func (b *Bank) Delete(id string) {
	b.store.Delete(id)
	b.auditOp("delete", map[string]any{"memory_id": id})
}

// Count returns the number of live entries.
func (b *Bank) Count() int {
	return b.store.Count()
}

// Sweep removes expired entries, then evicts the oldest-created entries until
// the store is back under MaxMemories. Eviction is by creation time, not last
// access.
func (b *Bank) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	expired := 0
	for _, rec := range b.store.Items() {
		if exp, ok := parseTimestamp(rec.Metadata[MetaExpiresAt]); ok && exp.Before(now) {
			b.store.Delete(rec.MemoryID)
			expired++
		}
	}
	if expired > 0 {
		b.logger.WithField("count", expired).Info("expired memories removed")
		b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "evict"})
		b.auditOp("expire", map[string]any{"count": expired})
	}

	over := b.store.Count() - b.cfg.MaxMemories
	if over <= 0 {
		return
	}
	items := b.store.Items()
	sort.Slice(items, func(i, j int) bool {
		// Entries without a parseable creation time evict first.
		ti, oki := parseTimestamp(items[i].Metadata[MetaCreatedAt])
		tj, okj := parseTimestamp(items[j].Metadata[MetaCreatedAt])
		if oki != okj {
			return !oki
		}
		return ti.Before(tj)
	})
	for _, rec := range items[:over] {
		b.store.Delete(rec.MemoryID)
	}
	b.metrics.IncCounter("salesops_memory_ops_total", map[string]string{"op": "evict"})
	b.auditOp("evict", map[string]any{"count": over})
}

// snapshot is the durable JSON document layout.
type snapshot struct {
	SchemaVersion string            `json:"schema_version"`
	CreatedAt     string            `json:"created_at"`
	Store         map[string]Record `json:"store"`
}

// Save writes the full store to SnapshotPath via write-to-temp-then-rename so
// a crash mid-write cannot corrupt the previous snapshot.
func (b *Bank) Save() error {
	if b.cfg.SnapshotPath == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	snap := snapshot{
		SchemaVersion: SchemaVersion,
		CreatedAt:     core.Now(),
		Store:         make(map[string]Record),
	}
	for _, rec := range b.store.Items() {
		snap.Store[rec.MemoryID] = rec
	}

	dir := filepath.Dir(b.cfg.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Classified(core.KindStorage, err)
	}
	tmp, err := os.CreateTemp(dir, "memory_bank-*.json")
	if err != nil {
		return core.Classified(core.KindStorage, err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return core.Classified(core.KindStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return core.Classified(core.KindStorage, err)
	}
	if err := os.Rename(tmp.Name(), b.cfg.SnapshotPath); err != nil {
		os.Remove(tmp.Name())
		return core.Classified(core.KindStorage, err)
	}
	return nil
}

// load restores a snapshot if present. Any failure is logged and the bank
// starts empty; persistence is best-effort, not a correctness dependency.
func (b *Bank) load() {
	if b.cfg.SnapshotPath == "" {
		return
	}
	data, err := os.ReadFile(b.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.WithError(err).Warn("snapshot unreadable, starting empty")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		b.logger.WithError(err).Warn("snapshot corrupt, starting empty")
		return
	}
	for id, rec := range snap.Store {
		if err := b.store.Upsert(id, rec.Vector, rec.Metadata); err != nil {
			b.logger.WithError(err).WithField("memory_id", id).Warn("skipping snapshot record")
		}
	}
	b.logger.WithField("count", b.store.Count()).Info("restored memory snapshot")
}
