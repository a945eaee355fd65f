// Package memory provides the semantic memory layer for the anomaly-response
// loop: a capacity/TTL-bounded vector store behind a Bank that redacts PII,
// audits every operation, and persists a JSON snapshot.
//
// Architecture:
//   - VectorStore: storage backend (in-memory for local, chromem for embedded
//     semantic search)
//   - Embedder: text-to-vector conversion (hash-based mock for tests, ONNX
//     all-MiniLM behind the onnx build tag)
//   - Bank: orchestrates redaction, expiry sweeps, eviction, audit, and
//     snapshot save/load
//
// Integration:
//   - RECALL during explanation: similar past anomalies enrich the prompt
//   - REMEMBER after resolution: the completed cycle becomes retrievable
//     history for future runs
package memory
