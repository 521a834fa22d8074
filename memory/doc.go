// Package memory defines the tiered memory model for an LLM assistant.
//
// Memories flow through three tiers with different durability and
// latency characteristics:
//   - GraphStore: durable Memory/Entity graph (Neo4j) with dedup and a
//     resilient reconnect lifecycle
//   - HotCache: TTL-bounded per-session transcript cache (Redis)
//   - VectorIndex: approximate similarity search over embeddings, with
//     transparent fallback to an in-process linear scan
//
// The Manager orchestrates writes (hygiene gate -> distillation ->
// dedup -> persist -> optional vector index) and reads across tiers.
// Every tier degrades rather than fails: a dead backend produces empty
// results with StatusUnavailable, and the assistant keeps answering
// without memory rather than erroring out.
//
// Optional collaborators:
//   - Distiller: extracts entities/importance before persistence
//     (anthropic implementation provided)
//   - Embedder: text-to-vector conversion (mock for testing, ONNX for
//     local use)
//
// Absence of either collaborator skips its step instead of failing the
// write.
package memory
