// Package knowbase provides a knowledge-persistence and retrieval layer for
// agentic applications.
//
// The package stores structured knowledge units and lets callers search them
// across heterogeneous backends through one uniform contract. It consists of
// four layers, leaves first:
//
//   - Unit: the record type all storage and search operate on
//   - Store: durable CRUD over Units for one backend
//   - Engine: a read-optimized index derived from a Store, kept current
//     through an explicit Sync step
//   - KnowledgeBase: aggregates Stores and Engines under a single
//     CRUD/search entry point
//
// # Architecture
//
// Control flow through the layer:
//
//	caller mutates through KnowledgeBase
//	     |
//	     v
//	fan-out to selected Stores (source of truth)
//	     |
//	     v
//	Engine.Sync reconciles derived indexes (vector, facet, ...)
//	     |
//	     | (when searching)
//	     v
//	fan-out to selected Engines
//	     |
//	     v
//	merged, ranked Results with search provenance in metadata
//
// Stores are the source of truth; Engines are caches with an explicit,
// observable reconciliation step. Between a Store mutation and the next Sync
// an Engine may answer from a stale view. There is no implicit refresh on
// read.
//
// # Backends
//
// Store implementations live in subpackages:
//
//   - MemoryStore (this package): map-backed reference implementation
//   - sqlstore: relational backend with sqlite and postgres dialects
//   - mongostore: document backend (MongoDB)
//   - vecstore: PostgreSQL + pgvector backend with similarity search
//
// Engine implementations:
//
//   - scan: brute-force scan over a Store, no derived state
//   - facet: bleve-backed categorical filter with optional lexical scoring
//   - vector: embedding index over an injected Embedder capability
//   - docengine: delegates filtering to MongoDB's native query language
//
// # Progress reporting
//
// Batch operations and Sync accept a Progress sink and advance it by the
// number of units processed in each underlying batch call, so observers see
// item-granularity ticks regardless of backend chunking. A nil Progress is
// always safe; it is replaced by a no-op sink.
//
// # Errors
//
// The layer surfaces four sentinel errors checked with errors.Is:
// ErrNotFound, ErrBackendUnavailable, ErrSchemaMismatch and ErrValidation.
// Store and Engine operations never catch-and-hide backend errors; the
// KnowledgeBase propagates the first error from a fan-out wrapped in a
// PartialError that reports which components had already succeeded.
package knowbase
