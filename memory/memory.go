package memory

import (
	"context"
	"time"
)

// Status reports how an operation against a tiered backend actually
// executed. Degraded tiers answer with ok-but-empty results instead of
// errors, so callers need an explicit signal to tell "nothing stored"
// apart from "store unreachable".
type Status int

const (
	// StatusOK means the operation ran against a live backend.
	StatusOK Status = iota
	// StatusUnavailable means the backend had no live connection and
	// the operation degraded to a no-op / empty result.
	StatusUnavailable
	// StatusRejected means the content hygiene gate declined the write.
	StatusRejected
	// StatusDuplicate means an identical memory already existed and its
	// id was returned instead of creating a new node.
	StatusDuplicate
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusRejected:
		return "rejected"
	case StatusDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ConnState is the connectivity state of a durable store. Exactly one
// state holds at any time; AuthError is terminal until an operator
// updates credentials.
type ConnState int

const (
	ConnUninitialized ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnReconnecting
	ConnAuthError
)

func (c ConnState) String() string {
	switch c {
	case ConnUninitialized:
		return "uninitialized"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnAuthError:
		return "auth_error"
	default:
		return "unknown"
	}
}

// Memory is a persisted unit of content. Content holds the raw text as
// received, ContentCleaned the hygiene-pipeline output that Hash is
// computed over.
type Memory struct {
	ID              string
	SessionID       string
	Content         string
	ContentCleaned  string
	ContentHash     string
	Category        string
	Tags            []string
	Importance      int // 1-10
	Metadata        map[string]any
	ProvenanceScore float64 // [0,1]
	FreshnessScore  float64 // [0,1]
	LastVerifiedAt  time.Time
	AppID           string
	CreatedAt       time.Time

	// Score is populated on search results only: the index rank score
	// when the backend produced one, else importance/10.
	Score float64
}

// Entity is a named concept, person, or project mentioned by memories.
// Name is the unique key.
type Entity struct {
	Name     string
	Type     string
	Metadata map[string]any
}

// VectorEntry is one indexed embedding chunk keyed back to a Memory node.
type VectorEntry struct {
	EmbeddingID string
	NodeID      string
	ChunkIndex  int
	Embedding   []float32
	Metadata    map[string]any
}

// VectorHit is a similarity-search result. The shape is identical
// whether the managed index or the linear-scan fallback produced it.
type VectorHit struct {
	EmbeddingID string
	NodeID      string
	ChunkIndex  int
	Score       float64
	Metadata    map[string]any
}

// ReconnectResult reports whether TriggerReconnect started a new
// reconnect loop.
type ReconnectResult struct {
	Started bool
	Message string
}

// ConnectionConfig is the admin view of a store's connection settings.
// Password is always masked.
type ConnectionConfig struct {
	URI               string
	User              string
	Password          string // masked
	AuthError         bool
	ReconnectAttempts int
	Reconnecting      bool
}

// GraphStore is the durable Memory/Entity tier. Implementations treat
// "no live connection" as empty results and StatusUnavailable, never as
// an error; only programmer-error conditions surface as errors.
//
// Implementations: graph.Store (Neo4j).
type GraphStore interface {
	// AddMemory persists cleaned content, deduplicating on its hash.
	// Returns the new or existing memory id. Status is
	// StatusDuplicate on a dedup hit and StatusUnavailable when
	// disconnected (id empty).
	AddMemory(ctx context.Context, mem *Memory, entities []Entity) (string, Status, error)

	// SearchMemories runs a ranked full-text query when the backend
	// index is available, falling back to a substring scan.
	SearchMemories(ctx context.Context, query, category string, limit int) ([]Memory, Status, error)

	// GetRecentByCategory returns the newest memories in a category,
	// optionally scoped to a session.
	GetRecentByCategory(ctx context.Context, category, sessionID string, limit int) ([]Memory, Status, error)

	// GetSummaries returns stored session summaries, newest first.
	GetSummaries(ctx context.Context, sessionID string, limit int) ([]Memory, Status, error)

	// State reports the current connectivity state.
	State() ConnState

	// TriggerReconnect restarts the reconnect loop. force cancels any
	// live connection first; without force the call is a no-op when
	// already connected, reconnecting, or in AuthError.
	TriggerReconnect(force bool) ReconnectResult

	// GetConnectionConfig returns the masked admin view.
	GetConnectionConfig() ConnectionConfig

	// UpdateConnectionConfig replaces any non-empty fields and forces
	// a reconnect with the new settings.
	UpdateConnectionConfig(uri, user, password string) ReconnectResult

	// Close cancels the reconnect loop and releases the driver.
	Close(ctx context.Context) error
}

// HotCache is the low-latency tier for in-flight session transcripts.
// A missing backing connection degrades to empty reads and dropped
// writes.
//
// Implementations: hotcache.Cache (Redis).
type HotCache interface {
	ActiveContext(ctx context.Context, sessionID string) (string, Status)
	SaveActiveContext(ctx context.Context, sessionID, transcript string) Status
	TouchSession(ctx context.Context, sessionID string) Status
	ClearSession(ctx context.Context, sessionID string) Status
}

// VectorIndex is approximate nearest-neighbor lookup over Memory
// embeddings. Implementations fall back to an in-process linear scan
// when the managed index is unavailable, so QueryVector never
// hard-fails.
//
// Implementations: redisearch.Index, chromem.Index, vector.MemoryIndex.
type VectorIndex interface {
	IndexChunk(ctx context.Context, entry VectorEntry) error
	QueryVector(ctx context.Context, embedding []float32, topK int) ([]VectorHit, error)
	Get(ctx context.Context, embeddingID string) (*VectorEntry, error)
	Delete(ctx context.Context, embeddingID string) error
	Health(ctx context.Context) error
}

// Embedder converts text to embedding vectors.
// Implementations: embedder/mock (testing), embedder/onnx (local).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Distillate is what the text-generation collaborator extracts from a
// memory candidate before persistence.
type Distillate struct {
	Summary    string
	Entities   []Entity
	Importance int
}

// Distiller extracts entities and an importance estimate from content.
// Optional: a nil Distiller means memories persist with no linked
// entities.
type Distiller interface {
	Distill(ctx context.Context, content, category string) (*Distillate, error)
}
