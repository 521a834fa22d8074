// Package vector provides approximate nearest-neighbor lookup over
// memory embeddings. MemoryIndex is the in-process fallback every
// backend degrades to, so similarity search never hard-fails.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ecelabs/tiermem/memory"
)

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero-length or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MemoryIndex is a mutex-guarded in-process vector store answering
// queries by linear cosine scan. It backs tests and every degraded
// path.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]memory.VectorEntry
}

// NewMemoryIndex creates an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]memory.VectorEntry)}
}

// IndexChunk stores the entry, replacing any previous one with the same
// embedding id.
func (m *MemoryIndex) IndexChunk(ctx context.Context, entry memory.VectorEntry) error {
	if entry.EmbeddingID == "" {
		return fmt.Errorf("empty embedding id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.EmbeddingID] = entry
	return nil
}

// QueryVector scans every stored vector and returns the topK by cosine
// similarity.
func (m *MemoryIndex) QueryVector(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	if topK <= 0 {
		topK = 5
	}
	m.mu.RLock()
	hits := make([]memory.VectorHit, 0, len(m.entries))
	for _, entry := range m.entries {
		hits = append(hits, memory.VectorHit{
			EmbeddingID: entry.EmbeddingID,
			NodeID:      entry.NodeID,
			ChunkIndex:  entry.ChunkIndex,
			Score:       Cosine(embedding, entry.Embedding),
			Metadata:    entry.Metadata,
		})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Get returns a stored entry, nil when absent.
func (m *MemoryIndex) Get(ctx context.Context, embeddingID string) (*memory.VectorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.entries[embeddingID]; ok {
		return &entry, nil
	}
	return nil, nil
}

// Delete removes an entry. Deleting an absent id is a no-op.
func (m *MemoryIndex) Delete(ctx context.Context, embeddingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, embeddingID)
	return nil
}

// Health always succeeds: the index lives in-process.
func (m *MemoryIndex) Health(ctx context.Context) error { return nil }

// Len reports the stored entry count.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
