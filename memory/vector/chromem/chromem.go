// Package chromem backs the vector tier with chromem-go, a pure Go
// embedded vector database. Useful when no Redis is available but
// persistence across queries in one process is still wanted.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/ecelabs/tiermem/memory"
)

// Index is the chromem-backed memory.VectorIndex. All entries live in a
// single collection; chromem has no get/delete-by-id surface, so a side
// map keeps that bookkeeping.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection

	mu      sync.RWMutex
	entries map[string]memory.VectorEntry
}

// New creates an empty chromem-backed index.
func New() (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("memories", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{
		db:      db,
		col:     col,
		entries: make(map[string]memory.VectorEntry),
	}, nil
}

// IndexChunk stores the entry as a chromem document.
func (i *Index) IndexChunk(ctx context.Context, entry memory.VectorEntry) error {
	if entry.EmbeddingID == "" {
		return fmt.Errorf("empty embedding id")
	}

	metadataJSON := "{}"
	if entry.Metadata != nil {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			metadataJSON = string(raw)
		}
	}
	doc := chromem.Document{
		ID:        entry.EmbeddingID,
		Content:   entry.NodeID,
		Embedding: entry.Embedding,
		Metadata: map[string]string{
			"node_id":     entry.NodeID,
			"chunk_index": strconv.Itoa(entry.ChunkIndex),
			"metadata":    metadataJSON,
		},
	}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	i.mu.Lock()
	i.entries[entry.EmbeddingID] = entry
	i.mu.Unlock()
	return nil
}

// QueryVector returns the topK entries by similarity. chromem requires
// nResults <= collection size, so the limit shrinks on that error until
// a query succeeds or the collection proves empty.
func (i *Index) QueryVector(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	if topK <= 0 {
		topK = 5
	}

	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		var err error
		results, err = i.col.QueryEmbedding(ctx, embedding, limit, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				log.Printf("[CHROMEM] Collection is empty")
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	hits := make([]memory.VectorHit, 0, len(results))
	for _, result := range results {
		// Skip ids deleted from the side map.
		if _, ok := i.entries[result.ID]; !ok {
			continue
		}
		hit := memory.VectorHit{
			EmbeddingID: result.ID,
			NodeID:      result.Metadata["node_id"],
			Score:       float64(result.Similarity),
		}
		if n, err := strconv.Atoi(result.Metadata["chunk_index"]); err == nil {
			hit.ChunkIndex = n
		}
		if raw := result.Metadata["metadata"]; raw != "" && raw != "{}" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				hit.Metadata = meta
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Get returns a stored entry, nil when absent.
func (i *Index) Get(ctx context.Context, embeddingID string) (*memory.VectorEntry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if entry, ok := i.entries[embeddingID]; ok {
		return &entry, nil
	}
	return nil, nil
}

// Delete removes the entry from the side map; the chromem document
// stays behind but is filtered out of query results.
func (i *Index) Delete(ctx context.Context, embeddingID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, embeddingID)
	return nil
}

// Health always succeeds: chromem is in-process.
func (i *Index) Health(ctx context.Context) error { return nil }

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
