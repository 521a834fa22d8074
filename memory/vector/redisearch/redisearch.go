// Package redisearch backs the vector tier with Redis hashes and, when
// the server supports it, a managed HNSW similarity index. Degradation
// is layered: no FT capability falls back to a client-side cosine scan
// over the stored hashes, and no Redis connection at all falls back to
// an in-process index.
package redisearch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ecelabs/tiermem/memory"
	"github.com/ecelabs/tiermem/memory/vector"
)

const (
	indexName = "memory_vectors"
	keyPrefix = "vec:"
	setKey    = "vec:index"
)

// Index is the Redis-backed memory.VectorIndex.
type Index struct {
	client *redis.Client

	mu          sync.Mutex
	provisioned bool
	noSearch    bool // server lacks the FT command family

	fallback *vector.MemoryIndex
}

// New creates an Index over an existing Redis client. A nil client
// degrades every operation to the in-process fallback.
func New(client *redis.Client) *Index {
	if client == nil {
		log.Printf("[VECTOR] No Redis client, using in-process index")
	}
	return &Index{client: client, fallback: vector.NewMemoryIndex()}
}

// IndexChunk persists the entry as a Redis hash. The first successful
// write provisions a dimension-matched HNSW index when the server
// advertises search support.
func (i *Index) IndexChunk(ctx context.Context, entry memory.VectorEntry) error {
	if entry.EmbeddingID == "" {
		return fmt.Errorf("empty embedding id")
	}
	if i.client == nil {
		return i.fallback.IndexChunk(ctx, entry)
	}

	metadataJSON := "{}"
	if entry.Metadata != nil {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			metadataJSON = string(raw)
		}
	}
	fields := map[string]any{
		"node_id":     entry.NodeID,
		"chunk_index": entry.ChunkIndex,
		"embedding":   string(packVector(entry.Embedding)),
		"metadata":    metadataJSON,
	}
	if err := i.client.HSet(ctx, keyPrefix+entry.EmbeddingID, fields).Err(); err != nil {
		log.Printf("[VECTOR] Redis write failed, using in-process index: %v", err)
		return i.fallback.IndexChunk(ctx, entry)
	}
	i.client.SAdd(ctx, setKey, entry.EmbeddingID)

	i.ensureIndex(ctx, len(entry.Embedding))
	return nil
}

// ensureIndex provisions the HNSW index once. A server without the FT
// command family is remembered so we stop trying.
func (i *Index) ensureIndex(ctx context.Context, dim int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.provisioned || i.noSearch || dim == 0 {
		return
	}
	err := i.client.Do(ctx,
		"FT.CREATE", indexName, "ON", "HASH", "PREFIX", "1", keyPrefix,
		"SCHEMA", "embedding", "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32", "DIM", strconv.Itoa(dim), "DISTANCE_METRIC", "COSINE",
	).Err()
	switch {
	case err == nil:
		i.provisioned = true
		log.Printf("[VECTOR] Provisioned HNSW index (dim=%d)", dim)
	case strings.Contains(strings.ToLower(err.Error()), "already exists"):
		i.provisioned = true
	case strings.Contains(strings.ToLower(err.Error()), "unknown command"):
		i.noSearch = true
		log.Printf("[VECTOR] Server has no search module, queries will scan")
	default:
		log.Printf("[VECTOR] Index provisioning failed: %v", err)
	}
}

// QueryVector tries the managed KNN search first and falls back to a
// client-side cosine scan on any failure. Both paths return the same
// hit shape.
func (i *Index) QueryVector(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	if topK <= 0 {
		topK = 5
	}
	if i.client == nil {
		return i.fallback.QueryVector(ctx, embedding, topK)
	}

	i.mu.Lock()
	tryManaged := i.provisioned && !i.noSearch
	i.mu.Unlock()

	if tryManaged {
		hits, err := i.knnSearch(ctx, embedding, topK)
		if err == nil {
			return hits, nil
		}
		log.Printf("[VECTOR] Managed search failed, scanning: %v", err)
	}
	return i.scanQuery(ctx, embedding, topK)
}

func (i *Index) knnSearch(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	query := fmt.Sprintf("*=>[KNN %d @embedding $vec AS score]", topK)
	reply, err := i.client.Do(ctx,
		"FT.SEARCH", indexName, query,
		"PARAMS", "2", "vec", string(packVector(embedding)),
		"SORTBY", "score",
		"RETURN", "4", "node_id", "chunk_index", "metadata", "score",
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, err
	}
	return parseSearchReply(reply)
}

// parseSearchReply handles both the RESP2 array shape and the RESP3 map
// shape of an FT.SEARCH response.
func parseSearchReply(reply any) ([]memory.VectorHit, error) {
	switch r := reply.(type) {
	case []any:
		// [total, key, [field, value, ...], key, [...], ...]
		var hits []memory.VectorHit
		for idx := 1; idx+1 < len(r); idx += 2 {
			key, _ := r[idx].(string)
			fields, _ := r[idx+1].([]any)
			attrs := make(map[string]string, len(fields)/2)
			for f := 0; f+1 < len(fields); f += 2 {
				name, _ := fields[f].(string)
				value, _ := fields[f+1].(string)
				attrs[name] = value
			}
			hits = append(hits, hitFromAttrs(key, attrs))
		}
		return hits, nil
	case map[any]any:
		return parseResp3Results(r["results"])
	case map[string]any:
		return parseResp3Results(r["results"])
	}
	return nil, fmt.Errorf("unexpected search reply shape %T", reply)
}

func parseResp3Results(results any) ([]memory.VectorHit, error) {
	rows, ok := results.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected results shape %T", results)
	}
	var hits []memory.VectorHit
	for _, row := range rows {
		doc, ok := toStringMap(row)
		if !ok {
			continue
		}
		key, _ := doc["id"].(string)
		attrs := map[string]string{}
		if extra, ok := toStringMap(doc["extra_attributes"]); ok {
			for name, value := range extra {
				if s, ok := value.(string); ok {
					attrs[name] = s
				}
			}
		}
		hits = append(hits, hitFromAttrs(key, attrs))
	}
	return hits, nil
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if s, ok := k.(string); ok {
				out[s] = val
			}
		}
		return out, true
	}
	return nil, false
}

func hitFromAttrs(key string, attrs map[string]string) memory.VectorHit {
	hit := memory.VectorHit{
		EmbeddingID: strings.TrimPrefix(key, keyPrefix),
		NodeID:      attrs["node_id"],
	}
	if n, err := strconv.Atoi(attrs["chunk_index"]); err == nil {
		hit.ChunkIndex = n
	}
	// FT returns cosine distance; similarity = 1 - distance.
	if d, err := strconv.ParseFloat(attrs["score"], 64); err == nil {
		hit.Score = 1 - d
	}
	if raw := attrs["metadata"]; raw != "" && raw != "{}" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			hit.Metadata = meta
		}
	}
	return hit
}

// scanQuery computes cosine similarity client-side over every stored
// hash.
func (i *Index) scanQuery(ctx context.Context, embedding []float32, topK int) ([]memory.VectorHit, error) {
	ids, err := i.client.SMembers(ctx, setKey).Result()
	if err != nil {
		log.Printf("[VECTOR] Scan unavailable, using in-process index: %v", err)
		return i.fallback.QueryVector(ctx, embedding, topK)
	}

	hits := make([]memory.VectorHit, 0, len(ids))
	for _, id := range ids {
		entry, err := i.readEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		hits = append(hits, memory.VectorHit{
			EmbeddingID: entry.EmbeddingID,
			NodeID:      entry.NodeID,
			ChunkIndex:  entry.ChunkIndex,
			Score:       vector.Cosine(embedding, entry.Embedding),
			Metadata:    entry.Metadata,
		})
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Get returns a stored entry, nil when absent.
func (i *Index) Get(ctx context.Context, embeddingID string) (*memory.VectorEntry, error) {
	if i.client == nil {
		return i.fallback.Get(ctx, embeddingID)
	}
	return i.readEntry(ctx, embeddingID)
}

func (i *Index) readEntry(ctx context.Context, embeddingID string) (*memory.VectorEntry, error) {
	fields, err := i.client.HGetAll(ctx, keyPrefix+embeddingID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry := &memory.VectorEntry{
		EmbeddingID: embeddingID,
		NodeID:      fields["node_id"],
		Embedding:   unpackVector([]byte(fields["embedding"])),
	}
	if n, err := strconv.Atoi(fields["chunk_index"]); err == nil {
		entry.ChunkIndex = n
	}
	if raw := fields["metadata"]; raw != "" && raw != "{}" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			entry.Metadata = meta
		}
	}
	return entry, nil
}

// Delete removes an entry from both the hashes and the id set.
func (i *Index) Delete(ctx context.Context, embeddingID string) error {
	if i.client == nil {
		return i.fallback.Delete(ctx, embeddingID)
	}
	if err := i.client.Del(ctx, keyPrefix+embeddingID).Err(); err != nil {
		return i.fallback.Delete(ctx, embeddingID)
	}
	i.client.SRem(ctx, setKey, embeddingID)
	return nil
}

// Health pings the backing server; always healthy in fallback mode.
func (i *Index) Health(ctx context.Context) error {
	if i.client == nil {
		return nil
	}
	return i.client.Ping(ctx).Err()
}

func packVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
