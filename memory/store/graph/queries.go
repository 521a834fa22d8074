package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ecelabs/tiermem/memory"
)

// appIDNamespace seeds deterministic app_id derivation so re-imports of
// the same source link back to the same node.
var appIDNamespace = uuid.MustParse("f8bd0f6e-0c4c-4654-9201-12c4f2b4b5ef")

// entityTypes is the fixed allowlist for Entity.type. Anything outside
// it is stored as "concept" rather than interpolated into the graph.
var entityTypes = map[string]bool{
	"person":       true,
	"project":      true,
	"concept":      true,
	"organization": true,
	"tool":         true,
	"location":     true,
	"event":        true,
}

// AddMemory persists a memory node, deduplicating on content hash.
// A repeat write returns the existing id with StatusDuplicate. When the
// store has no live connection the write is dropped and
// StatusUnavailable returned.
func (s *Store) AddMemory(ctx context.Context, mem *memory.Memory, entities []memory.Entity) (string, memory.Status, error) {
	q := s.live()
	if q == nil {
		return "", memory.StatusUnavailable, nil
	}

	if cached, ok := s.dedup.Get(mem.ContentHash); ok {
		return cached.(string), memory.StatusDuplicate, nil
	}

	rows, err := q.Run(ctx, `MATCH (m:Memory {content_hash: $hash}) RETURN m.id AS id LIMIT 1`,
		map[string]any{"hash": mem.ContentHash})
	if err != nil {
		s.degrade(err)
		return "", memory.StatusUnavailable, nil
	}
	if len(rows) > 0 {
		id := rowString(rows[0], "id")
		s.dedup.Set(mem.ContentHash, id, 1)
		return id, memory.StatusDuplicate, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	metadataJSON := "{}"
	if mem.Metadata != nil {
		if raw, err := json.Marshal(mem.Metadata); err == nil {
			metadataJSON = string(raw)
		}
	}

	_, err = q.Run(ctx, `
		CREATE (m:Memory {
			id: $id,
			session_id: $sessionID,
			content: $content,
			content_cleaned: $contentCleaned,
			content_hash: $hash,
			category: $category,
			tags: $tags,
			importance: $importance,
			metadata: $metadata,
			provenance_score: $provenance,
			freshness_score: $freshness,
			last_verified_at: $now,
			app_id: $appID,
			created_at: $now
		})`,
		map[string]any{
			"id":             id,
			"sessionID":      mem.SessionID,
			"content":        mem.Content,
			"contentCleaned": mem.ContentCleaned,
			"hash":           mem.ContentHash,
			"category":       mem.Category,
			"tags":           mem.Tags,
			"importance":     mem.Importance,
			"metadata":       metadataJSON,
			"provenance":     s.provenanceScore(mem.Category, mem.Metadata),
			"freshness":      s.freshnessScore(mem.Metadata),
			"appID":          s.deriveAppID(mem),
			"now":            now,
		})
	if err != nil {
		s.degrade(err)
		return "", memory.StatusUnavailable, nil
	}

	for _, ent := range entities {
		if strings.TrimSpace(ent.Name) == "" {
			continue
		}
		entType := strings.ToLower(ent.Type)
		if !entityTypes[entType] {
			entType = "concept"
		}
		_, err := q.Run(ctx, `
			MATCH (m:Memory {id: $id})
			MERGE (e:Entity {name: $name})
			ON CREATE SET e.type = $type, e.mention_count = 0
			SET e.last_seen = $now, e.mention_count = e.mention_count + 1
			MERGE (m)-[:MENTIONS]->(e)`,
			map[string]any{
				"id":   id,
				"name": ent.Name,
				"type": entType,
				"now":  now,
			})
		if err != nil {
			log.Printf("[NEO4J] Entity link failed for %q: %v", ent.Name, err)
		}
	}

	s.dedup.Set(mem.ContentHash, id, 1)
	return id, memory.StatusOK, nil
}

// deriveAppID produces the stable external identifier: a supplied id
// wins, then a namespaced hash over source+chunk, then one over a
// content prefix.
func (s *Store) deriveAppID(mem *memory.Memory) string {
	if mem.AppID != "" {
		return mem.AppID
	}
	if mem.Metadata != nil {
		if supplied, ok := mem.Metadata["id"].(string); ok && supplied != "" {
			return supplied
		}
		if source, ok := mem.Metadata["source"].(string); ok && source != "" {
			chunk := 0
			switch v := mem.Metadata["chunk_index"].(type) {
			case int:
				chunk = v
			case float64:
				chunk = int(v)
			}
			return uuid.NewSHA1(appIDNamespace, []byte(fmt.Sprintf("%s:%d", source, chunk))).String()
		}
	}
	prefix := mem.ContentCleaned
	if len(prefix) > 64 {
		cut := 64
		for cut > 0 && !utf8.RuneStart(prefix[cut]) {
			cut--
		}
		prefix = prefix[:cut]
	}
	return uuid.NewSHA1(appIDNamespace, []byte(prefix)).String()
}

// provenanceScore rates source reliability: code and logs highest,
// conversational chatter lowest.
func (s *Store) provenanceScore(category string, metadata map[string]any) float64 {
	switch strings.ToLower(category) {
	case "code":
		return 1.0
	case "log", "logs":
		return 0.95
	case "doc", "docs", "documentation":
		return 0.8
	case "chat", "conversation", "message":
		return 0.4
	}
	if metadata != nil {
		if source, ok := metadata["source"].(string); ok {
			lower := strings.ToLower(source)
			switch {
			case strings.HasSuffix(lower, ".py"), strings.HasSuffix(lower, ".js"), strings.HasSuffix(lower, ".go"):
				return 1.0
			case strings.HasSuffix(lower, ".log"):
				return 0.95
			}
		}
		if st, ok := metadata["source_type"].(string); ok && strings.ToLower(st) == "doc" {
			return 0.8
		}
	}
	return s.cfg.DefaultProvenance
}

func (s *Store) freshnessScore(metadata map[string]any) float64 {
	if metadata != nil {
		if f, ok := metadata["freshness_score"].(float64); ok && f >= 0 && f <= 1 {
			return f
		}
	}
	return s.cfg.DefaultFreshness
}

const memoryReturn = `
	RETURN m.id AS id, m.session_id AS session_id, m.content AS content,
	       m.content_cleaned AS content_cleaned, m.content_hash AS content_hash,
	       m.category AS category, m.tags AS tags, m.importance AS importance,
	       m.metadata AS metadata, m.provenance_score AS provenance_score,
	       m.freshness_score AS freshness_score, m.app_id AS app_id,
	       m.created_at AS created_at`

// SearchMemories prefers the full-text index; when that query fails
// (index missing or unsupported) it falls back to a substring scan
// ranked by importance.
func (s *Store) SearchMemories(ctx context.Context, query, category string, limit int) ([]memory.Memory, memory.Status, error) {
	q := s.live()
	if q == nil {
		return nil, memory.StatusUnavailable, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := q.Run(ctx, `
		CALL db.index.fulltext.queryNodes('memorySearch', $query) YIELD node, score
		WHERE $category = '' OR node.category = $category
		WITH node AS m, score`+memoryReturn+`, score AS rank
		ORDER BY rank DESC LIMIT $limit`,
		map[string]any{"query": query, "category": category, "limit": limit})
	if err != nil {
		log.Printf("[NEO4J] Full-text search unavailable, using substring scan: %v", err)
		rows, err = q.Run(ctx, `
			MATCH (m:Memory)
			WHERE toLower(m.content_cleaned) CONTAINS toLower($query)
			  AND ($category = '' OR m.category = $category)
			WITH m, toFloat(m.importance) / 10.0 AS rank`+memoryReturn+`, rank
			ORDER BY rank DESC, created_at DESC LIMIT $limit`,
			map[string]any{"query": query, "category": category, "limit": limit})
		if err != nil {
			s.degrade(err)
			return nil, memory.StatusUnavailable, nil
		}
	}
	return parseRows(rows), memory.StatusOK, nil
}

// GetRecentByCategory returns the newest memories in a category,
// optionally scoped to one session.
func (s *Store) GetRecentByCategory(ctx context.Context, category, sessionID string, limit int) ([]memory.Memory, memory.Status, error) {
	q := s.live()
	if q == nil {
		return nil, memory.StatusUnavailable, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := q.Run(ctx, `
		MATCH (m:Memory)
		WHERE ($category = '' OR m.category = $category)
		  AND ($sessionID = '' OR m.session_id = $sessionID)
		WITH m, toFloat(m.importance) / 10.0 AS rank`+memoryReturn+`, rank
		ORDER BY created_at DESC LIMIT $limit`,
		map[string]any{"category": category, "sessionID": sessionID, "limit": limit})
	if err != nil {
		s.degrade(err)
		return nil, memory.StatusUnavailable, nil
	}
	return parseRows(rows), memory.StatusOK, nil
}

// GetSummaries returns stored session summaries, newest first.
func (s *Store) GetSummaries(ctx context.Context, sessionID string, limit int) ([]memory.Memory, memory.Status, error) {
	return s.GetRecentByCategory(ctx, "summary", sessionID, limit)
}

func parseRows(rows []map[string]any) []memory.Memory {
	memories := make([]memory.Memory, 0, len(rows))
	for _, row := range rows {
		mem := memory.Memory{
			ID:              rowString(row, "id"),
			SessionID:       rowString(row, "session_id"),
			Content:         rowString(row, "content"),
			ContentCleaned:  rowString(row, "content_cleaned"),
			ContentHash:     rowString(row, "content_hash"),
			Category:        rowString(row, "category"),
			Tags:            rowStrings(row, "tags"),
			Importance:      rowInt(row, "importance"),
			ProvenanceScore: rowFloat(row, "provenance_score"),
			FreshnessScore:  rowFloat(row, "freshness_score"),
			AppID:           rowString(row, "app_id"),
			CreatedAt:       rowTime(row, "created_at"),
			Score:           rowFloat(row, "rank"),
		}
		if mem.Score == 0 && mem.Importance > 0 {
			mem.Score = float64(mem.Importance) / 10.0
		}
		if raw := rowString(row, "metadata"); raw != "" && raw != "{}" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				mem.Metadata = meta
			}
		}
		memories = append(memories, mem)
	}
	return memories
}

func rowString(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowStrings(row map[string]any, key string) []string {
	raw, ok := row[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func rowInt(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func rowFloat(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func rowTime(row map[string]any, key string) time.Time {
	if v, ok := row[key].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
