package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/ecelabs/tiermem/hygiene"
)

// Tiered is the orchestrating Manager over the three memory tiers.
// Writes flow hygiene gate -> distillation -> graph persist -> optional
// vector index. Reads delegate to the tier that owns the data. Every
// collaborator except the graph store is optional; a nil tier or
// collaborator skips its step.
type Tiered struct {
	graph     GraphStore
	hot       HotCache
	vectors   VectorIndex
	embedder  Embedder
	distiller Distiller
	config    *Config
}

// NewTiered creates a Tiered manager. graph is required; hot, vectors,
// embedder, and distiller may be nil.
func NewTiered(graph GraphStore, hot HotCache, vectors VectorIndex, embedder Embedder, distiller Distiller, config *Config) *Tiered {
	if config == nil {
		config = DefaultConfig
	}
	return &Tiered{
		graph:     graph,
		hot:       hot,
		vectors:   vectors,
		embedder:  embedder,
		distiller: distiller,
		config:    config,
	}
}

// Remember runs a candidate write through the full pipeline and returns
// the persisted memory id. StatusRejected means the hygiene gate
// declined the content; StatusDuplicate means an identical memory
// already existed; StatusUnavailable means the graph store had no live
// connection. None of these are errors.
func (t *Tiered) Remember(ctx context.Context, sessionID, content, category string, tags []string, importance int, metadata map[string]any) (string, Status, error) {
	cleaned, ok := t.gate(content)
	if !ok {
		log.Printf("[MEMORY] Rejected content for session %s (%d chars raw)", sessionID, len(content))
		return "", StatusRejected, nil
	}

	if hygiene.HasTechnicalSignal(content) && !containsTag(tags, "#technical") {
		tags = append(tags, "#technical")
	}

	mem := &Memory{
		SessionID:      sessionID,
		Content:        content,
		ContentCleaned: cleaned,
		ContentHash:    HashContent(cleaned),
		Category:       category,
		Tags:           tags,
		Importance:     clampImportance(importance),
		Metadata:       metadata,
	}

	var entities []Entity
	if t.distiller != nil {
		dist, err := t.distiller.Distill(ctx, cleaned, category)
		if err != nil {
			log.Printf("[MEMORY] Distillation failed, persisting without entities: %v", err)
		} else if dist != nil {
			entities = dist.Entities
			if dist.Importance > 0 {
				mem.Importance = clampImportance(dist.Importance)
			}
		}
	}

	id, status, err := t.graph.AddMemory(ctx, mem, entities)
	if err != nil {
		return "", status, fmt.Errorf("add memory: %w", err)
	}
	if status == StatusUnavailable {
		log.Printf("[MEMORY] Graph store unavailable, dropped write for session %s", sessionID)
		return "", status, nil
	}
	if status == StatusDuplicate {
		log.Printf("[MEMORY] Dedup hit for session %s: %s", sessionID, id)
		return id, status, nil
	}

	t.indexMemory(ctx, id, cleaned, category)
	log.Printf("[MEMORY] Stored memory %s (session=%s category=%s)", id, sessionID, category)
	return id, status, nil
}

// gate applies the hygiene contract: JSON/HTML-shaped content with no
// technical signal is rejected, as is cleaned content under the minimum
// length with no signal.
func (t *Tiered) gate(content string) (string, bool) {
	technical := hygiene.HasTechnicalSignal(content)
	if (hygiene.LooksLikeJSON(content) || hygiene.LooksLikeHTML(content)) && !technical {
		return "", false
	}

	cleaned := hygiene.Clean(content, hygiene.Options{
		StripEmojis:       true,
		AnnotateTechnical: technical,
	})
	if hygiene.IsTokenSoup(cleaned) {
		cleaned = hygiene.SanitizeTokenSoup(cleaned)
	}
	if len(cleaned) < t.config.MinContentLength && !technical {
		return "", false
	}
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// indexMemory embeds cleaned content and writes it to the vector tier.
// Best-effort: failures are logged, never propagated to the write.
func (t *Tiered) indexMemory(ctx context.Context, id, cleaned, category string) {
	if !t.config.VectorEnabled || !t.config.AutoEmbed || t.vectors == nil || t.embedder == nil {
		return
	}
	embedding, err := t.embedder.Embed(ctx, cleaned)
	if err != nil {
		log.Printf("[MEMORY] Embed failed for %s: %v", id, err)
		return
	}
	entry := VectorEntry{
		EmbeddingID: id + ":0",
		NodeID:      id,
		ChunkIndex:  0,
		Embedding:   embedding,
		Metadata:    map[string]any{"category": category},
	}
	if err := t.vectors.IndexChunk(ctx, entry); err != nil {
		log.Printf("[MEMORY] Vector index failed for %s: %v", id, err)
	}
}

// Search queries the durable tier.
func (t *Tiered) Search(ctx context.Context, query, category string, limit int) ([]Memory, Status, error) {
	return t.graph.SearchMemories(ctx, query, category, limit)
}

// Recent returns the newest memories in a category.
func (t *Tiered) Recent(ctx context.Context, category, sessionID string, limit int) ([]Memory, Status, error) {
	return t.graph.GetRecentByCategory(ctx, category, sessionID, limit)
}

// Summaries returns stored session summaries, newest first.
func (t *Tiered) Summaries(ctx context.Context, sessionID string, limit int) ([]Memory, Status, error) {
	return t.graph.GetSummaries(ctx, sessionID, limit)
}

// SaveSummary persists a session summary through the normal write
// pipeline under the "summary" category.
func (t *Tiered) SaveSummary(ctx context.Context, sessionID, summary string) (string, Status, error) {
	return t.Remember(ctx, sessionID, summary, "summary", nil, 7, nil)
}

// FlushSummary distills the hot-tier transcript into a durable summary
// and clears the session. With no distiller the raw transcript is
// persisted as the summary. A missing or empty transcript is a no-op.
func (t *Tiered) FlushSummary(ctx context.Context, sessionID string) (string, Status, error) {
	if t.hot == nil {
		return "", StatusUnavailable, nil
	}
	transcript, status := t.hot.ActiveContext(ctx, sessionID)
	if status == StatusUnavailable || strings.TrimSpace(transcript) == "" {
		return "", status, nil
	}

	summary := transcript
	if t.distiller != nil {
		dist, err := t.distiller.Distill(ctx, transcript, "summary")
		if err != nil {
			log.Printf("[MEMORY] Summary distillation failed, storing raw transcript: %v", err)
		} else if dist != nil && dist.Summary != "" {
			summary = dist.Summary
		}
	}

	metadata := map[string]any{"original_tokens": t.countTokens(transcript)}
	id, st, err := t.Remember(ctx, sessionID, summary, "summary", nil, 7, metadata)
	if err != nil {
		return "", st, err
	}
	t.hot.ClearSession(ctx, sessionID)
	return id, st, nil
}

// ActiveContext reads the in-flight transcript from the hot tier.
func (t *Tiered) ActiveContext(ctx context.Context, sessionID string) (string, Status) {
	if t.hot == nil {
		return "", StatusUnavailable
	}
	return t.hot.ActiveContext(ctx, sessionID)
}

// SaveActiveContext overwrites the in-flight transcript.
func (t *Tiered) SaveActiveContext(ctx context.Context, sessionID, transcript string) Status {
	if t.hot == nil {
		return StatusUnavailable
	}
	return t.hot.SaveActiveContext(ctx, sessionID, transcript)
}

// TouchSession records a last-active timestamp for the session.
func (t *Tiered) TouchSession(ctx context.Context, sessionID string) Status {
	if t.hot == nil {
		return StatusUnavailable
	}
	return t.hot.TouchSession(ctx, sessionID)
}

// ClearSession drops the session's hot-tier state.
func (t *Tiered) ClearSession(ctx context.Context, sessionID string) Status {
	if t.hot == nil {
		return StatusUnavailable
	}
	return t.hot.ClearSession(ctx, sessionID)
}

// TriggerReconnect delegates to the graph store's reconnect machinery.
func (t *Tiered) TriggerReconnect(force bool) ReconnectResult {
	return t.graph.TriggerReconnect(force)
}

// GetConnectionConfig returns the graph store's masked connection view.
func (t *Tiered) GetConnectionConfig() ConnectionConfig {
	return t.graph.GetConnectionConfig()
}

// UpdateConnectionConfig replaces connection settings and forces a
// reconnect.
func (t *Tiered) UpdateConnectionConfig(uri, user, password string) ReconnectResult {
	return t.graph.UpdateConnectionConfig(uri, user, password)
}

// HashContent is the dedup key: hex SHA-256 over cleaned content.
func HashContent(cleaned string) string {
	sum := sha256.Sum256([]byte(cleaned))
	return hex.EncodeToString(sum[:])
}

func clampImportance(n int) int {
	if n < 1 {
		return 5
	}
	if n > 10 {
		return 10
	}
	return n
}

// countTokens applies the configured counter, defaulting to the
// chars/4 heuristic.
func (t *Tiered) countTokens(text string) int {
	if t.config.TokenCounter != nil {
		return t.config.TokenCounter(text)
	}
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Config holds Tiered manager configuration.
type Config struct {
	// VectorEnabled toggles the vector tier on/off.
	// Default: true.
	VectorEnabled bool

	// AutoEmbed embeds and indexes every persisted memory.
	// Default: true (no-op without an Embedder).
	AutoEmbed bool

	// MinContentLength rejects cleaned content shorter than this when
	// it carries no technical signal.
	// Default: 20.
	MinContentLength int

	// TokenCounter estimates token counts for summary metadata.
	// Default: nil (chars/4 heuristic).
	TokenCounter func(text string) int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	VectorEnabled:    true,
	AutoEmbed:        true,
	MinContentLength: 20,
}
