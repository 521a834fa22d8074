package fusion

import (
	"strings"
	"sync"
	"time"

	"github.com/ecelabs/tiermem/memory"
)

// SemanticState is the compressed residue of one reasoning iteration:
// what was concluded, which entities matter, what is still open.
type SemanticState struct {
	Iteration       int
	ReasoningText   string
	KeyEntities     []string
	Decisions       []string
	OpenQuestions   []string
	CompressedTokens int
	CacheID         string
}

// FusionStats is the session-level effectiveness report.
type FusionStats struct {
	Metrics
	HitRate          float64
	EstimatedSpeedup float64
}

// ManagerConfig tunes the typed caching strategies.
type ManagerConfig struct {
	// SystemPromptTTL bounds the once-per-session system prompt entry.
	// Default: 1 hour.
	SystemPromptTTL time.Duration

	// FusionThreshold is the minimum efficiency ratio worth acting on;
	// exported through EstimateFusionEfficiency callers.
	// Default: 0.7.
	FusionThreshold float64
}

// DefaultManagerConfig returns sensible defaults.
var DefaultManagerConfig = ManagerConfig{
	SystemPromptTTL: time.Hour,
	FusionThreshold: 0.7,
}

// Manager layers typed caching strategies over a KVCachePool.
type Manager struct {
	pool *KVCachePool
	cfg  ManagerConfig

	mu            sync.Mutex
	systemPrompts map[string]string // sessionID -> cached prompt hash
	states        map[string][]SemanticState
}

// NewManager creates a Manager over the given pool.
func NewManager(pool *KVCachePool, cfg ManagerConfig) *Manager {
	if cfg.SystemPromptTTL <= 0 {
		cfg.SystemPromptTTL = DefaultManagerConfig.SystemPromptTTL
	}
	if cfg.FusionThreshold <= 0 {
		cfg.FusionThreshold = DefaultManagerConfig.FusionThreshold
	}
	return &Manager{
		pool:          pool,
		cfg:           cfg,
		systemPrompts: make(map[string]string),
		states:        make(map[string][]SemanticState),
	}
}

// Pool exposes the underlying pool for metric queries and maintenance.
func (m *Manager) Pool() *KVCachePool { return m.pool }

// CacheSystemPrompt caches the session's system prompt once. A repeat
// call with the identical prompt returns the live entry instead of
// duplicating it.
func (m *Manager) CacheSystemPrompt(sessionID, prompt string) *CacheEntry {
	hash := memory.HashContent(prompt)

	m.mu.Lock()
	already := m.systemPrompts[sessionID] == hash
	m.mu.Unlock()

	if already {
		for _, entry := range m.pool.GetCachedBySource(sessionID, SourceSystemPrompt, 0) {
			if entry.ContentHash == hash {
				return entry
			}
		}
		// Entry expired underneath us; fall through and re-cache.
	}

	entry := m.pool.AddCache(sessionID, SourceSystemPrompt, prompt, m.cfg.SystemPromptTTL)
	m.mu.Lock()
	m.systemPrompts[sessionID] = hash
	m.mu.Unlock()
	return entry
}

// CacheRetrievedMemories caches each retrieved memory text under the
// memory tag so later iterations can skip re-sending them.
func (m *Manager) CacheRetrievedMemories(sessionID string, texts []string) []*CacheEntry {
	entries := make([]*CacheEntry, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		entries = append(entries, m.pool.AddCache(sessionID, SourceMemory, text, 0))
	}
	return entries
}

// CacheSemanticState stores the compressed state for an iteration and a
// matching raw cache entry so the reasoning text itself is reusable.
// Returns the state with CompressedTokens and CacheID filled in.
func (m *Manager) CacheSemanticState(sessionID string, state SemanticState) SemanticState {
	entry := m.pool.AddCache(sessionID, SourceReasoning, state.ReasoningText, 0)
	state.CacheID = entry.CacheID
	state.CompressedTokens = EstimateTokens(state.compressed())

	m.mu.Lock()
	m.states[sessionID] = append(m.states[sessionID], state)
	m.mu.Unlock()
	return state
}

// SemanticStates returns the session's stored states in iteration
// order.
func (m *Manager) SemanticStates(sessionID string) []SemanticState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SemanticState, len(m.states[sessionID]))
	copy(out, m.states[sessionID])
	return out
}

// GetSemanticState returns the stored state for one iteration, or false
// when that iteration was never cached.
func (m *Manager) GetSemanticState(sessionID string, iteration int) (SemanticState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.states[sessionID] {
		if state.Iteration == iteration {
			return state, true
		}
	}
	return SemanticState{}, false
}

// compressed renders the state as the short form that would replace the
// full reasoning text in a prompt.
func (s SemanticState) compressed() string {
	var b strings.Builder
	b.WriteString(strings.Join(s.Decisions, "; "))
	if len(s.KeyEntities) > 0 {
		b.WriteString(" [entities: ")
		b.WriteString(strings.Join(s.KeyEntities, ", "))
		b.WriteString("]")
	}
	if len(s.OpenQuestions) > 0 {
		b.WriteString(" [open: ")
		b.WriteString(strings.Join(s.OpenQuestions, "; "))
		b.WriteString("]")
	}
	return b.String()
}

// EstimateFusionEfficiency returns the fraction of newContent's bytes
// already covered by live cache entries, paragraph by paragraph.
func (m *Manager) EstimateFusionEfficiency(sessionID, newContent string) float64 {
	total := 0
	cached := 0
	for _, chunk := range strings.Split(newContent, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		total += len(chunk)
		if m.pool.ContainsHash(sessionID, memory.HashContent(chunk)) {
			cached += len(chunk)
		}
	}
	if total == 0 {
		return 0
	}
	return float64(cached) / float64(total)
}

// WorthFusing reports whether an efficiency ratio clears the configured
// threshold.
func (m *Manager) WorthFusing(ratio float64) bool {
	return ratio >= m.cfg.FusionThreshold
}

// MergeCaches consolidates several entries into one logical unit and
// bumps the fusion counter. Ids that no longer resolve are skipped; the
// call no-ops when none resolve.
func (m *Manager) MergeCaches(sessionID string, cacheIDs []string) (*CacheEntry, bool) {
	var parts []string
	var source Source
	for _, id := range cacheIDs {
		if entry, ok := m.pool.GetCache(sessionID, id); ok {
			parts = append(parts, entry.Content)
			if source == "" {
				source = entry.Source
			}
		}
	}
	if len(parts) == 0 {
		return nil, false
	}

	merged := m.pool.AddCache(sessionID, source, strings.Join(parts, "\n\n"), 0)
	m.pool.RecordFusion(sessionID)
	return merged, true
}

// Stats reports the session's cache effectiveness. The speedup estimate
// models cached content as costing half its original work:
// 1 / (1 - hitRate*0.5).
func (m *Manager) Stats(sessionID string) FusionStats {
	metrics := m.pool.SessionMetrics(sessionID)
	stats := FusionStats{Metrics: metrics, EstimatedSpeedup: 1}
	lookups := metrics.Hits + metrics.Misses
	if lookups > 0 {
		stats.HitRate = float64(metrics.Hits) / float64(lookups)
		stats.EstimatedSpeedup = 1 / (1 - stats.HitRate*0.5)
	}
	return stats
}

// EndSession drops all fusion state for the session.
func (m *Manager) EndSession(sessionID string) {
	m.pool.InvalidateSession(sessionID)
	m.mu.Lock()
	delete(m.systemPrompts, sessionID)
	delete(m.states, sessionID)
	m.mu.Unlock()
}
