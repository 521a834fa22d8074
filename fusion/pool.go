// Package fusion avoids re-sending content already seen in a session's
// reasoning loop. KVCachePool tracks per-session cache entries with
// lazy TTL expiry, Manager applies typed caching strategies on top of
// it, and Optimizer recommends reuse strategies from call history.
//
// Everything here is a best-effort estimate over in-memory structures:
// a wrong heuristic costs optimization quality, never correctness of
// the reasoning loop above.
package fusion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Source tags what kind of content a cache entry holds.
type Source string

const (
	SourceSystemPrompt Source = "system_prompt"
	SourceMemory       Source = "memory"
	SourceReasoning    Source = "reasoning"
	SourceQuery        Source = "query"
)

// bytesPerToken is the fixed KV-cache size estimate per token.
const bytesPerToken = 128

// CacheEntry is one pool-scoped unit of reusable content.
type CacheEntry struct {
	CacheID     string
	Source      Source
	Content     string
	ContentHash string
	CreatedAt   time.Time
	TTL         time.Duration
	SizeBytes   int
}

// expired reports whether the entry is past its TTL at instant now.
func (e *CacheEntry) expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Metrics tracks per-session cache effectiveness.
type Metrics struct {
	Hits        int64
	Misses      int64
	Fusions     int64
	MemoryBytes int64
}

// PoolConfig tunes the cache pool.
type PoolConfig struct {
	// DefaultTTL applies when AddCache gets no explicit TTL.
	// Default: 10 minutes.
	DefaultTTL time.Duration
}

// DefaultPoolConfig returns sensible defaults.
var DefaultPoolConfig = PoolConfig{
	DefaultTTL: 10 * time.Minute,
}

// KVCachePool is the per-session map of cache entries. One mutex guards
// the whole pool; cache operations are cheap enough that cross-session
// serialization is a fair trade for simplicity.
type KVCachePool struct {
	mu       sync.Mutex
	cfg      PoolConfig
	sessions map[string]map[string]*CacheEntry
	metrics  map[string]*Metrics
	now      func() time.Time
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *KVCachePool {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultPoolConfig.DefaultTTL
	}
	return &KVCachePool{
		cfg:      cfg,
		sessions: make(map[string]map[string]*CacheEntry),
		metrics:  make(map[string]*Metrics),
		now:      time.Now,
	}
}

// AddCache records content under a deterministic id derived from its
// hash and the current timestamp. ttl <= 0 uses the pool default.
func (p *KVCachePool) AddCache(sessionID string, source Source, content string, ttl time.Duration) *CacheEntry {
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	entry := &CacheEntry{
		CacheID:     fmt.Sprintf("%s_%s_%d", source, hash[:16], now.Unix()),
		Source:      source,
		Content:     content,
		ContentHash: hash,
		CreatedAt:   now,
		TTL:         ttl,
		SizeBytes:   EstimateTokens(content) * bytesPerToken,
	}

	session, ok := p.sessions[sessionID]
	if !ok {
		session = make(map[string]*CacheEntry)
		p.sessions[sessionID] = session
	}
	// Identical content in the same second derives the same id; release
	// the shadowed entry's footprint before replacing it.
	if prev, ok := session[entry.CacheID]; ok {
		p.sessionMetricsLocked(sessionID).MemoryBytes -= int64(prev.SizeBytes)
	}
	session[entry.CacheID] = entry
	p.sessionMetricsLocked(sessionID).MemoryBytes += int64(entry.SizeBytes)
	return entry
}

// GetCache returns a live entry or a miss. An expired entry counts as a
// miss and is purged on this access.
func (p *KVCachePool) GetCache(sessionID, cacheID string) (*CacheEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := p.sessionMetricsLocked(sessionID)
	entry, ok := p.sessions[sessionID][cacheID]
	if !ok {
		m.Misses++
		return nil, false
	}
	if entry.expired(p.now()) {
		p.evictLocked(sessionID, entry)
		m.Misses++
		return nil, false
	}
	m.Hits++
	return entry, true
}

// GetCachedBySource returns the session's live entries with the given
// tag, oldest first. maxAge > 0 additionally filters by entry age.
// Expired entries encountered are purged.
func (p *KVCachePool) GetCachedBySource(sessionID string, source Source, maxAge time.Duration) []*CacheEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	var out []*CacheEntry
	for _, entry := range p.sessions[sessionID] {
		if entry.expired(now) {
			p.evictLocked(sessionID, entry)
			continue
		}
		if entry.Source != source {
			continue
		}
		if maxAge > 0 && now.Sub(entry.CreatedAt) > maxAge {
			continue
		}
		out = append(out, entry)
	}
	sortEntriesByAge(out)
	return out
}

// ContainsHash reports whether any live entry in the session holds
// content with this hash.
func (p *KVCachePool) ContainsHash(sessionID, contentHash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, entry := range p.sessions[sessionID] {
		if entry.expired(now) {
			p.evictLocked(sessionID, entry)
			continue
		}
		if entry.ContentHash == contentHash {
			return true
		}
	}
	return false
}

// RecordFusion bumps the session's fusion counter.
func (p *KVCachePool) RecordFusion(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionMetricsLocked(sessionID).Fusions++
}

// SessionMetrics returns a snapshot of the session's counters.
func (p *KVCachePool) SessionMetrics(sessionID string) Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.sessionMetricsLocked(sessionID)
}

// InvalidateCache evicts one entry by id. Reports whether the entry
// existed.
func (p *KVCachePool) InvalidateCache(sessionID, cacheID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.sessions[sessionID][cacheID]
	if !ok {
		return false
	}
	p.evictLocked(sessionID, entry)
	return true
}

// InvalidateSource evicts every entry of the given source in the
// session and returns the eviction count.
func (p *KVCachePool) InvalidateSource(sessionID string, source Source) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for _, entry := range p.sessions[sessionID] {
		if entry.Source == source {
			p.evictLocked(sessionID, entry)
			evicted++
		}
	}
	return evicted
}

// InvalidateSession drops all entries and metrics for the session.
func (p *KVCachePool) InvalidateSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
	delete(p.metrics, sessionID)
}

// Cleanup purges every expired entry across all sessions and returns
// the purge count. Hot paths rely on lazy expiry; this exists for
// maintenance callers.
func (p *KVCachePool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	purged := 0
	for sessionID, session := range p.sessions {
		for _, entry := range session {
			if entry.expired(now) {
				p.evictLocked(sessionID, entry)
				purged++
			}
		}
		if len(session) == 0 {
			delete(p.sessions, sessionID)
		}
	}
	return purged
}

func (p *KVCachePool) evictLocked(sessionID string, entry *CacheEntry) {
	delete(p.sessions[sessionID], entry.CacheID)
	p.sessionMetricsLocked(sessionID).MemoryBytes -= int64(entry.SizeBytes)
}

func (p *KVCachePool) sessionMetricsLocked(sessionID string) *Metrics {
	m, ok := p.metrics[sessionID]
	if !ok {
		m = &Metrics{}
		p.metrics[sessionID] = m
	}
	return m
}

func sortEntriesByAge(entries []*CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
