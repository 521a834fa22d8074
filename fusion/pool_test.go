package fusion

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testPool() (*KVCachePool, *fakeClock) {
	p := NewPool(DefaultPoolConfig)
	clock := newFakeClock()
	p.now = clock.now
	return p, clock
}

func TestAddAndGetCache(t *testing.T) {
	p, _ := testPool()

	entry := p.AddCache("s1", SourceMemory, "remembered fact about the project", 0)
	if entry.CacheID == "" || entry.ContentHash == "" {
		t.Fatalf("entry missing identity: %+v", entry)
	}
	if entry.SizeBytes <= 0 {
		t.Errorf("size estimate should be positive, got %d", entry.SizeBytes)
	}

	got, ok := p.GetCache("s1", entry.CacheID)
	if !ok || got.Content != entry.Content {
		t.Fatalf("expected hit with original content, got %v/%v", got, ok)
	}
	if _, ok := p.GetCache("s1", "nope"); ok {
		t.Error("unknown id should miss")
	}
	if _, ok := p.GetCache("other", entry.CacheID); ok {
		t.Error("entries must not leak across sessions")
	}
}

func TestTTLExpiry(t *testing.T) {
	p, clock := testPool()

	entry := p.AddCache("s1", SourceReasoning, "iteration one reasoning", time.Second)
	clock.advance(2 * time.Second)

	if _, ok := p.GetCache("s1", entry.CacheID); ok {
		t.Fatal("entry past its TTL must be a miss")
	}
	// Lazy expiry purged it: later source listings must not see it.
	if got := p.GetCachedBySource("s1", SourceReasoning, 0); len(got) != 0 {
		t.Errorf("expired entry still listed: %+v", got)
	}

	m := p.SessionMetrics("s1")
	if m.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", m.Misses)
	}
	if m.MemoryBytes != 0 {
		t.Errorf("purge should release the size estimate, got %d bytes", m.MemoryBytes)
	}
}

func TestGetCachedBySource(t *testing.T) {
	p, clock := testPool()

	old := p.AddCache("s1", SourceMemory, "old memory", 0)
	clock.advance(10 * time.Minute)
	recent := p.AddCache("s1", SourceMemory, "recent memory", 0)
	p.AddCache("s1", SourceReasoning, "reasoning text", 0)

	all := p.GetCachedBySource("s1", SourceMemory, 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 memory entries, got %d", len(all))
	}
	if all[0].CacheID != old.CacheID || all[1].CacheID != recent.CacheID {
		t.Error("entries should come back oldest first")
	}

	fresh := p.GetCachedBySource("s1", SourceMemory, 5*time.Minute)
	if len(fresh) != 1 || fresh[0].CacheID != recent.CacheID {
		t.Errorf("maxAge filter failed: %+v", fresh)
	}
}

func TestContainsHash(t *testing.T) {
	p, clock := testPool()

	entry := p.AddCache("s1", SourceMemory, "known content", time.Second)
	if !p.ContainsHash("s1", entry.ContentHash) {
		t.Error("live hash should be found")
	}
	if p.ContainsHash("s1", "absent") {
		t.Error("unknown hash should not be found")
	}
	clock.advance(2 * time.Second)
	if p.ContainsHash("s1", entry.ContentHash) {
		t.Error("expired hash should not be found")
	}
}

func TestHitMissMetrics(t *testing.T) {
	p, _ := testPool()
	entry := p.AddCache("s1", SourceSystemPrompt, "prompt", 0)

	p.GetCache("s1", entry.CacheID)
	p.GetCache("s1", entry.CacheID)
	p.GetCache("s1", "missing")

	m := p.SessionMetrics("s1")
	if m.Hits != 2 || m.Misses != 1 {
		t.Errorf("expected 2 hits / 1 miss, got %d/%d", m.Hits, m.Misses)
	}
}

func TestCleanup(t *testing.T) {
	p, clock := testPool()

	p.AddCache("s1", SourceMemory, "short lived", time.Second)
	p.AddCache("s1", SourceMemory, "long lived", time.Hour)
	p.AddCache("s2", SourceQuery, "also short", time.Second)
	clock.advance(2 * time.Second)

	if purged := p.Cleanup(); purged != 2 {
		t.Errorf("expected 2 purged entries, got %d", purged)
	}
	if got := p.GetCachedBySource("s1", SourceMemory, 0); len(got) != 1 {
		t.Errorf("survivor missing after cleanup: %+v", got)
	}
}

func TestInvalidateSession(t *testing.T) {
	p, _ := testPool()
	entry := p.AddCache("s1", SourceMemory, "content", 0)
	p.InvalidateSession("s1")

	if _, ok := p.GetCache("s1", entry.CacheID); ok {
		t.Error("invalidated session should have no entries")
	}
}

func TestDuplicateAddSameSecondKeepsAccounting(t *testing.T) {
	p, _ := testPool()

	first := p.AddCache("s1", SourceMemory, "identical content", 0)
	second := p.AddCache("s1", SourceMemory, "identical content", 0)
	if first.CacheID != second.CacheID {
		t.Fatalf("same content in the same second should collide on id: %q != %q", first.CacheID, second.CacheID)
	}

	if m := p.SessionMetrics("s1"); m.MemoryBytes != int64(second.SizeBytes) {
		t.Errorf("shadowed entry must release its footprint: got %d want %d", m.MemoryBytes, second.SizeBytes)
	}
	if !p.InvalidateCache("s1", second.CacheID) {
		t.Fatal("surviving entry should evict")
	}
	if m := p.SessionMetrics("s1"); m.MemoryBytes != 0 {
		t.Errorf("memory accounting should drain to zero, got %d", m.MemoryBytes)
	}
}

func TestInvalidateCache(t *testing.T) {
	p, _ := testPool()
	keep := p.AddCache("s1", SourceMemory, "keep this", 0)
	drop := p.AddCache("s1", SourceMemory, "drop this", 0)

	if !p.InvalidateCache("s1", drop.CacheID) {
		t.Fatal("known entry should report evicted")
	}
	if p.InvalidateCache("s1", drop.CacheID) {
		t.Error("second eviction should report missing")
	}
	if _, ok := p.GetCache("s1", keep.CacheID); !ok {
		t.Error("unrelated entry must survive")
	}
	if m := p.SessionMetrics("s1"); m.MemoryBytes != int64(keep.SizeBytes) {
		t.Errorf("memory accounting after evict: got %d want %d", m.MemoryBytes, keep.SizeBytes)
	}
}

func TestInvalidateSource(t *testing.T) {
	p, _ := testPool()
	p.AddCache("s1", SourceMemory, "first retrieved memory", 0)
	p.AddCache("s1", SourceMemory, "second retrieved memory", 0)
	kept := p.AddCache("s1", SourceSystemPrompt, "system prompt", 0)

	if n := p.InvalidateSource("s1", SourceMemory); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	if got := p.GetCachedBySource("s1", SourceMemory, 0); len(got) != 0 {
		t.Error("memory entries should be gone")
	}
	if _, ok := p.GetCache("s1", kept.CacheID); !ok {
		t.Error("other sources must survive")
	}
}
