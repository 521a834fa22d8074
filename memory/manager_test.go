package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ecelabs/tiermem/memory"
	"github.com/ecelabs/tiermem/memory/embedder/mock"
	"github.com/ecelabs/tiermem/memory/vector"
)

// fakeGraph records writes in memory and lets tests force degraded
// results.
type fakeGraph struct {
	memory.GraphStore

	added       []*memory.Memory
	entities    [][]memory.Entity
	unavailable bool
	seenHashes  map[string]string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{seenHashes: make(map[string]string)}
}

func (g *fakeGraph) AddMemory(ctx context.Context, mem *memory.Memory, entities []memory.Entity) (string, memory.Status, error) {
	if g.unavailable {
		return "", memory.StatusUnavailable, nil
	}
	if id, ok := g.seenHashes[mem.ContentHash]; ok {
		return id, memory.StatusDuplicate, nil
	}
	id := "mem-" + mem.ContentHash[:8]
	g.seenHashes[mem.ContentHash] = id
	g.added = append(g.added, mem)
	g.entities = append(g.entities, entities)
	return id, memory.StatusOK, nil
}

// fakeHot is an in-memory HotCache.
type fakeHot struct {
	contexts map[string]string
}

func newFakeHot() *fakeHot {
	return &fakeHot{contexts: make(map[string]string)}
}

func (h *fakeHot) ActiveContext(ctx context.Context, sessionID string) (string, memory.Status) {
	return h.contexts[sessionID], memory.StatusOK
}

func (h *fakeHot) SaveActiveContext(ctx context.Context, sessionID, transcript string) memory.Status {
	h.contexts[sessionID] = transcript
	return memory.StatusOK
}

func (h *fakeHot) TouchSession(ctx context.Context, sessionID string) memory.Status {
	return memory.StatusOK
}

func (h *fakeHot) ClearSession(ctx context.Context, sessionID string) memory.Status {
	delete(h.contexts, sessionID)
	return memory.StatusOK
}

// fakeDistiller returns a canned distillate.
type fakeDistiller struct {
	dist *memory.Distillate
	err  error
}

func (d *fakeDistiller) Distill(ctx context.Context, content, category string) (*memory.Distillate, error) {
	return d.dist, d.err
}

func newManager(graph *fakeGraph, hot *fakeHot, idx memory.VectorIndex, dist memory.Distiller) *memory.Tiered {
	var hotTier memory.HotCache
	if hot != nil {
		hotTier = hot
	}
	return memory.NewTiered(graph, hotTier, idx, mock.New(8), dist, nil)
}

func TestRememberPersistsCleanContent(t *testing.T) {
	graph := newFakeGraph()
	idx := vector.NewMemoryIndex()
	m := newManager(graph, nil, idx, nil)

	id, st, err := m.Remember(context.Background(), "s1", "We decided to ship the migration next Tuesday.", "note", nil, 6, nil)
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if st != memory.StatusOK || id == "" {
		t.Fatalf("unexpected result: status=%v id=%q", st, id)
	}
	if len(graph.added) != 1 {
		t.Fatalf("expected 1 persisted memory, got %d", len(graph.added))
	}
	mem := graph.added[0]
	if mem.ContentHash != memory.HashContent(mem.ContentCleaned) {
		t.Error("hash must cover the cleaned content")
	}
	if idx.Len() != 1 {
		t.Errorf("auto-embed should index the memory, got %d entries", idx.Len())
	}
}

func TestRememberRejectsBareJSON(t *testing.T) {
	graph := newFakeGraph()
	m := newManager(graph, nil, nil, nil)

	_, st, err := m.Remember(context.Background(), "s1", `{"status": "ok", "count": 3}`, "note", nil, 5, nil)
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if st != memory.StatusRejected {
		t.Errorf("bare JSON should be rejected, got %v", st)
	}
	if len(graph.added) != 0 {
		t.Error("rejected content must not persist")
	}
}

func TestRememberAcceptsJSONWithTechnicalSignal(t *testing.T) {
	graph := newFakeGraph()
	m := newManager(graph, nil, nil, nil)

	_, st, err := m.Remember(context.Background(), "s1",
		`{"status": "error", "detail": "Traceback (most recent call last): ValueError"}`,
		"log", nil, 5, nil)
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if st != memory.StatusOK {
		t.Errorf("JSON carrying a traceback should be accepted, got %v", st)
	}
}

func TestRememberRejectsShortContent(t *testing.T) {
	graph := newFakeGraph()
	m := newManager(graph, nil, nil, nil)

	_, st, _ := m.Remember(context.Background(), "s1", "ok thanks", "chat", nil, 3, nil)
	if st != memory.StatusRejected {
		t.Errorf("short chatter should be rejected, got %v", st)
	}
}

func TestRememberTagsTechnicalContent(t *testing.T) {
	graph := newFakeGraph()
	m := newManager(graph, nil, nil, nil)

	_, st, _ := m.Remember(context.Background(), "s1",
		"Deployed with $ docker compose up -d on the staging host", "note", nil, 5, nil)
	if st != memory.StatusOK {
		t.Fatalf("technical note should persist, got %v", st)
	}
	tags := graph.added[0].Tags
	found := false
	for _, tag := range tags {
		if tag == "#technical" {
			found = true
		}
	}
	if !found {
		t.Errorf("technical content should carry the #technical tag, got %v", tags)
	}
}

func TestRememberDedupReturnsExistingID(t *testing.T) {
	graph := newFakeGraph()
	m := newManager(graph, nil, nil, nil)
	ctx := context.Background()

	content := "hello world repeated enough to pass the gate"
	id1, st1, _ := m.Remember(ctx, "s1", content, "note", nil, 5, nil)
	id2, st2, _ := m.Remember(ctx, "s1", content, "note", nil, 5, nil)
	if st1 != memory.StatusOK {
		t.Fatalf("first write: %v", st1)
	}
	if st2 != memory.StatusDuplicate {
		t.Errorf("second write should dedup, got %v", st2)
	}
	if id1 != id2 {
		t.Errorf("dedup should return the original id: %q != %q", id1, id2)
	}
}

func TestRememberUnavailableGraph(t *testing.T) {
	graph := newFakeGraph()
	graph.unavailable = true
	m := newManager(graph, nil, nil, nil)

	id, st, err := m.Remember(context.Background(), "s1", "content long enough to pass the gate", "note", nil, 5, nil)
	if err != nil {
		t.Fatalf("degraded write must not error: %v", err)
	}
	if st != memory.StatusUnavailable || id != "" {
		t.Errorf("expected unavailable no-op, got status=%v id=%q", st, id)
	}
}

func TestRememberUsesDistilledEntities(t *testing.T) {
	graph := newFakeGraph()
	dist := &fakeDistiller{dist: &memory.Distillate{
		Importance: 9,
		Entities:   []memory.Entity{{Name: "Ada", Type: "person"}},
	}}
	m := newManager(graph, nil, nil, dist)

	_, st, _ := m.Remember(context.Background(), "s1", "Ada agreed to lead the compiler rewrite project.", "note", nil, 5, nil)
	if st != memory.StatusOK {
		t.Fatalf("write failed: %v", st)
	}
	if graph.added[0].Importance != 9 {
		t.Errorf("distilled importance should win, got %d", graph.added[0].Importance)
	}
	if len(graph.entities[0]) != 1 || graph.entities[0][0].Name != "Ada" {
		t.Errorf("distilled entities should be linked, got %+v", graph.entities[0])
	}
}

func TestRememberSurvivesDistillerFailure(t *testing.T) {
	graph := newFakeGraph()
	dist := &fakeDistiller{err: errors.New("model unreachable")}
	m := newManager(graph, nil, nil, dist)

	_, st, err := m.Remember(context.Background(), "s1", "persist this even though distillation broke", "note", nil, 5, nil)
	if err != nil {
		t.Fatalf("distiller failure must not fail the write: %v", err)
	}
	if st != memory.StatusOK {
		t.Errorf("expected persisted write, got %v", st)
	}
	if len(graph.entities[0]) != 0 {
		t.Errorf("no entities expected on distiller failure, got %+v", graph.entities[0])
	}
}

func TestFlushSummaryPersistsAndClears(t *testing.T) {
	graph := newFakeGraph()
	hot := newFakeHot()
	dist := &fakeDistiller{dist: &memory.Distillate{
		Summary: "User planned the database migration and chose pg_upgrade.",
	}}
	m := newManager(graph, hot, nil, dist)
	ctx := context.Background()

	hot.contexts["s1"] = "user: how do I migrate?\nassistant: use pg_upgrade..."
	id, st, err := m.FlushSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("FlushSummary failed: %v", err)
	}
	if st != memory.StatusOK || id == "" {
		t.Fatalf("expected persisted summary, got status=%v id=%q", st, id)
	}
	if graph.added[0].Category != "summary" {
		t.Errorf("summary category expected, got %q", graph.added[0].Category)
	}
	if !strings.Contains(graph.added[0].ContentCleaned, "pg_upgrade") {
		t.Errorf("distilled summary should persist, got %q", graph.added[0].ContentCleaned)
	}
	if n, _ := graph.added[0].Metadata["original_tokens"].(int); n <= 0 {
		t.Errorf("summary should carry the transcript token count, got %v", graph.added[0].Metadata["original_tokens"])
	}
	if _, ok := hot.contexts["s1"]; ok {
		t.Error("flushed session should be cleared from the hot tier")
	}
}

func TestFlushSummaryEmptyTranscript(t *testing.T) {
	graph := newFakeGraph()
	hot := newFakeHot()
	m := newManager(graph, hot, nil, nil)

	id, _, err := m.FlushSummary(context.Background(), "empty")
	if err != nil {
		t.Fatalf("FlushSummary failed: %v", err)
	}
	if id != "" || len(graph.added) != 0 {
		t.Error("empty transcript should be a no-op")
	}
}

func TestHotTierDelegationWithoutCache(t *testing.T) {
	m := newManager(newFakeGraph(), nil, nil, nil)

	if got, st := m.ActiveContext(context.Background(), "s1"); got != "" || st != memory.StatusUnavailable {
		t.Errorf("no hot tier should degrade reads, got %q/%v", got, st)
	}
	if st := m.SaveActiveContext(context.Background(), "s1", "x"); st != memory.StatusUnavailable {
		t.Errorf("no hot tier should degrade writes, got %v", st)
	}
}
