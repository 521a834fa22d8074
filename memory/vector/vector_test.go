package vector_test

import (
	"context"
	"math"
	"testing"

	"github.com/ecelabs/tiermem/memory"
	"github.com/ecelabs/tiermem/memory/vector"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{[]float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{[]float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{[]float32{1, 0}, []float32{1, 0, 0}, 0.0}, // dimension mismatch
		{nil, nil, 0.0},
	}
	for _, tc := range cases {
		if got := vector.Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMemoryIndexTopHit(t *testing.T) {
	idx := vector.NewMemoryIndex()
	ctx := context.Background()

	seed := []memory.VectorEntry{
		{EmbeddingID: "a:0", NodeID: "a", Embedding: []float32{1, 0, 0}},
		{EmbeddingID: "b:0", NodeID: "b", Embedding: []float32{0, 1, 0}},
	}
	for _, entry := range seed {
		if err := idx.IndexChunk(ctx, entry); err != nil {
			t.Fatalf("IndexChunk failed: %v", err)
		}
	}

	hits, err := idx.QueryVector(ctx, []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("QueryVector failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].NodeID != "a" {
		t.Errorf("expected node a, got %q", hits[0].NodeID)
	}
	if math.Abs(hits[0].Score-1.0) > 1e-6 {
		t.Errorf("expected score ~1.0, got %v", hits[0].Score)
	}
}

func TestMemoryIndexGetDelete(t *testing.T) {
	idx := vector.NewMemoryIndex()
	ctx := context.Background()

	entry := memory.VectorEntry{
		EmbeddingID: "m1:0",
		NodeID:      "m1",
		ChunkIndex:  0,
		Embedding:   []float32{0.5, 0.5},
		Metadata:    map[string]any{"category": "note"},
	}
	if err := idx.IndexChunk(ctx, entry); err != nil {
		t.Fatalf("IndexChunk failed: %v", err)
	}

	got, err := idx.Get(ctx, "m1:0")
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v, %v", got, err)
	}
	if got.NodeID != "m1" {
		t.Errorf("unexpected node id %q", got.NodeID)
	}

	if err := idx.Delete(ctx, "m1:0"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := idx.Get(ctx, "m1:0"); got != nil {
		t.Error("entry should be gone after delete")
	}
	if err := idx.Delete(ctx, "m1:0"); err != nil {
		t.Errorf("deleting an absent id should be a no-op, got %v", err)
	}
}

func TestMemoryIndexRejectsEmptyID(t *testing.T) {
	idx := vector.NewMemoryIndex()
	if err := idx.IndexChunk(context.Background(), memory.VectorEntry{}); err == nil {
		t.Error("expected error for empty embedding id")
	}
}
