package fusion

import (
	"testing"
)

func TestShouldUseCacheSystemPrompt(t *testing.T) {
	o := NewOptimizer()
	if !o.ShouldUseCache("s1", CallSystemPrompt) {
		t.Error("system prompts always cache, even with no history")
	}
}

func TestShouldUseCacheRetrieval(t *testing.T) {
	o := NewOptimizer()
	if o.ShouldUseCache("s1", CallRetrieval) {
		t.Error("retrieval should not cache before any history exists")
	}
	o.LogCall("s1", CallRetrieval, 300, 50)
	if !o.ShouldUseCache("s1", CallRetrieval) {
		t.Error("retrieval should cache once history exists")
	}
}

func TestShouldUseCacheReasoning(t *testing.T) {
	o := NewOptimizer()
	o.LogCall("s1", CallReasoning, 500, 100)
	o.LogCall("s1", CallReasoning, 500, 100)
	if o.ShouldUseCache("s1", CallReasoning) {
		t.Error("light recent content should not trigger reasoning cache")
	}
	o.LogCall("s1", CallReasoning, 1500, 100)
	// Recent window now sums 500+500+1500 = 2500 > threshold.
	if !o.ShouldUseCache("s1", CallReasoning) {
		t.Error("heavy recent content should trigger reasoning cache")
	}

	// Only the recent window counts: pile on small calls to age out the
	// heavy one.
	o.LogCall("s1", CallReasoning, 10, 10)
	o.LogCall("s1", CallReasoning, 10, 10)
	o.LogCall("s1", CallReasoning, 10, 10)
	if o.ShouldUseCache("s1", CallReasoning) {
		t.Error("old heavy calls outside the window should not count")
	}
}

func TestShouldUseCacheUnknownType(t *testing.T) {
	o := NewOptimizer()
	o.LogCall("s1", CallReasoning, 5000, 100)
	if o.ShouldUseCache("s1", "embedding") {
		t.Error("unknown call types should not cache")
	}
}

func TestRecommendationStrategies(t *testing.T) {
	o := NewOptimizer()
	if rec := o.GetOptimizationRecommendation("empty"); len(rec.Strategies) != 0 || rec.ImprovementPercent != 0 {
		t.Errorf("empty history should recommend nothing, got %+v", rec)
	}

	for i := 0; i < 3; i++ {
		o.LogCall("s1", CallReasoning, 2000, 100)
	}
	rec := o.GetOptimizationRecommendation("s1")
	if !hasStrategy(rec, "iterative_state_compression") {
		t.Errorf("3 reasoning calls should recommend state compression: %+v", rec)
	}
	if !hasStrategy(rec, "semantic_prefix_caching") {
		t.Errorf("avg length 2000 should recommend prefix caching: %+v", rec)
	}
	if hasStrategy(rec, "adaptive_cache_merging") {
		t.Errorf("only 3 calls should not recommend merging: %+v", rec)
	}

	for i := 0; i < 3; i++ {
		o.LogCall("s1", CallRetrieval, 2000, 50)
	}
	rec = o.GetOptimizationRecommendation("s1")
	if !hasStrategy(rec, "adaptive_cache_merging") {
		t.Errorf("6 calls should recommend merging: %+v", rec)
	}
	if rec.ImprovementPercent != 45 {
		t.Errorf("3 strategies should estimate 45%%, got %d", rec.ImprovementPercent)
	}
}

func TestOptimizerEndSession(t *testing.T) {
	o := NewOptimizer()
	o.LogCall("s1", CallReasoning, 100, 10)
	o.EndSession("s1")
	if got := o.History("s1"); len(got) != 0 {
		t.Errorf("ended session should have no history, got %+v", got)
	}
}

func hasStrategy(rec Recommendation, name string) bool {
	for _, s := range rec.Strategies {
		if s == name {
			return true
		}
	}
	return false
}
