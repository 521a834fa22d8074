package fusion

import (
	"sync"
	"time"
)

// Call types the optimizer reasons about.
const (
	CallSystemPrompt = "system_prompt"
	CallRetrieval    = "retrieval"
	CallReasoning    = "reasoning"
)

// reasoningContentThreshold is the recent-window content length beyond
// which caching reasoning calls starts paying off.
const reasoningContentThreshold = 2000

// recentWindow is how many trailing calls the reasoning heuristic
// inspects.
const recentWindow = 3

// CallRecord is one logged LLM call.
type CallRecord struct {
	CallType       string
	ContentLength  int
	ResponseTokens int
	At             time.Time
}

// Recommendation names the reuse strategies worth enabling for a
// session, with a coarse expected-improvement percentage.
type Recommendation struct {
	Strategies         []string
	ImprovementPercent int
}

// Optimizer keeps per-session call history and answers reuse
// questions over it.
type Optimizer struct {
	mu      sync.Mutex
	history map[string][]CallRecord
}

// NewOptimizer creates an empty optimizer.
func NewOptimizer() *Optimizer {
	return &Optimizer{history: make(map[string][]CallRecord)}
}

// LogCall appends to the session's call history.
func (o *Optimizer) LogCall(sessionID, callType string, contentLength, responseTokens int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history[sessionID] = append(o.history[sessionID], CallRecord{
		CallType:       callType,
		ContentLength:  contentLength,
		ResponseTokens: responseTokens,
		At:             time.Now(),
	})
}

// History returns a copy of the session's call records.
func (o *Optimizer) History(sessionID string) []CallRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]CallRecord, len(o.history[sessionID]))
	copy(out, o.history[sessionID])
	return out
}

// ShouldUseCache decides per call type: system prompts always cache,
// retrieval caches once any history exists, and reasoning caches once
// the recent window's content volume clears the threshold.
func (o *Optimizer) ShouldUseCache(sessionID, callType string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	calls := o.history[sessionID]

	switch callType {
	case CallSystemPrompt:
		return true
	case CallRetrieval:
		return len(calls) > 0
	case CallReasoning:
		start := len(calls) - recentWindow
		if start < 0 {
			start = 0
		}
		recent := 0
		for _, call := range calls[start:] {
			recent += call.ContentLength
		}
		return recent > reasoningContentThreshold
	}
	return false
}

// GetOptimizationRecommendation inspects call counts and content volume
// and names the strategies likely to help.
func (o *Optimizer) GetOptimizationRecommendation(sessionID string) Recommendation {
	o.mu.Lock()
	defer o.mu.Unlock()
	calls := o.history[sessionID]

	reasoningCalls := 0
	totalLength := 0
	for _, call := range calls {
		if call.CallType == CallReasoning {
			reasoningCalls++
		}
		totalLength += call.ContentLength
	}

	var rec Recommendation
	if reasoningCalls > 2 {
		rec.Strategies = append(rec.Strategies, "iterative_state_compression")
	}
	if len(calls) > 0 && totalLength/len(calls) > 1000 {
		rec.Strategies = append(rec.Strategies, "semantic_prefix_caching")
	}
	if len(calls) > 5 {
		rec.Strategies = append(rec.Strategies, "adaptive_cache_merging")
	}
	rec.ImprovementPercent = 15 * len(rec.Strategies)
	return rec
}

// EndSession drops the session's call history.
func (o *Optimizer) EndSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.history, sessionID)
}
