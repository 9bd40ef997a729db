// Package metrics tracks cache effectiveness counters shared by all requests.
package metrics

import (
	"sync/atomic"
)

// Metrics holds process-wide counters. Each field is updated with relaxed
// atomic increments; snapshots are eventually consistent, not linearizable.
// Per-request updates are grouped so that at any snapshot
// total_requests == exact_hits + semantic_hits + misses holds.
type Metrics struct {
	exactHits     atomic.Uint64
	semanticHits  atomic.Uint64
	misses        atomic.Uint64
	totalRequests atomic.Uint64
	tokensSaved   atomic.Uint64
	tokensUsed    atomic.Uint64
}

// New creates a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// RecordExactHit counts a hit served from the exact tier.
func (m *Metrics) RecordExactHit() {
	m.exactHits.Add(1)
	m.totalRequests.Add(1)
}

// RecordSemanticHit counts a hit served from the semantic tier and the
// upstream tokens it avoided.
func (m *Metrics) RecordSemanticHit(tokensSaved uint64) {
	m.semanticHits.Add(1)
	m.totalRequests.Add(1)
	m.tokensSaved.Add(tokensSaved)
}

// RecordMiss counts a request that went upstream and the tokens it consumed.
func (m *Metrics) RecordMiss(tokensUsed uint64) {
	m.misses.Add(1)
	m.totalRequests.Add(1)
	m.tokensUsed.Add(tokensUsed)
}

// Snapshot reads all counters. Individual loads are relaxed; counters may be
// observed from slightly different moments.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ExactHits:     m.exactHits.Load(),
		SemanticHits:  m.semanticHits.Load(),
		Misses:        m.misses.Load(),
		TotalRequests: m.totalRequests.Load(),
		TokensSaved:   m.tokensSaved.Load(),
		TokensUsed:    m.tokensUsed.Load(),
	}
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	ExactHits     uint64 `json:"exact_hits"`
	SemanticHits  uint64 `json:"semantic_hits"`
	Misses        uint64 `json:"misses"`
	TotalRequests uint64 `json:"total_requests"`
	TokensSaved   uint64 `json:"tokens_saved"`
	TokensUsed    uint64 `json:"tokens_used"`
}

// HitRate returns the percentage of requests served from either cache tier.
func (s Snapshot) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	hits := s.ExactHits + s.SemanticHits
	return float64(hits) / float64(s.TotalRequests) * 100.0
}
