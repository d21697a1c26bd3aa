// Package resultstore provides bounded in-memory retention of validation
// results for the query API.
package resultstore

import (
	"container/ring"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/icsops/changeval/internal/metrics"
	"github.com/icsops/changeval/internal/model"
)

// MemoryStore provides thread-safe storage for validation results with a
// ring buffer and LRU deduplication. The ring bounds memory by evicting
// the oldest results; the dedupe cache absorbs replayed messages.
type MemoryStore struct {
	mu         sync.RWMutex
	results    *ring.Ring
	summaries  map[string]*model.BatchSummary
	dedupe     *lru.Cache[string, bool]
	maxResults int
	dedupeCap  int
}

// NewMemoryStore creates a new result store with the given capacities.
func NewMemoryStore(maxResults, dedupeCap int) *MemoryStore {
	dedupeCache, _ := lru.New[string, bool](dedupeCap)

	return &MemoryStore{
		results:    ring.New(maxResults),
		summaries:  make(map[string]*model.BatchSummary),
		dedupe:     dedupeCache,
		maxResults: maxResults,
		dedupeCap:  dedupeCap,
	}
}

// Add stores a result. Returns false when the same exception in the same
// batch was already stored.
func (s *MemoryStore) Add(result *model.ValidationResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dedupeKey := result.BatchID + ":" + result.ExceptionID
	if _, exists := s.dedupe.Get(dedupeKey); exists {
		return false
	}
	s.dedupe.Add(dedupeKey, true)

	s.results.Value = result
	s.results = s.results.Next()

	metrics.SetResultsInStore(s.countLocked())
	return true
}

// AddSummary stores a batch summary, replacing any previous summary for
// the same batch.
func (s *MemoryStore) AddSummary(summary *model.BatchSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.BatchID] = summary
}

// Filter selects results. Zero values match everything.
type Filter struct {
	Disposition model.Disposition
	Kind        model.ExceptionKind
	AssetName   string
	BatchID     string
}

func (f Filter) matches(r *model.ValidationResult) bool {
	if f.Disposition != "" && r.Disposition != f.Disposition {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.AssetName != "" && r.AssetName != f.AssetName {
		return false
	}
	if f.BatchID != "" && r.BatchID != f.BatchID {
		return false
	}
	return true
}

// Get returns stored results matching the filter, oldest first. A limit
// of 0 returns everything; otherwise the newest matching results win.
func (s *MemoryStore) Get(filter Filter, limit int) []*model.ValidationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*model.ValidationResult
	s.results.Do(func(value interface{}) {
		if value == nil {
			return
		}
		if result, ok := value.(*model.ValidationResult); ok && filter.matches(result) {
			results = append(results, result)
		}
	})

	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results
}

// Summary returns the stored summary for a batch, or nil.
func (s *MemoryStore) Summary(batchID string) *model.BatchSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaries[batchID]
}

// Summaries returns all stored batch summaries.
func (s *MemoryStore) Summaries() []*model.BatchSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.BatchSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	return out
}

// Clear removes all results and summaries and purges the dedupe cache.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.results.Len(); i++ {
		s.results.Value = nil
		s.results = s.results.Next()
	}
	s.summaries = make(map[string]*model.BatchSummary)
	s.dedupe.Purge()
	metrics.SetResultsInStore(0)
}

// GetStats returns store statistics
func (s *MemoryStore) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"total_results": s.countLocked(),
		"max_results":   s.maxResults,
		"batches":       len(s.summaries),
		"dedupe_cap":    s.dedupeCap,
		"dedupe_size":   s.dedupe.Len(),
	}
}

func (s *MemoryStore) countLocked() int {
	count := 0
	s.results.Do(func(value interface{}) {
		if value != nil {
			count++
		}
	})
	return count
}
