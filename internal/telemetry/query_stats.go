package telemetry

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/searchstore/internal/index"
)

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// TermCount is a query term and how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// QueryStatsSnapshot is an immutable copy of the query digest.
type QueryStatsSnapshot struct {
	TotalQueries      int64       `json:"total_queries"`
	ZeroResultCount   int64       `json:"zero_result_count"`
	TopTerms          []TermCount `json:"top_terms"`
	ZeroResultQueries []string    `json:"zero_result_queries"`
	Since             time.Time   `json:"since"`
}

// QueryStats tracks the most searched terms and recent queries that found
// nothing. Safe for concurrent use.
type QueryStats struct {
	mu              sync.Mutex
	terms           *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	totalQueries    int64
	zeroResultCount int64
	since           time.Time
}

// NewQueryStats creates a digest holding at most termCapacity terms and
// zeroCapacity zero-result queries.
func NewQueryStats(termCapacity, zeroCapacity int) *QueryStats {
	if termCapacity <= 0 {
		termCapacity = 100
	}
	terms, _ := lru.New[string, int64](termCapacity)
	return &QueryStats{
		terms:       terms,
		zeroResults: NewCircularBuffer[string](zeroCapacity),
		since:       time.Now(),
	}
}

// Record adds one query and how many results its first page had.
func (s *QueryStats) Record(query string, results int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalQueries++
	for _, term := range index.QueryTerms(query) {
		count, _ := s.terms.Get(term)
		s.terms.Add(term, count+1)
	}
	if results == 0 {
		s.zeroResultCount++
		if query != "" {
			s.zeroResults.Add(query)
		}
	}
}

// Snapshot returns the digest with the top limit terms by count.
func (s *QueryStats) Snapshot(limit int) QueryStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terms []TermCount
	for _, term := range s.terms.Keys() {
		if count, ok := s.terms.Peek(term); ok {
			terms = append(terms, TermCount{Term: term, Count: count})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}

	return QueryStatsSnapshot{
		TotalQueries:      s.totalQueries,
		ZeroResultCount:   s.zeroResultCount,
		TopTerms:          terms,
		ZeroResultQueries: s.zeroResults.Items(),
		Since:             s.since,
	}
}
