// Package optimize decides when the engine should compact the backend.
//
// Checks are opportunistic: mutations bump a local counter and the backend
// is only asked for its reclaimable totals once every CheckInterval
// mutations. Optimize runs when any of these holds:
//  1. optimizable documents reach DocCountThreshold
//  2. optimizable bytes reach BytesThreshold
//  3. TimeThreshold has passed since the last optimize and there is
//     something to reclaim
package optimize

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/searchstore/internal/index"
)

// Defaults used when a threshold is left at zero.
const (
	DefaultDocCountThreshold = 1000
	DefaultBytesThreshold    = 1_000_000
	DefaultTimeThreshold     = 7 * 24 * time.Hour
	DefaultCheckInterval     = 100
)

// Reason says which rule fired, or why none did.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonDocCount      Reason = "doc_count"
	ReasonBytes         Reason = "bytes"
	ReasonElapsed       Reason = "elapsed"
	ReasonDisabled      Reason = "disabled"
	ReasonNothingToFree Reason = "nothing_to_free"
	// ReasonForced marks an explicit Optimize call.
	ReasonForced Reason = "forced"
)

// Config holds the thresholds.
type Config struct {
	Enabled           bool
	DocCountThreshold int
	BytesThreshold    int64
	TimeThreshold     time.Duration
	CheckInterval     int
}

// DefaultConfig returns the stock thresholds, enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DocCountThreshold: DefaultDocCountThreshold,
		BytesThreshold:    DefaultBytesThreshold,
		TimeThreshold:     DefaultTimeThreshold,
		CheckInterval:     DefaultCheckInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.DocCountThreshold <= 0 {
		c.DocCountThreshold = DefaultDocCountThreshold
	}
	if c.BytesThreshold <= 0 {
		c.BytesThreshold = DefaultBytesThreshold
	}
	if c.TimeThreshold <= 0 {
		c.TimeThreshold = DefaultTimeThreshold
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

// Scheduler tracks mutations and the last optimize time.
type Scheduler struct {
	config Config
	now    func() time.Time

	mu           sync.Mutex
	pending      int
	lastOptimize time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler returns a scheduler whose time baseline starts now.
func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{config: cfg.withDefaults(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.lastOptimize = s.now()
	return s
}

// Config returns the effective thresholds.
func (s *Scheduler) Config() Config {
	return s.config
}

// Disabled reports whether automatic optimization is off.
func (s *Scheduler) Disabled() bool {
	return !s.config.Enabled
}

// RecordMutations adds n to the mutation counter. It returns true, and
// resets the counter, once the check interval is reached.
func (s *Scheduler) RecordMutations(n int) bool {
	if s.Disabled() || n <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending += n
	if s.pending < s.config.CheckInterval {
		return false
	}
	s.pending = 0
	return true
}

// ShouldOptimize applies the thresholds to the backend's totals.
func (s *Scheduler) ShouldOptimize(info *index.OptimizeInfo) (bool, Reason) {
	if s.Disabled() {
		return false, ReasonDisabled
	}
	if info == nil || info.OptimizableDocs <= 0 {
		slog.Debug("optimize skipped: nothing to reclaim")
		return false, ReasonNothingToFree
	}
	if info.OptimizableDocs >= s.config.DocCountThreshold {
		return true, ReasonDocCount
	}
	if info.EstimatedOptimizableBytes >= s.config.BytesThreshold {
		return true, ReasonBytes
	}

	s.mu.Lock()
	elapsed := s.now().Sub(s.lastOptimize)
	s.mu.Unlock()
	if elapsed >= s.config.TimeThreshold {
		return true, ReasonElapsed
	}

	slog.Debug("optimize skipped: below thresholds",
		slog.Int("optimizable_docs", info.OptimizableDocs),
		slog.Int64("optimizable_bytes", info.EstimatedOptimizableBytes),
		slog.Duration("since_last", elapsed))
	return false, ReasonNone
}

// Optimized resets the counter and the time baseline after a run.
func (s *Scheduler) Optimized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = 0
	s.lastOptimize = s.now()
}

// LastOptimize returns when the last run finished, or when the scheduler
// was created if none has.
func (s *Scheduler) LastOptimize() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOptimize
}
