package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/optimize"
)

// checkForOptimize counts n mutations and, every check interval, asks the
// backend whether enough is reclaimable to optimize. Runs under the write
// lock. Failures are logged and never fail the mutation.
func (e *Engine) checkForOptimize(ctx context.Context, n int) {
	if n <= 0 || !e.scheduler.RecordMutations(n) {
		return
	}
	info, err := e.backend.GetOptimizeInfo(ctx)
	if err != nil {
		e.logger.Warn("optimize_check_failed", errors.FormatForLog(errors.Backend("optimize info", err))...)
		return
	}
	should, reason := e.scheduler.ShouldOptimize(info)
	if !should {
		e.logger.Debug("optimize_skipped", slog.String("reason", string(reason)))
		return
	}
	if err := e.optimize(ctx, reason, info); err != nil {
		e.logger.Warn("optimize_failed", errors.FormatForLog(err)...)
	}
}

func (e *Engine) optimize(ctx context.Context, reason optimize.Reason, info *index.OptimizeInfo) error {
	start := time.Now()
	if err := e.backend.Optimize(ctx); err != nil {
		return errors.Backend("optimize", err)
	}
	e.scheduler.Optimized()
	e.metrics.OptimizeRun(string(reason))
	if err := e.refreshNamespaces(ctx); err != nil {
		return err
	}

	attrs := []any{
		slog.String("reason", string(reason)),
		slog.Duration("duration", time.Since(start)),
	}
	if info != nil {
		attrs = append(attrs,
			slog.Int("optimizable_docs", info.OptimizableDocs),
			slog.Int64("estimated_bytes", info.EstimatedOptimizableBytes))
	}
	e.logger.Info("optimized", attrs...)
	return nil
}

// Optimize compacts the backend regardless of thresholds.
func (e *Engine) Optimize(ctx context.Context) (err error) {
	defer e.observe("optimize", time.Now(), &err)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.optimize(ctx, optimize.ReasonForced, nil)
}

// GetOptimizeInfo estimates what Optimize would reclaim.
func (e *Engine) GetOptimizeInfo(ctx context.Context) (info *index.OptimizeInfo, err error) {
	defer e.observe("optimize_info", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	info, err = e.backend.GetOptimizeInfo(ctx)
	if err != nil {
		return nil, errors.Backend("optimize info", err)
	}
	return info, nil
}

// PersistToDisk flushes the backend.
func (e *Engine) PersistToDisk(ctx context.Context) (err error) {
	defer e.observe("persist", time.Now(), &err)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	return errors.Backend("persist", e.backend.PersistToDisk(ctx))
}

// CheckConsistency verifies that the backend's term index matches its
// documents and, with repair, fixes what it finds. The result describes
// the state before any repair. It is nil for backends that keep terms
// together with documents.
func (e *Engine) CheckConsistency(ctx context.Context, repair bool) (res *index.CheckResult, err error) {
	defer e.observe("consistency_check", time.Now(), &err)
	if repair {
		e.mu.Lock()
		defer e.mu.Unlock()
	} else {
		e.mu.RLock()
		defer e.mu.RUnlock()
	}

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	checker, ok := e.backend.(index.ConsistencyChecker)
	if !ok {
		return nil, nil
	}
	res, err = checker.CheckConsistency(ctx)
	if err != nil {
		return nil, errors.Backend("consistency check", err)
	}
	if !res.Consistent() {
		e.logger.Warn("index_inconsistent",
			slog.Int("orphans", res.Count(index.InconsistencyOrphanText)),
			slog.Int("missing", res.Count(index.InconsistencyMissingText)))
	}
	if repair && !res.Consistent() {
		if err := checker.RepairConsistency(ctx, res.Inconsistencies); err != nil {
			return nil, errors.Backend("consistency repair", err)
		}
	}
	return res, nil
}
