package sqlite

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/Aman-CERP/searchstore/internal/codec"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
)

var _ index.ConsistencyChecker = (*Backend)(nil)

// CheckConsistency compares the documents table with the text index.
// Every row whose indexed properties yield terms must have an entry, and
// every entry must belong to a row. This is O(rows).
func (b *Backend) CheckConsistency(ctx context.Context) (*index.CheckResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()

	rows, err := b.db.QueryContext(ctx, `SELECT id, body FROM documents`)
	if err != nil {
		return nil, errors.Backend("consistency check", err)
	}
	checked := 0
	expected := make(map[int64]bool)
	for rows.Next() {
		var (
			id   int64
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			_ = rows.Close()
			return nil, errors.Backend("consistency check", err)
		}
		doc, err := codec.UnmarshalDocument(body)
		if err != nil {
			_ = rows.Close()
			return nil, corrupt(b.path, err)
		}
		checked++
		text := index.ExtractText(b.types, doc)
		expected[id] = len(text.Exact) > 0 || len(text.Prefix) > 0
	}
	if err := closeRows(rows); err != nil {
		return nil, errors.Backend("consistency check", err)
	}

	indexed, err := b.text.ids(ctx)
	if err != nil {
		return nil, errors.Backend("consistency check", err)
	}

	var orphans, missing []int64
	for id := range indexed {
		if !expected[id] {
			orphans = append(orphans, id)
		}
	}
	for id, want := range expected {
		if _, ok := indexed[id]; want && !ok {
			missing = append(missing, id)
		}
	}
	slices.Sort(orphans)
	slices.Sort(missing)

	issues := make([]index.Inconsistency, 0, len(orphans)+len(missing))
	for _, id := range orphans {
		issues = append(issues, index.Inconsistency{
			Type:    index.InconsistencyOrphanText,
			RowID:   id,
			Details: "text index entry without a document row",
		})
	}
	for _, id := range missing {
		issues = append(issues, index.Inconsistency{
			Type:    index.InconsistencyMissingText,
			RowID:   id,
			Details: "document row missing from the text index",
		})
	}

	if len(issues) > 0 {
		slog.Debug("text_index_inconsistent",
			slog.Int("orphans", len(orphans)),
			slog.Int("missing", len(missing)))
	}
	return &index.CheckResult{
		Checked:         checked,
		Indexed:         len(indexed),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// RepairConsistency deletes orphan text entries and rebuilds the entries
// of rows reported missing.
func (b *Backend) RepairConsistency(ctx context.Context, issues []index.Inconsistency) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	var orphans, missing []int64
	for _, issue := range issues {
		switch issue.Type {
		case index.InconsistencyOrphanText:
			orphans = append(orphans, issue.RowID)
		case index.InconsistencyMissingText:
			missing = append(missing, issue.RowID)
		}
	}

	if len(orphans) > 0 {
		if err := b.text.remove(ctx, b.db, orphans); err != nil {
			return errors.Backend("consistency repair", err)
		}
		slog.Info("deleted orphan text entries", slog.Int("count", len(orphans)))
	}
	for _, chunk := range chunkIDs(missing) {
		in, args := inClause(chunk)
		if err := b.reindexWhere(ctx, "id IN ("+in+")", args...); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		slog.Info("reindexed missing text entries", slog.Int("count", len(missing)))
	}
	return nil
}
