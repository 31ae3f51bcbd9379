package sqlite

import (
	"context"
	"strings"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
)

// matchIDs returns the row ids of live documents matching spec, newest
// first with ties broken by insertion order.
func (b *Backend) matchIDs(ctx context.Context, q execer, spec *index.SearchSpec) ([]int64, error) {
	var sb strings.Builder
	sb.WriteString("SELECT id FROM documents WHERE ")
	sb.WriteString(liveCondition)
	args := []any{b.nowMillis()}

	if len(spec.SchemaTypes) > 0 {
		in, inArgs := inClause(spec.SchemaTypes)
		sb.WriteString(" AND schema_type IN (" + in + ")")
		args = append(args, inArgs...)
	}
	if len(spec.Namespaces) > 0 {
		in, inArgs := inClause(spec.Namespaces)
		sb.WriteString(" AND namespace IN (" + in + ")")
		args = append(args, inArgs...)
	}
	if terms := index.QueryTerms(spec.Query); len(terms) > 0 {
		cond, condArgs, err := b.text.constrain(ctx, terms, spec.TermMatch)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" AND " + cond)
		args = append(args, condArgs...)
	}
	sb.WriteString(" ORDER BY created_ms DESC, id DESC")

	return selectIDs(ctx, q, sb.String(), args...)
}

// Query implements index.Backend.
func (b *Backend) Query(ctx context.Context, spec *index.SearchSpec) (*index.ResultPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := b.matchIDs(ctx, b.db, spec)
	if err != nil {
		return nil, errors.Backend("query", err)
	}
	page, err := b.page(ctx, ids, spec.PageSize(), 0)
	return page, errors.Backend("query", err)
}

// page loads the first limit documents of ids and parks the remainder
// under a token. A non-zero token is reused for continuation pages.
func (b *Backend) page(ctx context.Context, ids []int64, limit int, token uint64) (*index.ResultPage, error) {
	n := min(limit, len(ids))
	docs, err := b.loadDocuments(ctx, ids[:n])
	if err != nil {
		return nil, err
	}
	page := &index.ResultPage{Documents: docs}

	rest := ids[n:]
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	if len(rest) == 0 {
		if token != 0 {
			delete(b.pages, token)
		}
		return page, nil
	}
	if token == 0 {
		b.nextToken++
		token = b.nextToken
	}
	b.pages[token] = &pendingPage{ids: rest, limit: limit}
	page.NextPageToken = token
	return page, nil
}

// GetNextPage implements index.Backend. Rows deleted since the first page
// are skipped.
func (b *Backend) GetNextPage(ctx context.Context, token uint64) (*index.ResultPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	b.pagesMu.Lock()
	pending, ok := b.pages[token]
	b.pagesMu.Unlock()
	if !ok {
		return &index.ResultPage{}, nil
	}
	page, err := b.page(ctx, pending.ids, pending.limit, token)
	return page, errors.Backend("next page", err)
}

// InvalidateNextPageToken implements index.Backend.
func (b *Backend) InvalidateNextPageToken(_ context.Context, token uint64) {
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	delete(b.pages, token)
}

// RemoveByQuery implements index.Backend.
func (b *Backend) RemoveByQuery(ctx context.Context, spec *index.SearchSpec) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Backend("remove by query", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := b.matchIDs(ctx, tx, spec)
	if err != nil {
		return 0, errors.Backend("remove by query", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	bytes, err := sumSize(ctx, tx, ids)
	if err != nil {
		return 0, errors.Backend("remove by query", err)
	}
	if err := b.deleteRowsTx(ctx, tx, ids, bytes); err != nil {
		return 0, errors.Backend("remove by query", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Backend("remove by query", err)
	}
	return len(ids), nil
}

func sumSize(ctx context.Context, q execer, ids []int64) (int64, error) {
	var total int64
	for _, chunk := range chunkIDs(ids) {
		in, args := inClause(chunk)
		rows, err := q.QueryContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM documents WHERE id IN ("+in+")", args...)
		if err != nil {
			return 0, err
		}
		var part int64
		if rows.Next() {
			if err := rows.Scan(&part); err != nil {
				_ = rows.Close()
				return 0, err
			}
		}
		_ = rows.Close()
		total += part
	}
	return total, nil
}
