package sqlite

import (
	"context"
	"database/sql"

	"github.com/Aman-CERP/searchstore/internal/codec"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/schema"
)

// liveCondition keeps rows whose TTL has not run out at the bound time.
const liveCondition = "(expires_ms = 0 OR expires_ms > ?)"

func notFound(namespace, id string) error {
	return errors.NotFound("document (%s, %s) not found", namespace, id).
		WithDetail("namespace", namespace).
		WithDetail("id", id)
}

// PutDocument implements index.Backend.
func (b *Backend) PutDocument(ctx context.Context, doc *model.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := schema.ValidateDocument(b.types, doc); err != nil {
		return err
	}

	body, err := codec.MarshalDocument(doc)
	if err != nil {
		return errors.InternalError("failed to encode document", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Backend("put", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := b.deleteKeyTx(ctx, tx, doc.Namespace, doc.ID); err != nil && !errors.IsNotFound(err) {
		return errors.Backend("put", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents(namespace, doc_id, schema_type, created_ms, expires_ms, size, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.Namespace, doc.ID, doc.SchemaType, doc.CreationTimestampMillis,
		doc.ExpiresAt(), doc.EstimatedSize(), body)
	if err != nil {
		return errors.Backend("put", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return errors.Backend("put", err)
	}

	if err := b.text.add(ctx, tx, rowID, index.ExtractText(b.types, doc)); err != nil {
		return errors.Backend("put", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Backend("put", err)
	}
	return nil
}

// deleteKeyTx removes the row for (namespace, id), live or expired, and
// accounts it as reclaimable space.
func (b *Backend) deleteKeyTx(ctx context.Context, tx *sql.Tx, namespace, id string) error {
	var rowID, size int64
	err := tx.QueryRowContext(ctx,
		`SELECT id, size FROM documents WHERE namespace = ? AND doc_id = ?`, namespace, id).
		Scan(&rowID, &size)
	if err == sql.ErrNoRows {
		return notFound(namespace, id)
	}
	if err != nil {
		return err
	}
	return b.deleteRowsTx(ctx, tx, []int64{rowID}, size)
}

func (b *Backend) deleteRowsTx(ctx context.Context, tx *sql.Tx, ids []int64, bytes int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, chunk := range chunkIDs(ids) {
		in, args := inClause(chunk)
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id IN ("+in+")", args...); err != nil {
			return err
		}
	}
	if err := b.text.remove(ctx, tx, ids); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE optimize_stats SET deleted_docs = deleted_docs + ?, deleted_bytes = deleted_bytes + ?`,
		len(ids), bytes)
	if err != nil {
		return err
	}
	if b.cache != nil {
		for _, id := range ids {
			b.cache.Remove(id)
		}
	}
	return nil
}

// GetDocument implements index.Backend.
func (b *Backend) GetDocument(ctx context.Context, namespace, id string) (*model.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rowID int64
	err := b.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE namespace = ? AND doc_id = ? AND `+liveCondition,
		namespace, id, b.nowMillis()).Scan(&rowID)
	if err == sql.ErrNoRows {
		return nil, notFound(namespace, id)
	}
	if err != nil {
		return nil, errors.Backend("get", err)
	}

	docs, err := b.loadDocuments(ctx, []int64{rowID})
	if err != nil {
		return nil, errors.Backend("get", err)
	}
	if len(docs) == 0 {
		return nil, notFound(namespace, id)
	}
	return docs[0], nil
}

// loadDocuments decodes the rows in ids, keeping their order. Rows that
// vanished in between are skipped.
func (b *Backend) loadDocuments(ctx context.Context, ids []int64) ([]*model.Document, error) {
	found := make(map[int64]*model.Document, len(ids))
	var missing []int64
	for _, id := range ids {
		if b.cache != nil {
			if doc, ok := b.cache.Get(id); ok {
				found[id] = doc
				continue
			}
		}
		missing = append(missing, id)
	}

	for _, chunk := range chunkIDs(missing) {
		in, args := inClause(chunk)
		rows, err := b.db.QueryContext(ctx, "SELECT id, body FROM documents WHERE id IN ("+in+")", args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			var body []byte
			if err := rows.Scan(&id, &body); err != nil {
				_ = rows.Close()
				return nil, err
			}
			doc, err := codec.UnmarshalDocument(body)
			if err != nil {
				_ = rows.Close()
				return nil, corrupt(b.path, err)
			}
			found[id] = doc
			if b.cache != nil {
				b.cache.Add(id, doc)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	out := make([]*model.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := found[id]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// DeleteDocument implements index.Backend.
func (b *Backend) DeleteDocument(ctx context.Context, namespace, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Backend("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rowID, size int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, size FROM documents WHERE namespace = ? AND doc_id = ? AND `+liveCondition,
		namespace, id, b.nowMillis()).Scan(&rowID, &size)
	if err == sql.ErrNoRows {
		return notFound(namespace, id)
	}
	if err != nil {
		return errors.Backend("delete", err)
	}
	if err := b.deleteRowsTx(ctx, tx, []int64{rowID}, size); err != nil {
		return errors.Backend("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Backend("delete", err)
	}
	return nil
}

// ReportUsage implements index.Backend.
func (b *Backend) ReportUsage(ctx context.Context, namespace, id string, timestampMillis int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE documents
		SET usage_count = usage_count + 1, last_used_ms = MAX(last_used_ms, ?)
		WHERE namespace = ? AND doc_id = ? AND `+liveCondition,
		timestampMillis, namespace, id, b.nowMillis())
	if err != nil {
		return errors.Backend("report usage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Backend("report usage", err)
	}
	if n == 0 {
		return notFound(namespace, id)
	}
	return nil
}

// UsageCount returns how often a document was reported used.
func (b *Backend) UsageCount(ctx context.Context, namespace, id string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT usage_count FROM documents WHERE namespace = ? AND doc_id = ?`, namespace, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, notFound(namespace, id)
	}
	if err != nil {
		return 0, errors.Backend("usage count", err)
	}
	return n, nil
}

// Namespaces implements index.Backend.
func (b *Backend) Namespaces(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM documents WHERE `+liveCondition+` ORDER BY namespace`,
		b.nowMillis())
	if err != nil {
		return nil, errors.Backend("namespaces", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, errors.Backend("namespaces", err)
		}
		out = append(out, ns)
	}
	return out, errors.Backend("namespaces", rows.Err())
}

// NamespaceStats implements index.Backend.
func (b *Backend) NamespaceStats(ctx context.Context) (map[string]index.NamespaceStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT namespace, COUNT(*), COALESCE(SUM(size), 0) FROM documents WHERE `+liveCondition+
			` GROUP BY namespace`, b.nowMillis())
	if err != nil {
		return nil, errors.Backend("namespace stats", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]index.NamespaceStats)
	for rows.Next() {
		var ns string
		var st index.NamespaceStats
		if err := rows.Scan(&ns, &st.Documents, &st.SizeBytes); err != nil {
			return nil, errors.Backend("namespace stats", err)
		}
		out[ns] = st
	}
	return out, errors.Backend("namespace stats", rows.Err())
}

// GetOptimizeInfo implements index.Backend. Expired rows count as
// optimizable alongside deleted ones.
func (b *Backend) GetOptimizeInfo(ctx context.Context) (*index.OptimizeInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	info := &index.OptimizeInfo{}
	err := b.db.QueryRowContext(ctx,
		`SELECT deleted_docs, deleted_bytes FROM optimize_stats WHERE id = 1`).
		Scan(&info.OptimizableDocs, &info.EstimatedOptimizableBytes)
	if err != nil {
		return nil, errors.Backend("optimize info", err)
	}

	var expiredDocs int
	var expiredBytes int64
	err = b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM documents WHERE expires_ms > 0 AND expires_ms <= ?`,
		b.nowMillis()).Scan(&expiredDocs, &expiredBytes)
	if err != nil {
		return nil, errors.Backend("optimize info", err)
	}
	info.OptimizableDocs += expiredDocs
	info.EstimatedOptimizableBytes += expiredBytes
	return info, nil
}

// Optimize implements index.Backend: expired rows are deleted, the text
// index is merged and the database file is vacuumed.
func (b *Backend) Optimize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Backend("optimize", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := selectIDs(ctx, tx, `SELECT id FROM documents WHERE expires_ms > 0 AND expires_ms <= ?`, b.nowMillis())
	if err != nil {
		return errors.Backend("optimize", err)
	}
	if err := b.deleteRowsTx(ctx, tx, ids, 0); err != nil {
		return errors.Backend("optimize", err)
	}
	if err := b.text.optimize(ctx, tx); err != nil {
		return errors.Backend("optimize", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE optimize_stats SET deleted_docs = 0, deleted_bytes = 0, last_optimize_ms = ?`, b.nowMillis())
	if err != nil {
		return errors.Backend("optimize", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Backend("optimize", err)
	}

	// VACUUM cannot run inside a transaction.
	if _, err := b.db.ExecContext(ctx, "VACUUM"); err != nil {
		return errors.Backend("optimize", err)
	}
	b.purgeCaches()
	return nil
}

func selectIDs(ctx context.Context, q execer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
