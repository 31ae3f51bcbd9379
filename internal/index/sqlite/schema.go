package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/searchstore/internal/codec"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/schema"
)

// GetSchema implements index.Backend.
func (b *Backend) GetSchema(_ context.Context) (*model.Schema, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.schema.Clone(), nil
}

// SetSchema implements index.Backend.
func (b *Backend) SetSchema(ctx context.Context, s *model.Schema, forceOverride bool) (*index.SetSchemaResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	delta := schema.ComputeDelta(b.schema, s)
	res := &index.SetSchemaResult{
		DeletedTypes:      delta.Deleted,
		IncompatibleTypes: delta.Incompatible,
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Backend("set schema", err)
	}
	defer func() { _ = tx.Rollback() }()

	dropped := append(append([]string(nil), delta.Deleted...), delta.Incompatible...)
	var ids []int64
	var bytes int64
	if len(dropped) > 0 {
		in, args := inClause(dropped)
		ids, err = selectIDs(ctx, tx, "SELECT id FROM documents WHERE schema_type IN ("+in+")", args...)
		if err != nil {
			return nil, errors.Backend("set schema", err)
		}
	}

	if !forceOverride {
		if len(delta.Incompatible) > 0 {
			return res, nil
		}
		live, err := b.anyLive(ctx, tx, delta.Deleted)
		if err != nil {
			return nil, errors.Backend("set schema", err)
		}
		if live {
			return res, nil
		}
	}

	if len(ids) > 0 {
		if bytes, err = sumSize(ctx, tx, ids); err != nil {
			return nil, errors.Backend("set schema", err)
		}
		if err := b.deleteRowsTx(ctx, tx, ids, bytes); err != nil {
			return nil, errors.Backend("set schema", err)
		}
	}

	body, err := codec.MarshalSchema(s)
	if err != nil {
		return nil, errors.InternalError("failed to encode schema", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO store_schema(id, body) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET body = excluded.body`, body)
	if err != nil {
		return nil, errors.Backend("set schema", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Backend("set schema", err)
	}

	old := b.types
	b.setSchemaCache(s.Clone())

	if changed := indexingChanged(old, b.types); len(changed) > 0 {
		in, args := inClause(changed)
		if err := b.reindexWhere(ctx, "schema_type IN ("+in+")", args...); err != nil {
			return nil, err
		}
	}

	res.Applied = true
	return res, nil
}

// anyLive reports whether any of types still has an unexpired document.
func (b *Backend) anyLive(ctx context.Context, q execer, types []string) (bool, error) {
	if len(types) == 0 {
		return false, nil
	}
	in, args := inClause(types)
	ids, err := selectIDs(ctx, q,
		"SELECT id FROM documents WHERE schema_type IN ("+in+") AND "+liveCondition+" LIMIT 1",
		append(args, b.nowMillis())...)
	return len(ids) > 0, err
}

// indexingChanged lists surviving types whose term extraction differs
// between old and next. Nested types count for their parents too, so any
// indexing change forces a reindex of every type that embeds it.
func indexingChanged(old, next schema.Types) []string {
	changed := make(map[string]bool)
	for name, t := range next {
		prev, ok := old[name]
		if !ok {
			continue
		}
		if !sameIndexing(prev, t) {
			changed[name] = true
		}
	}
	if len(changed) == 0 {
		return nil
	}
	for grew := true; grew; {
		grew = false
		for name, t := range next {
			if changed[name] {
				continue
			}
			for _, p := range t.Properties {
				if p.DataType == model.DataTypeDocument && changed[p.SchemaType] {
					changed[name] = true
					grew = true
					break
				}
			}
		}
	}
	out := make([]string, 0, len(changed))
	for name := range changed {
		out = append(out, name)
	}
	return out
}

func sameIndexing(a, b model.SchemaType) bool {
	if len(a.Properties) != len(b.Properties) {
		return false
	}
	for _, p := range a.Properties {
		q, ok := b.Property(p.Name)
		if !ok || q.Indexing != p.Indexing {
			return false
		}
	}
	return true
}

// reindexWhere rebuilds the text index entries of rows matching cond.
func (b *Backend) reindexWhere(ctx context.Context, cond string, args ...any) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Backend("reindex", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT id, body FROM documents WHERE "+cond, args...)
	if err != nil {
		return errors.Backend("reindex", err)
	}
	type row struct {
		id  int64
		doc *model.Document
	}
	var all []row
	for rows.Next() {
		var r row
		var body []byte
		if err := rows.Scan(&r.id, &body); err != nil {
			_ = rows.Close()
			return errors.Backend("reindex", err)
		}
		if r.doc, err = codec.UnmarshalDocument(body); err != nil {
			_ = rows.Close()
			return corrupt(b.path, err)
		}
		all = append(all, r)
	}
	if err := closeRows(rows); err != nil {
		return errors.Backend("reindex", err)
	}

	ids := make([]int64, len(all))
	for i, r := range all {
		ids[i] = r.id
	}
	if err := b.text.remove(ctx, tx, ids); err != nil {
		return errors.Backend("reindex", err)
	}
	for _, r := range all {
		if err := b.text.add(ctx, tx, r.id, index.ExtractText(b.types, r.doc)); err != nil {
			return errors.Backend("reindex", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Backend("reindex", err)
	}
	slog.Debug("text_reindexed",
		slog.Int("documents", len(all)),
		slog.String("where", strings.TrimSpace(cond)))
	return nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}
