package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
)

// TextIndexKind selects the term index implementation.
type TextIndexKind string

const (
	// TextIndexSQLite keeps terms in an FTS5 table inside the store database.
	TextIndexSQLite TextIndexKind = "sqlite"
	// TextIndexBleve keeps terms in a bleve index next to the database.
	TextIndexBleve TextIndexKind = "bleve"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// textIndex maps document row ids to their tokens. Implementations that
// live outside the database ignore the execer and apply changes directly;
// stale entries are harmless because matches are always joined back
// against the documents table.
type textIndex interface {
	add(ctx context.Context, q execer, id int64, text index.IndexedText) error
	remove(ctx context.Context, q execer, ids []int64) error
	// constrain returns a condition on documents.id that keeps only rows
	// matching every term.
	constrain(ctx context.Context, terms []string, match model.TermMatch) (string, []any, error)
	optimize(ctx context.Context, q execer) error
	reset(ctx context.Context, q execer) error
	// ids lists every row id holding an entry.
	ids(ctx context.Context) (map[int64]struct{}, error)
	close() error
}

func newTextIndex(kind TextIndexKind, db *sql.DB, dir string) (textIndex, error) {
	switch kind {
	case TextIndexSQLite, "":
		return newFTSIndex(db)
	case TextIndexBleve:
		return newBleveIndex(dir)
	default:
		return nil, fmt.Errorf("unknown text index: %s (valid options: sqlite, bleve)", kind)
	}
}

// ftsIndex stores tokens in an FTS5 table keyed by documents.id.
type ftsIndex struct {
	db *sql.DB
}

func newFTSIndex(db *sql.DB) (*ftsIndex, error) {
	// Tokens arrive pre-split; unicode61 without diacritic folding keeps
	// them intact.
	_, err := db.Exec(`
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		exact_text,
		prefix_text,
		tokenize = 'unicode61 remove_diacritics 0'
	);`)
	if err != nil {
		return nil, fmt.Errorf("failed to create FTS table: %w", err)
	}
	return &ftsIndex{db: db}, nil
}

func (f *ftsIndex) add(ctx context.Context, q execer, id int64, text index.IndexedText) error {
	if len(text.Exact) == 0 && len(text.Prefix) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO documents_fts(rowid, exact_text, prefix_text) VALUES (?, ?, ?)`,
		id, strings.Join(text.Exact, " "), strings.Join(text.Prefix, " "))
	if err != nil {
		return fmt.Errorf("failed to index terms of row %d: %w", id, err)
	}
	return nil
}

func (f *ftsIndex) remove(ctx context.Context, q execer, ids []int64) error {
	for _, chunk := range chunkIDs(ids) {
		in, args := inClause(chunk)
		if _, err := q.ExecContext(ctx, "DELETE FROM documents_fts WHERE rowid IN ("+in+")", args...); err != nil {
			return fmt.Errorf("failed to delete terms: %w", err)
		}
	}
	return nil
}

func (f *ftsIndex) constrain(_ context.Context, terms []string, match model.TermMatch) (string, []any, error) {
	return "id IN (SELECT rowid FROM documents_fts WHERE documents_fts MATCH ?)",
		[]any{ftsExpression(terms, match)}, nil
}

// ftsExpression ANDs the terms. Every term matches whole tokens in both
// columns; in prefix mode it also matches token prefixes in prefix_text.
func ftsExpression(terms []string, match model.TermMatch) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		q := `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
		if match == model.TermMatchPrefix {
			parts = append(parts, fmt.Sprintf(`({exact_text prefix_text} : %s OR prefix_text : %s*)`, q, q))
		} else {
			parts = append(parts, fmt.Sprintf(`{exact_text prefix_text} : %s`, q))
		}
	}
	return strings.Join(parts, " AND ")
}

func (f *ftsIndex) optimize(ctx context.Context, q execer) error {
	_, err := q.ExecContext(ctx, `INSERT INTO documents_fts(documents_fts) VALUES ('optimize')`)
	return err
}

func (f *ftsIndex) reset(ctx context.Context, q execer) error {
	_, err := q.ExecContext(ctx, `DELETE FROM documents_fts`)
	return err
}

func (f *ftsIndex) ids(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT rowid FROM documents_fts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list FTS rows: %w", err)
	}
	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to list FTS rows: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, closeRows(rows)
}

func (f *ftsIndex) close() error { return nil }

// maxParams keeps IN lists well below SQLite's bound-parameter limit.
const maxParams = 500

func chunkIDs(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > maxParams {
		out = append(out, ids[:maxParams])
		ids = ids[maxParams:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func inClause[T any](vals []T) (string, []any) {
	placeholders := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}
