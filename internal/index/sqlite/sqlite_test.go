package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
)

const emailType = "pkg$db/Email"

func emailSchema(bodyIndexing model.Indexing) *model.Schema {
	return &model.Schema{Types: []model.SchemaType{{
		Name: emailType,
		Properties: []model.PropertyConfig{
			{Name: "subject", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional, Indexing: model.IndexingPrefix},
			{Name: "body", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional, Indexing: bodyIndexing},
		},
	}}}
}

func email(ns, id, subject, body string, created int64) *model.Document {
	doc := &model.Document{Namespace: ns, ID: id, SchemaType: emailType, CreationTimestampMillis: created}
	doc.SetProperty("subject", model.StringValues{subject})
	doc.SetProperty("body", model.StringValues{body})
	return doc
}

func openBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func withSchema(t *testing.T, cfg Config) *Backend {
	t.Helper()
	b := openBackend(t, cfg)
	res, err := b.SetSchema(context.Background(), emailSchema(model.IndexingExact), false)
	require.NoError(t, err)
	require.True(t, res.Applied)
	return b
}

func textIndexes() []TextIndexKind {
	return []TextIndexKind{TextIndexSQLite, TextIndexBleve}
}

func TestPutGetDelete(t *testing.T) {
	for _, kind := range textIndexes() {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			b := withSchema(t, Config{TextIndex: kind})

			// Given: a stored document
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "hello", "world", 1)))

			// When: it is read back
			got, err := b.GetDocument(ctx, "pkg$db/ns", "id1")

			// Then: the decoded copy matches and mutating it changes nothing
			require.NoError(t, err)
			assert.Equal(t, []string{"hello"}, got.Strings("subject"))
			got.SetProperty("subject", model.StringValues{"mutated"})
			again, err := b.GetDocument(ctx, "pkg$db/ns", "id1")
			require.NoError(t, err)
			assert.Equal(t, []string{"hello"}, again.Strings("subject"))

			// And: deleting makes it unreachable
			require.NoError(t, b.DeleteDocument(ctx, "pkg$db/ns", "id1"))
			_, err = b.GetDocument(ctx, "pkg$db/ns", "id1")
			assert.True(t, errors.IsNotFound(err))
			assert.True(t, errors.IsNotFound(b.DeleteDocument(ctx, "pkg$db/ns", "id1")))
		})
	}
}

func TestPut_ReplacesAndCountsReclaimable(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})

	// Given: a document written twice under the same key
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "first", "x", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "second", "x", 2)))

	// Then: only the newer version is visible
	got, err := b.GetDocument(ctx, "pkg$db/ns", "id1")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, got.Strings("subject"))

	page, err := b.Query(ctx, &index.SearchSpec{Query: "first"})
	require.NoError(t, err)
	assert.Empty(t, page.Documents)

	// And: the replaced row is reported as optimizable
	info, err := b.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.OptimizableDocs)
	assert.Positive(t, info.EstimatedOptimizableBytes)
}

func TestPut_ValidatesAgainstSchema(t *testing.T) {
	b := withSchema(t, Config{})

	doc := email("pkg$db/ns", "id1", "a", "b", 1)
	doc.SchemaType = "pkg$db/Unknown"

	err := b.PutDocument(context.Background(), doc)
	assert.True(t, errors.IsNotFound(err))
}

func TestQuery_TermsFiltersAndPrefixMatch(t *testing.T) {
	for _, kind := range textIndexes() {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			b := withSchema(t, Config{TextIndex: kind})

			require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "1", "Hello there", "quarterly report", 10)))
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "2", "greetings", "hello report", 20)))
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/b", "3", "helicopter", "report", 30)))

			tests := []struct {
				name string
				spec index.SearchSpec
				want []string
			}{
				{"all newest first", index.SearchSpec{}, []string{"3", "2", "1"}},
				{"exact term", index.SearchSpec{Query: "hello"}, []string{"2", "1"}},
				{"terms are ANDed", index.SearchSpec{Query: "hello quarterly"}, []string{"1"}},
				{"exact mode ignores prefixes", index.SearchSpec{Query: "hel"}, nil},
				{"prefix mode on prefix property", index.SearchSpec{Query: "hel", TermMatch: model.TermMatchPrefix}, []string{"3", "1"}},
				{"prefix mode skips exact property", index.SearchSpec{Query: "quart", TermMatch: model.TermMatchPrefix}, nil},
				{"namespace filter", index.SearchSpec{Namespaces: []string{"pkg$db/b"}}, []string{"3"}},
				{"type filter", index.SearchSpec{SchemaTypes: []string{"pkg$db/Other"}}, nil},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					page, err := b.Query(ctx, &tt.spec)
					require.NoError(t, err)
					var ids []string
					for _, d := range page.Documents {
						ids = append(ids, d.ID)
					}
					assert.Equal(t, tt.want, ids)
				})
			}
		})
	}
}

func TestQuery_Pagination(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", fmt.Sprint(i), "s", "b", int64(i))))
	}

	// When: querying two at a time
	page, err := b.Query(ctx, &index.SearchSpec{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Documents, 2)
	require.NotZero(t, page.NextPageToken)

	var seen []string
	for _, d := range page.Documents {
		seen = append(seen, d.ID)
	}
	token := page.NextPageToken
	for token != 0 {
		next, err := b.GetNextPage(ctx, token)
		require.NoError(t, err)
		for _, d := range next.Documents {
			seen = append(seen, d.ID)
		}
		token = next.NextPageToken
	}

	// Then: every document appears once, newest first
	assert.Equal(t, []string{"4", "3", "2", "1", "0"}, seen)

	// And: exhausted or invalidated tokens yield empty pages
	page, err = b.Query(ctx, &index.SearchSpec{Limit: 1})
	require.NoError(t, err)
	b.InvalidateNextPageToken(ctx, page.NextPageToken)
	empty, err := b.GetNextPage(ctx, page.NextPageToken)
	require.NoError(t, err)
	assert.Empty(t, empty.Documents)
}

func TestRemoveByQuery(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "1", "keep", "x", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "2", "drop", "x", 2)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/b", "3", "drop", "x", 3)))

	n, err := b.RemoveByQuery(ctx, &index.SearchSpec{Query: "drop", Namespaces: []string{"pkg$db/a"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.GetDocument(ctx, "pkg$db/a", "2")
	assert.True(t, errors.IsNotFound(err))
	_, err = b.GetDocument(ctx, "pkg$db/b", "3")
	assert.NoError(t, err)
}

func TestTTL_ExpiredDocumentsVanishAndAreOptimizable(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_000)
	b := withSchema(t, Config{Now: func() time.Time { return now }})

	// Given: a document that lives for 500ms
	doc := email("pkg$db/ns", "id1", "s", "b", 1_000)
	doc.TTLMillis = 500
	require.NoError(t, b.PutDocument(ctx, doc))
	_, err := b.GetDocument(ctx, "pkg$db/ns", "id1")
	require.NoError(t, err)

	// When: the clock passes its expiry
	now = time.UnixMilli(2_000)

	// Then: it is gone from reads and namespaces, and counted for optimize
	_, err = b.GetDocument(ctx, "pkg$db/ns", "id1")
	assert.True(t, errors.IsNotFound(err))
	namespaces, err := b.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)

	info, err := b.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.OptimizableDocs)

	// And: optimize reclaims it
	require.NoError(t, b.Optimize(ctx))
	info, err = b.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.OptimizableDocs)
	assert.Zero(t, info.EstimatedOptimizableBytes)
}

func TestSetSchema_RefusesDestructiveChangeWithoutForce(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "s", "b", 1)))

	// Given: a schema that drops the type with a live document
	res, err := b.SetSchema(ctx, &model.Schema{}, false)

	// Then: nothing is applied and the document survives
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, []string{emailType}, res.DeletedTypes)
	_, err = b.GetDocument(ctx, "pkg$db/ns", "id1")
	require.NoError(t, err)

	// When: forced
	res, err = b.SetSchema(ctx, &model.Schema{}, true)

	// Then: the type and its documents are dropped
	require.NoError(t, err)
	assert.True(t, res.Applied)
	_, err = b.GetDocument(ctx, "pkg$db/ns", "id1")
	assert.True(t, errors.IsNotFound(err))
	s, err := b.GetSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Types)
}

func TestSetSchema_IndexingChangeReindexes(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "s", "searchable", 1)))

	// When: the body stops being indexed
	res, err := b.SetSchema(ctx, emailSchema(model.IndexingNone), false)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// Then: its terms no longer match
	page, err := b.Query(ctx, &index.SearchSpec{Query: "searchable"})
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
}

func TestNamespaceStatsAndUsage(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "1", "s", "b", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "2", "s", "b", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/b", "3", "s", "b", 1)))

	stats, err := b.NamespaceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["pkg$db/a"].Documents)
	assert.Equal(t, 1, stats["pkg$db/b"].Documents)
	assert.Positive(t, stats["pkg$db/a"].SizeBytes)

	require.NoError(t, b.ReportUsage(ctx, "pkg$db/a", "1", 50))
	require.NoError(t, b.ReportUsage(ctx, "pkg$db/a", "1", 40))
	n, err := b.UsageCount(ctx, "pkg$db/a", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, errors.IsNotFound(b.ReportUsage(ctx, "pkg$db/a", "missing", 1)))
}

func TestPersistence_ReopenKeepsSchemaAndDocuments(t *testing.T) {
	for _, kind := range textIndexes() {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			// Given: a store written and closed
			b, err := Open(ctx, Config{Dir: dir, TextIndex: kind})
			require.NoError(t, err)
			_, err = b.SetSchema(ctx, emailSchema(model.IndexingExact), false)
			require.NoError(t, err)
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "persisted", "body", 1)))
			require.NoError(t, b.PersistToDisk(ctx))
			require.NoError(t, b.Close())

			// When: reopened
			b = openBackend(t, Config{Dir: dir, TextIndex: kind})

			// Then: schema, document and terms are all back
			s, err := b.GetSchema(ctx)
			require.NoError(t, err)
			require.Len(t, s.Types, 1)
			page, err := b.Query(ctx, &index.SearchSpec{Query: "persisted"})
			require.NoError(t, err)
			require.Len(t, page.Documents, 1)
			assert.Equal(t, "id1", page.Documents[0].ID)
		})
	}
}

func TestOpen_LockedDirectory(t *testing.T) {
	dir := t.TempDir()
	openBackend(t, Config{Dir: dir})

	// When: a second store opens the same directory without waiting
	_, err := Open(context.Background(), Config{Dir: dir, LockRetry: errors.RetryConfig{}})

	// Then: it fails with a retryable lock error
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreLocked))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	b := withSchema(t, Config{})
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "s", "b", 1)))

	require.NoError(t, b.Reset(ctx))

	s, err := b.GetSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Types)
	namespaces, err := b.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)
}

func TestClosed(t *testing.T) {
	b, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.GetSchema(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreClosed))
	assert.NoError(t, b.Close())
}

func TestFTSExpression(t *testing.T) {
	assert.Equal(t, `{exact_text prefix_text} : "a" AND {exact_text prefix_text} : "b"`,
		ftsExpression([]string{"a", "b"}, model.TermMatchExact))
	assert.Equal(t, `({exact_text prefix_text} : "he" OR prefix_text : "he"*)`,
		ftsExpression([]string{"he"}, model.TermMatchPrefix))
}
