package memory

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

func emailSchema() *model.Schema {
	return &model.Schema{Types: []model.SchemaType{{
		Name: emailType,
		Properties: []model.PropertyConfig{
			{Name: "subject", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional, Indexing: model.IndexingPrefix},
			{Name: "body", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional, Indexing: model.IndexingExact},
		},
	}}}
}

func email(ns, id, subject, body string, created int64) *model.Document {
	doc := &model.Document{Namespace: ns, ID: id, SchemaType: emailType, CreationTimestampMillis: created}
	doc.SetProperty("subject", model.StringValues{subject})
	doc.SetProperty("body", model.StringValues{body})
	return doc
}

func newBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	b := New(opts...)
	res, err := b.SetSchema(context.Background(), emailSchema(), false)
	require.NoError(t, err)
	require.True(t, res.Applied)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	// Given: a stored document
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "hello", "world", 1)))

	// When/Then: it can be read back as a copy
	got, err := b.GetDocument(ctx, "pkg$db/ns", "id1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, got.Strings("subject"))
	got.SetProperty("subject", model.StringValues{"mutated"})
	again, _ := b.GetDocument(ctx, "pkg$db/ns", "id1")
	assert.Equal(t, []string{"hello"}, again.Strings("subject"))

	// And: deleting makes it unreachable
	require.NoError(t, b.DeleteDocument(ctx, "pkg$db/ns", "id1"))
	_, err = b.GetDocument(ctx, "pkg$db/ns", "id1")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(b.DeleteDocument(ctx, "pkg$db/ns", "id1")))
}

func TestPut_ValidatesAgainstSchema(t *testing.T) {
	b := newBackend(t)

	doc := email("pkg$db/ns", "id1", "a", "b", 1)
	doc.SchemaType = "pkg$db/Unknown"

	err := b.PutDocument(context.Background(), doc)
	assert.True(t, errors.IsNotFound(err))
}

func TestQuery_TermsFiltersAndPrefixMatch(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/inbox", "1", "Quarterly report", "numbers inside", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/inbox", "2", "Lunch", "report attached", 2)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/spam", "3", "Win money", "click here", 3)))

	tests := []struct {
		name string
		spec index.SearchSpec
		want []string
	}{
		{"empty query matches all, newest first", index.SearchSpec{}, []string{"3", "2", "1"}},
		{"exact term in either field", index.SearchSpec{Query: "report"}, []string{"2", "1"}},
		{"terms are ANDed", index.SearchSpec{Query: "report lunch"}, []string{"2"}},
		{"prefix on prefix-indexed field", index.SearchSpec{Query: "quart", TermMatch: model.TermMatchPrefix}, []string{"1"}},
		{"prefix ignored in exact mode", index.SearchSpec{Query: "quart"}, nil},
		{"prefix never applies to exact-indexed field", index.SearchSpec{Query: "attach", TermMatch: model.TermMatchPrefix}, nil},
		{"namespace filter", index.SearchSpec{Namespaces: []string{"pkg$db/spam"}}, []string{"3"}},
		{"unknown type filter", index.SearchSpec{SchemaTypes: []string{"pkg$db/Other"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			page, err := b.Query(ctx, &spec)
			require.NoError(t, err)
			var ids []string
			for _, d := range page.Documents {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestQuery_Pagination(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", fmt.Sprint(i), "s", "b", int64(i))))
	}

	page, err := b.Query(ctx, &index.SearchSpec{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Documents, 2)
	require.NotZero(t, page.NextPageToken)

	token := page.NextPageToken
	page, err = b.GetNextPage(ctx, token)
	require.NoError(t, err)
	assert.Len(t, page.Documents, 2)
	assert.Equal(t, token, page.NextPageToken)

	page, err = b.GetNextPage(ctx, token)
	require.NoError(t, err)
	assert.Len(t, page.Documents, 1)
	assert.Zero(t, page.NextPageToken)

	page, err = b.GetNextPage(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
}

func TestInvalidateNextPageToken(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", fmt.Sprint(i), "s", "b", int64(i))))
	}
	page, err := b.Query(ctx, &index.SearchSpec{Limit: 1})
	require.NoError(t, err)

	b.InvalidateNextPageToken(ctx, page.NextPageToken)

	page, err = b.GetNextPage(ctx, page.NextPageToken)
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
}

func TestRemoveByQuery(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "1", "keep", "x", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "2", "drop", "x", 2)))

	n, err := b.RemoveByQuery(ctx, &index.SearchSpec{Query: "drop"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.GetDocument(ctx, "pkg$db/ns", "2")
	assert.True(t, errors.IsNotFound(err))
	_, err = b.GetDocument(ctx, "pkg$db/ns", "1")
	assert.NoError(t, err)
}

func TestSetSchema_DeletionAndIncompatibility(t *testing.T) {
	ctx := context.Background()

	t.Run("deleting an empty type applies without force", func(t *testing.T) {
		b := newBackend(t)
		res, err := b.SetSchema(ctx, &model.Schema{}, false)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, []string{emailType}, res.DeletedTypes)
	})

	t.Run("deleting a type with documents needs force", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "1", "a", "b", 1)))

		res, err := b.SetSchema(ctx, &model.Schema{}, false)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		s, _ := b.GetSchema(ctx)
		assert.Len(t, s.Types, 1)

		res, err = b.SetSchema(ctx, &model.Schema{}, true)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		_, err = b.GetDocument(ctx, "pkg$db/ns", "1")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("incompatible change is refused without force", func(t *testing.T) {
		b := newBackend(t)
		next := emailSchema()
		next.Types[0].Properties = next.Types[0].Properties[:1]

		res, err := b.SetSchema(ctx, next, false)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, []string{emailType}, res.IncompatibleTypes)
	})
}

func TestSetSchema_ReindexesOnIndexingChange(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "1", "a", "searchable", 1)))

	next := emailSchema()
	next.Types[0].Properties[1].Indexing = model.IndexingNone
	res, err := b.SetSchema(ctx, next, false)
	require.NoError(t, err)
	require.True(t, res.Applied)

	page, err := b.Query(ctx, &index.SearchSpec{Query: "searchable"})
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
}

func TestOptimize_ReclaimsTombstonesAndExpired(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(10_000)
	b := newBackend(t, WithClock(func() time.Time { return now }))

	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "1", "a", "b", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "1", "a2", "b2", 2))) // replaces
	expiring := email("pkg$db/ns", "2", "a", "b", 9_000)
	expiring.TTLMillis = 500
	require.NoError(t, b.PutDocument(ctx, expiring))

	info, err := b.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.OptimizableDocs)
	assert.Positive(t, info.EstimatedOptimizableBytes)

	require.NoError(t, b.Optimize(ctx))

	info, err = b.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.OptimizableDocs)
	assert.Zero(t, info.EstimatedOptimizableBytes)

	got, err := b.GetDocument(ctx, "pkg$db/ns", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, got.Strings("subject"))
}

func TestNamespacesStatsAndUsage(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "1", "x", "y", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "2", "x", "y", 1)))
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/b", "3", "x", "y", 1)))

	ns, err := b.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg$db/a", "pkg$db/b"}, ns)

	stats, err := b.NamespaceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["pkg$db/a"].Documents)
	assert.Positive(t, stats["pkg$db/a"].SizeBytes)

	require.NoError(t, b.ReportUsage(ctx, "pkg$db/a", "1", 100))
	require.NoError(t, b.ReportUsage(ctx, "pkg$db/a", "1", 200))
	assert.Equal(t, 2, b.UsageCount("pkg$db/a", "1"))
	assert.True(t, errors.IsNotFound(b.ReportUsage(ctx, "pkg$db/a", "missing", 1)))
}

func TestResetAndClose(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutDocument(ctx, email("pkg$db/a", "1", "x", "y", 1)))

	require.NoError(t, b.Reset(ctx))
	s, err := b.GetSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Types)

	require.NoError(t, b.Close())
	_, err = b.GetSchema(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreClosed))
}
