package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index/memory"
	"github.com/Aman-CERP/searchstore/internal/migrate"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/observer"
	"github.com/Aman-CERP/searchstore/internal/optimize"
	"github.com/Aman-CERP/searchstore/internal/visibility"
)

func emailType(subject model.DataType) model.SchemaType {
	prop := model.PropertyConfig{
		Name:        "subject",
		DataType:    subject,
		Cardinality: model.CardinalityOptional,
	}
	if subject == model.DataTypeString {
		prop.Indexing = model.IndexingPrefix
	}
	return model.SchemaType{Name: "Email", Properties: []model.PropertyConfig{prop}}
}

func email(namespace, id, subject string) *model.Document {
	doc := &model.Document{Namespace: namespace, ID: id, SchemaType: "Email"}
	doc.SetProperty("subject", model.StringValues{subject})
	return doc
}

func newEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	cfg := DefaultConfig()
	cfg.Migration.SpillDir = t.TempDir()
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(context.Background(), backend, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, backend
}

func setEmailSchema(t *testing.T, e *Engine, owner, db string) {
	t.Helper()
	_, err := e.SetSchema(context.Background(), owner, db, &SetSchemaRequest{
		Types:   []model.SchemaType{emailType(model.DataTypeString)},
		Version: 1,
	})
	require.NoError(t, err)
}

func resultIDs(page *model.SearchResultPage) []string {
	var ids []string
	for _, r := range page.Results {
		ids = append(ids, r.PackageName+"/"+r.DatabaseName+"/"+r.Document.ID)
	}
	return ids
}

func TestEngine_NewWithDefaultAndZeroCacheSize(t *testing.T) {
	assert.Equal(t, visibility.DefaultCacheSize, DefaultConfig().VisibilityCacheSize)

	for _, size := range []int{visibility.DefaultCacheSize, 0} {
		cfg := DefaultConfig()
		cfg.VisibilityCacheSize = size
		e, err := New(context.Background(), memory.New(), cfg)

		require.NoError(t, err, "cache size %d", size)
		require.NoError(t, e.Close())
	}
}

func TestEngine_PutGetIsolatesDatabases(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	// Given two databases with the same type and document coordinates
	setEmailSchema(t, e, "pkgA", "db")
	setEmailSchema(t, e, "pkgB", "db")
	require.NoError(t, e.Put(ctx, "pkgA", "db", email("inbox", "1", "from a")))
	require.NoError(t, e.Put(ctx, "pkgB", "db", email("inbox", "1", "from b")))

	// When each owner reads its document back
	a, err := e.Get(ctx, "pkgA", "db", "inbox", "1")
	require.NoError(t, err)
	b, err := e.Get(ctx, "pkgB", "db", "inbox", "1")
	require.NoError(t, err)

	// Then each sees its own copy with local names
	assert.Equal(t, []string{"from a"}, a.Strings("subject"))
	assert.Equal(t, []string{"from b"}, b.Strings("subject"))
	assert.Equal(t, "inbox", a.Namespace)
	assert.Equal(t, "Email", a.SchemaType)
	assert.Equal(t, []string{"pkgA$db/", "pkgB$db/"}, e.Prefixes())

	_, err = e.Get(ctx, "pkgA", "other", "inbox", "1")
	assert.True(t, errors.IsNotFound(err))
}

func TestEngine_RejectsInvalidCoordinates(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	tests := []struct {
		name  string
		owner string
		db    string
	}{
		{"empty owner", "", "db"},
		{"reserved owner", "VS#Pkg", "db"},
		{"delimiter in owner", "a$b", "db"},
		{"delimiter in database", "pkg", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Put(ctx, tt.owner, tt.db, email("ns", "1", "x"))
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument), "got %v", err)
		})
	}
}

func TestEngine_PutUnknownTypeFails(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	// Given a database without a schema
	// When a document is put
	err := e.Put(ctx, "pkg", "db", email("ns", "1", "x"))

	// Then it is refused and nothing is recorded
	assert.Error(t, err)
	assert.Empty(t, e.Prefixes())
}

func TestEngine_PutNilNestedDocumentIsInvalid(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{Types: []model.SchemaType{
		{Name: "Address", Properties: []model.PropertyConfig{
			{Name: "city", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional},
		}},
		{Name: "Person", Properties: []model.PropertyConfig{
			{Name: "address", DataType: model.DataTypeDocument, SchemaType: "Address", Cardinality: model.CardinalityRepeated},
		}},
	}})
	require.NoError(t, err)

	// Given a document whose nested list holds nil
	doc := &model.Document{Namespace: "ns", ID: "p1", SchemaType: "Person"}
	doc.SetProperty("address", model.DocumentValues{nil})

	// When it is put
	require.NotPanics(t, func() { err = e.Put(ctx, "pkg", "db", doc) })

	// Then it is refused as an invalid argument and nothing is stored
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument), "got %v", err)
	_, err = e.Get(ctx, "pkg", "db", "ns", "p1")
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func TestEngine_IncompatibleSchemaIsAtomic(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	// Given a database holding a document
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	// When the subject property changes type without force
	_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
		Types:   []model.SchemaType{emailType(model.DataTypeInt64)},
		Version: 2,
	})

	// Then the change is refused and nothing moved
	require.True(t, errors.HasCode(err, errors.ErrCodeIncompatibleSchema), "got %v", err)
	assert.Contains(t, err.Error(), "Email")

	got, err := e.GetSchema(ctx, "pkg", "db")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.Types, 1)
	assert.Equal(t, model.DataTypeString, got.Types[0].Properties[0].DataType)

	doc, err := e.Get(ctx, "pkg", "db", "ns", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, doc.Strings("subject"))
}

func TestEngine_ForceOverrideDropsDocuments(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	// Given a database holding a document
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	// When an incompatible change is forced
	resp, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
		Types:         []model.SchemaType{emailType(model.DataTypeInt64)},
		ForceOverride: true,
	})

	// Then the type is reported and its documents are gone
	require.NoError(t, err)
	assert.Equal(t, []string{"Email"}, resp.IncompatibleTypes)
	_, err = e.Get(ctx, "pkg", "db", "ns", "1")
	assert.True(t, errors.IsNotFound(err))

	// And the version is kept when the request leaves it unset
	got, err := e.GetSchema(ctx, "pkg", "db")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestEngine_DeletingEmptyTypeNeedsNoForce(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")

	// Given a type without documents
	// When it is removed from the schema
	resp, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{})

	// Then the change applies and the database disappears
	require.NoError(t, err)
	assert.Equal(t, []string{"Email"}, resp.DeletedTypes)
	assert.Empty(t, e.Prefixes())
}

func TestEngine_DeletingTypeWithDocumentsNeedsForce(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{})
	require.True(t, errors.HasCode(err, errors.ErrCodeIncompatibleSchema), "got %v", err)

	_, err = e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{ForceOverride: true})
	require.NoError(t, err)
	ns, err := e.GetNamespaces(ctx, "pkg", "db")
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestEngine_VisibilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	// Given a type shared with one package
	settings := model.VisibilitySettings{
		PackageAccess: []model.PackageIdentifier{{PackageName: "friend", SHA256Cert: []byte{1}}},
	}
	_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
		Types:      []model.SchemaType{emailType(model.DataTypeString)},
		Visibility: map[string]model.VisibilitySettings{"Email": settings},
	})
	require.NoError(t, err)

	// When the schema is read back
	got, err := e.GetSchema(ctx, "pkg", "db")
	require.NoError(t, err)

	// Then the settings come back under the local name
	assert.Equal(t, settings, got.Visibility["Email"])

	// And a zero value restores the default
	_, err = e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
		Types:      []model.SchemaType{emailType(model.DataTypeString)},
		Visibility: map[string]model.VisibilitySettings{"Email": {}},
	})
	require.NoError(t, err)
	got, err = e.GetSchema(ctx, "pkg", "db")
	require.NoError(t, err)
	assert.Empty(t, got.Visibility)
}

func TestEngine_VisibilityForUnknownTypeFails(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.SetSchema(context.Background(), "pkg", "db", &SetSchemaRequest{
		Types:      []model.SchemaType{emailType(model.DataTypeString)},
		Visibility: map[string]model.VisibilitySettings{"Contact": {NotPlatformSurfaceable: true}},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument), "got %v", err)
	assert.Empty(t, e.Prefixes())
}

func TestEngine_Query(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	setEmailSchema(t, e, "other", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("inbox", "1", "hello world")))
	require.NoError(t, e.Put(ctx, "pkg", "db", email("sent", "2", "hello there")))
	require.NoError(t, e.Put(ctx, "other", "db", email("inbox", "3", "hello")))

	tests := []struct {
		name  string
		db    string
		query string
		spec  *model.SearchSpec
		want  []string
	}{
		{"matches own database only", "db", "hello", nil, []string{"pkg/db/2", "pkg/db/1"}},
		{"namespace filter", "db", "hello", &model.SearchSpec{NamespaceFilters: []string{"sent"}}, []string{"pkg/db/2"}},
		{"prefix match", "db", "wor", &model.SearchSpec{TermMatch: model.TermMatchPrefix}, []string{"pkg/db/1"}},
		{"exact match misses partial term", "db", "wor", nil, nil},
		{"package filter excluding owner", "db", "hello", &model.SearchSpec{PackageFilters: []string{"other"}}, nil},
		{"unknown schema filter", "db", "hello", &model.SearchSpec{SchemaFilters: []string{"Contact"}}, nil},
		{"unknown database", "missing", "hello", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := e.Query(ctx, "pkg", tt.db, tt.query, tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resultIDs(page))
		})
	}
}

func TestEngine_QueryPaging(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	for i := range 5 {
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", fmt.Sprint(i), "hello")))
	}

	// Given a query with a page size of two
	page, err := e.Query(ctx, "pkg", "db", "hello", &model.SearchSpec{ResultCountPerPage: 2})
	require.NoError(t, err)

	// When every page is read
	seen := len(page.Results)
	for page.NextPageToken != 0 {
		page, err = e.GetNextPage(ctx, page.NextPageToken)
		require.NoError(t, err)
		seen += len(page.Results)
	}

	// Then all documents were returned once
	assert.Equal(t, 5, seen)

	// And an invalidated token yields nothing
	page, err = e.Query(ctx, "pkg", "db", "hello", &model.SearchSpec{ResultCountPerPage: 2})
	require.NoError(t, err)
	e.InvalidateNextPageToken(ctx, page.NextPageToken)
	next, err := e.GetNextPage(ctx, page.NextPageToken)
	require.NoError(t, err)
	assert.Empty(t, next.Results)
}

func TestEngine_GlobalQuery(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	cert := []byte{0xAB}
	_, err := e.SetSchema(ctx, "private", "db", &SetSchemaRequest{
		Types: []model.SchemaType{emailType(model.DataTypeString)},
		Visibility: map[string]model.VisibilitySettings{"Email": {
			PackageAccess: []model.PackageIdentifier{{PackageName: "friend", SHA256Cert: cert}},
		}},
	})
	require.NoError(t, err)
	_, err = e.SetSchema(ctx, "hidden", "db", &SetSchemaRequest{
		Types:      []model.SchemaType{emailType(model.DataTypeString)},
		Visibility: map[string]model.VisibilitySettings{"Email": {NotPlatformSurfaceable: true}},
	})
	require.NoError(t, err)
	setEmailSchema(t, e, "open", "db")

	require.NoError(t, e.Put(ctx, "private", "db", email("ns", "p", "hello")))
	require.NoError(t, e.Put(ctx, "hidden", "db", email("ns", "h", "hello")))
	require.NoError(t, e.Put(ctx, "open", "db", email("ns", "o", "hello")))

	tests := []struct {
		name   string
		caller model.CallerIdentity
		spec   *model.SearchSpec
		want   []string
	}{
		{"stranger sees default and platform-hidden types",
			model.CallerIdentity{PackageName: "stranger"}, nil,
			[]string{"open/db/o", "hidden/db/h"}},
		{"granted package sees shared type",
			model.CallerIdentity{PackageName: "friend", SHA256Cert: cert}, nil,
			[]string{"open/db/o", "hidden/db/h", "private/db/p"}},
		{"platform loses hidden type but keeps package-only type",
			model.CallerIdentity{PackageName: "launcher", Platform: true}, nil,
			[]string{"open/db/o", "private/db/p"}},
		{"owner always sees its own types",
			model.CallerIdentity{PackageName: "private"}, nil,
			[]string{"open/db/o", "hidden/db/h", "private/db/p"}},
		{"package filter",
			model.CallerIdentity{PackageName: "stranger"}, &model.SearchSpec{PackageFilters: []string{"open"}},
			[]string{"open/db/o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := e.GlobalQuery(ctx, "hello", tt.spec, tt.caller)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resultIDs(page))
		})
	}
}

func TestEngine_Remove(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	require.NoError(t, e.Remove(ctx, "pkg", "db", "ns", "1"))
	_, err := e.Get(ctx, "pkg", "db", "ns", "1")
	assert.True(t, errors.IsNotFound(err))

	err = e.Remove(ctx, "pkg", "db", "ns", "1")
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func TestEngine_RemoveByQuery(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	setEmailSchema(t, e, "other", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "spam offer")))
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "2", "meeting notes")))
	require.NoError(t, e.Put(ctx, "other", "db", email("ns", "3", "spam")))

	// When one database removes by query
	require.NoError(t, e.RemoveByQuery(ctx, "pkg", "db", "spam", nil))

	// Then only its matches are gone
	_, err := e.Get(ctx, "pkg", "db", "ns", "1")
	assert.True(t, errors.IsNotFound(err))
	_, err = e.Get(ctx, "pkg", "db", "ns", "2")
	assert.NoError(t, err)
	_, err = e.Get(ctx, "other", "db", "ns", "3")
	assert.NoError(t, err)

	// And an empty database is a no-op
	assert.NoError(t, e.RemoveByQuery(ctx, "pkg", "missing", "spam", nil))
}

func TestEngine_Batches(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")

	bad := &model.Document{Namespace: "ns", ID: "bad", SchemaType: "Contact"}
	put, err := e.PutBatch(ctx, "pkg", "db", []*model.Document{
		email("ns", "1", "a"), bad, email("ns", "2", "b"),
	})
	require.NoError(t, err)
	assert.Len(t, put.Successes, 2)
	assert.Contains(t, put.Failures, "bad")
	assert.False(t, put.OK())

	got, err := e.GetBatch(ctx, "pkg", "db", "ns", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Successes["1"].Strings("subject"))
	assert.Len(t, got.Successes, 2)
	assert.True(t, errors.IsNotFound(got.Failures["3"]))

	removed, err := e.RemoveBatch(ctx, "pkg", "db", "ns", []string{"1", "3"})
	require.NoError(t, err)
	assert.Contains(t, removed.Successes, "1")
	assert.Contains(t, removed.Failures, "3")
}

func TestEngine_NamespacesAndStorageInfo(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	setEmailSchema(t, e, "other", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("inbox", "1", "a")))
	require.NoError(t, e.Put(ctx, "pkg", "db", email("sent", "2", "b")))
	require.NoError(t, e.Put(ctx, "other", "db", email("archive", "3", "c")))

	ns, err := e.GetNamespaces(ctx, "pkg", "db")
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox", "sent"}, ns)

	info, err := e.GetStorageInfo(ctx, "pkg", "db")
	require.NoError(t, err)
	assert.Equal(t, 2, info.AliveDocuments)
	assert.Equal(t, 2, info.AliveNamespaces)
	assert.Positive(t, info.SizeBytes)

	empty, err := e.GetStorageInfo(ctx, "nobody", "db")
	require.NoError(t, err)
	assert.Equal(t, model.StorageInfo{}, *empty)
}

func TestEngine_ReportUsage(t *testing.T) {
	ctx := context.Background()
	e, backend := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "a")))

	require.NoError(t, e.ReportUsage(ctx, "pkg", "db", "ns", "1", 1000))
	assert.Equal(t, 1, backend.UsageCount("pkg$db/ns", "1"))

	err := e.ReportUsage(ctx, "pkg", "db", "ns", "missing", 1000)
	assert.True(t, errors.IsNotFound(err))
}

func TestEngine_Migration(t *testing.T) {
	ctx := context.Background()
	lengths := migrate.MigratorFunc(func(_, _ int, doc *model.Document) (*model.Document, error) {
		subject := doc.Strings("subject")
		if len(subject) == 1 && subject[0] == "corrupt" {
			return nil, fmt.Errorf("cannot convert %q", doc.ID)
		}
		out := doc.Clone()
		out.SetProperty("subject", model.Int64Values{int64(len(subject[0]))})
		return out, nil
	})
	v2 := []model.SchemaType{emailType(model.DataTypeInt64)}

	t.Run("migrates incompatible type", func(t *testing.T) {
		e, _ := newEngine(t)
		setEmailSchema(t, e, "pkg", "db")
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "2", "corrupt")))

		// When the schema moves to version 2 with a migrator
		resp, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
			Types:     v2,
			Version:   2,
			Migrators: map[string]migrate.Migrator{"Email": lengths},
		})

		// Then convertible documents survive in the new shape
		require.NoError(t, err)
		assert.Equal(t, []string{"Email"}, resp.MigratedTypes)
		require.Len(t, resp.MigrationFailures, 1)
		assert.Equal(t, "2", resp.MigrationFailures[0].ID)

		doc, err := e.Get(ctx, "pkg", "db", "ns", "1")
		require.NoError(t, err)
		assert.Equal(t, []int64{5}, doc.Int64s("subject"))
		_, err = e.Get(ctx, "pkg", "db", "ns", "2")
		assert.True(t, errors.IsNotFound(err))

		got, err := e.GetSchema(ctx, "pkg", "db")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
	})

	t.Run("too many failures changes nothing", func(t *testing.T) {
		e, _ := newEngine(t, func(c *Config) { c.Migration.MaxFailures = 1 })
		setEmailSchema(t, e, "pkg", "db")
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "corrupt")))
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "2", "corrupt")))

		_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
			Types:     v2,
			Version:   2,
			Migrators: map[string]migrate.Migrator{"Email": lengths},
		})

		require.True(t, errors.HasCode(err, errors.ErrCodeMigrationFailed), "got %v", err)
		got, err := e.GetSchema(ctx, "pkg", "db")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version)
		_, err = e.Get(ctx, "pkg", "db", "ns", "1")
		assert.NoError(t, err)
	})

	t.Run("migrator inactive for same version", func(t *testing.T) {
		e, _ := newEngine(t)
		setEmailSchema(t, e, "pkg", "db")
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

		_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
			Types:     v2,
			Version:   1,
			Migrators: map[string]migrate.Migrator{"Email": lengths},
		})
		assert.True(t, errors.HasCode(err, errors.ErrCodeIncompatibleSchema), "got %v", err)
	})

	t.Run("interrupted reindex still commits the schema", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		backend := &cancellingBackend{Backend: memory.New(), cancel: cancel}
		cfg := DefaultConfig()
		cfg.Migration.SpillDir = t.TempDir()
		e, err := New(ctx, backend, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		setEmailSchema(t, e, "pkg", "db")
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "2", "world")))

		// When the context ends once the first migrated document is written
		resp, err := e.SetSchema(cctx, "pkg", "db", &SetSchemaRequest{
			Types:     v2,
			Version:   2,
			Migrators: map[string]migrate.Migrator{"Email": lengths},
		})

		// Then the call succeeds and reports the unwritten document
		require.NoError(t, err)
		require.Len(t, resp.MigrationFailures, 1)
		assert.Empty(t, resp.MigrationFailures[0].ID)
		assert.True(t, errors.HasCode(resp.MigrationFailures[0].Err, errors.ErrCodeMigrationFailed))

		got, err := e.GetSchema(ctx, "pkg", "db")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		found := 0
		for _, id := range []string{"1", "2"} {
			if _, err := e.Get(ctx, "pkg", "db", "ns", id); err == nil {
				found++
			}
		}
		assert.Equal(t, 1, found)
	})
}

// cancellingBackend cancels a context when the first migrated document,
// one with an integer subject, is written.
type cancellingBackend struct {
	*memory.Backend
	cancel context.CancelFunc
}

func (b *cancellingBackend) PutDocument(ctx context.Context, doc *model.Document) error {
	if len(doc.Int64s("subject")) > 0 {
		b.cancel()
	}
	return b.Backend.PutDocument(ctx, doc)
}

func TestEngine_AutoOptimize(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	e, _ := newEngine(t, func(c *Config) {
		c.Registerer = reg
		c.Optimize = optimize.Config{
			Enabled:           true,
			DocCountThreshold: 2,
			BytesThreshold:    1 << 40,
			TimeThreshold:     24 * time.Hour,
			CheckInterval:     2,
		}
	})
	setEmailSchema(t, e, "pkg", "db")

	// Given two fresh documents, nothing is reclaimable at the first check
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "a")))
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "2", "b")))
	info, err := e.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.OptimizableDocs)

	// When both are replaced, leaving two stale versions
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "c")))
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "2", "d")))

	// Then the second check reclaims them
	info, err = e.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.OptimizableDocs)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.OptimizeRuns.WithLabelValues("doc_count")))
}

func TestEngine_NoOptimizeBelowThreshold(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	const docs = 4
	e, _ := newEngine(t, func(c *Config) {
		c.Registerer = reg
		c.Optimize = optimize.Config{
			Enabled:           true,
			DocCountThreshold: docs,
			BytesThreshold:    1 << 40,
			TimeThreshold:     24 * time.Hour,
			CheckInterval:     2,
		}
	})
	setEmailSchema(t, e, "pkg", "db")

	// Given N documents of which N-1 are removed, crossing several checks
	for i := 0; i < docs; i++ {
		require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", fmt.Sprint(i), "x")))
	}
	for i := 0; i < docs-1; i++ {
		require.NoError(t, e.Remove(ctx, "pkg", "db", "ns", fmt.Sprint(i)))
	}

	// Then the stale documents stay below the threshold and are kept
	info, err := e.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, docs-1, info.OptimizableDocs)
	for _, reason := range []optimize.Reason{optimize.ReasonDocCount, optimize.ReasonBytes, optimize.ReasonElapsed} {
		assert.Zero(t, testutil.ToFloat64(e.metrics.OptimizeRuns.WithLabelValues(string(reason))), reason)
	}
}

func TestEngine_ForcedOptimize(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "a")))
	require.NoError(t, e.Remove(ctx, "pkg", "db", "ns", "1"))

	info, err := e.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.OptimizableDocs)

	require.NoError(t, e.Optimize(ctx))
	info, err = e.GetOptimizeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.OptimizableDocs)
}

type recorder struct {
	mu      sync.Mutex
	docs    []observer.DocumentChangeInfo
	schemas []observer.SchemaChangeInfo
}

func (r *recorder) OnDocumentChanged(info observer.DocumentChangeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, info)
}

func (r *recorder) OnSchemaChanged(info observer.SchemaChangeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = append(r.schemas, info)
}

func TestEngine_Observers(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	self := &recorder{}
	stranger := &recorder{}
	require.NoError(t, e.RegisterObserver(model.CallerIdentity{PackageName: "pkg"}, "pkg", observer.Spec{}, self))
	require.NoError(t, e.RegisterObserver(model.CallerIdentity{PackageName: "stranger"}, "pkg", observer.Spec{}, stranger))

	// Given a type hidden from everyone but one package
	_, err := e.SetSchema(ctx, "pkg", "db", &SetSchemaRequest{
		Types: []model.SchemaType{emailType(model.DataTypeString)},
		Visibility: map[string]model.VisibilitySettings{"Email": {
			PackageAccess: []model.PackageIdentifier{{PackageName: "friend"}},
		}},
	})
	require.NoError(t, err)

	// When documents are put and removed
	_, err = e.PutBatch(ctx, "pkg", "db", []*model.Document{email("ns", "1", "a"), email("ns", "2", "b")})
	require.NoError(t, err)
	require.NoError(t, e.Remove(ctx, "pkg", "db", "ns", "1"))

	// Then the owner hears every change and the stranger hears none
	require.Len(t, self.schemas, 1)
	assert.Equal(t, []string{"Email"}, self.schemas[0].ChangedSchemaTypes)
	require.Len(t, self.docs, 2)
	assert.Equal(t, []string{"1", "2"}, self.docs[0].ChangedDocumentIDs)
	assert.Equal(t, "ns", self.docs[0].Namespace)
	assert.Equal(t, "Email", self.docs[0].SchemaType)
	assert.Equal(t, []string{"1"}, self.docs[1].ChangedDocumentIDs)
	assert.Empty(t, stranger.docs)
	assert.Empty(t, stranger.schemas)

	// And nothing arrives after unregistering
	e.UnregisterObserver("pkg", self)
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "3", "c")))
	assert.Len(t, self.docs, 2)
}

func TestEngine_ReopenRebuildsMaps(t *testing.T) {
	ctx := context.Background()
	e, backend := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	// When a second engine opens over the same backend
	again, err := New(ctx, backend, DefaultConfig())
	require.NoError(t, err)

	// Then it sees the same databases and can query them
	assert.Equal(t, []string{"pkg$db/"}, again.Prefixes())
	page, err := again.Query(ctx, "pkg", "db", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/db/1"}, resultIDs(page))
}

func TestEngine_ResetAndClose(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	require.NoError(t, e.Reset(ctx))
	assert.Empty(t, e.Prefixes())
	_, err := e.Get(ctx, "pkg", "db", "ns", "1")
	assert.True(t, errors.IsNotFound(err))

	// The store is usable again after a reset
	setEmailSchema(t, e, "pkg", "db")

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	err = e.Put(ctx, "pkg", "db", email("ns", "1", "hello"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreClosed))
}

func TestEngine_QueryStats(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	setEmailSchema(t, e, "pkg", "db")
	require.NoError(t, e.Put(ctx, "pkg", "db", email("ns", "1", "hello")))

	_, err := e.Query(ctx, "pkg", "db", "hello", nil)
	require.NoError(t, err)
	_, err = e.Query(ctx, "pkg", "db", "absent", nil)
	require.NoError(t, err)

	snap := e.QueryStats(10)
	assert.Contains(t, snap.ZeroResultQueries, "absent")
}
