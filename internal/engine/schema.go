package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/migrate"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/prefix"
	"github.com/Aman-CERP/searchstore/internal/rewrite"
	"github.com/Aman-CERP/searchstore/internal/schema"
	"github.com/Aman-CERP/searchstore/internal/visibility"
)

const migrationPageSize = 500

// SetSchemaRequest replaces the schema of one database.
type SetSchemaRequest struct {
	// Types is the complete new set of types, with local names.
	Types []model.SchemaType

	// Visibility sets the visibility of the named types. Types left out
	// keep their current settings; a zero value restores the default.
	Visibility map[string]model.VisibilitySettings

	// ForceOverride deletes the documents of incompatible and deleted
	// types that no migrator covers.
	ForceOverride bool

	// Version is stamped on every type. Zero keeps the current version.
	Version int

	// Migrators convert documents of existing types, keyed by local type.
	Migrators map[string]migrate.Migrator
}

// SetSchema replaces a database's schema. Incompatible changes fail with
// an IncompatibleSchema error and leave everything untouched, unless
// forced or covered by migrators.
func (e *Engine) SetSchema(ctx context.Context, ownerID, databaseName string, req *SetSchemaRequest) (resp *model.SetSchemaResponse, err error) {
	defer e.observe("set_schema", time.Now(), &err)
	defer e.dispatch()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	if req == nil {
		req = &SetSchemaRequest{}
	}
	if err := checkVisibilityTypes(req); err != nil {
		return nil, err
	}

	existing, err := e.backend.GetSchema(ctx)
	if err != nil {
		return nil, errors.Backend("get schema", err)
	}
	current := schema.Version(existing, p)
	final := req.Version
	if final == 0 {
		final = current
	}

	rr, err := schema.Rewrite(p, existing, req.Types, final)
	if err != nil {
		return nil, err
	}

	existingLocal := make(map[string]bool)
	for _, t := range schema.TypesWithPrefix(existing, p) {
		existingLocal[t.Name[len(p):]] = true
	}

	var mig *migrate.Migration
	if active := migrate.Active(req.Migrators, existingLocal, current, final); len(active) > 0 {
		mig = migrate.New(e.cfg.Migration, req.Migrators, current, final)
		defer func() {
			if cerr := mig.Close(); cerr != nil {
				e.logger.Warn("migration_spill_cleanup_failed", slog.String("error", cerr.Error()))
			}
		}()
		if err := e.transform(ctx, mig, p, active, rr.Schema); err != nil {
			return nil, err
		}
	}

	res, err := e.backend.SetSchema(ctx, rr.Schema, false)
	if err != nil {
		mig.Fail(err)
		return nil, errors.Backend("set schema", err)
	}
	if !res.Applied {
		if !req.ForceOverride {
			if err := e.checkCovered(ctx, p, res, mig); err != nil {
				mig.Fail(err)
				return nil, err
			}
		}
		forced, err := e.backend.SetSchema(ctx, rr.Schema, true)
		if err == nil && !forced.Applied {
			err = errors.InternalError("backend refused a forced schema change", nil)
		}
		if err != nil {
			mig.Fail(err)
			return nil, errors.Backend("set schema", err)
		}
	}

	if err := e.applyVisibility(ctx, p, req, rr); err != nil {
		if _, rbErr := e.backend.SetSchema(ctx, existing, true); rbErr != nil {
			e.logger.Error("schema_rollback_failed",
				slog.String("prefix", p),
				slog.String("error", rbErr.Error()))
		}
		mig.Fail(err)
		return nil, err
	}

	resp = &model.SetSchemaResponse{
		DeletedTypes:      localNames(p, res.DeletedTypes),
		IncompatibleTypes: localNames(p, res.IncompatibleTypes),
	}

	if mig != nil {
		// The new schema is committed, so an incomplete reindex is reported
		// through the failures rather than as an error.
		if err := mig.Reindex(ctx, e.migrationWriter(p)); err != nil {
			e.logger.Warn("migration_reindex_incomplete", errors.FormatForLog(errors.Backend("migration reindex", err))...)
		}
		resp.MigratedTypes = mig.Types()
		resp.MigrationFailures = mig.Failures()
		e.metrics.MigrationFailed(mig.State().String(), len(resp.MigrationFailures))
	}

	e.databases[p] = make(map[string]struct{})
	for _, t := range schema.TypesWithPrefix(rr.Schema, p) {
		e.databases[p][t.Name] = struct{}{}
	}
	if len(e.databases[p]) == 0 {
		delete(e.databases, p)
	}
	if len(res.DeletedTypes) > 0 || len(res.IncompatibleTypes) > 0 || mig != nil {
		if err := e.refreshNamespaces(ctx); err != nil {
			return nil, err
		}
	}
	e.metrics.SetDatabases(len(e.databases))
	e.queueSchemaChanges(ownerID, databaseName, p, existing, rr)

	e.logger.Info("schema_set",
		slog.String("owner", ownerID),
		slog.String("database", databaseName),
		slog.Int("version", final),
		slog.Int("types", len(req.Types)),
		slog.Any("deleted", resp.DeletedTypes),
		slog.Any("incompatible", resp.IncompatibleTypes),
		slog.Int("migration_failures", len(resp.MigrationFailures)))
	return resp, nil
}

func checkVisibilityTypes(req *SetSchemaRequest) error {
	names := make(map[string]struct{}, len(req.Types))
	for _, t := range req.Types {
		names[t.Name] = struct{}{}
	}
	for typ := range req.Visibility {
		if _, ok := names[typ]; !ok {
			return errors.InvalidArgumentf("visibility set for schema type %q which is not in the request", typ).
				WithDetail("schema_type", typ)
		}
	}
	return nil
}

// transform reads and converts the documents of the active types before
// anything is modified, so a failed migration changes nothing.
func (e *Engine) transform(ctx context.Context, mig *migrate.Migration, p string, active []string, next *model.Schema) error {
	validType := func(local string) bool {
		_, ok := next.Type(p + local)
		return ok
	}
	if err := mig.Transform(ctx, active, e.migrationReader(p), validType); err != nil {
		mig.Fail(err)
		return errors.Backend("migration query", err)
	}
	if mig.TooManyFailures() {
		n := len(mig.Failures())
		mig.Fail(nil)
		e.metrics.MigrationFailed(mig.State().String(), n)
		return errors.New(errors.ErrCodeMigrationFailed,
			fmt.Sprintf("%d documents failed to migrate, more than the allowed %d", n, e.cfg.Migration.MaxFailures), nil).
			WithDetail("failures", fmt.Sprint(n)).
			WithSuggestion("Fix the migrator or raise migration.max_failures")
	}
	return nil
}

func (e *Engine) migrationReader(p string) migrate.Reader {
	return func(ctx context.Context, local string, fn func(*model.Document) error) error {
		page, err := e.backend.Query(ctx, &index.SearchSpec{
			SchemaTypes: []string{p + local},
			Limit:       migrationPageSize,
		})
		for {
			if err != nil {
				return err
			}
			for _, doc := range page.Documents {
				if _, err := rewrite.DocumentFromBackend(doc); err != nil {
					return err
				}
				if err := fn(doc); err != nil {
					return err
				}
			}
			if page.NextPageToken == 0 {
				return nil
			}
			page, err = e.backend.GetNextPage(ctx, page.NextPageToken)
		}
	}
}

func (e *Engine) migrationWriter(p string) migrate.Writer {
	return func(ctx context.Context, doc *model.Document) error {
		prefixed := rewrite.DocumentForPut(p, doc)
		if err := e.backend.PutDocument(ctx, prefixed); err != nil {
			return err
		}
		addTo(e.namespaces, p, prefixed.Namespace)
		return nil
	}
}

// checkCovered fails unless every type blocking the change has an active
// migrator. Deleted types without documents never block.
func (e *Engine) checkCovered(ctx context.Context, p string, res *index.SetSchemaResult, mig *migrate.Migration) error {
	covered := make(map[string]bool)
	if mig != nil {
		for _, t := range mig.Types() {
			covered[p+t] = true
		}
	}

	var incompatible, deleted []string
	blocked := false
	for _, t := range res.IncompatibleTypes {
		incompatible = append(incompatible, t[len(p):])
		if !covered[t] {
			blocked = true
		}
	}
	for _, t := range res.DeletedTypes {
		live, err := e.hasDocuments(ctx, t)
		if err != nil {
			return err
		}
		if !live {
			continue
		}
		deleted = append(deleted, t[len(p):])
		if !covered[t] {
			blocked = true
		}
	}
	if blocked {
		return errors.IncompatibleSchema(incompatible, deleted)
	}
	return nil
}

func (e *Engine) hasDocuments(ctx context.Context, prefixedType string) (bool, error) {
	page, err := e.backend.Query(ctx, &index.SearchSpec{SchemaTypes: []string{prefixedType}, Limit: 1})
	if err != nil {
		return false, errors.Backend("query", err)
	}
	if page.NextPageToken != 0 {
		e.backend.InvalidateNextPageToken(ctx, page.NextPageToken)
	}
	return len(page.Documents) > 0, nil
}

// applyVisibility writes the requested records and drops those of deleted
// types in one visibility Apply.
func (e *Engine) applyVisibility(ctx context.Context, p string, req *SetSchemaRequest, rr *schema.RewriteResult) error {
	set := make([]visibility.Record, 0, len(req.Visibility))
	for typ, settings := range req.Visibility {
		set = append(set, visibility.Record{PrefixedType: p + typ, Settings: settings})
	}
	if len(set) == 0 && len(rr.Deleted) == 0 {
		return nil
	}
	return e.visibility.Apply(ctx, set, rr.Deleted)
}

// queueSchemaChanges notifies observers of added, deleted and redefined
// types.
func (e *Engine) queueSchemaChanges(ownerID, databaseName, p string, existing *model.Schema, rr *schema.RewriteResult) {
	if !e.observers.IsPackageObserved(ownerID) {
		return
	}
	changed := append(append([]string(nil), rr.Added...), rr.Deleted...)
	for _, name := range rr.Rewritten {
		before, _ := existing.Type(name)
		after, _ := rr.Schema.Type(name)
		before.Version, after.Version = 0, 0
		if !reflect.DeepEqual(before, after) {
			changed = append(changed, name)
		}
	}
	for _, name := range changed {
		e.observers.AddSchemaChange(ownerID, databaseName, name[len(p):], name)
	}
}

func localNames(p string, prefixed []string) []string {
	var out []string
	for _, name := range prefixed {
		if len(name) >= len(p) && name[:len(p)] == p {
			out = append(out, name[len(p):])
		}
	}
	sort.Strings(out)
	return out
}

// GetSchema returns a database's types with local names, its version and
// the visibility of every type that has a record.
func (e *Engine) GetSchema(ctx context.Context, ownerID, databaseName string) (resp *model.GetSchemaResponse, err error) {
	defer e.observe("get_schema", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	s, err := e.backend.GetSchema(ctx)
	if err != nil {
		return nil, errors.Backend("get schema", err)
	}

	resp = &model.GetSchemaResponse{
		Version:    schema.Version(s, p),
		Visibility: make(map[string]model.VisibilitySettings),
	}
	for _, t := range schema.TypesWithPrefix(s, p) {
		local, err := prefix.RemoveFromSchemaType(t)
		if err != nil {
			return nil, err
		}
		resp.Types = append(resp.Types, local)
		if rec, ok := e.visibility.Get(t.Name); ok {
			resp.Visibility[local.Name] = rec.Settings
		}
	}
	sort.Slice(resp.Types, func(i, j int) bool { return resp.Types[i].Name < resp.Types[j].Name })
	return resp, nil
}
