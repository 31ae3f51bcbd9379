package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/prefix"
	"github.com/Aman-CERP/searchstore/internal/rewrite"
)

// Query searches one database. An unknown database, or package filters
// that leave out the owner, give an empty page.
func (e *Engine) Query(ctx context.Context, ownerID, databaseName, query string, spec *model.SearchSpec) (page *model.SearchResultPage, err error) {
	defer e.observe("query", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return nil, err
	}
	bs, ok := e.localSpec(p, ownerID, query, spec)
	if !ok {
		e.queries.Record(query, 0)
		return &model.SearchResultPage{}, nil
	}
	return e.run(ctx, query, bs)
}

// localSpec builds the backend query confined to one database.
func (e *Engine) localSpec(p, ownerID, query string, spec *model.SearchSpec) (*index.SearchSpec, bool) {
	if !packageAllowed(spec, ownerID) {
		return nil, false
	}
	types, ok := e.databases[p]
	if !ok {
		return nil, false
	}
	return rewrite.SearchSpec(spec, query, []rewrite.Scope{{
		Prefix:     p,
		Types:      sortedSet(types),
		Namespaces: sortedSet(e.namespaces[p]),
	}})
}

// GlobalQuery searches every database, restricted to the types caller may
// see. Owners always see their own types.
func (e *Engine) GlobalQuery(ctx context.Context, query string, spec *model.SearchSpec, caller model.CallerIdentity) (page *model.SearchResultPage, err error) {
	defer e.observe("global_query", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	var scopes []rewrite.Scope
	for p, types := range e.databases {
		owner := prefix.OwnerID(p)
		if !packageAllowed(spec, owner) {
			continue
		}
		sc := rewrite.Scope{Prefix: p, Namespaces: sortedSet(e.namespaces[p])}
		for _, t := range sortedSet(types) {
			if owner == caller.PackageName || e.visibility.IsSearchableByCaller(t, caller) {
				sc.Types = append(sc.Types, t)
			}
		}
		if len(sc.Types) > 0 {
			scopes = append(scopes, sc)
		}
	}

	bs, ok := rewrite.SearchSpec(spec, query, scopes)
	if !ok {
		e.queries.Record(query, 0)
		return &model.SearchResultPage{}, nil
	}
	e.logger.Debug("global_query",
		slog.String("caller", caller.PackageName),
		slog.Int("databases", len(scopes)),
		slog.Int("types", len(bs.SchemaTypes)))
	return e.run(ctx, query, bs)
}

func (e *Engine) run(ctx context.Context, query string, bs *index.SearchSpec) (*model.SearchResultPage, error) {
	raw, err := e.backend.Query(ctx, bs)
	if err != nil {
		return nil, errors.Backend("query", err)
	}
	page, err := rewrite.Results(raw)
	if err != nil {
		return nil, err
	}
	e.queries.Record(query, len(page.Results))
	return page, nil
}

func packageAllowed(spec *model.SearchSpec, pkg string) bool {
	if spec == nil || len(spec.PackageFilters) == 0 {
		return true
	}
	for _, f := range spec.PackageFilters {
		if f == pkg {
			return true
		}
	}
	return false
}

// GetNextPage continues a query. An exhausted or unknown token gives an
// empty page.
func (e *Engine) GetNextPage(ctx context.Context, token uint64) (page *model.SearchResultPage, err error) {
	defer e.observe("get_next_page", time.Now(), &err)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if token == 0 {
		return &model.SearchResultPage{}, nil
	}
	raw, err := e.backend.GetNextPage(ctx, token)
	if err != nil {
		return nil, errors.Backend("get next page", err)
	}
	return rewrite.Results(raw)
}

// InvalidateNextPageToken releases a page token.
func (e *Engine) InvalidateNextPageToken(ctx context.Context, token uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || token == 0 {
		return
	}
	e.backend.InvalidateNextPageToken(ctx, token)
}

// RemoveByQuery deletes every document of the database matching query.
func (e *Engine) RemoveByQuery(ctx context.Context, ownerID, databaseName, query string, spec *model.SearchSpec) (err error) {
	defer e.observe("remove_by_query", time.Now(), &err)
	defer e.dispatch()
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	p, err := prefixFor(ownerID, databaseName)
	if err != nil {
		return err
	}
	bs, ok := e.localSpec(p, ownerID, query, spec)
	if !ok {
		return nil
	}

	var matched []*model.Document
	if e.observers.IsPackageObserved(ownerID) {
		if matched, err = e.collect(ctx, bs); err != nil {
			return err
		}
	}

	n, err := e.backend.RemoveByQuery(ctx, bs)
	if err != nil {
		return errors.Backend("remove by query", err)
	}
	for _, doc := range matched {
		e.observers.AddDocumentChange(ownerID, databaseName,
			doc.Namespace[len(p):], doc.SchemaType[len(p):], doc.SchemaType, doc.ID)
	}
	e.logger.Debug("removed_by_query",
		slog.String("prefix", p),
		slog.Int("documents", n))
	e.checkForOptimize(ctx, n)
	return nil
}

// collect reads every page of bs.
func (e *Engine) collect(ctx context.Context, bs *index.SearchSpec) ([]*model.Document, error) {
	var out []*model.Document
	page, err := e.backend.Query(ctx, bs)
	for {
		if err != nil {
			return nil, errors.Backend("query", err)
		}
		out = append(out, page.Documents...)
		if page.NextPageToken == 0 {
			return out, nil
		}
		page, err = e.backend.GetNextPage(ctx, page.NextPageToken)
	}
}
