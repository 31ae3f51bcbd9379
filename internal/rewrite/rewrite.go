// Package rewrite translates tenant-facing documents and search requests
// into the prefixed form the backend stores, and back.
package rewrite

import (
	"sort"

	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/prefix"
)

// DocumentForPut returns a prefixed copy of doc. The caller's document is
// left untouched.
func DocumentForPut(dbPrefix string, doc *model.Document) *model.Document {
	out := doc.Clone()
	prefix.AddToDocument(dbPrefix, out)
	return out
}

// DocumentFromBackend strips the prefix from a backend document in place
// and returns the prefix it carried.
func DocumentFromBackend(doc *model.Document) (string, error) {
	return prefix.RemoveFromDocument(doc)
}

// Scope is what one database contributes to a query: the prefixed types
// the caller may see and the prefixed namespaces holding documents.
type Scope struct {
	Prefix     string
	Types      []string
	Namespaces []string
}

// SearchSpec builds the backend query for scopes, intersecting each
// scope with the requested schema and namespace filters. It returns false
// when nothing is left to search, in which case the backend must not be
// called.
//
// The returned spec always carries explicit type and namespace lists so
// the backend never sees an unrestricted filter.
func SearchSpec(spec *model.SearchSpec, query string, scopes []Scope) (*index.SearchSpec, bool) {
	if spec == nil {
		spec = &model.SearchSpec{}
	}

	var types, namespaces []string
	for _, sc := range scopes {
		types = append(types, intersect(sc.Types, sc.Prefix, spec.SchemaFilters)...)
		namespaces = append(namespaces, intersect(sc.Namespaces, sc.Prefix, spec.NamespaceFilters)...)
	}
	if len(types) == 0 || len(namespaces) == 0 {
		return nil, false
	}
	sort.Strings(types)
	sort.Strings(namespaces)

	return &index.SearchSpec{
		Query:       query,
		TermMatch:   spec.TermMatch,
		SchemaTypes: types,
		Namespaces:  namespaces,
		Limit:       spec.PageSize(),
	}, true
}

// intersect keeps the prefixed names in allowed whose local part is in
// filters. An empty filter list keeps everything.
func intersect(allowed []string, dbPrefix string, filters []string) []string {
	if len(filters) == 0 {
		return append([]string(nil), allowed...)
	}
	wanted := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		wanted[dbPrefix+f] = struct{}{}
	}
	var out []string
	for _, name := range allowed {
		if _, ok := wanted[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Results strips prefixes from a backend page and attributes every hit to
// its package and database.
func Results(page *index.ResultPage) (*model.SearchResultPage, error) {
	out := &model.SearchResultPage{NextPageToken: page.NextPageToken}
	for _, doc := range page.Documents {
		p, err := DocumentFromBackend(doc)
		if err != nil {
			return nil, err
		}
		owner, db, err := prefix.Split(p)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, model.SearchResult{
			Document:     doc,
			PackageName:  owner,
			DatabaseName: db,
		})
	}
	return out, nil
}
