package model

// TermMatch controls how query terms match indexed tokens.
type TermMatch int

const (
	// TermMatchExact matches whole tokens.
	TermMatchExact TermMatch = iota
	// TermMatchPrefix matches tokens starting with the term.
	TermMatchPrefix
)

// DefaultResultCountPerPage is used when a SearchSpec leaves the page size unset.
const DefaultResultCountPerPage = 10

// SearchSpec narrows a query. Filters use local (unprefixed) names.
type SearchSpec struct {
	TermMatch          TermMatch
	SchemaFilters      []string
	NamespaceFilters   []string
	PackageFilters     []string
	ResultCountPerPage int
}

// PageSize returns ResultCountPerPage or the default.
func (s *SearchSpec) PageSize() int {
	if s == nil || s.ResultCountPerPage <= 0 {
		return DefaultResultCountPerPage
	}
	return s.ResultCountPerPage
}

// SearchResult is one hit with the database it came from.
type SearchResult struct {
	Document     *Document
	PackageName  string
	DatabaseName string
}

// SearchResultPage is one page of hits. NextPageToken is 0 once the
// results are exhausted.
type SearchResultPage struct {
	Results       []SearchResult
	NextPageToken uint64
}

// StorageInfo summarises a database's footprint.
type StorageInfo struct {
	SizeBytes       int64
	AliveDocuments  int
	AliveNamespaces int
}
