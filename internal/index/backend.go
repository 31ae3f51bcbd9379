// Package index defines the contract between the engine and the index
// backend that stores, indexes and retrieves prefixed documents.
//
// Backends see only prefixed names and know nothing about tenants. Two
// implementations ship with the module: memory (roaring posting lists, used
// by tests and ephemeral stores) and sqlite (persistent).
package index

import (
	"context"

	"github.com/Aman-CERP/searchstore/internal/model"
)

// Backend is the opaque index engine the core delegates to.
// Implementations must be safe for concurrent use.
type Backend interface {
	// PutDocument validates doc against the schema and stores it,
	// replacing any document with the same namespace and id.
	PutDocument(ctx context.Context, doc *model.Document) error

	// GetDocument returns a copy of the document, or a NotFound error when
	// it is absent or expired.
	GetDocument(ctx context.Context, namespace, id string) (*model.Document, error)

	// DeleteDocument removes a document, or returns NotFound.
	DeleteDocument(ctx context.Context, namespace, id string) error

	// Query returns the first page of matches.
	Query(ctx context.Context, spec *SearchSpec) (*ResultPage, error)

	// GetNextPage continues a query. Unknown or exhausted tokens yield an
	// empty page.
	GetNextPage(ctx context.Context, token uint64) (*ResultPage, error)

	// InvalidateNextPageToken releases the state held for a token.
	InvalidateNextPageToken(ctx context.Context, token uint64)

	// RemoveByQuery deletes every match and returns how many were deleted.
	RemoveByQuery(ctx context.Context, spec *SearchSpec) (int, error)

	// GetSchema returns a copy of the persisted schema.
	GetSchema(ctx context.Context) (*model.Schema, error)

	// SetSchema replaces the persisted schema. Without forceOverride the
	// change is refused (Applied false, nothing modified) when a type is
	// incompatible or a deleted type still has documents. With it, the
	// documents of incompatible and deleted types are removed.
	SetSchema(ctx context.Context, schema *model.Schema, forceOverride bool) (*SetSchemaResult, error)

	// Namespaces lists every namespace with at least one live document.
	Namespaces(ctx context.Context) ([]string, error)

	// NamespaceStats reports live documents and bytes per namespace.
	NamespaceStats(ctx context.Context) (map[string]NamespaceStats, error)

	// ReportUsage records that a document was used at timestampMillis.
	ReportUsage(ctx context.Context, namespace, id string, timestampMillis int64) error

	// GetOptimizeInfo estimates what an Optimize call would reclaim.
	GetOptimizeInfo(ctx context.Context) (*OptimizeInfo, error)

	// Optimize compacts storage, dropping deleted and expired documents.
	Optimize(ctx context.Context) error

	// PersistToDisk flushes buffered writes.
	PersistToDisk(ctx context.Context) error

	// Reset drops every document and the schema.
	Reset(ctx context.Context) error

	Close() error
}

// SearchSpec is a query over prefixed names. Empty filter lists match
// everything.
type SearchSpec struct {
	Query       string
	TermMatch   model.TermMatch
	SchemaTypes []string
	Namespaces  []string
	// Limit is the page size; values <= 0 use model.DefaultResultCountPerPage.
	Limit int
}

// PageSize returns Limit or the default page size.
func (s *SearchSpec) PageSize() int {
	if s.Limit <= 0 {
		return model.DefaultResultCountPerPage
	}
	return s.Limit
}

// ResultPage is one page of prefixed documents, newest first.
type ResultPage struct {
	Documents     []*model.Document
	NextPageToken uint64
}

// SetSchemaResult reports the outcome of SetSchema. Type names are prefixed.
type SetSchemaResult struct {
	Applied           bool
	DeletedTypes      []string
	IncompatibleTypes []string
}

// OptimizeInfo estimates reclaimable storage.
type OptimizeInfo struct {
	OptimizableDocs           int
	EstimatedOptimizableBytes int64
}

// NamespaceStats summarises one namespace.
type NamespaceStats struct {
	Documents int
	SizeBytes int64
}
