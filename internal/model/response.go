package model

// MigrationFailure records one document that could not be migrated.
type MigrationFailure struct {
	Namespace  string
	ID         string
	SchemaType string
	Err        error
}

// Message returns the failure's error text.
func (f MigrationFailure) Message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// SetSchemaResponse reports what a setSchema call changed. Type names are
// local to the database.
type SetSchemaResponse struct {
	DeletedTypes      []string
	IncompatibleTypes []string
	MigratedTypes     []string
	MigrationFailures []MigrationFailure
}

// VisibilitySettings is the per-type visibility as seen by a database owner.
type VisibilitySettings struct {
	NotPlatformSurfaceable bool
	PackageAccess          []PackageIdentifier
	Roles                  []string
	Permissions            []string
}

// GetSchemaResponse is a database's schema as its owner submitted it.
type GetSchemaResponse struct {
	Types      []SchemaType
	Version    int
	Visibility map[string]VisibilitySettings
}

// BatchResult collects per-key outcomes of a batched call.
type BatchResult[T any] struct {
	Successes map[string]T
	Failures  map[string]error
}

// NewBatchResult returns an empty result.
func NewBatchResult[T any]() *BatchResult[T] {
	return &BatchResult[T]{
		Successes: make(map[string]T),
		Failures:  make(map[string]error),
	}
}

// OK reports whether every key succeeded.
func (r *BatchResult[T]) OK() bool {
	return len(r.Failures) == 0
}
