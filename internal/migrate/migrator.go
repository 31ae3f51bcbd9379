// Package migrate moves documents across incompatible schema changes.
//
// A Migrator is registered per schema type. When a setSchema call changes
// the database version, every document of a migrated type is read,
// transformed and spilled to disk; once the new schema is in place the
// spilled documents are written back.
package migrate

import (
	"github.com/Aman-CERP/searchstore/internal/model"
)

// Migrator converts documents of one schema type between versions.
type Migrator interface {
	// ShouldMigrate reports whether documents need converting when the
	// database moves from currentVersion to finalVersion.
	ShouldMigrate(currentVersion, finalVersion int) bool

	// OnUpgrade converts a document when finalVersion > currentVersion.
	OnUpgrade(currentVersion, finalVersion int, doc *model.Document) (*model.Document, error)

	// OnDowngrade converts a document when finalVersion < currentVersion.
	OnDowngrade(currentVersion, finalVersion int, doc *model.Document) (*model.Document, error)
}

// MigratorFunc adapts a single conversion function to Migrator. It
// migrates whenever the versions differ and uses f in both directions.
type MigratorFunc func(currentVersion, finalVersion int, doc *model.Document) (*model.Document, error)

// ShouldMigrate implements Migrator.
func (f MigratorFunc) ShouldMigrate(currentVersion, finalVersion int) bool {
	return currentVersion != finalVersion
}

// OnUpgrade implements Migrator.
func (f MigratorFunc) OnUpgrade(currentVersion, finalVersion int, doc *model.Document) (*model.Document, error) {
	return f(currentVersion, finalVersion, doc)
}

// OnDowngrade implements Migrator.
func (f MigratorFunc) OnDowngrade(currentVersion, finalVersion int, doc *model.Document) (*model.Document, error) {
	return f(currentVersion, finalVersion, doc)
}

// Transform runs the conversion matching the direction of the change.
func Transform(m Migrator, currentVersion, finalVersion int, doc *model.Document) (*model.Document, error) {
	if finalVersion >= currentVersion {
		return m.OnUpgrade(currentVersion, finalVersion, doc)
	}
	return m.OnDowngrade(currentVersion, finalVersion, doc)
}

// Active returns the types in existing whose migrator wants to run for
// this version change, sorted.
func Active(migrators map[string]Migrator, existing map[string]bool, currentVersion, finalVersion int) []string {
	var out []string
	for typ, m := range migrators {
		if m == nil || !existing[typ] {
			continue
		}
		if m.ShouldMigrate(currentVersion, finalVersion) {
			out = append(out, typ)
		}
	}
	sortStrings(out)
	return out
}
