// Package schema merges per-database schemas into the backend's global
// schema, decides whether a change is backward compatible, and validates
// documents against a schema.
package schema

import (
	"sort"
	"strings"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/prefix"
)

// RewriteResult is the outcome of merging one database's new types into
// the global schema. Type names are prefixed.
type RewriteResult struct {
	// Schema is the merged global schema: other databases' types untouched,
	// this database's types replaced by the new set.
	Schema *model.Schema

	Added     []string
	Rewritten []string
	Deleted   []string
}

// Rewrite merges newTypes, given with local names, into existing under
// dbPrefix. Every new type is stamped with version.
func Rewrite(dbPrefix string, existing *model.Schema, newTypes []model.SchemaType, version int) (*RewriteResult, error) {
	if err := validateTypes(newTypes); err != nil {
		return nil, err
	}

	newNames := make(map[string]struct{}, len(newTypes))
	prefixed := make([]model.SchemaType, 0, len(newTypes))
	for _, t := range newTypes {
		pt := prefix.AddToSchemaType(dbPrefix, t)
		pt.Version = version
		prefixed = append(prefixed, pt)
		newNames[pt.Name] = struct{}{}
	}

	res := &RewriteResult{Schema: &model.Schema{}}
	oldNames := make(map[string]struct{})
	if existing != nil {
		for _, t := range existing.Types {
			if !strings.HasPrefix(t.Name, dbPrefix) {
				res.Schema.Types = append(res.Schema.Types, t.Clone())
				continue
			}
			oldNames[t.Name] = struct{}{}
			if _, ok := newNames[t.Name]; ok {
				res.Rewritten = append(res.Rewritten, t.Name)
			} else {
				res.Deleted = append(res.Deleted, t.Name)
			}
		}
	}
	for _, t := range prefixed {
		if _, ok := oldNames[t.Name]; !ok {
			res.Added = append(res.Added, t.Name)
		}
	}
	res.Schema.Types = append(res.Schema.Types, prefixed...)

	sort.Strings(res.Added)
	sort.Strings(res.Rewritten)
	sort.Strings(res.Deleted)
	return res, nil
}

// TypesWithPrefix returns the schema's types belonging to dbPrefix.
func TypesWithPrefix(s *model.Schema, dbPrefix string) []model.SchemaType {
	if s == nil {
		return nil
	}
	var out []model.SchemaType
	for _, t := range s.Types {
		if strings.HasPrefix(t.Name, dbPrefix) {
			out = append(out, t)
		}
	}
	return out
}

// Version returns the schema version of a database: the highest version
// among its types, or 0 when it has none.
func Version(s *model.Schema, dbPrefix string) int {
	v := 0
	for _, t := range TypesWithPrefix(s, dbPrefix) {
		if t.Version > v {
			v = t.Version
		}
	}
	return v
}

func validateTypes(types []model.SchemaType) error {
	names := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t.Name == "" {
			return errors.InvalidArgument("schema type name cannot be empty")
		}
		if _, dup := names[t.Name]; dup {
			return errors.InvalidArgumentf("schema type %q is defined more than once", t.Name).
				WithDetail("schema_type", t.Name)
		}
		names[t.Name] = struct{}{}
	}

	for _, t := range types {
		props := make(map[string]struct{}, len(t.Properties))
		for _, p := range t.Properties {
			if p.Name == "" {
				return errors.InvalidArgumentf("schema type %q has a property with an empty name", t.Name)
			}
			if _, dup := props[p.Name]; dup {
				return errors.InvalidArgumentf("property %q is defined more than once in schema type %q", p.Name, t.Name).
					WithDetail("schema_type", t.Name)
			}
			props[p.Name] = struct{}{}

			if p.DataType < model.DataTypeString || p.DataType > model.DataTypeDocument {
				return errors.InvalidArgumentf("property %q of schema type %q has no data type", p.Name, t.Name)
			}
			if p.Cardinality < model.CardinalityRepeated || p.Cardinality > model.CardinalityRequired {
				return errors.InvalidArgumentf("property %q of schema type %q has no cardinality", p.Name, t.Name)
			}
			if p.DataType == model.DataTypeDocument {
				if _, ok := names[p.SchemaType]; !ok {
					return errors.InvalidArgumentf("property %q of schema type %q references undefined schema type %q",
						p.Name, t.Name, p.SchemaType).
						WithDetail("schema_type", t.Name)
				}
			} else if p.SchemaType != "" {
				return errors.InvalidArgumentf("property %q of schema type %q is not a document but names schema type %q",
					p.Name, t.Name, p.SchemaType)
			}
			if p.Indexing != model.IndexingNone && p.DataType != model.DataTypeString {
				return errors.InvalidArgumentf("property %q of schema type %q: only string properties can be indexed",
					p.Name, t.Name)
			}
		}
	}
	return nil
}
