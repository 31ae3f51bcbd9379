package schema

import (
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
)

// Types indexes a schema's types by name.
type Types map[string]model.SchemaType

// IndexTypes builds a Types lookup for s.
func IndexTypes(s *model.Schema) Types {
	out := make(Types)
	if s == nil {
		return out
	}
	for _, t := range s.Types {
		out[t.Name] = t
	}
	return out
}

// ValidateDocument checks doc and its nested documents against types.
func ValidateDocument(types Types, doc *model.Document) error {
	if doc == nil {
		return errors.InvalidArgument("document cannot be nil")
	}
	if doc.ID == "" {
		return errors.InvalidArgument("document id cannot be empty").
			WithDetail("namespace", doc.Namespace)
	}
	if doc.TTLMillis < 0 {
		return errors.InvalidArgumentf("document %q has a negative ttl", doc.ID)
	}
	return validate(types, doc)
}

func validate(types Types, doc *model.Document) error {
	t, ok := types[doc.SchemaType]
	if !ok {
		return errors.NotFound("schema type %q of document %q is not in the schema", doc.SchemaType, doc.ID).
			WithDetail("schema_type", doc.SchemaType).
			WithDetail("id", doc.ID)
	}

	seen := make(map[string]struct{}, len(doc.Properties))
	for _, p := range doc.Properties {
		if _, dup := seen[p.Name]; dup {
			return errors.InvalidArgumentf("document %q sets property %q twice", doc.ID, p.Name)
		}
		seen[p.Name] = struct{}{}

		cfg, ok := t.Property(p.Name)
		if !ok {
			return errors.InvalidArgumentf("property %q is not defined for schema type %q", p.Name, doc.SchemaType).
				WithDetail("id", doc.ID)
		}
		if p.Value == nil || p.Value.Kind() != cfg.DataType {
			return errors.InvalidArgumentf("property %q of schema type %q expects %s values",
				p.Name, doc.SchemaType, cfg.DataType).
				WithDetail("id", doc.ID)
		}
		if cfg.Cardinality != model.CardinalityRepeated && p.Value.Len() > 1 {
			return errors.InvalidArgumentf("property %q of schema type %q is %s but has %d values",
				p.Name, doc.SchemaType, cfg.Cardinality, p.Value.Len()).
				WithDetail("id", doc.ID)
		}
		if cfg.Cardinality == model.CardinalityRequired && p.Value.Len() == 0 {
			return errors.InvalidArgumentf("required property %q of schema type %q has no value", p.Name, doc.SchemaType).
				WithDetail("id", doc.ID)
		}
		if nested, ok := p.Value.(model.DocumentValues); ok {
			for _, child := range nested {
				if child == nil {
					return errors.InvalidArgumentf("property %q of document %q holds a nil document", p.Name, doc.ID)
				}
				if child.SchemaType != cfg.SchemaType {
					return errors.InvalidArgumentf("property %q expects documents of type %q, got %q",
						p.Name, cfg.SchemaType, child.SchemaType).
						WithDetail("id", doc.ID)
				}
				if err := validate(types, child); err != nil {
					return err
				}
			}
		}
	}

	for _, cfg := range t.Properties {
		if cfg.Cardinality != model.CardinalityRequired {
			continue
		}
		if _, ok := seen[cfg.Name]; !ok {
			return errors.InvalidArgumentf("required property %q of schema type %q is missing", cfg.Name, doc.SchemaType).
				WithDetail("id", doc.ID)
		}
	}
	return nil
}
