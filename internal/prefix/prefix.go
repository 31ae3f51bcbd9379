// Package prefix encodes an (owner, database) pair into the string prefix
// that multiplexes one backend across tenants, and adds or strips that
// prefix on documents and schema types.
//
// A prefix has the form owner + "$" + database + "/". Neither delimiter may
// appear inside a component, so a prefix splits back into its components
// with a single search for each delimiter.
package prefix

import (
	"strings"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/model"
)

const (
	// PackageDelimiter ends the owner component.
	PackageDelimiter = "$"
	// DatabaseDelimiter ends the database component and the prefix.
	DatabaseDelimiter = "/"
)

// Create builds the prefix for a database. The owner must be non-empty;
// the database name may be empty (the default database).
func Create(ownerID, databaseName string) (string, error) {
	if ownerID == "" {
		return "", errors.InvalidArgument("owner id cannot be empty")
	}
	if err := checkComponent("owner id", ownerID); err != nil {
		return "", err
	}
	if err := checkComponent("database name", databaseName); err != nil {
		return "", err
	}
	return ownerID + PackageDelimiter + databaseName + DatabaseDelimiter, nil
}

func checkComponent(what, s string) error {
	if strings.Contains(s, PackageDelimiter) || strings.Contains(s, DatabaseDelimiter) {
		return errors.InvalidArgumentf("%s %q contains a reserved delimiter (%q or %q)",
			what, s, PackageDelimiter, DatabaseDelimiter).
			WithDetail("component", what)
	}
	return nil
}

// Split recovers the owner id and database name of a prefix.
func Split(prefix string) (ownerID, databaseName string, err error) {
	i := strings.Index(prefix, PackageDelimiter)
	if i < 0 || !strings.HasSuffix(prefix, DatabaseDelimiter) {
		return "", "", errors.InconsistentPrefix("malformed prefix " + prefix)
	}
	rest := prefix[i+1 : len(prefix)-1]
	if strings.Contains(rest, PackageDelimiter) || strings.Contains(rest, DatabaseDelimiter) {
		return "", "", errors.InconsistentPrefix("malformed prefix " + prefix)
	}
	return prefix[:i], rest, nil
}

// OwnerID returns the owner component of a prefix, or "" if malformed.
func OwnerID(prefix string) string {
	owner, _, err := Split(prefix)
	if err != nil {
		return ""
	}
	return owner
}

// DatabaseName returns the database component of a prefix, or "" if malformed.
func DatabaseName(prefix string) string {
	_, db, err := Split(prefix)
	if err != nil {
		return ""
	}
	return db
}

// Get returns the prefix of a stored name.
func Get(prefixedName string) (string, error) {
	pkg := strings.Index(prefixedName, PackageDelimiter)
	if pkg < 0 {
		return "", errors.InconsistentPrefix("the prefixed value " + prefixedName +
			" doesn't contain a valid package name")
	}
	db := strings.Index(prefixedName[pkg+1:], DatabaseDelimiter)
	if db < 0 {
		return "", errors.InconsistentPrefix("the prefixed value " + prefixedName +
			" doesn't contain a valid database name")
	}
	return prefixedName[:pkg+1+db+1], nil
}

// Remove strips the prefix from a stored name.
func Remove(prefixedName string) (string, error) {
	p, err := Get(prefixedName)
	if err != nil {
		return "", err
	}
	return prefixedName[len(p):], nil
}

// AddToDocument prepends prefix to the schema type and namespace of doc
// and of every nested document, mutating doc in place. Ids stay local and
// nil nested documents are left for validation to reject.
func AddToDocument(prefix string, doc *model.Document) {
	doc.SchemaType = prefix + doc.SchemaType
	doc.Namespace = prefix + doc.Namespace
	for _, p := range doc.Properties {
		if nested, ok := p.Value.(model.DocumentValues); ok {
			for _, child := range nested {
				if child != nil {
					AddToDocument(prefix, child)
				}
			}
		}
	}
}

// RemoveFromDocument strips the prefix from doc and every nested document,
// mutating doc in place, and returns it. More than one distinct prefix in
// the tree is corruption and fails with an InconsistentPrefix error; doc
// may be partially stripped in that case.
func RemoveFromDocument(doc *model.Document) (string, error) {
	found := ""
	if err := removeFromDocument(doc, &found); err != nil {
		return "", err
	}
	return found, nil
}

func removeFromDocument(doc *model.Document, found *string) error {
	for _, field := range []*string{&doc.SchemaType, &doc.Namespace} {
		p, err := Get(*field)
		if err != nil {
			return err
		}
		if *found == "" {
			*found = p
		} else if *found != p {
			return errors.InconsistentPrefix("found unexpected multiple prefix names in document: "+
				*found+", "+p).
				WithDetail("id", doc.ID)
		}
		*field = (*field)[len(p):]
	}
	for _, prop := range doc.Properties {
		if nested, ok := prop.Value.(model.DocumentValues); ok {
			for _, child := range nested {
				if child == nil {
					continue
				}
				if err := removeFromDocument(child, found); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// AddToSchemaType prefixes a type's name and the nested types its DOCUMENT
// properties reference. The input is not modified.
func AddToSchemaType(prefix string, t model.SchemaType) model.SchemaType {
	out := t.Clone()
	out.Name = prefix + t.Name
	for i := range out.Properties {
		if out.Properties[i].DataType == model.DataTypeDocument {
			out.Properties[i].SchemaType = prefix + out.Properties[i].SchemaType
		}
	}
	return out
}

// RemoveFromSchemaType is the inverse of AddToSchemaType.
func RemoveFromSchemaType(t model.SchemaType) (model.SchemaType, error) {
	out := t.Clone()
	p, err := Get(t.Name)
	if err != nil {
		return model.SchemaType{}, err
	}
	out.Name = t.Name[len(p):]
	for i := range out.Properties {
		if out.Properties[i].DataType != model.DataTypeDocument {
			continue
		}
		nested := out.Properties[i].SchemaType
		if !strings.HasPrefix(nested, p) {
			return model.SchemaType{}, errors.InconsistentPrefix("found unexpected multiple prefix names in schema type " +
				t.Name + ": property " + out.Properties[i].Name + " references " + nested)
		}
		out.Properties[i].SchemaType = nested[len(p):]
	}
	return out, nil
}
