package model

import "fmt"

// DataType is the type of a property's values.
type DataType int

const (
	DataTypeString DataType = iota + 1
	DataTypeInt64
	DataTypeDouble
	DataTypeBoolean
	DataTypeBytes
	DataTypeDocument
)

var dataTypeNames = map[DataType]string{
	DataTypeString:   "string",
	DataTypeInt64:    "int64",
	DataTypeDouble:   "double",
	DataTypeBoolean:  "boolean",
	DataTypeBytes:    "bytes",
	DataTypeDocument: "document",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType parses the lowercase name of a data type.
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Cardinality constrains how many values a property may hold.
type Cardinality int

const (
	CardinalityRepeated Cardinality = iota + 1
	CardinalityOptional
	CardinalityRequired
)

var cardinalityNames = map[Cardinality]string{
	CardinalityRepeated: "repeated",
	CardinalityOptional: "optional",
	CardinalityRequired: "required",
}

func (c Cardinality) String() string {
	if s, ok := cardinalityNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cardinality(%d)", int(c))
}

// ParseCardinality parses the lowercase name of a cardinality.
func ParseCardinality(s string) (Cardinality, error) {
	for c, name := range cardinalityNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cardinality %q", s)
}

// Indexing controls how STRING properties are matched by queries.
type Indexing int

const (
	IndexingNone Indexing = iota
	IndexingExact
	IndexingPrefix
)

var indexingNames = map[Indexing]string{
	IndexingNone:   "none",
	IndexingExact:  "exact",
	IndexingPrefix: "prefix",
}

func (i Indexing) String() string {
	if s, ok := indexingNames[i]; ok {
		return s
	}
	return fmt.Sprintf("Indexing(%d)", int(i))
}

// ParseIndexing parses the lowercase name of an indexing mode.
func ParseIndexing(s string) (Indexing, error) {
	if s == "" {
		return IndexingNone, nil
	}
	for i, name := range indexingNames {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown indexing %q", s)
}

// PropertyConfig describes one property of a schema type.
type PropertyConfig struct {
	Name        string
	DataType    DataType
	Cardinality Cardinality
	// SchemaType names the nested type of a DOCUMENT property.
	SchemaType string
	Indexing   Indexing
}

// SchemaType is the structural definition of one document type.
type SchemaType struct {
	Name       string
	Properties []PropertyConfig
	// Version is the schema version of the database the type belongs to,
	// stamped by the setSchema call that last wrote it.
	Version int
}

// Property returns the named property config.
func (t *SchemaType) Property(name string) (PropertyConfig, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyConfig{}, false
}

// Clone returns a deep copy of the type.
func (t SchemaType) Clone() SchemaType {
	t.Properties = append([]PropertyConfig(nil), t.Properties...)
	return t
}

// Schema is the whole schema persisted by a backend, spanning every
// database prefix.
type Schema struct {
	Types []SchemaType
}

// Type returns the named type.
func (s *Schema) Type(name string) (SchemaType, bool) {
	if s == nil {
		return SchemaType{}, false
	}
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return SchemaType{}, false
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return &Schema{}
	}
	out := &Schema{Types: make([]SchemaType, len(s.Types))}
	for i, t := range s.Types {
		out.Types[i] = t.Clone()
	}
	return out
}
