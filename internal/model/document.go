// Package model defines the documents, schemas and search types shared by
// the engine, its rewriters and the index backends.
package model

import "sort"

// Value is the sum type of property values. The concrete variants are the
// *Values slice types below; nested documents make the tree recursive.
type Value interface {
	// Kind reports the data type the values belong to.
	Kind() DataType
	// Len is the number of values held.
	Len() int
	value()
}

// StringValues holds STRING property values.
type StringValues []string

// Int64Values holds INT64 property values.
type Int64Values []int64

// DoubleValues holds DOUBLE property values.
type DoubleValues []float64

// BooleanValues holds BOOLEAN property values.
type BooleanValues []bool

// BytesValues holds BYTES property values.
type BytesValues [][]byte

// DocumentValues holds nested DOCUMENT property values.
type DocumentValues []*Document

func (StringValues) Kind() DataType   { return DataTypeString }
func (Int64Values) Kind() DataType    { return DataTypeInt64 }
func (DoubleValues) Kind() DataType   { return DataTypeDouble }
func (BooleanValues) Kind() DataType  { return DataTypeBoolean }
func (BytesValues) Kind() DataType    { return DataTypeBytes }
func (DocumentValues) Kind() DataType { return DataTypeDocument }

func (v StringValues) Len() int   { return len(v) }
func (v Int64Values) Len() int    { return len(v) }
func (v DoubleValues) Len() int   { return len(v) }
func (v BooleanValues) Len() int  { return len(v) }
func (v BytesValues) Len() int    { return len(v) }
func (v DocumentValues) Len() int { return len(v) }

func (StringValues) value()   {}
func (Int64Values) value()    {}
func (DoubleValues) value()   {}
func (BooleanValues) value()  {}
func (BytesValues) value()    {}
func (DocumentValues) value() {}

// Property is a named property value.
type Property struct {
	Name  string
	Value Value
}

// Document is a stored document. Inside the engine and the backends,
// SchemaType and Namespace carry a database prefix; callers only ever see
// local names.
type Document struct {
	Namespace               string
	ID                      string
	SchemaType              string
	CreationTimestampMillis int64
	// TTLMillis is the time to live after creation; 0 means forever.
	TTLMillis  int64
	Score      int32
	Properties []Property
}

// Property returns the named property value, or nil.
func (d *Document) Property(name string) Value {
	for i := range d.Properties {
		if d.Properties[i].Name == name {
			return d.Properties[i].Value
		}
	}
	return nil
}

// SetProperty replaces or appends a property, keeping properties sorted by
// name so documents compare and encode deterministically.
func (d *Document) SetProperty(name string, v Value) {
	for i := range d.Properties {
		if d.Properties[i].Name == name {
			d.Properties[i].Value = v
			return
		}
	}
	d.Properties = append(d.Properties, Property{Name: name, Value: v})
	sort.Slice(d.Properties, func(i, j int) bool {
		return d.Properties[i].Name < d.Properties[j].Name
	})
}

// Strings returns the named STRING values, or nil.
func (d *Document) Strings(name string) []string {
	if v, ok := d.Property(name).(StringValues); ok {
		return v
	}
	return nil
}

// Int64s returns the named INT64 values, or nil.
func (d *Document) Int64s(name string) []int64 {
	if v, ok := d.Property(name).(Int64Values); ok {
		return v
	}
	return nil
}

// Booleans returns the named BOOLEAN values, or nil.
func (d *Document) Booleans(name string) []bool {
	if v, ok := d.Property(name).(BooleanValues); ok {
		return v
	}
	return nil
}

// Bytes returns the named BYTES values, or nil.
func (d *Document) Bytes(name string) [][]byte {
	if v, ok := d.Property(name).(BytesValues); ok {
		return v
	}
	return nil
}

// Documents returns the named nested documents, or nil.
func (d *Document) Documents(name string) []*Document {
	if v, ok := d.Property(name).(DocumentValues); ok {
		return v
	}
	return nil
}

// ExpiresAt returns the expiry time in epoch millis, or 0 if the document
// never expires.
func (d *Document) ExpiresAt() int64 {
	if d.TTLMillis <= 0 {
		return 0
	}
	return d.CreationTimestampMillis + d.TTLMillis
}

// Expired reports whether the document's TTL has elapsed at nowMillis.
func (d *Document) Expired(nowMillis int64) bool {
	exp := d.ExpiresAt()
	return exp > 0 && nowMillis >= exp
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Properties != nil {
		out.Properties = make([]Property, len(d.Properties))
		for i, p := range d.Properties {
			out.Properties[i] = Property{Name: p.Name, Value: cloneValue(p.Value)}
		}
	}
	return &out
}

func cloneValue(v Value) Value {
	switch vals := v.(type) {
	case StringValues:
		return append(StringValues(nil), vals...)
	case Int64Values:
		return append(Int64Values(nil), vals...)
	case DoubleValues:
		return append(DoubleValues(nil), vals...)
	case BooleanValues:
		return append(BooleanValues(nil), vals...)
	case BytesValues:
		out := make(BytesValues, len(vals))
		for i, b := range vals {
			out[i] = append([]byte(nil), b...)
		}
		return out
	case DocumentValues:
		out := make(DocumentValues, len(vals))
		for i, doc := range vals {
			out[i] = doc.Clone()
		}
		return out
	default:
		return v
	}
}

// EstimatedSize approximates the stored size of a document in bytes. The
// backends use it for reclaimable-space accounting.
func (d *Document) EstimatedSize() int64 {
	if d == nil {
		return 0
	}
	size := int64(len(d.Namespace) + len(d.ID) + len(d.SchemaType) + 8 + 8 + 4)
	for _, p := range d.Properties {
		size += int64(len(p.Name))
		switch vals := p.Value.(type) {
		case StringValues:
			for _, s := range vals {
				size += int64(len(s))
			}
		case Int64Values:
			size += int64(8 * len(vals))
		case DoubleValues:
			size += int64(8 * len(vals))
		case BooleanValues:
			size += int64(len(vals))
		case BytesValues:
			for _, b := range vals {
				size += int64(len(b))
			}
		case DocumentValues:
			for _, doc := range vals {
				size += doc.EstimatedSize()
			}
		}
	}
	return size
}
