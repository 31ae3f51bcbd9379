// Package codec encodes documents and schemas with msgpack. The sqlite
// backend stores document bodies this way, and migrations use the stream
// form to spill transformed documents to disk.
package codec

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Aman-CERP/searchstore/internal/model"
)

type storedDocument struct {
	Namespace  string           `msgpack:"ns"`
	ID         string           `msgpack:"id"`
	SchemaType string           `msgpack:"t"`
	Created    int64            `msgpack:"c"`
	TTL        int64            `msgpack:"ttl,omitempty"`
	Score      int32            `msgpack:"s,omitempty"`
	Properties []storedProperty `msgpack:"p,omitempty"`
}

type storedProperty struct {
	Name      string           `msgpack:"n"`
	Kind      model.DataType   `msgpack:"k"`
	Strings   []string         `msgpack:"str,omitempty"`
	Int64s    []int64          `msgpack:"i64,omitempty"`
	Doubles   []float64        `msgpack:"f64,omitempty"`
	Booleans  []bool           `msgpack:"b,omitempty"`
	Bytes     [][]byte         `msgpack:"raw,omitempty"`
	Documents []storedDocument `msgpack:"doc,omitempty"`
}

type storedSchema struct {
	Types []storedType `msgpack:"types"`
}

type storedType struct {
	Name       string           `msgpack:"name"`
	Version    int              `msgpack:"v"`
	Properties []storedPropConf `msgpack:"props,omitempty"`
}

type storedPropConf struct {
	Name        string            `msgpack:"name"`
	DataType    model.DataType    `msgpack:"dt"`
	Cardinality model.Cardinality `msgpack:"card"`
	SchemaType  string            `msgpack:"st,omitempty"`
	Indexing    model.Indexing    `msgpack:"idx,omitempty"`
}

func toStored(d *model.Document) storedDocument {
	sd := storedDocument{
		Namespace:  d.Namespace,
		ID:         d.ID,
		SchemaType: d.SchemaType,
		Created:    d.CreationTimestampMillis,
		TTL:        d.TTLMillis,
		Score:      d.Score,
	}
	for _, p := range d.Properties {
		sp := storedProperty{Name: p.Name}
		if p.Value != nil {
			sp.Kind = p.Value.Kind()
		}
		switch v := p.Value.(type) {
		case model.StringValues:
			sp.Strings = v
		case model.Int64Values:
			sp.Int64s = v
		case model.DoubleValues:
			sp.Doubles = v
		case model.BooleanValues:
			sp.Booleans = v
		case model.BytesValues:
			sp.Bytes = v
		case model.DocumentValues:
			for _, child := range v {
				sp.Documents = append(sp.Documents, toStored(child))
			}
		}
		sd.Properties = append(sd.Properties, sp)
	}
	return sd
}

func fromStored(sd storedDocument) (*model.Document, error) {
	d := &model.Document{
		Namespace:               sd.Namespace,
		ID:                      sd.ID,
		SchemaType:              sd.SchemaType,
		CreationTimestampMillis: sd.Created,
		TTLMillis:               sd.TTL,
		Score:                   sd.Score,
	}
	for _, sp := range sd.Properties {
		var v model.Value
		switch sp.Kind {
		case model.DataTypeString:
			v = model.StringValues(sp.Strings)
		case model.DataTypeInt64:
			v = model.Int64Values(sp.Int64s)
		case model.DataTypeDouble:
			v = model.DoubleValues(sp.Doubles)
		case model.DataTypeBoolean:
			v = model.BooleanValues(sp.Booleans)
		case model.DataTypeBytes:
			v = model.BytesValues(sp.Bytes)
		case model.DataTypeDocument:
			docs := make(model.DocumentValues, 0, len(sp.Documents))
			for _, child := range sp.Documents {
				cd, err := fromStored(child)
				if err != nil {
					return nil, err
				}
				docs = append(docs, cd)
			}
			v = docs
		default:
			return nil, fmt.Errorf("property %q of document %q has unknown kind %d", sp.Name, sd.ID, sp.Kind)
		}
		d.Properties = append(d.Properties, model.Property{Name: sp.Name, Value: v})
	}
	return d, nil
}

// MarshalDocument encodes a document.
func MarshalDocument(d *model.Document) ([]byte, error) {
	return msgpack.Marshal(toStored(d))
}

// UnmarshalDocument decodes a document written by MarshalDocument.
func UnmarshalDocument(data []byte) (*model.Document, error) {
	var sd storedDocument
	if err := msgpack.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fromStored(sd)
}

// MarshalSchema encodes a schema.
func MarshalSchema(s *model.Schema) ([]byte, error) {
	ss := storedSchema{Types: make([]storedType, 0, len(s.Types))}
	for _, t := range s.Types {
		st := storedType{Name: t.Name, Version: t.Version}
		for _, p := range t.Properties {
			st.Properties = append(st.Properties, storedPropConf{
				Name:        p.Name,
				DataType:    p.DataType,
				Cardinality: p.Cardinality,
				SchemaType:  p.SchemaType,
				Indexing:    p.Indexing,
			})
		}
		ss.Types = append(ss.Types, st)
	}
	return msgpack.Marshal(ss)
}

// UnmarshalSchema decodes a schema written by MarshalSchema.
func UnmarshalSchema(data []byte) (*model.Schema, error) {
	var ss storedSchema
	if err := msgpack.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	s := &model.Schema{Types: make([]model.SchemaType, 0, len(ss.Types))}
	for _, st := range ss.Types {
		t := model.SchemaType{Name: st.Name, Version: st.Version}
		for _, p := range st.Properties {
			t.Properties = append(t.Properties, model.PropertyConfig{
				Name:        p.Name,
				DataType:    p.DataType,
				Cardinality: p.Cardinality,
				SchemaType:  p.SchemaType,
				Indexing:    p.Indexing,
			})
		}
		s.Types = append(s.Types, t)
	}
	return s, nil
}

// DocumentWriter streams documents to w.
type DocumentWriter struct {
	enc   *msgpack.Encoder
	count int
}

// NewDocumentWriter returns a writer encoding onto w.
func NewDocumentWriter(w io.Writer) *DocumentWriter {
	return &DocumentWriter{enc: msgpack.NewEncoder(w)}
}

// Write appends one document.
func (w *DocumentWriter) Write(d *model.Document) error {
	if err := w.enc.Encode(toStored(d)); err != nil {
		return fmt.Errorf("encode document %q: %w", d.ID, err)
	}
	w.count++
	return nil
}

// Count is the number of documents written.
func (w *DocumentWriter) Count() int {
	return w.count
}

// DocumentReader reads documents written by a DocumentWriter.
type DocumentReader struct {
	dec *msgpack.Decoder
}

// NewDocumentReader returns a reader decoding from r.
func NewDocumentReader(r io.Reader) *DocumentReader {
	return &DocumentReader{dec: msgpack.NewDecoder(r)}
}

// Read returns the next document, or io.EOF once the stream is exhausted.
func (r *DocumentReader) Read() (*model.Document, error) {
	var sd storedDocument
	if err := r.dec.Decode(&sd); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fromStored(sd)
}
