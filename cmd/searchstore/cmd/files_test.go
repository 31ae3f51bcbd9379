package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchstore/internal/model"
)

func messageTypes() map[string]model.SchemaType {
	return map[string]model.SchemaType{
		"Message": {Name: "Message", Properties: []model.PropertyConfig{
			{Name: "text", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional},
			{Name: "count", DataType: model.DataTypeInt64, Cardinality: model.CardinalityOptional},
			{Name: "weight", DataType: model.DataTypeDouble, Cardinality: model.CardinalityOptional},
			{Name: "read", DataType: model.DataTypeBoolean, Cardinality: model.CardinalityOptional},
			{Name: "blob", DataType: model.DataTypeBytes, Cardinality: model.CardinalityOptional},
			{Name: "sender", DataType: model.DataTypeDocument, Cardinality: model.CardinalityOptional, SchemaType: "Person"},
		}},
		"Person": {Name: "Person", Properties: []model.PropertyConfig{
			{Name: "name", DataType: model.DataTypeString, Cardinality: model.CardinalityOptional},
		}},
	}
}

func TestParseDocumentFiles_SingleAndList(t *testing.T) {
	single, err := parseDocumentFiles([]byte("namespace: a\nid: x\nschema_type: Message\n"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	list, err := parseDocumentFiles([]byte(`[{"namespace":"a","id":"x"},{"namespace":"a","id":"y"}]`))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = parseDocumentFiles([]byte("just a string"))
	assert.Error(t, err)
	_, err = parseDocumentFiles(nil)
	assert.Error(t, err)
}

func TestDocumentFile_ToModelConvertsEveryType(t *testing.T) {
	// Given: a document using every data type
	files, err := parseDocumentFiles([]byte(`
namespace: inbox
id: m1
schema_type: Message
score: 3
properties:
  text: hello
  count: [1, 2]
  weight: 2
  read: true
  blob: aGk=
  sender:
    properties:
      name: Ada
`))
	require.NoError(t, err)

	// When: converting with the schema
	doc, err := files[0].toModel(messageTypes())
	require.NoError(t, err)

	// Then: values carry their schema types
	assert.Equal(t, int32(3), doc.Score)
	assert.Equal(t, []string{"hello"}, doc.Strings("text"))
	assert.Equal(t, []int64{1, 2}, doc.Int64s("count"))
	assert.Equal(t, model.DoubleValues{2}, doc.Property("weight"))
	assert.Equal(t, []bool{true}, doc.Booleans("read"))
	assert.Equal(t, [][]byte{[]byte("hi")}, doc.Bytes("blob"))

	// And: the nested document inherits its type and namespace
	sender := doc.Documents("sender")
	require.Len(t, sender, 1)
	assert.Equal(t, "Person", sender[0].SchemaType)
	assert.Equal(t, "inbox", sender[0].Namespace)
	assert.Equal(t, []string{"Ada"}, sender[0].Strings("name"))

	// And: rendering it back gives the same values
	back := documentFileFrom(doc)
	assert.Equal(t, []string{"hello"}, back.Properties["text"])
	assert.Equal(t, []string{"aGk="}, back.Properties["blob"])
}

func TestDocumentFile_ToModelErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  documentFile
	}{
		{"unknown type", documentFile{SchemaType: "Nope"}},
		{"unknown property", documentFile{SchemaType: "Message", Properties: map[string]any{"x": "y"}}},
		{"string expected", documentFile{SchemaType: "Message", Properties: map[string]any{"text": 1}}},
		{"integer expected", documentFile{SchemaType: "Message", Properties: map[string]any{"count": 1.5}}},
		{"bad base64", documentFile{SchemaType: "Message", Properties: map[string]any{"blob": "%%"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.doc.toModel(messageTypes())
			assert.Error(t, err)
		})
	}
}

func TestSchemaFile_ToModel(t *testing.T) {
	// Given: a schema file with visibility
	sf, err := parseSchemaFile([]byte(`
version: 3
types:
  - name: Message
    properties:
      - name: text
        type: string
        cardinality: repeated
        indexing: exact
visibility:
  Message:
    roles: [reader]
    package_access:
      - package: com.example.viewer
        sha256_cert: "0a0b"
`))
	require.NoError(t, err)

	// When
	types, vis, err := sf.toModel()
	require.NoError(t, err)

	// Then
	require.Len(t, types, 1)
	assert.Equal(t, model.PropertyConfig{
		Name:        "text",
		DataType:    model.DataTypeString,
		Cardinality: model.CardinalityRepeated,
		Indexing:    model.IndexingExact,
	}, types[0].Properties[0])
	assert.Equal(t, []string{"reader"}, vis["Message"].Roles)
	assert.Equal(t, []model.PackageIdentifier{{PackageName: "com.example.viewer", SHA256Cert: []byte{0x0a, 0x0b}}},
		vis["Message"].PackageAccess)

	// And: rendering a response gives the file form back
	back := schemaFileFrom(&model.GetSchemaResponse{Types: types, Version: 3, Visibility: vis})
	assert.Equal(t, 3, back.Version)
	assert.Equal(t, "0a0b", back.Visibility["Message"].PackageAccess[0].SHA256Cert)
}

func TestSchemaFile_ToModelErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown data type", "types:\n  - name: T\n    properties:\n      - name: p\n        type: text\n"},
		{"unknown cardinality", "types:\n  - name: T\n    properties:\n      - name: p\n        type: string\n        cardinality: many\n"},
		{"bad cert", "types:\n  - name: T\nvisibility:\n  T:\n    package_access:\n      - package: p\n        sha256_cert: zz\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sf, err := parseSchemaFile([]byte(tt.yaml))
			require.NoError(t, err)
			_, _, err = sf.toModel()
			assert.Error(t, err)
		})
	}
}

func TestKeepDefinedProperties(t *testing.T) {
	// Given: a migrator for a type that lost a property
	types := []model.SchemaType{{Name: "Person", Properties: []model.PropertyConfig{{Name: "name"}}}}
	m := keepDefinedProperties(types, []string{"Person"})["Person"]
	require.NotNil(t, m)

	doc := &model.Document{ID: "p1", SchemaType: "Person"}
	doc.SetProperty("name", model.StringValues{"Ada"})
	doc.SetProperty("age", model.Int64Values{36})

	// When
	out, err := m.OnUpgrade(1, 2, doc)

	// Then: only defined properties remain and the input is untouched
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada"}, out.Strings("name"))
	assert.Nil(t, out.Property("age"))
	assert.NotNil(t, doc.Property("age"))
	assert.Nil(t, keepDefinedProperties(types, nil))
}
