package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nestedDoc() *Document {
	inner := &Document{Namespace: "ns", ID: "inner", SchemaType: "Address"}
	inner.SetProperty("city", StringValues{"Oslo"})

	doc := &Document{Namespace: "ns", ID: "outer", SchemaType: "Person", CreationTimestampMillis: 1000}
	doc.SetProperty("name", StringValues{"Ada"})
	doc.SetProperty("address", DocumentValues{inner})
	doc.SetProperty("avatar", BytesValues{[]byte{1, 2, 3}})
	return doc
}

func TestDocument_SetProperty_KeepsSortedAndReplaces(t *testing.T) {
	doc := nestedDoc()

	names := make([]string, 0, len(doc.Properties))
	for _, p := range doc.Properties {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"address", "avatar", "name"}, names)

	doc.SetProperty("name", StringValues{"Grace"})
	assert.Equal(t, []string{"Grace"}, doc.Strings("name"))
	assert.Len(t, doc.Properties, 3)
}

func TestDocument_Clone_IsDeep(t *testing.T) {
	// Given: a document with nested and byte values
	doc := nestedDoc()

	// When: mutating the clone
	clone := doc.Clone()
	clone.Documents("address")[0].SchemaType = "pkg$db/Address"
	clone.Bytes("avatar")[0][0] = 9
	clone.Strings("name")[0] = "Changed"

	// Then: the original is untouched
	assert.Equal(t, "Address", doc.Documents("address")[0].SchemaType)
	assert.Equal(t, byte(1), doc.Bytes("avatar")[0][0])
	assert.Equal(t, "Ada", doc.Strings("name")[0])
	assert.Nil(t, (*Document)(nil).Clone())
}

func TestDocument_TypedAccessorsRejectWrongKind(t *testing.T) {
	doc := nestedDoc()

	assert.Nil(t, doc.Int64s("name"))
	assert.Nil(t, doc.Strings("missing"))
	require.NotNil(t, doc.Property("avatar"))
	assert.Equal(t, DataTypeBytes, doc.Property("avatar").Kind())
}

func TestDocument_Expired(t *testing.T) {
	tests := []struct {
		name    string
		ttl     int64
		now     int64
		expired bool
	}{
		{"no ttl", 0, 1 << 40, false},
		{"before expiry", 500, 1499, false},
		{"at expiry", 500, 1500, true},
		{"after expiry", 500, 2000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{CreationTimestampMillis: 1000, TTLMillis: tt.ttl}
			assert.Equal(t, tt.expired, doc.Expired(tt.now))
		})
	}
}

func TestDocument_EstimatedSize_IncludesNested(t *testing.T) {
	doc := nestedDoc()
	flat := doc.Clone()
	flat.SetProperty("address", DocumentValues{})

	assert.Greater(t, doc.EstimatedSize(), flat.EstimatedSize())
}

func TestParseEnums(t *testing.T) {
	dt, err := ParseDataType("document")
	require.NoError(t, err)
	assert.Equal(t, DataTypeDocument, dt)

	c, err := ParseCardinality("required")
	require.NoError(t, err)
	assert.Equal(t, CardinalityRequired, c)

	idx, err := ParseIndexing("")
	require.NoError(t, err)
	assert.Equal(t, IndexingNone, idx)

	_, err = ParseCardinality("sometimes")
	assert.Error(t, err)
}
