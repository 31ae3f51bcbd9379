package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/searchstore/internal/index"
)

func rowID(t *testing.T, b *Backend, docID string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, b.db.QueryRow(`SELECT id FROM documents WHERE doc_id = ?`, docID).Scan(&id))
	return id
}

func TestConsistency_CleanStore(t *testing.T) {
	for _, kind := range textIndexes() {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			b := withSchema(t, Config{TextIndex: kind})
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "hello", "world", 1)))
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id2", "", "", 2)))

			res, err := b.CheckConsistency(ctx)

			require.NoError(t, err)
			assert.True(t, res.Consistent())
			assert.Equal(t, 2, res.Checked)
			assert.Equal(t, 1, res.Indexed, "a document without terms has no entry")
		})
	}
}

func TestConsistency_DetectsAndRepairsDrift(t *testing.T) {
	for _, kind := range textIndexes() {
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			b := withSchema(t, Config{TextIndex: kind})
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id1", "hello", "world", 1)))
			require.NoError(t, b.PutDocument(ctx, email("pkg$db/ns", "id2", "other", "mail", 2)))

			// Given: one entry lost and one left behind for a row that never existed
			lost := rowID(t, b, "id1")
			require.NoError(t, b.text.remove(ctx, b.db, []int64{lost}))
			require.NoError(t, b.text.add(ctx, b.db, 9999, index.IndexedText{Exact: []string{"ghost"}}))

			// When
			res, err := b.CheckConsistency(ctx)

			// Then: both are reported, orphans first
			require.NoError(t, err)
			require.Len(t, res.Inconsistencies, 2)
			assert.Equal(t, index.Inconsistency{
				Type: index.InconsistencyOrphanText, RowID: 9999,
				Details: "text index entry without a document row",
			}, res.Inconsistencies[0])
			assert.Equal(t, index.InconsistencyMissingText, res.Inconsistencies[1].Type)
			assert.Equal(t, lost, res.Inconsistencies[1].RowID)
			assert.Equal(t, 1, res.Count(index.InconsistencyOrphanText))

			// When: repairing
			require.NoError(t, b.RepairConsistency(ctx, res.Inconsistencies))

			// Then: the index matches the rows again
			res, err = b.CheckConsistency(ctx)
			require.NoError(t, err)
			assert.True(t, res.Consistent())
			assert.Equal(t, 2, res.Indexed)
		})
	}
}

func TestInconsistencyType_String(t *testing.T) {
	assert.Equal(t, "orphan_text", index.InconsistencyOrphanText.String())
	assert.Equal(t, "missing_text", index.InconsistencyMissingText.String())
	assert.Equal(t, "unknown", index.InconsistencyType(9).String())
}
