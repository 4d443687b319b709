package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_BothDeleteIsNoConflict(t *testing.T) {
	c := Detect(Change{Kind: ChangeDelete, Version: 3}, Change{Kind: ChangeDelete, Version: 4})
	assert.Equal(t, ConflictNone, c.Kind)
}

func TestDetect_BothInsertDistinctDocsIsNoConflict(t *testing.T) {
	c := Detect(
		Change{Kind: ChangeInsert, DocumentID: "a", Version: 0},
		Change{Kind: ChangeInsert, DocumentID: "b", Version: 0},
	)
	assert.Equal(t, ConflictNone, c.Kind)
}

func TestDetect_DeleteUpdate(t *testing.T) {
	c := Detect(
		Change{Kind: ChangeDelete, Version: 1},
		Change{Kind: ChangeUpdate, Version: 2, Fields: map[string]any{"name": "x"}},
	)
	assert.Equal(t, ConflictDeleteUpdate, c.Kind)
}

func TestDetect_UpdateDelete(t *testing.T) {
	c := Detect(
		Change{Kind: ChangeUpdate, Version: 1, Fields: map[string]any{"name": "x"}},
		Change{Kind: ChangeDelete, Version: 2},
	)
	assert.Equal(t, ConflictUpdateDelete, c.Kind)
}

func TestDetect_FieldConflict_OverlappingFieldsDiffer(t *testing.T) {
	c := Detect(
		Change{Kind: ChangeUpdate, Version: 1, Fields: map[string]any{"name": "local"}},
		Change{Kind: ChangeUpdate, Version: 2, Fields: map[string]any{"name": "server"}},
	)
	require.Equal(t, ConflictFieldConflict, c.Kind)
	assert.Equal(t, []string{"name"}, c.FieldDiff)
}

func TestDetect_DisjointFieldsAutoResolve(t *testing.T) {
	c := Detect(
		Change{Kind: ChangeUpdate, Version: 1, Fields: map[string]any{"name": "local"}},
		Change{Kind: ChangeUpdate, Version: 2, Fields: map[string]any{"age": int64(5)}},
	)
	assert.Equal(t, ConflictNone, c.Kind)
	assert.Empty(t, c.FieldDiff)
}

func TestDetect_OverlappingButEqualFieldsAutoResolve(t *testing.T) {
	c := Detect(
		Change{Kind: ChangeUpdate, Version: 1, Fields: map[string]any{"name": "same"}},
		Change{Kind: ChangeUpdate, Version: 2, Fields: map[string]any{"name": "same"}},
	)
	assert.Equal(t, ConflictNone, c.Kind)
}

func TestDetect_VersionGapAndStaleFlag(t *testing.T) {
	c := Detect(Change{Version: 1}, Change{Version: 4, Kind: ChangeUpdate})
	assert.Equal(t, int64(3), c.VersionGap)
	assert.True(t, c.Stale)

	c2 := Detect(Change{Version: 1, Kind: ChangeUpdate, Fields: map[string]any{"a": 1}}, Change{Version: 2, Kind: ChangeUpdate, Fields: map[string]any{"a": 1}})
	assert.False(t, c2.Stale)
}

func TestDetect_ConflictIDIsAssigned(t *testing.T) {
	c := Detect(Change{}, Change{})
	assert.NotEmpty(t, c.ConflictID)
}
