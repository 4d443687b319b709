package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus/internal/apierr"
)

func fieldConflict(localFields, serverFields map[string]any, localV, serverV int64) *Conflict {
	return Detect(
		Change{Table: "t", Kind: ChangeUpdate, Version: localV, Fields: localFields},
		Change{Table: "t", Kind: ChangeUpdate, Version: serverV, Fields: serverFields},
	)
}

func TestResolve_ServerWins(t *testing.T) {
	r := NewResolver(StrategyServerWins)
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", resolved.Fields["name"])
	assert.Equal(t, int64(2), resolved.Version)
}

func TestResolve_ClientWins_DefaultVersionGenerator(t *testing.T) {
	r := NewResolver(StrategyClientWins)
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", resolved.Fields["name"])
	assert.Equal(t, int64(3), resolved.Version)
}

func TestResolve_ClientWins_CustomVersionGenerator(t *testing.T) {
	r := NewResolver(StrategyClientWins)
	r.SetVersionGenerator(func(serverVersion int64) int64 { return serverVersion + 100 })
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(102), resolved.Version)
}

func TestResolve_Merge_DisjointFieldsUnioned(t *testing.T) {
	r := NewResolver(StrategyMerge)
	c := fieldConflict(
		map[string]any{"name": "local", "age": int64(5)},
		map[string]any{"name": "server"},
		1, 2,
	)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", resolved.Fields["name"])
	assert.Equal(t, int64(5), resolved.Fields["age"])
}

func TestResolve_Merge_FieldStrategyOverride(t *testing.T) {
	r := NewResolver(StrategyMerge)
	r.SetFieldStrategy("t", "name", FieldClientWins)
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", resolved.Fields["name"])
}

func TestResolve_Merge_DefaultsToServerWinsForUnconfiguredField(t *testing.T) {
	r := NewResolver(StrategyMerge)
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", resolved.Fields["name"])
}

func TestResolve_Manual_NoHandlerFails(t *testing.T) {
	r := NewResolver(StrategyManual)
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	_, err := r.Resolve(c, "", nil)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeResolverRequired, apiErr.Code)
}

func TestResolve_Manual_HandlerInvoked(t *testing.T) {
	r := NewResolver(StrategyManual)
	r.SetManualHandler(func(c *Conflict) (*Resolved, error) {
		return &Resolved{Fields: map[string]any{"name": "manual"}, Version: c.Server.Version + 1}, nil
	})
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "manual", resolved.Fields["name"])
}

func TestResolve_Manual_InvalidReturnIsFatal(t *testing.T) {
	r := NewResolver(StrategyManual)
	r.SetManualHandler(func(c *Conflict) (*Resolved, error) {
		return &Resolved{}, nil // no fields, not deleted: incomplete
	})
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	_, err := r.Resolve(c, "", nil)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidResolution, apiErr.Code)
}

func TestResolve_Custom_NoResolverFails(t *testing.T) {
	r := NewResolver(StrategyCustom)
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	_, err := r.Resolve(c, "", nil)
	require.Error(t, err)
}

func TestResolve_Custom_ResolverInvoked(t *testing.T) {
	r := NewResolver(StrategyServerWins) // default irrelevant, call overrides with custom
	custom := func(c *Conflict) (*Resolved, error) {
		return &Resolved{Fields: map[string]any{"name": "custom"}, Version: 99}, nil
	}
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	resolved, err := r.Resolve(c, StrategyCustom, custom)
	require.NoError(t, err)
	assert.Equal(t, "custom", resolved.Fields["name"])
	assert.Equal(t, int64(99), resolved.Version)
}

func TestResolve_NoConflict_AutoMergesUnion(t *testing.T) {
	r := NewResolver(StrategyServerWins)
	c := Detect(
		Change{Kind: ChangeUpdate, Version: 1, Fields: map[string]any{"a": 1}},
		Change{Kind: ChangeUpdate, Version: 2, Fields: map[string]any{"b": 2}},
	)
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.Fields["a"])
	assert.Equal(t, 2, resolved.Fields["b"])
	assert.Equal(t, int64(3), resolved.Version)
}

func TestResolve_DeleteUpdate_ClientWinsHonorsDelete(t *testing.T) {
	r := NewResolver(StrategyClientWins)
	c := Detect(Change{Kind: ChangeDelete, Version: 1}, Change{Kind: ChangeUpdate, Version: 2, Fields: map[string]any{"a": 1}})
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.True(t, resolved.Deleted)
}

func TestResolve_UpdateDelete_ServerWinsHonorsDelete(t *testing.T) {
	r := NewResolver(StrategyServerWins)
	c := Detect(Change{Kind: ChangeUpdate, Version: 1, Fields: map[string]any{"a": 1}}, Change{Kind: ChangeDelete, Version: 2})
	resolved, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	assert.True(t, resolved.Deleted)
}

func TestResolve_ListenerNotifiedBeforeResolution(t *testing.T) {
	r := NewResolver(StrategyServerWins)
	var seen *Conflict
	r.AddListener(func(c *Conflict) { seen = c })
	c := fieldConflict(map[string]any{"name": "local"}, map[string]any{"name": "server"}, 1, 2)
	_, err := r.Resolve(c, "", nil)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, c.ConflictID, seen.ConflictID)
}
