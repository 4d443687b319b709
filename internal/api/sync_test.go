package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/sync"
)

func TestRegisterSyncAction(t *testing.T) {
	t.Run("no conflict auto-merges disjoint fields", func(t *testing.T) {
		actions := NewActionRegistry()
		resolver := sync.NewResolver(sync.StrategyServerWins)
		registerSyncAction(actions, resolver)

		value, err := actions.Run(context.Background(), "sync:resolve", map[string]any{
			"local": map[string]any{
				"table": "messages", "documentId": "doc1", "kind": "update",
				"fields": map[string]any{"title": "hi"}, "version": float64(1),
			},
			"server": map[string]any{
				"table": "messages", "documentId": "doc1", "kind": "update",
				"fields": map[string]any{"body": "world"}, "version": float64(1),
			},
		})
		require.NoError(t, err)
		resolved, ok := value.(*sync.Resolved)
		require.True(t, ok)
		assert.Equal(t, "hi", resolved.Fields["title"])
		assert.Equal(t, "world", resolved.Fields["body"])
	})

	t.Run("field conflict resolves per default strategy", func(t *testing.T) {
		actions := NewActionRegistry()
		resolver := sync.NewResolver(sync.StrategyServerWins)
		registerSyncAction(actions, resolver)

		value, err := actions.Run(context.Background(), "sync:resolve", map[string]any{
			"local": map[string]any{
				"table": "messages", "documentId": "doc1", "kind": "update",
				"fields": map[string]any{"title": "local"}, "version": float64(1),
			},
			"server": map[string]any{
				"table": "messages", "documentId": "doc1", "kind": "update",
				"fields": map[string]any{"title": "server"}, "version": float64(2),
			},
		})
		require.NoError(t, err)
		resolved := value.(*sync.Resolved)
		assert.Equal(t, "server", resolved.Fields["title"])
	})

	t.Run("per-call strategy overrides the resolver default", func(t *testing.T) {
		actions := NewActionRegistry()
		resolver := sync.NewResolver(sync.StrategyServerWins)
		registerSyncAction(actions, resolver)

		value, err := actions.Run(context.Background(), "sync:resolve", map[string]any{
			"strategy": "client-wins",
			"local": map[string]any{
				"table": "messages", "documentId": "doc1", "kind": "update",
				"fields": map[string]any{"title": "local"}, "version": float64(1),
			},
			"server": map[string]any{
				"table": "messages", "documentId": "doc1", "kind": "update",
				"fields": map[string]any{"title": "server"}, "version": float64(2),
			},
		})
		require.NoError(t, err)
		resolved := value.(*sync.Resolved)
		assert.Equal(t, "local", resolved.Fields["title"])
	})

	t.Run("missing local or server object is InvalidValue", func(t *testing.T) {
		actions := NewActionRegistry()
		resolver := sync.NewResolver(sync.StrategyServerWins)
		registerSyncAction(actions, resolver)

		_, err := actions.Run(context.Background(), "sync:resolve", map[string]any{
			"server": map[string]any{"kind": "update"},
		})
		apiErr, ok := apierr.As(err)
		require.True(t, ok)
		assert.Equal(t, apierr.CodeInvalidValue, apiErr.Code)
	})
}
