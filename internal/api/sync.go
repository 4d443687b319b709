package api

import (
	"context"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/sync"
)

// changeFromArgs decodes one side of a conflict (the "local" or
// "server" key of a sync:resolve action's args) into a sync.Change.
func changeFromArgs(key string, args map[string]any) (sync.Change, error) {
	raw, ok := args[key].(map[string]any)
	if !ok {
		return sync.Change{}, apierr.Newf(apierr.CodeInvalidValue, "sync:resolve requires a %q object", key)
	}

	c := sync.Change{}
	c.ChangeID, _ = raw["changeId"].(string)
	c.DocumentID, _ = raw["documentId"].(string)
	c.Table, _ = raw["table"].(string)
	kind, _ := raw["kind"].(string)
	c.Kind = sync.ChangeKind(kind)
	c.Fields, _ = raw["fields"].(map[string]any)
	c.BaseFields, _ = raw["baseFields"].(map[string]any)
	if v, ok := raw["version"].(float64); ok {
		c.Version = int64(v)
	}
	if t, ok := raw["timestamp"].(float64); ok {
		c.Timestamp = int64(t)
	}
	return c, nil
}

// registerSyncAction binds "sync:resolve" to SyncEngine: given a
// local change and the change the server actually committed, it
// detects any conflict and resolves it per the resolver's configured
// strategy (or a per-call override named in args["strategy"]).
func registerSyncAction(actions *ActionRegistry, resolver *sync.Resolver) {
	actions.Register("sync:resolve", func(ctx context.Context, args map[string]any) (any, error) {
		local, err := changeFromArgs("local", args)
		if err != nil {
			return nil, err
		}
		server, err := changeFromArgs("server", args)
		if err != nil {
			return nil, err
		}

		conflict := sync.Detect(local, server)
		strategy, _ := args["strategy"].(string)
		resolved, err := resolver.Resolve(conflict, sync.Strategy(strategy), nil)
		if err != nil {
			return nil, err
		}
		return resolved, nil
	})
}
