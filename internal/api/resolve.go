package api

import (
	"context"
	"strings"
	"sync"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/realtime"
	"github.com/nexusdb/nexus/internal/store"
)

// splitPath divides a "table:operation" path into its two segments.
// The colon convention matches the one InvalidationBus already keys
// its table-name matching off of, so a query_path and the table it
// reads are always the same string InvalidationBus sees.
func splitPath(path string) (table, op string, err error) {
	idx := strings.IndexByte(path, ':')
	if idx <= 0 || idx == len(path)-1 {
		return "", "", apierr.Newf(apierr.CodeProtocolError, "malformed path %q, expected \"table:operation\"", path)
	}
	return path[:idx], path[idx+1:], nil
}

// ResolveQuery adapts DocumentStore's Get/Query calls to the
// table:operation convention and returns the callback SubscriptionHub
// re-invokes on every write that might affect a live subscription.
func ResolveQuery(s *store.Store) realtime.QueryFunc {
	return func(ctx context.Context, queryPath string, args map[string]any) (any, error) {
		table, op, err := splitPath(queryPath)
		if err != nil {
			return nil, err
		}
		switch op {
		case "get":
			id, _ := args["id"].(string)
			if id == "" {
				return nil, apierr.Newf(apierr.CodeInvalidValue, "%q requires an \"id\" argument", queryPath)
			}
			return s.Get(ctx, table, id)
		case "list":
			q, err := queryFromArgs(table, args)
			if err != nil {
				return nil, err
			}
			return s.Query(ctx, *q)
		default:
			return nil, apierr.Newf(apierr.CodeProtocolError, "unknown query operation %q", op)
		}
	}
}

// queryFromArgs decodes the JSON-friendly argument shape a client
// sends ("filters": [{field,op,value}], "order": {field,desc},
// "limit", "index") into a store.Query against table.
func queryFromArgs(table string, args map[string]any) (*store.Query, error) {
	q := &store.Query{Table: table}

	if raw, ok := args["filters"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, apierr.New(apierr.CodeInvalidFilter, `"filters" must be an array`)
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, apierr.New(apierr.CodeInvalidFilter, "each filter must be an object")
			}
			field, _ := m["field"].(string)
			opStr, _ := m["op"].(string)
			if field == "" || opStr == "" {
				return nil, apierr.New(apierr.CodeInvalidFilter, `filter requires "field" and "op"`)
			}
			q.Filters = append(q.Filters, store.Filter{Field: field, Op: store.FilterOp(opStr), Value: m["value"]})
		}
	}

	if raw, ok := args["order"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, apierr.New(apierr.CodeInvalidValue, `"order" must be an object`)
		}
		field, _ := m["field"].(string)
		desc, _ := m["desc"].(bool)
		q.Order = &store.OrderBy{Field: field, Desc: desc}
	}

	if raw, ok := args["limit"]; ok {
		n, ok := raw.(float64)
		if !ok {
			return nil, apierr.New(apierr.CodeInvalidValue, `"limit" must be a number`)
		}
		limit := int(n)
		q.Limit = &limit
	}

	if idx, ok := args["index"].(string); ok {
		q.Index = idx
	}

	return q, nil
}

// MutationFunc executes one insert/patch/replace/delete against
// DocumentStore and returns the value a mutation's wire response
// should carry (the new document id for insert, nil otherwise).
type MutationFunc func(ctx context.Context, mutationPath string, args map[string]any) (any, error)

// ResolveMutation adapts DocumentStore's write methods to the same
// table:operation convention ResolveQuery uses for reads.
func ResolveMutation(s *store.Store) MutationFunc {
	return func(ctx context.Context, path string, args map[string]any) (any, error) {
		table, op, err := splitPath(path)
		if err != nil {
			return nil, err
		}
		switch op {
		case "insert":
			fields, ok := args["fields"].(map[string]any)
			if !ok {
				return nil, apierr.New(apierr.CodeInvalidValue, `insert requires a "fields" object`)
			}
			return s.Insert(ctx, table, fields)
		case "patch":
			id, _ := args["id"].(string)
			fields, ok := args["fields"].(map[string]any)
			if id == "" || !ok {
				return nil, apierr.New(apierr.CodeInvalidValue, `patch requires "id" and "fields"`)
			}
			return nil, s.Patch(ctx, table, id, fields)
		case "replace":
			id, _ := args["id"].(string)
			doc, ok := args["document"].(map[string]any)
			if id == "" || !ok {
				return nil, apierr.New(apierr.CodeInvalidValue, `replace requires "id" and "document"`)
			}
			return nil, s.Replace(ctx, table, id, doc)
		case "delete":
			id, _ := args["id"].(string)
			if id == "" {
				return nil, apierr.New(apierr.CodeInvalidValue, `delete requires "id"`)
			}
			return nil, s.Delete(ctx, table, id)
		default:
			return nil, apierr.Newf(apierr.CodeProtocolError, "unknown mutation operation %q", op)
		}
	}
}

// ActionFunc runs a registered side-effecting operation that falls
// outside DocumentStore's read/write contract entirely (e.g. calling
// an external API). Unlike queries and mutations, no table:operation
// convention binds an action's path to a document table.
type ActionFunc func(ctx context.Context, args map[string]any) (any, error)

// ActionRegistry binds action paths to the code that runs them.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
}

// NewActionRegistry returns an empty registry; every action path
// fails with CodeNotFound until one is registered.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionFunc)}
}

// Register binds path to fn, replacing any handler already bound.
func (r *ActionRegistry) Register(path string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[path] = fn
}

// Run executes the handler registered at path.
func (r *ActionRegistry) Run(ctx context.Context, path string, args map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.handlers[path]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.Newf(apierr.CodeNotFound, "no action registered at %q", path)
	}
	return fn(ctx, args)
}
