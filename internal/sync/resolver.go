package sync

import (
	"sync"

	"github.com/nexusdb/nexus/internal/apierr"
)

// Strategy names a resolution policy.
type Strategy string

const (
	StrategyServerWins Strategy = "server-wins"
	StrategyClientWins Strategy = "client-wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
	StrategyCustom     Strategy = "custom"
)

// FieldStrategy is the per-field tie-break a merge resolution
// consults for fields that differ between local and server.
type FieldStrategy string

const (
	FieldServerWins FieldStrategy = "server-wins"
	FieldClientWins FieldStrategy = "client-wins"
)

// ManualHandler resolves a conflict synchronously under the manual
// strategy. It must return a complete field set; a nil or incomplete
// return is a programming error surfaced as InvalidResolution.
type ManualHandler func(c *Conflict) (*Resolved, error)

// CustomResolver is supplied per-call under the custom strategy.
type CustomResolver func(c *Conflict) (*Resolved, error)

// VersionGenerator computes the version a client-wins resolution
// should adopt. Defaults to serverVersion + 1.
type VersionGenerator func(serverVersion int64) int64

// Listener observes every conflict before resolution, e.g. for audit
// logging or UI surfacing. Listeners must not block the resolution
// path; slow listeners should hand off to their own goroutine.
type Listener func(c *Conflict)

// Resolver applies a default strategy (or a per-call override) to
// Conflicts, consulting per-table/per-field strategies for merges.
type Resolver struct {
	mu               sync.RWMutex
	defaultStrategy  Strategy
	fieldStrategies  map[string]map[string]FieldStrategy // table -> field -> strategy
	manualHandler    ManualHandler
	versionGenerator VersionGenerator
	listeners        []Listener
}

// NewResolver returns a Resolver defaulting to the given strategy.
// defaultStrategy must not be StrategyManual or StrategyCustom unless
// a handler is configured before Resolve is called against a conflict
// that reaches that path.
func NewResolver(defaultStrategy Strategy) *Resolver {
	return &Resolver{
		defaultStrategy: defaultStrategy,
		fieldStrategies: make(map[string]map[string]FieldStrategy),
	}
}

// SetFieldStrategy registers a per-table, per-field tie-break used by
// merge resolutions when that field differs between local and server.
func (r *Resolver) SetFieldStrategy(table, field string, strategy FieldStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fieldStrategies[table] == nil {
		r.fieldStrategies[table] = make(map[string]FieldStrategy)
	}
	r.fieldStrategies[table][field] = strategy
}

// SetManualHandler configures the synchronous handler invoked for the
// manual strategy.
func (r *Resolver) SetManualHandler(h ManualHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualHandler = h
}

// SetVersionGenerator overrides the default server.Version+1 scheme
// used by client-wins resolutions.
func (r *Resolver) SetVersionGenerator(gen VersionGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versionGenerator = gen
}

// AddListener registers a listener invoked for every conflict this
// Resolver resolves, before the resolution is computed.
func (r *Resolver) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Resolver) notify(c *Conflict) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(c)
	}
}

func (r *Resolver) nextVersion(serverVersion int64) int64 {
	r.mu.RLock()
	gen := r.versionGenerator
	r.mu.RUnlock()
	if gen != nil {
		return gen(serverVersion)
	}
	return serverVersion + 1
}

// Resolve applies strategy (or the Resolver's default when strategy
// is empty) to c. custom is only consulted under StrategyCustom.
func (r *Resolver) Resolve(c *Conflict, strategy Strategy, custom CustomResolver) (*Resolved, error) {
	r.notify(c)

	if c.Kind == ConflictNone {
		return autoMerge(c), nil
	}

	if strategy == "" {
		r.mu.RLock()
		strategy = r.defaultStrategy
		r.mu.RUnlock()
	}

	switch strategy {
	case StrategyServerWins:
		return r.resolveServerWins(c), nil
	case StrategyClientWins:
		return r.resolveClientWins(c), nil
	case StrategyMerge:
		return r.resolveMerge(c), nil
	case StrategyManual:
		r.mu.RLock()
		handler := r.manualHandler
		r.mu.RUnlock()
		if handler == nil {
			return nil, apierr.New(apierr.CodeResolverRequired, "manual resolution strategy configured with no handler")
		}
		resolved, err := handler(c)
		if err != nil {
			return nil, err
		}
		return validateResolution(resolved)
	case StrategyCustom:
		if custom == nil {
			return nil, apierr.New(apierr.CodeResolverRequired, "custom resolution strategy requires a resolver function")
		}
		resolved, err := custom(c)
		if err != nil {
			return nil, err
		}
		return validateResolution(resolved)
	default:
		return nil, apierr.Newf(apierr.CodeInternal, "unknown resolution strategy %q", strategy)
	}
}

// autoMerge handles the ConflictNone case for two updates whose
// changed-field sets are disjoint: union the fields and bump version.
func autoMerge(c *Conflict) *Resolved {
	if c.Local.Kind == ChangeDelete && c.Server.Kind == ChangeDelete {
		return &Resolved{Deleted: true, Version: c.Server.Version}
	}
	return &Resolved{
		Fields:  unionFields(c.Local.Fields, c.Server.Fields),
		Version: c.Server.Version + 1,
	}
}

func (r *Resolver) resolveServerWins(c *Conflict) *Resolved {
	switch c.Kind {
	case ConflictDeleteUpdate, ConflictUpdateDelete:
		if c.Server.Kind == ChangeDelete {
			return &Resolved{Deleted: true, Version: c.Server.Version}
		}
		return &Resolved{Fields: c.Server.Fields, Version: c.Server.Version}
	default:
		return &Resolved{Fields: c.Server.Fields, Version: c.Server.Version}
	}
}

func (r *Resolver) resolveClientWins(c *Conflict) *Resolved {
	version := r.nextVersion(c.Server.Version)
	switch c.Kind {
	case ConflictDeleteUpdate, ConflictUpdateDelete:
		if c.Local.Kind == ChangeDelete {
			return &Resolved{Deleted: true, Version: version}
		}
		return &Resolved{Fields: c.Local.Fields, Version: version}
	default:
		return &Resolved{Fields: c.Local.Fields, Version: version}
	}
}

func (r *Resolver) resolveMerge(c *Conflict) *Resolved {
	if c.Kind == ConflictDeleteUpdate || c.Kind == ConflictUpdateDelete {
		// merge has no field-by-field meaning across a delete; fall
		// back to server intent, the conservative choice.
		return r.resolveServerWins(c)
	}

	r.mu.RLock()
	fieldStrategies := r.fieldStrategies[c.Local.Table]
	r.mu.RUnlock()

	diffSet := make(map[string]struct{}, len(c.FieldDiff))
	for _, f := range c.FieldDiff {
		diffSet[f] = struct{}{}
	}

	merged := unionFields(c.Local.Fields, c.Server.Fields)
	for field := range diffSet {
		strategy, ok := fieldStrategies[field]
		if !ok {
			strategy = FieldServerWins
		}
		if strategy == FieldClientWins {
			merged[field] = c.Local.Fields[field]
		} else {
			merged[field] = c.Server.Fields[field]
		}
	}

	return &Resolved{Fields: merged, Version: c.Server.Version + 1}
}

func validateResolution(r *Resolved) (*Resolved, error) {
	if r == nil {
		return nil, apierr.New(apierr.CodeInvalidResolution, "resolver returned nil result")
	}
	if !r.Deleted && r.Fields == nil {
		return nil, apierr.New(apierr.CodeInvalidResolution, "resolver returned no fields for a non-delete resolution")
	}
	return r, nil
}
