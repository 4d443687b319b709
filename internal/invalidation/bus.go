// Package invalidation translates committed document writes into the set
// of live subscriptions that must re-run. It holds no subscription state
// of its own: the registry is supplied by the caller (SubscriptionHub) on
// every Match call, and the bus is safe for concurrent use because it
// never mutates anything.
package invalidation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/pubsub"
)

// Subscribed describes one live subscription as far as invalidation
// matching is concerned: its id and the query path it was registered
// under. SubscriptionHub supplies a snapshot of these on every write.
type Subscribed struct {
	SubscriptionID string
	QueryPath      string
}

// Event is the cross-instance wire shape published on the fanout
// channel so that every Nexus instance's local SubscriptionHub
// re-evaluates its own subscriptions against the same write.
type Event struct {
	Table      string   `json:"table"`
	ChangedIDs []string `json:"changed_ids"`
}

// Bus computes the conservative invalidation set for a committed write
// and, when a PubSub backend is attached, republishes the event so
// other instances can do the same against their own local registries.
type Bus struct {
	ps      pubsub.PubSub
	channel string
}

const defaultChannel = "nexus:invalidation"

// New returns a Bus with no cross-instance fanout. Attach one with
// SetPubSub for multi-instance deployments.
func New() *Bus {
	return &Bus{channel: defaultChannel}
}

// SetPubSub attaches a cross-instance fanout backend. Passing nil
// disables fanout (single-instance mode, the default).
func (b *Bus) SetPubSub(ps pubsub.PubSub) {
	b.ps = ps
}

// Match returns the subset of subscribed that must re-run because of a
// write to table. A subscription is invalidated when table appears as
// a whole colon-delimited segment of its query_path — "messages" does
// not invalidate "comments:list", but does invalidate "messages:list"
// and "room:messages:recent" alike. False positives are acceptable;
// false negatives are not, so this must never narrow beyond segment
// equality (no prefix/suffix trimming, no case folding).
func (b *Bus) Match(table string, subscribed []Subscribed) []string {
	if table == "" {
		return nil
	}
	var matched []string
	for _, s := range subscribed {
		if pathNamesTable(s.QueryPath, table) {
			matched = append(matched, s.SubscriptionID)
		}
	}
	return matched
}

func pathNamesTable(queryPath, table string) bool {
	for _, segment := range strings.Split(queryPath, ":") {
		if segment == table {
			return true
		}
	}
	return false
}

// Publish republishes a committed write on the fanout channel, if one
// is attached. It is fire-and-forget with respect to the caller's own
// local invalidation, which the caller (DocumentStore's onCommit
// callback wired into SubscriptionHub) has already computed directly
// via Match — Publish exists purely so *other* instances learn about
// the write.
func (b *Bus) Publish(ctx context.Context, table string, changedIDs []string) {
	if b.ps == nil {
		return
	}
	payload, err := json.Marshal(Event{Table: table, ChangedIDs: changedIDs})
	if err != nil {
		log.Error().Err(err).Str("table", table).Msg("invalidation: marshal event")
		return
	}
	if err := b.ps.Publish(ctx, b.channel, payload); err != nil {
		log.Error().Err(err).Str("table", table).Msg("invalidation: publish event")
	}
}

// Subscribe listens for invalidation events published by other
// instances and invokes fn for each. The returned error is non-nil
// only if the attached backend's Subscribe call itself fails; fn is
// invoked for the lifetime of ctx or until the backend's channel
// closes.
func (b *Bus) Subscribe(ctx context.Context, fn func(Event)) error {
	if b.ps == nil {
		return nil
	}
	msgs, err := b.ps.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				log.Error().Err(err).Msg("invalidation: decode event")
				continue
			}
			fn(evt)
		}
	}()
	return nil
}
