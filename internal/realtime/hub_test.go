package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus/internal/invalidation"
)

type fakePusher struct {
	mu      sync.Mutex
	frames  map[string][]pushFrame
	fail    map[string]error
	pushLog []string
}

func newFakePusher() *fakePusher {
	return &fakePusher{frames: make(map[string][]pushFrame), fail: make(map[string]error)}
}

func (f *fakePusher) Push(clientID string, frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushLog = append(f.pushLog, clientID)
	if err, ok := f.fail[clientID]; ok && err != nil {
		return err
	}
	pf, ok := frame.(pushFrame)
	if !ok {
		return nil
	}
	f.frames[clientID] = append(f.frames[clientID], pf)
	return nil
}

func (f *fakePusher) last(clientID string) (pushFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[clientID]
	if len(frames) == 0 {
		return pushFrame{}, false
	}
	return frames[len(frames)-1], true
}

func (f *fakePusher) count(clientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames[clientID])
}

func staticQuery(result any) QueryFunc {
	return func(ctx context.Context, queryPath string, args map[string]any) (any, error) {
		return result, nil
	}
}

func newTestHub(pusher Pusher, qf QueryFunc) *Hub {
	bus := invalidation.New()
	h := New(bus, qf, pusher, Config{ReconnectGraceWindow: 50 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond})
	return h
}

func TestSubscribe_PushesInitialResult(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(map[string]any{"count": 1}))

	h.Connect("client-1")
	id, err := h.Subscribe(context.Background(), "client-1", "messages:list", map[string]any{"room": "a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	frame, ok := pusher.last("client-1")
	require.True(t, ok)
	assert.Equal(t, id, frame.SubscriptionID)
	assert.EqualValues(t, 1, frame.Seq)
}

func TestSubscribe_Dedup_SameArgsReturnsSameID(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(1))
	h.Connect("client-1")

	id1, err := h.Subscribe(context.Background(), "client-1", "messages:list", map[string]any{"room": "a"})
	require.NoError(t, err)
	id2, err := h.Subscribe(context.Background(), "client-1", "messages:list", map[string]any{"room": "a"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestSubscribe_DifferentArgsYieldDifferentIDs(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(1))
	h.Connect("client-1")

	id1, err := h.Subscribe(context.Background(), "client-1", "messages:list", map[string]any{"room": "a"})
	require.NoError(t, err)
	id2, err := h.Subscribe(context.Background(), "client-1", "messages:list", map[string]any{"room": "b"})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestUnsubscribe_RefCountZeroRemovesEntry(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(1))
	h.Connect("client-1")

	id, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)
	_, err = h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)

	h.Unsubscribe("client-1", id)
	h.mu.Lock()
	_, stillPresent := h.subs[id]
	h.mu.Unlock()
	assert.True(t, stillPresent, "refcount should still be 1")

	h.Unsubscribe("client-1", id)
	h.mu.Lock()
	_, stillPresent = h.subs[id]
	h.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestOnWrite_MatchingPathRecomputesAndPushesOnChange(t *testing.T) {
	pusher := newFakePusher()
	calls := 0
	qf := func(ctx context.Context, queryPath string, args map[string]any) (any, error) {
		calls++
		return calls, nil
	}
	h := newTestHub(pusher, qf)
	h.Connect("client-1")

	id, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pusher.count("client-1"))

	h.OnWrite(context.Background(), "messages", []string{"doc-1"})
	assert.Equal(t, 2, pusher.count("client-1"))

	frame, ok := pusher.last("client-1")
	require.True(t, ok)
	assert.Equal(t, id, frame.SubscriptionID)
	assert.EqualValues(t, 2, frame.Seq)
}

func TestOnWrite_UnrelatedTableDoesNotRecompute(t *testing.T) {
	pusher := newFakePusher()
	calls := 0
	qf := func(ctx context.Context, queryPath string, args map[string]any) (any, error) {
		calls++
		return calls, nil
	}
	h := newTestHub(pusher, qf)
	h.Connect("client-1")

	_, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	h.OnWrite(context.Background(), "comments", []string{"doc-1"})
	assert.Equal(t, 1, calls, "unrelated table must not trigger re-execution")
}

func TestOnWrite_UnchangedResultDoesNotPush(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(map[string]any{"count": 1}))
	h.Connect("client-1")

	_, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pusher.count("client-1"))

	h.OnWrite(context.Background(), "messages", []string{"doc-1"})
	assert.Equal(t, 1, pusher.count("client-1"), "identical result hash must not re-push")
}

func TestDisconnectReconnect_ReplaysRetainedSubscriptions(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(42))
	h.Connect("client-1")

	_, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)
	before := pusher.count("client-1")

	h.Disconnect("client-1")
	h.OnWrite(context.Background(), "messages", []string{"x"}) // result unchanged, cached only

	h.Connect("client-1")
	assert.Equal(t, before+1, pusher.count("client-1"), "reconnect must replay the retained subscription exactly once even though its result never changed")
}

func TestDisconnect_NoPushWhileReconnecting(t *testing.T) {
	pusher := newFakePusher()
	calls := 0
	qf := func(ctx context.Context, queryPath string, args map[string]any) (any, error) {
		calls++
		return calls, nil
	}
	h := newTestHub(pusher, qf)
	h.Connect("client-1")

	_, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)
	countAfterSub := pusher.count("client-1")

	h.Disconnect("client-1")
	h.OnWrite(context.Background(), "messages", []string{"x"}) // changes the result (calls increments)

	assert.Equal(t, countAfterSub, pusher.count("client-1"), "no frame should be delivered while reconnecting")
}

func TestAuthenticate_InvalidTokenReturnsError(t *testing.T) {
	h := newTestHub(newFakePusher(), staticQuery(1))
	err := h.Authenticate("client-1", "not-a-jwt")
	assert.Error(t, err)
}

func TestSubscriptionID_DeterministicAcrossArgOrdering(t *testing.T) {
	id1, err := subscriptionID("c1", "messages:list", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	id2, err := subscriptionID("c1", "messages:list", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestStats_ReflectsConnectionsAndSubscriptions(t *testing.T) {
	pusher := newFakePusher()
	h := newTestHub(pusher, staticQuery(1))
	h.Connect("client-1")
	h.Connect("client-2")
	_, err := h.Subscribe(context.Background(), "client-1", "messages:list", nil)
	require.NoError(t, err)

	conns, subs := h.Stats()
	assert.Equal(t, 2, conns)
	assert.Equal(t, 1, subs)
}
