package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/nexusdb/nexus/internal/apierr"
)

// pushFrame is one result delivery for a subscription. Seq is
// monotonic per subscription so a client can detect a gap left by
// coalescing.
type pushFrame struct {
	SubscriptionID string       `json:"subscriptionId"`
	Seq            uint64       `json:"seq"`
	Result         any          `json:"result,omitempty"`
	Error          *apierr.Error `json:"error,omitempty"`
}

// MarshalJSON writes the frame with a "type" of "update", or "error"
// when Error is set.
func (f pushFrame) MarshalJSON() ([]byte, error) {
	frameType := "update"
	if f.Error != nil {
		frameType = "error"
	}
	type fields pushFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		fields
	}{frameType, fields(f)})
}

// Pusher delivers a push frame to a connected client. Implementations
// are expected to be non-blocking: a full send buffer should return
// ErrBackpressure rather than block, so Hub can coalesce.
type Pusher interface {
	Push(clientID string, frame any) error
}

// ErrBackpressure signals the pusher's send buffer is full. Hub
// retains only the most recent frame per subscription when this
// happens; the sequence number still advances.
var ErrBackpressure = errors.New("realtime: client send buffer full")

// ConnectionPusher adapts the per-socket Connection type (async queue,
// slow-client detection) to the Pusher interface Hub depends on.
type ConnectionPusher struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionPusher returns a Pusher backed by a connection registry
// the transport layer (internal/api's WebSocket handler) populates via
// Add/Remove as sockets open and close.
func NewConnectionPusher() *ConnectionPusher {
	return &ConnectionPusher{conns: make(map[string]*Connection)}
}

func (p *ConnectionPusher) Add(clientID string, conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[clientID] = conn
}

func (p *ConnectionPusher) Remove(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, clientID)
}

func (p *ConnectionPusher) Push(clientID string, frame any) error {
	p.mu.RLock()
	conn, ok := p.conns[clientID]
	p.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}
	err := conn.SendMessage(frame)
	if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrSlowClient) {
		return ErrBackpressure
	}
	return err
}
