package realtime

import "time"

// State is a client session's position in the connection lifecycle.
//
//	Disconnected --(open)--> Connected --(close)--> Reconnecting --(expire)--> Closed
//	                              ^                      |
//	                              +---------(open)-------+
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// session holds everything Hub tracks about one client_id. Its
// subscriptions live in Hub's own registry, not here, so that
// unsubscribe/subscribe bookkeeping stays in one place.
type session struct {
	id                string
	state             State
	principal         map[string]any
	order             []string // subscription ids in registration order, for reconnect replay
	pending           map[string]pushFrame
	lastHeartbeat     time.Time
	reconnectDeadline time.Time
}

func newSession(id string) *session {
	return &session{
		id:      id,
		state:   StateDisconnected,
		pending: make(map[string]pushFrame),
	}
}

func (s *session) trackOrder(subID string) {
	for _, id := range s.order {
		if id == subID {
			return
		}
	}
	s.order = append(s.order, subID)
}

func (s *session) untrackOrder(subID string) {
	for i, id := range s.order {
		if id == subID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
