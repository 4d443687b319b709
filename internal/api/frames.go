// Package api is the HTTP and WebSocket gateway: it translates
// /api/query, /api/mutation, /api/action requests and the WebSocket
// subscription protocol into calls against DocumentStore,
// SubscriptionHub, the sync resolver, and the scheduler, and
// translates their results (and *apierr.Error failures) back onto
// the wire.
package api

import "encoding/json"

// clientFrame is the envelope every inbound WebSocket message is
// decoded into before dispatch on Type.
type clientFrame struct {
	Type           string          `json:"type"`
	Token          string          `json:"token,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	QueryPath      string          `json:"queryPath,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
}

const (
	frameAuthenticate = "authenticate"
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	framePing         = "ping"
)

// serverFrame is the envelope every outbound control message (as
// opposed to a subscription push, which pusher.go's pushFrame shape
// already covers) is built from.
type serverFrame struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Message        string `json:"message,omitempty"`
	Code           string `json:"code,omitempty"`
}

const (
	frameAuthenticated = "authenticated"
	frameSubscribed    = "subscribed"
	frameError         = "error"
	framePong          = "pong"
)

// queryRequest is the body of a POST /api/query, /api/mutation, or
// /api/action call.
type queryRequest struct {
	Path   string          `json:"path"`
	Args   json.RawMessage `json:"args"`
	Format string          `json:"format,omitempty"`
}

// queryResponse is the success body for all three HTTP endpoints.
type queryResponse struct {
	Value any `json:"value"`
}
