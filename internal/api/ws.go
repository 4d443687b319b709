package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gofiber/contrib/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/realtime"
)

// handleConnection owns one physical WebSocket for its lifetime. It
// starts under a throwaway anonymous id (good enough for an
// unauthenticated ping/error exchange) and re-homes itself to a
// stable, token-derived id the moment an authenticate frame decodes a
// subject claim, so a reconnecting socket that presents the same
// subject lands back on the same Hub session instead of a fresh,
// empty one.
func (s *Server) handleConnection(c *websocket.Conn) {
	clientID := uuid.New().String()
	conn := realtime.NewConnection(clientID, c)
	s.pusher.Add(clientID, conn)
	s.hub.Connect(clientID)

	defer func() {
		s.hub.Disconnect(clientID)
		s.pusher.Remove(clientID)
		_ = conn.Close()
	}()

	for {
		var frame clientFrame
		if err := c.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", clientID).Msg("api: websocket read error")
			}
			return
		}
		clientID = s.dispatch(clientID, conn, frame)
	}
}

// dispatch handles one decoded frame and returns the client id this
// connection should use from here on (unchanged, unless the frame was
// an authenticate that re-homed the connection to a stable id).
func (s *Server) dispatch(clientID string, conn *realtime.Connection, frame clientFrame) string {
	ctx := context.Background()
	var cancel context.CancelFunc
	if s.cfg.RequestDeadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestDeadline)
		defer cancel()
	}

	switch frame.Type {
	case frameAuthenticate:
		return s.handleAuthenticate(clientID, conn, frame)
	case frameSubscribe:
		s.handleSubscribe(ctx, clientID, conn, frame)
	case frameUnsubscribe:
		s.hub.Unsubscribe(clientID, frame.SubscriptionID)
	case framePing:
		s.hub.Heartbeat(clientID)
		_ = conn.SendMessage(serverFrame{Type: framePong})
	default:
		_ = conn.SendMessage(serverFrame{Type: frameError, Message: "unknown frame type", Code: string(apierr.CodeProtocolError)})
	}
	return clientID
}

// handleAuthenticate decodes the bearer token and, if it carries a
// subject claim, re-homes this connection from its current id onto
// the subject's stable id before recording the claims as the
// session's principal. A reconnecting socket that authenticates with
// the same subject therefore resumes the Reconnecting session Hub
// already retained for it, instead of starting a new empty one. The
// session is connected only after the reply is queued, so any replay
// of retained subscriptions follows the authenticated frame.
func (s *Server) handleAuthenticate(clientID string, conn *realtime.Connection, frame clientFrame) string {
	stableID, ok := stableClientID(frame.Token)
	rehomed := ok && stableID != clientID
	if rehomed {
		s.pusher.Remove(clientID)
		s.hub.Disconnect(clientID)
		s.pusher.Add(stableID, conn)
		clientID = stableID
	}

	if err := s.hub.Authenticate(clientID, frame.Token); err != nil {
		writeError(conn, "", err)
	} else {
		_ = conn.SendMessage(serverFrame{Type: frameAuthenticated})
	}
	if rehomed {
		s.hub.Connect(clientID)
	}
	return clientID
}

// stableClientID derives a deterministic client id from a bearer
// token's subject claim, so the same principal always maps to the
// same Hub session regardless of which physical socket it arrives on.
// It reports false for tokens that fail to decode or carry no subject.
func stableClientID(token string) (string, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", false
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(sub))
	return "client_" + hex.EncodeToString(sum[:])[:24], true
}

func (s *Server) handleSubscribe(ctx context.Context, clientID string, conn *realtime.Connection, frame clientFrame) {
	args, err := decodeArgs(frame.Args)
	if err != nil {
		writeError(conn, frame.SubscriptionID, err)
		return
	}
	if frame.QueryPath == "" {
		writeError(conn, frame.SubscriptionID, apierr.New(apierr.CodeProtocolError, `subscribe requires "queryPath"`))
		return
	}

	id, err := s.hub.Subscribe(ctx, clientID, frame.QueryPath, args)
	if err != nil {
		writeError(conn, frame.SubscriptionID, err)
		return
	}
	// The server-computed id is canonical and is the only id this ack
	// carries; a client-supplied subscriptionId is echoed back only on
	// error frames.
	_ = conn.SendMessage(serverFrame{Type: frameSubscribed, SubscriptionID: id})
}

func writeError(conn *realtime.Connection, subscriptionID string, err error) {
	apiErr := apierr.Internal(err)
	_ = conn.SendMessage(serverFrame{
		Type:           frameError,
		SubscriptionID: subscriptionID,
		Message:        apiErr.Message,
		Code:           string(apiErr.Code),
	})
}
