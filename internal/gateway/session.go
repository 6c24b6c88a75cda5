package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// If the write does not complete within this window the connection is
	// closed — a stalled peer must not block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the controller waits for a pong reply after
	// sending a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the controller pings the peer. Must be less
	// than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Progress frames carry output
	// chunks, so this is generous compared to a control-only channel.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-session outbound channel.
	// A session whose buffer fills up is too slow and is disconnected to
	// prevent backpressure on dispatch.
	sendBufferSize = 32

	// malformedLimit is how many undecodable frames a session may produce
	// before it is disconnected.
	malformedLimit = 3
)

// session is one authenticated websocket connection, agent or requester.
// Identity fields are set at upgrade time and read-only afterwards except
// agentID, which the register exchange fills in under the gateway's lock.
type session struct {
	id       string
	username string
	role     string

	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// agentID is non-empty once an agent session completed registration.
	// Guarded by gw.mu.
	agentID string

	// strikes counts malformed frames. Only touched by readPump.
	strikes int
}

// enqueue hands a marshalled event to the writePump without blocking.
// Reports false when the session's buffer is full or already closed; the
// caller decides whether that is fatal for the session.
func (s *session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent marshals ev and enqueues it.
func (s *session) sendEvent(ev *protocol.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	if !s.enqueue(data) {
		return errSlowSession
	}
	return nil
}

// readPump reads frames off the wire and hands them to the gateway's event
// dispatch. It owns the read side of the connection: deadline management,
// pong handling, and the malformed-frame strike counter.
//
// When the loop exits the session is torn down, which for a registered agent
// triggers the grace clock on its in-flight commands.
func (s *session) readPump() {
	defer s.gw.teardown(s)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		if !s.gw.handleFrame(s, raw) {
			return
		}
	}
}

// writePump forwards queued frames to the wire and keeps the connection
// alive with periodic pings. It is the only goroutine writing to conn —
// gorilla connections are not safe for concurrent writes.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
