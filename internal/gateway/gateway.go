// Package gateway owns the websocket endpoint of the controller: the HTTP
// upgrade with bearer authentication, the per-session read/write pumps, the
// register handshake that binds an agent identity to a session, and the
// translation between wire frames and router calls.
//
// The gateway never drives command state itself. Agent-origin events are
// handed to the router, and the router reaches sessions back through the
// SessionSender interface the gateway implements.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/auth"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/metrics"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
	"github.com/omiderfanmanesh/Ogent/internal/router"
)

var (
	// errSlowSession means a session's outbound buffer was full.
	errSlowSession = errors.New("gateway: session send buffer full")

	// ErrSessionNotFound is returned by SendToSession for unknown or
	// already-departed sessions.
	ErrSessionNotFound = errors.New("gateway: session not found")
)

// upgrader performs the HTTP → websocket protocol upgrade. CheckOrigin
// always returns true — origin validation belongs to the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenVerifier validates bearer tokens at upgrade time. Implemented by
// auth.TokenManager.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// CommandRouter is the slice of the router the gateway drives.
type CommandRouter interface {
	Execute(ctx context.Context, req router.Request) (*command.Command, error)
	HandleProgress(p *protocol.ProgressPayload)
	HandleResult(p *protocol.ResultPayload)
	HandleAgentConnected(agent *registry.Agent)
	HandleAgentDisconnected(agentID string)
}

// Gateway manages all live websocket sessions. Safe for concurrent use.
type Gateway struct {
	agents *registry.Registry
	tokens TokenVerifier
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	router   CommandRouter
}

// New creates a Gateway. BindRouter must be called before serving traffic;
// the router is constructed after the gateway because it sends through it.
func New(agents *registry.Registry, tokens TokenVerifier, logger *zap.Logger) *Gateway {
	return &Gateway{
		agents:   agents,
		tokens:   tokens,
		logger:   logger.Named("gateway"),
		sessions: make(map[string]*session),
	}
}

// BindRouter attaches the command router.
func (g *Gateway) BindRouter(r CommandRouter) {
	g.mu.Lock()
	g.router = r
	g.mu.Unlock()
}

// ServeHTTP upgrades an authenticated request to a websocket session and
// blocks until the connection closes. The bearer token travels in the
// Authorization header or, for clients that cannot set headers on the
// upgrade request, in the token query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:       uuid.NewString(),
		username: claims.Username,
		role:     claims.Role,
		gw:       g,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
	}
	s.logger = g.logger.With(
		zap.String("session_id", s.id),
		zap.String("username", claims.Username),
		zap.String("role", claims.Role),
		zap.String("remote_addr", r.RemoteAddr),
	)

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	metrics.Sessions.WithLabelValues(s.role).Inc()

	s.logger.Info("session opened")

	go s.writePump()
	s.readPump()
}

// authenticate extracts and verifies the bearer token of an upgrade request.
func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, auth.ErrTokenInvalid
	}
	return g.tokens.Verify(token)
}

// SendToSession delivers one event to a live local session. Implements the
// router's SessionSender. A full buffer is an error — the router treats an
// undeliverable execute as a failed command rather than blocking dispatch.
func (g *Gateway) SendToSession(sessionID string, ev *protocol.Event) error {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.sendEvent(ev); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	metrics.EventsTotal.WithLabelValues(ev.Type, "out").Inc()
	return nil
}

// CloseSession tears down one session by id, if present.
func (g *Gateway) CloseSession(sessionID string) {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if ok {
		_ = s.conn.Close()
	}
}

// Shutdown closes every live session.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	all := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.RUnlock()
	for _, s := range all {
		_ = s.conn.Close()
	}
}

// handleFrame dispatches one inbound frame. Returns false when the session
// must be closed (too many malformed frames).
func (g *Gateway) handleFrame(s *session, raw []byte) bool {
	ev, err := protocol.Decode(raw)
	if err != nil {
		return g.strike(s, err)
	}
	metrics.EventsTotal.WithLabelValues(ev.Type, "in").Inc()

	switch s.role {
	case auth.RoleAgent:
		return g.handleAgentFrame(s, ev)
	default:
		return g.handleRequesterFrame(s, ev)
	}
}

// strike counts a malformed frame against the session and closes it at the
// limit. Decodable-but-wrong payloads count the same as undecodable bytes.
func (g *Gateway) strike(s *session, err error) bool {
	metrics.ProtocolViolations.Inc()
	s.strikes++
	s.logger.Warn("malformed frame",
		zap.Int("strikes", s.strikes),
		zap.Error(err),
	)
	if s.strikes >= malformedLimit {
		s.logger.Warn("closing session after repeated malformed frames")
		return false
	}
	return true
}

// handleAgentFrame processes a frame from an agent-role session. Until the
// register exchange completes, register is the only accepted event.
func (g *Gateway) handleAgentFrame(s *session, ev *protocol.Event) bool {
	g.mu.RLock()
	agentID := s.agentID
	rtr := g.router
	g.mu.RUnlock()

	if agentID == "" && ev.Type != protocol.EventRegister {
		s.logger.Warn("dropping event from unregistered agent session",
			zap.String("event", ev.Type))
		return g.strike(s, fmt.Errorf("gateway: %s before register", ev.Type))
	}

	switch ev.Type {
	case protocol.EventRegister:
		return g.handleRegister(s, ev)

	case protocol.EventCommandProgress:
		var p protocol.ProgressPayload
		if err := ev.DecodePayload(&p); err != nil {
			return g.strike(s, err)
		}
		rtr.HandleProgress(&p)

	case protocol.EventCommandResult:
		var p protocol.ResultPayload
		if err := ev.DecodePayload(&p); err != nil {
			return g.strike(s, err)
		}
		rtr.HandleResult(&p)

	case protocol.EventAgentInfo:
		var p protocol.AgentInfoPayload
		if err := ev.DecodePayload(&p); err != nil {
			return g.strike(s, err)
		}
		if err := g.agents.UpdateInfo(agentID, p.Info); err != nil {
			s.logger.Warn("agent info update failed", zap.Error(err))
		}

	default:
		s.logger.Debug("ignoring unknown event type", zap.String("event", ev.Type))
	}
	return true
}

// handleRegister completes the agent handshake: bind an identity, ack it,
// announce presence. An agent that supplies no id gets one synthesized from
// the session id, so a fresh agent is addressable immediately.
func (g *Gateway) handleRegister(s *session, ev *protocol.Event) bool {
	var p protocol.RegisterPayload
	if err := ev.DecodePayload(&p); err != nil {
		return g.strike(s, err)
	}

	agentID := p.AgentID
	if agentID == "" {
		agentID = "agent-" + s.id
	}

	agent, evictedSession := g.agents.Register(s.id, agentID, p.Info)
	g.mu.Lock()
	s.agentID = agentID
	rtr := g.router
	g.mu.Unlock()

	// A previous session for the same agent id loses to the new one.
	if evictedSession != "" && evictedSession != s.id {
		s.logger.Info("evicting stale session for re-registered agent",
			zap.String("agent_id", agentID),
			zap.String("evicted_session", evictedSession),
		)
		g.CloseSession(evictedSession)
	}

	ack, err := protocol.NewEvent(protocol.EventRegisterAck, protocol.RegisterAckPayload{
		AssignedAgentID: agentID,
		Status:          "ok",
	})
	if err == nil {
		if err := s.sendEvent(ack); err != nil {
			s.logger.Warn("register ack send failed", zap.Error(err))
			return false
		}
	}

	s.logger.Info("agent registered", zap.String("agent_id", agentID))

	if rtr != nil {
		rtr.HandleAgentConnected(agent)
	}
	g.broadcastPresence(protocol.EventAgentConnected, agent)
	return true
}

// handleRequesterFrame processes a frame from a user-role session.
func (g *Gateway) handleRequesterFrame(s *session, ev *protocol.Event) bool {
	switch ev.Type {
	case protocol.EventExecuteRequest:
		var p protocol.ExecuteRequestPayload
		if err := ev.DecodePayload(&p); err != nil {
			return g.strike(s, err)
		}
		g.handleExecuteRequest(s, &p)

	default:
		s.logger.Debug("ignoring unknown event type", zap.String("event", ev.Type))
	}
	return true
}

// handleExecuteRequest submits a command on behalf of a requester session.
// Progress and the terminal result stream back on the same session.
func (g *Gateway) handleExecuteRequest(s *session, p *protocol.ExecuteRequestPayload) {
	g.mu.RLock()
	rtr := g.router
	g.mu.RUnlock()

	cmd, err := rtr.Execute(context.Background(), router.Request{
		AgentID:         p.AgentID,
		RequesterID:     s.username,
		RequesterSID:    s.id,
		Command:         p.Command,
		ExecutionTarget: p.ExecutionTarget,
		UseAI:           p.UseAI,
		System:          p.System,
		Context:         p.Context,
		Subscriber: func(ev *protocol.Event) {
			if err := s.sendEvent(ev); err != nil {
				s.logger.Warn("requester delivery failed",
					zap.String("event", ev.Type), zap.Error(err))
			}
		},
	})
	if err != nil {
		g.replyCommandResponse(s, protocol.CommandResponsePayload{
			Status:    "error",
			Message:   err.Error(),
			AgentID:   p.AgentID,
			Command:   p.Command,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	g.replyCommandResponse(s, protocol.CommandResponsePayload{
		Status:    "accepted",
		CommandID: cmd.CommandID,
		AgentID:   cmd.AgentID,
		Command:   cmd.Command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) replyCommandResponse(s *session, p protocol.CommandResponsePayload) {
	if ev, err := protocol.NewEvent(protocol.EventCommandResponse, p); err == nil {
		if err := s.sendEvent(ev); err != nil {
			s.logger.Warn("command response send failed", zap.Error(err))
		}
	}
}

// teardown removes a departed session, unbinds its agent identity if it had
// one, and announces the departure.
func (g *Gateway) teardown(s *session) {
	_ = s.conn.Close()

	g.mu.Lock()
	if _, ok := g.sessions[s.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.id)
	agentID := s.agentID
	rtr := g.router
	g.mu.Unlock()

	metrics.Sessions.WithLabelValues(s.role).Dec()
	s.logger.Info("session closed")

	if agentID == "" {
		return
	}

	// The registry may already point at a newer session for this agent id
	// (re-register raced the old teardown); only unbind if we still own it.
	unboundID, ok := g.agents.UnregisterSession(s.id)
	if !ok {
		return
	}
	if rtr != nil {
		rtr.HandleAgentDisconnected(unboundID)
	}
	g.broadcastPresence(protocol.EventAgentDisconnected, &registry.Agent{AgentID: unboundID})
}

// broadcastPresence pushes an agent_connected/agent_disconnected event to
// every requester session. Slow requesters just miss the announcement.
func (g *Gateway) broadcastPresence(eventType string, agent *registry.Agent) {
	payload := protocol.PresencePayload{
		AgentID: agent.AgentID,
	}
	if eventType == protocol.EventAgentConnected {
		payload.ConnectedAt = agent.ConnectedAt.Format(time.RFC3339)
		payload.Info = agent.Info
	}
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return
	}
	data, err := ev.Marshal()
	if err != nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		if s.role == auth.RoleAgent {
			continue
		}
		s.enqueue(data)
	}
}
