// Package client maintains the persistent websocket connection between the
// agent and the controller. It handles:
//   - Token exchange (POST /api/v1/token with the agent's credentials)
//   - Websocket dial and registration (presenting the persisted or overridden
//     agent id plus a capability report)
//   - The read loop (register_ack, execute_command, cancel_command)
//   - The send queue feeding the single writer goroutine
//   - Periodic agent_info refreshes so the controller sees current host facts
//   - Automatic reconnection with bounded exponential backoff + jitter
//
// The Client implements executor.Sink so the dispatcher can emit
// command_progress and command_result frames without knowing about
// websockets.
//
// State persistence: the agent id bound during the first successful
// registration is written to <state-dir>/agent-state.json and presented on
// every subsequent connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/protocol"
)

const (
	backoffMax    = 60 * time.Second
	backoffFactor = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously.
	jitterFraction = 0.2

	defaultReconnectDelay = 1 * time.Second

	// infoInterval is how often a connected agent refreshes its capability
	// report via agent_info.
	infoInterval = 60 * time.Second

	handshakeTimeout = 10 * time.Second
	tokenTimeout     = 10 * time.Second
	writeWait        = 10 * time.Second

	// sendBufferSize bounds the outbound queue. Progress frames beyond a
	// stalled connection's buffer are dropped; results block briefly and
	// then drop, with the controller's Lost detection as the backstop.
	sendBufferSize = 64
)

// ErrMaxAttemptsExceeded is returned by Run when the configured reconnect
// budget is spent without a successful registration. The process should exit
// with a distinguishable status so supervisors can tell a dead controller
// from a crash.
var ErrMaxAttemptsExceeded = errors.New("client: max reconnect attempts exceeded")

// Dispatcher is the slice of the executor dispatcher the client needs.
type Dispatcher interface {
	Enqueue(job protocol.ExecuteCommandPayload) error
	Cancel(commandID string) bool
}

// InfoCollector produces the capability report sent at registration and on
// the periodic agent_info refresh.
type InfoCollector interface {
	Collect(ctx context.Context) map[string]any
}

// Config holds everything needed to reach the controller.
type Config struct {
	// ControllerURL is the controller's base HTTP URL, e.g.
	// "http://controller:8080". The token endpoint and the websocket path
	// are derived from it.
	ControllerURL string
	Username      string
	Password      string
	// AgentID overrides the persisted identity when non-empty.
	AgentID string
	// StateDir is where agent-state.json lives.
	StateDir string
	// ReconnectDelay is the initial backoff interval. Zero means 1s.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed connections.
	// <= 0 means retry forever.
	MaxReconnectAttempts int
}

// Client maintains the connection and implements executor.Sink.
type Client struct {
	cfg        Config
	dispatcher Dispatcher
	info       InfoCollector
	logger     *zap.Logger
	httpClient *http.Client

	// mu protects conn and send — both are replaced on every reconnect.
	mu   sync.RWMutex
	conn *websocket.Conn
	send chan []byte
	// agentID is the identity bound by the controller's register_ack.
	agentID string
}

// New creates a Client. Call Run to start the connection loop.
func New(cfg Config, dispatcher Dispatcher, info InfoCollector, logger *zap.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		info:       info,
		logger:     logger.Named("client"),
		httpClient: &http.Client{Timeout: tokenTimeout},
	}
}

// AgentID returns the identity bound by the most recent registration, "" if
// the agent has never registered.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Run starts the connection loop: token → dial → register → serve, reconnect
// with backoff on any failure. Blocks until ctx is cancelled or the reconnect
// budget is spent, in which case it returns ErrMaxAttemptsExceeded.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectDelay
	attempts := 0

	for {
		if ctx.Err() != nil {
			c.logger.Info("connection loop stopped")
			return nil
		}

		c.logger.Info("connecting to controller", zap.String("url", c.cfg.ControllerURL))

		registered, err := c.connect(ctx)
		if ctx.Err() != nil {
			c.logger.Info("connection loop stopped")
			return nil
		}

		if registered {
			// A completed session — the budget applies to consecutive
			// failures, not total reconnects over the agent's lifetime.
			attempts = 0
			backoff = c.cfg.ReconnectDelay
		} else {
			attempts++
			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				c.logger.Error("reconnect budget spent, giving up",
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
				return ErrMaxAttemptsExceeded
			}
		}

		c.logger.Warn("connection ended, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("failed_attempts", attempts),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect runs one full session: fetch a token, dial, register, then serve
// the read loop until the connection dies. registered reports whether a
// register_ack arrived, which is what resets the reconnect budget.
func (c *Client) connect(ctx context.Context) (registered bool, err error) {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return false, err
	}

	wsURL, err := websocketURL(c.cfg.ControllerURL)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return false, fmt.Errorf("client: websocket dial failed (%s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("client: websocket dial failed: %w", err)
	}
	defer conn.Close()

	send := make(chan []byte, sendBufferSize)
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.send = nil
		c.mu.Unlock()
	}()

	// Session-scoped context so the writer and the info loop die with the
	// read loop.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(sessionCtx, conn, send)
	go c.infoLoop(sessionCtx)

	if err := c.register(ctx); err != nil {
		return false, err
	}

	return c.readLoop(sessionCtx, conn)
}

// fetchToken exchanges the agent's credentials for a bearer token.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	endpoint := strings.TrimRight(c.cfg.ControllerURL, "/") + "/api/v1/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("client: token request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: token request rejected: %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("client: bad token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("client: token response carries no token")
	}
	return body.AccessToken, nil
}

// register sends the register frame. Identity precedence: explicit override,
// then persisted state, then empty (the controller synthesizes one and
// returns it in register_ack).
func (c *Client) register(ctx context.Context) error {
	agentID := c.cfg.AgentID
	if agentID == "" {
		state, err := loadState(c.cfg.StateDir)
		if err != nil {
			c.logger.Warn("failed to load agent state, will re-register", zap.Error(err))
		}
		agentID = state.AgentID
	}

	return c.sendEvent(protocol.EventRegister, protocol.RegisterPayload{
		AgentID: agentID,
		Info:    c.info.Collect(ctx),
	})
}

// readLoop processes frames until the connection dies. Malformed frames are
// logged and skipped; the controller counts its own strikes.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) (registered bool, err error) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return registered, fmt.Errorf("client: connection closed: %w", err)
		}

		ev, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch ev.Type {
		case protocol.EventRegisterAck:
			if err := c.handleRegisterAck(ev); err != nil {
				return registered, err
			}
			registered = true

		case protocol.EventExecuteCommand:
			c.handleExecute(ev)

		case protocol.EventCancelCommand:
			c.handleCancel(ev)

		default:
			c.logger.Debug("ignoring event", zap.String("type", ev.Type))
		}
	}
}

// handleRegisterAck records the bound identity and persists it.
func (c *Client) handleRegisterAck(ev *protocol.Event) error {
	var ack protocol.RegisterAckPayload
	if err := ev.DecodePayload(&ack); err != nil {
		return err
	}
	if ack.Status != "ok" {
		return fmt.Errorf("client: registration refused: %s", ack.Message)
	}

	c.mu.Lock()
	c.agentID = ack.AssignedAgentID
	c.mu.Unlock()

	c.logger.Info("registered with controller", zap.String("agent_id", ack.AssignedAgentID))

	if err := saveState(c.cfg.StateDir, agentState{
		AgentID:       ack.AssignedAgentID,
		LastConnected: time.Now().UTC(),
	}); err != nil {
		// Non-fatal: the agent re-registers with a fresh identity on the
		// next restart at worst.
		c.logger.Warn("failed to persist agent state", zap.Error(err))
	}
	return nil
}

// handleExecute forwards an execute_command to the dispatcher. A full queue
// answers with an immediate failure result so the controller is not left
// waiting for a command that will never run.
func (c *Client) handleExecute(ev *protocol.Event) {
	var job protocol.ExecuteCommandPayload
	if err := ev.DecodePayload(&job); err != nil {
		c.logger.Warn("dropping malformed execute_command", zap.Error(err))
		return
	}
	if job.CommandID == "" {
		// The controller should always assign; synthesize locally so the
		// result frames still correlate.
		job.CommandID = fmt.Sprintf("local-%d", time.Now().UnixNano())
		c.logger.Warn("execute_command without command_id, synthesized one",
			zap.String("command_id", job.CommandID),
		)
	}

	if err := c.dispatcher.Enqueue(job); err != nil {
		c.logger.Error("failed to enqueue command",
			zap.String("command_id", job.CommandID),
			zap.Error(err),
		)
		c.SendResult(&protocol.ResultPayload{
			CommandID: job.CommandID,
			ExitCode:  -1,
			Stderr:    "agent command queue is full",
			ErrorKind: "execution_error",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// handleCancel forwards a cancel_command to the dispatcher.
func (c *Client) handleCancel(ev *protocol.Event) {
	var payload protocol.CancelCommandPayload
	if err := ev.DecodePayload(&payload); err != nil {
		c.logger.Warn("dropping malformed cancel_command", zap.Error(err))
		return
	}
	if !c.dispatcher.Cancel(payload.CommandID) {
		c.logger.Info("cancel for command not running here",
			zap.String("command_id", payload.CommandID),
		)
	}
}

// infoLoop refreshes the controller's view of this host via agent_info.
func (c *Client) infoLoop(ctx context.Context) {
	ticker := time.NewTicker(infoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendEvent(protocol.EventAgentInfo, protocol.AgentInfoPayload{
				Info: c.info.Collect(ctx),
			}); err != nil {
				c.logger.Warn("agent_info refresh failed", zap.Error(err))
			}
		}
	}
}

// writePump is the sole writer on the connection.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("write failed, closing connection", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// SendProgress implements executor.Sink. Progress is droppable: a frame that
// cannot be queued is discarded rather than blocking the worker.
func (c *Client) SendProgress(p *protocol.ProgressPayload) {
	if err := c.trySendEvent(protocol.EventCommandProgress, p); err != nil {
		c.logger.Debug("dropping progress frame",
			zap.String("command_id", p.CommandID),
			zap.Error(err),
		)
	}
}

// SendResult implements executor.Sink. A result that cannot be delivered is
// logged loudly — the controller's Lost detection covers the gap.
func (c *Client) SendResult(p *protocol.ResultPayload) {
	if err := c.trySendEvent(protocol.EventCommandResult, p); err != nil {
		c.logger.Error("failed to deliver command result",
			zap.String("command_id", p.CommandID),
			zap.Error(err),
		)
	}
}

// sendEvent queues one event for the writer, blocking while the buffer is
// full. Used for frames that must not be silently dropped while connected.
func (c *Client) sendEvent(eventType string, payload any) error {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	raw, err := ev.Marshal()
	if err != nil {
		return err
	}

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return errors.New("client: not connected")
	}
	send <- raw
	return nil
}

// trySendEvent queues one event without blocking.
func (c *Client) trySendEvent(eventType string, payload any) error {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	raw, err := ev.Marshal()
	if err != nil {
		return err
	}

	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return errors.New("client: not connected")
	}
	select {
	case send <- raw:
		return nil
	default:
		return errors.New("client: send buffer full")
	}
}

// websocketURL derives the /ws endpoint from the controller's base URL.
func websocketURL(controllerURL string) (string, error) {
	u, err := url.Parse(controllerURL)
	if err != nil {
		return "", fmt.Errorf("client: bad controller url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported controller url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// nextBackoff returns the next backoff interval, capped at backoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid thundering
// herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
