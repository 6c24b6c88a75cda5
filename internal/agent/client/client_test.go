package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/api"
	"github.com/omiderfanmanesh/Ogent/internal/auth"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/gateway"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
	"github.com/omiderfanmanesh/Ogent/internal/router"
)

const (
	testUser = "agent-svc"
	testPass = "agentpw"
)

// fakeController stands in for the controller: a token endpoint plus a
// websocket handler that acks registrations and relays frames through
// channels the test can drive.
type fakeController struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	authHeader string

	// frames carries everything the agent sends; outbound is written to the
	// agent's connection by the handler.
	frames   chan *protocol.Event
	outbound chan *protocol.Event
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	fc := &fakeController{
		t:        t,
		frames:   make(chan *protocol.Event, 32),
		outbound: make(chan *protocol.Event, 32),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("username") != testUser || r.FormValue("password") != testPass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// Same shape the real token endpoint writes: the payload is not
		// wrapped in a data envelope.
		w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/ws", fc.serveWS)

	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeController) serveWS(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	fc.authHeader = r.Header.Get("Authorization")
	fc.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-fc.outbound:
				raw, _ := ev.Marshal()
				if conn.WriteMessage(websocket.TextMessage, raw) != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.Decode(raw)
		if err != nil {
			continue
		}

		if ev.Type == protocol.EventRegister {
			var reg protocol.RegisterPayload
			if ev.DecodePayload(&reg) == nil {
				assigned := reg.AgentID
				if assigned == "" {
					assigned = "agent-assigned"
				}
				ack, _ := protocol.NewEvent(protocol.EventRegisterAck, protocol.RegisterAckPayload{
					AssignedAgentID: assigned,
					Status:          "ok",
				})
				fc.outbound <- ack
			}
		}

		fc.frames <- ev
	}
}

// waitFrame reads agent frames until one of the wanted type arrives.
func (fc *fakeController) waitFrame(t *testing.T, eventType string) *protocol.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-fc.frames:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", eventType)
			return nil
		}
	}
}

func (fc *fakeController) sendToAgent(t *testing.T, eventType string, payload any) {
	t.Helper()
	ev, err := protocol.NewEvent(eventType, payload)
	require.NoError(t, err)
	fc.outbound <- ev
}

// fakeDispatcher records enqueued jobs and cancellations.
type fakeDispatcher struct {
	mu        sync.Mutex
	jobs      []protocol.ExecuteCommandPayload
	cancelled []string
	enqueueFn func(protocol.ExecuteCommandPayload) error
}

func (d *fakeDispatcher) Enqueue(job protocol.ExecuteCommandPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	if d.enqueueFn != nil {
		return d.enqueueFn(job)
	}
	return nil
}

func (d *fakeDispatcher) Cancel(commandID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, commandID)
	return true
}

// staticInfo is a deterministic InfoCollector.
type staticInfo map[string]any

func (s staticInfo) Collect(ctx context.Context) map[string]any { return s }

func startClient(t *testing.T, fc *fakeController, dispatcher Dispatcher, tweak func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ControllerURL:  fc.srv.URL,
		Username:       testUser,
		Password:       testPass,
		StateDir:       t.TempDir(),
		ReconnectDelay: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	c := New(cfg, dispatcher, staticInfo{"platform": "test"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("client did not stop")
		}
	})
	return c
}

func TestRegistersWithBearerTokenAndInfo(t *testing.T) {
	fc := newFakeController(t)
	c := startClient(t, fc, &fakeDispatcher{}, nil)

	ev := fc.waitFrame(t, protocol.EventRegister)
	var reg protocol.RegisterPayload
	require.NoError(t, ev.DecodePayload(&reg))
	assert.Empty(t, reg.AgentID, "first run has no persisted identity")
	assert.Equal(t, "test", reg.Info["platform"])

	fc.mu.Lock()
	auth := fc.authHeader
	fc.mu.Unlock()
	assert.Equal(t, "Bearer tok-123", auth)

	assert.Eventually(t, func() bool {
		return c.AgentID() == "agent-assigned"
	}, 3*time.Second, 10*time.Millisecond)
}

// TestRegistersAgainstControllerStack runs the real client against the real
// token endpoint and gateway, so the two sides cannot drift apart on the
// wire shape of either exchange.
func TestRegistersAgainstControllerStack(t *testing.T) {
	logger := zap.NewNop()

	tokens, err := auth.NewTokenManager("e2e-secret", time.Hour)
	require.NoError(t, err)
	users := auth.NewUserStore()
	require.NoError(t, users.Add(testUser, testPass, auth.RoleAgent))

	agents := registry.New(logger)
	commands := command.New(0, nil, logger)
	gw := gateway.New(agents, tokens, logger)
	rtr := router.New(router.Config{
		Agents:   agents,
		Commands: commands,
		Sender:   gw,
		Logger:   logger,
		Deadline: time.Minute,
		Grace:    time.Minute,
	})
	t.Cleanup(rtr.Close)
	gw.BindRouter(rtr)

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Agents:   agents,
		Commands: commands,
		Router:   rtr,
		Users:    users,
		Tokens:   tokens,
		Logger:   logger,
		Gateway:  gw,
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(gw.Shutdown)

	c := New(Config{
		ControllerURL:        srv.URL,
		Username:             testUser,
		Password:             testPass,
		StateDir:             t.TempDir(),
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}, &fakeDispatcher{}, staticInfo{"platform": "test"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("client did not stop")
		}
	})

	assert.Eventually(t, func() bool {
		return c.AgentID() != "" && len(agents.List()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistrationPersistsAssignedIdentity(t *testing.T) {
	fc := newFakeController(t)
	stateDir := t.TempDir()
	c := startClient(t, fc, &fakeDispatcher{}, func(cfg *Config) {
		cfg.StateDir = stateDir
	})

	fc.waitFrame(t, protocol.EventRegister)
	assert.Eventually(t, func() bool {
		return c.AgentID() == "agent-assigned"
	}, 3*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		state, err := loadState(stateDir)
		return err == nil && state.AgentID == "agent-assigned"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPersistedIdentityIsPresented(t *testing.T) {
	fc := newFakeController(t)
	stateDir := t.TempDir()
	require.NoError(t, saveState(stateDir, agentState{AgentID: "agent-durable"}))

	startClient(t, fc, &fakeDispatcher{}, func(cfg *Config) {
		cfg.StateDir = stateDir
	})

	ev := fc.waitFrame(t, protocol.EventRegister)
	var reg protocol.RegisterPayload
	require.NoError(t, ev.DecodePayload(&reg))
	assert.Equal(t, "agent-durable", reg.AgentID)
}

func TestOverrideBeatsPersistedIdentity(t *testing.T) {
	fc := newFakeController(t)
	stateDir := t.TempDir()
	require.NoError(t, saveState(stateDir, agentState{AgentID: "agent-durable"}))

	startClient(t, fc, &fakeDispatcher{}, func(cfg *Config) {
		cfg.StateDir = stateDir
		cfg.AgentID = "agent-override"
	})

	ev := fc.waitFrame(t, protocol.EventRegister)
	var reg protocol.RegisterPayload
	require.NoError(t, ev.DecodePayload(&reg))
	assert.Equal(t, "agent-override", reg.AgentID)
}

func TestExecuteCommandReachesDispatcher(t *testing.T) {
	fc := newFakeController(t)
	dispatcher := &fakeDispatcher{}
	startClient(t, fc, dispatcher, nil)

	fc.waitFrame(t, protocol.EventRegister)
	fc.sendToAgent(t, protocol.EventExecuteCommand, protocol.ExecuteCommandPayload{
		CommandID:       "cmd-1",
		Command:         "uptime",
		ExecutionTarget: protocol.TargetAuto,
	})

	assert.Eventually(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return len(dispatcher.jobs) == 1 && dispatcher.jobs[0].CommandID == "cmd-1"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCancelCommandReachesDispatcher(t *testing.T) {
	fc := newFakeController(t)
	dispatcher := &fakeDispatcher{}
	startClient(t, fc, dispatcher, nil)

	fc.waitFrame(t, protocol.EventRegister)
	fc.sendToAgent(t, protocol.EventCancelCommand, protocol.CancelCommandPayload{CommandID: "cmd-9"})

	assert.Eventually(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return len(dispatcher.cancelled) == 1 && dispatcher.cancelled[0] == "cmd-9"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFullQueueAnswersWithFailureResult(t *testing.T) {
	fc := newFakeController(t)
	dispatcher := &fakeDispatcher{
		enqueueFn: func(protocol.ExecuteCommandPayload) error {
			return assert.AnError
		},
	}
	startClient(t, fc, dispatcher, nil)

	fc.waitFrame(t, protocol.EventRegister)
	fc.sendToAgent(t, protocol.EventExecuteCommand, protocol.ExecuteCommandPayload{
		CommandID:       "cmd-overflow",
		Command:         "uptime",
		ExecutionTarget: protocol.TargetAuto,
	})

	ev := fc.waitFrame(t, protocol.EventCommandResult)
	var res protocol.ResultPayload
	require.NoError(t, ev.DecodePayload(&res))
	assert.Equal(t, "cmd-overflow", res.CommandID)
	assert.Equal(t, "execution_error", res.ErrorKind)
	assert.NotZero(t, res.ExitCode)
}

func TestSinkDeliversProgressAndResult(t *testing.T) {
	fc := newFakeController(t)
	c := startClient(t, fc, &fakeDispatcher{}, nil)

	fc.waitFrame(t, protocol.EventRegister)
	assert.Eventually(t, func() bool { return c.AgentID() != "" }, 3*time.Second, 10*time.Millisecond)

	c.SendProgress(&protocol.ProgressPayload{CommandID: "cmd-1", Status: "running", StdoutChunk: "hi\n"})
	c.SendResult(&protocol.ResultPayload{CommandID: "cmd-1", ExitCode: 0, Stdout: "hi\n"})

	prog := fc.waitFrame(t, protocol.EventCommandProgress)
	var p protocol.ProgressPayload
	require.NoError(t, prog.DecodePayload(&p))
	assert.Equal(t, "hi\n", p.StdoutChunk)

	res := fc.waitFrame(t, protocol.EventCommandResult)
	var r protocol.ResultPayload
	require.NoError(t, res.DecodePayload(&r))
	assert.Equal(t, "cmd-1", r.CommandID)
}

func TestMaxReconnectAttemptsGivesUp(t *testing.T) {
	// A controller that rejects every token request forces connect failures.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{
		ControllerURL:        srv.URL,
		Username:             testUser,
		Password:             testPass,
		StateDir:             t.TempDir(),
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
	}, &fakeDispatcher{}, staticInfo{}, zap.NewNop())

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxAttemptsExceeded)
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	state, err := loadState(dir)
	require.NoError(t, err)
	assert.Empty(t, state.AgentID)

	require.NoError(t, saveState(dir, agentState{AgentID: "agent-1"}))
	state, err = loadState(dir)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", state.AgentID)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-state.json", entries[0].Name())
}

func TestCorruptedStateFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-state.json"), []byte("{nope"), 0600))

	_, err := loadState(dir)
	assert.Error(t, err)
}

func TestWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://ctrl:8080":   "ws://ctrl:8080/ws",
		"https://ctrl":       "wss://ctrl/ws",
		"http://ctrl:8080/":  "ws://ctrl:8080/ws",
		"ws://ctrl:8080":     "ws://ctrl:8080/ws",
	} {
		got, err := websocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %s", in)
	}

	_, err := websocketURL("ftp://ctrl")
	assert.Error(t, err)
}
