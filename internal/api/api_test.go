package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/auth"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
	"github.com/omiderfanmanesh/Ogent/internal/router"
)

// echoSender simulates an agent session: every execute_command it receives
// is answered with a successful result shortly after dispatch settles.
type echoSender struct {
	rtr      *router.Router
	delay    time.Duration
	received chan protocol.ExecuteCommandPayload
}

func (s *echoSender) SendToSession(_ string, ev *protocol.Event) error {
	if ev.Type != protocol.EventExecuteCommand {
		return nil
	}
	var p protocol.ExecuteCommandPayload
	if err := ev.DecodePayload(&p); err != nil {
		return err
	}
	select {
	case s.received <- p:
	default:
	}
	go func() {
		time.Sleep(s.delay)
		s.rtr.HandleResult(&protocol.ResultPayload{
			CommandID:     p.CommandID,
			ExitCode:      0,
			Stdout:        p.Command + "\n",
			ExecutionType: "local",
			Target:        "box",
		})
	}()
	return nil
}

type apiStack struct {
	agents   *registry.Registry
	commands *command.Registry
	tokens   *auth.TokenManager
	sender   *echoSender
	server   *httptest.Server
}

func newAPIStack(t *testing.T) *apiStack {
	t.Helper()
	logger := zap.NewNop()

	tokens, err := auth.NewTokenManager("test-secret", time.Hour)
	require.NoError(t, err)

	users := auth.NewUserStore()
	require.NoError(t, users.Add("admin", "swordfish", auth.RoleAdmin))
	require.NoError(t, users.Add("agent-svc", "agentpw", auth.RoleAgent))

	st := &apiStack{
		agents:   registry.New(logger),
		commands: command.New(0, nil, logger),
		tokens:   tokens,
	}
	st.sender = &echoSender{
		delay:    20 * time.Millisecond,
		received: make(chan protocol.ExecuteCommandPayload, 16),
	}
	rtr := router.New(router.Config{
		Agents:   st.agents,
		Commands: st.commands,
		Sender:   st.sender,
		Logger:   logger,
		Deadline: time.Minute,
		Grace:    time.Minute,
	})
	st.sender.rtr = rtr
	t.Cleanup(rtr.Close)

	handler := NewRouter(RouterConfig{
		Agents:   st.agents,
		Commands: st.commands,
		Router:   rtr,
		Users:    users,
		Tokens:   tokens,
		Logger:   logger,
	})
	st.server = httptest.NewServer(handler)
	t.Cleanup(st.server.Close)
	return st
}

func (st *apiStack) login(t *testing.T, username, password string) string {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	resp, err := http.PostForm(st.server.URL+"/api/v1/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "bearer", body.TokenType)
	require.NotEmpty(t, body.AccessToken)
	return body.AccessToken
}

// do issues an authenticated request with an optional JSON body.
func (st *apiStack) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, st.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapper))
	require.NoError(t, json.Unmarshal(wrapper.Data, out))
}

func TestTokenIssuance(t *testing.T) {
	st := newAPIStack(t)
	st.login(t, "admin", "swordfish")
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	st := newAPIStack(t)
	form := url.Values{"username": {"admin"}, "password": {"wrong"}}
	resp, err := http.PostForm(st.server.URL+"/api/v1/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	st := newAPIStack(t)
	resp := st.do(t, "", http.MethodGet, "/api/v1/agents", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	st := newAPIStack(t)

	resp, err := http.Get(st.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(st.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListAgents(t *testing.T) {
	st := newAPIStack(t)
	st.agents.Register("sid-1", "edge-7", map[string]any{"hostname": "box"})
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var agents []agentView
	decodeData(t, resp, &agents)
	require.Len(t, agents, 1)
	assert.Equal(t, "edge-7", agents[0].AgentID)
	assert.Equal(t, "box", agents[0].Info["hostname"])
}

func TestGetAgentNotFound(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteAsyncReturnsAccepted(t *testing.T) {
	st := newAPIStack(t)
	st.agents.Register("sid-1", "edge-7", nil)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/execute",
		executeRequest{Command: "uptime"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var cmd command.Command
	decodeData(t, resp, &cmd)
	assert.Equal(t, command.StatusDispatched, cmd.Status)
	assert.Equal(t, "admin", cmd.RequesterID)

	select {
	case got := <-st.sender.received:
		assert.Equal(t, cmd.CommandID, got.CommandID)
	case <-time.After(time.Second):
		t.Fatal("dispatch never reached the agent session")
	}
}

func TestExecuteWaitBlocksUntilTerminal(t *testing.T) {
	st := newAPIStack(t)
	st.agents.Register("sid-1", "edge-7", nil)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/execute",
		executeRequest{Command: "echo hi", Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cmd command.Command
	decodeData(t, resp, &cmd)
	assert.Equal(t, command.StatusCompleted, cmd.Status)
	require.NotNil(t, cmd.Result)
	assert.Equal(t, "echo hi\n", cmd.Result.Stdout)
}

func TestExecuteEmptyCommandIsUnprocessable(t *testing.T) {
	st := newAPIStack(t)
	st.agents.Register("sid-1", "edge-7", nil)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/execute",
		executeRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestExecuteUnknownAgentReturnsFailedRecord(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/ghost/execute",
		executeRequest{Command: "uptime"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var cmd command.Command
	decodeData(t, resp, &cmd)
	assert.Equal(t, command.StatusFailed, cmd.Status)
	assert.Equal(t, command.ReasonUndeliverable, cmd.FailureReason)
}

func TestCommandHistory(t *testing.T) {
	st := newAPIStack(t)
	st.agents.Register("sid-1", "edge-7", nil)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/execute",
		executeRequest{Command: "echo hi", Wait: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmd command.Command
	decodeData(t, resp, &cmd)

	resp = st.do(t, token, http.MethodGet, "/api/v1/commands?agent_id=edge-7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cmds []command.Command
	decodeData(t, resp, &cmds)
	require.Len(t, cmds, 1)
	assert.Equal(t, cmd.CommandID, cmds[0].CommandID)

	resp = st.do(t, token, http.MethodGet, "/api/v1/commands?requester=admin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cmds = nil
	decodeData(t, resp, &cmds)
	require.Len(t, cmds, 1)
	assert.Equal(t, cmd.CommandID, cmds[0].CommandID)

	resp = st.do(t, token, http.MethodGet, "/api/v1/commands?requester=nobody", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cmds = nil
	decodeData(t, resp, &cmds)
	assert.Empty(t, cmds)

	resp = st.do(t, token, http.MethodGet, "/api/v1/commands/"+cmd.CommandID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = st.do(t, token, http.MethodGet, "/api/v1/commands/"+cmd.CommandID+"x", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListCommandsRejectsBadLimit(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodGet, "/api/v1/commands?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelUnknownCommand(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/commands/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelInFlightCommand(t *testing.T) {
	st := newAPIStack(t)
	st.agents.Register("sid-1", "edge-7", nil)
	// Slow the echo agent down so the command is still in flight.
	st.sender.delay = 500 * time.Millisecond
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/execute",
		executeRequest{Command: "sleep 600"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var cmd command.Command
	decodeData(t, resp, &cmd)

	resp = st.do(t, token, http.MethodPost,
		fmt.Sprintf("/api/v1/commands/%s/cancel", cmd.CommandID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack map[string]string
	decodeData(t, resp, &ack)
	assert.Equal(t, "cancellation_requested", ack["status"])
}

func TestUsersMe(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me map[string]string
	decodeData(t, resp, &me)
	assert.Equal(t, "admin", me["username"])
	assert.Equal(t, auth.RoleAdmin, me["role"])
}

func TestAnalyzeWithoutAIBackend(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	resp := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/analyze",
		analyzeRequest{Command: "uptime"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := st.do(t, token, http.MethodPost, "/api/v1/agents/edge-7/analyze",
		analyzeRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, body.StatusCode)
}

func TestWrongBearerSchemeRejected(t *testing.T) {
	st := newAPIStack(t)
	token := st.login(t, "admin", "swordfish")

	req, err := http.NewRequest(http.MethodGet, st.server.URL+"/api/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.True(t, strings.Contains(resp.Header.Get("Content-Type"), "application/json"))
}
