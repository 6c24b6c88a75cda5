package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/ai"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
)

// fakeSender records events emitted to sessions and can be told to fail.
type fakeSender struct {
	mu     sync.Mutex
	sent   []*protocol.Event
	failFn func(sessionID string) error
}

func (s *fakeSender) SendToSession(sessionID string, ev *protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFn != nil {
		if err := s.failFn(sessionID); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSender) events() []*protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Event, len(s.sent))
	copy(out, s.sent)
	return out
}

// collector is a Subscriber that remembers everything it was handed.
type collector struct {
	mu     sync.Mutex
	events []*protocol.Event
}

func (c *collector) sub() Subscriber {
	return func(ev *protocol.Event) {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	}
}

func (c *collector) all() []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) terminals() []protocol.ResultPayload {
	var out []protocol.ResultPayload
	for _, ev := range c.all() {
		if ev.Type == protocol.EventCommandResult {
			var p protocol.ResultPayload
			if ev.DecodePayload(&p) == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

// stubAI answers every stage from canned values.
type stubAI struct {
	report *ai.Report
	err    error
}

func (s *stubAI) Process(context.Context, string, string, string) (*ai.Report, error) {
	return s.report, s.err
}

func (s *stubAI) Enabled() bool { return true }

type harness struct {
	agents   *registry.Registry
	commands *command.Registry
	sender   *fakeSender
	router   *Router
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		agents:   registry.New(logger),
		commands: command.New(0, nil, logger),
		sender:   &fakeSender{},
	}
	cfg := Config{
		Agents:   h.agents,
		Commands: h.commands,
		Sender:   h.sender,
		Logger:   logger,
		Deadline: time.Minute,
		Grace:    time.Minute,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.router = New(cfg)
	t.Cleanup(h.router.Close)
	return h
}

func (h *harness) connectAgent(t *testing.T, agentID, sessionID string) {
	t.Helper()
	_, evicted := h.agents.Register(sessionID, agentID, map[string]any{"hostname": "box"})
	require.Empty(t, evicted)
}

func TestExecuteDispatchesToAgentSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:     "agent-1",
		RequesterID: "alice",
		Command:     "uptime",
	})
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, cmd.Status)
	assert.False(t, cmd.DispatchedAt.IsZero())

	events := h.sender.events()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventExecuteCommand, events[0].Type)

	var p protocol.ExecuteCommandPayload
	require.NoError(t, events[0].DecodePayload(&p))
	assert.Equal(t, cmd.CommandID, p.CommandID)
	assert.Equal(t, "uptime", p.Command)
	assert.Equal(t, protocol.TargetAuto, p.ExecutionTarget)
}

func TestExecuteRejectsEmptyCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")

	_, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1"})
	require.ErrorIs(t, err, ErrEmptyCommand)
	assert.Zero(t, h.commands.Len(), "no record for a rejected request")
}

func TestExecuteUnknownAgentFailsUndeliverable(t *testing.T) {
	h := newHarness(t, nil)
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "ghost",
		Command:    "uptime",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, cmd.Status)
	assert.Equal(t, command.ReasonUndeliverable, cmd.FailureReason)
	assert.Empty(t, h.sender.events(), "nothing must reach the wire")

	terminals := col.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, command.ReasonUndeliverable, terminals[0].ErrorKind)
}

func TestExecuteSendFailureFailsUndeliverable(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")
	h.sender.failFn = func(string) error { return errors.New("session buffer full") }

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID: "agent-1",
		Command: "uptime",
	})
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, cmd.Status)
	assert.Equal(t, command.ReasonUndeliverable, cmd.FailureReason)
}

// instantSender answers every execute_command with its terminal result before
// SendToSession returns, like an agent running on the same machine.
type instantSender struct {
	router *Router
}

func (s *instantSender) SendToSession(_ string, ev *protocol.Event) error {
	if ev.Type != protocol.EventExecuteCommand {
		return nil
	}
	var p protocol.ExecuteCommandPayload
	if err := ev.DecodePayload(&p); err != nil {
		return err
	}
	s.router.HandleResult(&protocol.ResultPayload{
		CommandID:     p.CommandID,
		ExitCode:      0,
		Stdout:        "ok\n",
		ExecutionType: "local",
	})
	return nil
}

func TestExecuteSurvivesResultArrivingDuringSend(t *testing.T) {
	sender := &instantSender{}
	h := newHarness(t, func(cfg *Config) { cfg.Sender = sender })
	sender.router = h.router
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:     "agent-1",
		RequesterID: "alice",
		Command:     "true",
		Subscriber:  col.sub(),
	})
	require.NoError(t, err)

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 0, got.Result.ExitCode)
	assert.Equal(t, "ok\n", got.Result.Stdout)

	terminals := col.terminals()
	require.Len(t, terminals, 1, "requester sees exactly one terminal")
	assert.Equal(t, cmd.CommandID, terminals[0].CommandID)
}

func TestExecuteAIRejectBlocksDispatch(t *testing.T) {
	report := &ai.Report{
		OriginalCommand:  "rm -rf /",
		ProcessedCommand: "rm -rf /",
		Validation:       &ai.Validation{Safe: false, RiskLevel: "critical"},
	}
	h := newHarness(t, func(cfg *Config) {
		cfg.AI = &stubAI{report: report}
		cfg.AIPolicy = PolicyReject
	})
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "rm -rf /",
		UseAI:      true,
		Subscriber: col.sub(),
	})
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, cmd.Status)
	assert.Equal(t, command.ReasonAIRejected, cmd.FailureReason)
	assert.NotNil(t, cmd.AIReport, "report stays attached for inspection")
	assert.Empty(t, h.sender.events())
	assert.Len(t, col.terminals(), 1)
}

func TestExecuteAIWarnPolicyStillDispatches(t *testing.T) {
	report := &ai.Report{
		OriginalCommand:  "rm -rf /tmp/scratch",
		ProcessedCommand: "rm -rf /tmp/scratch",
		Validation:       &ai.Validation{Safe: false, RiskLevel: "medium"},
	}
	h := newHarness(t, func(cfg *Config) {
		cfg.AI = &stubAI{report: report}
		cfg.AIPolicy = PolicyWarn
	})
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID: "agent-1",
		Command: "rm -rf /tmp/scratch",
		UseAI:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, cmd.Status)
	require.Len(t, h.sender.events(), 1)
}

func TestExecuteDispatchesOptimizedText(t *testing.T) {
	report := &ai.Report{
		OriginalCommand:  "ps -ef | grep nginx",
		ProcessedCommand: "pgrep -a nginx",
		Validation:       &ai.Validation{Safe: true, RiskLevel: "low"},
	}
	h := newHarness(t, func(cfg *Config) {
		cfg.AI = &stubAI{report: report}
	})
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID: "agent-1",
		Command: "ps -ef | grep nginx",
		UseAI:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ps -ef | grep nginx", cmd.RawCommand)
	assert.Equal(t, "pgrep -a nginx", cmd.Command)

	var p protocol.ExecuteCommandPayload
	require.NoError(t, h.sender.events()[0].DecodePayload(&p))
	assert.Equal(t, "pgrep -a nginx", p.Command)
}

func TestProgressMovesDispatchedToRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "sleep 1",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)

	h.router.HandleProgress(&protocol.ProgressPayload{
		CommandID:   cmd.CommandID,
		Status:      "running",
		StdoutChunk: "tick\n",
	})

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusRunning, got.Status)
	assert.False(t, got.FirstProgressAt.IsZero())

	events := col.all()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventCommandProgress, events[0].Type)
}

func TestResultCompletesCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "echo hi",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)

	h.router.HandleResult(&protocol.ResultPayload{
		CommandID:     cmd.CommandID,
		ExitCode:      0,
		Stdout:        "hi\n",
		ExecutionType: "local",
		Target:        "box",
	})

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "hi\n", got.Result.Stdout)

	terminals := col.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, 0, terminals[0].ExitCode)
	assert.Equal(t, "hi\n", terminals[0].Stdout)
}

func TestNonzeroExitFailsWithExecutionError(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1", Command: "false"})
	require.NoError(t, err)

	h.router.HandleResult(&protocol.ResultPayload{CommandID: cmd.CommandID, ExitCode: 1})

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, got.Status)
	assert.Equal(t, command.ReasonExecutionError, got.FailureReason)
}

func TestCancelledResultFailsWithCancelledReason(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1", Command: "sleep 600"})
	require.NoError(t, err)

	require.NoError(t, h.router.Cancel(cmd.CommandID))
	events := h.sender.events()
	require.Len(t, events, 2)
	assert.Equal(t, protocol.EventCancelCommand, events[1].Type)

	h.router.HandleResult(&protocol.ResultPayload{
		CommandID: cmd.CommandID,
		ExitCode:  -1,
		Cancelled: true,
	})

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, got.Status)
	assert.Equal(t, command.ReasonCancelled, got.FailureReason)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Cancelled)
}

func TestDeadlineCancelsThenMarksLost(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Deadline = 20 * time.Millisecond
		cfg.Grace = 20 * time.Millisecond
	})
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "sleep 600",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusLost
	}, time.Second, 5*time.Millisecond)

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.ReasonDeadline, got.FailureReason)

	// The agent was asked to stop before the command went lost.
	var sawCancel bool
	for _, ev := range h.sender.events() {
		if ev.Type == protocol.EventCancelCommand {
			sawCancel = true
		}
	}
	assert.True(t, sawCancel)
	assert.Len(t, col.terminals(), 1)
}

func TestDeadlineDoesNotFireAfterResult(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Deadline = 30 * time.Millisecond
		cfg.Grace = 10 * time.Millisecond
	})
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1", Command: "true"})
	require.NoError(t, err)

	h.router.HandleResult(&protocol.ResultPayload{CommandID: cmd.CommandID, ExitCode: 0})

	time.Sleep(80 * time.Millisecond)
	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, got.Status)
	assert.Empty(t, h.sender.events()[1:], "no cancel after a clean terminal")
}

func TestDisconnectGraceMarksInFlightLost(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Grace = 20 * time.Millisecond
	})
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "sleep 600",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)

	h.agents.Unregister("agent-1")
	h.router.HandleAgentDisconnected("agent-1")

	require.Eventually(t, func() bool {
		got, err := h.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusLost
	}, time.Second, 5*time.Millisecond)

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.ReasonLost, got.FailureReason)

	terminals := col.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, command.ReasonLost, terminals[0].ErrorKind)
}

func TestReconnectWithinGraceKeepsCommandAlive(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Grace = 40 * time.Millisecond
	})
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1", Command: "sleep 5"})
	require.NoError(t, err)

	h.agents.Unregister("agent-1")
	h.router.HandleAgentDisconnected("agent-1")

	// Same agent id, new session, back before the grace clock fires.
	h.connectAgent(t, "agent-1", "sid-2")

	time.Sleep(100 * time.Millisecond)
	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, got.Status, "reconnect within grace must not lose the command")
}

func TestLateResultAfterLostIsRecordedNotReplayed(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Grace = 10 * time.Millisecond
	})
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "sleep 600",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)

	h.agents.Unregister("agent-1")
	h.router.HandleAgentDisconnected("agent-1")

	require.Eventually(t, func() bool {
		got, err := h.commands.Get(cmd.CommandID)
		return err == nil && got.Status == command.StatusLost
	}, time.Second, 5*time.Millisecond)

	// Agent comes back and delivers the real outcome late.
	h.connectAgent(t, "agent-1", "sid-2")
	h.router.HandleResult(&protocol.ResultPayload{
		CommandID: cmd.CommandID,
		ExitCode:  0,
		Stdout:    "finished after all\n",
	})

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusLost, got.Status, "terminal status never changes")
	require.NotNil(t, got.LateResult)
	assert.Equal(t, "finished after all\n", got.LateResult.Stdout)

	assert.Len(t, col.terminals(), 1, "the requester sees exactly one terminal")
}

func TestLateProgressAfterTerminalIsCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")
	col := &collector{}

	cmd, err := h.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "echo hi",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)

	h.router.HandleResult(&protocol.ResultPayload{CommandID: cmd.CommandID, ExitCode: 0})
	before := len(col.all())

	h.router.HandleProgress(&protocol.ProgressPayload{CommandID: cmd.CommandID, Status: "running"})

	got, err := h.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LateFrames)
	assert.Len(t, col.all(), before, "late frames never reach the requester")
}

func TestCancelTerminalCommandIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1", Command: "true"})
	require.NoError(t, err)
	h.router.HandleResult(&protocol.ResultPayload{CommandID: cmd.CommandID, ExitCode: 0})

	require.NoError(t, h.router.Cancel(cmd.CommandID))
	assert.Len(t, h.sender.events(), 1, "no cancel frame for a finished command")
}

func TestNotifierReceivesTerminalCommands(t *testing.T) {
	var (
		mu  sync.Mutex
		got []*command.Command
	)
	h := newHarness(t, func(cfg *Config) {
		cfg.Notifier = notifierFunc(func(cmd *command.Command) {
			mu.Lock()
			got = append(got, cmd)
			mu.Unlock()
		})
	})
	h.connectAgent(t, "agent-1", "sid-1")

	cmd, err := h.router.Execute(context.Background(), Request{AgentID: "agent-1", Command: "true"})
	require.NoError(t, err)
	h.router.HandleResult(&protocol.ResultPayload{CommandID: cmd.CommandID, ExitCode: 0})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, cmd.CommandID, got[0].CommandID)
}

type notifierFunc func(cmd *command.Command)

func (f notifierFunc) CommandTerminal(cmd *command.Command) { f(cmd) }
