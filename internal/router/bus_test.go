package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/messaging"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
)

// Two controller replicas share one in-memory bus: the agent is connected to
// replica B, the requester submits through replica A. In-memory delivery is
// synchronous, so the whole round trip is deterministic.
func TestCrossReplicaDispatchOverBus(t *testing.T) {
	logger := zap.NewNop()
	bus := messaging.NewMemoryBus()

	newReplica := func(name string) *harness {
		h := &harness{
			agents:   registry.New(logger),
			commands: command.New(0, nil, logger),
			sender:   &fakeSender{},
		}
		h.router = New(Config{
			Agents:   h.agents,
			Commands: h.commands,
			Sender:   h.sender,
			Bus:      bus,
			Logger:   logger,
			Replica:  name,
		})
		require.NoError(t, h.router.BindBus())
		t.Cleanup(h.router.Close)
		return h
	}

	ra := newReplica("replica-a")
	rb := newReplica("replica-b")

	// Agent connects to replica B; presence makes it visible on A.
	agent, evicted := rb.agents.Register("sid-b1", "agent-1", map[string]any{"hostname": "box"})
	require.Empty(t, evicted)
	rb.router.HandleAgentConnected(agent)

	remote, err := ra.agents.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "replica-b", remote.Replica)
	assert.Empty(t, remote.SessionID)

	// Requester on A dispatches; the execute frame must surface on B's
	// local session.
	col := &collector{}
	cmd, err := ra.router.Execute(context.Background(), Request{
		AgentID:    "agent-1",
		Command:    "uptime",
		Subscriber: col.sub(),
	})
	require.NoError(t, err)
	assert.Equal(t, command.StatusDispatched, cmd.Status)

	sent := rb.sender.events()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventExecuteCommand, sent[0].Type)
	var exec protocol.ExecuteCommandPayload
	require.NoError(t, sent[0].DecodePayload(&exec))
	assert.Equal(t, cmd.CommandID, exec.CommandID)

	// The agent reports back through B; B does not track the command, so the
	// frames cross the bus and land in A's registry.
	rb.router.HandleProgress(&protocol.ProgressPayload{
		CommandID:   cmd.CommandID,
		Status:      "running",
		StdoutChunk: " 10:01  up 3 days\n",
	})
	rb.router.HandleResult(&protocol.ResultPayload{
		CommandID:     cmd.CommandID,
		ExitCode:      0,
		Stdout:        " 10:01  up 3 days\n",
		ExecutionType: "local",
		Target:        "box",
	})

	got, err := ra.commands.Get(cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 0, got.Result.ExitCode)

	_, err = rb.commands.Get(cmd.CommandID)
	require.Error(t, err, "the agent replica never tracks the record")

	terminals := col.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, 0, terminals[0].ExitCode)

	// Departure propagates too.
	rb.agents.Unregister("agent-1")
	rb.router.HandleAgentDisconnected("agent-1")
	_, err = ra.agents.Get("agent-1")
	assert.Error(t, err)
}
