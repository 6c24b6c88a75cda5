package messaging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var got []string
	_, err := bus.Subscribe("ogent.agents.presence", func(_ string, data []byte) {
		got = append(got, string(data))
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish("ogent.agents.presence", []byte(fmt.Sprintf("msg-%d", i))))
	}

	require.Len(t, got, 5)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg)
	}
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var a, b int
	_, err := bus.Subscribe(AgentInSubject("agent-1"), func(string, []byte) { a++ })
	require.NoError(t, err)
	_, err = bus.Subscribe(AgentInSubject("agent-2"), func(string, []byte) { b++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(AgentInSubject("agent-1"), []byte("x")))

	assert.Equal(t, 1, a)
	assert.Zero(t, b)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count int
	sub, err := bus.Subscribe("subject", func(string, []byte) { count++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish("subject", nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish("subject", nil))

	assert.Equal(t, 1, count)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	assert.False(t, bus.IsConnected())
	assert.ErrorIs(t, bus.Publish("subject", nil), ErrClosed)
	_, err := bus.Subscribe("subject", func(string, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubjectNames(t *testing.T) {
	assert.Equal(t, "ogent.agent.agent-1.in", AgentInSubject("agent-1"))
	assert.Equal(t, "ogent.command.cmd-9.out", CommandOutSubject("cmd-9"))
}
