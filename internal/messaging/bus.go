// Package messaging is the horizontal-scale fan-out layer. When several
// controller replicas share a NATS backend, dispatches cross replicas over
// well-known subjects and presence announcements keep every replica's agent
// registry cluster-wide. With no messaging URL configured the in-process bus
// is used, which only ever has local subscribers.
//
// Delivery is best-effort with per-subject ordering; the router's Lost
// detection covers drops.
package messaging

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("messaging: bus closed")

// Subjects carrying cross-replica traffic. Field names inside the payloads
// are the protocol payload structs, JSON-encoded.
const (
	// PresenceSubject announces agent registrations and departures.
	PresenceSubject = "ogent.agents.presence"
)

// AgentInSubject is the subject delivering execute_command and cancel_command
// events toward whichever replica holds the agent's session.
func AgentInSubject(agentID string) string {
	return fmt.Sprintf("ogent.agent.%s.in", agentID)
}

// CommandOutSubject is the subject delivering progress and result events
// toward whichever replica holds the requester's session.
func CommandOutSubject(commandID string) string {
	return fmt.Sprintf("ogent.command.%s.out", commandID)
}

// Handler receives messages delivered to a subscription. Handlers must not
// block: NATS delivers on a shared dispatch goroutine.
type Handler func(subject string, data []byte)

// Subscription is one active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging abstraction shared by the NATS and in-process
// implementations.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	// Flush blocks until all published messages have been processed by the
	// backend. In-process delivery is synchronous, so there Flush is a no-op.
	Flush() error
	Close()
	IsConnected() bool
}
