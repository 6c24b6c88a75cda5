// Package protocol defines the named events exchanged between the Ogent
// controller and its agents over the persistent websocket channel, plus the
// envelope that frames them.
//
// Every frame on the wire is a JSON-encoded Event. The Type field selects the
// payload shape; payloads are decoded lazily by the receiving side so unknown
// event types can be skipped without failing the whole connection. Field names
// are part of the wire contract and must not change.
//
// Direction conventions:
//
//	agent → controller:  register, command_progress, command_result, agent_info
//	controller → agent:  register_ack, execute_command, cancel_command
//	requester → controller: execute_command_request
//	controller → requester: command_response, command_progress, command_result,
//	                        agent_connected, agent_disconnected, error
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned when a frame cannot be decoded as an Event or
// when a payload does not match the shape required by its event type. Frames
// that produce this error are dropped and counted against the session; a
// session that keeps producing them is disconnected.
var ErrMalformedEvent = errors.New("protocol: malformed event")

// Event is the envelope for every frame on the controller↔agent channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event types originated by agents.
const (
	EventRegister        = "register"
	EventCommandProgress = "command_progress"
	EventCommandResult   = "command_result"
	EventAgentInfo       = "agent_info"
)

// Event types originated by the controller toward agents.
const (
	EventRegisterAck    = "register_ack"
	EventExecuteCommand = "execute_command"
	EventCancelCommand  = "cancel_command"
)

// Event types on requester sessions.
const (
	EventExecuteRequest    = "execute_command_request"
	EventCommandResponse   = "command_response"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
	EventError             = "error"
)

// NewEvent marshals payload and wraps it in an Event of the given type.
func NewEvent(eventType string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Payload: data}, nil
}

// Decode unmarshals raw into an Event. The Type field is mandatory.
func Decode(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return &ev, nil
}

// DecodePayload unmarshals the event payload into target.
func (e *Event) DecodePayload(target any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s carries no payload", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: bad %s payload: %s", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

// Marshal encodes the event for the wire.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
