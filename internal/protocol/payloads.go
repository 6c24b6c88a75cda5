package protocol

// ExecutionTarget selects where an agent runs a command.
type ExecutionTarget string

const (
	// TargetAuto picks the remote executor when it is available and falls
	// back to local otherwise.
	TargetAuto ExecutionTarget = "auto"
	// TargetLocal forces execution in a subshell on the agent host.
	TargetLocal ExecutionTarget = "local"
	// TargetRemote forces execution over the agent's configured remote shell.
	// If the remote executor is unavailable the command fails; there is no
	// silent fallback.
	TargetRemote ExecutionTarget = "remote"
)

// Valid reports whether t is one of the recognized targets.
func (t ExecutionTarget) Valid() bool {
	switch t {
	case TargetAuto, TargetLocal, TargetRemote:
		return true
	}
	return false
}

// RegisterPayload is sent by an agent immediately after the channel opens.
// AgentID is optional: an agent that restarts with persisted state (or an
// explicit override) supplies its previous identity; otherwise the controller
// synthesizes one from the session id.
type RegisterPayload struct {
	AgentID string         `json:"agent_id,omitempty"`
	Info    map[string]any `json:"info"`
}

// RegisterAckPayload confirms a registration and communicates the binding
// agent id. Status is "ok" on success; any other value means the registration
// was refused and the session will be closed.
type RegisterAckPayload struct {
	AssignedAgentID string `json:"assigned_agent_id"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
}

// ExecuteCommandPayload dispatches one command to an agent. CommandID is
// assigned by the controller and must be echoed on every progress and result
// frame. RequesterSID identifies the channel progress flows back to; agents
// treat it as opaque.
type ExecuteCommandPayload struct {
	CommandID       string          `json:"command_id"`
	Command         string          `json:"command"`
	ExecutionTarget ExecutionTarget `json:"execution_target"`
	RequesterSID    string          `json:"requester_sid,omitempty"`
}

// ProgressPayload is a single incremental update for a running command.
// All fields other than CommandID and Status are additive: chunks carry only
// output produced since the previous frame, and Progress is monotonically
// non-decreasing when supplied. Terminal outcomes never travel in a progress
// frame.
type ProgressPayload struct {
	CommandID   string  `json:"command_id"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress,omitempty"`
	StdoutChunk string  `json:"stdout_chunk,omitempty"`
	StderrChunk string  `json:"stderr_chunk,omitempty"`
	Message     string  `json:"message,omitempty"`
	Timestamp   string  `json:"ts"`
}

// ResultPayload is the single terminal frame for a command on a given agent
// session. ExecutionType records where the command actually ran ("local" or
// "remote"); Target is the human-readable descriptor of that place (hostname
// or user@host). ErrorKind is set for failures that never produced an exit
// code of their own, e.g. "executor_unavailable" or "cancelled".
type ResultPayload struct {
	CommandID     string `json:"command_id"`
	ExitCode      int    `json:"exit_code"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExecutionType string `json:"execution_type"`
	Target        string `json:"target"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Timestamp     string `json:"ts"`
}

// CancelCommandPayload asks the agent to stop a command it is running or has
// queued. The agent answers with a normal command_result carrying Cancelled.
type CancelCommandPayload struct {
	CommandID string `json:"command_id"`
}

// AgentInfoPayload carries a capability update for an already registered
// agent. The controller merges Info into the registry record.
type AgentInfoPayload struct {
	Info map[string]any `json:"info"`
}

// ExecuteRequestPayload is sent by a requester session to start a command.
// It mirrors the body of POST /agents/{id}/execute.
type ExecuteRequestPayload struct {
	AgentID         string          `json:"agent_id"`
	Command         string          `json:"command"`
	ExecutionTarget ExecutionTarget `json:"execution_target,omitempty"`
	UseAI           bool            `json:"use_ai,omitempty"`
	System          string          `json:"system,omitempty"`
	Context         string          `json:"context,omitempty"`
}

// CommandResponsePayload acknowledges an execute_command_request. Status is
// "accepted" or "error"; on acceptance CommandID identifies the frames that
// will follow on this session.
type CommandResponsePayload struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PresencePayload announces an agent joining or leaving to requester sessions
// and to the shared presence channel when one is configured.
type PresencePayload struct {
	AgentID     string         `json:"agent_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Replica     string         `json:"replica,omitempty"`
	ConnectedAt string         `json:"connected_at,omitempty"`
	Info        map[string]any `json:"info,omitempty"`
}

// ErrorPayload reports a request-scoped failure on a requester session.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
