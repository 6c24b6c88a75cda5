// Package command holds the in-memory index of in-flight and recently
// completed commands and enforces the command state machine.
//
// The registry is the correlation store: every progress frame and result the
// controller receives is matched against a record here by command id. Records
// are created by the router at accept time and mutated only through
// Transition, which validates every edge against the state machine. Terminal
// records are retained up to a configured bound so late result arrivals can
// still be correlated, then evicted oldest-first.
package command

import (
	"container/list"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/protocol"
)

// Sentinel errors returned by the registry. Callers use errors.Is.
var (
	// ErrCommandNotFound is returned for ids with no tracked record. The id
	// may never have existed or may have been evicted after retention.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrInvalidTransition is returned when a requested status change is not
	// an edge of the state machine, including any transition out of a
	// terminal state.
	ErrInvalidTransition = errors.New("command: invalid status transition")
)

// Result is the terminal outcome reported by the agent.
type Result struct {
	ExitCode      int    `json:"exit_code"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExecutionType string `json:"execution_type"`
	Target        string `json:"target"`
	Cancelled     bool   `json:"cancelled,omitempty"`
}

// Command is one tracked command record. Values returned by the registry are
// snapshots — mutating them does not affect the stored record.
type Command struct {
	CommandID   string `json:"command_id"`
	AgentID     string `json:"agent_id"`
	RequesterID string `json:"requester_id"`

	// RawCommand is the text as submitted by the requester. Command is the
	// text actually dispatched — identical unless the AI stage rewrote it.
	RawCommand string `json:"raw_command"`
	Command    string `json:"command"`

	ExecutionTarget protocol.ExecutionTarget `json:"execution_target"`
	Status          Status                   `json:"status"`

	// FailureReason is one of the Reason* constants; empty unless Failed or
	// Lost.
	FailureReason string `json:"failure_reason,omitempty"`

	// AIReport carries the pre-processing result when use_ai was requested.
	// Stored as an opaque value so the registry does not depend on the AI
	// package.
	AIReport any `json:"ai_report,omitempty"`

	Result *Result `json:"result,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	DispatchedAt    time.Time `json:"dispatched_at,omitempty"`
	FirstProgressAt time.Time `json:"first_progress_at,omitempty"`
	TerminalAt      time.Time `json:"terminal_at,omitempty"`

	// LateFrames counts progress frames that arrived after the terminal
	// transition. They are ignored apart from this counter.
	LateFrames int `json:"late_frames,omitempty"`

	// LateResult records a result that arrived after the command was already
	// terminal (reconnect after Lost). It never re-transitions the record.
	LateResult *Result `json:"late_result,omitempty"`
}

func (c *Command) clone() *Command {
	cp := *c
	if c.Result != nil {
		res := *c.Result
		cp.Result = &res
	}
	if c.LateResult != nil {
		res := *c.LateResult
		cp.LateResult = &res
	}
	return &cp
}

// Update carries the optional payload of a Transition call. Nil fields leave
// the record untouched.
type Update struct {
	Result        *Result
	FailureReason string
	Command       string // post-AI command text, set on dispatch
	AIReport      any
}

// Archiver receives terminal records for durable storage. Implemented by the
// optional persistent store; a nil archiver disables archiving.
type Archiver interface {
	Archive(cmd *Command)
}

// DefaultRetention bounds the number of terminal records kept in memory when
// the caller passes a non-positive retention to New.
const DefaultRetention = 1000

// Registry is the in-memory command correlation store. Safe for concurrent
// use; all operations take a single internal lock.
type Registry struct {
	mu        sync.RWMutex
	commands  map[string]*Command
	terminal  *list.List               // *Command in terminal order, oldest first
	elems     map[string]*list.Element // command id → terminal list element
	retention int
	archiver  Archiver
	logger    *zap.Logger
}

// New creates a Registry retaining at most retention terminal records.
// archiver may be nil.
func New(retention int, archiver Archiver, logger *zap.Logger) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		commands:  make(map[string]*Command),
		terminal:  list.New(),
		elems:     make(map[string]*list.Element),
		retention: retention,
		archiver:  archiver,
		logger:    logger.Named("commands"),
	}
}

// Create allocates a command id and stores a Pending record.
func (r *Registry) Create(agentID, requesterID, commandText string, target protocol.ExecutionTarget) *Command {
	cmd := &Command{
		CommandID:       uuid.NewString(),
		AgentID:         agentID,
		RequesterID:     requesterID,
		RawCommand:      commandText,
		Command:         commandText,
		ExecutionTarget: target,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}

	r.mu.Lock()
	r.commands[cmd.CommandID] = cmd
	r.mu.Unlock()

	r.logger.Debug("command created",
		zap.String("command_id", cmd.CommandID),
		zap.String("agent_id", agentID),
		zap.String("requester_id", requesterID),
	)
	return cmd.clone()
}

// Transition moves the command to a new status, validated against the state
// machine, and applies upd. Timestamps are stamped per edge: dispatched,
// first progress (running), terminal. On the terminal edge the record joins
// the retention queue and is handed to the archiver.
//
// Returns the updated snapshot, or ErrInvalidTransition / ErrCommandNotFound.
func (r *Registry) Transition(commandID string, to Status, upd *Update) (*Command, error) {
	r.mu.Lock()

	cmd, ok := r.commands[commandID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrCommandNotFound
	}
	if !canTransition(cmd.Status, to) {
		from := cmd.Status
		r.mu.Unlock()
		r.logger.Warn("rejected status transition",
			zap.String("command_id", commandID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	cmd.Status = to
	switch to {
	case StatusDispatched:
		cmd.DispatchedAt = now
	case StatusRunning:
		cmd.FirstProgressAt = now
	case StatusCompleted, StatusFailed, StatusLost:
		cmd.TerminalAt = now
	}

	if upd != nil {
		if upd.Result != nil {
			res := *upd.Result
			cmd.Result = &res
		}
		if upd.FailureReason != "" {
			cmd.FailureReason = upd.FailureReason
		}
		if upd.Command != "" {
			cmd.Command = upd.Command
		}
		if upd.AIReport != nil {
			cmd.AIReport = upd.AIReport
		}
	}

	var evicted *Command
	if to.Terminal() {
		r.elems[commandID] = r.terminal.PushBack(cmd)
		if r.terminal.Len() > r.retention {
			oldest := r.terminal.Remove(r.terminal.Front()).(*Command)
			delete(r.elems, oldest.CommandID)
			delete(r.commands, oldest.CommandID)
			evicted = oldest
		}
	}
	snapshot := cmd.clone()
	archiver := r.archiver
	r.mu.Unlock()

	if to.Terminal() && archiver != nil {
		archiver.Archive(snapshot.clone())
	}
	if evicted != nil {
		r.logger.Debug("evicted terminal command",
			zap.String("command_id", evicted.CommandID),
			zap.Time("terminal_at", evicted.TerminalAt),
		)
	}

	r.logger.Info("command transitioned",
		zap.String("command_id", commandID),
		zap.String("status", string(to)),
	)
	return snapshot, nil
}

// RecordLateFrame increments the late-frame counter for a terminal command.
// Progress arriving after the terminal never mutates anything else.
func (r *Registry) RecordLateFrame(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd, ok := r.commands[commandID]; ok && cmd.Status.Terminal() {
		cmd.LateFrames++
	}
}

// RecordLateResult stores a result that arrived after the command was
// already terminal. The status is left unchanged so the requester never sees
// a second terminal event.
func (r *Registry) RecordLateResult(commandID string, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[commandID]
	if !ok {
		return ErrCommandNotFound
	}
	if !cmd.Status.Terminal() {
		return ErrInvalidTransition
	}
	cpy := *res
	cmd.LateResult = &cpy
	r.logger.Info("recorded late result for terminal command",
		zap.String("command_id", commandID),
		zap.String("status", string(cmd.Status)),
		zap.Int("exit_code", res.ExitCode),
	)
	return nil
}

// Get returns a snapshot of the command with the given id.
func (r *Registry) Get(commandID string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return cmd.clone(), nil
}

// ListByAgent returns up to limit commands targeting agentID, most recently
// created first. limit <= 0 means no limit.
func (r *Registry) ListByAgent(agentID string, limit int) []*Command {
	return r.listWhere(func(c *Command) bool { return c.AgentID == agentID }, limit)
}

// ListByRequester returns up to limit commands originated by requesterID,
// most recently created first. limit <= 0 means no limit.
func (r *Registry) ListByRequester(requesterID string, limit int) []*Command {
	return r.listWhere(func(c *Command) bool { return c.RequesterID == requesterID }, limit)
}

// List returns up to limit commands regardless of agent or requester.
func (r *Registry) List(limit int) []*Command {
	return r.listWhere(func(*Command) bool { return true }, limit)
}

// InFlightByAgent returns snapshots of all non-terminal commands bound to
// agentID. Used by the grace sweep when the agent's session drops.
func (r *Registry) InFlightByAgent(agentID string) []*Command {
	return r.listWhere(func(c *Command) bool {
		return c.AgentID == agentID && !c.Status.Terminal()
	}, 0)
}

// InFlight returns snapshots of every non-terminal command. Used by the
// periodic sweeps.
func (r *Registry) InFlight() []*Command {
	return r.listWhere(func(c *Command) bool { return !c.Status.Terminal() }, 0)
}

func (r *Registry) listWhere(match func(*Command) bool, limit int) []*Command {
	r.mu.RLock()
	result := make([]*Command, 0)
	for _, c := range r.commands {
		if match(c) {
			result = append(result, c.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CommandID < result[j].CommandID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Delete removes the command with the given id. Idempotent.
func (r *Registry) Delete(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.elems[commandID]; ok {
		r.terminal.Remove(elem)
		delete(r.elems, commandID)
	}
	delete(r.commands, commandID)
}

// Len returns the number of tracked records (in-flight plus retained).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}
