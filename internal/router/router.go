// Package router is the controller's dispatch and lifecycle engine. It
// accepts command requests, runs the optional AI pre-processing stage,
// resolves the target agent, emits execute_command over the event protocol,
// and drives every status transition of the command registry from the
// agent-origin events the gateway feeds back in.
//
// Only the router performs transitions: gateway handlers, sweeps, and bus
// subscribers all funnel through HandleProgress / HandleResult / the loss
// handlers so the single-terminal guarantee has one owner.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/ai"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/messaging"
	"github.com/omiderfanmanesh/Ogent/internal/metrics"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
)

// Sentinel errors surfaced to API handlers.
var (
	// ErrNotDeliverable is wrapped into the command's failure when the agent
	// is known but no event could be emitted to its session.
	ErrNotDeliverable = errors.New("router: command not deliverable")

	// ErrEmptyCommand is returned for requests with no command text. No
	// record is created; the request never entered the lifecycle.
	ErrEmptyCommand = errors.New("router: command text must not be empty")
)

// SessionSender emits an event to one live local session. Implemented by the
// gateway.
type SessionSender interface {
	SendToSession(sessionID string, ev *protocol.Event) error
}

// Subscriber receives the command-scoped events fanned back to a requester:
// command_progress frames in arrival order, then exactly one terminal
// command_result. Implementations must not block.
type Subscriber func(ev *protocol.Event)

// Notifier receives terminal commands. Implemented by the webhook notifier.
type Notifier interface {
	CommandTerminal(cmd *command.Command)
}

// AIPolicy selects what happens when a completed validation reports a
// command unsafe.
type AIPolicy string

const (
	// PolicyReject fails the command without dispatch.
	PolicyReject AIPolicy = "reject"
	// PolicyWarn dispatches anyway; the report stays attached for the
	// requester to inspect.
	PolicyWarn AIPolicy = "warn"
)

// Config carries the router's dependencies and tunables. AI, Bus, and
// Notifier are optional.
type Config struct {
	Agents   *registry.Registry
	Commands *command.Registry
	Sender   SessionSender
	AI       ai.Processor
	Bus      messaging.Bus
	Notifier Notifier
	Logger   *zap.Logger

	// Replica names this controller instance on the presence channel.
	Replica string

	// Deadline bounds each command end to end; Grace is how long a dropped
	// session may stay silent before its in-flight commands go Lost.
	Deadline time.Duration
	Grace    time.Duration

	AIPolicy AIPolicy
}

// Request is one command submission.
type Request struct {
	AgentID         string
	RequesterID     string
	Command         string
	ExecutionTarget protocol.ExecutionTarget
	UseAI           bool
	System          string
	Context         string

	// Subscriber, when non-nil, receives this command's progress and
	// terminal events. RequesterSID is echoed to the agent so results can be
	// routed across replicas.
	Subscriber   Subscriber
	RequesterSID string
}

// Router implements the dispatch lifecycle. Safe for concurrent use.
type Router struct {
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	subscribers  map[string][]Subscriber           // command id → fan-out targets
	timers       map[string][]*time.Timer          // command id → pending deadline/grace timers
	busSubs      map[string]messaging.Subscription // command id → .out subscription for cross-replica dispatch
	agentSubs    map[string]messaging.Subscription // agent id → .in subscription served for other replicas
	cancelIssued map[string]bool                   // command id → deadline cancel already emitted
	presenceSub  messaging.Subscription
}

// New creates a Router. Call Close on shutdown to stop pending timers.
func New(cfg Config) *Router {
	if cfg.AIPolicy == "" {
		cfg.AIPolicy = PolicyReject
	}
	return &Router{
		cfg:          cfg,
		logger:       cfg.Logger.Named("router"),
		subscribers:  make(map[string][]Subscriber),
		timers:       make(map[string][]*time.Timer),
		busSubs:      make(map[string]messaging.Subscription),
		agentSubs:    make(map[string]messaging.Subscription),
		cancelIssued: make(map[string]bool),
	}
}

// BindBus joins the replica presence channel: agents registering on other
// replicas become remote entries in the local registry, so local requesters
// can target them. Call once at startup when a bus is configured.
func (r *Router) BindBus() error {
	if r.cfg.Bus == nil {
		return nil
	}
	sub, err := r.cfg.Bus.Subscribe(messaging.PresenceSubject, func(_ string, data []byte) {
		ev, err := protocol.Decode(data)
		if err != nil {
			return
		}
		var p protocol.PresencePayload
		if ev.DecodePayload(&p) != nil || p.Replica == "" || p.Replica == r.cfg.Replica {
			return
		}
		switch ev.Type {
		case protocol.EventAgentConnected:
			connectedAt, _ := time.Parse(time.RFC3339, p.ConnectedAt)
			r.cfg.Agents.RegisterRemote(p.AgentID, p.Replica, connectedAt, p.Info)
			r.logger.Info("remote agent announced",
				zap.String("agent_id", p.AgentID), zap.String("replica", p.Replica))
		case protocol.EventAgentDisconnected:
			r.cfg.Agents.UnregisterRemote(p.AgentID, p.Replica)
		}
	})
	if err != nil {
		return fmt.Errorf("router: presence subscribe: %w", err)
	}
	r.mu.Lock()
	r.presenceSub = sub
	r.mu.Unlock()
	return nil
}

// serveAgentInbox subscribes this replica to a locally connected agent's .in
// subject and relays bus-delivered execute/cancel events to the live session.
// The agent's progress and result frames for those commands flow back through
// HandleProgress/HandleResult, which republish untracked command ids onto
// their .out subjects.
func (r *Router) serveAgentInbox(agentID, sessionID string) {
	sub, err := r.cfg.Bus.Subscribe(messaging.AgentInSubject(agentID), func(_ string, data []byte) {
		ev, err := protocol.Decode(data)
		if err != nil {
			return
		}
		switch ev.Type {
		case protocol.EventExecuteCommand, protocol.EventCancelCommand:
			if err := r.cfg.Sender.SendToSession(sessionID, ev); err != nil {
				r.logger.Warn("bus relay to session failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	})
	if err != nil {
		r.logger.Warn("agent inbox subscribe failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	r.mu.Lock()
	if old := r.agentSubs[agentID]; old != nil {
		_ = old.Unsubscribe()
	}
	r.agentSubs[agentID] = sub
	r.mu.Unlock()
}

// Execute accepts one command request and drives it to Dispatched (or a
// terminal failure). The returned snapshot reflects the state after dispatch;
// everything later arrives through the request's Subscriber.
//
// The only error returns are request-level rejections that never created a
// record. Once a record exists every outcome is a command status, not an
// error — the requester always gets exactly one terminal event.
func (r *Router) Execute(ctx context.Context, req Request) (*command.Command, error) {
	if req.Command == "" {
		return nil, ErrEmptyCommand
	}
	target := req.ExecutionTarget
	if target == "" {
		target = protocol.TargetAuto
	}
	if !target.Valid() {
		return nil, fmt.Errorf("router: invalid execution target %q", req.ExecutionTarget)
	}

	cmd := r.cfg.Commands.Create(req.AgentID, req.RequesterID, req.Command, target)
	if req.Subscriber != nil {
		r.mu.Lock()
		r.subscribers[cmd.CommandID] = append(r.subscribers[cmd.CommandID], req.Subscriber)
		r.mu.Unlock()
	}

	// --- AI pre-processing (optional) ---
	dispatchText := req.Command
	var report *ai.Report
	if req.UseAI && r.cfg.AI != nil && r.cfg.AI.Enabled() {
		var err error
		report, err = r.cfg.AI.Process(ctx, req.Command, req.System, req.Context)
		if err != nil {
			// Defensive: the manager degrades internally and should not error.
			r.logger.Warn("ai stage failed, dispatching original command",
				zap.String("command_id", cmd.CommandID), zap.Error(err))
		}
		if report != nil {
			dispatchText = report.ProcessedCommand
			if r.cfg.AIPolicy == PolicyReject && report.Validation != nil && !report.Validation.Safe {
				return r.failBeforeDispatch(cmd.CommandID, command.ReasonAIRejected,
					"command rejected by safety validation", report)
			}
		}
	}

	// --- Resolve the target agent ---
	agent, err := r.cfg.Agents.Get(req.AgentID)
	if err != nil {
		return r.failBeforeDispatch(cmd.CommandID, command.ReasonUndeliverable,
			fmt.Sprintf("agent %s is not connected", req.AgentID), report)
	}

	execPayload := protocol.ExecuteCommandPayload{
		CommandID:       cmd.CommandID,
		Command:         dispatchText,
		ExecutionTarget: target,
		RequesterSID:    req.RequesterSID,
	}
	ev, err := protocol.NewEvent(protocol.EventExecuteCommand, execPayload)
	if err != nil {
		return r.failBeforeDispatch(cmd.CommandID, command.ReasonUndeliverable, err.Error(), report)
	}

	// The record must be Dispatched before the frame leaves: a fast agent can
	// answer on the session goroutine before SendToSession returns, and the
	// result transition needs the Dispatched edge to exist by then.
	updated, err := r.cfg.Commands.Transition(cmd.CommandID, command.StatusDispatched, &command.Update{
		Command:  dispatchText,
		AIReport: reportOrNil(report),
	})
	if err != nil {
		// The command was already forced terminal (e.g. racing cancellation).
		return r.cfg.Commands.Get(cmd.CommandID)
	}

	// --- Emit, at most once ---
	switch {
	case agent.SessionID != "":
		if err := r.cfg.Sender.SendToSession(agent.SessionID, ev); err != nil {
			return r.failBeforeDispatch(cmd.CommandID, command.ReasonUndeliverable,
				fmt.Sprintf("send to session failed: %v", err), report)
		}
	case r.cfg.Bus != nil && agent.Replica != "":
		// Agent lives on another replica: dispatch over the bus and pull the
		// command's output stream back here.
		if err := r.dispatchRemote(cmd.CommandID, agent.AgentID, ev); err != nil {
			return r.failBeforeDispatch(cmd.CommandID, command.ReasonUndeliverable, err.Error(), report)
		}
	default:
		return r.failBeforeDispatch(cmd.CommandID, command.ReasonUndeliverable,
			fmt.Sprintf("agent %s has no reachable session", req.AgentID), report)
	}

	metrics.EventsTotal.WithLabelValues(protocol.EventExecuteCommand, "out").Inc()

	r.scheduleDeadline(updated.CommandID, agent.SessionID)

	r.logger.Info("command dispatched",
		zap.String("command_id", updated.CommandID),
		zap.String("agent_id", req.AgentID),
		zap.String("requester_id", req.RequesterID),
		zap.Bool("used_ai", report != nil),
	)
	return updated, nil
}

// dispatchRemote publishes the execute event to the agent's .in subject and
// subscribes this replica to the command's .out stream.
func (r *Router) dispatchRemote(commandID, agentID string, ev *protocol.Event) error {
	raw, err := ev.Marshal()
	if err != nil {
		return err
	}

	sub, err := r.cfg.Bus.Subscribe(messaging.CommandOutSubject(commandID), func(_ string, data []byte) {
		frame, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn("dropping malformed bus frame", zap.String("command_id", commandID), zap.Error(err))
			return
		}
		switch frame.Type {
		case protocol.EventCommandProgress:
			var p protocol.ProgressPayload
			if frame.DecodePayload(&p) == nil {
				r.HandleProgress(&p)
			}
		case protocol.EventCommandResult:
			var res protocol.ResultPayload
			if frame.DecodePayload(&res) == nil {
				r.HandleResult(&res)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("%w: bus subscribe: %v", ErrNotDeliverable, err)
	}

	if err := r.cfg.Bus.Publish(messaging.AgentInSubject(agentID), raw); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%w: %v", ErrNotDeliverable, err)
	}

	r.mu.Lock()
	r.busSubs[commandID] = sub
	r.mu.Unlock()
	return nil
}

// failBeforeDispatch force-fails a command that never reached an agent and
// delivers the terminal to any subscriber.
func (r *Router) failBeforeDispatch(commandID, reason, detail string, report *ai.Report) (*command.Command, error) {
	updated, err := r.cfg.Commands.Transition(commandID, command.StatusFailed, &command.Update{
		FailureReason: reason,
		AIReport:      reportOrNil(report),
		Result: &command.Result{
			ExitCode: -1,
			Stderr:   detail,
		},
	})
	if err != nil {
		return nil, err
	}
	r.finishCommand(updated)
	return updated, nil
}

// HandleProgress processes one command_progress frame from an agent session
// or the bus. Unknown command ids are forwarded over the bus when one is
// configured — the record may live on another replica.
func (r *Router) HandleProgress(p *protocol.ProgressPayload) {
	metrics.EventsTotal.WithLabelValues(protocol.EventCommandProgress, "in").Inc()

	cmd, err := r.cfg.Commands.Get(p.CommandID)
	if err != nil {
		r.forwardUntracked(protocol.EventCommandProgress, p.CommandID, p)
		return
	}

	if cmd.Status.Terminal() {
		r.cfg.Commands.RecordLateFrame(p.CommandID)
		return
	}

	if cmd.Status == command.StatusDispatched {
		if _, err := r.cfg.Commands.Transition(p.CommandID, command.StatusRunning, nil); err != nil &&
			!errors.Is(err, command.ErrInvalidTransition) {
			r.logger.Warn("progress transition failed", zap.String("command_id", p.CommandID), zap.Error(err))
		}
	}

	if ev, err := protocol.NewEvent(protocol.EventCommandProgress, p); err == nil {
		r.fanOut(p.CommandID, ev)
	}
}

// HandleResult processes the terminal command_result frame. Results for
// already-terminal commands (reconnect after Lost) are recorded as late
// without re-transitioning; the requester never sees a second terminal.
func (r *Router) HandleResult(p *protocol.ResultPayload) {
	metrics.EventsTotal.WithLabelValues(protocol.EventCommandResult, "in").Inc()

	cmd, err := r.cfg.Commands.Get(p.CommandID)
	if err != nil {
		r.forwardUntracked(protocol.EventCommandResult, p.CommandID, p)
		return
	}

	result := &command.Result{
		ExitCode:      p.ExitCode,
		Stdout:        p.Stdout,
		Stderr:        p.Stderr,
		ExecutionType: p.ExecutionType,
		Target:        p.Target,
		Cancelled:     p.Cancelled,
	}

	if cmd.Status.Terminal() {
		if err := r.cfg.Commands.RecordLateResult(p.CommandID, result); err != nil {
			r.logger.Warn("failed to record late result", zap.String("command_id", p.CommandID), zap.Error(err))
		}
		return
	}

	status := command.StatusCompleted
	reason := ""
	switch {
	case p.Cancelled:
		status = command.StatusFailed
		reason = command.ReasonCancelled
	case p.ErrorKind != "":
		status = command.StatusFailed
		reason = p.ErrorKind
	case p.ExitCode != 0:
		status = command.StatusFailed
		reason = command.ReasonExecutionError
	}

	updated, err := r.cfg.Commands.Transition(p.CommandID, status, &command.Update{
		Result:        result,
		FailureReason: reason,
	})
	if err != nil {
		r.logger.Warn("result transition failed", zap.String("command_id", p.CommandID), zap.Error(err))
		return
	}
	r.finishCommand(updated)
}

// Cancel requests cancellation of an in-flight command on behalf of an
// operator. The terminal still comes from the agent (or the Lost sweep).
func (r *Router) Cancel(commandID string) error {
	cmd, err := r.cfg.Commands.Get(commandID)
	if err != nil {
		return err
	}
	if cmd.Status.Terminal() {
		return nil
	}
	r.emitCancel(cmd)
	return nil
}

// HandleAgentConnected is called by the gateway after a successful register
// exchange. It announces presence on the bus and, on the bus, starts serving
// this agent's .in subject so other replicas can dispatch here.
func (r *Router) HandleAgentConnected(agent *registry.Agent) {
	metrics.AgentsConnected.Set(float64(len(r.cfg.Agents.List())))

	if r.cfg.Bus == nil {
		return
	}
	r.serveAgentInbox(agent.AgentID, agent.SessionID)
	payload := protocol.PresencePayload{
		AgentID:     agent.AgentID,
		SessionID:   agent.SessionID,
		Replica:     r.cfg.Replica,
		ConnectedAt: agent.ConnectedAt.Format(time.RFC3339),
		Info:        agent.Info,
	}
	if ev, err := protocol.NewEvent(protocol.EventAgentConnected, payload); err == nil {
		if raw, err := ev.Marshal(); err == nil {
			if err := r.cfg.Bus.Publish(messaging.PresenceSubject, raw); err != nil {
				r.logger.Warn("presence publish failed", zap.Error(err))
			}
		}
	}
}

// HandleAgentDisconnected starts the grace clock for the departed agent's
// in-flight commands. If the agent has not re-registered when the clock
// fires, every one of them goes Lost.
func (r *Router) HandleAgentDisconnected(agentID string) {
	metrics.AgentsConnected.Set(float64(len(r.cfg.Agents.List())))

	if r.cfg.Bus != nil {
		r.mu.Lock()
		if sub := r.agentSubs[agentID]; sub != nil {
			_ = sub.Unsubscribe()
			delete(r.agentSubs, agentID)
		}
		r.mu.Unlock()

		payload := protocol.PresencePayload{AgentID: agentID, Replica: r.cfg.Replica}
		if ev, err := protocol.NewEvent(protocol.EventAgentDisconnected, payload); err == nil {
			if raw, err := ev.Marshal(); err == nil {
				if err := r.cfg.Bus.Publish(messaging.PresenceSubject, raw); err != nil {
					r.logger.Warn("presence publish failed", zap.Error(err))
				}
			}
		}
	}

	inflight := r.cfg.Commands.InFlightByAgent(agentID)
	if len(inflight) == 0 {
		return
	}
	r.logger.Info("agent lost with in-flight commands, starting grace clock",
		zap.String("agent_id", agentID),
		zap.Int("commands", len(inflight)),
		zap.Duration("grace", r.cfg.Grace),
	)

	timer := time.AfterFunc(r.cfg.Grace, func() {
		if r.cfg.Agents.IsLocal(agentID) {
			// Reconnected in time; the deadline clock still covers the rest.
			return
		}
		for _, cmd := range r.cfg.Commands.InFlightByAgent(agentID) {
			r.markLost(cmd.CommandID, command.ReasonLost,
				fmt.Sprintf("agent %s disconnected and did not return within %s", agentID, r.cfg.Grace))
		}
	})
	r.trackTimer("agent-loss:"+agentID, timer)
}

// SweepLost is the periodic backstop behind the per-event grace timers: any
// in-flight command whose agent has no reachable session and whose dispatch
// is at least one grace window old goes Lost. Returns how many were marked.
func (r *Router) SweepLost(now time.Time) int {
	if r.cfg.Grace <= 0 {
		return 0
	}
	marked := 0
	for _, cmd := range r.cfg.Commands.InFlight() {
		if cmd.DispatchedAt.IsZero() || now.Sub(cmd.DispatchedAt) < r.cfg.Grace {
			continue
		}
		agent, err := r.cfg.Agents.Get(cmd.AgentID)
		if err == nil && (agent.SessionID != "" || agent.Replica != "") {
			continue
		}
		r.markLost(cmd.CommandID, command.ReasonLost,
			fmt.Sprintf("agent %s unreachable for at least %s", cmd.AgentID, r.cfg.Grace))
		marked++
	}
	return marked
}

// SweepDeadlines enforces the overall command deadline: commands past it get
// one cancel_command, and commands still in flight a grace window later go
// Lost with the deadline reason. Returns how many terminal transitions were
// forced.
func (r *Router) SweepDeadlines(now time.Time) int {
	if r.cfg.Deadline <= 0 {
		return 0
	}
	forced := 0
	for _, cmd := range r.cfg.Commands.InFlight() {
		age := now.Sub(cmd.CreatedAt)
		if age < r.cfg.Deadline {
			continue
		}

		r.mu.Lock()
		issued := r.cancelIssued[cmd.CommandID]
		if !issued {
			r.cancelIssued[cmd.CommandID] = true
		}
		r.mu.Unlock()

		if !issued {
			r.logger.Warn("command deadline expired, cancelling",
				zap.String("command_id", cmd.CommandID),
				zap.Duration("deadline", r.cfg.Deadline),
			)
			r.emitCancel(cmd)
			continue
		}

		if age >= r.cfg.Deadline+r.cfg.Grace {
			r.markLost(cmd.CommandID, command.ReasonDeadline,
				fmt.Sprintf("no terminal result within %s after deadline cancellation", r.cfg.Grace))
			forced++
		}
	}
	return forced
}

// scheduleDeadline arms the per-command overall deadline: on expiry the
// router emits cancel_command and gives the agent one grace interval to
// produce a terminal before marking the command Lost.
func (r *Router) scheduleDeadline(commandID, sessionID string) {
	if r.cfg.Deadline <= 0 {
		return
	}
	timer := time.AfterFunc(r.cfg.Deadline, func() {
		cmd, err := r.cfg.Commands.Get(commandID)
		if err != nil || cmd.Status.Terminal() {
			return
		}
		r.logger.Warn("command deadline expired, cancelling",
			zap.String("command_id", commandID),
			zap.Duration("deadline", r.cfg.Deadline),
		)
		r.mu.Lock()
		r.cancelIssued[commandID] = true
		r.mu.Unlock()
		r.emitCancel(cmd)

		grace := time.AfterFunc(r.cfg.Grace, func() {
			r.markLost(commandID, command.ReasonDeadline,
				fmt.Sprintf("no terminal result within %s after deadline cancellation", r.cfg.Grace))
		})
		r.trackTimer(commandID, grace)
	})
	r.trackTimer(commandID, timer)
}

// emitCancel sends cancel_command to wherever the command's agent lives now.
func (r *Router) emitCancel(cmd *command.Command) {
	ev, err := protocol.NewEvent(protocol.EventCancelCommand, protocol.CancelCommandPayload{CommandID: cmd.CommandID})
	if err != nil {
		return
	}
	agent, err := r.cfg.Agents.Get(cmd.AgentID)
	if err != nil {
		return
	}
	metrics.EventsTotal.WithLabelValues(protocol.EventCancelCommand, "out").Inc()

	if agent.SessionID != "" {
		if err := r.cfg.Sender.SendToSession(agent.SessionID, ev); err != nil {
			r.logger.Warn("cancel emit failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
		}
		return
	}
	if r.cfg.Bus != nil {
		if raw, err := ev.Marshal(); err == nil {
			if err := r.cfg.Bus.Publish(messaging.AgentInSubject(cmd.AgentID), raw); err != nil {
				r.logger.Warn("cancel publish failed", zap.String("command_id", cmd.CommandID), zap.Error(err))
			}
		}
	}
}

// markLost transitions an in-flight command to Lost and fans out the
// synthesized terminal.
func (r *Router) markLost(commandID, reason, detail string) {
	updated, err := r.cfg.Commands.Transition(commandID, command.StatusLost, &command.Update{
		FailureReason: reason,
		Result: &command.Result{
			ExitCode: -1,
			Stderr:   detail,
		},
	})
	if err != nil {
		// A real terminal won the race. Nothing to do.
		return
	}
	r.logger.Warn("command lost",
		zap.String("command_id", commandID),
		zap.String("reason", reason),
	)
	r.finishCommand(updated)
}

// finishCommand delivers the single terminal event to the requester side,
// updates metrics, releases per-command resources, and notifies.
func (r *Router) finishCommand(cmd *command.Command) {
	metrics.CommandsTotal.WithLabelValues(string(cmd.Status)).Inc()
	if !cmd.TerminalAt.IsZero() {
		metrics.CommandDuration.Observe(cmd.TerminalAt.Sub(cmd.CreatedAt).Seconds())
	}

	payload := protocol.ResultPayload{
		CommandID: cmd.CommandID,
		ExitCode:  -1,
		Timestamp: cmd.TerminalAt.Format(time.RFC3339Nano),
	}
	if cmd.Result != nil {
		payload.ExitCode = cmd.Result.ExitCode
		payload.Stdout = cmd.Result.Stdout
		payload.Stderr = cmd.Result.Stderr
		payload.ExecutionType = cmd.Result.ExecutionType
		payload.Target = cmd.Result.Target
		payload.Cancelled = cmd.Result.Cancelled
	}
	if cmd.FailureReason != "" {
		payload.ErrorKind = cmd.FailureReason
	}

	if ev, err := protocol.NewEvent(protocol.EventCommandResult, payload); err == nil {
		r.fanOut(cmd.CommandID, ev)
	}

	r.mu.Lock()
	delete(r.subscribers, cmd.CommandID)
	delete(r.cancelIssued, cmd.CommandID)
	for _, t := range r.timers[cmd.CommandID] {
		t.Stop()
	}
	delete(r.timers, cmd.CommandID)
	busSub := r.busSubs[cmd.CommandID]
	delete(r.busSubs, cmd.CommandID)
	r.mu.Unlock()

	if busSub != nil {
		_ = busSub.Unsubscribe()
	}

	if r.cfg.Notifier != nil {
		r.cfg.Notifier.CommandTerminal(cmd)
	}
}

// fanOut delivers ev to every subscriber of commandID in arrival order.
func (r *Router) fanOut(commandID string, ev *protocol.Event) {
	r.mu.Lock()
	subs := make([]Subscriber, len(r.subscribers[commandID]))
	copy(subs, r.subscribers[commandID])
	r.mu.Unlock()

	for _, sub := range subs {
		sub(ev)
	}
}

// forwardUntracked republishes an event for a command this replica does not
// track onto its .out subject — the tracking replica is subscribed there.
func (r *Router) forwardUntracked(eventType, commandID string, payload any) {
	if r.cfg.Bus == nil {
		r.logger.Debug("dropping event for unknown command",
			zap.String("event", eventType),
			zap.String("command_id", commandID),
		)
		return
	}
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return
	}
	raw, err := ev.Marshal()
	if err != nil {
		return
	}
	if err := r.cfg.Bus.Publish(messaging.CommandOutSubject(commandID), raw); err != nil {
		r.logger.Warn("bus forward failed",
			zap.String("event", eventType),
			zap.String("command_id", commandID),
			zap.Error(err),
		)
	}
}

// trackTimer registers a timer under a key so finishCommand and Close can
// stop it.
func (r *Router) trackTimer(key string, t *time.Timer) {
	r.mu.Lock()
	r.timers[key] = append(r.timers[key], t)
	r.mu.Unlock()
}

// Close stops all pending timers and bus subscriptions. In-flight commands
// are left as-is; after a controller restart agents re-register and
// requesters re-query.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, timers := range r.timers {
		for _, t := range timers {
			t.Stop()
		}
	}
	r.timers = make(map[string][]*time.Timer)
	for id, sub := range r.agentSubs {
		_ = sub.Unsubscribe()
		delete(r.agentSubs, id)
	}
	for id, sub := range r.busSubs {
		_ = sub.Unsubscribe()
		delete(r.busSubs, id)
	}
	if r.presenceSub != nil {
		_ = r.presenceSub.Unsubscribe()
		r.presenceSub = nil
	}
}

func reportOrNil(report *ai.Report) any {
	if report == nil {
		return nil
	}
	return report
}
