package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/ai"
	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/protocol"
	"github.com/omiderfanmanesh/Ogent/internal/registry"
	"github.com/omiderfanmanesh/Ogent/internal/router"
)

// defaultWaitTimeout bounds blocking execute requests that do not specify
// their own window.
const defaultWaitTimeout = 60 * time.Second

// AgentHandler serves the agent inventory plus command submission.
type AgentHandler struct {
	agents   *registry.Registry
	commands *command.Registry
	router   *router.Router
	ai       ai.Processor
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler. ai may be nil when the AI stage is
// not configured.
func NewAgentHandler(agents *registry.Registry, commands *command.Registry, rtr *router.Router, processor ai.Processor, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, commands: commands, router: rtr, ai: processor, logger: logger}
}

// agentView is the JSON shape of one connected agent.
type agentView struct {
	AgentID     string         `json:"agent_id"`
	ConnectedAt time.Time      `json:"connected_at"`
	Info        map[string]any `json:"info"`
	Replica     string         `json:"replica,omitempty"`
}

func toAgentView(a *registry.Agent) agentView {
	return agentView{
		AgentID:     a.AgentID,
		ConnectedAt: a.ConnectedAt,
		Info:        a.Info,
		Replica:     a.Replica,
	}
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.List()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, toAgentView(a))
	}
	Ok(w, views)
}

// GetByID handles GET /agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, toAgentView(agent))
}

// executeRequest is the body of POST /agents/{id}/execute.
type executeRequest struct {
	Command         string `json:"command"`
	ExecutionTarget string `json:"execution_target,omitempty"`
	UseAI           bool   `json:"use_ai,omitempty"`
	System          string `json:"system,omitempty"`
	Context         string `json:"context,omitempty"`

	// Wait blocks the request until the command reaches a terminal status,
	// bounded by WaitTimeoutSeconds (default 60).
	Wait               bool `json:"wait,omitempty"`
	WaitTimeoutSeconds int  `json:"wait_timeout_seconds,omitempty"`
}

// Execute handles POST /agents/{id}/execute. Without wait the response is a
// 202 with the command id; progress is observed over the websocket or by
// polling /commands/{id}. With wait the handler holds the request open and
// answers with the terminal record.
func (h *AgentHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	claims := claimsFromCtx(r.Context())
	requesterID := ""
	if claims != nil {
		requesterID = claims.Username
	}

	req := router.Request{
		AgentID:         chi.URLParam(r, "id"),
		RequesterID:     requesterID,
		Command:         body.Command,
		ExecutionTarget: protocol.ExecutionTarget(body.ExecutionTarget),
		UseAI:           body.UseAI,
		System:          body.System,
		Context:         body.Context,
	}

	// Blocking mode: subscribe before dispatch so the terminal cannot be
	// missed, then wait for it.
	var terminal chan struct{}
	if body.Wait {
		terminal = make(chan struct{}, 1)
		req.Subscriber = func(ev *protocol.Event) {
			if ev.Type == protocol.EventCommandResult {
				select {
				case terminal <- struct{}{}:
				default:
				}
			}
		}
	}

	cmd, err := h.router.Execute(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrEmptyCommand):
			ErrUnprocessable(w, err.Error())
		default:
			ErrBadRequest(w, err.Error())
		}
		return
	}

	if !body.Wait {
		Accepted(w, cmd)
		return
	}

	if cmd.Status.Terminal() {
		Ok(w, cmd)
		return
	}

	timeout := defaultWaitTimeout
	if body.WaitTimeoutSeconds > 0 {
		timeout = time.Duration(body.WaitTimeoutSeconds) * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-terminal:
		final, err := h.commands.Get(cmd.CommandID)
		if err != nil {
			ErrInternal(w)
			return
		}
		Ok(w, final)
	case <-timer.C:
		ErrGatewayTimeout(w, "command "+cmd.CommandID+" still running")
	case <-r.Context().Done():
		// Client went away; the command keeps running.
	}
}

// analyzeRequest is the body of POST /agents/{id}/analyze.
type analyzeRequest struct {
	Command string `json:"command"`
	System  string `json:"system,omitempty"`
	Context string `json:"context,omitempty"`
}

// Analyze handles POST /agents/{id}/analyze: the AI pipeline without
// dispatch. The agent id only scopes the request; nothing reaches the agent.
func (h *AgentHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Command == "" {
		ErrUnprocessable(w, "command must not be empty")
		return
	}
	if h.ai == nil {
		ErrUnprocessable(w, "ai processing is not configured")
		return
	}

	report, err := h.ai.Process(r.Context(), body.Command, body.System, body.Context)
	if err != nil {
		h.logger.Error("analyze failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, report)
}
