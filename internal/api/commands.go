package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omiderfanmanesh/Ogent/internal/command"
	"github.com/omiderfanmanesh/Ogent/internal/router"
)

// defaultListLimit bounds command listings without an explicit limit.
const defaultListLimit = 100

// ArchiveReader looks up commands that aged out of the in-memory registry.
// Implemented by the persistent store; nil when archiving is not configured.
type ArchiveReader interface {
	Lookup(ctx context.Context, commandID string) (*command.Command, bool)
}

// CommandHandler serves command history and cancellation.
type CommandHandler struct {
	commands *command.Registry
	router   *router.Router
	archive  ArchiveReader
	logger   *zap.Logger
}

// NewCommandHandler creates a CommandHandler. archive may be nil.
func NewCommandHandler(commands *command.Registry, rtr *router.Router, archive ArchiveReader, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{commands: commands, router: rtr, archive: archive, logger: logger}
}

// List handles GET /commands. Optional filters: agent_id, requester, limit.
func (h *CommandHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			ErrBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var cmds []*command.Command
	switch {
	case r.URL.Query().Get("agent_id") != "":
		cmds = h.commands.ListByAgent(r.URL.Query().Get("agent_id"), limit)
	case r.URL.Query().Get("requester") != "":
		cmds = h.commands.ListByRequester(r.URL.Query().Get("requester"), limit)
	default:
		cmds = h.commands.List(limit)
	}
	Ok(w, cmds)
}

// GetByID handles GET /commands/{id}. Records evicted from the in-memory
// registry are looked up in the archive when one is configured.
func (h *CommandHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := h.commands.Get(id)
	if err == nil {
		Ok(w, cmd)
		return
	}

	if h.archive != nil {
		if archived, ok := h.archive.Lookup(r.Context(), id); ok {
			Ok(w, archived)
			return
		}
	}
	ErrNotFound(w)
}

// Cancel handles POST /commands/{id}/cancel. Cancellation is a request to
// the agent: the command stays in flight until the agent acknowledges with
// its terminal result or the grace clock marks it lost.
func (h *CommandHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.router.Cancel(id); err != nil {
		if errors.Is(err, command.ErrCommandNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("cancel failed", zap.String("command_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Accepted(w, map[string]string{
		"command_id": id,
		"status":     "cancellation_requested",
	})
}
