// Package registry maintains the in-memory index of live agents.
//
// When an agent session completes its register exchange the gateway records it
// here; the router resolves target agents through this index at dispatch time.
// All state is in-memory and intentionally non-persistent: if the controller
// restarts, agents reconnect and re-register automatically via their
// reconnection loop.
//
// When several controller replicas share a messaging backend, agents hosted by
// other replicas appear here too, marked with the replica that announced them
// and with no local session id. Those records make GET /agents cluster-wide
// and let the router route dispatches over the bus.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAgentNotFound is returned by lookups for ids with no live agent.
// The registry never synthesizes placeholder entries for unknown ids.
var ErrAgentNotFound = errors.New("registry: agent not found")

// Agent is one live agent record. Values returned by the registry are
// snapshots — mutating them does not affect the registry.
type Agent struct {
	// AgentID is the stable identity commands are addressed to. Either
	// supplied by the agent at registration or synthesized from the session.
	AgentID string `json:"agent_id"`

	// SessionID identifies the currently bound transport session. It changes
	// on every reconnect. Empty for agents hosted by another replica.
	SessionID string `json:"session_id,omitempty"`

	// ConnectedAt is the time of the most recent successful registration.
	ConnectedAt time.Time `json:"connected_at"`

	// Info is the free-form capability map reported by the agent (platform,
	// version, executor kinds, remote target descriptor).
	Info map[string]any `json:"info"`

	// Replica names the controller replica hosting the agent's session when
	// that replica is not this process. Empty for locally hosted agents.
	Replica string `json:"replica,omitempty"`
}

func (a *Agent) clone() *Agent {
	cp := *a
	cp.Info = cloneInfo(a.Info)
	return &cp
}

func cloneInfo(info map[string]any) map[string]any {
	if info == nil {
		return nil
	}
	out := make(map[string]any, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out
}

// Registry is the in-memory index of live agents, keyed both by agent id and
// by session id. It is safe for concurrent use by multiple goroutines
// (gateway, router, HTTP handlers and the presence subscriber all touch it).
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent // keyed by agent id
	bySession map[string]string // session id → agent id, local sessions only
	logger    *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*Agent),
		bySession: make(map[string]string),
		logger:    logger.Named("registry"),
	}
}

// Register binds agentID to sessionID and records the capability info.
// If agentID is empty an id is synthesized from the session ("agent-<session>").
// If the id is already bound to a different live session, the older session is
// considered stale: it is evicted and returned so the gateway can close it.
//
// Returns a snapshot of the stored record and the evicted session id, if any.
func (r *Registry) Register(sessionID, agentID string, info map[string]any) (*Agent, string) {
	if agentID == "" {
		agentID = "agent-" + sessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted string
	if existing, ok := r.agents[agentID]; ok && existing.SessionID != "" && existing.SessionID != sessionID {
		// The agent reconnected before the controller noticed the previous
		// connection was dead (e.g. after a network blip). The newest session
		// wins; the stale one is handed back for closing.
		evicted = existing.SessionID
		delete(r.bySession, existing.SessionID)
		r.logger.Warn("replacing existing agent session",
			zap.String("agent_id", agentID),
			zap.String("stale_session", evicted),
			zap.String("new_session", sessionID),
		)
	}

	agent := &Agent{
		AgentID:     agentID,
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
		Info:        cloneInfo(info),
	}
	r.agents[agentID] = agent
	r.bySession[sessionID] = agentID

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("session_id", sessionID),
		zap.Int("total_live", len(r.agents)),
	)

	return agent.clone(), evicted
}

// Unregister removes the agent with the given id. Idempotent: unregistering
// an absent id leaves the registry unchanged.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}

	delete(r.agents, agentID)
	if agent.SessionID != "" {
		delete(r.bySession, agent.SessionID)
	}

	r.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
		zap.Int("total_live", len(r.agents)),
	)
}

// UnregisterSession removes the agent bound to sessionID, if any, and returns
// its id. Used by the gateway on socket close: by the time the close fires the
// agent may already have re-registered on a new session, in which case the
// registry is left alone and ok is false.
func (r *Registry) UnregisterSession(sessionID string) (agentID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok = r.bySession[sessionID]
	if !ok {
		return "", false
	}

	agent := r.agents[agentID]
	delete(r.agents, agentID)
	delete(r.bySession, sessionID)

	r.logger.Info("agent session closed",
		zap.String("agent_id", agentID),
		zap.String("session_id", sessionID),
		zap.Duration("session_duration", time.Since(agent.ConnectedAt)),
	)
	return agentID, true
}

// Get returns a snapshot of the agent with the given id.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.clone(), nil
}

// BySession returns a snapshot of the agent bound to the given local session.
func (r *Registry) BySession(sessionID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.bySession[sessionID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return r.agents[agentID].clone(), nil
}

// List returns snapshots of all live agents, most recently connected first.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, a.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ConnectedAt.After(result[j].ConnectedAt)
		}
		return result[i].AgentID < result[j].AgentID
	})
	return result
}

// UpdateInfo merges info into the capability map of the given agent.
// Keys present in info overwrite existing keys; absent keys are kept.
func (r *Registry) UpdateInfo(agentID string, info map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}

	if agent.Info == nil {
		agent.Info = make(map[string]any, len(info))
	}
	for k, v := range info {
		agent.Info[k] = v
	}
	return nil
}

// RegisterRemote records an agent hosted by another replica, learned from the
// presence channel. A locally hosted agent with the same id is only displaced
// when the remote registration is newer.
func (r *Registry) RegisterRemote(agentID, replica string, connectedAt time.Time, info map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[agentID]; ok {
		if existing.SessionID != "" && !connectedAt.After(existing.ConnectedAt) {
			return
		}
		if existing.SessionID != "" {
			delete(r.bySession, existing.SessionID)
		}
	}

	r.agents[agentID] = &Agent{
		AgentID:     agentID,
		ConnectedAt: connectedAt,
		Info:        cloneInfo(info),
		Replica:     replica,
	}
}

// UnregisterRemote removes a remote record, leaving locally hosted agents
// untouched even when the ids collide (a departing replica must not evict an
// agent that has already re-homed here).
func (r *Registry) UnregisterRemote(agentID, replica string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok || agent.Replica != replica {
		return
	}
	delete(r.agents, agentID)
}

// IsLocal reports whether the agent is live and bound to a session on this
// replica.
func (r *Registry) IsLocal(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return ok && agent.SessionID != ""
}
