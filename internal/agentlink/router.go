// Package agentlink multiplexes request/response traffic over persistent
// connections to desktop agents: a pending-call table keyed by correlation
// id, per-call timeouts, and typed wrappers over the raw command channel.
package agentlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// DefaultCommandTimeout bounds how long a command waits for the agent's
// response.
const DefaultCommandTimeout = 60 * time.Second

// Transport is one live connection to a desktop agent. Send must be safe
// for concurrent use.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Command is the wire shape sent to an agent. The agent echoes ID verbatim
// in its result.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type outcome struct {
	result any
	err    error
}

type pendingCall struct {
	done  chan outcome
	timer *time.Timer
}

type agent struct {
	id           string
	transport    Transport
	capabilities []string
	lastSeen     time.Time
	online       bool
}

// Router is the client-side command multiplexer. One per process.
type Router struct {
	timeout time.Duration

	mu      sync.Mutex
	agents  map[string]*agent
	pending map[string]*pendingCall
}

// NewRouter constructs a Router. timeout <= 0 uses DefaultCommandTimeout.
func NewRouter(timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Router{
		timeout: timeout,
		agents:  map[string]*agent{},
		pending: map[string]*pendingCall{},
	}
}

// RegisterAgent records a live agent over its transport. Re-registering an
// id replaces the previous connection.
func (r *Router) RegisterAgent(agentID string, t Transport, capabilities []string) {
	r.mu.Lock()
	prev := r.agents[agentID]
	r.agents[agentID] = &agent{
		id:           agentID,
		transport:    t,
		capabilities: capabilities,
		lastSeen:     time.Now(),
		online:       true,
	}
	r.mu.Unlock()
	if prev != nil && prev.transport != t {
		_ = prev.transport.Close()
	}
	slog.Default().Info("desktop agent registered",
		slog.String("agent_id", agentID), slog.Int("capabilities", len(capabilities)))
}

// UnregisterAgent removes an agent and rejects every call pending on it.
func (r *Router) UnregisterAgent(agentID string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = a.transport.Close()
	r.rejectAll(fmt.Errorf("op=agentlink: agent %s disconnected: %w", agentID, domain.ErrAgentUnavailable))
	slog.Default().Info("desktop agent unregistered", slog.String("agent_id", agentID))
}

// Heartbeat refreshes an agent's liveness.
func (r *Router) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.lastSeen = time.Now()
	}
}

// Connected reports whether any agent is online.
func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		if a.online {
			return true
		}
	}
	return false
}

// Agents lists registered agent ids.
func (r *Router) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// SendCommand assigns a correlation id, transmits the command, and waits for
// the matching result. agentID may be empty when a single agent is
// connected. The call rejects on timeout, context cancellation, or
// transport closure.
func (r *Router) SendCommand(ctx domain.Context, cmdType string, payload map[string]any, agentID string) (any, error) {
	a, err := r.pickAgent(agentID)
	if err != nil {
		return nil, err
	}

	cmd := Command{ID: uuid.NewString(), Type: cmdType, Payload: payload}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("op=agentlink.send: %w", err)
	}

	call := &pendingCall{done: make(chan outcome, 1)}
	call.timer = time.AfterFunc(r.timeout, func() {
		r.resolve(cmd.ID, outcome{err: fmt.Errorf("op=agentlink.send: command %s timed out after %s: %w", cmdType, r.timeout, domain.ErrUpstreamTimeout)})
	})
	r.mu.Lock()
	r.pending[cmd.ID] = call
	r.mu.Unlock()

	if err := a.transport.Send(ctx, raw); err != nil {
		r.drop(cmd.ID)
		return nil, fmt.Errorf("op=agentlink.send: %w", err)
	}

	select {
	case <-ctx.Done():
		r.drop(cmd.ID)
		return nil, fmt.Errorf("op=agentlink.send: %w", ctx.Err())
	case out := <-call.done:
		return out.result, out.err
	}
}

// HandleCommandResult resolves the pending call whose id matches. Results
// for unknown ids are dropped.
func (r *Router) HandleCommandResult(id string, success bool, result any, errMsg string) {
	out := outcome{result: result}
	if !success {
		if errMsg == "" {
			errMsg = "command failed"
		}
		out = outcome{err: fmt.Errorf("op=agentlink: agent error: %s", errMsg)}
	}
	if !r.resolve(id, out) {
		slog.Default().Warn("result for unknown command id dropped", slog.String("id", id))
	}
}

// HandleTransportClose marks the agent offline and rejects every pending
// call with a connection error.
func (r *Router) HandleTransportClose(agentID string) {
	r.mu.Lock()
	if a, ok := r.agents[agentID]; ok {
		a.online = false
	}
	r.mu.Unlock()
	r.rejectAll(fmt.Errorf("op=agentlink: connection to agent %s closed: %w", agentID, domain.ErrAgentUnavailable))
	slog.Default().Warn("desktop agent transport closed", slog.String("agent_id", agentID))
}

func (r *Router) pickAgent(agentID string) (*agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentID != "" {
		a, ok := r.agents[agentID]
		if !ok || !a.online {
			return nil, fmt.Errorf("op=agentlink: agent %s not connected: %w", agentID, domain.ErrAgentUnavailable)
		}
		return a, nil
	}
	for _, a := range r.agents {
		if a.online {
			return a, nil
		}
	}
	return nil, fmt.Errorf("op=agentlink: no desktop agent connected: %w", domain.ErrAgentUnavailable)
}

// resolve completes a pending call exactly once. Reports whether the id was
// known.
func (r *Router) resolve(id string, out outcome) bool {
	r.mu.Lock()
	call, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	call.timer.Stop()
	call.done <- out
	return true
}

// drop discards a pending call without delivering an outcome.
func (r *Router) drop(id string) {
	r.mu.Lock()
	call, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if ok {
		call.timer.Stop()
	}
}

func (r *Router) rejectAll(err error) {
	r.mu.Lock()
	calls := make([]*pendingCall, 0, len(r.pending))
	for id, call := range r.pending {
		calls = append(calls, call)
		delete(r.pending, id)
	}
	r.mu.Unlock()
	for _, call := range calls {
		call.timer.Stop()
		call.done <- outcome{err: err}
	}
}
