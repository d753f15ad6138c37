package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrInvalidMessage indicates a message failing routing validation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrAgentNotFound indicates an unregistered agent id.
	ErrAgentNotFound = errors.New("agent not registered")

	// ErrTimeout indicates a send that did not receive a response in
	// time. An expected outcome, not a bus fault.
	ErrTimeout = errors.New("response timeout")
)

// Handler processes one delivered message and returns the response
// payload; a nil payload with nil error means no response. Handlers run
// on their own goroutines and must honor the context.
type Handler func(ctx context.Context, msg *Message) (Payload, error)

// AgentState tracks an agent's coarse lifecycle.
type AgentState string

const (
	StateInitializing AgentState = "initializing"
	StateIdle         AgentState = "idle"
	StateProcessing   AgentState = "processing"
	StateWaiting      AgentState = "waiting"
	StateError        AgentState = "error"
	StateTerminated   AgentState = "terminated"
)

// Agent is a registration record: identity, role tag, state, per-type
// handlers, and broadcast subscriptions.
type Agent struct {
	ID           string
	Name         string
	Role         string
	State        AgentState
	RegisteredAt time.Time

	handlers      map[string][]Handler
	subscriptions map[string]struct{}
}

// Registry owns agent registrations. Roles live here, in an explicit
// id-to-role table, so the guard can authorize without trusting message
// contents. All mutations go through explicit calls; message handling
// never mutates the registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// RegisterAgent adds or updates an agent record. Re-registering keeps
// existing handlers and subscriptions.
func (r *Registry) RegisterAgent(id, name, role string) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		agent = &Agent{
			ID:            id,
			State:         StateInitializing,
			RegisteredAt:  time.Now().UTC(),
			handlers:      make(map[string][]Handler),
			subscriptions: make(map[string]struct{}),
		}
		r.agents[id] = agent
	}
	agent.Name = name
	agent.Role = role
	return agent, nil
}

// RegisterHandler associates a handler with an agent and message type.
// Multiple handlers per type are allowed; all are invoked on delivery.
func (r *Registry) RegisterHandler(agentID, msgType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.handlers[msgType] = append(agent.handlers[msgType], handler)
	return nil
}

// Subscribe adds broadcast topics for the agent.
func (r *Registry) Subscribe(agentID string, types ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	for _, t := range types {
		agent.subscriptions[t] = struct{}{}
	}
	return nil
}

// Unsubscribe removes broadcast topics for the agent.
func (r *Registry) Unsubscribe(agentID string, types ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	for _, t := range types {
		delete(agent.subscriptions, t)
	}
	return nil
}

// HandlersFor returns the handlers registered for the agent and type.
// Unknown agents or types return nil without error; the bus treats that
// as an undeliverable message.
func (r *Registry) HandlersFor(agentID, msgType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	return append([]Handler(nil), agent.handlers[msgType]...)
}

// Subscribers returns ids of agents subscribed to the topic, sorted for
// deterministic fan-out order.
func (r *Registry) Subscribers(msgType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, agent := range r.agents {
		if _, ok := agent.subscriptions[msgType]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetState updates the agent's lifecycle state.
func (r *Registry) SetState(agentID string, state AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.State = state
	return nil
}

// Role returns the agent's role tag or an error for unknown agents.
func (r *Registry) Role(agentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.Role, nil
}

// Known reports whether the agent id is registered.
func (r *Registry) Known(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// AgentIDs returns all registered agent ids, sorted.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
