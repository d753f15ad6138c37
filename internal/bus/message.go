// Package bus provides typed message routing between registered agents:
// point-to-point send with request-response correlation, topic publish,
// and fan-out broadcast, with a bounded audit history.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payload is the opaque structured body of a message. The "type" key is
// the routing discriminator; everything else belongs to the agents.
type Payload = map[string]any

// Priority orders messages. Higher values are more urgent.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name. Unknown names default to normal
// with an error.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is a message's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusResponded Status = "responded"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

// Message is the unit of inter-agent communication.
//
// A message is answered at most once: the response id is set through
// MarkResponded and immutable afterwards.
type Message struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"type"`
	Payload   Payload   `json:"payload"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"created_at"`

	// Timeout bounds the wait for a response on Send. Zero waits on
	// the caller's context alone.
	Timeout time.Duration `json:"timeout,omitempty"`

	mu         sync.Mutex
	responseID string
	status     Status
}

// NewMessage creates a message with a fresh id. The trace id defaults to
// the message's own id, starting a new causal chain.
func NewMessage(sender, recipient, msgType string, payload Payload) *Message {
	id := uuid.New().String()
	if payload == nil {
		payload = Payload{}
	}
	return &Message{
		ID:        id,
		TraceID:   id,
		Sender:    sender,
		Recipient: recipient,
		Type:      msgType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
		status:    StatusCreated,
	}
}

// Reply constructs the response message for m, inheriting its trace id
// and recording m as parent.
func (m *Message) Reply(sender string, payload Payload) *Message {
	resp := NewMessage(sender, m.Sender, responseType(m.Type), payload)
	resp.TraceID = m.TraceID
	resp.ParentID = m.ID
	return resp
}

func responseType(requestType string) string {
	return requestType + ".response"
}

// MarkResponded sets the response id exactly once. The second and later
// calls are no-ops returning false, regardless of the id offered.
func (m *Message) MarkResponded(responseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responseID != "" {
		return false
	}
	m.responseID = responseID
	m.status = StatusResponded
	return true
}

// ResponseID returns the response id, empty until the message is answered.
func (m *Message) ResponseID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseID
}

// Status returns the lifecycle state.
func (m *Message) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == "" {
		return StatusCreated
	}
	return m.status
}

// markTerminal moves the message to timeout or failed unless it already
// holds a response.
func (m *Message) markTerminal(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responseID != "" {
		return
	}
	m.status = status
}

// Validate checks routing fields.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	return nil
}
