package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Mirror receives a copy of every message the bus routes, for external
// observers. Mirroring is best-effort; failures never affect routing.
type Mirror interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// NATSMirrorConfig configures the NATS mirror.
type NATSMirrorConfig struct {
	// URL is the NATS server URL.
	URL string

	// SubjectPrefix prefixes every subject (default "secondbrain.bus").
	// Messages land on <prefix>.<message type>.
	SubjectPrefix string
}

// NATSMirror publishes routed messages onto NATS subjects so external
// tooling can observe agent traffic without registering on the bus.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSMirror connects to NATS and returns the mirror.
func NewNATSMirror(cfg NATSMirrorConfig, logger *zap.Logger) (*NATSMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "secondbrain.bus"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("bus mirror connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject_prefix", prefix),
	)
	return &NATSMirror{conn: conn, prefix: prefix, logger: logger}, nil
}

// mirrorRecord is the wire shape published per message.
type mirrorRecord struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"type"`
	Payload   Payload   `json:"payload"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// Publish serializes the message and publishes it to
// <prefix>.<message type>.
func (m *NATSMirror) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(mirrorRecord{
		ID:        msg.ID,
		TraceID:   msg.TraceID,
		ParentID:  msg.ParentID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Priority:  msg.Priority.String(),
		CreatedAt: msg.CreatedAt,
		Status:    string(msg.Status()),
	})
	if err != nil {
		return fmt.Errorf("marshaling mirror record: %w", err)
	}
	return m.conn.Publish(m.prefix+"."+msg.Type, data)
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() error {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}

var _ Mirror = (*NATSMirror)(nil)
