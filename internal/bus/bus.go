package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/tmnsystems/secondbrain-sub001/internal/bus"

// busSender identifies synthetic responses produced by the bus itself.
const busSender = "bus"

// Service routes messages between registered agents.
type Service interface {
	// RegisterAgent adds or updates an agent with its role tag.
	RegisterAgent(id, name, role string) error

	// RegisterHandler associates a handler with an agent and message
	// type. All handlers registered for a type are invoked on delivery.
	RegisterHandler(agentID, msgType string, handler Handler) error

	// Subscribe and Unsubscribe control broadcast topic membership.
	Subscribe(agentID string, types ...string) error
	Unsubscribe(agentID string, types ...string) error

	// Send delivers to exactly one recipient and awaits the correlated
	// response. An unknown recipient (or one without a handler for the
	// type) yields (nil, nil) without dispatching anything. A timeout
	// yields (nil, ErrTimeout) and discards the correlation entry; the
	// in-flight handler is not cancelled and a late result is silently
	// dropped.
	Send(ctx context.Context, msg *Message) (*Message, error)

	// Publish fans the message out to every subscriber of its type.
	// Delivery failures are isolated; the result holds the non-nil
	// responses in no particular order.
	Publish(ctx context.Context, msg *Message) ([]*Message, error)

	// Broadcast sends one point-to-point message per recipient
	// (all registered agents when recipients is empty, minus sender
	// and exclusions) and returns a map from recipient id to its
	// response, nil for recipients that failed or timed out. The call
	// itself does not fail on per-recipient errors.
	Broadcast(ctx context.Context, sender string, payload Payload, recipients, exclude []string) (map[string]*Message, error)

	// Registry exposes agent registrations.
	Registry() *Registry

	// History exposes the bounded audit trail.
	History() *History

	// PendingCount reports open correlation entries.
	PendingCount() int

	// Close stops accepting new work.
	Close() error
}

// Config configures the bus.
type Config struct {
	// DefaultTimeout applies to Send when the message carries none.
	// Zero means wait on the caller's context alone.
	DefaultTimeout time.Duration

	// HistoryLimit bounds the audit ring (default 1000).
	HistoryLimit int

	// Mirror, when set, receives a copy of every routed message.
	Mirror Mirror

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults. No send timeout is applied
// unless a deployment opts in; a send with no timeout waits until the
// response arrives or the caller's context ends.
func DefaultConfig() *Config {
	return &Config{
		HistoryLimit: 1000,
	}
}

// service implements the Service interface.
type service struct {
	config   *Config
	registry *Registry
	history  *History
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	sendCounter  metric.Int64Counter
	fanCounter   metric.Int64Counter
	panicCounter metric.Int64Counter

	// pending maps message id to its correlation future. Entries are
	// deleted exactly once, by whichever of resolve/timeout gets there
	// first.
	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
}

// NewService creates a message bus.
func NewService(cfg *Config) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		registry: NewRegistry(),
		history:  NewHistory(cfg.HistoryLimit),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		pending:  make(map[string]chan *Message),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.sendCounter, err = s.meter.Int64Counter(
		"secondbrain.bus.sends_total",
		metric.WithDescription("Total point-to-point sends by outcome (responded, timeout, undeliverable, failed)"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		s.logger.Warn("failed to create send counter", zap.Error(err))
	}

	s.fanCounter, err = s.meter.Int64Counter(
		"secondbrain.bus.fanouts_total",
		metric.WithDescription("Total publish and broadcast fan-out deliveries"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		s.logger.Warn("failed to create fanout counter", zap.Error(err))
	}

	s.panicCounter, err = s.meter.Int64Counter(
		"secondbrain.bus.handler_panics_total",
		metric.WithDescription("Total handler panics converted to synthetic error responses"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		s.logger.Warn("failed to create panic counter", zap.Error(err))
	}
}

func (s *service) RegisterAgent(id, name, role string) error {
	_, err := s.registry.RegisterAgent(id, name, role)
	return err
}

func (s *service) RegisterHandler(agentID, msgType string, handler Handler) error {
	return s.registry.RegisterHandler(agentID, msgType, handler)
}

func (s *service) Subscribe(agentID string, types ...string) error {
	return s.registry.Subscribe(agentID, types...)
}

func (s *service) Unsubscribe(agentID string, types ...string) error {
	return s.registry.Unsubscribe(agentID, types...)
}

func (s *service) Registry() *Registry { return s.registry }
func (s *service) History() *History { return s.history }

func (s *service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Send delivers msg and awaits its correlated response.
func (s *service) Send(ctx context.Context, msg *Message) (*Message, error) {
	ctx, span := s.tracer.Start(ctx, "bus.send")
	defer span.End()

	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if msg.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	span.SetAttributes(
		attribute.String("message_id", msg.ID),
		attribute.String("message_type", msg.Type),
		attribute.String("recipient", msg.Recipient),
	)

	s.history.Append(msg)
	s.mirror(ctx, msg)

	handlers := s.registry.HandlersFor(msg.Recipient, msg.Type)
	if len(handlers) == 0 {
		// Undeliverable: no task spawned, no correlation entry.
		msg.markTerminal(StatusFailed)
		s.recordSend(ctx, "undeliverable")
		span.SetStatus(codes.Ok, "undeliverable")
		s.logger.Debug("message undeliverable",
			zap.String("message_id", msg.ID),
			zap.String("recipient", msg.Recipient),
			zap.String("type", msg.Type),
		)
		return nil, nil
	}

	future := make(chan *Message, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("bus is closed")
	}
	s.pending[msg.ID] = future
	s.mu.Unlock()

	s.registry.SetState(msg.Recipient, StateProcessing) //nolint:errcheck

	// The dispatch outlives a timed-out wait on purpose: the handler is
	// never cancelled, its late result is just dropped.
	go s.dispatch(context.WithoutCancel(ctx), msg, handlers)

	timeout := msg.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-future:
		s.recordSend(ctx, "responded")
		span.SetStatus(codes.Ok, "responded")
		return resp, nil
	case <-timer:
		s.discard(msg.ID)
		msg.markTerminal(StatusTimeout)
		s.recordSend(ctx, "timeout")
		span.SetStatus(codes.Ok, "timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		s.discard(msg.ID)
		msg.markTerminal(StatusTimeout)
		s.recordSend(ctx, "cancelled")
		return nil, ctx.Err()
	}
}

// dispatch invokes every handler registered for the message. The first
// payload-bearing result becomes the response; handler errors or panics
// become a synthetic error response when nothing else answered.
func (s *service) dispatch(ctx context.Context, msg *Message, handlers []Handler) {
	var response *Message
	var firstErr error

	for _, handler := range handlers {
		payload, err := s.invoke(ctx, handler, msg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("handler failed",
				zap.String("message_id", msg.ID),
				zap.String("recipient", msg.Recipient),
				zap.Error(err),
			)
			continue
		}
		if payload != nil && response == nil {
			response = msg.Reply(msg.Recipient, payload)
		}
	}

	if response == nil && firstErr != nil {
		response = msg.Reply(busSender, Payload{
			"type":  "error",
			"error": firstErr.Error(),
		})
	}

	s.registry.SetState(msg.Recipient, StateIdle) //nolint:errcheck

	if response == nil {
		return
	}
	s.resolve(ctx, msg, response)
}

// invoke runs one handler, converting panics into errors so a
// misbehaving agent cannot take the bus down.
func (s *service) invoke(ctx context.Context, handler Handler, msg *Message) (payload Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			if s.panicCounter != nil {
				s.panicCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("recipient", msg.Recipient),
				))
			}
		}
	}()
	return handler(ctx, msg)
}

// resolve hands the response to the waiting Send, if it is still
// waiting. A message already answered, or whose correlation entry was
// discarded by timeout, swallows the result.
func (s *service) resolve(ctx context.Context, msg *Message, response *Message) {
	if !msg.MarkResponded(response.ID) {
		return
	}
	s.history.Append(response)
	s.mirror(ctx, response)

	s.mu.Lock()
	future, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.mu.Unlock()

	if ok {
		future <- response
	}
}

func (s *service) discard(messageID string) {
	s.mu.Lock()
	delete(s.pending, messageID)
	s.mu.Unlock()
}

// Publish fans the message out to all subscribers of its type.
func (s *service) Publish(ctx context.Context, msg *Message) ([]*Message, error) {
	ctx, span := s.tracer.Start(ctx, "bus.publish")
	defer span.End()

	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("message_type", msg.Type))

	subscribers := s.registry.Subscribers(msg.Type)
	span.SetAttributes(attribute.Int("subscribers", len(subscribers)))

	var (
		wg        sync.WaitGroup
		respMu    sync.Mutex
		responses []*Message
	)
	for _, recipient := range subscribers {
		delivery := NewMessage(msg.Sender, recipient, msg.Type, msg.Payload)
		delivery.TraceID = msg.TraceID
		delivery.Priority = msg.Priority
		delivery.Timeout = msg.Timeout

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Send(ctx, delivery)
			if s.fanCounter != nil {
				s.fanCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "publish")))
			}
			if err != nil || resp == nil {
				return
			}
			respMu.Lock()
			responses = append(responses, resp)
			respMu.Unlock()
		}()
	}
	wg.Wait()

	span.SetStatus(codes.Ok, "success")
	return responses, nil
}

// Broadcast sends one message per recipient and gathers responses.
func (s *service) Broadcast(ctx context.Context, sender string, payload Payload, recipients, exclude []string) (map[string]*Message, error) {
	ctx, span := s.tracer.Start(ctx, "bus.broadcast")
	defer span.End()

	if sender == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}

	msgType, _ := payload["type"].(string)
	if msgType == "" {
		msgType = "broadcast"
	}

	if len(recipients) == 0 {
		recipients = s.registry.AgentIDs()
	}
	excluded := make(map[string]struct{}, len(exclude)+1)
	excluded[sender] = struct{}{}
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	traceID := ""
	results := make(map[string]*Message)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, recipient := range recipients {
		if _, skip := excluded[recipient]; skip {
			continue
		}
		msg := NewMessage(sender, recipient, msgType, payload)
		if traceID == "" {
			traceID = msg.TraceID
		}
		msg.TraceID = traceID

		mu.Lock()
		results[recipient] = nil
		mu.Unlock()

		wg.Add(1)
		go func(recipient string, msg *Message) {
			defer wg.Done()
			resp, err := s.Send(ctx, msg)
			if s.fanCounter != nil {
				s.fanCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "broadcast")))
			}
			if err != nil {
				// Per-recipient failures stay in the map as nil.
				return
			}
			mu.Lock()
			results[recipient] = resp
			mu.Unlock()
		}(recipient, msg)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("recipients", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *service) mirror(ctx context.Context, msg *Message) {
	if s.config.Mirror == nil {
		return
	}
	if err := s.config.Mirror.Publish(ctx, msg); err != nil {
		s.logger.Debug("mirror publish failed",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (s *service) recordSend(ctx context.Context, status string) {
	if s.sendCounter == nil {
		return
	}
	s.sendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Close stops accepting sends. In-flight handlers finish on their own.
func (s *service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.config.Mirror != nil {
		return s.config.Mirror.Close()
	}
	return nil
}
