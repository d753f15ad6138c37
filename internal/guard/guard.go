package guard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
)

const instrumentationName = "github.com/tmnsystems/secondbrain-sub001/internal/guard"

// Reserved payload keys carrying the signature envelope.
const (
	sigKey       = "_sig"
	sigTimeKey   = "_sig_ts"
	resourceKey  = "resource"
	defaultFresh = 5 * time.Minute
)

// Service fronts the bus with signing, validation, and authorization.
type Service interface {
	// Sign computes the sender's signature over the message and embeds
	// it in the payload.
	Sign(msg *bus.Message) error

	// Validate runs the inbound check chain: signature integrity,
	// freshness and credential expiry, rate limit, then role/resource
	// authorization. The first failing check returns a *Denied.
	Validate(msg *bus.Message) error

	// Send signs and validates the message, then delegates to the bus.
	Send(ctx context.Context, msg *bus.Message) (*bus.Message, error)

	// Publish signs and validates the message, then fans out via the
	// bus.
	Publish(ctx context.Context, msg *bus.Message) ([]*bus.Message, error)

	// Admin operations. Credentials and policies change only through
	// these calls, never as a side effect of message handling.
	RegisterCredential(cred Credential) error
	RevokeCredential(agentID string)
	AddPolicy(policy Policy) error
}

// Config configures the guard.
type Config struct {
	// FreshnessWindow bounds how old a signature timestamp may be
	// (default 5m).
	FreshnessWindow time.Duration

	// RateLimit and RateBurst bound per-agent send rates. A zero
	// RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults: a 5 minute freshness window
// and a generous per-agent rate of 100 messages/s with burst 200.
func DefaultConfig() *Config {
	return &Config{
		FreshnessWindow: defaultFresh,
		RateLimit:       rate.Limit(100),
		RateBurst:       200,
	}
}

// service implements the Service interface.
type service struct {
	bus    bus.Service
	config *Config
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	rejectCounter metric.Int64Counter

	mu          sync.RWMutex
	credentials map[string]*Credential
	policies    []Policy
	limiters    map[string]*rate.Limiter
}

// NewService creates a guard in front of the given bus.
func NewService(b bus.Service, cfg *Config) (Service, error) {
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = defaultFresh
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		bus:         b,
		config:      cfg,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		credentials: make(map[string]*Credential),
		limiters:    make(map[string]*rate.Limiter),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.rejectCounter, err = s.meter.Int64Counter(
		"secondbrain.guard.rejections_total",
		metric.WithDescription("Total messages rejected by reason"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		s.logger.Warn("failed to create rejection counter", zap.Error(err))
	}
}

func (s *service) RegisterCredential(cred Credential) error {
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.credentials[cred.AgentID] = &c
	return nil
}

func (s *service) RevokeCredential(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, agentID)
	delete(s.limiters, agentID)
}

func (s *service) AddPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append(s.policies, policy)
	return nil
}

// Sign embeds an HMAC-SHA256 signature over the message's identity
// fields and the current timestamp into the payload.
func (s *service) Sign(msg *bus.Message) error {
	s.mu.RLock()
	cred, ok := s.credentials[msg.Sender]
	s.mu.RUnlock()
	if !ok {
		return deny(RejectInvalidSignature, "no credential for sender %q", msg.Sender)
	}

	ts := time.Now().Unix()
	if msg.Payload == nil {
		msg.Payload = bus.Payload{}
	}
	msg.Payload[sigKey] = computeSignature(cred.Secret, msg.ID, msg.Sender, msg.Recipient, ts)
	msg.Payload[sigTimeKey] = strconv.FormatInt(ts, 10)
	return nil
}

// Validate runs the check chain and returns the first denial.
func (s *service) Validate(msg *bus.Message) error {
	if err := s.checkSignature(msg); err != nil {
		return s.reject(msg, err)
	}
	if err := s.checkFreshness(msg); err != nil {
		return s.reject(msg, err)
	}
	if err := s.checkRate(msg.Sender); err != nil {
		return s.reject(msg, err)
	}
	if err := s.checkAuthorization(msg); err != nil {
		return s.reject(msg, err)
	}
	return nil
}

func (s *service) reject(msg *bus.Message, err error) error {
	reason, _ := ReasonOf(err)
	if s.rejectCounter != nil {
		s.rejectCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("reason", string(reason)),
		))
	}
	s.logger.Debug("message rejected",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.String("reason", string(reason)),
	)
	return err
}

func (s *service) checkSignature(msg *bus.Message) error {
	sig, _ := msg.Payload[sigKey].(string)
	tsRaw, _ := msg.Payload[sigTimeKey].(string)
	if sig == "" || tsRaw == "" {
		return deny(RejectInvalidSignature, "missing signature")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return deny(RejectInvalidSignature, "malformed signature timestamp")
	}

	s.mu.RLock()
	cred, ok := s.credentials[msg.Sender]
	s.mu.RUnlock()
	if !ok {
		return deny(RejectInvalidSignature, "no credential for sender %q", msg.Sender)
	}

	expected := computeSignature(cred.Secret, msg.ID, msg.Sender, msg.Recipient, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return deny(RejectInvalidSignature, "signature mismatch")
	}
	return nil
}

func (s *service) checkFreshness(msg *bus.Message) error {
	tsRaw, _ := msg.Payload[sigTimeKey].(string)
	ts, _ := strconv.ParseInt(tsRaw, 10, 64)

	now := time.Now()
	age := now.Sub(time.Unix(ts, 0))
	if age > s.config.FreshnessWindow || age < -s.config.FreshnessWindow {
		return deny(RejectExpired, "signature timestamp outside freshness window")
	}

	s.mu.RLock()
	cred, ok := s.credentials[msg.Sender]
	s.mu.RUnlock()
	if !ok {
		// Revoked between the signature check and here.
		return deny(RejectInvalidSignature, "no credential for sender %q", msg.Sender)
	}
	if cred.expired(now) {
		return deny(RejectExpired, "credential for %q expired", msg.Sender)
	}
	return nil
}

func (s *service) checkRate(agentID string) error {
	if s.config.RateLimit == 0 {
		return nil
	}
	s.mu.Lock()
	limiter, ok := s.limiters[agentID]
	if !ok {
		limiter = rate.NewLimiter(s.config.RateLimit, s.config.RateBurst)
		s.limiters[agentID] = limiter
	}
	s.mu.Unlock()

	if !limiter.Allow() {
		return deny(RejectRateLimited, "agent %q exceeded send rate", agentID)
	}
	return nil
}

func (s *service) checkAuthorization(msg *bus.Message) error {
	resource := resourceOf(msg)
	required := requiredLevel(msg.Type)

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Explicit per-resource credential grants win over role policies.
	if cred, ok := s.credentials[msg.Sender]; ok && cred.allows(resource, required) {
		return nil
	}

	role, err := s.bus.Registry().Role(msg.Sender)
	if err != nil {
		return deny(RejectUnauthorized, "sender %q has no registered role", msg.Sender)
	}
	for i := range s.policies {
		p := &s.policies[i]
		if p.matchesResource(resource) && p.matchesRole(role) && p.Level >= required {
			return nil
		}
	}
	return deny(RejectUnauthorized, "role %q lacks %s on %s", role, required, resource)
}

// resourceOf derives the resource name: the payload's declared resource
// when present, the message type otherwise.
func resourceOf(msg *bus.Message) string {
	if r, ok := msg.Payload[resourceKey].(string); ok && r != "" {
		return r
	}
	return msg.Type
}

func computeSignature(secret, id, sender, recipient string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%s|%d", id, sender, recipient, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *service) Send(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	ctx, span := s.tracer.Start(ctx, "guard.send")
	defer span.End()

	if err := s.Sign(msg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.Validate(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "rejected")
		return nil, err
	}
	span.SetStatus(codes.Ok, "forwarded")
	return s.bus.Send(ctx, msg)
}

func (s *service) Publish(ctx context.Context, msg *bus.Message) ([]*bus.Message, error) {
	ctx, span := s.tracer.Start(ctx, "guard.publish")
	defer span.End()

	if err := s.Sign(msg); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.Validate(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "rejected")
		return nil, err
	}
	span.SetStatus(codes.Ok, "forwarded")
	return s.bus.Publish(ctx, msg)
}
