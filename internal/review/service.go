package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tmnsystems/secondbrain-sub001/internal/bus"
	"github.com/tmnsystems/secondbrain-sub001/internal/contextstore"
)

const instrumentationName = "github.com/tmnsystems/secondbrain-sub001/internal/review"

// Service is the review gate.
type Service interface {
	// Submit creates a pending request and enqueues it by priority.
	Submit(ctx context.Context, title string, content map[string]any, reviewType ReviewType, requester string, priority bus.Priority) (*ReviewRequest, error)

	// ProcessNext pops the highest-priority pending request, evaluates
	// it, and returns the completed request. Returns (nil, nil) when
	// the queue is empty. This is the only path from in_progress to a
	// terminal evaluation status.
	ProcessNext(ctx context.Context) (*ReviewRequest, error)

	// Status returns the request by id. An unknown id is ErrNotFound;
	// a known but unevaluated request is returned with its pending or
	// in_progress status.
	Status(requestID string) (*ReviewRequest, error)

	// NotifyImplementation attaches an implementation id and timestamp
	// to a completed request.
	NotifyImplementation(requestID, implementationID string) error

	// VerifyImplementation appends a verification feedback entry and
	// sets the verified flag. May be called repeatedly; each call
	// appends.
	VerifyImplementation(requestID string, passed bool, notes string) error

	// Cancel marks a still-pending request cancelled. Requests already
	// popped for evaluation cannot be cancelled.
	Cancel(requestID, reason string) error

	// RegisterEvaluator appends a custom criterion evaluator for a
	// review type.
	RegisterEvaluator(reviewType ReviewType, evaluator Evaluator)

	// QueueLen reports pending requests awaiting evaluation.
	QueueLen() int
}

// Config configures the review gate.
type Config struct {
	// Store, when set, receives a context object for every completed
	// review. Store failures are logged, never surfaced.
	Store contextstore.Service

	Logger *zap.Logger
}

// service implements the Service interface.
type service struct {
	store  contextstore.Service
	logger *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	submitCounter     metric.Int64Counter
	completionCounter metric.Int64Counter

	mu         sync.Mutex
	queue      *queue
	requests   map[string]*ReviewRequest
	evaluators map[ReviewType][]Evaluator
}

// NewService creates a review gate with the default criterion sets.
func NewService(cfg *Config) (Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		store:      cfg.Store,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		queue:      newQueue(),
		requests:   make(map[string]*ReviewRequest),
		evaluators: defaultEvaluators(),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.submitCounter, err = s.meter.Int64Counter(
		"secondbrain.review.submissions_total",
		metric.WithDescription("Total review requests submitted"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create submission counter", zap.Error(err))
	}

	s.completionCounter, err = s.meter.Int64Counter(
		"secondbrain.review.completions_total",
		metric.WithDescription("Total review requests completed by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create completion counter", zap.Error(err))
	}
}

func (s *service) Submit(ctx context.Context, title string, content map[string]any, reviewType ReviewType, requester string, priority bus.Priority) (*ReviewRequest, error) {
	_, span := s.tracer.Start(ctx, "review.submit")
	defer span.End()

	if _, err := ParseReviewType(string(reviewType)); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}

	req := &ReviewRequest{
		ID:         uuid.New().String(),
		Title:      title,
		ReviewType: reviewType,
		Requester:  requester,
		Priority:   priority,
		Status:     StatusPending,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	s.queue.push(req)
	s.mu.Unlock()

	if s.submitCounter != nil {
		s.submitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("review_type", string(reviewType)),
		))
	}
	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.String("review_type", string(reviewType)),
		attribute.String("priority", priority.String()),
	)
	span.SetStatus(codes.Ok, "submitted")

	s.logger.Debug("review request submitted",
		zap.String("request_id", req.ID),
		zap.String("review_type", string(reviewType)),
		zap.String("requester", requester),
	)
	return req.Clone(), nil
}

func (s *service) ProcessNext(ctx context.Context) (*ReviewRequest, error) {
	ctx, span := s.tracer.Start(ctx, "review.process_next")
	defer span.End()

	s.mu.Lock()
	req := s.queue.pop()
	if req == nil {
		s.mu.Unlock()
		span.SetStatus(codes.Ok, "queue empty")
		return nil, nil
	}
	now := time.Now().UTC()
	req.Status = StatusInProgress
	if req.ReviewStartedAt == nil {
		req.ReviewStartedAt = &now
	}
	evaluators := append([]Evaluator(nil), s.evaluators[req.ReviewType]...)
	content := req.Content
	s.mu.Unlock()

	// Evaluators are pure readers of the content; run them unlocked.
	results := make([]Feedback, 0, len(evaluators))
	for _, evaluator := range evaluators {
		results = append(results, s.evaluate(evaluator, content))
	}

	s.mu.Lock()
	req.Feedback = append(req.Feedback, results...)
	approval := true
	for _, fb := range results {
		if !fb.Passed {
			approval = false
			break
		}
	}
	req.Approval = approval
	if approval {
		req.Status = StatusApproved
	} else {
		req.Status = StatusChangesRequested
	}
	completed := time.Now().UTC()
	if req.ReviewCompletedAt == nil {
		req.ReviewCompletedAt = &completed
	}
	result := req.Clone()
	s.mu.Unlock()

	if s.completionCounter != nil {
		s.completionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(result.Status)),
		))
	}
	span.SetAttributes(
		attribute.String("request_id", result.ID),
		attribute.String("status", string(result.Status)),
		attribute.Bool("approval", result.Approval),
	)
	span.SetStatus(codes.Ok, "processed")

	s.persistOutcome(ctx, result)
	return result, nil
}

// evaluate runs one evaluator, converting a panic into a failed
// criterion so a broken evaluator fails closed.
func (s *service) evaluate(evaluator Evaluator, content map[string]any) (fb Feedback) {
	defer func() {
		if r := recover(); r != nil {
			fb = feedback("evaluator-panic", false, fmt.Sprintf("evaluator panic: %v", r))
			s.logger.Warn("review evaluator panicked", zap.Any("panic", r))
		}
	}()
	return evaluator(content)
}

func (s *service) Status(requestID string) (*ReviewRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return req.Clone(), nil
}

func (s *service) NotifyImplementation(requestID, implementationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.ReviewCompletedAt == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotCompleted, requestID, req.Status)
	}
	now := time.Now().UTC()
	req.ImplementationID = implementationID
	req.ImplementedAt = &now
	return nil
}

func (s *service) VerifyImplementation(requestID string, passed bool, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.ReviewCompletedAt == nil {
		return fmt.Errorf("%w: %s is %s", ErrNotCompleted, requestID, req.Status)
	}
	req.Feedback = append(req.Feedback, feedback("implementation-verification", passed, notes))
	req.ImplementationVerified = passed
	return nil
}

func (s *service) Cancel(requestID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if req.Status != StatusPending {
		if req.Status.Terminal() {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, requestID, req.Status)
		}
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, requestID, req.Status)
	}
	// ReviewCompletedAt is reserved for evaluated outcomes; a
	// cancelled request was never reviewed.
	req.Status = StatusCancelled
	req.CancelReason = reason

	s.logger.Debug("review request cancelled",
		zap.String("request_id", requestID),
		zap.String("reason", reason),
	)
	return nil
}

func (s *service) RegisterEvaluator(reviewType ReviewType, evaluator Evaluator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluators[reviewType] = append(s.evaluators[reviewType], evaluator)
}

func (s *service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pending()
}

// persistOutcome writes the completed review through the context store.
// Persistence is best-effort; the review verdict stands regardless.
func (s *service) persistOutcome(ctx context.Context, req *ReviewRequest) {
	if s.store == nil {
		return
	}

	obj := &contextstore.Object{
		Metadata: contextstore.Metadata{
			ContextType: contextstore.TypeReview,
			AgentID:     req.Requester,
			Tags:        []string{"review", string(req.ReviewType), string(req.Status)},
		},
		Content: map[string]any{
			"request_id":  req.ID,
			"title":       req.Title,
			"review_type": string(req.ReviewType),
			"status":      string(req.Status),
			"approval":    req.Approval,
			"feedback":    feedbackContent(req.Feedback),
		},
	}
	if err := s.store.Store(ctx, obj); err != nil {
		s.logger.Warn("failed to persist review outcome",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

func feedbackContent(entries []Feedback) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, fb := range entries {
		out = append(out, map[string]any{
			"criterion": fb.Criterion,
			"passed":    fb.Passed,
			"note":      fb.Note,
		})
	}
	return out
}
