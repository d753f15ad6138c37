package contextstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/tmnsystems/secondbrain-sub001/internal/contextstore"

// FindMode selects between metadata-filter and similarity search.
type FindMode string

const (
	FindFilter   FindMode = "filter"
	FindSemantic FindMode = "semantic"
)

// Service provides tiered context persistence.
type Service interface {
	// Store writes the object to the named tiers (all configured tiers
	// when none are named) concurrently. Success requires every
	// attempted tier to succeed; tiers that already succeeded are not
	// rolled back on partial failure.
	Store(ctx context.Context, obj *Object, tiers ...string) error

	// Get returns the object from the fastest tier holding it,
	// promoting slower-tier hits into all faster tiers. With
	// populateRelated, a one-level summary of each related object is
	// attached.
	Get(ctx context.Context, id string, populateRelated bool) (*Object, error)

	// Find queries objects. Filter mode consults durable, then fast,
	// then semantic tiers, de-duplicating by id. Semantic mode
	// requires filter.Text and a configured semantic tier.
	Find(ctx context.Context, filter Filter, mode FindMode) ([]*Object, error)

	// Bridge links two existing objects by appending each other's id
	// to their related sets and recording durable edges.
	Bridge(ctx context.Context, idA, idB string, bidirectional bool) error

	// Compact creates a fresh session object carrying forward summary
	// state from the old session's object, then bridges old and new.
	// The old object is never mutated.
	Compact(ctx context.Context, oldSessionID, newSessionID, reason, summary string) (*Object, error)

	// Delete removes the object from every tier and the cache.
	Delete(ctx context.Context, id string) error

	// Healthy reports per-tier health.
	Healthy(ctx context.Context) map[string]bool

	// Close closes all tiers.
	Close() error
}

// ServiceConfig configures the context store service.
type ServiceConfig struct {
	// Fast, Durable, Semantic are the deployment's tiers. Any may be
	// nil; at least one is required.
	Fast     Tier
	Durable  Tier
	Semantic Tier

	// CacheSize bounds the in-process LRU (default 256).
	CacheSize int

	Logger *zap.Logger
}

// service implements the Service interface.
type service struct {
	// tiers in fast-to-slow lookup order.
	tiers  []Tier
	byName map[string]Tier

	cache  *objectCache
	logger *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	storeCounter     metric.Int64Counter
	getCounter       metric.Int64Counter
	promotionCounter metric.Int64Counter
	findCounter      metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates the tiered context store.
func NewService(cfg *ServiceConfig) (Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		byName: make(map[string]Tier),
		cache:  newObjectCache(cfg.CacheSize),
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, tier := range []Tier{cfg.Fast, cfg.Durable, cfg.Semantic} {
		if tier == nil {
			continue
		}
		s.tiers = append(s.tiers, tier)
		s.byName[tier.Name()] = tier
	}
	if len(s.tiers) == 0 {
		return nil, errors.New("at least one storage tier is required")
	}

	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.storeCounter, err = s.meter.Int64Counter(
		"secondbrain.context.stores_total",
		metric.WithDescription("Total context store operations by tier and status"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create store counter", zap.Error(err))
	}

	s.getCounter, err = s.meter.Int64Counter(
		"secondbrain.context.gets_total",
		metric.WithDescription("Total context reads by source (cache, tier name, or miss)"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create get counter", zap.Error(err))
	}

	s.promotionCounter, err = s.meter.Int64Counter(
		"secondbrain.context.promotions_total",
		metric.WithDescription("Total promotions of slower-tier hits into faster tiers"),
		metric.WithUnit("{promotion}"),
	)
	if err != nil {
		s.logger.Warn("failed to create promotion counter", zap.Error(err))
	}

	s.findCounter, err = s.meter.Int64Counter(
		"secondbrain.context.finds_total",
		metric.WithDescription("Total context queries by mode"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		s.logger.Warn("failed to create find counter", zap.Error(err))
	}
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("context store is closed")
	}
	return nil
}

// Store writes the object to the requested tiers concurrently.
func (s *service) Store(ctx context.Context, obj *Object, tiers ...string) error {
	ctx, span := s.tracer.Start(ctx, "contextstore.store")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if obj.Metadata.ContextID == "" {
		obj.Metadata.ContextID = uuid.New().String()
	}
	if obj.Metadata.CreatedAt.IsZero() {
		obj.Metadata.CreatedAt = now
	}
	obj.Metadata.UpdatedAt = now

	if err := obj.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.String("context_id", obj.Metadata.ContextID),
		attribute.String("context_type", obj.Metadata.ContextType),
	)

	targets, err := s.resolveTiers(tiers)
	if err != nil {
		span.RecordError(err)
		return err
	}

	type tierResult struct {
		name string
		err  error
	}
	results := make([]tierResult, len(targets))

	var wg sync.WaitGroup
	for i, tier := range targets {
		wg.Add(1)
		go func(i int, tier Tier) {
			defer wg.Done()
			results[i] = tierResult{name: tier.Name(), err: tier.Store(ctx, obj)}
		}(i, tier)
	}
	wg.Wait()

	var succeeded, failed []string
	var errs []error
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r.name)
			errs = append(errs, fmt.Errorf("tier %s: %w", r.name, r.err))
			s.recordStore(ctx, r.name, "error")
			continue
		}
		succeeded = append(succeeded, r.name)
		s.recordStore(ctx, r.name, "ok")
	}
	obj.Tiers = succeeded

	s.cache.invalidate(obj.Metadata.ContextID)
	if len(succeeded) > 0 {
		s.cache.put(obj)
	}

	if len(failed) == len(targets) {
		span.SetStatus(codes.Error, "all tiers failed")
		return fmt.Errorf("%w: %v", ErrAllTiersFailed, errors.Join(errs...))
	}
	if len(failed) > 0 {
		span.SetStatus(codes.Error, "partial tier failure")
		return fmt.Errorf("stored to [%s] but failed on [%s]: %w",
			strings.Join(succeeded, ", "), strings.Join(failed, ", "), errors.Join(errs...))
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *service) resolveTiers(names []string) ([]Tier, error) {
	if len(names) == 0 {
		return s.tiers, nil
	}
	out := make([]Tier, 0, len(names))
	for _, name := range names {
		tier, ok := s.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, name)
		}
		out = append(out, tier)
	}
	return out, nil
}

// Get checks the cache, then each tier fast-to-slow, promoting hits.
func (s *service) Get(ctx context.Context, id string, populateRelated bool) (*Object, error) {
	ctx, span := s.tracer.Start(ctx, "contextstore.get")
	defer span.End()
	span.SetAttributes(attribute.String("context_id", id))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	obj, source, err := s.lookup(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.recordGet(ctx, "miss")
		return nil, err
	}
	span.SetAttributes(attribute.String("source", source))
	s.recordGet(ctx, source)

	if populateRelated {
		s.populateRelated(ctx, obj)
	}

	span.SetStatus(codes.Ok, "success")
	return obj, nil
}

// lookup performs the tier walk and promotion; related population is
// left to the caller so it never recurses.
func (s *service) lookup(ctx context.Context, id string) (*Object, string, error) {
	if obj, ok := s.cache.get(id); ok {
		return obj, "cache", nil
	}

	for i, tier := range s.tiers {
		obj, err := tier.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("tier read failed, falling through",
				zap.String("tier", tier.Name()),
				zap.String("context_id", id),
				zap.Error(err),
			)
			continue
		}

		s.promote(ctx, obj, i)
		s.cache.put(obj)
		return obj, tier.Name(), nil
	}
	return nil, "", ErrNotFound
}

// promote writes a slower-tier hit into every faster tier.
func (s *service) promote(ctx context.Context, obj *Object, foundAt int) {
	for _, faster := range s.tiers[:foundAt] {
		if err := faster.Store(ctx, obj); err != nil {
			s.logger.Warn("promotion failed",
				zap.String("tier", faster.Name()),
				zap.String("context_id", obj.Metadata.ContextID),
				zap.Error(err),
			)
			continue
		}
		if s.promotionCounter != nil {
			s.promotionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", faster.Name())))
		}
	}
}

func (s *service) populateRelated(ctx context.Context, obj *Object) {
	for _, relatedID := range obj.Metadata.RelatedContextIDs {
		related, _, err := s.lookup(ctx, relatedID)
		if err != nil {
			continue
		}
		obj.RelatedSummaries = append(obj.RelatedSummaries, related.Summarize())
	}
}

// Find queries objects by filter or similarity.
func (s *service) Find(ctx context.Context, filter Filter, mode FindMode) ([]*Object, error) {
	ctx, span := s.tracer.Start(ctx, "contextstore.find")
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(mode)))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.findCounter != nil {
		s.findCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	}

	switch mode {
	case FindFilter, "":
		return s.findByFilter(ctx, filter)
	case FindSemantic:
		return s.findSemantic(ctx, span, filter)
	default:
		return nil, fmt.Errorf("unknown find mode %q", mode)
	}
}

// findByFilter fills result slots from the durable tier first, then the
// fast tier, then the semantic tier when the filter carries text.
func (s *service) findByFilter(ctx context.Context, filter Filter) ([]*Object, error) {
	order := make([]Tier, 0, len(s.tiers))
	if durable, ok := s.byName[TierDurable]; ok {
		order = append(order, durable)
	}
	if fast, ok := s.byName[TierFast]; ok {
		order = append(order, fast)
	}
	if semantic, ok := s.byName[TierSemantic]; ok && filter.Text != "" {
		order = append(order, semantic)
	}
	if len(order) == 0 {
		order = s.tiers
	}

	seen := make(map[string]struct{})
	var out []*Object
	for _, tier := range order {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		remaining := filter
		if filter.Limit > 0 {
			remaining.Limit = filter.Limit - len(out)
		}

		objs, err := tier.FindByFilter(ctx, remaining)
		if err != nil {
			s.logger.Warn("tier find failed, continuing",
				zap.String("tier", tier.Name()),
				zap.Error(err),
			)
			continue
		}
		for _, obj := range objs {
			if _, dup := seen[obj.Metadata.ContextID]; dup {
				continue
			}
			seen[obj.Metadata.ContextID] = struct{}{}
			out = append(out, obj)
		}
	}
	return out, nil
}

func (s *service) findSemantic(ctx context.Context, span trace.Span, filter Filter) ([]*Object, error) {
	semantic, ok := s.byName[TierSemantic]
	if !ok {
		span.SetStatus(codes.Error, "no semantic tier")
		return nil, fmt.Errorf("%w: no semantic tier configured", ErrSemanticUnavailable)
	}
	if filter.Text == "" {
		span.SetStatus(codes.Error, "no text query")
		return nil, fmt.Errorf("%w: text query required", ErrSemanticUnavailable)
	}
	return semantic.FindByFilter(ctx, filter)
}

// Bridge links two existing objects.
func (s *service) Bridge(ctx context.Context, idA, idB string, bidirectional bool) error {
	ctx, span := s.tracer.Start(ctx, "contextstore.bridge")
	defer span.End()
	span.SetAttributes(
		attribute.String("id_a", idA),
		attribute.String("id_b", idB),
		attribute.Bool("bidirectional", bidirectional),
	)

	if err := s.checkOpen(); err != nil {
		return err
	}

	objA, _, err := s.lookup(ctx, idA)
	if err != nil {
		span.SetStatus(codes.Error, "first object missing")
		return fmt.Errorf("bridge source %s: %w", idA, err)
	}
	objB, _, err := s.lookup(ctx, idB)
	if err != nil {
		span.SetStatus(codes.Error, "second object missing")
		return fmt.Errorf("bridge target %s: %w", idB, err)
	}

	objA.AddRelated(idB)
	if bidirectional {
		objB.AddRelated(idA)
	}

	if err := s.Store(ctx, objA); err != nil {
		return fmt.Errorf("re-storing %s: %w", idA, err)
	}
	if bidirectional {
		if err := s.Store(ctx, objB); err != nil {
			return fmt.Errorf("re-storing %s: %w", idB, err)
		}
	}

	if durable, ok := s.byName[TierDurable]; ok {
		if recorder, ok := durable.(EdgeRecorder); ok {
			if err := recorder.RecordEdge(ctx, idA, idB, "bridge"); err != nil {
				s.logger.Warn("failed to record bridge edge", zap.Error(err))
			}
			if bidirectional {
				if err := recorder.RecordEdge(ctx, idB, idA, "bridge"); err != nil {
					s.logger.Warn("failed to record bridge edge", zap.Error(err))
				}
			}
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Compact creates a new session object descending from the old one.
func (s *service) Compact(ctx context.Context, oldSessionID, newSessionID, reason, summary string) (*Object, error) {
	ctx, span := s.tracer.Start(ctx, "contextstore.compact")
	defer span.End()
	span.SetAttributes(
		attribute.String("old_session", oldSessionID),
		attribute.String("new_session", newSessionID),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	old, err := s.findSessionObject(ctx, oldSessionID)
	if err != nil {
		span.SetStatus(codes.Error, "old session not found")
		return nil, fmt.Errorf("compacting session %s: %w", oldSessionID, err)
	}

	content := map[string]any{
		"compaction_reason": reason,
		"summary":           summary,
	}
	// Carry forward the fields the next session needs to resume work.
	for _, key := range []string{"task_list", "agent_state"} {
		if v, ok := old.Content[key]; ok {
			content[key] = v
		}
	}

	fresh := &Object{
		Metadata: Metadata{
			ContextID:       uuid.New().String(),
			ContextType:     TypeSession,
			SessionID:       newSessionID,
			ParentContextID: old.Metadata.ContextID,
			Tags:            append([]string(nil), old.Metadata.Tags...),
		},
		Content: content,
	}

	if err := s.Store(ctx, fresh); err != nil {
		return nil, fmt.Errorf("storing compacted session: %w", err)
	}
	if err := s.Bridge(ctx, old.Metadata.ContextID, fresh.Metadata.ContextID, true); err != nil {
		return nil, fmt.Errorf("bridging sessions: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("session compacted",
		zap.String("old_session", oldSessionID),
		zap.String("new_session", newSessionID),
		zap.String("new_context_id", fresh.Metadata.ContextID),
	)
	return fresh, nil
}

// findSessionObject locates the session's context object either by
// session id filter or, failing that, treating the argument as an
// object id.
func (s *service) findSessionObject(ctx context.Context, sessionID string) (*Object, error) {
	objs, err := s.findByFilter(ctx, Filter{ContextType: TypeSession, SessionID: sessionID, Limit: 1})
	if err == nil && len(objs) > 0 {
		return objs[0], nil
	}
	obj, _, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, ErrNotFound
	}
	return obj, nil
}

// Delete removes the object everywhere.
func (s *service) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "contextstore.delete")
	defer span.End()
	span.SetAttributes(attribute.String("context_id", id))

	if err := s.checkOpen(); err != nil {
		return err
	}

	s.cache.invalidate(id)

	var errs []error
	for _, tier := range s.tiers {
		if err := tier.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Healthy reports per-tier health.
func (s *service) Healthy(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(s.tiers))
	for _, tier := range s.tiers {
		out[tier.Name()] = tier.Healthy(ctx)
	}
	return out
}

// Close closes every tier.
func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, tier := range s.tiers {
		if err := tier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tier %s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *service) recordStore(ctx context.Context, tier, status string) {
	if s.storeCounter == nil {
		return
	}
	s.storeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", status),
	))
}

func (s *service) recordGet(ctx context.Context, source string) {
	if s.getCounter == nil {
		return
	}
	s.getCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
