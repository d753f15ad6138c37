package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tmnsystems/secondbrain-sub001/internal/embeddings"
)

// QdrantConfig holds settings for the remote semantic tier.
type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	APIKey     string
	Collection string

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	// RetryAttempts is the number of retries for transient gRPC errors.
	RetryAttempts int

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "contexts"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// QdrantTier is the remote semantic tier, speaking gRPC to a Qdrant
// server. Payload carries the same metadata as the embedded tier plus
// the full record for lossless retrieval by id.
type QdrantTier struct {
	client   *qdrant.Client
	embedder embeddings.Embedder
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantTier connects to Qdrant and ensures the collection exists.
func NewQdrantTier(cfg QdrantConfig, embedder embeddings.Embedder, logger *zap.Logger) (*QdrantTier, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrSemanticUnavailable)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	qdrantConfig := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	}
	if !cfg.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	t := &QdrantTier{client: client, embedder: embedder, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := t.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant semantic tier connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return t, nil
}

func (t *QdrantTier) ensureCollection(ctx context.Context) error {
	exists, err := t.client.CollectionExists(ctx, t.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if exists {
		return nil
	}
	err = t.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: t.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     t.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", t.config.Collection, err)
	}
	return nil
}

// Name returns the tier name.
func (t *QdrantTier) Name() string { return TierSemantic }

// Store embeds the summary text and upserts a point keyed by the
// object's id.
func (t *QdrantTier) Store(ctx context.Context, obj *Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	vectors, err := t.embedder.EmbedDocuments(ctx, []string{obj.SummaryText()})
	if err != nil {
		return fmt.Errorf("%w: %v", embeddings.ErrEmbeddingFailed, err)
	}

	meta, err := semanticMetadata(obj)
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(meta))
	for k, v := range meta {
		payload[k] = v
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(obj.Metadata.ContextID),
		Vectors: qdrant.NewVectors(vectors[0]...),
		Payload: qdrant.NewValueMap(payload),
	}

	return t.retryOperation(ctx, func() error {
		_, err := t.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: t.config.Collection,
			Points:         []*qdrant.PointStruct{point},
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
}

// GetByID fetches the point and rebuilds the object from its payload.
func (t *QdrantTier) GetByID(ctx context.Context, id string) (*Object, error) {
	var points []*qdrant.RetrievedPoint
	err := t.retryOperation(ctx, func() error {
		var opErr error
		points, opErr = t.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: t.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant get: %v", ErrTierUnavailable, err)
	}
	if len(points) == 0 {
		return nil, ErrNotFound
	}

	obj, err := objectFromQdrantPayload(points[0].Payload)
	if err != nil {
		return nil, err
	}
	if obj.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return obj, nil
}

// FindByFilter runs nearest-neighbor search, with single-valued
// predicates pushed down as keyword match conditions.
func (t *QdrantTier) FindByFilter(ctx context.Context, filter Filter) ([]*Object, error) {
	if filter.Text == "" {
		return nil, fmt.Errorf("%w: text query required", ErrSemanticUnavailable)
	}

	vector, err := t.embedder.EmbedQuery(ctx, filter.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embeddings.ErrEmbeddingFailed, err)
	}

	limit := uint64(filter.Limit)
	if limit == 0 {
		limit = 10
	}

	var results []*qdrant.ScoredPoint
	err = t.retryOperation(ctx, func() error {
		var opErr error
		results, opErr = t.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: t.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(limit),
			Filter:         qdrantFilter(filter),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant query: %v", ErrTierUnavailable, err)
	}

	now := time.Now()
	out := make([]*Object, 0, len(results))
	for _, point := range results {
		obj, convErr := objectFromQdrantPayload(point.Payload)
		if convErr != nil {
			t.logger.Warn("skipping undecodable qdrant point", zap.Error(convErr))
			continue
		}
		if obj.Expired(now) || !filter.Matches(obj) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Delete removes the point. Absent ids are ignored by the server.
func (t *QdrantTier) Delete(ctx context.Context, id string) error {
	return t.retryOperation(ctx, func() error {
		_, err := t.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: t.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{
						Ids: []*qdrant.PointId{qdrant.NewIDUUID(id)},
					},
				},
			},
		})
		return err
	})
}

// Healthy performs a health check against the server.
func (t *QdrantTier) Healthy(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := t.client.HealthCheck(checkCtx)
	return err == nil
}

// Close closes the gRPC connection.
func (t *QdrantTier) Close() error {
	return t.client.Close()
}

// retryOperation retries transient gRPC failures with exponential backoff.
func (t *QdrantTier) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := time.Second

	for attempt := 0; attempt <= t.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) || attempt == t.config.RetryAttempts {
			break
		}

		t.logger.Debug("retrying qdrant operation",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}

// isTransientError reports whether a gRPC error should be retried.
func isTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func objectFromQdrantPayload(payload map[string]*qdrant.Value) (*Object, error) {
	record, ok := payload["_record"]
	if !ok {
		return nil, fmt.Errorf("%w: point missing record payload", ErrInvalidObject)
	}
	var obj Object
	if err := json.Unmarshal([]byte(record.GetStringValue()), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	return &obj, nil
}

// qdrantFilter pushes single-valued predicates down as keyword matches.
// Tag predicates are re-checked in Go after the query.
func qdrantFilter(filter Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	add := func(key, value string) {
		if value != "" {
			must = append(must, qdrant.NewMatch(key, value))
		}
	}
	add("context_type", filter.ContextType)
	add("session_id", filter.SessionID)
	add("agent_id", filter.AgentID)
	add("task_id", filter.TaskID)
	add("workflow_id", filter.WorkflowID)
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

var _ Tier = (*QdrantTier)(nil)
