package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/tmnsystems/secondbrain-sub001/internal/embeddings"
)

// ChromemConfig holds configuration for the embedded semantic tier.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection name. Defaults to "contexts".
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "contexts"
	}
}

// ChromemTier is the embedded semantic tier backed by chromem-go. The
// object's summary text is embedded; metadata rides along as filter
// payload, and the full object is carried in the payload for lossless
// retrieval by id.
type ChromemTier struct {
	db       *chromem.DB
	embedder embeddings.Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromemTier creates the embedded semantic tier. An embedder is
// required; without one the deployment should not configure a semantic
// tier at all.
func NewChromemTier(cfg ChromemConfig, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemTier, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrSemanticUnavailable)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: chromem path is required", ErrTierUnavailable)
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
	}

	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem semantic tier initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Bool("compress", cfg.Compress),
	)

	return &ChromemTier{db: db, embedder: embedder, config: cfg, logger: logger}, nil
}

// Name returns the tier name.
func (t *ChromemTier) Name() string { return TierSemantic }

func (t *ChromemTier) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return t.embedder.EmbedQuery(ctx, text)
	}
}

func (t *ChromemTier) collection() (*chromem.Collection, error) {
	col, err := t.db.GetOrCreateCollection(t.config.Collection, nil, t.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", t.config.Collection, err)
	}
	return col, nil
}

// Store embeds the object's summary text and upserts the document.
func (t *ChromemTier) Store(ctx context.Context, obj *Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	col, err := t.collection()
	if err != nil {
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

	doc := chromem.Document{
		ID:        obj.Metadata.ContextID,
		Content:   obj.SummaryText(),
		Metadata:  meta,
		Embedding: vectors[0],
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("adding document %s: %w", obj.Metadata.ContextID, err)
	}
	return nil
}

// GetByID fetches the full object back out of the document payload.
func (t *ChromemTier) GetByID(ctx context.Context, id string) (*Object, error) {
	col, err := t.collection()
	if err != nil {
		return nil, err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}

	obj, err := objectFromSemanticMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}
	if obj.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return obj, nil
}

// FindByFilter runs nearest-neighbor search over the summary embeddings.
// Filter.Text is the query; metadata predicates become a where filter.
// Without text the semantic tier has nothing to rank by and returns
// ErrSemanticUnavailable.
func (t *ChromemTier) FindByFilter(ctx context.Context, filter Filter) ([]*Object, error) {
	if filter.Text == "" {
		return nil, fmt.Errorf("%w: text query required", ErrSemanticUnavailable)
	}

	col, err := t.collection()
	if err != nil {
		return nil, err
	}

	k := filter.Limit
	if k <= 0 {
		k = 10
	}
	// chromem requires nResults <= document count.
	if count := col.Count(); count == 0 {
		return nil, nil
	} else if k > count {
		k = count
	}

	where := semanticWhere(filter)
	results, err := col.Query(ctx, filter.Text, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	now := time.Now()
	out := make([]*Object, 0, len(results))
	for _, r := range results {
		obj, convErr := objectFromSemanticMetadata(r.Metadata)
		if convErr != nil {
			t.logger.Warn("skipping undecodable semantic result",
				zap.String("id", r.ID),
				zap.Error(convErr),
			)
			continue
		}
		if obj.Expired(now) || !filter.Matches(obj) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// Delete removes the document. Absent ids are ignored.
func (t *ChromemTier) Delete(ctx context.Context, id string) error {
	col, err := t.collection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		// chromem errors on unknown ids; absence is not a failure here.
		t.logger.Debug("chromem delete", zap.String("id", id), zap.Error(err))
	}
	return nil
}

// Healthy reports whether the collection is reachable.
func (t *ChromemTier) Healthy(ctx context.Context) bool {
	_, err := t.collection()
	return err == nil
}

// Close is a no-op; chromem persists on write.
func (t *ChromemTier) Close() error {
	return nil
}

// semanticMetadata flattens the object for chromem's string-valued
// metadata, carrying the full export record for lossless retrieval.
func semanticMetadata(obj *Object) (map[string]string, error) {
	record, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshaling object %s: %w", obj.Metadata.ContextID, err)
	}
	meta := map[string]string{
		"context_id":   obj.Metadata.ContextID,
		"context_type": obj.Metadata.ContextType,
		"_record":      string(record),
	}
	if obj.Metadata.SessionID != "" {
		meta["session_id"] = obj.Metadata.SessionID
	}
	if obj.Metadata.AgentID != "" {
		meta["agent_id"] = obj.Metadata.AgentID
	}
	if obj.Metadata.TaskID != "" {
		meta["task_id"] = obj.Metadata.TaskID
	}
	if obj.Metadata.WorkflowID != "" {
		meta["workflow_id"] = obj.Metadata.WorkflowID
	}
	return meta, nil
}

func objectFromSemanticMetadata(meta map[string]string) (*Object, error) {
	record, ok := meta["_record"]
	if !ok {
		return nil, fmt.Errorf("%w: document missing record payload", ErrInvalidObject)
	}
	var obj Object
	if err := json.Unmarshal([]byte(record), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	return &obj, nil
}

// semanticWhere maps single-valued filter predicates onto chromem's
// where filter. Tag predicates are re-checked in Go after the query.
func semanticWhere(filter Filter) map[string]string {
	where := make(map[string]string)
	if filter.ContextType != "" {
		where["context_type"] = filter.ContextType
	}
	if filter.SessionID != "" {
		where["session_id"] = filter.SessionID
	}
	if filter.AgentID != "" {
		where["agent_id"] = filter.AgentID
	}
	if filter.TaskID != "" {
		where["task_id"] = filter.TaskID
	}
	if filter.WorkflowID != "" {
		where["workflow_id"] = filter.WorkflowID
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

var _ Tier = (*ChromemTier)(nil)
