package contextstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tmnsystems/secondbrain-sub001/internal/config"
	"github.com/tmnsystems/secondbrain-sub001/internal/embeddings"
)

// NewServiceFromConfig builds the tier set the deployment configures and
// wraps it in a Service. The embedder may be nil when no semantic tier
// is configured.
func NewServiceFromConfig(cfg *config.StoreConfig, embedder embeddings.Embedder, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svcCfg := &ServiceConfig{
		CacheSize: cfg.CacheSize,
		Logger:    logger,
	}

	switch cfg.Fast.Provider {
	case "memory", "":
		svcCfg.Fast = NewMemoryTier(logger.Named("fast"))
	case "redis":
		tier, err := NewRedisTier(RedisConfig{
			URL:      cfg.Fast.Redis.URL,
			Password: cfg.Fast.Redis.Password.Value(),
			DB:       cfg.Fast.Redis.DB,
			TTL:      cfg.Fast.Redis.TTL.Duration(),
		}, logger.Named("fast"))
		if err != nil {
			return nil, fmt.Errorf("building redis fast tier: %w", err)
		}
		svcCfg.Fast = tier
	case "none":
	default:
		return nil, fmt.Errorf("unknown fast tier provider %q", cfg.Fast.Provider)
	}

	if cfg.Durable.Enabled {
		tier, err := NewSQLiteTier(SQLiteConfig{
			Path:     cfg.Durable.Path,
			PoolSize: cfg.Durable.PoolSize,
		}, logger.Named("durable"))
		if err != nil {
			return nil, fmt.Errorf("building sqlite durable tier: %w", err)
		}
		svcCfg.Durable = tier
	}

	switch cfg.Semantic.Provider {
	case "none", "":
	case "chromem":
		if embedder == nil {
			return nil, fmt.Errorf("%w: semantic tier configured without embedder", ErrSemanticUnavailable)
		}
		tier, err := NewChromemTier(ChromemConfig{
			Path:       cfg.Semantic.Chromem.Path,
			Compress:   cfg.Semantic.Chromem.Compress,
			Collection: cfg.Semantic.Chromem.Collection,
		}, embedder, logger.Named("semantic"))
		if err != nil {
			return nil, fmt.Errorf("building chromem semantic tier: %w", err)
		}
		svcCfg.Semantic = tier
	case "qdrant":
		if embedder == nil {
			return nil, fmt.Errorf("%w: semantic tier configured without embedder", ErrSemanticUnavailable)
		}
		tier, err := NewQdrantTier(QdrantConfig{
			Host:       cfg.Semantic.Qdrant.Host,
			Port:       cfg.Semantic.Qdrant.Port,
			UseTLS:     cfg.Semantic.Qdrant.UseTLS,
			APIKey:     cfg.Semantic.Qdrant.APIKey.Value(),
			Collection: cfg.Semantic.Qdrant.Collection,
			VectorSize: cfg.Semantic.Qdrant.VectorSize,
		}, embedder, logger.Named("semantic"))
		if err != nil {
			return nil, fmt.Errorf("building qdrant semantic tier: %w", err)
		}
		svcCfg.Semantic = tier
	default:
		return nil, fmt.Errorf("unknown semantic tier provider %q", cfg.Semantic.Provider)
	}

	return NewService(svcCfg)
}
