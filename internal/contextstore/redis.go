package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key prefixes for the Redis fast tier. Objects live under ctx:obj:<id>;
// secondary index sets under ctx:idx:<field>:<value>.
const (
	redisKeyObject = "ctx:obj:"
	redisKeyIndex  = "ctx:idx:"
)

// RedisConfig holds Redis fast-tier connection settings.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// Password overrides any password in the URL.
	Password string

	// DB selects the logical database.
	DB int

	// TTL is a default expiry applied to stored objects without their
	// own ExpiresAt. Zero means no default expiry.
	TTL time.Duration
}

// RedisTier is a shared fast tier backed by Redis: JSON values keyed by
// id, with SET-based secondary indexes. A down server degrades reads to
// misses instead of failing multi-tier operations.
type RedisTier struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisTier creates a Redis-backed fast tier. The connection is
// verified with a ping but a failed ping is not fatal; the tier reports
// unhealthy until the server comes back.
func NewRedisTier(cfg RedisConfig, logger *zap.Logger) (*RedisTier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: redis url is required", ErrTierUnavailable)
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis fast tier unreachable at startup", zap.Error(err))
	}

	return &RedisTier{client: client, config: cfg, logger: logger}, nil
}

// Name returns the tier name.
func (t *RedisTier) Name() string { return TierFast }

// Store writes the object as JSON and updates the secondary index sets.
func (t *RedisTier) Store(ctx context.Context, obj *Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}

	id := obj.Metadata.ContextID
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshaling object %s: %w", id, err)
	}

	// Replacing an object may change its index membership.
	if old, err := t.GetByID(ctx, id); err == nil {
		t.removeIndexes(ctx, old)
	}

	ttl := t.config.TTL
	if obj.ExpiresAt != nil {
		ttl = time.Until(*obj.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}

	pipe := t.client.TxPipeline()
	pipe.Set(ctx, redisKeyObject+id, data, ttl)
	for _, key := range indexKeys(obj) {
		pipe.SAdd(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis store: %v", ErrTierUnavailable, err)
	}
	return nil
}

// GetByID returns the object or ErrNotFound.
func (t *RedisTier) GetByID(ctx context.Context, id string) (*Object, error) {
	data, err := t.client.Get(ctx, redisKeyObject+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", ErrTierUnavailable, err)
	}

	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshaling object %s: %w", id, err)
	}
	if obj.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &obj, nil
}

// FindByFilter intersects the filter's index sets, then loads and
// re-checks each candidate. An unindexed (empty) filter scans object keys.
func (t *RedisTier) FindByFilter(ctx context.Context, filter Filter) ([]*Object, error) {
	ids, err := t.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*Object, 0, len(ids))
	for _, id := range ids {
		obj, err := t.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if !filter.Matches(obj) {
			continue
		}
		out = append(out, obj)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *RedisTier) candidateIDs(ctx context.Context, filter Filter) ([]string, error) {
	keys := filterIndexKeys(filter)
	if len(keys) > 0 {
		ids, err := t.client.SInter(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis sinter: %v", ErrTierUnavailable, err)
		}
		return ids, nil
	}

	var ids []string
	iter := t.client.Scan(ctx, 0, redisKeyObject+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(redisKeyObject):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", ErrTierUnavailable, err)
	}
	return ids, nil
}

// Delete removes the object and its index memberships.
func (t *RedisTier) Delete(ctx context.Context, id string) error {
	if old, err := t.GetByID(ctx, id); err == nil {
		t.removeIndexes(ctx, old)
	}
	if err := t.client.Del(ctx, redisKeyObject+id).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrTierUnavailable, err)
	}
	return nil
}

// Healthy pings the server with a short deadline.
func (t *RedisTier) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return t.client.Ping(pingCtx).Err() == nil
}

// Close closes the underlying client.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

func (t *RedisTier) removeIndexes(ctx context.Context, obj *Object) {
	pipe := t.client.TxPipeline()
	for _, key := range indexKeys(obj) {
		pipe.SRem(ctx, key, obj.Metadata.ContextID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("failed to remove redis index entries",
			zap.String("context_id", obj.Metadata.ContextID),
			zap.Error(err),
		)
	}
}

func indexKeys(obj *Object) []string {
	var keys []string
	add := func(field, value string) {
		if value != "" {
			keys = append(keys, redisKeyIndex+field+":"+value)
		}
	}
	add("type", obj.Metadata.ContextType)
	add("session", obj.Metadata.SessionID)
	add("agent", obj.Metadata.AgentID)
	add("task", obj.Metadata.TaskID)
	add("workflow", obj.Metadata.WorkflowID)
	for _, tag := range obj.Metadata.Tags {
		add("tag", tag)
	}
	return keys
}

func filterIndexKeys(filter Filter) []string {
	var keys []string
	add := func(field, value string) {
		if value != "" {
			keys = append(keys, redisKeyIndex+field+":"+value)
		}
	}
	add("type", filter.ContextType)
	add("session", filter.SessionID)
	add("agent", filter.AgentID)
	add("task", filter.TaskID)
	add("workflow", filter.WorkflowID)
	for _, tag := range filter.Tags {
		add("tag", tag)
	}
	return keys
}

var _ Tier = (*RedisTier)(nil)
