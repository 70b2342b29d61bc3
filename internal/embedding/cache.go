package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by Cache.Get when no vector is stored for a key.
var ErrCacheMiss = errors.New("embedding cache miss")

// Cache stores embeddings keyed by model and text.
type Cache interface {
	Get(ctx context.Context, model, text string) ([]float64, error)
	Set(ctx context.Context, model, text string, vec []float64) error
}

// RedisCacheConfig configures a RedisCache.
type RedisCacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

// RedisCache keeps embeddings in Redis so repeated query texts skip the
// provider, across processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisCacheConfig, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "engram:emb:"
	}
	logger.Info("embedding cache connected", zap.String("addr", cfg.Addr), zap.Duration("ttl", cfg.TTL))
	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		prefix: prefix,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}, nil
}

// Get returns the cached vector or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, model, text string) ([]float64, error) {
	val, err := c.client.Get(ctx, c.key(model, text)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if len(val)%8 != 0 {
		return nil, fmt.Errorf("cache get: corrupt entry of %d bytes", len(val))
	}
	return decodeVector(val), nil
}

// Set stores a vector under the configured TTL (0 keeps it forever).
func (c *RedisCache) Set(ctx context.Context, model, text string, vec []float64) error {
	if err := c.client.Set(ctx, c.key(model, text), encodeVector(vec), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + model + ":" + hex.EncodeToString(sum[:])
}

func encodeVector(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
