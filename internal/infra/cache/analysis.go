package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AnalysisKey derives a stable cache key from the exact model request, so
// anything that changes the answer (model, system prompt, rendered file,
// sampling options) changes the key.
func AnalysisKey(req *domain.GenerationRequest) string {
	r := *req
	r.Stream = false

	h := xxhash.New()
	if body, err := json.Marshal(&r); err == nil {
		_, _ = h.Write(body)
	}
	return "analysis:" + strconv.FormatUint(h.Sum64(), 16)
}

// MemoryAnalysis keeps analyses in process memory.
type MemoryAnalysis struct {
	store *InMemory[*domain.AnalysisResult]
}

// NewMemoryAnalysis creates an in-memory analysis cache.
func NewMemoryAnalysis(ttl time.Duration) *MemoryAnalysis {
	return &MemoryAnalysis{store: New[*domain.AnalysisResult](ttl)}
}

func (m *MemoryAnalysis) Get(_ context.Context, key string) (*domain.AnalysisResult, bool) {
	return m.store.Get(key)
}

func (m *MemoryAnalysis) Set(_ context.Context, key string, result *domain.AnalysisResult) {
	m.store.Set(key, result)
}

// Close stops the background cleanup.
func (m *MemoryAnalysis) Close() {
	m.store.Close()
}

// RedisAnalysis shares analyses between BFA replicas. Redis failures are
// logged and treated as misses; the cache never fails an analysis.
type RedisAnalysis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisAnalysis wraps an existing Redis client.
func NewRedisAnalysis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisAnalysis {
	return &RedisAnalysis{client: client, ttl: ttl, logger: logger}
}

// NewRedisClient builds a client with the timeouts used across the BFA.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	})
}

func (r *RedisAnalysis) Get(ctx context.Context, key string) (*domain.AnalysisResult, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("redis: get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		r.logger.Warn("redis: corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &result, true
}

func (r *RedisAnalysis) Set(ctx context.Context, key string, result *domain.AnalysisResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("redis: set failed", zap.String("key", key), zap.Error(err))
	}
}

// Ping checks connectivity; used by the health endpoint.
func (r *RedisAnalysis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
