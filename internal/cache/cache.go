// Package cache holds short-lived API responses in Redis so repeated
// dashboard polls do not recompute risk reports.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"ledger-risk/internal/metrics"
)

// ErrMiss is returned by a Store when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Config holds Redis connection and TTL settings.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`

	RiskTTL  time.Duration `yaml:"risk_ttl"`
	StatsTTL time.Duration `yaml:"stats_ttl"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
		MaxRetries:   1,
		RiskTTL:      30 * time.Second,
		StatsTTL:     10 * time.Second,
	}
}

// Store is a byte-oriented key/value store with expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// RedisStore is a Store backed by go-redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Get retrieves a value.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return val, err
}

// Set stores a value with TTL.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes keys.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// MemoryStore is an in-process Store used when Redis is disabled.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	expiry map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Get retrieves a value.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.expiry[key]; ok && !m.now().Before(exp) {
		delete(m.data, key)
		delete(m.expiry, key)
		return nil, ErrMiss
	}
	val, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return val, nil
}

// Set stores a value with TTL.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

// Delete removes keys.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.expiry, k)
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Responses caches JSON API responses. Cache failures are logged and treated
// as misses; they never fail a request.
type Responses struct {
	store  Store
	config Config
	logger *slog.Logger
}

// NewResponses creates a response cache over store.
func NewResponses(store Store, cfg Config, logger *slog.Logger) *Responses {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responses{store: store, config: cfg, logger: logger}
}

// RiskKey is the cache key for a risk analysis request.
func RiskKey(timeRange string, minA, minB int, maxC decimal.Decimal) string {
	return fmt.Sprintf("api:risk:%s:%d:%d:%s", timeRange, minA, minB, maxC.String())
}

// StatsKey is the cache key for the stats endpoint.
const StatsKey = "api:stats:v1"

// RiskTTL returns the TTL for risk responses.
func (r *Responses) RiskTTL() time.Duration { return r.config.RiskTTL }

// StatsTTL returns the TTL for stats responses.
func (r *Responses) StatsTTL() time.Duration { return r.config.StatsTTL }

// Get decodes a cached value into dst and reports whether it was found.
func (r *Responses) Get(ctx context.Context, key string, dst any) bool {
	data, err := r.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		r.logger.Warn("cache read failed", "key", key, "error", err)
		return false
	}

	if err := json.Unmarshal(data, dst); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		r.logger.Warn("cache entry corrupt", "key", key, "error", err)
		_ = r.store.Delete(ctx, key)
		return false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

// Set encodes v and stores it under key.
func (r *Responses) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := r.store.Set(ctx, key, data, ttl); err != nil {
		r.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Close closes the underlying store.
func (r *Responses) Close() error {
	return r.store.Close()
}
