package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore persists the single opaque token. Load returns "" with a nil
// error when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Delete(ctx context.Context) error
}

// Watcher is implemented by stores that can report out-of-process changes.
type Watcher interface {
	Watch(ctx context.Context, changed func()) error
}

// Driver names a TokenStore implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverFile   Driver = "file"
	DriverRedis  Driver = "redis"
)

type storeConfig struct {
	path        string
	redisClient *redis.Client
	redisKey    string
	redisTTL    time.Duration
}

// StoreOption configures NewTokenStore.
type StoreOption func(*storeConfig)

// WithPath sets the token file location for DriverFile.
func WithPath(path string) StoreOption {
	return func(c *storeConfig) { c.path = path }
}

// WithRedisClient supplies the client for DriverRedis.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisKey overrides the key used by DriverRedis.
func WithRedisKey(key string) StoreOption {
	return func(c *storeConfig) { c.redisKey = key }
}

// WithRedisTTL expires the stored token; zero keeps it until deleted.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) { c.redisTTL = ttl }
}

// NewTokenStore builds the store named by driver.
func NewTokenStore(driver Driver, opts ...StoreOption) (TokenStore, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverFile:
		if cfg.path == "" {
			return nil, ErrInvalidConfig
		}
		return NewFileStore(cfg.path), nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return NewRedisStore(cfg.redisClient, cfg.redisKey, cfg.redisTTL), nil
	default:
		return nil, ErrUnknownDriver
	}
}

// MemoryStore keeps the token for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

func (m *MemoryStore) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryStore) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}
