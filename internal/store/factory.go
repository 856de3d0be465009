package store

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantscribe/grantd/internal/model"
)

// Driver selects the session store backend.
type Driver string

const (
	DriverMemory    Driver = "memory"
	DriverSQLite    Driver = "sqlite"
	DriverRedis     Driver = "redis"
	DriverPostgrest Driver = "postgrest"
)

// Option is a functional option for configuring a session store.
type Option func(*factoryConfig)

type factoryConfig struct {
	sqlitePath  string
	redisClient *redis.Client
	redisTTL    time.Duration
	postgrest   PostgrestConfig
}

// WithSQLitePath sets the database path for the SQLite driver.
func WithSQLitePath(path string) Option {
	return func(c *factoryConfig) {
		c.sqlitePath = path
	}
}

// WithRedisClient sets the Redis client for the Redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *factoryConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis session keys.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *factoryConfig) {
		c.redisTTL = ttl
	}
}

// WithPostgrest sets the Supabase connection for the PostgREST driver.
func WithPostgrest(cfg PostgrestConfig) Option {
	return func(c *factoryConfig) {
		c.postgrest = cfg
	}
}

// New creates a session store for the given driver.
func New(driver Driver, opts ...Option) (Store, error) {
	cfg := &factoryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		if cfg.sqlitePath == "" {
			return nil, ErrInvalidConfig
		}
		return NewSQLiteStore(cfg.sqlitePath)
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return NewRedisStore(cfg.redisClient, cfg.redisTTL), nil
	case DriverPostgrest:
		return NewPostgrestStore(cfg.postgrest)
	default:
		return nil, ErrInvalidDriver
	}
}

// FromConfig builds a store from the daemon configuration.
func FromConfig(cfg model.StoreConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverMemory:
		return New(DriverMemory)
	case DriverSQLite:
		return New(DriverSQLite, WithSQLitePath(cfg.SQLitePath))
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return New(DriverRedis, WithRedisClient(client))
	case DriverPostgrest:
		return New(DriverPostgrest, WithPostgrest(PostgrestConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseKey,
		}))
	default:
		return nil, ErrInvalidDriver
	}
}
