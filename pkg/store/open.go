package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Config selects and addresses a backend.
type Config struct {
	Backend       string // memory, sqlite, postgres or redis
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open returns the configured backend, migrated and ready.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(opts...), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:keyrequests.db?_pragma=busy_timeout(5000)"
		}
		return OpenSQLite(ctx, dsn, opts...)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires DATABASE_URL")
		}
		return OpenPostgres(ctx, cfg.DSN, opts...)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client, cfg.RedisPrefix, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
