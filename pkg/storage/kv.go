package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownDriver is returned by Open for unsupported driver names.
var ErrUnknownDriver = errors.New("unknown storage driver")

// KV is a durable key-value store holding whole serialized values.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Config selects and configures a KV backend.
type Config struct {
	Driver string

	// file
	Dir string

	// redis
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	// sqlite
	SQLitePath string

	// postgres
	DatabaseURL string

	// minio
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// Open builds the backend named by cfg.Driver.
func Open(cfg Config) (KV, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return NewFileKV(cfg.Dir)
	case "memory":
		return NewMemoryKV(), nil
	case "redis":
		return NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
	case "sqlite":
		return NewSQLiteKV(cfg.SQLitePath)
	case "postgres":
		return NewGormKV(cfg.DatabaseURL)
	case "minio":
		return NewMinioKV(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

// Close releases backend resources when the backend holds any.
func Close(kv KV) error {
	if c, ok := kv.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

const opTimeout = 3 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, opTimeout)
}
