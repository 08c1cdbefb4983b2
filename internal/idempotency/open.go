package idempotency

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a Store backend.
type Options struct {
	// Backend is one of memory, file, postgres, redis or sqlite.
	Backend       string
	Path          string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	noop := func() {}
	switch strings.ToLower(opts.Backend) {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		store, err := NewFileStore(opts.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres store: %w", err)
		}
		return store, store.Close, nil
	case "redis":
		store := NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, noop, fmt.Errorf("redis store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "sqlite":
		store, err := OpenSQLite(ctx, opts.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown idempotency backend %q", opts.Backend)
	}
}
