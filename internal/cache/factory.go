package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

type Options struct {
	Type           string
	Path           string
	MemoryMaxTiles int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
}

// ErrStoreDisabled is returned for the "disabled" type so callers fall back to pass-through.
var ErrStoreDisabled = errors.New("cache: store disabled by configuration")

// NewStore creates a store instance based on the store type
func NewStore(ctx context.Context, opts Options, log *zap.Logger) (Store, error) {
	switch opts.Type {
	case "badger":
		log.Info("Using badger store", zap.String("path", opts.Path))
		bopts := badger.DefaultOptions(opts.Path)
		bopts.Logger = nil
		return OpenBadgerStore(bopts)
	case "memory":
		log.Info("Using memory store", zap.Int("max_tiles", opts.MemoryMaxTiles))
		return NewMemoryStore(opts.MemoryMaxTiles), nil
	case "redis":
		log.Info("Using redis store", zap.String("addr", opts.RedisAddr), zap.String("prefix", opts.RedisPrefix))
		client := NewRedisClient(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		store, err := OpenRedisStore(ctx, client, opts.RedisPrefix)
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	case "disabled":
		log.Info("Store disabled")
		return nil, ErrStoreDisabled
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: badger, memory, redis, disabled)", opts.Type)
	}
}
