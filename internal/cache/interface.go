package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache: tile not found")

// Record is one stored tile. Key is "{z}/{x}/{y}".
type Record struct {
	Key       string
	Data      []byte
	Timestamp time.Time
	Region    string
	URL       string
}

// ScanFunc receives records in ascending timestamp order. Returning false stops the scan.
type ScanFunc func(key string, ts time.Time) bool

// Store is a durable key-value store for tile records with a timestamp index
// and a region index. Put replaces any existing record with the same key.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	ScanByTimestamp(ctx context.Context, fn ScanFunc) error
	Count(ctx context.Context) (int, error)
	RegionCounts(ctx context.Context) (map[string]int, error)
	Clear(ctx context.Context) error
	Close() error
}
