package cache

import "context"

// NoopStore backs pass-through mode: nothing is ever found and writes are dropped.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Get(ctx context.Context, key string) (Record, error) {
	return Record{}, ErrNotFound
}

func (s *NoopStore) Put(ctx context.Context, rec Record) error {
	return nil
}

func (s *NoopStore) Delete(ctx context.Context, key string) error {
	return nil
}

func (s *NoopStore) ScanByTimestamp(ctx context.Context, fn ScanFunc) error {
	return nil
}

func (s *NoopStore) Count(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *NoopStore) RegionCounts(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *NoopStore) Clear(ctx context.Context) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
