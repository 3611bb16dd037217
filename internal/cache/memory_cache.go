package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	rec Record
}

// MemoryStore keeps records in a list ordered newest-first by timestamp.
// With maxSize > 0 the oldest record is dropped when the store is full.
type MemoryStore struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element
	byTime  *list.List
}

func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		byTime:  list.New(),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem, ok := s.items[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(elem.Value.(*entry).rec), nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[rec.Key]; ok {
		s.byTime.Remove(elem)
		delete(s.items, rec.Key)
	}

	if s.maxSize > 0 && s.byTime.Len() >= s.maxSize {
		if oldest := s.byTime.Back(); oldest != nil {
			delete(s.items, oldest.Value.(*entry).rec.Key)
			s.byTime.Remove(oldest)
		}
	}

	ent := &entry{rec: cloneRecord(rec)}
	s.items[rec.Key] = s.insertByTime(ent)
	return nil
}

// insertByTime keeps the list sorted. Fresh writes land at the front, so the
// walk is usually one step.
func (s *MemoryStore) insertByTime(ent *entry) *list.Element {
	for e := s.byTime.Front(); e != nil; e = e.Next() {
		if !e.Value.(*entry).rec.Timestamp.After(ent.rec.Timestamp) {
			return s.byTime.InsertBefore(ent, e)
		}
	}
	return s.byTime.PushBack(ent)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.byTime.Remove(elem)
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) ScanByTimestamp(ctx context.Context, fn ScanFunc) error {
	type item struct {
		key string
		ts  time.Time
	}

	s.mu.RLock()
	snapshot := make([]item, 0, s.byTime.Len())
	for e := s.byTime.Back(); e != nil; e = e.Prev() {
		rec := e.Value.(*entry).rec
		snapshot = append(snapshot, item{key: rec.Key, ts: rec.Timestamp})
	}
	s.mu.RUnlock()

	for _, it := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(it.key, it.ts) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

func (s *MemoryStore) RegionCounts(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, elem := range s.items {
		counts[elem.Value.(*entry).rec.Region]++
	}
	return counts, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.byTime = list.New()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
