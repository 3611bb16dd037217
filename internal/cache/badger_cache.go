package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key layout:
//
//	meta:{key}                      JSON recordMeta
//	data:{key}                      raw tile bytes
//	ts:{uint64 BE unix nanos}{key}  timestamp index
//	region:{region}\x00{key}        region index
//	schema:version                  layout version
const (
	schemaVersion = "1"
	schemaKey     = "schema:version"

	metaPrefix   = "meta:"
	dataPrefix   = "data:"
	tsPrefix     = "ts:"
	regionPrefix = "region:"

	maxConflictRetries = 3
)

type recordMeta struct {
	Timestamp int64  `json:"timestamp"`
	Region    string `json:"region"`
	URL       string `json:"url"`
	Size      int    `json:"size"`
}

// BadgerStore is the persistent tile store.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database and brings its layout up to
// the current schema version.
func OpenBadgerStore(opts badger.Options) (*BadgerStore, error) {
	if !opts.InMemory {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) migrate() error {
	var current string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			current = string(val)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current == schemaVersion {
		return nil
	}

	// Unknown or older layout: tiles are re-downloadable, so start over.
	if current != "" {
		if err := s.dropTiles(); err != nil {
			return fmt.Errorf("migrate schema %s: %w", current, err)
		}
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), []byte(schemaVersion))
	})
}

func (s *BadgerStore) Get(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}

	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := getMeta(txn, key)
		if err != nil {
			return err
		}

		item, err := txn.Get(dataKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get tile data: %w", err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read tile data: %w", err)
		}

		rec.Data = data
		rec.Timestamp = time.Unix(0, meta.Timestamp)
		rec.Region = meta.Region
		rec.URL = meta.URL
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *BadgerStore) Put(ctx context.Context, rec Record) error {
	meta := recordMeta{
		Timestamp: rec.Timestamp.UnixNano(),
		Region:    rec.Region,
		URL:       rec.URL,
		Size:      len(rec.Data),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal tile meta: %w", err)
	}

	return s.update(func(txn *badger.Txn) error {
		if err := deleteIndexes(txn, rec.Key); err != nil {
			return err
		}
		if err := txn.Set(metaKey(rec.Key), encoded); err != nil {
			return fmt.Errorf("set tile meta: %w", err)
		}
		if err := txn.Set(dataKey(rec.Key), rec.Data); err != nil {
			return fmt.Errorf("set tile data: %w", err)
		}
		if err := txn.Set(timestampKey(rec.Timestamp, rec.Key), nil); err != nil {
			return fmt.Errorf("set timestamp index: %w", err)
		}
		if err := txn.Set(regionKey(rec.Region, rec.Key), nil); err != nil {
			return fmt.Errorf("set region index: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.update(func(txn *badger.Txn) error {
		if err := deleteIndexes(txn, key); err != nil {
			return err
		}
		if err := txn.Delete(metaKey(key)); err != nil {
			return fmt.Errorf("delete tile meta: %w", err)
		}
		if err := txn.Delete(dataKey(key)); err != nil {
			return fmt.Errorf("delete tile data: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) ScanByTimestamp(ctx context.Context, fn ScanFunc) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(tsPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts, key, ok := parseTimestampKey(it.Item().Key())
			if !ok {
				continue
			}
			if !fn(key, ts) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(metaPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return count, nil
}

func (s *BadgerStore) RegionCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(regionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			idx := bytes.IndexByte(rest, 0)
			if idx < 0 {
				continue
			}
			counts[string(rest[:idx])]++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return counts, nil
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := s.dropTiles(); err != nil {
		return fmt.Errorf("clear tiles: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) dropTiles() error {
	return s.db.DropPrefix(
		[]byte(metaPrefix),
		[]byte(dataPrefix),
		[]byte(tsPrefix),
		[]byte(regionPrefix),
	)
}

// update retries on transaction conflicts so concurrent writers of the same
// key end up last-write-wins instead of failing.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getMeta(txn *badger.Txn, key string) (recordMeta, error) {
	var meta recordMeta
	item, err := txn.Get(metaKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, fmt.Errorf("get tile meta: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	if err != nil {
		return meta, fmt.Errorf("decode tile meta: %w", err)
	}
	return meta, nil
}

// deleteIndexes removes the index entries of the record currently stored under key.
func deleteIndexes(txn *badger.Txn, key string) error {
	old, err := getMeta(txn, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := txn.Delete(timestampKey(time.Unix(0, old.Timestamp), key)); err != nil {
		return fmt.Errorf("delete timestamp index: %w", err)
	}
	if err := txn.Delete(regionKey(old.Region, key)); err != nil {
		return fmt.Errorf("delete region index: %w", err)
	}
	return nil
}

func metaKey(key string) []byte {
	return []byte(metaPrefix + key)
}

func dataKey(key string) []byte {
	return []byte(dataPrefix + key)
}

func regionKey(region, key string) []byte {
	return []byte(regionPrefix + region + "\x00" + key)
}

func timestampKey(ts time.Time, key string) []byte {
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	buf := make([]byte, 0, len(tsPrefix)+8+len(key))
	buf = append(buf, tsPrefix...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(nanos))
	buf = append(buf, key...)
	return buf
}

func parseTimestampKey(raw []byte) (time.Time, string, bool) {
	rest := raw[len(tsPrefix):]
	if len(rest) < 8 {
		return time.Time{}, "", false
	}
	nanos := binary.BigEndian.Uint64(rest[:8])
	return time.Unix(0, int64(nanos)), string(rest[8:]), true
}
