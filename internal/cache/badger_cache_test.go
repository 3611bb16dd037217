package cache

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	s, err := OpenBadgerStore(opts)
	if err != nil {
		t.Fatalf("OpenBadgerStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newTestBadgerStore(t)
	})
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Now()

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	s, err := OpenBadgerStore(opts)
	if err != nil {
		t.Fatalf("OpenBadgerStore() error = %v", err)
	}
	mustPut(t, s, Record{Key: "13/5796/3789", Data: []byte("tile"), Timestamp: ts, Region: "r"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenBadgerStore(opts)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "13/5796/3789")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got.Data) != "tile" || !got.Timestamp.Equal(time.Unix(0, ts.UnixNano())) {
		t.Fatalf("Get() after reopen = %+v", got)
	}
}

func TestBadgerStoreMigratesUnknownSchema(t *testing.T) {
	s := newTestBadgerStore(t)
	ctx := context.Background()

	mustPut(t, s, Record{Key: "13/0/0", Data: []byte("x"), Timestamp: time.Now()})
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(schemaKey), []byte("0"))
	})
	if err != nil {
		t.Fatalf("set schema: %v", err)
	}

	if err := s.migrate(); err != nil {
		t.Fatalf("migrate() error = %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("Count() after migration = %d, want 0", n)
	}
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() error = %v", err)
	}
}

func TestTimestampKeyOrdering(t *testing.T) {
	base := time.Now()
	earlier := timestampKey(base, "15/9/9")
	later := timestampKey(base.Add(time.Nanosecond), "13/0/0")
	if string(earlier) >= string(later) {
		t.Fatal("timestamp keys must sort chronologically regardless of tile key")
	}

	ts, key, ok := parseTimestampKey(later)
	if !ok || key != "13/0/0" || !ts.Equal(time.Unix(0, base.Add(time.Nanosecond).UnixNano())) {
		t.Fatalf("parseTimestampKey() = %v, %q, %v", ts, key, ok)
	}
}
