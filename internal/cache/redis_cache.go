package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisScanPage = 256

// RedisStore shares one tile store between several service instances.
//
//	{prefix}tile:{key}   hash: data, ts (unix ms), region, url
//	{prefix}by_ts        sorted set of keys scored by ts
//	{prefix}regions      hash: key -> region
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// OpenRedisStore pings the server so an unreachable Redis fails at open time.
func OpenRedisStore(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) tileKey(key string) string { return s.prefix + "tile:" + key }
func (s *RedisStore) byTimeKey() string         { return s.prefix + "by_ts" }
func (s *RedisStore) regionsKey() string        { return s.prefix + "regions" }

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.tileKey(key)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get tile: %w", err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}

	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("decode tile timestamp: %w", err)
	}

	return Record{
		Key:       key,
		Data:      []byte(vals["data"]),
		Timestamp: time.UnixMilli(ms),
		Region:    vals["region"],
		URL:       vals["url"],
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	ms := rec.Timestamp.UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		tk := s.tileKey(rec.Key)
		pipe.Del(ctx, tk)
		pipe.HSet(ctx, tk,
			"data", rec.Data,
			"ts", strconv.FormatInt(ms, 10),
			"region", rec.Region,
			"url", rec.URL,
		)
		pipe.ZAdd(ctx, s.byTimeKey(), redis.Z{Score: float64(ms), Member: rec.Key})
		pipe.HSet(ctx, s.regionsKey(), rec.Key, rec.Region)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put tile: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.tileKey(key))
		pipe.ZRem(ctx, s.byTimeKey(), key)
		pipe.HDel(ctx, s.regionsKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete tile: %w", err)
	}
	return nil
}

func (s *RedisStore) ScanByTimestamp(ctx context.Context, fn ScanFunc) error {
	// Pages are keyed by score plus an offset into the members sharing the
	// boundary score, so ties longer than a page are still visited.
	lower := "-inf"
	var offset int64
	seen := make(map[string]struct{})

	for {
		page, err := s.client.ZRangeByScoreWithScores(ctx, s.byTimeKey(), &redis.ZRangeBy{
			Min:    lower,
			Max:    "+inf",
			Offset: offset,
			Count:  redisScanPage,
		}).Result()
		if err != nil {
			return fmt.Errorf("scan timestamp index: %w", err)
		}

		for _, z := range page {
			key, ok := z.Member.(string)
			if !ok {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			if !fn(key, time.UnixMilli(int64(z.Score))) {
				return nil
			}
		}

		if len(page) < redisScanPage {
			return nil
		}

		boundary := strconv.FormatInt(int64(page[len(page)-1].Score), 10)
		if boundary != lower {
			lower = boundary
			offset = 0
			seen = make(map[string]struct{})
		}
		for i := len(page) - 1; i >= 0 && strconv.FormatInt(int64(page[i].Score), 10) == boundary; i-- {
			if key, ok := page[i].Member.(string); ok {
				seen[key] = struct{}{}
			}
			offset++
		}
	}
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.byTimeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count tiles: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) RegionCounts(ctx context.Context) (map[string]int, error) {
	vals, err := s.client.HGetAll(ctx, s.regionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	counts := make(map[string]int)
	for _, region := range vals {
		counts[region]++
	}
	return counts, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"tile:*", redisScanPage).Iterator()
	batch := make([]string, 0, redisScanPage)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanPage {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("clear tiles: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear tiles: %w", err)
	}

	batch = append(batch, s.byTimeKey(), s.regionsKey())
	if err := s.client.Del(ctx, batch...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clear tiles: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
