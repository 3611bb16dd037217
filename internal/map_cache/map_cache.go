package map_cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offlinetiles/internal/cache"
	"offlinetiles/internal/metrics"
	"offlinetiles/internal/tiles"
)

const (
	Retention       = 24 * time.Hour
	DefaultRadiusKm = 7.5
	MaxSizeMB       = 50
	AvgTileSizeKB   = 20

	maxTiles = MaxSizeMB * 1024 / AvgTileSizeKB
)

// Zooms are the zoom levels precached for every region.
var Zooms = []int{13, 14, 15}

type Mode string

const (
	ModeActive      Mode = "active"
	ModePassThrough Mode = "pass-through"
)

// Fetcher downloads tiles from the remote tile server.
type Fetcher interface {
	URL(key tiles.Key) string
	Fetch(ctx context.Context, key tiles.Key) ([]byte, error)
}

// Validator rejects payloads that are not usable tile images.
type Validator interface {
	Validate(data []byte) error
}

// Opener opens the backing store. It is called at most once per Cache.
type Opener func(ctx context.Context) (cache.Store, error)

type Options struct {
	// Fetch concurrency for CacheRegion. Defaults to 1.
	Workers int
	// Base URL under which this service serves /tiles/{z}/{x}/{y}.png.
	LocalBaseURL string
	Validator    Validator
	Now          func() time.Time
}

// Cache is the offline tile cache. It is best-effort: no method returns an
// error, failures surface as misses and log lines.
type Cache struct {
	open      Opener
	fetcher   Fetcher
	validator Validator
	logger    *zap.Logger
	workers   int
	localBase string
	now       func() time.Time

	initOnce sync.Once
	store    cache.Store
	mode     Mode

	jobsMu  sync.Mutex
	jobs    sync.WaitGroup
	closing bool
}

func New(open Opener, fetcher Fetcher, opts Options, logger *zap.Logger) *Cache {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		open:      open,
		fetcher:   fetcher,
		validator: opts.Validator,
		logger:    logger,
		workers:   opts.Workers,
		localBase: strings.TrimRight(opts.LocalBaseURL, "/"),
		now:       opts.Now,
	}
}

// Init opens the store once. If that fails the cache stays in pass-through
// mode for the rest of its life.
func (c *Cache) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		store, err := c.openStore(ctx)
		if err != nil {
			c.logger.Warn("Tile store unavailable, offline caching disabled", zap.Error(err))
			c.store = cache.NewNoopStore()
			c.mode = ModePassThrough
			return
		}
		c.store = store
		c.mode = ModeActive
		c.logger.Info("Tile store opened")
	})
}

func (c *Cache) openStore(ctx context.Context) (store cache.Store, err error) {
	defer func() {
		if r := recover(); r != nil {
			store, err = nil, fmt.Errorf("store opener panicked: %v", r)
		}
	}()
	if c.open == nil {
		return nil, errors.New("no store configured")
	}
	store, err = c.open(ctx)
	if err == nil && store == nil {
		err = errors.New("store opener returned nil store")
	}
	return store, err
}

func (c *Cache) Mode(ctx context.Context) Mode {
	c.Init(ctx)
	return c.mode
}

// Shutdown stops new region jobs, waits for running ones until ctx is done,
// then closes the store. Queued tiles of a running job are skipped.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.jobsMu.Lock()
	c.closing = true
	c.jobsMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Closing tile store with region jobs still running", zap.Error(ctx.Err()))
	}

	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// Close is Shutdown without a deadline.
func (c *Cache) Close() error {
	return c.Shutdown(context.Background())
}

func (c *Cache) beginJob() bool {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	if c.closing {
		return false
	}
	c.jobs.Add(1)
	return true
}

func (c *Cache) isClosing() bool {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	return c.closing
}

func (c *Cache) TilesForRegion(lat, lon, radiusKm float64) []string {
	keys := tiles.ForRegion(lat, lon, radiusKm, Zooms)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

type RegionSummary struct {
	Cached  int    `json:"cached"`
	Region  string `json:"region"`
	Fetched int    `json:"fetched"`
	Reused  int    `json:"reused"`
	Failed  int    `json:"failed"`
	Evicted int    `json:"evicted"`
}

// CacheRegion materialises every tile around the point. Individual tile
// failures are tolerated and retried on the next call for the region.
func (c *Cache) CacheRegion(ctx context.Context, lat, lon, radiusKm float64) RegionSummary {
	c.Init(ctx)
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}

	regionID := tiles.RegionID(lat, lon, radiusKm)
	keys := tiles.ForRegion(lat, lon, radiusKm, Zooms)
	summary := RegionSummary{Cached: len(keys), Region: regionID}

	metrics.RegionRequests.Inc()
	c.logger.Info("Caching region",
		zap.String("region", regionID),
		zap.Int("tiles", len(keys)),
		zap.String("mode", string(c.mode)),
	)
	if c.mode == ModePassThrough {
		return summary
	}
	if !c.beginJob() {
		c.logger.Warn("Tile cache is shutting down, region skipped", zap.String("region", regionID))
		return summary
	}
	defer c.jobs.Done()

	// Downloads already started finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	var fetched, reused, failed atomic.Int64
	workerChan := make(chan struct{}, c.workers)
	var wg sync.WaitGroup

	for _, k := range keys {
		wg.Add(1)
		workerChan <- struct{}{}

		go func(key string) {
			defer wg.Done()
			defer func() { <-workerChan }()

			switch c.cacheTile(ctx, key, regionID) {
			case outcomeFetched:
				fetched.Add(1)
			case outcomeReused:
				reused.Add(1)
			default:
				failed.Add(1)
			}
		}(k.String())
	}
	wg.Wait()

	summary.Fetched = int(fetched.Load())
	summary.Reused = int(reused.Load())
	summary.Failed = int(failed.Load())
	summary.Evicted = c.CleanupExpiredTiles(ctx) + c.EnforceSizeLimit(ctx)

	c.logger.Info("Region cached",
		zap.String("region", regionID),
		zap.Int("fetched", summary.Fetched),
		zap.Int("reused", summary.Reused),
		zap.Int("failed", summary.Failed),
		zap.Int("evicted", summary.Evicted),
	)
	return summary
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeFetched
	outcomeReused
)

// CacheTile returns the stored record for key, downloading it first unless a
// fresh copy is already held.
func (c *Cache) CacheTile(ctx context.Context, key, regionID string) (cache.Record, bool) {
	c.Init(ctx)
	if c.cacheTile(ctx, key, regionID) == outcomeFailed {
		return cache.Record{}, false
	}
	return c.GetTile(ctx, key)
}

func (c *Cache) cacheTile(ctx context.Context, key, regionID string) outcome {
	k, err := tiles.ParseKey(key)
	if err != nil {
		c.logger.Warn("Failed to cache tile", zap.String("key", key), zap.Error(err))
		return outcomeFailed
	}
	if c.mode == ModePassThrough || c.isClosing() {
		return outcomeFailed
	}

	if l := c.Lookup(ctx, key); l.State == Fresh {
		return outcomeReused
	}

	url := c.fetcher.URL(k)
	data, err := c.fetcher.Fetch(ctx, k)
	if err != nil {
		c.logger.Warn("Failed to cache tile", zap.String("key", key), zap.String("url", url), zap.Error(err))
		return outcomeFailed
	}
	if c.validator != nil {
		if err := c.validator.Validate(data); err != nil {
			metrics.TileFetches.WithLabelValues("invalid").Inc()
			c.logger.Warn("Discarding invalid tile", zap.String("key", key), zap.String("url", url), zap.Error(err))
			return outcomeFailed
		}
	}

	rec := cache.Record{
		Key:       key,
		Data:      data,
		Timestamp: c.now(),
		Region:    regionID,
		URL:       url,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		c.logger.Warn("Failed to store tile", zap.String("key", key), zap.Error(err))
		return outcomeFailed
	}
	return outcomeFetched
}

// GetTile is a plain lookup; freshness is up to the caller.
func (c *Cache) GetTile(ctx context.Context, key string) (cache.Record, bool) {
	rec, err := c.get(ctx, key)
	return rec, err == nil
}

// get reports backend failures other than cache.ErrNotFound after logging them.
func (c *Cache) get(ctx context.Context, key string) (cache.Record, error) {
	c.Init(ctx)
	rec, err := c.store.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn("Tile lookup failed", zap.String("key", key), zap.Error(err))
	}
	return rec, err
}

type State int

const (
	Absent State = iota
	Fresh
	Expired
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	default:
		return "absent"
	}
}

type Lookup struct {
	State  State
	Record cache.Record
}

// Lookup fetches key and classifies it. This is the only place staleness is decided.
func (c *Cache) Lookup(ctx context.Context, key string) Lookup {
	l, _ := c.lookup(ctx, key)
	return l
}

// lookup treats a backend error as Absent but returns it for accounting.
func (c *Cache) lookup(ctx context.Context, key string) (Lookup, error) {
	rec, err := c.get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return Lookup{State: Absent}, nil
	}
	if err != nil {
		return Lookup{State: Absent}, err
	}
	return Lookup{State: c.classify(rec.Timestamp), Record: rec}, nil
}

func (c *Cache) classify(ts time.Time) State {
	if c.now().Sub(ts) > Retention {
		return Expired
	}
	return Fresh
}

// FreshTile returns the cached tile only if it may be served.
func (c *Cache) FreshTile(ctx context.Context, k tiles.Key) (cache.Record, bool) {
	l, err := c.lookup(ctx, k.String())
	observe(l, err)
	return l.Record, l.State == Fresh
}

// GetTileURL points at this service when a fresh copy is cached and at the
// tile server otherwise. It never fetches or writes.
func (c *Cache) GetTileURL(ctx context.Context, z, x, y int) string {
	k := tiles.Key{Z: z, X: x, Y: y}
	remote := c.fetcher.URL(k)
	if !k.Valid() {
		return remote
	}
	if _, ok := c.FreshTile(ctx, k); ok {
		return c.LocalURL(k)
	}
	return remote
}

func (c *Cache) RemoteURL(k tiles.Key) string {
	return c.fetcher.URL(k)
}

func (c *Cache) LocalURL(k tiles.Key) string {
	return c.localBase + "/tiles/" + k.String() + ".png"
}

func observe(l Lookup, err error) {
	switch {
	case err != nil:
		metrics.TileCacheMisses.WithLabelValues("error").Inc()
	case l.State == Fresh:
		metrics.TileCacheHits.Inc()
	case l.State == Expired:
		metrics.TileCacheMisses.WithLabelValues("expired").Inc()
	default:
		metrics.TileCacheMisses.WithLabelValues("absent").Inc()
	}
}

// CleanupExpiredTiles deletes records older than Retention, oldest first,
// stopping at the first fresh one.
func (c *Cache) CleanupExpiredTiles(ctx context.Context) int {
	c.Init(ctx)
	cutoff := c.now().Add(-Retention)

	var stale []scanned
	err := c.store.ScanByTimestamp(ctx, func(key string, ts time.Time) bool {
		if !ts.Before(cutoff) {
			return false
		}
		stale = append(stale, scanned{key: key, ts: ts})
		return true
	})
	if err != nil {
		c.logger.Warn("Expiry sweep scan failed", zap.Error(err))
	}

	removed := c.deleteScanned(ctx, stale)
	if removed > 0 {
		metrics.TileEvictions.WithLabelValues("expired").Add(float64(removed))
		c.logger.Info("Removed expired tiles", zap.Int("count", removed))
	}
	return removed
}

// EnforceSizeLimit evicts the oldest tiles while the estimated size exceeds MaxSizeMB.
func (c *Cache) EnforceSizeLimit(ctx context.Context) int {
	c.Init(ctx)
	count, err := c.store.Count(ctx)
	if err != nil {
		c.logger.Warn("Failed to count tiles", zap.Error(err))
		return 0
	}
	metrics.TileCacheEntries.Set(float64(count))

	excess := count - maxTiles
	if excess <= 0 {
		return 0
	}

	victims := make([]scanned, 0, excess)
	err = c.store.ScanByTimestamp(ctx, func(key string, ts time.Time) bool {
		victims = append(victims, scanned{key: key, ts: ts})
		return len(victims) < excess
	})
	if err != nil {
		c.logger.Warn("Size limit scan failed", zap.Error(err))
	}

	removed := c.deleteScanned(ctx, victims)
	if removed > 0 {
		metrics.TileEvictions.WithLabelValues("size_limit").Add(float64(removed))
		metrics.TileCacheEntries.Set(float64(count - removed))
		c.logger.Info("Evicted tiles over size limit",
			zap.Int("count", removed),
			zap.Int("max_tiles", maxTiles),
		)
	}
	return removed
}

type scanned struct {
	key string
	ts  time.Time
}

// deleteScanned skips records rewritten since the scan saw them.
func (c *Cache) deleteScanned(ctx context.Context, items []scanned) int {
	removed := 0
	for _, it := range items {
		rec, err := c.store.Get(ctx, it.key)
		if err != nil {
			continue
		}
		if rec.Timestamp.After(it.ts) {
			continue
		}
		if err := c.store.Delete(ctx, it.key); err != nil {
			c.logger.Warn("Failed to delete tile", zap.String("key", it.key), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

type Stats struct {
	TileCount       int     `json:"tileCount"`
	EstimatedSizeMB float64 `json:"estimatedSizeMB"`
	MaxSizeMB       int     `json:"maxSizeMB"`
	Mode            Mode    `json:"mode"`
}

// GetCacheStats estimates size from the tile count; it does not read payloads.
func (c *Cache) GetCacheStats(ctx context.Context) Stats {
	c.Init(ctx)
	count, err := c.store.Count(ctx)
	if err != nil {
		c.logger.Warn("Failed to count tiles", zap.Error(err))
		count = 0
	}
	metrics.TileCacheEntries.Set(float64(count))

	sizeMB := float64(count*AvgTileSizeKB) / 1024
	return Stats{
		TileCount:       count,
		EstimatedSizeMB: math.Round(sizeMB*100) / 100,
		MaxSizeMB:       MaxSizeMB,
		Mode:            c.mode,
	}
}

func (c *Cache) RegionCounts(ctx context.Context) map[string]int {
	c.Init(ctx)
	counts, err := c.store.RegionCounts(ctx)
	if err != nil {
		c.logger.Warn("Failed to list regions", zap.Error(err))
		return map[string]int{}
	}
	return counts
}

func (c *Cache) ClearCache(ctx context.Context) bool {
	c.Init(ctx)
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("Failed to clear tile cache", zap.Error(err))
		return false
	}
	metrics.TileCacheEntries.Set(0)
	c.logger.Info("Tile cache cleared")
	return true
}
