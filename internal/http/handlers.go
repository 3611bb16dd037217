package http

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"offlinetiles/internal/map_cache"
	"offlinetiles/internal/tiles"
)

const offlineMessage = "Offline — using cached maps"

// Upstream reports whether the remote tile server is reachable.
type Upstream interface {
	Online() bool
}

type Options struct {
	AllowedOrigins []string
	// Region caching requests per IP per minute. Zero disables the limit.
	RegionRateLimit int
}

type Handlers struct {
	logger   *zap.Logger
	tiles    *map_cache.Cache
	upstream Upstream
}

func New(logger *zap.Logger, tileCache *map_cache.Cache, upstream Upstream) *Handlers {
	return &Handlers{
		logger:   logger,
		tiles:    tileCache,
		upstream: upstream,
	}
}

func (h *Handlers) Routes(opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		ExposedHeaders: []string{"X-Tile-Cache", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(h.RequestLoggingMiddleware)

	r.Get("/healthz", h.HandleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/tiles/{z}/{x}/{file}", h.HandleTile)
	r.Head("/tiles/{z}/{x}/{file}", h.HandleTile)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tiles/{z}/{x}/{y}", h.HandleTileInfo)
		r.Get("/tiles/{z}/{x}/{y}/url", h.HandleTileURL)

		r.Get("/regions", h.HandleRegionCounts)
		r.Get("/regions/tiles", h.HandleRegionTiles)
		if opts.RegionRateLimit > 0 {
			r.With(httprate.LimitByIP(opts.RegionRateLimit, time.Minute)).Post("/regions", h.HandleCacheRegion)
		} else {
			r.Post("/regions", h.HandleCacheRegion)
		}

		r.Get("/stats", h.HandleStats)
		r.Post("/cleanup", h.HandleCleanup)
		r.Delete("/cache", h.HandleClear)
	})

	return r
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := extractIP(r)
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleTile serves a fresh cached tile, otherwise redirects to the tile server.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	ext := filepath.Ext(file)
	key, err := parseKey(chi.URLParam(r, "z"), chi.URLParam(r, "x"), strings.TrimSuffix(file, ext))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, ok := h.tiles.FreshTile(r.Context(), key)
	if !ok {
		w.Header().Set("X-Tile-Cache", "MISS")
		http.Redirect(w, r, h.tiles.RemoteURL(key), http.StatusFound)
		return
	}

	maxAge := int((map_cache.Retention - time.Since(rec.Timestamp)).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}

	w.Header().Set("X-Tile-Cache", "HIT")
	w.Header().Set("Content-Type", http.DetectContentType(rec.Data))
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data)))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("ETag", fmt.Sprintf(`"%x"`, rec.Timestamp.UnixNano()))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(rec.Data)
}

type tileInfoResponse struct {
	Key       string     `json:"key"`
	State     string     `json:"state"`
	Region    string     `json:"region,omitempty"`
	URL       string     `json:"url,omitempty"`
	Bytes     int        `json:"bytes"`
	CachedAt  *time.Time `json:"cachedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (h *Handlers) HandleTileInfo(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l := h.tiles.Lookup(r.Context(), key.String())
	resp := tileInfoResponse{Key: key.String(), State: l.State.String()}
	if l.State == map_cache.Absent {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}

	cachedAt := l.Record.Timestamp.UTC()
	expiresAt := cachedAt.Add(map_cache.Retention)
	resp.Region = l.Record.Region
	resp.URL = l.Record.URL
	resp.Bytes = len(l.Record.Data)
	resp.CachedAt = &cachedAt
	resp.ExpiresAt = &expiresAt
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleTileURL(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"key": key.String(),
		"url": h.tiles.GetTileURL(r.Context(), key.Z, key.X, key.Y),
	})
}

func (h *Handlers) HandleRegionTiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lon, radius, err := parseRegion(q.Get("lat"), q.Get("lon"), q.Get("radius_km"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	keys := h.tiles.TilesForRegion(lat, lon, radius)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"region": tiles.RegionID(lat, lon, radius),
		"count":  len(keys),
		"tiles":  keys,
	})
}

type regionRequest struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	RadiusKm float64  `json:"radius_km"`
}

// HandleCacheRegion runs CacheRegion inline, or in the background with ?async=true.
func (h *Handlers) HandleCacheRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Lat == nil || req.Lon == nil {
		http.Error(w, "lat and lon are required", http.StatusBadRequest)
		return
	}
	if err := checkRegion(*req.Lat, *req.Lon, req.RadiusKm); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	radius := req.RadiusKm
	if radius <= 0 {
		radius = map_cache.DefaultRadiusKm
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		ctx := context.WithoutCancel(r.Context())
		go h.tiles.CacheRegion(ctx, *req.Lat, *req.Lon, radius)

		writeJSON(w, http.StatusAccepted, map_cache.RegionSummary{
			Cached: len(h.tiles.TilesForRegion(*req.Lat, *req.Lon, radius)),
			Region: tiles.RegionID(*req.Lat, *req.Lon, radius),
		})
		return
	}

	writeJSON(w, http.StatusOK, h.tiles.CacheRegion(r.Context(), *req.Lat, *req.Lon, radius))
}

func (h *Handlers) HandleRegionCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tiles.RegionCounts(r.Context()))
}

type statsResponse struct {
	map_cache.Stats
	Online  bool   `json:"online"`
	Message string `json:"message,omitempty"`
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Stats:  h.tiles.GetCacheStats(r.Context()),
		Online: h.upstream.Online(),
	}
	if !resp.Online {
		resp.Message = offlineMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	expired := h.tiles.CleanupExpiredTiles(r.Context())
	evicted := h.tiles.EnforceSizeLimit(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{
		"expired": expired,
		"evicted": evicted,
	})
}

func (h *Handlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	if !h.tiles.ClearCache(r.Context()) {
		writeJSON(w, http.StatusInternalServerError, map[string]bool{"cleared": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func parseKey(zs, xs, ys string) (tiles.Key, error) {
	var z, x, y int
	if _, err := fmt.Sscanf(zs, "%d", &z); err != nil {
		return tiles.Key{}, fmt.Errorf("invalid zoom level")
	}
	if _, err := fmt.Sscanf(xs, "%d", &x); err != nil {
		return tiles.Key{}, fmt.Errorf("invalid x coordinate")
	}
	if _, err := fmt.Sscanf(ys, "%d", &y); err != nil {
		return tiles.Key{}, fmt.Errorf("invalid y coordinate")
	}

	key := tiles.Key{Z: z, X: x, Y: y}
	if !key.Valid() {
		return tiles.Key{}, fmt.Errorf("tile %s is outside the grid", key)
	}
	return key, nil
}

func parseRegion(lats, lons, radii string) (lat, lon, radius float64, err error) {
	if lat, err = strconv.ParseFloat(lats, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid lat")
	}
	if lon, err = strconv.ParseFloat(lons, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid lon")
	}
	radius = map_cache.DefaultRadiusKm
	if radii != "" {
		if radius, err = strconv.ParseFloat(radii, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid radius_km")
		}
	}
	if err = checkRegion(lat, lon, radius); err != nil {
		return 0, 0, 0, err
	}
	if radius == 0 {
		radius = map_cache.DefaultRadiusKm
	}
	return lat, lon, radius, nil
}

func checkRegion(lat, lon, radius float64) error {
	switch {
	case !finite(lat), !finite(lon), !finite(radius):
		return fmt.Errorf("lat, lon and radius_km must be finite numbers")
	case lat < -90 || lat > 90:
		return fmt.Errorf("lat must be within [-90, 90]")
	case lon < -180 || lon > 180:
		return fmt.Errorf("lon must be within [-180, 180]")
	case radius < 0 || radius > 100:
		return fmt.Errorf("radius_km must be within [0, 100]")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func extractIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
