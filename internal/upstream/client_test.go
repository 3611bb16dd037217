package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"offlinetiles/internal/tiles"
)

func TestClientURL(t *testing.T) {
	c := NewClient(Options{}, zap.NewNop())
	got := c.URL(tiles.Key{Z: 13, X: 5796, Y: 3789})
	if got != "https://tile.openstreetmap.org/13/5796/3789.png" {
		t.Fatalf("URL() = %q", got)
	}

	c = NewClient(Options{URLTemplate: "http://tiles.local/{z}/{y}/{x}.webp"}, zap.NewNop())
	if got := c.URL(tiles.Key{Z: 1, X: 0, Y: 1}); got != "http://tiles.local/1/1/0.webp" {
		t.Fatalf("URL() = %q", got)
	}
}

func TestClientFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "offlinetiles-test/1.0" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/14/11593/7579.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer ts.Close()

	c := NewClient(Options{
		URLTemplate: ts.URL + "/{z}/{x}/{y}.png",
		UserAgent:   "offlinetiles-test/1.0",
		Timeout:     2 * time.Second,
	}, zap.NewNop())

	data, err := c.Fetch(context.Background(), tiles.Key{Z: 14, X: 11593, Y: 7579})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("Fetch() = %q", data)
	}

	_, err = c.Fetch(context.Background(), tiles.Key{Z: 14, X: 0, Y: 0})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := NewClient(Options{
		URLTemplate:     ts.URL + "/{z}/{x}/{y}.png",
		BreakerFailures: 3,
		BreakerCooldown: time.Hour,
	}, zap.NewNop())

	key := tiles.Key{Z: 13, X: 1, Y: 1}
	for i := 0; i < 3; i++ {
		if _, err := c.Fetch(context.Background(), key); err == nil {
			t.Fatal("expected error from 502 upstream")
		}
	}
	if c.Online() {
		t.Fatal("breaker should be open after consecutive 5xx responses")
	}

	_, err := c.Fetch(context.Background(), key)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("upstream called %d times, want 3", calls.Load())
	}
}

func TestClientBreakerIgnoresNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := NewClient(Options{URLTemplate: ts.URL + "/{z}/{x}/{y}.png", BreakerFailures: 2}, zap.NewNop())
	for i := 0; i < 5; i++ {
		c.Fetch(context.Background(), tiles.Key{Z: 13, X: i, Y: 0})
	}
	if !c.Online() {
		t.Fatal("404 responses must not open the breaker")
	}
}

func TestClientRateLimitHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := NewClient(Options{URLTemplate: ts.URL + "/{z}/{x}/{y}.png", RatePerSecond: 0.001, Burst: 1}, zap.NewNop())
	if _, err := c.Fetch(context.Background(), tiles.Key{Z: 1, X: 0, Y: 0}); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Fetch(ctx, tiles.Key{Z: 1, X: 1, Y: 0}); err == nil {
		t.Fatal("expected rate limiter to give up when the context expires")
	}
}
