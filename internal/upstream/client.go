package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"offlinetiles/internal/metrics"
	"offlinetiles/internal/tiles"
)

const DefaultURLTemplate = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"

// HTTPError is returned for any non-2xx tile response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

type Options struct {
	URLTemplate string
	UserAgent   string
	// Zero leaves the transport default in place.
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// Consecutive transport/5xx failures before the breaker opens.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client downloads raster tiles from an OSM-style tile server.
type Client struct {
	resty    *resty.Client
	template string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.URLTemplate == "" {
		opts.URLTemplate = DefaultURLTemplate
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	rc := resty.New()
	if opts.UserAgent != "" {
		rc.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.Timeout > 0 {
		rc.SetTimeout(opts.Timeout)
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	c := &Client{
		resty:    rc,
		template: opts.URLTemplate,
		limiter:  limiter,
		logger:   logger,
	}

	failures := opts.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tile-upstream",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A 4xx means the server answered; only transport errors and 5xx indicate we are offline.
		IsSuccessful: func(err error) bool {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				return httpErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Upstream breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.UpstreamBreakerState.Set(stateToFloat(to))
		},
	})

	return c
}

// URL expands the tile template for key.
func (c *Client) URL(key tiles.Key) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(key.Z),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
	)
	return r.Replace(c.template)
}

// Fetch downloads one tile. It does not retry.
func (c *Client) Fetch(ctx context.Context, key tiles.Key) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	start := time.Now()
	data, err := c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.resty.R().SetContext(ctx).Get(c.URL(key))
		if err != nil {
			return nil, fmt.Errorf("fetch tile %s: %w", key, err)
		}
		if !resp.IsSuccess() {
			return nil, &HTTPError{StatusCode: resp.StatusCode(), Body: resp.Body()}
		}
		return resp.Body(), nil
	})
	metrics.TileFetchDuration.Observe(time.Since(start).Seconds())

	var httpErr *HTTPError
	switch {
	case err == nil:
		metrics.TileFetches.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.TileFetches.WithLabelValues("rejected").Inc()
	case errors.As(err, &httpErr):
		metrics.TileFetches.WithLabelValues("http_error").Inc()
	default:
		metrics.TileFetches.WithLabelValues("transport_error").Inc()
	}
	return data, err
}

// Online reports whether the tile server is believed reachable.
func (c *Client) Online() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
