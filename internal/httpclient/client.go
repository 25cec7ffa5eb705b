// Package httpclient is the network capability the plugin host lends to
// backends: a pooled net/http client behind one circuit breaker per upstream
// host, returning fully buffered responses.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/metrics"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

const op = "http"

// BreakerConfig tunes the per-host circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	OpenTimeout  time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// Config controls the client.
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	Breaker      BreakerConfig
	Transport    http.RoundTripper
}

// Client implements scraper.HTTPClient.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var errUpstreamStatus = errors.New("upstream status")

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker.MaxRequests = 3
	}
	if cfg.Breaker.Interval <= 0 {
		cfg.Breaker.Interval = 30 * time.Second
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}
	if cfg.Breaker.MinRequests == 0 {
		cfg.Breaker.MinRequests = 5
	}
	if cfg.Breaker.FailureRatio <= 0 {
		cfg.Breaker.FailureRatio = 0.6
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do executes req through the host's breaker. Non-2xx responses are returned
// to the caller, not turned into errors; 429 and 5xx still count against the
// breaker.
func (c *Client) Do(ctx context.Context, req scraper.HTTPRequest) (scraper.HTTPResponse, error) {
	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return scraper.HTTPResponse{}, scraper.Errorf(scraper.KindBackend, op, "invalid url %q", req.URL).Permanent()
	}
	breaker := c.breaker(target.Host)
	start := time.Now()
	out, err := breaker.Execute(func() (interface{}, error) {
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusTooManyRequests || resp.Status >= 500 {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})
	switch {
	case err == nil, errors.Is(err, errUpstreamStatus):
		resp := out.(scraper.HTTPResponse)
		metrics.ObserveHostRequest(target.Hostname(), resp.Status, time.Since(start))
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ObserveHostRequest(target.Hostname(), 0, time.Since(start))
		return scraper.HTTPResponse{}, scraper.Errorf(scraper.KindBackend, op, "circuit open for %s", target.Host)
	default:
		metrics.ObserveHostRequest(target.Hostname(), 0, time.Since(start))
		return scraper.HTTPResponse{}, classify(ctx, err)
	}
}

func (c *Client) roundTrip(ctx context.Context, req scraper.HTTPRequest) (scraper.HTTPResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return scraper.HTTPResponse{}, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return scraper.HTTPResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return scraper.HTTPResponse{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return scraper.HTTPResponse{}, scraper.Errorf(scraper.KindBackend, op,
			"response from %s exceeds %d bytes", req.URL, c.cfg.MaxBodyBytes).Permanent()
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return scraper.HTTPResponse{
		URL:     resp.Request.URL.String(),
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(data),
	}, nil
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	bc := c.cfg.Breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("host circuit breaker state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
		},
	})
	c.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host, or closed if unseen.
func (c *Client) BreakerState(host string) gobreaker.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func classify(ctx context.Context, err error) error {
	var pe *scraper.PluginError
	if errors.As(err, &pe) {
		return pe
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return scraper.NewError(scraper.KindTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return scraper.NewError(scraper.KindTimeout, op, err)
	}
	return scraper.NewError(scraper.KindBackend, op, err)
}

// StatusError maps a non-2xx status to the taxonomy: 404/410 are permanent
// NotFound, 403/429/5xx are retryable, other codes are permanent.
func StatusError(rawURL string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return scraper.Errorf(scraper.KindNotFound, op, "%s returned %d", rawURL, status)
	case status == http.StatusForbidden || status == http.StatusTooManyRequests || status >= 500:
		return scraper.Errorf(scraper.KindBackend, op, "%s returned %d", rawURL, status)
	default:
		return scraper.Errorf(scraper.KindBackend, op, "%s returned %d", rawURL, status).Permanent()
	}
}

// NewTransport returns the pooled transport used for all plugin traffic.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
