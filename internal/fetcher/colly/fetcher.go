// Package collyfetcher fetches static pages with gocolly. It backs the
// fallback DOM driver used when no browser is available.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scraper-runtime/internal/httpclient"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	Transport     http.RoundTripper
}

// Fetcher performs single GETs through a cloned base collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	transport := cfg.Transport
	if transport == nil {
		transport = httpclient.NewTransport()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	// Plugins decide what a 404 means; the body is still useful to them.
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single GET and returns the buffered response. Non-2xx
// statuses are returned, not reported as errors.
func (f *Fetcher) Fetch(ctx context.Context, url string, headers map[string]string) (scraper.HTTPResponse, error) {
	var (
		result   scraper.HTTPResponse
		fetchErr error
	)
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, headers, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return scraper.HTTPResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers map[string]string,
	result *scraper.HTTPResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = scraper.HTTPResponse{
			URL:     r.Request.URL.String(),
			Status:  r.StatusCode,
			Headers: flattenHeaders(r.Headers),
			Body:    string(r.Body),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return scraper.NewError(scraper.KindTimeout, "fetch", fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			return scraper.NewError(scraper.KindBackend, "fetch", fmt.Errorf("colly visit failed: %w", err))
		}
		if *fetchErr != nil {
			return scraper.NewError(scraper.KindBackend, "fetch", fmt.Errorf("colly response failed: %w", *fetchErr))
		}
		return nil
	}
}

func flattenHeaders(h *http.Header) map[string]string {
	out := map[string]string{}
	if h == nil {
		return out
	}
	for key := range *h {
		out[strings.ToLower(key)] = h.Get(key)
	}
	return out
}
