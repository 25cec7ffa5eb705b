// Package plugin owns the plugin registry. The Host loads manifests, binds
// each plugin to one backend chosen at load time, and is the only place
// plugin calls cross into backend code.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	dombackend "github.com/JakeFAU/scraper-runtime/internal/backend/dom"
	luabackend "github.com/JakeFAU/scraper-runtime/internal/backend/lua"
	wasmbackend "github.com/JakeFAU/scraper-runtime/internal/backend/wasm"
	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/metrics"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// Limiter receives per-plugin cooldown overrides from manifests.
type Limiter interface {
	Set(plugin string, rps float64, burst int)
	Forget(plugin string)
}

// Options wires the capabilities backends are built from.
type Options struct {
	// Client is lent to Lua and Wasm plugins. Required.
	Client scraper.HTTPClient
	// Browser drives headless plugins and the headless API of scripted
	// ones. Nil means no browser was found and both use Static instead.
	Browser headless.Driver
	// Static backs fallback plugins. Required.
	Static  headless.Driver
	Limiter Limiter
	Lua     luabackend.Config
	Wasm    wasmbackend.Config
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

type entry struct {
	plugin   scraper.Plugin
	manifest Manifest
	backend  scraper.Backend
	// calls tracks invocations in progress so a replaced backend is closed
	// only after they return.
	calls sync.WaitGroup
}

// Host is the plugin registry.
type Host struct {
	opts   Options
	tracer trace.Tracer
	logger *zap.Logger

	mu      sync.RWMutex
	plugins map[string]*entry
	closed  bool
	retired sync.WaitGroup
}

// NewHost builds an empty registry.
func NewHost(opts Options) (*Host, error) {
	if opts.Client == nil {
		return nil, errors.New("plugin host: http client is required")
	}
	if opts.Static == nil {
		return nil, errors.New("plugin host: static driver is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/JakeFAU/scraper-runtime/internal/plugin")
	}
	return &Host{
		opts:    opts,
		tracer:  tracer,
		logger:  opts.Logger.Named("plugin"),
		plugins: make(map[string]*entry),
	}, nil
}

// Register validates m, builds its backend, and makes it callable. A plugin
// with the same id is replaced; its old backend closes once idle.
func (h *Host) Register(ctx context.Context, m Manifest) (scraper.Plugin, error) {
	if err := m.Validate(); err != nil {
		return scraper.Plugin{}, err
	}
	backend, kind, err := h.build(ctx, m)
	if err != nil {
		return scraper.Plugin{}, scraper.AsPluginError("load", err).WithPlugin(m.ID)
	}
	e := &entry{plugin: m.plugin(kind), manifest: m, backend: backend}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = backend.Close()
		return scraper.Plugin{}, scraper.Errorf(scraper.KindInitialization, "load", "host closed").WithPlugin(m.ID)
	}
	old := h.plugins[m.ID]
	h.plugins[m.ID] = e
	count := len(h.plugins)
	h.mu.Unlock()

	if old != nil {
		h.retire(old)
	}
	if h.opts.Limiter != nil {
		if m.RateLimit != nil {
			h.opts.Limiter.Set(m.ID, m.RateLimit.RPS, m.RateLimit.Burst)
		} else {
			h.opts.Limiter.Forget(m.ID)
		}
	}
	metrics.SetPluginsLoaded(count)
	h.logger.Info("plugin registered",
		zap.String("plugin", m.ID),
		zap.String("backend", string(kind)),
		zap.Bool("replaced", old != nil),
	)
	return e.plugin, nil
}

// Unregister removes a plugin. It reports whether the id was known.
func (h *Host) Unregister(id string) bool {
	h.mu.Lock()
	e, ok := h.plugins[id]
	delete(h.plugins, id)
	count := len(h.plugins)
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.retire(e)
	if h.opts.Limiter != nil {
		h.opts.Limiter.Forget(id)
	}
	metrics.SetPluginsLoaded(count)
	h.logger.Info("plugin unregistered", zap.String("plugin", id))
	return true
}

// retire closes a backend that is no longer reachable once its in-flight
// calls finish. No new calls can start: e is already out of the map.
func (h *Host) retire(e *entry) {
	h.retired.Add(1)
	go func() {
		defer h.retired.Done()
		e.calls.Wait()
		if err := e.backend.Close(); err != nil {
			h.logger.Warn("closing backend", zap.String("plugin", e.plugin.ID), zap.Error(err))
		}
	}()
}

// build picks the backend for m. Headless manifests negotiate: they get the
// browser driver when there is one and the static fallback otherwise.
func (h *Host) build(ctx context.Context, m Manifest) (scraper.Backend, scraper.BackendKind, error) {
	kind, err := scraper.ParseBackendKind(m.Backend)
	if err != nil {
		return nil, "", scraper.NewError(scraper.KindManifestInvalid, "load", err)
	}
	logger := h.opts.Logger.Named(m.ID)
	headers := m.RequestHeaders()

	switch kind {
	case scraper.BackendLua:
		b, err := luabackend.LoadFile(m.EntrypointPath(), luabackend.Options{
			Plugin:  m.ID,
			Client:  h.opts.Client,
			Headers: headers,
			Browser: h.driver(),
			Config:  h.opts.Lua,
			Logger:  logger,
		})
		return b, kind, err
	case scraper.BackendWasm:
		b, err := wasmbackend.LoadFile(ctx, m.EntrypointPath(), wasmbackend.Options{
			Plugin:  m.ID,
			Client:  h.opts.Client,
			Headers: headers,
			Browser: h.driver(),
			Config:  h.opts.Wasm,
			Logger:  logger,
		})
		return b, kind, err
	case scraper.BackendHeadless, scraper.BackendFallback:
		driver := h.opts.Static
		if kind == scraper.BackendHeadless {
			if h.opts.Browser != nil {
				driver = h.opts.Browser
			} else {
				kind = scraper.BackendFallback
				h.logger.Info("no browser available, using static fallback", zap.String("plugin", m.ID))
			}
		}
		b, err := dombackend.New(*m.Selectors, driver, dombackend.Options{Headers: headers, Logger: logger})
		return b, kind, err
	default:
		return nil, "", scraper.Errorf(scraper.KindManifestInvalid, "load", "unsupported backend %q", kind)
	}
}

// driver is what scripted plugins drive: the browser when there is one,
// otherwise the static fallback.
func (h *Host) driver() headless.Driver {
	if h.opts.Browser != nil {
		return h.opts.Browser
	}
	return h.opts.Static
}

// Plugin returns the registered record for id.
func (h *Host) Plugin(id string) (scraper.Plugin, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.plugins[id]
	if !ok {
		return scraper.Plugin{}, false
	}
	return e.plugin, true
}

// List returns every registered plugin ordered by id.
func (h *Host) List() []scraper.Plugin {
	h.mu.RLock()
	out := make([]scraper.Plugin, 0, len(h.plugins))
	for _, e := range h.plugins {
		out = append(out, e.plugin)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetInfo returns plugin metadata or a NotFound error.
func (h *Host) GetInfo(id string) (scraper.ScraperInfo, error) {
	p, ok := h.Plugin(id)
	if !ok {
		return scraper.ScraperInfo{}, notFound(id)
	}
	return p.Info(), nil
}

// Search runs a query against one plugin.
func (h *Host) Search(ctx context.Context, id, query string, page int) ([]scraper.MangaItem, error) {
	res, err := h.Invoke(ctx, scraper.Request{Plugin: id, Op: scraper.OpSearch, Query: query, Page: page})
	return res.Items, err
}

// GetMangaPage fetches a title's detail page.
func (h *Host) GetMangaPage(ctx context.Context, id, url string) (scraper.MangaPage, error) {
	res, err := h.Invoke(ctx, scraper.Request{Plugin: id, Op: scraper.OpMangaPage, URL: url})
	if err != nil {
		return scraper.MangaPage{}, err
	}
	return *res.Page, nil
}

// GetChapterPages lists the image urls of a chapter.
func (h *Host) GetChapterPages(ctx context.Context, id, url string) ([]string, error) {
	res, err := h.Invoke(ctx, scraper.Request{Plugin: id, Op: scraper.OpChapterPages, URL: url})
	return res.Images, err
}

// Latest lists recently updated titles.
func (h *Host) Latest(ctx context.Context, id string, page int) ([]scraper.MangaItem, error) {
	res, err := h.Invoke(ctx, scraper.Request{Plugin: id, Op: scraper.OpLatest, Page: page})
	return res.Items, err
}

// Trending lists popular titles.
func (h *Host) Trending(ctx context.Context, id string, page int) ([]scraper.MangaItem, error) {
	res, err := h.Invoke(ctx, scraper.Request{Plugin: id, Op: scraper.OpTrending, Page: page})
	return res.Items, err
}

// Genres lists the genres a plugin knows.
func (h *Host) Genres(ctx context.Context, id string) ([]scraper.Genre, error) {
	res, err := h.Invoke(ctx, scraper.Request{Plugin: id, Op: scraper.OpGenres})
	return res.Genres, err
}

// Invoke dispatches req to its plugin's backend. Every error it returns is
// a *scraper.PluginError tagged with the plugin id, and every successful
// result is normalized.
func (h *Host) Invoke(ctx context.Context, req scraper.Request) (scraper.Result, error) {
	op := string(req.Op)
	if err := req.Validate(); err != nil {
		return scraper.Result{}, scraper.NewError(scraper.KindBackend, op, fmt.Errorf("invalid request: %w", err)).
			Permanent().WithPlugin(req.Plugin)
	}

	h.mu.RLock()
	e, ok := h.plugins[req.Plugin]
	if ok {
		e.calls.Add(1)
	}
	h.mu.RUnlock()
	if !ok {
		return scraper.Result{}, notFound(req.Plugin)
	}
	defer e.calls.Done()

	ctx, span := h.tracer.Start(ctx, "plugin."+op, trace.WithAttributes(
		attribute.String("plugin.id", req.Plugin),
		attribute.String("plugin.backend", string(e.plugin.Backend)),
	))
	defer span.End()

	start := time.Now()
	res, err := dispatch(ctx, e.backend, req)
	result := "ok"
	if err != nil {
		pe := scraper.AsPluginError(op, err).WithPlugin(req.Plugin)
		result = string(pe.Kind)
		span.RecordError(pe)
		span.SetStatus(codes.Error, string(pe.Kind))
		err = pe
	}
	metrics.ObserveInvocation(req.Plugin, string(e.plugin.Backend), result, time.Since(start))
	if err != nil {
		return scraper.Result{}, err
	}
	return res, nil
}

// Close unregisters every plugin and waits for their backends to close.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	entries := make([]*entry, 0, len(h.plugins))
	for id, e := range h.plugins {
		entries = append(entries, e)
		delete(h.plugins, id)
	}
	h.mu.Unlock()
	for _, e := range entries {
		h.retire(e)
	}
	h.retired.Wait()
	metrics.SetPluginsLoaded(0)
	return nil
}

func dispatch(ctx context.Context, b scraper.Backend, req scraper.Request) (scraper.Result, error) {
	page := max(req.Page, 1)
	switch req.Op {
	case scraper.OpSearch:
		items, err := b.Search(ctx, req.Query, page)
		return scraper.Result{Items: nonNil(items)}, err
	case scraper.OpMangaPage:
		p, err := b.MangaPage(ctx, req.URL)
		if err != nil {
			return scraper.Result{}, err
		}
		p = p.Normalize(req.URL)
		return scraper.Result{Page: &p}, nil
	case scraper.OpChapterPages:
		images, err := b.ChapterPages(ctx, req.URL)
		return scraper.Result{Images: nonNil(images)}, err
	case scraper.OpLatest:
		items, err := b.Latest(ctx, page)
		return scraper.Result{Items: nonNil(items)}, err
	case scraper.OpTrending:
		items, err := b.Trending(ctx, page)
		return scraper.Result{Items: nonNil(items)}, err
	case scraper.OpGenres:
		genres, err := b.Genres(ctx)
		return scraper.Result{Genres: nonNil(genres)}, err
	default:
		return scraper.Result{}, scraper.Errorf(scraper.KindBackend, string(req.Op), "unsupported operation").Permanent()
	}
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func notFound(id string) error {
	return scraper.Errorf(scraper.KindNotFound, "lookup", "no plugin registered with id %q", id).WithPlugin(id)
}
