// Package luabackend runs Lua scraper scripts with gopher-lua. Each call gets
// a fresh interpreter on its own goroutine; the script sees only the host
// API injected here, never the filesystem or raw sockets.
package luabackend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// Config bounds each interpreter. Zero values use gopher-lua defaults.
type Config struct {
	CallStackSize int
	RegistrySize  int
}

// Options wires the host capabilities into a Backend.
type Options struct {
	Plugin  string
	Client  scraper.HTTPClient
	Headers map[string]string
	// Browser serves the headless global. Without one, headless calls fail
	// with an InitializationError.
	Browser headless.Driver
	Config  Config
	Logger  *zap.Logger
}

// Backend implements scraper.Backend for one compiled script.
type Backend struct {
	proto   *lua.FunctionProto
	plugin  string
	client  scraper.HTTPClient
	headers map[string]string
	browser headless.Driver
	cfg     Config
	logger  *zap.Logger
}

var _ scraper.Backend = (*Backend)(nil)

// LoadFile compiles the script at path.
func LoadFile(path string, opts Options) (*Backend, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, scraper.NewError(scraper.KindInitialization, "load", fmt.Errorf("read script: %w", err))
	}
	return New(path, string(src), opts)
}

// New compiles src once; invocations share the immutable bytecode only.
func New(name, src string, opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, scraper.Errorf(scraper.KindInitialization, "load", "http client is required")
	}
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, scraper.NewError(scraper.KindInitialization, "load", fmt.Errorf("parse script: %w", err))
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, scraper.NewError(scraper.KindInitialization, "load", fmt.Errorf("compile script: %w", err))
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		proto:   proto,
		plugin:  opts.Plugin,
		client:  opts.Client,
		headers: opts.Headers,
		browser: opts.Browser,
		cfg:     opts.Config,
		logger:  logger,
	}, nil
}

// Search implements scraper.Backend.
func (b *Backend) Search(ctx context.Context, query string, page int) ([]scraper.MangaItem, error) {
	var items []scraper.MangaItem
	err := b.invoke(ctx, scraper.OpSearch, &items, lua.LString(query), lua.LNumber(page))
	return items, err
}

// MangaPage implements scraper.Backend.
func (b *Backend) MangaPage(ctx context.Context, url string) (scraper.MangaPage, error) {
	var page *scraper.MangaPage
	if err := b.invoke(ctx, scraper.OpMangaPage, &page, lua.LString(url)); err != nil {
		return scraper.MangaPage{}, err
	}
	if page == nil {
		return scraper.MangaPage{}, scraper.Errorf(scraper.KindBackend, string(scraper.OpMangaPage), "script returned nil")
	}
	return *page, nil
}

// ChapterPages implements scraper.Backend.
func (b *Backend) ChapterPages(ctx context.Context, url string) ([]string, error) {
	var images []string
	err := b.invoke(ctx, scraper.OpChapterPages, &images, lua.LString(url))
	return images, err
}

// Latest implements scraper.Backend.
func (b *Backend) Latest(ctx context.Context, page int) ([]scraper.MangaItem, error) {
	var items []scraper.MangaItem
	err := b.invoke(ctx, scraper.OpLatest, &items, lua.LNumber(page))
	return items, err
}

// Trending implements scraper.Backend.
func (b *Backend) Trending(ctx context.Context, page int) ([]scraper.MangaItem, error) {
	var items []scraper.MangaItem
	err := b.invoke(ctx, scraper.OpTrending, &items, lua.LNumber(page))
	return items, err
}

// Genres implements scraper.Backend.
func (b *Backend) Genres(ctx context.Context) ([]scraper.Genre, error) {
	var genres []scraper.Genre
	err := b.invoke(ctx, scraper.OpGenres, &genres)
	return genres, err
}

// Close implements scraper.Backend. Interpreters never outlive a call.
func (b *Backend) Close() error { return nil }

// invoke runs one global function on a dedicated goroutine and decodes its
// return value into out. The caller is released as soon as ctx ends; the
// interpreter observes the same ctx and unwinds on its own.
func (b *Backend) invoke(ctx context.Context, op scraper.Operation, out any, args ...lua.LValue) error {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := b.run(ctx, op, args...)
		done <- outcome{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		if err := decodeRecord(res.value, out); err != nil {
			return scraper.NewError(scraper.KindBackend, string(op), fmt.Errorf("decode result: %w", err)).Permanent()
		}
		return nil
	case <-ctx.Done():
		return scraper.NewError(scraper.KindTimeout, string(op), ctx.Err())
	}
}

func (b *Backend) run(ctx context.Context, op scraper.Operation, args ...lua.LValue) (any, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: b.cfg.CallStackSize,
		RegistrySize:  b.cfg.RegistrySize,
	})
	defer L.Close()
	L.SetContext(ctx)

	if err := openLibs(L); err != nil {
		return nil, scraper.NewError(scraper.KindInitialization, string(op), err)
	}
	h := &host{
		ctx:     ctx,
		plugin:  b.plugin,
		client:  b.client,
		headers: b.headers,
		driver:  b.browser,
		logger:  b.logger,
	}
	defer func() {
		if err := h.closeSession(); err != nil {
			b.logger.Warn("closing headless session", zap.String("plugin", b.plugin), zap.Error(err))
		}
	}()
	h.register(L)

	L.Push(L.NewFunctionFromProto(b.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, h.translate(ctx, string(op), err, scraper.KindInitialization)
	}
	fn := L.GetGlobal(string(op))
	if fn.Type() != lua.LTFunction {
		return nil, scraper.Errorf(scraper.KindBackend, string(op), "script does not define %s", op).Permanent()
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return nil, h.translate(ctx, string(op), err, scraper.KindBackend)
	}
	ret := L.Get(-1)
	L.Pop(1)
	value, err := toGo(ret, 0)
	if err != nil {
		return nil, scraper.NewError(scraper.KindBackend, string(op), err).Permanent()
	}
	return value, nil
}

// openLibs loads the safe subset of the standard library.
func openLibs(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open %s library: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// translate maps an interpreter failure into the taxonomy. A failed host call
// wins, then the invocation deadline, then a typed error table raised by the
// script, then fallback.
func (h *host) translate(ctx context.Context, op string, err error, fallback scraper.ErrorKind) error {
	if h.failure != nil {
		return h.failure
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return scraper.NewError(scraper.KindTimeout, op, ctxErr)
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if tbl, ok := apiErr.Object.(*lua.LTable); ok {
			if kind, ok := scraper.ParseErrorKind(lua.LVAsString(tbl.RawGetString("kind"))); ok {
				msg := lua.LVAsString(tbl.RawGetString("message"))
				return scraper.NewError(kind, op, errors.New(msg))
			}
		}
		return scraper.NewError(fallback, op, errors.New(apiErr.Object.String()))
	}
	return scraper.NewError(fallback, op, err)
}
