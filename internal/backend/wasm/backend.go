// Package wasmbackend runs WebAssembly scraper guests with wazero. Each call
// instantiates a fresh anonymous module with its own memory, resource table,
// and WASI context; no filesystem or socket is granted, only the scraper
// host module. A headless session, when a guest asks for one, is scoped to
// the call as well.
package wasmbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// DefaultMemoryLimitPages caps a guest at 16 MiB.
const DefaultMemoryLimitPages = 256

// Config bounds every instance of the module.
type Config struct {
	MemoryLimitPages uint32
}

// Options wires host capabilities into a Backend.
type Options struct {
	Plugin  string
	Client  scraper.HTTPClient
	Headers map[string]string
	// Browser serves the headless_* imports. Without one they fail with an
	// InitializationError.
	Browser headless.Driver
	Config  Config
	Logger  *zap.Logger
}

// Backend implements scraper.Backend for one compiled guest.
type Backend struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	plugin   string
	client   scraper.HTTPClient
	headers  map[string]string
	browser  headless.Driver
	logger   *zap.Logger
}

var _ scraper.Backend = (*Backend)(nil)

// LoadFile compiles the guest at path.
func LoadFile(ctx context.Context, path string, opts Options) (*Backend, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, scraper.NewError(scraper.KindInitialization, "load", fmt.Errorf("read module: %w", err))
	}
	return New(ctx, bin, opts)
}

// New compiles bin and checks its exports. The runtime is owned by the
// Backend and released by Close.
func New(ctx context.Context, bin []byte, opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, scraper.Errorf(scraper.KindInitialization, "load", "http client is required")
	}
	limit := opts.Config.MemoryLimitPages
	if limit == 0 {
		limit = DefaultMemoryLimitPages
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limit))

	fail := func(err error) (*Backend, error) {
		_ = runtime.Close(ctx)
		return nil, scraper.NewError(scraper.KindInitialization, "load", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return fail(fmt.Errorf("instantiate wasi: %w", err))
	}
	if err := instantiateHost(ctx, runtime); err != nil {
		return fail(fmt.Errorf("instantiate host module: %w", err))
	}
	compiled, err := runtime.CompileModule(ctx, bin)
	if err != nil {
		return fail(fmt.Errorf("compile module: %w", err))
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return fail(errors.New("module does not export memory"))
	}
	if _, ok := compiled.ExportedFunctions()["alloc"]; !ok {
		return fail(errors.New("module does not export alloc"))
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		runtime:  runtime,
		compiled: compiled,
		plugin:   opts.Plugin,
		client:   opts.Client,
		headers:  opts.Headers,
		browser:  opts.Browser,
		logger:   logger,
	}, nil
}

// Search implements scraper.Backend.
func (b *Backend) Search(ctx context.Context, query string, page int) ([]scraper.MangaItem, error) {
	var items []scraper.MangaItem
	err := b.invoke(ctx, scraper.OpSearch, request{Query: query, Page: page}, &items)
	return items, err
}

// MangaPage implements scraper.Backend.
func (b *Backend) MangaPage(ctx context.Context, url string) (scraper.MangaPage, error) {
	var page scraper.MangaPage
	err := b.invoke(ctx, scraper.OpMangaPage, request{URL: url}, &page)
	return page, err
}

// ChapterPages implements scraper.Backend.
func (b *Backend) ChapterPages(ctx context.Context, url string) ([]string, error) {
	var images []string
	err := b.invoke(ctx, scraper.OpChapterPages, request{URL: url}, &images)
	return images, err
}

// Latest implements scraper.Backend.
func (b *Backend) Latest(ctx context.Context, page int) ([]scraper.MangaItem, error) {
	var items []scraper.MangaItem
	err := b.invoke(ctx, scraper.OpLatest, request{Page: page}, &items)
	return items, err
}

// Trending implements scraper.Backend.
func (b *Backend) Trending(ctx context.Context, page int) ([]scraper.MangaItem, error) {
	var items []scraper.MangaItem
	err := b.invoke(ctx, scraper.OpTrending, request{Page: page}, &items)
	return items, err
}

// Genres implements scraper.Backend.
func (b *Backend) Genres(ctx context.Context) ([]scraper.Genre, error) {
	var genres []scraper.Genre
	err := b.invoke(ctx, scraper.OpGenres, request{}, &genres)
	return genres, err
}

// Close releases the runtime and every compiled artifact.
func (b *Backend) Close() error {
	return b.runtime.Close(context.Background())
}

func (b *Backend) newInvocation() *invocation {
	return &invocation{
		plugin:  b.plugin,
		client:  b.client,
		headers: b.headers,
		logger:  b.logger,
		docs:    newTable(),
		driver:  b.browser,
	}
}

// instantiate creates a fresh anonymous instance. Output goes to per-call
// buffers; no filesystem is mounted.
func (b *Backend) instantiate(ctx context.Context, stdout, stderr *bytes.Buffer) (api.Module, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_initialize")
	return b.runtime.InstantiateModule(ctx, b.compiled, cfg)
}

func (b *Backend) invoke(ctx context.Context, op scraper.Operation, req request, out any) error {
	inv := b.newInvocation()
	ctx = context.WithValue(ctx, invocationKey{}, inv)
	defer func() {
		if err := inv.closeSession(); err != nil {
			b.logger.Warn("closing headless session", zap.String("plugin", b.plugin), zap.Error(err))
		}
	}()

	var stdout, stderr bytes.Buffer
	mod, err := b.instantiate(ctx, &stdout, &stderr)
	if err != nil {
		return b.translate(ctx, inv, op, err, scraper.KindInitialization)
	}
	defer func() {
		_ = mod.Close(context.Background())
		if stdout.Len() > 0 || stderr.Len() > 0 {
			b.logger.Debug("guest output",
				zap.String("plugin", b.plugin),
				zap.String("op", string(op)),
				zap.String("stdout", stdout.String()),
				zap.String("stderr", stderr.String()),
			)
		}
	}()

	fn := mod.ExportedFunction(string(op))
	if fn == nil {
		return scraper.Errorf(scraper.KindBackend, string(op), "module does not export %s", op).Permanent()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return scraper.NewError(scraper.KindBackend, string(op), err).Permanent()
	}
	ptr, err := writeGuest(ctx, mod, payload)
	if err != nil {
		return b.translate(ctx, inv, op, err, scraper.KindBackend)
	}
	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return b.translate(ctx, inv, op, err, scraper.KindBackend)
	}
	if len(results) != 1 {
		return scraper.Errorf(scraper.KindBackend, string(op), "export returned %d values, want 1", len(results)).Permanent()
	}
	resPtr, resLen := unpack(results[0])
	raw, err := readGuest(mod, resPtr, resLen)
	if err != nil {
		return scraper.NewError(scraper.KindBackend, string(op), err).Permanent()
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return scraper.NewError(scraper.KindBackend, string(op), fmt.Errorf("decode guest response: %w", err)).Permanent()
	}
	if env.Error != nil {
		if inv.failure != nil {
			return inv.failure
		}
		kind, ok := scraper.ParseErrorKind(env.Error.Kind)
		if !ok {
			kind = scraper.KindBackend
		}
		return scraper.NewError(kind, string(op), errors.New(env.Error.Message))
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return scraper.NewError(scraper.KindBackend, string(op), fmt.Errorf("decode result: %w", err)).Permanent()
	}
	return nil
}

// translate maps a wazero failure into the taxonomy. Host failures win; a
// context-closed module is a Timeout; traps and other exits are backend
// errors.
func (b *Backend) translate(ctx context.Context, inv *invocation, op scraper.Operation, err error, fallback scraper.ErrorKind) error {
	if inv.failure != nil {
		return inv.failure
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			return scraper.NewError(scraper.KindTimeout, string(op), err)
		default:
			return scraper.Errorf(scraper.KindBackend, string(op), "guest exited with code %d", exitErr.ExitCode())
		}
	}
	if ctx.Err() != nil {
		return scraper.NewError(scraper.KindTimeout, string(op), err)
	}
	return scraper.NewError(fallback, string(op), err)
}
