package wasmbackend

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/markup"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// hostModule is the import namespace guests link against.
const hostModule = "scraper"

type invocationKey struct{}

// invocation is the state one guest call can reach through host functions.
// It lives in the call context and dies with the instance.
type invocation struct {
	plugin  string
	client  scraper.HTTPClient
	headers map[string]string
	logger  *zap.Logger
	docs    *table
	driver  headless.Driver
	sess    headless.Session
	// failure is the first host-side error; it outranks what the guest
	// reports afterwards.
	failure error
}

func (inv *invocation) fail(err error) {
	if inv.failure == nil {
		inv.failure = err
	}
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	return inv
}

// instantiateHost registers the scraper module once per runtime. Functions
// find their per-call state through ctx, so one registration serves every
// instance.
func instantiateHost(ctx context.Context, r wazero.Runtime) error {
	b := r.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(httpRequest).Export("http_request").
		NewFunctionBuilder().WithFunc(htmlParse).Export("html_parse").
		NewFunctionBuilder().WithFunc(htmlSelect).Export("html_select").
		NewFunctionBuilder().WithFunc(htmlFree).Export("html_free").
		NewFunctionBuilder().WithFunc(guestLog).Export("log")
	_, err := exportHeadless(b).Instantiate(ctx)
	return err
}

// httpRequest performs a scraper.HTTPRequest given as JSON and returns a
// packed envelope holding the scraper.HTTPResponse.
func httpRequest(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	raw, err := readGuest(mod, ptr, size)
	if err != nil {
		inv.fail(scraper.NewError(scraper.KindBackend, "http_request", err).Permanent())
		return 0
	}
	var req scraper.HTTPRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return respond(ctx, mod, inv, nil, scraper.NewError(scraper.KindBackend, "http_request", err).Permanent())
	}
	headers := make(map[string]string, len(inv.headers)+len(req.Headers))
	for k, v := range inv.headers {
		headers[k] = v
	}
	for k, v := range req.Headers {
		headers[k] = v
	}
	req.Headers = headers
	resp, err := inv.client.Do(ctx, req)
	if err != nil {
		pe := scraper.AsPluginError("http_request", err)
		inv.fail(pe)
		return respond(ctx, mod, inv, nil, pe)
	}
	return respond(ctx, mod, inv, resp, nil)
}

// htmlParse parses a document into the resource table and returns its
// handle, or 0 on failure.
func htmlParse(ctx context.Context, mod api.Module, ptr, size uint32) uint32 {
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	raw, err := readGuest(mod, ptr, size)
	if err != nil {
		inv.fail(scraper.NewError(scraper.KindBackend, "html_parse", err).Permanent())
		return 0
	}
	doc, err := markup.Parse(string(raw))
	if err != nil {
		inv.fail(scraper.NewError(scraper.KindBackend, "html_parse", err))
		return 0
	}
	return inv.docs.put(doc)
}

// htmlSelect runs a selector against a parsed document and returns a packed
// envelope holding []markup.Element.
func htmlSelect(ctx context.Context, mod api.Module, doc, ptr, size uint32) uint64 {
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	parsed, ok := inv.docs.get(doc)
	if !ok {
		return respond(ctx, mod, inv, nil,
			scraper.Errorf(scraper.KindElementInteraction, "html_select", "unknown document handle %d", doc).Permanent())
	}
	raw, err := readGuest(mod, ptr, size)
	if err != nil {
		inv.fail(scraper.NewError(scraper.KindBackend, "html_select", err).Permanent())
		return 0
	}
	matches, err := markup.Find(parsed.Selection, string(raw))
	if err != nil {
		return respond(ctx, mod, inv, nil, scraper.NewError(scraper.KindElementInteraction, "html_select", err).Permanent())
	}
	elements := make([]markup.Element, 0, matches.Length())
	for i := range matches.Length() {
		elements = append(elements, markup.ElementOf(matches.Eq(i)))
	}
	return respond(ctx, mod, inv, elements, nil)
}

// htmlFree releases a document handle. It returns 1 if the handle existed.
func htmlFree(ctx context.Context, doc uint32) uint32 {
	inv := invocationFrom(ctx)
	if inv == nil || !inv.docs.free(doc) {
		return 0
	}
	return 1
}

func guestLog(ctx context.Context, mod api.Module, ptr, size uint32) {
	inv := invocationFrom(ctx)
	if inv == nil {
		return
	}
	raw, err := readGuest(mod, ptr, size)
	if err != nil {
		return
	}
	inv.logger.Debug("plugin log", zap.String("plugin", inv.plugin), zap.String("msg", string(raw)))
}

// respond writes either value or perr back to the guest. Guests see the
// error kind; a write failure is recorded as the invocation failure.
func respond(ctx context.Context, mod api.Module, inv *invocation, value any, perr *scraper.PluginError) uint64 {
	var (
		packed uint64
		err    error
	)
	if perr != nil {
		packed, err = writeEnvelope(ctx, mod, nil, string(perr.Kind), perr.Error())
	} else {
		packed, err = writeEnvelope(ctx, mod, value, "", "")
	}
	if err != nil {
		inv.fail(scraper.NewError(scraper.KindBackend, "host", err).Permanent())
		return 0
	}
	return packed
}
