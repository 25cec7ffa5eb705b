package wasmbackend

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// guestElement is how a session element crosses to the guest. Handle stays
// valid until the next navigation, release, or the end of the invocation.
type guestElement struct {
	Handle uint64 `json:"handle"`
	Text   string `json:"text"`
	HTML   string `json:"html"`
}

// attribute is returned by headless_attr.
type attribute struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// location is returned by navigations and clicks.
type location struct {
	URL string `json:"url"`
}

func exportHeadless(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	return b.
		NewFunctionBuilder().WithFunc(headlessGoto).Export("headless_goto").
		NewFunctionBuilder().WithFunc(headlessFind).Export("headless_find").
		NewFunctionBuilder().WithFunc(headlessFindAll).Export("headless_find_all").
		NewFunctionBuilder().WithFunc(headlessAttr).Export("headless_attr").
		NewFunctionBuilder().WithFunc(headlessClick).Export("headless_click").
		NewFunctionBuilder().WithFunc(headlessRelease).Export("headless_release").
		NewFunctionBuilder().WithFunc(headlessClose).Export("headless_close")
}

// session returns the invocation's session, opening it on first use.
func (inv *invocation) session(ctx context.Context, op string) (headless.Session, *scraper.PluginError) {
	if inv.sess != nil {
		return inv.sess, nil
	}
	if inv.driver == nil {
		return nil, scraper.Errorf(scraper.KindInitialization, op, "no headless driver configured").Permanent()
	}
	sess, err := inv.driver.Open(ctx, headless.SessionOptions{Headers: inv.headers})
	if err != nil {
		return nil, scraper.AsPluginError(op, err)
	}
	inv.sess = sess
	return sess, nil
}

// closeSession releases the session. Safe to call when none is open.
func (inv *invocation) closeSession() error {
	if inv.sess == nil {
		return nil
	}
	err := inv.sess.Close()
	inv.sess = nil
	return err
}

// headlessGoto navigates to the URL in guest memory and returns a packed
// envelope holding the final location.
func headlessGoto(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	const op = "headless_goto"
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	url, ok := readArg(inv, mod, op, ptr, size)
	if !ok {
		return 0
	}
	sess, perr := inv.session(ctx, op)
	if perr != nil {
		inv.fail(perr)
		return respond(ctx, mod, inv, nil, perr)
	}
	if err := sess.Goto(ctx, url); err != nil {
		pe := scraper.AsPluginError(op, err)
		inv.fail(pe)
		return respond(ctx, mod, inv, nil, pe)
	}
	return respond(ctx, mod, inv, location{URL: sess.URL()}, nil)
}

// headlessFind returns an envelope holding the first match beneath scope.
// No match is an element_not_found error the guest may recover from.
func headlessFind(ctx context.Context, mod api.Module, scope uint64, ptr, size uint32) uint64 {
	const op = "headless_find"
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	selector, ok := readArg(inv, mod, op, ptr, size)
	if !ok {
		return 0
	}
	sess, perr := inv.session(ctx, op)
	if perr != nil {
		inv.fail(perr)
		return respond(ctx, mod, inv, nil, perr)
	}
	h, err := sess.Find(ctx, headless.Handle(scope), selector)
	if err != nil {
		return respond(ctx, mod, inv, nil, scraper.AsPluginError(op, err))
	}
	el, perr := describe(ctx, sess, h, op)
	if perr != nil {
		return respond(ctx, mod, inv, nil, perr)
	}
	return respond(ctx, mod, inv, el, nil)
}

// headlessFindAll returns an envelope holding every match beneath scope.
func headlessFindAll(ctx context.Context, mod api.Module, scope uint64, ptr, size uint32) uint64 {
	const op = "headless_find_all"
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	selector, ok := readArg(inv, mod, op, ptr, size)
	if !ok {
		return 0
	}
	sess, perr := inv.session(ctx, op)
	if perr != nil {
		inv.fail(perr)
		return respond(ctx, mod, inv, nil, perr)
	}
	handles, err := sess.FindAll(ctx, headless.Handle(scope), selector)
	if err != nil {
		return respond(ctx, mod, inv, nil, scraper.AsPluginError(op, err))
	}
	out := make([]guestElement, 0, len(handles))
	for _, h := range handles {
		el, perr := describe(ctx, sess, h, op)
		if perr != nil {
			return respond(ctx, mod, inv, nil, perr)
		}
		out = append(out, el)
	}
	return respond(ctx, mod, inv, out, nil)
}

// headlessAttr returns an envelope holding the attribute lookup.
func headlessAttr(ctx context.Context, mod api.Module, handle uint64, ptr, size uint32) uint64 {
	const op = "headless_attr"
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	name, ok := readArg(inv, mod, op, ptr, size)
	if !ok {
		return 0
	}
	if inv.sess == nil {
		return respond(ctx, mod, inv, nil, noSession(op))
	}
	v, exists, err := inv.sess.Attr(ctx, headless.Handle(handle), name)
	if err != nil {
		return respond(ctx, mod, inv, nil, scraper.AsPluginError(op, err))
	}
	return respond(ctx, mod, inv, attribute{Value: v, Found: exists}, nil)
}

// headlessClick clicks an element and returns an envelope holding the
// location afterwards. Every handle is stale if the click navigated.
func headlessClick(ctx context.Context, mod api.Module, handle uint64) uint64 {
	const op = "headless_click"
	inv := invocationFrom(ctx)
	if inv == nil {
		return 0
	}
	if inv.sess == nil {
		return respond(ctx, mod, inv, nil, noSession(op))
	}
	if err := inv.sess.Click(ctx, headless.Handle(handle)); err != nil {
		pe := scraper.AsPluginError(op, err)
		inv.fail(pe)
		return respond(ctx, mod, inv, nil, pe)
	}
	return respond(ctx, mod, inv, location{URL: inv.sess.URL()}, nil)
}

func headlessRelease(ctx context.Context, handle uint64) {
	if inv := invocationFrom(ctx); inv != nil && inv.sess != nil {
		inv.sess.Release(headless.Handle(handle))
	}
}

// headlessClose ends the session early. It returns 1 if one was open.
func headlessClose(ctx context.Context) uint32 {
	inv := invocationFrom(ctx)
	if inv == nil || inv.sess == nil {
		return 0
	}
	if err := inv.closeSession(); err != nil {
		inv.fail(scraper.AsPluginError("headless_close", err))
		return 0
	}
	return 1
}

func describe(ctx context.Context, sess headless.Session, h headless.Handle, op string) (guestElement, *scraper.PluginError) {
	text, err := sess.Text(ctx, h)
	if err != nil {
		return guestElement{}, scraper.AsPluginError(op, err)
	}
	html, err := sess.HTML(ctx, h)
	if err != nil {
		return guestElement{}, scraper.AsPluginError(op, err)
	}
	return guestElement{Handle: uint64(h), Text: text, HTML: html}, nil
}

func readArg(inv *invocation, mod api.Module, op string, ptr, size uint32) (string, bool) {
	raw, err := readGuest(mod, ptr, size)
	if err != nil {
		inv.fail(scraper.NewError(scraper.KindBackend, op, err).Permanent())
		return "", false
	}
	return string(raw), true
}

func noSession(op string) *scraper.PluginError {
	return scraper.Errorf(scraper.KindElementInteraction, op, "no page loaded").Permanent()
}
