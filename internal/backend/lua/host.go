package luabackend

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/markup"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// host is the per-invocation API bound into one interpreter.
type host struct {
	ctx     context.Context
	plugin  string
	client  scraper.HTTPClient
	headers map[string]string
	driver  headless.Driver
	sess    headless.Session
	logger  *zap.Logger
	// failure is the first host-side error; it outranks the Lua error raised
	// to unwind the script.
	failure error
}

func (h *host) register(L *lua.LState) {
	L.SetGlobal("http", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":  h.httpGet,
		"post": h.httpPost,
	}))
	L.SetGlobal("json", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"encode": h.jsonEncode,
		"decode": h.jsonDecode,
	}))
	L.SetGlobal("scraping", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"select":     h.selectAll,
		"select_one": h.selectOne,
		"text":       h.text,
		"attr":       h.attr,
		"image_url":  h.imageURL,
		"absolute":   h.absolute,
	}))
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		L.SetFuncs(str, map[string]lua.LGFunction{
			"split":   stringSplit,
			"trim":    stringTrim,
			"replace": stringReplace,
		})
	}
	h.registerHeadless(L)
	L.SetGlobal("log", L.NewFunction(h.log))
	L.SetGlobal("print", L.NewFunction(h.log))
}

// fail records err and unwinds the script.
func (h *host) fail(L *lua.LState, err *scraper.PluginError) int {
	if h.failure == nil {
		h.failure = err
	}
	L.RaiseError("%s", err.Error())
	return 0
}

func (h *host) httpGet(L *lua.LState) int {
	return h.request(L, "GET")
}

func (h *host) httpPost(L *lua.LState) int {
	return h.request(L, "POST")
}

// request implements http.get/post(url, opts). opts may carry headers, a raw
// body, a form table (url-encoded), or a json value.
func (h *host) request(L *lua.LState, method string) int {
	req := scraper.HTTPRequest{
		Method:  method,
		URL:     L.CheckString(1),
		Headers: map[string]string{},
	}
	for k, v := range h.headers {
		req.Headers[k] = v
	}
	if opts := L.OptTable(2, nil); opts != nil {
		if headers, ok := opts.RawGetString("headers").(*lua.LTable); ok {
			headers.ForEach(func(k, v lua.LValue) {
				req.Headers[k.String()] = v.String()
			})
		}
		switch {
		case opts.RawGetString("json") != lua.LNil:
			value, err := toGo(opts.RawGetString("json"), 0)
			if err != nil {
				return h.fail(L, scraper.NewError(scraper.KindBackend, "http", err).Permanent())
			}
			body, err := json.Marshal(value)
			if err != nil {
				return h.fail(L, scraper.NewError(scraper.KindBackend, "http", err).Permanent())
			}
			req.Body = string(body)
			req.Headers["Content-Type"] = "application/json"
		case opts.RawGetString("form") != lua.LNil:
			form := url.Values{}
			if tbl, ok := opts.RawGetString("form").(*lua.LTable); ok {
				tbl.ForEach(func(k, v lua.LValue) {
					form.Set(k.String(), v.String())
				})
			}
			req.Body = form.Encode()
			req.Headers["Content-Type"] = "application/x-www-form-urlencoded"
		default:
			req.Body = lua.LVAsString(opts.RawGetString("body"))
		}
	}

	resp, err := h.client.Do(h.ctx, req)
	if err != nil {
		return h.fail(L, scraper.AsPluginError("http", err))
	}
	L.Push(h.responseTable(L, resp))
	return 1
}

func (h *host) responseTable(L *lua.LState, resp scraper.HTTPResponse) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("text", lua.LString(resp.Body))
	tbl.RawSetString("status", lua.LNumber(resp.Status))
	tbl.RawSetString("ok", lua.LBool(resp.OK()))
	tbl.RawSetString("url", lua.LString(resp.URL))
	headers := L.NewTable()
	for k, v := range resp.Headers {
		headers.RawSetString(k, lua.LString(v))
	}
	tbl.RawSetString("headers", headers)
	body := resp.Body
	tbl.RawSetString("json", L.NewFunction(func(L *lua.LState) int {
		value, err := decodeJSON(L, body)
		if err != nil {
			return h.fail(L, scraper.NewError(scraper.KindBackend, "json", err).Permanent())
		}
		L.Push(value)
		return 1
	}))
	return tbl
}

func (h *host) jsonEncode(L *lua.LState) int {
	value, err := toGo(L.CheckAny(1), 0)
	if err != nil {
		return h.fail(L, scraper.NewError(scraper.KindBackend, "json", err).Permanent())
	}
	out, err := json.Marshal(value)
	if err != nil {
		return h.fail(L, scraper.NewError(scraper.KindBackend, "json", err).Permanent())
	}
	L.Push(lua.LString(out))
	return 1
}

func (h *host) jsonDecode(L *lua.LState) int {
	value, err := decodeJSON(L, L.CheckString(1))
	if err != nil {
		return h.fail(L, scraper.NewError(scraper.KindBackend, "json", err).Permanent())
	}
	L.Push(value)
	return 1
}

// selectAll implements scraping.select(html, selector) -> {element...}.
func (h *host) selectAll(L *lua.LState) int {
	elements, ok := h.query(L)
	if !ok {
		return 0
	}
	tbl := L.CreateTable(len(elements), 0)
	for _, el := range elements {
		tbl.Append(elementTable(L, el))
	}
	L.Push(tbl)
	return 1
}

// selectOne returns the first match or nil.
func (h *host) selectOne(L *lua.LState) int {
	elements, ok := h.query(L)
	if !ok {
		return 0
	}
	if len(elements) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(elementTable(L, elements[0]))
	return 1
}

func (h *host) query(L *lua.LState) ([]markup.Element, bool) {
	html := htmlArg(L, 1)
	selector := L.CheckString(2)
	elements, err := markup.Query(html, selector)
	if err != nil {
		h.fail(L, scraper.NewError(scraper.KindElementInteraction, "scraping.select", err).Permanent())
		return nil, false
	}
	return elements, true
}

// text accepts an element table or an html string.
func (h *host) text(L *lua.LState) int {
	if tbl, ok := L.Get(1).(*lua.LTable); ok {
		L.Push(tbl.RawGetString("text"))
		return 1
	}
	body, ok := h.body(L, L.CheckString(1))
	if !ok {
		return 0
	}
	L.Push(lua.LString(markup.Text(body)))
	return 1
}

func (h *host) attr(L *lua.LState) int {
	name := L.CheckString(2)
	if tbl, ok := L.Get(1).(*lua.LTable); ok {
		if attrs, ok := tbl.RawGetString("attrs").(*lua.LTable); ok {
			L.Push(attrs.RawGetString(name))
			return 1
		}
	}
	root, ok := h.fragment(L, htmlArg(L, 1))
	if !ok {
		return 0
	}
	if v, exists := root.Attr(name); exists {
		L.Push(lua.LString(v))
	} else {
		L.Push(lua.LNil)
	}
	return 1
}

func (h *host) imageURL(L *lua.LState) int {
	root, ok := h.fragment(L, htmlArg(L, 1))
	if !ok {
		return 0
	}
	v := markup.ImageURL(root)
	if base := L.OptString(2, ""); base != "" && v != "" {
		v = markup.Absolute(base, v)
	}
	L.Push(lua.LString(v))
	return 1
}

func (h *host) absolute(L *lua.LState) int {
	L.Push(lua.LString(markup.Absolute(L.CheckString(1), L.CheckString(2))))
	return 1
}

func (h *host) body(L *lua.LState, html string) (*goquery.Selection, bool) {
	doc, err := markup.Parse(html)
	if err != nil {
		h.fail(L, scraper.NewError(scraper.KindElementInteraction, "scraping", err).Permanent())
		return nil, false
	}
	return doc.Find("body"), true
}

// fragment returns the first element of html, or the body when there is none.
func (h *host) fragment(L *lua.LState, html string) (*goquery.Selection, bool) {
	body, ok := h.body(L, html)
	if !ok {
		return nil, false
	}
	if first := body.Children().First(); first.Length() > 0 {
		return first, true
	}
	return body, true
}

func (h *host) log(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.Get(i).String())
	}
	h.logger.Debug("plugin log", zap.String("plugin", h.plugin), zap.String("msg", strings.Join(parts, " ")))
	return 0
}

// htmlArg reads an html string or the html field of an element table.
func htmlArg(L *lua.LState, n int) string {
	if tbl, ok := L.Get(n).(*lua.LTable); ok {
		return lua.LVAsString(tbl.RawGetString("html"))
	}
	return L.CheckString(n)
}

func elementTable(L *lua.LState, el markup.Element) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("html", lua.LString(el.HTML))
	tbl.RawSetString("text", lua.LString(el.Text))
	attrs := L.NewTable()
	for k, v := range el.Attrs {
		attrs.RawSetString(k, lua.LString(v))
	}
	tbl.RawSetString("attrs", attrs)
	return tbl
}

// stringSplit splits on a plain delimiter, not a pattern.
func stringSplit(L *lua.LState) int {
	parts := strings.Split(L.CheckString(1), L.CheckString(2))
	tbl := L.CreateTable(len(parts), 0)
	for _, p := range parts {
		tbl.Append(lua.LString(p))
	}
	L.Push(tbl)
	return 1
}

func stringTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func stringReplace(L *lua.LState) int {
	L.Push(lua.LString(strings.ReplaceAll(L.CheckString(1), L.CheckString(2), L.CheckString(3))))
	return 1
}
