package luabackend

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

const elementTypeName = "headless.element"

// element is the script's view of a handle owned by the invocation session.
type element struct {
	handle headless.Handle
}

// registerHeadless binds the headless global. The session opens on first use
// and closes when the invocation ends.
func (h *host) registerHeadless(L *lua.LState) {
	mt := L.NewTypeMetatable(elementTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"text":     h.elementText,
		"attr":     h.elementAttr,
		"html":     h.elementHTML,
		"click":    h.elementClick,
		"find":     h.elementFind,
		"find_all": h.elementFindAll,
		"release":  h.elementRelease,
	}))
	L.SetGlobal("headless", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":      h.headlessGoto,
		"goto":     h.headlessGoto,
		"url":      h.headlessURL,
		"find":     h.headlessFind,
		"find_all": h.headlessFindAll,
		"close":    h.headlessClose,
	}))
}

// session returns the invocation's session, opening it on first use.
func (h *host) session(L *lua.LState, op string) (headless.Session, bool) {
	if h.sess != nil {
		return h.sess, true
	}
	if h.driver == nil {
		h.fail(L, scraper.Errorf(scraper.KindInitialization, op, "no headless driver configured").Permanent())
		return nil, false
	}
	sess, err := h.driver.Open(h.ctx, headless.SessionOptions{Headers: h.headers})
	if err != nil {
		h.fail(L, scraper.AsPluginError(op, err))
		return nil, false
	}
	h.sess = sess
	return sess, true
}

// closeSession releases the session. Safe to call when none is open.
func (h *host) closeSession() error {
	if h.sess == nil {
		return nil
	}
	err := h.sess.Close()
	h.sess = nil
	return err
}

func (h *host) headlessGoto(L *lua.LState) int {
	url := L.CheckString(1)
	sess, ok := h.session(L, "headless.goto")
	if !ok {
		return 0
	}
	if err := sess.Goto(h.ctx, url); err != nil {
		return h.fail(L, scraper.AsPluginError("headless.goto", err))
	}
	return 0
}

func (h *host) headlessURL(L *lua.LState) int {
	if h.sess == nil {
		L.Push(lua.LString(""))
		return 1
	}
	L.Push(lua.LString(h.sess.URL()))
	return 1
}

func (h *host) headlessFind(L *lua.LState) int {
	return h.find(L, L.CheckString(1), headless.Document)
}

func (h *host) headlessFindAll(L *lua.LState) int {
	return h.findAll(L, L.CheckString(1), headless.Document)
}

func (h *host) headlessClose(L *lua.LState) int {
	if err := h.closeSession(); err != nil {
		return h.fail(L, scraper.AsPluginError("headless.close", err))
	}
	return 0
}

func (h *host) find(L *lua.LState, selector string, scope headless.Handle) int {
	sess, ok := h.session(L, "headless.find")
	if !ok {
		return 0
	}
	handle, err := sess.Find(h.ctx, scope, selector)
	if err != nil {
		return h.fail(L, scraper.AsPluginError("headless.find", err))
	}
	L.Push(h.newElement(L, handle))
	return 1
}

func (h *host) findAll(L *lua.LState, selector string, scope headless.Handle) int {
	sess, ok := h.session(L, "headless.find_all")
	if !ok {
		return 0
	}
	handles, err := sess.FindAll(h.ctx, scope, selector)
	if err != nil {
		return h.fail(L, scraper.AsPluginError("headless.find_all", err))
	}
	tbl := L.CreateTable(len(handles), 0)
	for _, handle := range handles {
		tbl.Append(h.newElement(L, handle))
	}
	L.Push(tbl)
	return 1
}

func (h *host) newElement(L *lua.LState, handle headless.Handle) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = &element{handle: handle}
	L.SetMetatable(ud, L.GetTypeMetatable(elementTypeName))
	return ud
}

// checkElement reads the element receiver and the live session it belongs to.
func (h *host) checkElement(L *lua.LState, op string) (*element, headless.Session, bool) {
	ud := L.CheckUserData(1)
	el, ok := ud.Value.(*element)
	if !ok {
		L.ArgError(1, "headless element expected")
		return nil, nil, false
	}
	if h.sess == nil {
		h.fail(L, scraper.Errorf(scraper.KindElementInteraction, op, "session closed").Permanent())
		return nil, nil, false
	}
	return el, h.sess, true
}

func (h *host) elementText(L *lua.LState) int {
	el, sess, ok := h.checkElement(L, "element.text")
	if !ok {
		return 0
	}
	text, err := sess.Text(h.ctx, el.handle)
	if err != nil {
		return h.fail(L, scraper.AsPluginError("element.text", err))
	}
	L.Push(lua.LString(text))
	return 1
}

func (h *host) elementAttr(L *lua.LState) int {
	el, sess, ok := h.checkElement(L, "element.attr")
	if !ok {
		return 0
	}
	v, exists, err := sess.Attr(h.ctx, el.handle, L.CheckString(2))
	if err != nil {
		return h.fail(L, scraper.AsPluginError("element.attr", err))
	}
	if !exists {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (h *host) elementHTML(L *lua.LState) int {
	el, sess, ok := h.checkElement(L, "element.html")
	if !ok {
		return 0
	}
	html, err := sess.HTML(h.ctx, el.handle)
	if err != nil {
		return h.fail(L, scraper.AsPluginError("element.html", err))
	}
	L.Push(lua.LString(html))
	return 1
}

func (h *host) elementClick(L *lua.LState) int {
	el, sess, ok := h.checkElement(L, "element.click")
	if !ok {
		return 0
	}
	if err := sess.Click(h.ctx, el.handle); err != nil {
		return h.fail(L, scraper.AsPluginError("element.click", err))
	}
	return 0
}

func (h *host) elementFind(L *lua.LState) int {
	el, _, ok := h.checkElement(L, "element.find")
	if !ok {
		return 0
	}
	return h.find(L, L.CheckString(2), el.handle)
}

func (h *host) elementFindAll(L *lua.LState) int {
	el, _, ok := h.checkElement(L, "element.find_all")
	if !ok {
		return 0
	}
	return h.findAll(L, L.CheckString(2), el.handle)
}

func (h *host) elementRelease(L *lua.LState) int {
	if el, sess, ok := h.checkElement(L, "element.release"); ok {
		sess.Release(el.handle)
	}
	return 0
}
