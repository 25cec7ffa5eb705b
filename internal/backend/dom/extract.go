package dombackend

import (
	"context"
	"strings"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/markup"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// extractor reads Field values out of one loaded page.
type extractor struct {
	ctx context.Context
	s   headless.Session
}

func (x *extractor) rows(item string, fn func(headless.Handle) error) error {
	rows, err := x.s.FindAll(x.ctx, headless.Document, item)
	if err != nil {
		return err
	}
	for _, row := range rows {
		err := fn(row)
		x.s.Release(row)
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *extractor) item(row headless.Handle, ls *List) (scraper.MangaItem, error) {
	var (
		item scraper.MangaItem
		err  error
	)
	if item.Title, err = x.oneOrText(row, ls.Title); err != nil {
		return item, err
	}
	if item.URL, err = x.one(row, ls.URL); err != nil {
		return item, err
	}
	item.ImgURL, err = x.one(row, ls.ImgURL)
	return item, err
}

func (x *extractor) chapters(ls ChapterList) ([]scraper.Chapter, error) {
	if ls.Item == "" {
		return nil, nil
	}
	var chapters []scraper.Chapter
	err := x.rows(ls.Item, func(row headless.Handle) error {
		var (
			ch  scraper.Chapter
			err error
		)
		if ch.URL, err = x.one(row, ls.URL); err != nil || ch.URL == "" {
			return err
		}
		if ch.Title, err = x.one(row, ls.Title); err != nil {
			return err
		}
		ch.Date, err = x.one(row, ls.Date)
		if err != nil {
			return err
		}
		chapters = append(chapters, ch)
		return nil
	})
	return chapters, err
}

// required is like one but fails with ElementNotFound when nothing matches.
func (x *extractor) required(scope headless.Handle, f Field) (string, error) {
	h := scope
	if f.Selector != "" {
		var err error
		if h, err = x.s.Find(x.ctx, scope, f.Selector); err != nil {
			return "", err
		}
		defer x.s.Release(h)
	}
	return x.value(h, f)
}

// one reads the first match, or "" when the field is unset or unmatched.
func (x *extractor) one(scope headless.Handle, f Field) (string, error) {
	if !f.set() {
		return "", nil
	}
	handles, err := x.nodes(scope, f)
	if err != nil || len(handles) == 0 {
		return "", err
	}
	defer x.release(f, handles)
	return x.value(handles[0], f)
}

// oneOrText is one, falling back to the scope's own text for an unset field.
func (x *extractor) oneOrText(scope headless.Handle, f Field) (string, error) {
	if !f.set() {
		return x.s.Text(x.ctx, scope)
	}
	return x.one(scope, f)
}

// many reads a list: every match when All is set or no Split is given,
// otherwise the first match split on Split.
func (x *extractor) many(scope headless.Handle, f Field) ([]string, error) {
	if !f.set() {
		return nil, nil
	}
	if f.Split != "" && !f.All {
		raw, err := x.one(scope, f)
		if err != nil {
			return nil, err
		}
		return splitList(raw, f.Split), nil
	}
	handles, err := x.nodes(scope, f)
	if err != nil {
		return nil, err
	}
	defer x.release(f, handles)
	var out []string
	for _, h := range handles {
		v, err := x.value(h, f)
		if err != nil {
			return nil, err
		}
		if f.Split != "" {
			out = append(out, splitList(v, f.Split)...)
		} else if v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func (x *extractor) nodes(scope headless.Handle, f Field) ([]headless.Handle, error) {
	if f.Selector == "" {
		return []headless.Handle{scope}, nil
	}
	return x.s.FindAll(x.ctx, scope, f.Selector)
}

// release frees handles a field query acquired. A selector-less field reads
// its scope, which belongs to the caller.
func (x *extractor) release(f Field, handles []headless.Handle) {
	if f.Selector == "" {
		return
	}
	for _, h := range handles {
		x.s.Release(h)
	}
}

func (x *extractor) value(h headless.Handle, f Field) (string, error) {
	switch {
	case f.Image:
		return x.image(h)
	case f.Attr != "":
		v, _, err := x.s.Attr(x.ctx, h, f.Attr)
		if err != nil {
			return "", err
		}
		v = strings.TrimSpace(v)
		if isLinkAttr(f.Attr) {
			v = markup.Absolute(x.s.URL(), v)
		}
		return v, nil
	default:
		return x.s.Text(x.ctx, h)
	}
}

// image applies the lazy-load preference, descending to the first img when
// the element contains one.
func (x *extractor) image(h headless.Handle) (string, error) {
	target := h
	imgs, err := x.s.FindAll(x.ctx, h, "img")
	if err != nil {
		return "", err
	}
	defer x.release(Field{Selector: "img"}, imgs)
	if len(imgs) > 0 {
		target = imgs[0]
	}
	for _, attr := range imageAttrs {
		v, ok, err := x.s.Attr(x.ctx, target, attr)
		if err != nil {
			return "", err
		}
		if v = strings.TrimSpace(v); ok && v != "" {
			return markup.Absolute(x.s.URL(), v), nil
		}
	}
	return "", nil
}

func isLinkAttr(name string) bool {
	switch name {
	case "href", "src", "data-src", "data-cfsrc", "data-lazy-src":
		return true
	default:
		return false
	}
}

func splitList(raw, sep string) []string {
	var out []string
	for _, part := range strings.Split(raw, sep) {
		if part = markup.CollapseSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
