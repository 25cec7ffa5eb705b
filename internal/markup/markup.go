// Package markup is the HTML selection layer shared by every backend, so a
// selector means the same thing to a Lua script, a wasm guest, and a
// declarative manifest.
package markup

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// imageAttrs lists lazy-loading attributes in preference order.
var imageAttrs = []string{"data-src", "src", "data-cfsrc", "data-lazy-src"}

// Element is the fixed record an HTML match crosses plugin boundaries as.
type Element struct {
	HTML  string            `json:"html"`
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs"`
}

// Parse builds a document from raw HTML.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Compile validates a CSS selector. goquery silently matches nothing on a bad
// selector; callers need the error.
func Compile(selector string) (cascadia.Selector, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return sel, nil
}

// Find runs selector beneath scope.
func Find(scope *goquery.Selection, selector string) (*goquery.Selection, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	return scope.FindMatcher(sel), nil
}

// Query parses html and returns every match of selector.
func Query(html, selector string) ([]Element, error) {
	doc, err := Parse(html)
	if err != nil {
		return nil, err
	}
	matches, err := Find(doc.Selection, selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, matches.Length())
	matches.Each(func(_ int, s *goquery.Selection) {
		out = append(out, ElementOf(s))
	})
	return out, nil
}

// ElementOf converts the first node of s.
func ElementOf(s *goquery.Selection) Element {
	outer, err := goquery.OuterHtml(s.First())
	if err != nil {
		outer = ""
	}
	el := Element{HTML: outer, Text: Text(s.First()), Attrs: map[string]string{}}
	if node := s.Get(0); node != nil {
		for _, attr := range node.Attr {
			el.Attrs[attr.Key] = attr.Val
		}
	}
	return el
}

// Text returns the selection's text with whitespace collapsed.
func Text(s *goquery.Selection) string {
	return CollapseSpace(s.Text())
}

// CollapseSpace trims and folds internal whitespace runs to one space.
func CollapseSpace(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// ImageURL picks the best image source from s, descending to the first img
// when s is not one.
func ImageURL(s *goquery.Selection) string {
	if goquery.NodeName(s) != "img" {
		if img := s.Find("img").First(); img.Length() > 0 {
			s = img
		}
	}
	for _, attr := range imageAttrs {
		if v, ok := s.Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// Absolute resolves ref against base. Unparseable input is returned as-is.
func Absolute(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
