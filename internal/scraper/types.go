package scraper

import (
	"fmt"
	"strings"
)

// Kind classifies the content a plugin scrapes.
type Kind string

// Supported plugin kinds.
const (
	KindManga Kind = "manga"
	KindNovel Kind = "novel"
)

// ParseKind normalizes a manifest kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindManga, "":
		return KindManga, nil
	case KindNovel:
		return KindNovel, nil
	default:
		return "", fmt.Errorf("unknown plugin kind %q", raw)
	}
}

// BackendKind names the execution environment bound to a plugin.
type BackendKind string

// Backend kinds. Headless manifests resolve to BackendFallback when no
// browser driver is available at load time.
const (
	BackendLua      BackendKind = "lua"
	BackendWasm     BackendKind = "wasm"
	BackendHeadless BackendKind = "headless"
	BackendFallback BackendKind = "fallback"
)

// ParseBackendKind validates a manifest backend string.
func ParseBackendKind(raw string) (BackendKind, error) {
	switch kind := BackendKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case BackendLua, BackendWasm, BackendHeadless, BackendFallback:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown backend kind %q", raw)
	}
}

// Plugin is a loaded scraper definition. It is immutable once registered.
type Plugin struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Kind       Kind        `json:"kind"`
	ImageURL   string      `json:"image_url"`
	RefererURL string      `json:"referer_url,omitempty"`
	Backend    BackendKind `json:"backend_kind"`
	Source     string      `json:"source,omitempty"`
}

// Info projects the plugin into the metadata consumers read.
func (p Plugin) Info() ScraperInfo {
	return ScraperInfo{
		ID:         p.ID,
		Name:       p.Name,
		ImgURL:     p.ImageURL,
		RefererURL: p.RefererURL,
		Type:       p.Kind,
	}
}

// ScraperInfo is plugin metadata exposed to consumers.
type ScraperInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ImgURL     string `json:"img_url"`
	RefererURL string `json:"referer_url,omitempty"`
	Type       Kind   `json:"type"`
}

// MangaItem is a single search or listing row.
type MangaItem struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	ImgURL string `json:"img_url"`
}

// MangaPage is the detail page of a title.
type MangaPage struct {
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	ImgURL           string    `json:"img_url"`
	AlternativeNames []string  `json:"alternative_names"`
	Authors          []string  `json:"authors"`
	Artists          []string  `json:"artists,omitempty"`
	Status           string    `json:"status"`
	Type             string    `json:"type,omitempty"`
	ReleaseDate      string    `json:"release_date,omitempty"`
	Description      string    `json:"description"`
	Genres           []string  `json:"genres"`
	Chapters         []Chapter `json:"chapters"`
}

// Chapter is one chapter row on a MangaPage.
type Chapter struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Date  string `json:"date"`
}

// Genre is a genre listing entry.
type Genre struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Normalize fills defaults shared by every backend: the requested URL when
// the backend left it empty, and empty slices in place of nil ones.
func (p MangaPage) Normalize(requestURL string) MangaPage {
	if p.URL == "" {
		p.URL = requestURL
	}
	p.AlternativeNames = nonNil(p.AlternativeNames)
	p.Authors = nonNil(p.Authors)
	p.Artists = nonNil(p.Artists)
	p.Genres = nonNil(p.Genres)
	if p.Chapters == nil {
		p.Chapters = []Chapter{}
	}
	return p
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
