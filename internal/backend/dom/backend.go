// Package dombackend runs declarative selector manifests against a
// headless.Session. It is the Headless backend when a browser driver is
// available and the Fallback backend over the static driver otherwise.
package dombackend

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/markup"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// imageAttrs mirrors markup's lazy-load preference for driver sessions.
var imageAttrs = []string{"data-src", "src", "data-cfsrc", "data-lazy-src"}

// Options configures a Backend.
type Options struct {
	// Headers are sent with every navigation, typically the plugin referer.
	Headers map[string]string
	Logger  *zap.Logger
}

// Backend implements scraper.Backend over a headless.Driver.
type Backend struct {
	sel     Selectors
	driver  headless.Driver
	headers map[string]string
	logger  *zap.Logger
}

var _ scraper.Backend = (*Backend)(nil)

// New validates sel and binds it to driver.
func New(sel Selectors, driver headless.Driver, opts Options) (*Backend, error) {
	if driver == nil {
		return nil, scraper.Errorf(scraper.KindInitialization, "load", "no headless driver")
	}
	if err := sel.Validate(); err != nil {
		return nil, scraper.NewError(scraper.KindManifestInvalid, "load", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{sel: sel, driver: driver, headers: opts.Headers, logger: logger}, nil
}

// DriverName reports which driver backs the plugin.
func (b *Backend) DriverName() string { return b.driver.Name() }

// Search implements scraper.Backend.
func (b *Backend) Search(ctx context.Context, query string, page int) ([]scraper.MangaItem, error) {
	return b.items(ctx, string(scraper.OpSearch), b.sel.Search, query, page)
}

// Latest implements scraper.Backend.
func (b *Backend) Latest(ctx context.Context, page int) ([]scraper.MangaItem, error) {
	return b.items(ctx, string(scraper.OpLatest), b.sel.Latest, "", page)
}

// Trending implements scraper.Backend.
func (b *Backend) Trending(ctx context.Context, page int) ([]scraper.MangaItem, error) {
	return b.items(ctx, string(scraper.OpTrending), b.sel.Trending, "", page)
}

// MangaPage implements scraper.Backend.
func (b *Backend) MangaPage(ctx context.Context, pageURL string) (scraper.MangaPage, error) {
	op := string(scraper.OpMangaPage)
	m := b.sel.Manga
	if m == nil {
		return scraper.MangaPage{}, unsupported(op)
	}
	var out scraper.MangaPage
	err := b.withPage(ctx, op, pageURL, func(x *extractor) error {
		title, err := x.required(headless.Document, m.Title)
		if err != nil {
			return err
		}
		out = scraper.MangaPage{Title: title, URL: x.s.URL()}
		fields := []struct {
			dst  *string
			field Field
		}{
			{&out.ImgURL, m.ImgURL},
			{&out.Status, m.Status},
			{&out.Type, m.Type},
			{&out.ReleaseDate, m.ReleaseDate},
			{&out.Description, m.Description},
		}
		for _, f := range fields {
			if *f.dst, err = x.one(headless.Document, f.field); err != nil {
				return err
			}
		}
		lists := []struct {
			dst  *[]string
			field Field
		}{
			{&out.AlternativeNames, m.AlternativeNames},
			{&out.Authors, m.Authors},
			{&out.Artists, m.Artists},
			{&out.Genres, m.Genres},
		}
		for _, l := range lists {
			if *l.dst, err = x.many(headless.Document, l.field); err != nil {
				return err
			}
		}
		out.Chapters, err = x.chapters(m.Chapters)
		return err
	})
	return out, err
}

// ChapterPages implements scraper.Backend.
func (b *Backend) ChapterPages(ctx context.Context, chapterURL string) ([]string, error) {
	op := string(scraper.OpChapterPages)
	if b.sel.Chapter == nil {
		return nil, unsupported(op)
	}
	var images []string
	err := b.withPage(ctx, op, chapterURL, func(x *extractor) error {
		field := b.sel.Chapter.Images
		field.All = true
		var err error
		images, err = x.many(headless.Document, field)
		return err
	})
	return images, err
}

// Genres implements scraper.Backend.
func (b *Backend) Genres(ctx context.Context) ([]scraper.Genre, error) {
	op := string(scraper.OpGenres)
	m := b.sel.Genres
	if m == nil {
		return nil, unsupported(op)
	}
	var genres []scraper.Genre
	err := b.withPage(ctx, op, b.pageURL(m.PageURL, "", 1), func(x *extractor) error {
		return x.rows(m.Item, func(row headless.Handle) error {
			name, err := x.oneOrText(row, m.Name)
			if err != nil || name == "" {
				return err
			}
			link, err := x.one(row, m.URL)
			if err != nil {
				return err
			}
			genres = append(genres, scraper.Genre{Name: name, URL: link})
			return nil
		})
	})
	return genres, err
}

// Close implements scraper.Backend. The driver is shared and closed by its
// owner.
func (b *Backend) Close() error { return nil }

func (b *Backend) items(ctx context.Context, op string, m *List, query string, page int) ([]scraper.MangaItem, error) {
	if m == nil {
		return nil, unsupported(op)
	}
	var items []scraper.MangaItem
	err := b.withPage(ctx, op, b.pageURL(m.PageURL, query, page), func(x *extractor) error {
		return x.rows(m.Item, func(row headless.Handle) error {
			item, err := x.item(row, m)
			if err != nil || item.URL == "" {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// withPage opens a session, navigates, and runs fn. The session is closed on
// every exit path.
func (b *Backend) withPage(ctx context.Context, op, pageURL string, fn func(*extractor) error) (err error) {
	session, err := b.driver.Open(ctx, headless.SessionOptions{Headers: b.headers})
	if err != nil {
		return scraper.AsPluginError(op, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			b.logger.Warn("close headless session", zap.String("op", op), zap.Error(cerr))
		}
	}()
	if err := session.Goto(ctx, pageURL); err != nil {
		return scraper.AsPluginError(op, err)
	}
	if err := fn(&extractor{ctx: ctx, s: session}); err != nil {
		return scraper.AsPluginError(op, err)
	}
	return nil
}

func (b *Backend) pageURL(template, query string, page int) string {
	if page < 1 {
		page = 1
	}
	raw := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{page}", strconv.Itoa(page),
	).Replace(template)
	if b.sel.BaseURL == "" {
		return raw
	}
	return markup.Absolute(b.sel.BaseURL, raw)
}

func unsupported(op string) error {
	return scraper.Errorf(scraper.KindBackend, op, "operation not supported by plugin").Permanent()
}
