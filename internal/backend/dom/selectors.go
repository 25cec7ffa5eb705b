package dombackend

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/scraper-runtime/internal/markup"
)

// Field extracts one value relative to a scope element. With no selector the
// scope element itself is read. Image picks the best lazy-load source; Attr
// reads an attribute; otherwise the collapsed text is used. Split turns one
// value into a list; All collects every match.
type Field struct {
	Selector string `mapstructure:"selector" json:"selector,omitempty"`
	Attr     string `mapstructure:"attr" json:"attr,omitempty"`
	Image    bool   `mapstructure:"image" json:"image,omitempty"`
	Split    string `mapstructure:"split" json:"split,omitempty"`
	All      bool   `mapstructure:"all" json:"all,omitempty"`
}

func (f Field) set() bool { return f.Selector != "" || f.Attr != "" || f.Image }

// List describes a page of rows: search results, listings, or genres.
// PageURL may contain {query} and {page}; relative values resolve against
// the manifest base url. An unset Title or Name reads the row's own text.
type List struct {
	PageURL string `mapstructure:"page_url" json:"page_url"`
	Item    string `mapstructure:"item" json:"item"`
	Title   Field  `mapstructure:"title" json:"title"`
	URL     Field  `mapstructure:"url" json:"url"`
	ImgURL  Field  `mapstructure:"img_url" json:"img_url"`
	Name    Field  `mapstructure:"name" json:"name"`
}

// ChapterList describes the chapter rows of a detail page.
type ChapterList struct {
	Item  string `mapstructure:"item" json:"item"`
	Title Field  `mapstructure:"title" json:"title"`
	URL   Field  `mapstructure:"url" json:"url"`
	Date  Field  `mapstructure:"date" json:"date"`
}

// Manga maps detail-page fields onto MangaPage.
type Manga struct {
	Title            Field       `mapstructure:"title" json:"title"`
	ImgURL           Field       `mapstructure:"img_url" json:"img_url"`
	AlternativeNames Field       `mapstructure:"alternative_names" json:"alternative_names"`
	Authors          Field       `mapstructure:"authors" json:"authors"`
	Artists          Field       `mapstructure:"artists" json:"artists"`
	Status           Field       `mapstructure:"status" json:"status"`
	Type             Field       `mapstructure:"type" json:"type"`
	ReleaseDate      Field       `mapstructure:"release_date" json:"release_date"`
	Description      Field       `mapstructure:"description" json:"description"`
	Genres           Field       `mapstructure:"genres" json:"genres"`
	Chapters         ChapterList `mapstructure:"chapters" json:"chapters"`
}

// Chapter selects the page images of a chapter reader.
type Chapter struct {
	Images Field `mapstructure:"images" json:"images"`
}

// Selectors is the declarative scraper a headless or fallback manifest
// carries. Nil sections mean the operation is unsupported.
type Selectors struct {
	BaseURL  string   `mapstructure:"base_url" json:"base_url"`
	Search   *List    `mapstructure:"search" json:"search,omitempty"`
	Latest   *List    `mapstructure:"latest" json:"latest,omitempty"`
	Trending *List    `mapstructure:"trending" json:"trending,omitempty"`
	Genres   *List    `mapstructure:"genres" json:"genres,omitempty"`
	Manga    *Manga   `mapstructure:"manga" json:"manga,omitempty"`
	Chapter  *Chapter `mapstructure:"chapter" json:"chapter,omitempty"`
}

// Validate compiles every selector so a typo fails at load time.
func (s Selectors) Validate() error {
	var errs []error
	check := func(path, selector string) {
		if selector == "" {
			return
		}
		if _, err := markup.Compile(selector); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	lists := map[string]*List{"search": s.Search, "latest": s.Latest, "trending": s.Trending, "genres": s.Genres}
	for name, list := range lists {
		if list == nil {
			continue
		}
		if list.PageURL == "" {
			errs = append(errs, fmt.Errorf("%s.page_url is required", name))
		}
		if list.Item == "" {
			errs = append(errs, fmt.Errorf("%s.item is required", name))
		}
		check(name+".item", list.Item)
		check(name+".title", list.Title.Selector)
		check(name+".url", list.URL.Selector)
		check(name+".img_url", list.ImgURL.Selector)
		check(name+".name", list.Name.Selector)
	}
	if m := s.Manga; m != nil {
		if !m.Title.set() {
			errs = append(errs, errors.New("manga.title is required"))
		}
		for path, f := range map[string]Field{
			"title": m.Title, "img_url": m.ImgURL, "alternative_names": m.AlternativeNames,
			"authors": m.Authors, "artists": m.Artists, "status": m.Status, "type": m.Type,
			"release_date": m.ReleaseDate, "description": m.Description, "genres": m.Genres,
			"chapters.title": m.Chapters.Title, "chapters.url": m.Chapters.URL, "chapters.date": m.Chapters.Date,
		} {
			check("manga."+path, f.Selector)
		}
		check("manga.chapters.item", m.Chapters.Item)
	}
	if c := s.Chapter; c != nil {
		if !c.Images.set() {
			errs = append(errs, errors.New("chapter.images is required"))
		}
		check("chapter.images", c.Images.Selector)
	}
	if s.Search == nil && s.Latest == nil && s.Trending == nil && s.Genres == nil && s.Manga == nil && s.Chapter == nil {
		errs = append(errs, errors.New("no operations defined"))
	}
	return errors.Join(errs...)
}
