package dombackend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/scraper-runtime/internal/fetcher/colly"
	"github.com/JakeFAU/scraper-runtime/internal/headless"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

const detailHTML = `<html><body>
<div class="info">
  <h1 class="title"> Solo   Leveling </h1>
  <div class="cover"><img src="/blank.gif" data-src="/covers/solo.jpg"></div>
  <p class="alt">Only I Level Up; Na Honjaman Level Up</p>
  <span class="author">Chugong</span>
  <span class="artist">Dubu</span>
  <span class="status">Completed</span>
  <div class="summary">Ten years ago...</div>
  <a class="genre" href="/genre/action">Action</a>
  <a class="genre" href="/genre/fantasy">Fantasy</a>
</div>
<ul class="chapters">
  <li><a href="/read/solo/2">Chapter 2</a><time>2020-01-08</time></li>
  <li><a href="/read/solo/1">Chapter 1</a><time>2020-01-01</time></li>
  <li><span>locked</span></li>
</ul>
</body></html>`

const searchHTML = `<html><body>
<div class="result"><a href="/manga/solo"><img data-src="/covers/solo.jpg"></a><h3>Solo Leveling</h3></div>
<div class="result"><a href="/manga/tower"><img src="/covers/tower.jpg"></a><h3>Tower of God</h3></div>
<div class="result"><h3>No link</h3></div>
</body></html>`

const readerHTML = `<html><body><div class="reader">
<img data-src="/p/1.jpg"><img data-lazy-src="/p/2.jpg"><img src="/p/3.jpg">
</div></body></html>`

const genresHTML = `<html><body><nav>
<a href="/genre/action">Action</a><a href="/genre/drama">Drama</a>
</nav></body></html>`

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/manga/solo":  detailHTML,
		"/search":      searchHTML,
		"/read/solo/1": readerHTML,
		"/genres":      genresHTML,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.URL.Path == "/search" {
			assert.Equal(t, "solo leveling", r.URL.Query().Get("q"))
			assert.Equal(t, "2", r.URL.Query().Get("p"))
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fixtureSelectors(base string) Selectors {
	return Selectors{
		BaseURL: base,
		Search: &List{
			PageURL: "/search?q={query}&p={page}",
			Item:    "div.result",
			Title:   Field{Selector: "h3"},
			URL:     Field{Selector: "a", Attr: "href"},
			ImgURL:  Field{Selector: "a", Image: true},
		},
		Genres: &List{
			PageURL: "/genres",
			Item:    "nav a",
			Name:    Field{},
			URL:     Field{Attr: "href"},
		},
		Manga: &Manga{
			Title:            Field{Selector: "h1.title"},
			ImgURL:           Field{Selector: ".cover", Image: true},
			AlternativeNames: Field{Selector: "p.alt", Split: ";"},
			Authors:          Field{Selector: "span.author"},
			Artists:          Field{Selector: "span.artist"},
			Status:           Field{Selector: "span.status"},
			Description:      Field{Selector: "div.summary"},
			Genres:           Field{Selector: "a.genre"},
			Chapters: ChapterList{
				Item:  "ul.chapters li",
				Title: Field{Selector: "a"},
				URL:   Field{Selector: "a", Attr: "href"},
				Date:  Field{Selector: "time"},
			},
		},
		Chapter: &Chapter{Images: Field{Selector: "div.reader img", Image: true}},
	}
}

func newStaticBackend(t *testing.T, sel Selectors) *Backend {
	t.Helper()
	driver := headless.NewStaticDriver(collyfetcher.New(collyfetcher.Config{}), nil)
	b, err := New(sel, driver, Options{})
	require.NoError(t, err)
	return b
}

func TestMangaPageExtractsEveryField(t *testing.T) {
	t.Parallel()

	srv := fixtureServer(t)
	b := newStaticBackend(t, fixtureSelectors(srv.URL))

	page, err := b.MangaPage(context.Background(), srv.URL+"/manga/solo")
	require.NoError(t, err)
	assert.Equal(t, scraper.MangaPage{
		Title:            "Solo Leveling",
		URL:              srv.URL + "/manga/solo",
		ImgURL:           srv.URL + "/covers/solo.jpg",
		AlternativeNames: []string{"Only I Level Up", "Na Honjaman Level Up"},
		Authors:          []string{"Chugong"},
		Artists:          []string{"Dubu"},
		Status:           "Completed",
		Description:      "Ten years ago...",
		Genres:           []string{"Action", "Fantasy"},
		Chapters: []scraper.Chapter{
			{Title: "Chapter 2", URL: srv.URL + "/read/solo/2", Date: "2020-01-08"},
			{Title: "Chapter 1", URL: srv.URL + "/read/solo/1", Date: "2020-01-01"},
		},
	}, page)
}

func TestSearchChapterPagesAndGenres(t *testing.T) {
	t.Parallel()

	srv := fixtureServer(t)
	b := newStaticBackend(t, fixtureSelectors(srv.URL))
	ctx := context.Background()

	items, err := b.Search(ctx, "solo leveling", 2)
	require.NoError(t, err)
	assert.Equal(t, []scraper.MangaItem{
		{Title: "Solo Leveling", URL: srv.URL + "/manga/solo", ImgURL: srv.URL + "/covers/solo.jpg"},
		{Title: "Tower of God", URL: srv.URL + "/manga/tower", ImgURL: srv.URL + "/covers/tower.jpg"},
	}, items)

	images, err := b.ChapterPages(ctx, srv.URL+"/read/solo/1")
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/p/1.jpg", srv.URL + "/p/2.jpg", srv.URL + "/p/3.jpg"}, images)

	genres, err := b.Genres(ctx)
	require.NoError(t, err)
	assert.Equal(t, []scraper.Genre{
		{Name: "Action", URL: srv.URL + "/genre/action"},
		{Name: "Drama", URL: srv.URL + "/genre/drama"},
	}, genres)
}

func TestOperationErrors(t *testing.T) {
	t.Parallel()

	srv := fixtureServer(t)
	b := newStaticBackend(t, fixtureSelectors(srv.URL))
	ctx := context.Background()

	_, err := b.Latest(ctx, 1)
	require.ErrorIs(t, err, scraper.ErrBackend)
	assert.False(t, scraper.IsRetryable(err))

	_, err = b.MangaPage(ctx, srv.URL+"/read/solo/1")
	require.ErrorIs(t, err, scraper.ErrElementNotFound, "reader page has no title")

	_, err = b.MangaPage(ctx, srv.URL+"/manga/missing")
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestNewValidatesSelectors(t *testing.T) {
	t.Parallel()

	driver := headless.NewStaticDriver(collyfetcher.New(collyfetcher.Config{}), nil)
	_, err := New(Selectors{}, driver, Options{})
	require.ErrorIs(t, err, scraper.ErrManifestInvalid)

	_, err = New(Selectors{Search: &List{PageURL: "/s", Item: "div["}}, driver, Options{})
	require.ErrorIs(t, err, scraper.ErrManifestInvalid)
	assert.Contains(t, err.Error(), "search.item")

	_, err = New(Selectors{Manga: &Manga{}}, driver, Options{})
	require.ErrorContains(t, err, "manga.title is required")

	_, err = New(fixtureSelectors(""), nil, Options{})
	require.ErrorIs(t, err, scraper.ErrInitialization)
}

func TestSessionClosedOnEveryPath(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"success":   nil,
		"goto fail": scraper.Errorf(scraper.KindTimeout, "goto", "slow"),
		"raw error": errors.New("driver exploded"),
	}
	for name, gotoErr := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			driver := &countingDriver{gotoErr: gotoErr}
			b, err := New(Selectors{Genres: &List{PageURL: "https://x.example/g", Item: "a"}}, driver, Options{})
			require.NoError(t, err)
			_, err = b.Genres(context.Background())
			if gotoErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				var pe *scraper.PluginError
				require.ErrorAs(t, err, &pe, "raw driver errors are translated")
			}
			assert.Equal(t, 1, driver.opened)
			assert.Equal(t, 1, driver.closed)
		})
	}
}

func TestPageURLTemplate(t *testing.T) {
	t.Parallel()

	b := &Backend{sel: Selectors{BaseURL: "https://site.example/"}}
	assert.Equal(t, "https://site.example/search?q=a+b&page=1", b.pageURL("search?q={query}&page={page}", "a b", 0))
	assert.Equal(t, "https://other.example/3", b.pageURL("https://other.example/{page}", "", 3))
	assert.True(t, strings.HasPrefix(b.pageURL("/latest", "", 1), "https://site.example/latest"))
}

type countingDriver struct {
	gotoErr error
	opened  int
	closed  int
}

func (d *countingDriver) Name() string { return "counting" }
func (d *countingDriver) Close() error { return nil }
func (d *countingDriver) Open(context.Context, headless.SessionOptions) (headless.Session, error) {
	d.opened++
	return &countingSession{d: d}, nil
}

type countingSession struct {
	headless.Session
	d *countingDriver
}

func (s *countingSession) Goto(context.Context, string) error { return s.d.gotoErr }
func (s *countingSession) URL() string                        { return "https://x.example/g" }
func (s *countingSession) FindAll(context.Context, headless.Handle, string) ([]headless.Handle, error) {
	return nil, nil
}
func (s *countingSession) Close() error {
	s.d.closed++
	return nil
}
