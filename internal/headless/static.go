package headless

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/httpclient"
	"github.com/JakeFAU/scraper-runtime/internal/markup"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// PageFetcher retrieves one static page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) (scraper.HTTPResponse, error)
}

// StaticDriver serves sessions from plain HTTP fetches parsed with goquery.
// Scripts never run, so pages that render client-side come back thin.
type StaticDriver struct {
	fetcher PageFetcher
	logger  *zap.Logger
}

// NewStaticDriver builds the fallback driver.
func NewStaticDriver(fetcher PageFetcher, logger *zap.Logger) *StaticDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticDriver{fetcher: fetcher, logger: logger}
}

// Name implements Driver.
func (d *StaticDriver) Name() string { return "static" }

// Open implements Driver.
func (d *StaticDriver) Open(_ context.Context, opts SessionOptions) (Session, error) {
	return &staticSession{
		fetcher: d.fetcher,
		logger:  d.logger,
		headers: opts.Headers,
	}, nil
}

// Close implements Driver.
func (d *StaticDriver) Close() error { return nil }

type staticSession struct {
	fetcher PageFetcher
	logger  *zap.Logger
	headers map[string]string
	doc     *goquery.Document
	url     string
	nodes   arena[*goquery.Selection]
	closed  bool
}

func (s *staticSession) Goto(ctx context.Context, url string) error {
	if s.closed {
		return errClosed("goto")
	}
	resp, err := s.fetcher.Fetch(ctx, url, s.headers)
	if err != nil {
		return scraper.AsPluginError("goto", err)
	}
	if err := httpclient.StatusError(url, resp.Status); err != nil {
		return err
	}
	doc, err := markup.Parse(resp.Body)
	if err != nil {
		return scraper.NewError(scraper.KindBackend, "goto", err)
	}
	if NeedsBrowser(resp) {
		s.logger.Debug("page looks client-rendered; static results may be incomplete", zap.String("url", url))
	}
	s.nodes.reset()
	s.doc = doc
	s.url = resp.URL
	if s.url == "" {
		s.url = url
	}
	return nil
}

func (s *staticSession) URL() string { return s.url }

func (s *staticSession) Find(_ context.Context, scope Handle, selector string) (Handle, error) {
	matches, err := s.query("find", scope, selector)
	if err != nil {
		return 0, err
	}
	if matches.Length() == 0 {
		return 0, scraper.Errorf(scraper.KindElementNotFound, "find", "no element matches %q", selector)
	}
	return s.nodes.acquire(matches.First()), nil
}

func (s *staticSession) FindAll(_ context.Context, scope Handle, selector string) ([]Handle, error) {
	matches, err := s.query("find_all", scope, selector)
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, matches.Length())
	matches.Each(func(_ int, sel *goquery.Selection) {
		handles = append(handles, s.nodes.acquire(sel))
	})
	return handles, nil
}

func (s *staticSession) Text(_ context.Context, h Handle) (string, error) {
	sel, err := s.node("text", h)
	if err != nil {
		return "", err
	}
	return markup.Text(sel), nil
}

func (s *staticSession) Attr(_ context.Context, h Handle, name string) (string, bool, error) {
	sel, err := s.node("attr", h)
	if err != nil {
		return "", false, err
	}
	v, ok := sel.Attr(name)
	return v, ok, nil
}

func (s *staticSession) HTML(_ context.Context, h Handle) (string, error) {
	sel, err := s.node("html", h)
	if err != nil {
		return "", err
	}
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", scraper.NewError(scraper.KindElementInteraction, "html", err)
	}
	return html, nil
}

// Click follows links, the one interaction a static page can honor. Other
// elements are a no-op.
func (s *staticSession) Click(ctx context.Context, h Handle) error {
	sel, err := s.node("click", h)
	if err != nil {
		return err
	}
	if goquery.NodeName(sel) != "a" {
		return nil
	}
	href, ok := sel.Attr("href")
	if !ok || strings.TrimSpace(href) == "" || strings.HasPrefix(href, "#") {
		return nil
	}
	return s.Goto(ctx, markup.Absolute(s.url, href))
}

func (s *staticSession) Release(h Handle) { s.nodes.release(h) }

func (s *staticSession) Close() error {
	s.nodes.reset()
	s.doc = nil
	s.closed = true
	return nil
}

func (s *staticSession) query(op string, scope Handle, selector string) (*goquery.Selection, error) {
	root, err := s.node(op, scope)
	if err != nil {
		return nil, err
	}
	matches, err := markup.Find(root, selector)
	if err != nil {
		return nil, scraper.NewError(scraper.KindElementInteraction, op, err).Permanent()
	}
	return matches, nil
}

func (s *staticSession) node(op string, h Handle) (*goquery.Selection, error) {
	if s.closed {
		return nil, errClosed(op)
	}
	if s.doc == nil {
		return nil, scraper.Errorf(scraper.KindElementInteraction, op, "no page loaded")
	}
	if h == Document {
		return s.doc.Selection, nil
	}
	sel, ok := s.nodes.get(h)
	if !ok {
		return nil, errStale(op, h)
	}
	return sel, nil
}

func errClosed(op string) error {
	return scraper.Errorf(scraper.KindElementInteraction, op, "session closed").Permanent()
}

func errStale(op string, h Handle) error {
	return scraper.Errorf(scraper.KindElementInteraction, op, "stale element handle %#x", uint64(h)).Permanent()
}
