package headless

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/httpclient"
	"github.com/JakeFAU/scraper-runtime/internal/markup"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// ChromeConfig controls the chromedp driver.
type ChromeConfig struct {
	ExecPath          string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// ChromeDriver opens one browser tab per session on a shared allocator.
type ChromeDriver struct {
	cfg         ChromeConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromeDriver creates a driver. The browser process starts lazily with
// the first session.
func NewChromeDriver(cfg ChromeConfig, logger *zap.Logger) (*ChromeDriver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeDriver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Name implements Driver.
func (d *ChromeDriver) Name() string { return "chromedp" }

// Close shuts the browser down.
func (d *ChromeDriver) Close() error {
	d.allocCancel()
	return nil
}

// Open implements Driver. The session holds a parallelism slot until Close.
func (d *ChromeDriver) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, scraper.NewError(scraper.KindTimeout, "open", err)
	}
	tab, cancel := chromedp.NewContext(d.allocator)
	s := &chromeSession{
		driver: d,
		tab:    tab,
		cancel: cancel,
	}
	chromedp.ListenTarget(tab, s.captureEvent)
	if err := s.run(ctx, d.networkSetupAction(opts.Headers)); err != nil {
		_ = s.Close()
		return nil, scraper.NewError(scraper.KindInitialization, "open", err)
	}
	return s, nil
}

func (d *ChromeDriver) networkSetupAction(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (d *ChromeDriver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (d *ChromeDriver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

type chromeSession struct {
	driver *ChromeDriver
	tab    context.Context
	cancel context.CancelFunc
	nodes  arena[*cdp.Node]
	url    string
	status atomic.Int64
	closed bool
}

// run executes actions in the tab, bounded by the caller's deadline and
// cancellation. Canceling a derived context leaves the tab open.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *chromeSession) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	s.status.Store(resp.Response.Status)
}

func (s *chromeSession) Goto(ctx context.Context, url string) error {
	if s.closed {
		return errClosed("goto")
	}
	navCtx, cancel := context.WithTimeout(ctx, s.driver.cfg.NavigationTimeout)
	defer cancel()

	s.status.Store(0)
	var location string
	err := s.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		return scraper.AsPluginError("goto", err)
	}
	if status := int(s.status.Load()); status != 0 {
		if err := httpclient.StatusError(url, status); err != nil {
			return err
		}
	}
	s.nodes.reset()
	s.url = location
	return nil
}

func (s *chromeSession) URL() string { return s.url }

func (s *chromeSession) Find(ctx context.Context, scope Handle, selector string) (Handle, error) {
	nodes, err := s.query(ctx, "find", scope, selector)
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, scraper.Errorf(scraper.KindElementNotFound, "find", "no element matches %q", selector)
	}
	return s.nodes.acquire(nodes[0]), nil
}

func (s *chromeSession) FindAll(ctx context.Context, scope Handle, selector string) ([]Handle, error) {
	nodes, err := s.query(ctx, "find_all", scope, selector)
	if err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, len(nodes))
	for _, node := range nodes {
		handles = append(handles, s.nodes.acquire(node))
	}
	return handles, nil
}

func (s *chromeSession) query(ctx context.Context, op string, scope Handle, selector string) ([]*cdp.Node, error) {
	if s.closed {
		return nil, errClosed(op)
	}
	if _, err := markup.Compile(selector); err != nil {
		return nil, scraper.NewError(scraper.KindElementInteraction, op, err).Permanent()
	}
	opts := []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	if scope != Document {
		node, ok := s.nodes.get(scope)
		if !ok {
			return nil, errStale(op, scope)
		}
		opts = append(opts, chromedp.FromNode(node))
	}
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, s.interactionError(ctx, op, err)
	}
	return nodes, nil
}

func (s *chromeSession) Text(ctx context.Context, h Handle) (string, error) {
	ids, err := s.ids("text", h)
	if err != nil {
		return "", err
	}
	var text string
	if err := s.run(ctx, chromedp.Text(ids, &text, chromedp.ByNodeID)); err != nil {
		return "", s.interactionError(ctx, "text", err)
	}
	return markup.CollapseSpace(text), nil
}

func (s *chromeSession) Attr(ctx context.Context, h Handle, name string) (string, bool, error) {
	ids, err := s.ids("attr", h)
	if err != nil {
		return "", false, err
	}
	var (
		value string
		ok    bool
	)
	if err := s.run(ctx, chromedp.AttributeValue(ids, name, &value, &ok, chromedp.ByNodeID)); err != nil {
		return "", false, s.interactionError(ctx, "attr", err)
	}
	return value, ok, nil
}

func (s *chromeSession) HTML(ctx context.Context, h Handle) (string, error) {
	if h == Document {
		var html string
		if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return "", s.interactionError(ctx, "html", err)
		}
		return html, nil
	}
	ids, err := s.ids("html", h)
	if err != nil {
		return "", err
	}
	var html string
	if err := s.run(ctx, chromedp.OuterHTML(ids, &html, chromedp.ByNodeID)); err != nil {
		return "", s.interactionError(ctx, "html", err)
	}
	return html, nil
}

func (s *chromeSession) Click(ctx context.Context, h Handle) error {
	ids, err := s.ids("click", h)
	if err != nil {
		return err
	}
	if err := s.run(ctx, chromedp.Click(ids, chromedp.ByNodeID)); err != nil {
		return s.interactionError(ctx, "click", err)
	}
	return nil
}

func (s *chromeSession) Release(h Handle) { s.nodes.release(h) }

// Close closes the tab and frees the parallelism slot. It is idempotent.
func (s *chromeSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.nodes.reset()
	s.cancel()
	s.driver.release()
	return nil
}

func (s *chromeSession) ids(op string, h Handle) ([]cdp.NodeID, error) {
	if s.closed {
		return nil, errClosed(op)
	}
	if h == Document {
		return nil, scraper.Errorf(scraper.KindElementInteraction, op, "document handle has no node")
	}
	node, ok := s.nodes.get(h)
	if !ok {
		return nil, errStale(op, h)
	}
	return []cdp.NodeID{node.NodeID}, nil
}

func (s *chromeSession) interactionError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return scraper.NewError(scraper.KindTimeout, op, err)
	}
	return scraper.NewError(scraper.KindElementInteraction, op, err)
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
