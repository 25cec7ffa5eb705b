// Package headless abstracts browser automation behind Session: navigate,
// find elements, read text and attributes, click, close. A live chromedp
// driver and a static fetch+parse driver implement the same contract, so
// plugins never see which one ran.
package headless

import (
	"context"
	"os/exec"
)

// Session is one browser tab or static page context. It is not safe for
// concurrent use. Close must run on every exit path.
type Session interface {
	// Goto navigates and waits for the page-load signal. All handles issued
	// before the call become stale.
	Goto(ctx context.Context, url string) error
	// URL reports the current location after redirects.
	URL() string
	// Find returns the first match of selector beneath scope, failing with
	// ElementNotFound when nothing matches.
	Find(ctx context.Context, scope Handle, selector string) (Handle, error)
	// FindAll returns every match beneath scope, possibly none.
	FindAll(ctx context.Context, scope Handle, selector string) ([]Handle, error)
	Text(ctx context.Context, h Handle) (string, error)
	Attr(ctx context.Context, h Handle, name string) (string, bool, error)
	HTML(ctx context.Context, h Handle) (string, error)
	Click(ctx context.Context, h Handle) error
	// Release frees one handle early. Unknown handles are ignored.
	Release(h Handle)
	Close() error
}

// SessionOptions configures a new session.
type SessionOptions struct {
	Headers map[string]string
}

// Driver opens sessions.
type Driver interface {
	Name() string
	Open(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}

// browserNames are probed on PATH when no executable is configured.
var browserNames = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

// LookupBrowser reports a usable browser executable. An explicit path wins;
// otherwise PATH is searched.
func LookupBrowser(execPath string) (string, bool) {
	if execPath != "" {
		path, err := exec.LookPath(execPath)
		return path, err == nil
	}
	for _, name := range browserNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}
	return "", false
}
