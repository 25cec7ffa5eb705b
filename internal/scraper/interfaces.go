package scraper

import (
	"context"
	"fmt"
	"time"
)

// Backend is the capability interface every execution environment
// implements. Implementations hold no per-call state; each call gets its own
// interpreter, instance, or browser session.
type Backend interface {
	Search(ctx context.Context, query string, page int) ([]MangaItem, error)
	MangaPage(ctx context.Context, url string) (MangaPage, error)
	ChapterPages(ctx context.Context, url string) ([]string, error)
	Latest(ctx context.Context, page int) ([]MangaItem, error)
	Trending(ctx context.Context, page int) ([]MangaItem, error)
	Genres(ctx context.Context) ([]Genre, error)
	Close() error
}

// HTTPClient is the network capability the host lends to backends. Scripts
// and guests never open sockets themselves.
type HTTPClient interface {
	Do(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// HTTPRequest is a host-proxied request.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is the buffered response handed back to plugin code.
type HTTPResponse struct {
	URL     string            `json:"url"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// OK reports a 2xx status.
func (r HTTPResponse) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique ids for events and invocations.
type IDGenerator interface {
	NewID() (string, error)
}

// Operation names one plugin capability.
type Operation string

// Supported operations.
const (
	OpSearch       Operation = "search"
	OpMangaPage    Operation = "get_manga_page"
	OpChapterPages Operation = "get_chapter_pages"
	OpLatest       Operation = "latest"
	OpTrending     Operation = "trending"
	OpGenres       Operation = "genres"
)

// ParseOperation validates an operation name.
func ParseOperation(raw string) (Operation, error) {
	switch op := Operation(raw); op {
	case OpSearch, OpMangaPage, OpChapterPages, OpLatest, OpTrending, OpGenres:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", raw)
	}
}

// Request is one schedulable plugin invocation.
type Request struct {
	Plugin string    `json:"plugin"`
	Op     Operation `json:"op"`
	Query  string    `json:"query,omitempty"`
	URL    string    `json:"url,omitempty"`
	Page   int       `json:"page,omitempty"`
}

// Key derives the default queue key (source+target) for the request.
func (r Request) Key() string {
	target := r.URL
	if r.Op == OpSearch {
		target = r.Query
	}
	if r.Page > 1 {
		target = fmt.Sprintf("%s#%d", target, r.Page)
	}
	return fmt.Sprintf("%s/%s/%s", r.Plugin, r.Op, target)
}

// Validate checks the request carries what its operation needs.
func (r Request) Validate() error {
	if r.Plugin == "" {
		return fmt.Errorf("plugin is required")
	}
	if _, err := ParseOperation(string(r.Op)); err != nil {
		return err
	}
	switch r.Op {
	case OpSearch:
		if r.Query == "" {
			return fmt.Errorf("query is required for %s", r.Op)
		}
	case OpMangaPage, OpChapterPages:
		if r.URL == "" {
			return fmt.Errorf("url is required for %s", r.Op)
		}
	}
	if r.Page < 0 {
		return fmt.Errorf("page must be >= 0")
	}
	return nil
}

// Result carries the normalized output of one invocation. Exactly one field
// is populated, matching the request operation.
type Result struct {
	Items  []MangaItem `json:"items,omitempty"`
	Page   *MangaPage  `json:"page,omitempty"`
	Images []string    `json:"images,omitempty"`
	Genres []Genre     `json:"genres,omitempty"`
}
