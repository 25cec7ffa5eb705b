package headless

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// thinBodyBytes is the size under which a script-heavy page is assumed to
// render client-side.
const thinBodyBytes = 2048

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// NeedsBrowser guesses whether a statically fetched page depends on
// JavaScript for its content.
func NeedsBrowser(resp scraper.HTTPResponse) bool {
	if resp.Status != http.StatusOK {
		return false
	}
	if strings.TrimSpace(resp.Body) == "" {
		return true
	}
	lower := strings.ToLower(resp.Body)
	if len(lower) < thinBodyBytes && scriptShare(lower) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of the document covered by script
// elements. Unterminated tags count to the end of the document.
func scriptShare(lower string) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(lower)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt != -1 {
			contentStart := start + gt + 1
			if closeAt := strings.Index(lower[contentStart:], closeTag); closeAt != -1 {
				end = contentStart + closeAt + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	if total == 0 {
		return 0
	}
	return covered * 100 / total
}
