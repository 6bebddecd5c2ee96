// Package sanitizer cleans user-supplied rich text before it is stored or
// rendered. Policies are safe for concurrent use.
package sanitizer

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ugc    = bluemonday.UGCPolicy()
	strict = bluemonday.StrictPolicy()
)

// HTML strips scripts, event handlers and unsafe URLs while keeping ordinary
// formatting (paragraphs, emphasis, lists, links, code).
func HTML(body string) string {
	return strings.TrimSpace(ugc.Sanitize(body))
}

// PlainText returns the visible text of body with all markup removed.
func PlainText(body string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(body)))
}
