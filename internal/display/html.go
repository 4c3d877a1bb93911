package display

import (
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ppiankov/feedsync/internal/render"
)

// HTMLFormatter emits the header and link blocks as an HTML fragment.
// Summaries come from the feed and are sanitized before output.
type HTMLFormatter struct {
	standalone bool
	policy     *bluemonday.Policy
}

// NewHTML creates an HTML formatter. standalone wraps the fragment in a
// complete page.
func NewHTML(standalone bool) *HTMLFormatter {
	return &HTMLFormatter{standalone: standalone, policy: bluemonday.UGCPolicy()}
}

// Format writes doc as HTML to w.
func (f *HTMLFormatter) Format(w io.Writer, doc render.Document) error {
	var b strings.Builder

	if f.standalone {
		b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
		b.WriteString(html.EscapeString(doc.Title))
		b.WriteString("</title></head><body>\n")
	}

	fmt.Fprintf(&b, "<h3>%s</h3>", html.EscapeString(doc.Title))
	switch {
	case doc.Kind != render.KindFeed:
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(doc.Message))
	default:
		fmt.Fprintf(&b, "<em>Updated %s</em>\n", html.EscapeString(doc.Updated))
		for _, blk := range doc.Blocks {
			if webLink(blk.Link) {
				fmt.Fprintf(&b, "<p><a href='%s'>%s</a></p>\n", html.EscapeString(blk.Link), html.EscapeString(blk.Title))
			} else {
				fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(blk.Title))
			}
			if doc.IncludeSummary && blk.Summary != "" {
				b.WriteString(f.policy.Sanitize(blk.Summary))
				b.WriteByte('\n')
			}
		}
	}

	if f.standalone {
		b.WriteString("</body></html>\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// webLink reports whether link is an absolute http or https URL. Anything
// else, javascript: included, is never emitted as an href.
func webLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
