// Package display formats rendered documents and delivers them to a
// destination.
package display

import (
	"fmt"
	"io"

	"github.com/ppiankov/feedsync/internal/render"
)

// Formatter writes a formatted document to w.
type Formatter interface {
	Format(w io.Writer, doc render.Document) error
}

// Options tune formatter construction.
type Options struct {
	// Color enables ANSI styling in the terminal formatter.
	Color bool
	// Standalone wraps HTML output in a full page.
	Standalone bool
	// Width is the terminal wrap width; zero disables wrapping.
	Width int
}

// New returns the formatter for a display.format value.
func New(format string, opts Options) (Formatter, error) {
	switch format {
	case "html":
		return NewHTML(opts.Standalone), nil
	case "markdown":
		return NewMarkdown(), nil
	case "json":
		return NewJSON(), nil
	case "terminal":
		return NewTerminal(opts.Color, opts.Width), nil
	default:
		return nil, fmt.Errorf("unknown display format %q", format)
	}
}
