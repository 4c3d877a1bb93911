// Package render turns parsed feed entries into a display-ready Document.
package render

import (
	"errors"
	"slices"
	"time"

	"github.com/ppiankov/feedsync/internal/feed"
)

// TimestampLayout renders as e.g. "Mar 07 4:05PM".
const TimestampLayout = "Jan 02 3:04PM"

// DefaultTitle is the header used when the config does not set one.
const DefaultTitle = "Newest StackOverflow questions"

// Kind tells sinks which of the four document shapes they received.
type Kind string

const (
	KindFeed            Kind = "feed"
	KindConnectionError Kind = "connection_error"
	KindParseError      Kind = "parse_error"
	KindUnavailable     Kind = "unavailable"
)

// Block is one rendered entry: a link plus optional summary.
type Block struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Summary string `json:"summary,omitempty"`
}

// Document is a complete, immutable display payload.
type Document struct {
	Kind           Kind    `json:"kind"`
	Title          string  `json:"title"`
	Updated        string  `json:"updated,omitempty"`
	Blocks         []Block `json:"blocks,omitempty"`
	IncludeSummary bool    `json:"include_summary"`
	Message        string  `json:"message,omitempty"`
}

// Static error documents.
var (
	ConnectionErrorDocument = Document{
		Kind:    KindConnectionError,
		Title:   "Connection error",
		Message: "Unable to load content. Check your network connection.",
	}
	ParseErrorDocument = Document{
		Kind:    KindParseError,
		Title:   "Feed error",
		Message: "Error parsing the XML feed.",
	}
	UnavailableDocument = Document{
		Kind:    KindUnavailable,
		Title:   "Content unavailable",
		Message: "The network allowed by your preferences is not available.",
	}
)

// Render builds a feed document. The timestamp is the only input that
// makes two renders of the same entries differ.
func Render(title string, ts time.Time, entries []feed.Entry, includeSummary bool) Document {
	if title == "" {
		title = DefaultTitle
	}
	blocks := make([]Block, 0, len(entries))
	for _, e := range entries {
		b := Block{Title: e.Title, Link: e.Link}
		if includeSummary {
			b.Summary = e.Summary
		}
		blocks = append(blocks, b)
	}
	return Document{
		Kind:           KindFeed,
		Title:          title,
		Updated:        ts.Format(TimestampLayout),
		Blocks:         blocks,
		IncludeSummary: includeSummary,
	}
}

// ForError returns the static document for a fetch or parse failure.
// Any error that is not a *feed.ParseError counts as a connection error.
func ForError(err error) Document {
	var pe *feed.ParseError
	if errors.As(err, &pe) {
		return ParseErrorDocument
	}
	return ConnectionErrorDocument
}

// IsError reports whether d is one of the static failure documents.
func (d Document) IsError() bool {
	return d.Kind == KindConnectionError || d.Kind == KindParseError
}

// Equal compares two documents ignoring the render timestamp.
func Equal(a, b Document) bool {
	return a.Kind == b.Kind &&
		a.Title == b.Title &&
		a.IncludeSummary == b.IncludeSummary &&
		a.Message == b.Message &&
		slices.Equal(a.Blocks, b.Blocks)
}
