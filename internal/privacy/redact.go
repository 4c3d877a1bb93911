// Package privacy masks configured patterns in feed entries before they
// are rendered or stored.
package privacy

import (
	"fmt"
	"regexp"

	"github.com/ppiankov/feedsync/internal/feed"
)

const redactedPlaceholder = "[REDACTED]"

// Compile compiles a list of regex pattern strings.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Apply replaces all matches of the compiled patterns in text with [REDACTED].
func Apply(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Redactor applies a fixed pattern set to entries. A nil *Redactor is a
// no-op.
type Redactor struct {
	patterns []*regexp.Regexp
	// Links are redacted too when set; off by default because a masked
	// link is no longer clickable.
	links bool
}

// New builds a Redactor. An empty pattern list yields a Redactor that
// returns its input unchanged.
func New(patterns []string, redactLinks bool) (*Redactor, error) {
	compiled, err := Compile(patterns)
	if err != nil {
		return nil, err
	}
	return &Redactor{patterns: compiled, links: redactLinks}, nil
}

// Entries returns a redacted copy. The input slice is never modified.
func (r *Redactor) Entries(entries []feed.Entry) []feed.Entry {
	if r == nil || len(r.patterns) == 0 {
		return entries
	}
	out := make([]feed.Entry, len(entries))
	for i, e := range entries {
		out[i] = feed.Entry{
			Title:   Apply(e.Title, r.patterns),
			Link:    e.Link,
			Summary: Apply(e.Summary, r.patterns),
		}
		if r.links {
			out[i].Link = Apply(e.Link, r.patterns)
		}
	}
	return out
}

// Len is the number of active patterns.
func (r *Redactor) Len() int {
	if r == nil {
		return 0
	}
	return len(r.patterns)
}
