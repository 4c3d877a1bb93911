// Package feed streams RSS 2.0, RSS 1.0 and Atom 1.0 documents into an
// ordered sequence of entries.
//
// The format is detected from the root element:
//   - <rss>     → RSS 2.0, entries are <item>
//   - <rdf:RDF> → RSS 1.0, entries are <item>
//   - <feed>    → Atom 1.0, entries are <entry>
//
// Decoding is pull-based: the first entry is produced before the rest of
// the document has been read. Consumers that need all-or-nothing
// semantics use Parse.
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"

	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

const (
	atomNS    = "http://www.w3.org/2005/Atom"
	contentNS = "http://purl.org/rss/1.0/modules/content/"
)

// Entry is one item of a feed, in document order.
type Entry struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Summary string `json:"summary,omitempty"`
}

// ParseError reports malformed, truncated, or unsupported feed markup.
// Entry is the 1-based index of the entry being read, or 0 outside one.
type ParseError struct {
	Entry int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Entry > 0 {
		return fmt.Sprintf("feed: entry %d: %v", e.Entry, e.Err)
	}
	return fmt.Sprintf("feed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes every entry in payload. On any error it returns no
// entries and a *ParseError.
func Parse(payload []byte) ([]Entry, error) {
	return ParseReader(bytes.NewReader(payload))
}

// ParseReader is Parse over a reader.
func ParseReader(r io.Reader) ([]Entry, error) {
	var entries []Entry
	for e, err := range Decode(r) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Entries returns a restartable sequence over payload: every range
// re-parses from the start.
func Entries(payload []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for e, err := range Decode(bytes.NewReader(payload)) {
			if !yield(e, err) {
				return
			}
		}
	}
}

// Decode lazily reads entries from r. A decoding error is yielded once
// as the final element; the sequence can only be ranged over once.
func Decode(r io.Reader) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		d := &decoder{p: xpp.NewXMLPullParser(r, true, charset.NewReaderLabel)}
		for {
			e, err := d.next()
			if errors.Is(err, errDone) {
				return
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

var errDone = errors.New("done")

type format int

const (
	formatRSS format = iota
	formatRDF
	formatAtom
)

type decoder struct {
	p          *xpp.XMLPullParser
	format     format
	entryTag   string
	started    bool
	rootClosed bool
	index      int
}

func (d *decoder) fail(err error) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		return err
	}
	return &ParseError{Err: err}
}

func (d *decoder) next() (Entry, error) {
	if !d.started {
		if err := d.readRoot(); err != nil {
			return Entry{}, d.fail(err)
		}
		d.started = true
	}

	for {
		ev, err := d.p.Next()
		if err != nil {
			return Entry{}, d.fail(err)
		}
		switch ev {
		case xpp.EndDocument:
			if !d.rootClosed {
				return Entry{}, d.fail(io.ErrUnexpectedEOF)
			}
			return Entry{}, errDone
		case xpp.StartTag:
			if d.rootClosed {
				return Entry{}, d.fail(fmt.Errorf("unexpected <%s> after root element", d.p.Name))
			}
			if d.p.Name == d.entryTag {
				d.index++
				e, err := d.readEntry()
				if err != nil {
					return Entry{}, &ParseError{Entry: d.index, Err: err}
				}
				return e, nil
			}
		case xpp.EndTag:
			if d.p.Depth == 0 {
				d.rootClosed = true
			}
		}
	}
}

func (d *decoder) readRoot() error {
	for {
		ev, err := d.p.Next()
		if err != nil {
			return err
		}
		switch ev {
		case xpp.EndDocument:
			return errors.New("empty document")
		case xpp.Text:
			if !d.p.IsWhitespace() {
				return errors.New("text before root element")
			}
		case xpp.StartTag:
			switch strings.ToLower(d.p.Name) {
			case "rss":
				d.format, d.entryTag = formatRSS, "item"
			case "rdf":
				d.format, d.entryTag = formatRDF, "item"
			case "feed":
				d.format, d.entryTag = formatAtom, "entry"
			default:
				return fmt.Errorf("unsupported root element <%s> (expected <rss>, <rdf:RDF> or <feed>)", d.p.Name)
			}
			return nil
		case xpp.EndTag:
			return errors.New("unexpected end tag before root element")
		}
	}
}

type entryFields struct {
	title, link, altLink, summary, content, id string
	titleSet, linkSet                          bool
}

func (d *decoder) readEntry() (Entry, error) {
	depth := d.p.Depth
	var f entryFields

	for {
		ev, err := d.p.Next()
		if err != nil {
			return Entry{}, err
		}
		switch ev {
		case xpp.EndDocument:
			return Entry{}, io.ErrUnexpectedEOF
		case xpp.EndTag:
			if d.p.Depth < depth {
				return d.finishEntry(f)
			}
		case xpp.StartTag:
			if err := d.readEntryChild(&f); err != nil {
				return Entry{}, err
			}
		}
	}
}

func (d *decoder) readEntryChild(f *entryFields) error {
	name, space := d.p.Name, d.p.Space
	if d.format == formatAtom && space != "" && space != atomNS {
		return d.skip()
	}
	if name == d.entryTag {
		return fmt.Errorf("<%s> nested inside <%s>", name, d.entryTag)
	}
	if d.format == formatAtom {
		switch name {
		case "title":
			return d.setOnce(&f.title, &f.titleSet)
		case "link":
			return d.readAtomLink(f)
		case "summary":
			return d.readInto(&f.summary)
		case "content":
			return d.readInto(&f.content)
		case "id":
			return d.readInto(&f.id)
		default:
			return d.skip()
		}
	}

	if name == "encoded" && space == contentNS {
		return d.readInto(&f.content)
	}
	if space == atomNS {
		return d.skip()
	}
	switch name {
	case "title":
		return d.setOnce(&f.title, &f.titleSet)
	case "link":
		return d.setOnce(&f.link, &f.linkSet)
	case "description":
		return d.readInto(&f.summary)
	case "guid":
		permalink := d.p.Attribute("isPermaLink") != "false"
		var guid string
		if err := d.readInto(&guid); err != nil {
			return err
		}
		if permalink {
			f.id = guid
		}
		return nil
	default:
		return d.skip()
	}
}

func (d *decoder) finishEntry(f entryFields) (Entry, error) {
	link := f.link
	if link == "" {
		link = f.altLink
	}
	if link == "" && isHTTP(f.id) {
		link = f.id
	}
	if link == "" {
		return Entry{}, errors.New("entry has no link")
	}
	u, err := url.Parse(link)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid link %q: %w", link, err)
	}
	// Links end up in href attributes; only web links are displayable.
	if u.Scheme != "http" && u.Scheme != "https" {
		return Entry{}, fmt.Errorf("invalid link %q: scheme must be http or https", link)
	}

	summary := f.summary
	if summary == "" {
		summary = f.content
	}
	return Entry{Title: f.title, Link: link, Summary: summary}, nil
}

func (d *decoder) readAtomLink(f *entryFields) error {
	rel := d.p.Attribute("rel")
	href := strings.TrimSpace(d.p.Attribute("href"))
	if err := d.skip(); err != nil {
		return err
	}
	if href == "" {
		return nil
	}
	if (rel == "" || rel == "alternate") && !f.linkSet {
		f.link, f.linkSet = href, true
	} else if f.altLink == "" {
		f.altLink = href
	}
	return nil
}

func (d *decoder) setOnce(dst *string, set *bool) error {
	if *set {
		return d.skip()
	}
	*set = true
	return d.readInto(dst)
}

func (d *decoder) readInto(dst *string) error {
	s, err := d.readText()
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

// readText returns the text of the current element. Atom xhtml
// constructs are returned as their inner markup; any other nested
// markup contributes its character data.
func (d *decoder) readText() (string, error) {
	if d.p.Attribute("type") == "xhtml" {
		var inner struct {
			XML string `xml:",innerxml"`
		}
		if err := d.p.DecodeElement(&inner); err != nil {
			return "", err
		}
		return strings.TrimSpace(inner.XML), nil
	}

	depth := d.p.Depth
	var b strings.Builder
	for {
		ev, err := d.p.Next()
		if err != nil {
			return "", err
		}
		switch ev {
		case xpp.Text:
			b.WriteString(d.p.Text)
		case xpp.EndTag:
			if d.p.Depth < depth {
				return strings.TrimSpace(b.String()), nil
			}
		case xpp.EndDocument:
			return "", io.ErrUnexpectedEOF
		}
	}
}

// skip consumes the current element and all of its children.
func (d *decoder) skip() error {
	depth := d.p.Depth
	for {
		ev, err := d.p.Next()
		if err != nil {
			return err
		}
		switch ev {
		case xpp.EndTag:
			if d.p.Depth < depth {
				return nil
			}
		case xpp.EndDocument:
			return io.ErrUnexpectedEOF
		}
	}
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
