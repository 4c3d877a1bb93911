package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/ppiankov/feedsync/internal/render"
)

// MarkdownFormatter formats a document as Markdown. HTML summaries are
// converted rather than escaped.
type MarkdownFormatter struct {
	conv *converter.Converter
}

// NewMarkdown creates a Markdown formatter.
func NewMarkdown() *MarkdownFormatter {
	return &MarkdownFormatter{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Format writes doc as Markdown to w.
func (f *MarkdownFormatter) Format(w io.Writer, doc render.Document) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	if doc.Kind != render.KindFeed {
		fmt.Fprintf(&b, "%s\n", doc.Message)
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintf(&b, "*Updated %s*\n\n", doc.Updated)
	if len(doc.Blocks) == 0 {
		b.WriteString("No entries.\n")
	}
	for _, blk := range doc.Blocks {
		fmt.Fprintf(&b, "- [%s](%s)\n", escapeLinkText(blk.Title), blk.Link)
		if !doc.IncludeSummary || blk.Summary == "" {
			continue
		}
		md, err := f.conv.ConvertString(blk.Summary)
		if err != nil {
			return fmt.Errorf("convert summary for %s: %w", blk.Link, err)
		}
		md = strings.TrimSpace(md)
		if md == "" {
			continue
		}
		b.WriteString("\n")
		for _, line := range strings.Split(md, "\n") {
			if line == "" {
				b.WriteString("\n")
				continue
			}
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

var linkTextEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`)

func escapeLinkText(s string) string {
	return linkTextEscaper.Replace(s)
}
