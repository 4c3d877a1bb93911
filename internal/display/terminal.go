package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/feedsync/internal/render"
)

const summaryPreviewRunes = 280

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	colorDim    = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}
	colorError  = lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF5F5F"}

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	updatedStyle = lipgloss.NewStyle().Italic(true).Foreground(colorDim)
	linkStyle    = lipgloss.NewStyle().Foreground(colorDim)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
)

// TerminalFormatter formats a document for terminal output.
type TerminalFormatter struct {
	color bool
	width int
}

// NewTerminal creates a terminal formatter. Set color=true for ANSI styling.
func NewTerminal(color bool, width int) *TerminalFormatter {
	return &TerminalFormatter{color: color, width: width}
}

// Format writes doc to w, one numbered entry per block.
func (f *TerminalFormatter) Format(w io.Writer, doc render.Document) error {
	var b strings.Builder

	if doc.IsError() {
		fmt.Fprintln(&b, f.style(errorStyle, doc.Title))
		fmt.Fprintln(&b, doc.Message)
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintln(&b, f.style(titleStyle, doc.Title))
	if doc.Kind != render.KindFeed {
		fmt.Fprintln(&b, doc.Message)
		_, err := io.WriteString(w, b.String())
		return err
	}
	fmt.Fprintln(&b, f.style(updatedStyle, "Updated "+doc.Updated))
	fmt.Fprintln(&b)

	if len(doc.Blocks) == 0 {
		fmt.Fprintln(&b, "No entries.")
	}
	for i, blk := range doc.Blocks {
		fmt.Fprintf(&b, "%3d. %s\n", i+1, blk.Title)
		fmt.Fprintf(&b, "     %s\n", f.style(linkStyle, blk.Link))
		if doc.IncludeSummary && blk.Summary != "" {
			text := truncateRunes(plainText(blk.Summary), summaryPreviewRunes)
			if text != "" {
				fmt.Fprintf(&b, "%s\n", f.indent(text))
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (f *TerminalFormatter) style(s lipgloss.Style, text string) string {
	if !f.color {
		return text
	}
	return s.Render(text)
}

func (f *TerminalFormatter) indent(text string) string {
	st := lipgloss.NewStyle().PaddingLeft(5)
	if f.width > 5 {
		st = st.Width(f.width)
	}
	return st.Render(text)
}

// plainText strips markup from an HTML summary and collapses whitespace.
// Input that is not HTML comes back unchanged apart from whitespace.
func plainText(summary string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(summary))
	if err != nil {
		return strings.Join(strings.Fields(summary), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return strings.TrimSpace(s[:i]) + "…"
		}
		count++
	}
	return s
}
