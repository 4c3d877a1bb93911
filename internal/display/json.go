package display

import (
	"encoding/json"
	"io"

	"github.com/ppiankov/feedsync/internal/render"
)

// JSONFormatter formats a document as indented JSON.
type JSONFormatter struct{}

// NewJSON creates a JSON formatter.
func NewJSON() *JSONFormatter {
	return &JSONFormatter{}
}

// Format writes doc as JSON to w.
func (f *JSONFormatter) Format(w io.Writer, doc render.Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
