package display

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ppiankov/feedsync/internal/render"
)

// WriterSink formats each document in full before writing it, so a
// document is either written completely or not at all from the caller's
// point of view.
type WriterSink struct {
	mu        sync.Mutex
	w         io.Writer
	formatter Formatter
	shown     int
}

// NewWriterSink shows documents on w, formatted by f. Documents after the
// first are preceded by a blank line.
func NewWriterSink(w io.Writer, f Formatter) *WriterSink {
	return &WriterSink{w: w, formatter: f}
}

// Show formats doc and writes it with a single Write call.
func (s *WriterSink) Show(doc render.Document) error {
	var buf bytes.Buffer
	if err := s.formatter.Format(&buf, doc); err != nil {
		return fmt.Errorf("format document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shown > 0 {
		// Separate successive documents in a stream.
		buf.WriteByte('\n')
	}
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	s.shown++
	return nil
}

// FileSink replaces a file with each new document. The file is written
// under a temporary name and renamed into place.
type FileSink struct {
	mu        sync.Mutex
	path      string
	formatter Formatter
}

// NewFileSink writes every document to path with f. Missing parent
// directories are created on the first Show.
func NewFileSink(path string, f Formatter) *FileSink {
	return &FileSink{path: path, formatter: f}
}

// Show formats doc and atomically replaces the target file.
func (s *FileSink) Show(doc render.Document) error {
	var buf bytes.Buffer
	if err := s.formatter.Format(&buf, doc); err != nil {
		return fmt.Errorf("format document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Sink is anything that displays a document.
type Sink interface {
	Show(doc render.Document) error
}

// Tee shows each document on every sink and joins their errors.
type Tee []Sink

func (t Tee) Show(doc render.Document) error {
	var errs []error
	for _, s := range t {
		if err := s.Show(doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
