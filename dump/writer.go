// Package dump streams page revisions into the XML dump file.
package dump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Footer closes a finished dump.
const Footer = "</mediawiki>\n"

type writerState int

const (
	stateHeaderWritten writerState = iota
	stateStreaming
	stateFooterWritten
	stateClosed
)

func (s writerState) String() string {
	switch s {
	case stateHeaderWritten:
		return "header-written"
	case stateStreaming:
		return "streaming"
	case stateFooterWritten:
		return "footer-written"
	default:
		return "closed"
	}
}

// ErrWriterState is returned when a Writer is used out of order.
var ErrWriterState = errors.New("dump writer used out of order")

// Writer appends whole page elements to a dump, one write per fragment.
// States move header-written -> streaming -> footer-written.
type Writer struct {
	path   string
	file   *os.File
	state  writerState
	offset int64
}

// Create starts a new dump at path with header, discarding previous content.
func Create(path, header string) (*Writer, error) {
	if !strings.Contains(header, "<mediawiki") {
		return nil, fmt.Errorf("dump header has no <mediawiki> element")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create dump: %w", err)
	}
	if !strings.HasSuffix(header, "\n") {
		header += "\n"
	}
	n, err := f.WriteString(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("write dump header: %w", err)
	}
	return &Writer{path: path, file: f, state: stateHeaderWritten, offset: int64(n)}, nil
}

// Reopen continues an existing dump whose content ends at offset. The header
// already on disk is kept untouched.
func Reopen(path string, offset int64) (*Writer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat dump: %w", err)
	}
	if info.Size() != offset {
		return nil, fmt.Errorf("reopen dump %s: size %d does not match resume offset %d", path, info.Size(), offset)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	return &Writer{path: path, file: f, state: stateStreaming, offset: offset}, nil
}

// Commit appends a fragment of whole <page> elements.
func (w *Writer) Commit(fragment string) error {
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return fmt.Errorf("%w: commit in state %s", ErrWriterState, w.state)
	}
	if fragment == "" {
		return nil
	}
	w.state = stateStreaming
	n, err := w.file.WriteString(fragment)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write page fragment: %w", err)
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (w *Writer) Sync() error {
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Offset is the current dump length.
func (w *Writer) Offset() int64 {
	return w.offset
}

// Path is the dump file.
func (w *Writer) Path() string {
	return w.path
}

// Finish writes the footer and closes the file.
func (w *Writer) Finish() error {
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return fmt.Errorf("%w: finish in state %s", ErrWriterState, w.state)
	}
	n, err := w.file.WriteString(Footer)
	w.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write dump footer: %w", err)
	}
	w.state = stateFooterWritten
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync dump: %w", err)
	}
	return w.Close()
}

// Close releases the file without writing the footer. It is safe to call
// after Finish.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if w.state != stateFooterWritten {
		w.state = stateClosed
	}
	return err
}
