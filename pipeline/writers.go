package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-wikidump/models"
)

// ListWriter appends lines to a title or image list file and terminates it
// with the end marker once the enumeration is complete.
type ListWriter struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	mu     sync.Mutex
}

// NewListWriter creates path, discarding any previous content. Lists are
// never resumed in place.
func NewListWriter(path string) (*ListWriter, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create list file: %w", err)
	}

	return &ListWriter{
		file:   f,
		writer: bufio.NewWriter(f),
		path:   path,
	}, nil
}

// Write appends one line per entry and flushes before returning.
func (lw *ListWriter) Write(lines []string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	for _, line := range lines {
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("list entry %q contains a line break", line)
		}
		if _, err := lw.writer.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write list entry: %w", err)
		}
	}
	if err := lw.writer.Flush(); err != nil {
		return fmt.Errorf("flush list writer: %w", err)
	}
	return nil
}

// Finish appends the end marker, syncs the file and reads the marker back.
func (lw *ListWriter) Finish() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if _, err := lw.writer.WriteString(models.EndMarker + "\n"); err != nil {
		return fmt.Errorf("write end marker: %w", err)
	}
	if err := lw.writer.Flush(); err != nil {
		return fmt.Errorf("flush list writer: %w", err)
	}
	if err := lw.file.Sync(); err != nil {
		return fmt.Errorf("sync list file: %w", err)
	}
	return lw.verify()
}

// Close flushes buffers and closes the underlying file.
func (lw *ListWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.writer.Flush(); err != nil {
		return fmt.Errorf("flush list writer: %w", err)
	}
	return lw.file.Close()
}

// verify ensures the file ends with the end marker. Callers hold lw.mu.
func (lw *ListWriter) verify() error {
	info, err := lw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat list file: %w", err)
	}
	tail := int64(len(models.EndMarker) + 1)
	if info.Size() < tail {
		return fmt.Errorf("list file %s is not terminated", lw.path)
	}
	// the write handle cannot be read from
	r, err := os.Open(lw.path)
	if err != nil {
		return fmt.Errorf("open list file: %w", err)
	}
	defer r.Close()
	buf := make([]byte, tail)
	if _, err := r.ReadAt(buf, info.Size()-tail); err != nil {
		return fmt.Errorf("read list tail: %w", err)
	}
	if string(buf) != models.EndMarker+"\n" {
		return fmt.Errorf("list file %s is not terminated", lw.path)
	}
	return nil
}

// ErrorLog appends human-readable records of skipped titles and images.
// A nil *ErrorLog discards everything.
type ErrorLog struct {
	file  *os.File
	mu    sync.Mutex
	count int
	now   func() time.Time
}

// OpenErrorLog opens path for appending, creating it when missing.
func OpenErrorLog(path string) (*ErrorLog, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	return &ErrorLog{file: f, now: time.Now}, nil
}

// Log records one skipped item as "<time> [kind] subject: reason".
func (l *ErrorLog) Log(kind, subject string, reason error) {
	if l == nil {
		return
	}
	msg := "unknown error"
	if reason != nil {
		msg = strings.ReplaceAll(reason.Error(), "\n", " ")
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n", l.now().UTC().Format(time.RFC3339), kind, subject, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	// single write call per record
	_, _ = l.file.WriteString(line)
}

// Count returns the number of records written through this handle.
func (l *ErrorLog) Count() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close closes the log file.
func (l *ErrorLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
