package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aluiziolira/go-wikidump/parser"
)

const (
	blockSize  = 64 * 1024
	pageClose  = "</page>"
	titleOpen  = "<title>"
	titleClose = "</title>"
	footer     = "</mediawiki>"
)

// LocateDump inspects an XML dump from its end. A dump whose last non-blank
// content is the footer is Complete. Otherwise the last complete page is
// found: Marker is its title and Offset the byte length up to the end of its
// </page> line. Without any complete page the dump is NotStarted.
func LocateDump(path string) (Decision, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Decision{State: NotStarted}, nil
		}
		return Decision{}, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Decision{}, fmt.Errorf("stat dump: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return Decision{State: NotStarted}, nil
	}

	tail, err := readRange(f, max(0, size-4096), size)
	if err != nil {
		return Decision{}, err
	}
	if bytes.HasSuffix(bytes.TrimRight(tail, " \t\r\n"), []byte(footer)) {
		return Decision{State: Complete, Offset: size}, nil
	}

	endPage, err := lastIndex(f, size, pageClose)
	if err != nil {
		return Decision{}, err
	}
	if endPage < 0 {
		return Decision{State: NotStarted}, nil
	}
	titleAt, err := lastIndex(f, endPage, titleOpen)
	if err != nil {
		return Decision{}, err
	}
	if titleAt < 0 {
		return Decision{State: NotStarted}, nil
	}
	window, err := readRange(f, titleAt, min(titleAt+4096, endPage))
	if err != nil {
		return Decision{}, err
	}
	closeAt := bytes.Index(window, []byte(titleClose))
	if closeAt < 0 {
		return Decision{State: NotStarted}, nil
	}
	title := parser.UnescapeTitle(string(window[len(titleOpen):closeAt]))
	if title == "" {
		return Decision{State: NotStarted}, nil
	}

	offset := endPage + int64(len(pageClose))
	if offset < size {
		next, err := readRange(f, offset, offset+1)
		if err != nil {
			return Decision{}, err
		}
		if len(next) == 1 && next[0] == '\n' {
			offset++
		}
	}
	return Decision{State: IncompleteAt, Marker: title, Offset: offset}, nil
}

// TruncateDump cuts the dump back to offset, dropping a trailing partial page.
func TruncateDump(path string, offset int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat dump: %w", err)
	}
	if offset > info.Size() {
		return fmt.Errorf("truncate dump %s: offset %d beyond size %d", path, offset, info.Size())
	}
	if offset == info.Size() {
		return nil
	}
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("truncate dump %s: %w", path, err)
	}
	return nil
}

// lastIndex returns the offset of the last occurrence of needle lying
// entirely before limit, scanning backwards block by block.
func lastIndex(r io.ReaderAt, limit int64, needle string) (int64, error) {
	pattern := []byte(needle)
	overlap := int64(len(pattern) - 1)
	end := limit
	for end > 0 {
		start := max(0, end-blockSize)
		readEnd := min(limit, end+overlap)
		buf, err := readRange(r, start, readEnd)
		if err != nil {
			return -1, err
		}
		if i := bytes.LastIndex(buf, pattern); i >= 0 {
			return start + int64(i), nil
		}
		end = start
	}
	return -1, nil
}

func readRange(r io.ReaderAt, start, end int64) ([]byte, error) {
	if end <= start {
		return nil, nil
	}
	buf := make([]byte, end-start)
	n, err := r.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read dump at %d: %w", start, err)
	}
	return buf[:n], nil
}
