// Package integrity validates a finished XML dump by counting its tags.
package integrity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const blockSize = 1 << 20

var tags = []string{"page", "title", "revision"}

// Report holds open and close counts per tag.
type Report struct {
	Open      map[string]int
	Close     map[string]int
	HasFooter bool
}

// Consistent reports whether every tag is balanced and the footer is present.
func (r Report) Consistent() bool {
	if !r.HasFooter {
		return false
	}
	for _, tag := range tags {
		if r.Open[tag] != r.Close[tag] {
			return false
		}
	}
	return true
}

// Warning describes the inconsistencies, or "" for a consistent dump.
func (r Report) Warning() string {
	var problems []string
	for _, tag := range tags {
		if r.Open[tag] != r.Close[tag] {
			problems = append(problems, fmt.Sprintf("<%s> %d open, %d closed", tag, r.Open[tag], r.Close[tag]))
		}
	}
	if !r.HasFooter {
		problems = append(problems, "missing </mediawiki> footer")
	}
	return strings.Join(problems, "; ")
}

// Pages is the number of complete page elements.
func (r Report) Pages() int {
	return r.Close["page"]
}

// Check scans the dump at path once.
func Check(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	return Count(f)
}

// Count tallies tags read from r. Tags split across reads are counted once.
func Count(r io.Reader) (Report, error) {
	report := Report{Open: map[string]int{}, Close: map[string]int{}}
	needles := make(map[string][2][]byte, len(tags))
	longest := 0
	for _, tag := range tags {
		openTag, closeTag := []byte("<"+tag+">"), []byte("</"+tag+">")
		needles[tag] = [2][]byte{openTag, closeTag}
		longest = max(longest, len(closeTag))
	}
	footer := []byte("</mediawiki>")

	buf := make([]byte, blockSize)
	var carry, tail []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			for _, tag := range tags {
				pair := needles[tag]
				report.Open[tag] += countFrom(chunk, pair[0], len(carry))
				report.Close[tag] += countFrom(chunk, pair[1], len(carry))
			}
			keep := min(longest-1, len(chunk))
			carry = append([]byte(nil), chunk[len(chunk)-keep:]...)
			tail = lastBytes(tail, buf[:n], 4096)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read dump: %w", err)
		}
	}
	report.HasFooter = bytes.HasSuffix(bytes.TrimSpace(tail), footer)
	return report, nil
}

// countFrom counts needle occurrences in chunk that end past carried bytes.
func countFrom(chunk, needle []byte, carried int) int {
	start := max(0, carried-(len(needle)-1))
	return bytes.Count(chunk[start:], needle)
}

func lastBytes(prev, chunk []byte, limit int) []byte {
	joined := append(prev, chunk...)
	if len(joined) > limit {
		joined = joined[len(joined)-limit:]
	}
	return append([]byte(nil), joined...)
}
