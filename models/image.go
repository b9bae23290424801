package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ImageRecord describes one uploaded file of the wiki.
//
// Filename, URL and Uploader are always present. Size, SHA1 and Timestamp are
// filled when the listing endpoint reports them; Size is -1 when unknown.
type ImageRecord struct {
	Filename  string
	URL       string
	Uploader  string
	Size      int64
	SHA1      string
	Timestamp time.Time
}

// HasMetadata reports whether size and hash are known for verification.
func (r ImageRecord) HasMetadata() bool {
	return r.Size >= 0 && r.SHA1 != ""
}

// Line renders the record as one tab separated image list line (without newline).
func (r ImageRecord) Line() string {
	fields := []string{r.Filename, r.URL, r.Uploader}
	if r.Size >= 0 || r.SHA1 != "" || !r.Timestamp.IsZero() {
		size := ""
		if r.Size >= 0 {
			size = strconv.FormatInt(r.Size, 10)
		}
		ts := ""
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.UTC().Format(time.RFC3339)
		}
		fields = append(fields, size, r.SHA1, ts)
	}
	return strings.Join(fields, "\t")
}

// ParseImageLine is the inverse of Line.
func ParseImageLine(line string) (ImageRecord, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(parts) < 3 {
		return ImageRecord{}, fmt.Errorf("image line has %d fields, want at least 3", len(parts))
	}
	rec := ImageRecord{
		Filename: parts[0],
		URL:      parts[1],
		Uploader: parts[2],
		Size:     -1,
	}
	if rec.Filename == "" {
		return ImageRecord{}, fmt.Errorf("image line has empty filename")
	}
	if len(parts) > 3 && parts[3] != "" {
		size, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return ImageRecord{}, fmt.Errorf("parse size of %s: %w", rec.Filename, err)
		}
		rec.Size = size
	}
	if len(parts) > 4 {
		rec.SHA1 = parts[4]
	}
	if len(parts) > 5 && parts[5] != "" {
		ts, err := time.Parse(time.RFC3339, parts[5])
		if err != nil {
			return ImageRecord{}, fmt.Errorf("parse timestamp of %s: %w", rec.Filename, err)
		}
		rec.Timestamp = ts
	}
	return rec, nil
}
