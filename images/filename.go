package images

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// TruncationLog is the mapping file of shortened names inside the image
// directory.
const TruncationLog = "truncated.txt"

// maxExtension bounds what is kept as the extension of a shortened name.
const maxExtension = 16

// TruncateName shortens name to at most limit bytes as
// prefix + md5hex(name) + extension, cutting the prefix on a rune boundary.
// Names within the limit are returned unchanged.
func TruncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	sum := md5.Sum([]byte(name))
	hash := hex.EncodeToString(sum[:])
	ext := filepath.Ext(name)
	if len(ext) > maxExtension || !utf8.ValidString(ext) {
		ext = ""
	}
	cut := max(limit-len(hash)-len(ext), 0)
	cut = min(cut, len(name))
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut] + hash + ext
}

// Namer maps filenames to on-disk names and records every shortened name in
// TruncationLog.
type Namer struct {
	dir    string
	limit  int
	logged map[string]struct{}
}

// NewNamer loads the existing truncation log of dir.
func NewNamer(dir string, limit int) (*Namer, error) {
	n := &Namer{dir: dir, limit: limit, logged: map[string]struct{}{}}
	f, err := os.Open(filepath.Join(dir, TruncationLog))
	if errors.Is(err, os.ErrNotExist) {
		return n, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open truncation log: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if short, _, ok := strings.Cut(scanner.Text(), "\t"); ok {
			n.logged[short] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read truncation log: %w", err)
	}
	return n, nil
}

// Name returns the on-disk name of filename without side effects.
func (n *Namer) Name(filename string) string {
	return TruncateName(filename, n.limit)
}

// Path returns the on-disk path of filename.
func (n *Namer) Path(filename string) string {
	return filepath.Join(n.dir, n.Name(filename))
}

// Record appends "short\toriginal" to the truncation log when filename is
// shortened and not yet recorded.
func (n *Namer) Record(filename string) error {
	short := n.Name(filename)
	if short == filename {
		return nil
	}
	if _, ok := n.logged[short]; ok {
		return nil
	}
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(n.dir, TruncationLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open truncation log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(short + "\t" + filename + "\n"); err != nil {
		return fmt.Errorf("write truncation log: %w", err)
	}
	n.logged[short] = struct{}{}
	return nil
}
