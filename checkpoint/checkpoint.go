// Package checkpoint inspects artifacts left by an earlier run and decides
// where extraction continues.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aluiziolira/go-wikidump/models"
)

// State is the three-valued outcome of locating a resume point.
type State int

const (
	// NotStarted means the artifact is absent or unusable and must be produced from scratch.
	NotStarted State = iota
	// Complete means the artifact is finished.
	Complete
	// IncompleteAt means work stopped after Decision.Marker.
	IncompleteAt
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Complete:
		return "complete"
	case IncompleteAt:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Decision is the resume point of one artifact.
type Decision struct {
	State State
	// Marker is the last committed entry (title, list line or image filename).
	Marker string
	// Offset is the byte length of the dump up to and including the last
	// complete page. Only set for dumps.
	Offset int64
	// Index is the position of Marker in the image list. Only set for images.
	Index int
}

func (d Decision) String() string {
	if d.State == IncompleteAt {
		return fmt.Sprintf("incomplete at %q", d.Marker)
	}
	return d.State.String()
}

// tailSize bounds how much of a list file is read to find its last lines.
const tailSize = 64 * 1024

// LocateList inspects a title or image list. A list without the end marker
// reports its last entry; callers re-enumerate rather than resume it.
func LocateList(path string) (Decision, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Decision{State: NotStarted}, nil
		}
		return Decision{}, fmt.Errorf("open list: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Decision{}, fmt.Errorf("stat list: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return Decision{State: NotStarted}, nil
	}

	start := size - tailSize
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return Decision{}, fmt.Errorf("read list tail: %w", err)
	}

	lines := strings.Split(string(buf), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	// a trailing newline leaves an empty final element
	if last == "" && len(lines) > 1 {
		last = strings.TrimSpace(lines[len(lines)-2])
	}
	switch {
	case last == models.EndMarker:
		return Decision{State: Complete}, nil
	case last == "":
		return Decision{State: NotStarted}, nil
	default:
		return Decision{State: IncompleteAt, Marker: last}, nil
	}
}
